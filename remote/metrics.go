package remote

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics mirrors the teacher's backend/metrics.go shape (a GaugeVec per
// remote keyed by name), narrowed to the tri-state health signal this
// package actually tracks.
type Metrics struct {
	RemoteHealth *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		RemoteHealth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "s3reproxy_remote_health",
				Help: "Advisory health of a remote (1=up, 0.5=unknown, 0=down)",
			},
			[]string{"remote"},
		),
	}
}
