// Package supervisor owns process-level lifecycle: spawning remote
// actors, binding the north-face listener, and tearing everything down
// cleanly on a shutdown signal (SPEC_FULL.md §4.F).
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"s3proxy/apigw"
	"s3proxy/logger"
	"s3proxy/remote"
)

// shutdownGrace bounds how long a graceful shutdown waits for in-flight
// HTTP requests to finish before giving up, matching the teacher's
// main.go shutdown timeout.
const shutdownGrace = 30 * time.Second

// healthCheckWarmup bounds the startup warm-up HealthCheck sent to each
// actor; a remote that doesn't answer in time is simply logged as still
// unknown — startup does not fail because one backend is slow to answer.
const healthCheckWarmup = 10 * time.Second

// Supervisor owns every spawned remote actor and the north-face HTTP
// server built around them.
type Supervisor struct {
	handles []remote.Handle
	wg      *sync.WaitGroup
	gateway *apigw.Gateway
}

// SpawnActors starts one actor per target and sends each a warm-up
// HealthCheck. It returns the handles so the caller can build whatever
// needs them (the dispatcher, in particular) before the gateway — which
// depends on that dispatcher — is attached via NewGateway.
func SpawnActors(targets []remote.Target, metrics *remote.Metrics, mailboxCapacity int) ([]remote.Handle, *Supervisor) {
	handles := make([]remote.Handle, 0, len(targets))
	wg := &sync.WaitGroup{}

	for _, target := range targets {
		h, actorWG := remote.Spawn(target, metrics, mailboxCapacity)
		handles = append(handles, h)
		wg.Add(1)
		go func() {
			defer wg.Done()
			actorWG.Wait()
		}()
	}

	for _, h := range handles {
		warmUp(h)
	}

	return handles, &Supervisor{handles: handles, wg: wg}
}

// NewGateway binds the north-face HTTP server over handler. Call this
// once the handler (typically a *dispatch.Dispatcher-backed routing
// engine) has been built from the handles SpawnActors returned.
func (s *Supervisor) NewGateway(gatewayConfig apigw.Config, handler apigw.RequestHandler) {
	s.gateway = apigw.New(gatewayConfig, handler)
}

func warmUp(h remote.Handle) {
	reply := make(chan bool, 1)
	h.Send(&remote.HealthCheckMsg{Reply: reply})

	select {
	case up := <-reply:
		logger.Info("remote %s: warm-up health check reports up=%v", h.Target.Name, up)
	case <-time.After(healthCheckWarmup):
		logger.Warn("remote %s: warm-up health check timed out", h.Target.Name)
	}
}

// Run starts the HTTP listener and blocks until ctx is cancelled (a
// shutdown signal), then drains in-flight requests and every actor
// before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		if err := s.gateway.Start(); err != nil {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("gateway failed to start: %w", err)
	case <-ctx.Done():
	}

	logger.Info("supervisor: shutdown signal received, draining")
	return s.Shutdown()
}

// Shutdown stops accepting new connections, waits for in-flight HTTP
// requests to finish, sends Shutdown to every actor, and joins their
// goroutines.
func (s *Supervisor) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	var gatewayErr error
	if err := s.gateway.Stop(shutdownCtx); err != nil {
		logger.Error("supervisor: error stopping gateway: %v", err)
		gatewayErr = err
	}

	for _, h := range s.handles {
		h.Shutdown()
	}
	s.wg.Wait()

	logger.Info("supervisor: all remotes shut down")
	return gatewayErr
}
