package supervisor

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"s3proxy/apigw"
	"s3proxy/remote"
)

// fakeActor mirrors dispatch/dispatcher_test.go's helper of the same
// name: a goroutine-backed mailbox standing in for a spawned remote.Actor
// so lifecycle tests never need a live S3 endpoint.
func fakeActor(name string, onShutdown func()) (remote.Handle, *sync.WaitGroup) {
	mbox := make(chan remote.Message, 4)
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for msg := range mbox {
			switch m := msg.(type) {
			case *remote.HealthCheckMsg:
				m.Reply <- true
			case *remote.ShutdownMsg:
				if onShutdown != nil {
					onShutdown()
				}
				return
			}
		}
	}()
	target := remote.Target{Name: name, Priority: 1, ReadRequest: true, S3: remote.Credential{Endpoint: "http://" + name, Bucket: name}}
	return remote.NewHandle(target, mbox), wg
}

type echoHandler struct{}

func (echoHandler) Handle(req *apigw.S3Request) *apigw.S3Response {
	return &apigw.S3Response{StatusCode: http.StatusOK}
}

func newTestSupervisor(t *testing.T, listenAddr string) (*Supervisor, []bool) {
	t.Helper()

	shutdowns := make([]bool, 2)
	h1, wg1 := fakeActor("a", func() { shutdowns[0] = true })
	h2, wg2 := fakeActor("b", func() { shutdowns[1] = true })

	joined := &sync.WaitGroup{}
	joined.Add(2)
	go func() { defer joined.Done(); wg1.Wait() }()
	go func() { defer joined.Done(); wg2.Wait() }()

	for _, h := range []remote.Handle{h1, h2} {
		warmUp(h)
	}

	gatewayConfig := apigw.Config{ListenAddress: listenAddr, ReadTimeout: time.Second, WriteTimeout: time.Second}
	return &Supervisor{
		handles: []remote.Handle{h1, h2},
		wg:      joined,
		gateway: apigw.New(gatewayConfig, echoHandler{}),
	}, shutdowns
}

func TestSupervisor_ShutdownStopsEveryActor(t *testing.T) {
	s, shutdowns := newTestSupervisor(t, ":0")

	err := s.Shutdown()
	require.NoError(t, err)
	assert.True(t, shutdowns[0])
	assert.True(t, shutdowns[1])
}

func TestSupervisor_RunStopsOnContextCancel(t *testing.T) {
	s, shutdowns := newTestSupervisor(t, "127.0.0.1:0")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	assert.True(t, shutdowns[0])
	assert.True(t, shutdowns[1])
}
