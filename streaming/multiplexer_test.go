package streaming

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, r *Reader) []byte {
	t.Helper()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func TestMultiplexer_TwoSubscribersSeeIdenticalBytes(t *testing.T) {
	payload := bytes.Repeat([]byte("hello-world-"), 4000)
	m := FromReader(bytes.NewReader(payload))

	r1 := m.Subscribe()
	r2 := m.Subscribe()
	m.CloseSubscriptions()

	var got1, got2 []byte
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); got1 = readAll(t, r1) }()
	go func() { defer wg.Done(); got2 = readAll(t, r2) }()
	wg.Wait()

	assert.Equal(t, payload, got1)
	assert.Equal(t, payload, got2)
}

func TestMultiplexer_ZeroByteBody(t *testing.T) {
	m := FromReader(bytes.NewReader(nil))
	r := m.Subscribe()
	m.CloseSubscriptions()

	got := readAll(t, r)
	assert.Empty(t, got)

	select {
	case <-m.FirstByte():
		t.Fatal("first byte should never fire for an empty body")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMultiplexer_SingleByteBody(t *testing.T) {
	m := FromReader(bytes.NewReader([]byte{0x42}))
	r := m.Subscribe()
	m.CloseSubscriptions()

	got := readAll(t, r)
	assert.Equal(t, []byte{0x42}, got)

	select {
	case <-m.FirstByte():
	case <-time.After(time.Second):
		t.Fatal("first byte never fired")
	}
}

type errReader struct {
	after int
	err   error
}

func (e *errReader) Read(p []byte) (int, error) {
	if e.after <= 0 {
		return 0, e.err
	}
	n := copy(p, bytes.Repeat([]byte{'x'}, e.after))
	e.after -= n
	return n, nil
}

func TestMultiplexer_UpstreamErrorReachesAllSubscribers(t *testing.T) {
	wantErr := errors.New("boom")
	m := FromReader(&errReader{after: 8, err: wantErr})

	r1 := m.Subscribe()
	r2 := m.Subscribe()
	m.CloseSubscriptions()

	_, err1 := io.ReadAll(r1)
	_, err2 := io.ReadAll(r2)

	assert.ErrorIs(t, err1, wantErr)
	assert.ErrorIs(t, err2, wantErr)
}

func TestMultiplexer_SubscribeAfterEOFReplaysFullCache(t *testing.T) {
	payload := []byte("complete-payload")
	m := FromReader(bytes.NewReader(payload))

	// Give the producer goroutine a chance to drain fully before the late
	// subscribe, without depending on a fixed sleep for correctness: a
	// first subscriber drains it for us.
	r1 := m.Subscribe()
	got1 := readAll(t, r1)
	require.Equal(t, payload, got1)

	late := m.Subscribe()
	require.NotNil(t, late)
	m.CloseSubscriptions()

	got2 := readAll(t, late)
	assert.Equal(t, payload, got2)
}

func TestMultiplexer_SubscribeAfterCloseReturnsNil(t *testing.T) {
	m := FromReader(bytes.NewReader([]byte("x")))
	m.CloseSubscriptions()

	assert.Nil(t, m.Subscribe())
}

func TestMultiplexer_CancelledSubscriberDoesNotBlockOthers(t *testing.T) {
	payload := bytes.Repeat([]byte("y"), subscriberQueueCapacity*4)
	m := FromReader(bytes.NewReader(payload))

	slow := m.Subscribe()
	fast := m.Subscribe()
	m.CloseSubscriptions()

	// Cancel the slow subscriber without ever reading from it; the fast
	// one must still observe the full stream.
	require.NoError(t, slow.Close())

	got := readAll(t, fast)
	assert.Equal(t, payload, got)
}

func TestMultiplexer_SizeHintAdvances(t *testing.T) {
	payload := bytes.Repeat([]byte("z"), 10)
	// A pipe holds the bytes back until the size-hint channel is taken, so
	// the producer cannot finish before the test starts watching.
	pr, pw := io.Pipe()
	m := FromReader(pr)
	r := m.Subscribe()
	m.CloseSubscriptions()

	_, ch := m.SizeHint()
	go func() {
		_, _ = pw.Write(payload)
		_ = pw.Close()
	}()
	readAll(t, r)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("size hint never advanced")
	}
	size, _ := m.SizeHint()
	assert.Equal(t, int64(len(payload)), size)
}
