// Package streaming implements the single-producer / N-consumer byte-stream
// broadcaster the dispatcher uses to fan a write request's body out to every
// remote without rewinding the HTTP body (SPEC_FULL.md §4.B).
package streaming

import (
	"io"
	"sync"
)

const (
	// internalQueueCapacity is the producer-to-broadcaster buffer depth.
	internalQueueCapacity = 4
	// subscriberQueueCapacity is the per-subscriber buffer depth.
	subscriberQueueCapacity = 16
	// defaultReadBufferSize bounds one producer read; frames are copied
	// out of this buffer before being handed to the broadcaster.
	defaultReadBufferSize = 32 * 1024
)

type frame struct {
	data []byte
	err  error
}

type subscribeRequest struct {
	resp chan *subscription
}

type subscription struct {
	frames chan frame
	done   chan struct{}
}

// Multiplexer is an InFlightBroadcast: it drains a single io.Reader once
// and replays its frames to every subscriber that joins before the
// dispatcher closes subscriptions.
type Multiplexer struct {
	subscribeCh chan subscribeRequest
	firstByte   chan struct{}
	sizeHint    *sizeHintCell

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

// FromReader starts the producer and broadcaster goroutines over src and
// returns the Multiplexer. src is consumed exactly once regardless of how
// many subscribers join.
func FromReader(src io.Reader) *Multiplexer {
	m := &Multiplexer{
		subscribeCh: make(chan subscribeRequest),
		firstByte:   make(chan struct{}),
		sizeHint:    newSizeHintCell(),
	}

	producerCh := make(chan frame, internalQueueCapacity)
	go produce(src, producerCh, m.firstByte, m.sizeHint)
	go broadcast(producerCh, m.subscribeCh)

	return m
}

// Subscribe joins a fresh consumer stream that replays everything cached so
// far and then receives every subsequent frame. It must be called before
// CloseSubscriptions; calling it after returns nil.
func (m *Multiplexer) Subscribe() *Reader {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil
	}

	resp := make(chan *subscription, 1)
	m.subscribeCh <- subscribeRequest{resp: resp}
	sub := <-resp
	if sub == nil {
		return nil
	}
	return &Reader{frames: sub.frames, done: sub.done}
}

// CloseSubscriptions signals that no further subscribers will arrive. This
// is the point at which the read cache stops growing and can be released
// as frames flow through; the dispatcher calls this once it has
// subscribed every remote, before awaiting any of them.
func (m *Multiplexer) CloseSubscriptions() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.subscribeCh)
	})
}

// FirstByte fires once the first frame has arrived from the upstream
// reader, or never if the stream is empty (a zero-byte body).
func (m *Multiplexer) FirstByte() <-chan struct{} {
	return m.firstByte
}

// SizeHint returns the most recent known size (bytes produced so far) and a
// channel that closes the next time it changes — the watch-cell idiom from
// SPEC_FULL.md §4.B's size_hint.
func (m *Multiplexer) SizeHint() (int64, <-chan struct{}) {
	return m.sizeHint.get()
}

func produce(src io.Reader, out chan<- frame, firstByte chan struct{}, sizeHint *sizeHintCell) {
	defer close(out)

	buf := make([]byte, defaultReadBufferSize)
	var total int64
	first := true

	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if first {
				close(firstByte)
				first = false
			}
			total += int64(n)
			sizeHint.set(total)
			out <- frame{data: chunk}
		}
		if err != nil {
			if err != io.EOF {
				out <- frame{err: err}
			}
			return
		}
	}
}

func broadcast(producerCh <-chan frame, subscribeCh chan subscribeRequest) {
	var cache []frame
	var subs []*subscription
	willAccept := true

	localProducerCh := producerCh
	localSubscribeCh := subscribeCh

	for {
		if localProducerCh == nil && localSubscribeCh == nil {
			break
		}

		select {
		case req, ok := <-localSubscribeCh:
			if !ok {
				localSubscribeCh = nil
				willAccept = false
				continue
			}
			sub := &subscription{
				frames: make(chan frame, subscriberQueueCapacity),
				done:   make(chan struct{}),
			}
			for _, f := range cache {
				sub.frames <- f
			}
			if localProducerCh == nil {
				// The stream already ended: the replay is all there is.
				close(sub.frames)
			} else {
				subs = append(subs, sub)
			}
			req.resp <- sub

		case f, ok := <-localProducerCh:
			if !ok {
				localProducerCh = nil
				for _, sub := range subs {
					close(sub.frames)
				}
				subs = nil
				continue
			}
			live := subs[:0]
			for _, sub := range subs {
				select {
				case sub.frames <- f:
					live = append(live, sub)
				case <-sub.done:
					close(sub.frames)
				}
			}
			subs = live
			if willAccept {
				cache = append(cache, f)
			}
		}
	}

	for _, sub := range subs {
		close(sub.frames)
	}
}
