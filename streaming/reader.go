package streaming

import (
	"io"
	"sync"
)

// Reader is one subscriber's view of a Multiplexer: an io.ReadCloser that
// replays the stream from its beginning and then receives live frames.
// This is handed to the AWS SDK as a PutObject/UploadPart request body, so
// the existing SDK streaming machinery applies unchanged per remote.
type Reader struct {
	frames <-chan frame
	done   chan struct{}
	buf    []byte

	closeOnce sync.Once
}

func (r *Reader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		f, ok := <-r.frames
		if !ok {
			return 0, io.EOF
		}
		if f.err != nil {
			return 0, f.err
		}
		r.buf = f.data
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// Close abandons this subscription early. The broadcaster drops the
// subscriber once its queue next backs up; other subscribers are
// unaffected (SPEC_FULL.md §8 boundary behavior: "subscriber cancelled
// mid-stream, others still complete").
func (r *Reader) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}
