package testutil

import (
	"io"
	"sync"
)

// ChunkedReader hands out previously queued data in chunks of at most chunkSize bytes,
// so that consumers see the data split at arbitrary points.
// Read blocks until data is queued or the reader is closed.
type ChunkedReader struct {
	lock      sync.Mutex
	cond      *sync.Cond
	data      []byte
	chunkSize int
	closed    bool
}

func NewChunkedReader(chunkSize int) *ChunkedReader {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	r := &ChunkedReader{chunkSize: chunkSize}
	r.cond = sync.NewCond(&r.lock)
	return r
}

func (r *ChunkedReader) Queue(b []byte) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.data = append(r.data, b...)
	r.cond.Broadcast()
}

func (r *ChunkedReader) Read(p []byte) (int, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	for len(r.data) == 0 && !r.closed {
		r.cond.Wait()
	}
	if len(r.data) == 0 {
		return 0, io.EOF
	}

	n := min(len(p), r.chunkSize, len(r.data))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func (r *ChunkedReader) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.closed = true
	r.cond.Broadcast()
	return nil
}

var _ io.ReadCloser = (*ChunkedReader)(nil)
