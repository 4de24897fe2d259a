package store

import (
	"bytes"
	"io"
	"sync"
)

// DefaultMaxBodySize is the number of body bytes recorded per request or
// response unless TxnStore.MaxBodySize says otherwise.
const DefaultMaxBodySize = 1 << 20

// TruncatedHeader is added to recorded messages whose body was longer than
// the limit. Its value is the number of bytes which were not recorded.
const TruncatedHeader = "X-Lantls-Truncated"

// bodyRecorder passes a body through unchanged and keeps a copy of the first
// max bytes. done is called once, at EOF or when the body is closed.
type bodyRecorder struct {
	rc  io.ReadCloser
	max int64

	m        sync.Mutex
	buf      bytes.Buffer
	dropped  int64
	finished bool

	once sync.Once
	done func(body []byte, dropped int64)
}

func newBodyRecorder(rc io.ReadCloser, max int64, done func([]byte, int64)) *bodyRecorder {
	return &bodyRecorder{rc: rc, max: max, done: done}
}

func (r *bodyRecorder) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 {
		r.record(p[:n])
	}
	if err == io.EOF {
		r.finish()
	}
	return n, err
}

// Close closes the underlying body and stores what has been read so far.
func (r *bodyRecorder) Close() error {
	err := r.rc.Close()
	r.finish()
	return err
}

func (r *bodyRecorder) record(p []byte) {
	r.m.Lock()
	defer r.m.Unlock()

	if r.finished {
		return
	}

	room := r.max - int64(r.buf.Len())
	if room < 0 {
		room = 0
	}
	if int64(len(p)) > room {
		r.dropped += int64(len(p)) - room
		p = p[:room]
	}
	r.buf.Write(p)
}

func (r *bodyRecorder) finish() {
	r.once.Do(func() {
		r.m.Lock()
		r.finished = true
		body, dropped := r.buf.Bytes(), r.dropped
		r.m.Unlock()

		r.done(body, dropped)
	})
}
