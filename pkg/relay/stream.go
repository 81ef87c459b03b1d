package relay

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/abdhe/runpod-relay/pkg/metrics"
)

// DefaultStreamBuffer is the number of fragments a sink can queue before
// Write blocks.
const DefaultStreamBuffer = 64

// ErrSinkClosed is returned by writes after Close.
var ErrSinkClosed = errors.New("relay: write to closed sink")

// TokenSink is the write side of a response stream.
type TokenSink interface {
	Write(text string) error
	Close() error
}

// OpenStream creates a bounded stream. The Stream is handed to the
// transport; the Sink is owned by the poller, which closes it exactly once.
// A write blocked on a full buffer gives up when ctx is done.
func OpenStream(ctx context.Context, buffer int) (*Stream, *Sink) {
	if buffer <= 0 {
		buffer = DefaultStreamBuffer
	}
	ch := make(chan string, buffer)
	gone := make(chan struct{})
	st := &streamState{}
	return &Stream{ch: ch, gone: gone, state: st}, &Sink{ctx: ctx, ch: ch, gone: gone, state: st}
}

type streamState struct {
	mu  sync.Mutex
	err error
}

func (s *streamState) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *streamState) getErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Sink feeds a Stream. It is not safe for concurrent writers.
type Sink struct {
	ctx       context.Context
	ch        chan string
	gone      <-chan struct{}
	state     *streamState
	closed    atomic.Bool
	closeOnce sync.Once
}

// Write queues text for the reader, blocking while the buffer is full.
// Once the reader has detached, writes are discarded. A write still
// blocked when the sink's context ends returns the context error.
func (s *Sink) Write(text string) error {
	queued, err := s.send(text)
	if queued {
		metrics.TokensStreamed.Inc()
	}
	return err
}

func (s *Sink) send(text string) (bool, error) {
	if s.closed.Load() {
		return false, ErrSinkClosed
	}
	if text == "" {
		return false, nil
	}
	select {
	case <-s.gone:
		return false, nil
	default:
	}
	select {
	case s.ch <- text:
		return true, nil
	case <-s.gone:
		return false, nil
	case <-s.ctx.Done():
		return false, errors.Wrap(s.ctx.Err(), "stream write")
	}
}

// Close ends the stream. Extra calls are no-ops.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.ch)
	})
	return nil
}

// Fail writes a single error line and closes the stream.
func (s *Sink) Fail(err error) {
	s.state.setErr(err)
	_, _ = s.send(ErrorLine(err))
	_ = s.Close()
}

// Stream is the read side returned to the transport.
type Stream struct {
	ch         chan string
	gone       chan struct{}
	state      *streamState
	detachOnce sync.Once
	pending    []byte
}

// Chunks yields fragments in write order and is closed with the sink.
func (s *Stream) Chunks() <-chan string {
	return s.ch
}

// Read implements io.Reader over the fragments.
func (s *Stream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		chunk, ok := <-s.ch
		if !ok {
			return 0, io.EOF
		}
		s.pending = []byte(chunk)
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Err returns the failure reported through Sink.Fail, if any. It is
// meaningful once Chunks has been drained.
func (s *Stream) Err() error {
	return s.state.getErr()
}

// Detach tells the sink nobody is reading any more, e.g. because the
// client went away. The poller keeps running; its writes are dropped.
func (s *Stream) Detach() {
	s.detachOnce.Do(func() { close(s.gone) })
}
