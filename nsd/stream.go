package nsd

import (
	"context"
	"sync"
)

// Stream delivers the events of one subscription. C is closed when the stream ends;
// Err reports why (nil for a normal end or subscriber cancellation).
type Stream[T any] struct {
	C <-chan T

	ctx  context.Context
	ch   chan T
	stop chan struct{}
	done chan struct{}

	// senders hold the read lock while sending so that close(ch) never races a send
	sendMu sync.RWMutex
	once   sync.Once
	err    error
}

func newStream[T any](ctx context.Context, buffer int) *Stream[T] {
	ch := make(chan T, buffer)
	return &Stream[T]{
		C:    ch,
		ctx:  ctx,
		ch:   ch,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// send blocks until the subscriber takes v or the stream ends. It returns false when
// v was dropped.
func (s *Stream[T]) send(v T) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	select {
	case <-s.stop:
		return false
	default:
	}
	select {
	case s.ch <- v:
		return true
	case <-s.stop:
		return false
	case <-s.ctx.Done():
		return false
	}
}

// finish ends the stream with err. Only the first call has an effect. It must not be
// called from inside send.
func (s *Stream[T]) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.stop)
		s.sendMu.Lock()
		close(s.ch)
		s.sendMu.Unlock()
		close(s.done)
	})
}

// Err is valid once C has been closed.
func (s *Stream[T]) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Done is closed together with C.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}

// Collect drains the stream and returns everything it emitted plus its terminal error.
func Collect[T any](s *Stream[T]) ([]T, error) {
	var out []T
	for v := range s.C {
		out = append(out, v)
	}
	return out, s.Err()
}
