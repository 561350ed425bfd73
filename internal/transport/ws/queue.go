// Package ws delivers worker result messages over websockets. The collector
// either dials the distributor (pull) or serves an endpoint workers push to.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrClosed = errors.New("ws: queue closed")

type Status int

const (
	StatusMessage Status = iota + 1
	// StatusTimeout means nothing arrived within the poll timeout. It is not
	// an error.
	StatusTimeout
)

// Polled is the outcome of one Poll call.
type Polled struct {
	Status  Status
	Payload []byte
}

type Options struct {
	// MaxMessageBytes bounds a single inbound frame (0 = 64 MiB).
	MaxMessageBytes int64
	// Buffer is the number of frames held between the readers and Poll.
	Buffer int
}

func (o Options) withDefaults() Options {
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 << 20
	}
	if o.Buffer <= 0 {
		o.Buffer = 1024
	}
	return o
}

// queue is the buffered hand-off between reader goroutines and Poll.
type queue struct {
	ch   chan []byte
	dead chan struct{}

	once sync.Once
	err  error
}

func newQueue(buffer int) *queue {
	return &queue{ch: make(chan []byte, buffer), dead: make(chan struct{})}
}

// fail marks the queue dead. Frames already buffered are still delivered.
func (q *queue) fail(err error) {
	q.once.Do(func() {
		if err == nil {
			err = ErrClosed
		}
		q.err = err
		close(q.dead)
	})
}

func (q *queue) push(b []byte) bool {
	select {
	case q.ch <- b:
		return true
	case <-q.dead:
		return false
	}
}

func (q *queue) Poll(ctx context.Context, timeout time.Duration) (Polled, error) {
	select {
	case b := <-q.ch:
		return Polled{Status: StatusMessage, Payload: b}, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case b := <-q.ch:
		return Polled{Status: StatusMessage, Payload: b}, nil
	case <-q.dead:
		select {
		case b := <-q.ch:
			return Polled{Status: StatusMessage, Payload: b}, nil
		default:
		}
		if errors.Is(q.err, ErrClosed) {
			return Polled{}, q.err
		}
		return Polled{}, fmt.Errorf("%w: %v", ErrClosed, q.err)
	case <-timer.C:
		return Polled{Status: StatusTimeout}, nil
	case <-ctx.Done():
		return Polled{}, ctx.Err()
	}
}
