// Package pipe provides an in-memory Transport pair. Both ends share one
// link state, so disconnecting either end disconnects both.
package pipe

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/scturtle/usblink/pkg/types"
)

type link struct {
	connected atomic.Bool
}

type buffer struct {
	mu     sync.Mutex
	data   []byte
	notify chan struct{}
}

func newBuffer() *buffer {
	return &buffer{
		notify: make(chan struct{}, 1),
	}
}

func (b *buffer) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *buffer) write(p []byte) {
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.mu.Unlock()
	b.wake()
}

func (b *buffer) take(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n
}

func (b *buffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *buffer) reset() {
	b.mu.Lock()
	b.data = nil
	b.mu.Unlock()
	b.wake()
}

type Endpoint struct {
	link  *link
	in    *buffer
	out   *buffer
	stall atomic.Bool
}

// New returns two connected endpoints, what one writes the other reads.
func New() (*Endpoint, *Endpoint) {
	l := &link{}
	l.connected.Store(true)
	a, b := newBuffer(), newBuffer()
	return &Endpoint{link: l, in: a, out: b}, &Endpoint{link: l, in: b, out: a}
}

// Read fills p, waiting up to timeout for the rest of it to arrive.
func (e *Endpoint) Read(p []byte, timeout time.Duration) (int, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	n := 0
	for {
		if !e.link.connected.Load() {
			return n, types.ErrNotConnected
		}
		n += e.in.take(p[n:])
		if n == len(p) {
			return n, nil
		}
		select {
		case <-e.in.notify:
		case <-deadline:
			return n, nil
		}
	}
}

func (e *Endpoint) Write(p []byte, timeout time.Duration) (int, error) {
	if !e.link.connected.Load() {
		return 0, types.ErrNotConnected
	}
	if e.stall.Load() {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return 0, nil
	}
	e.out.write(p)
	return len(p), nil
}

func (e *Endpoint) IsConnected() bool {
	return e.link.connected.Load()
}

// SetConnected changes the shared link state. Reconnecting discards
// anything still buffered in either direction.
func (e *Endpoint) SetConnected(connected bool) {
	if connected && !e.link.connected.Load() {
		e.in.reset()
		e.out.reset()
	}
	e.link.connected.Store(connected)
	e.in.wake()
	e.out.wake()
}

// StallWrites makes every write from this end time out without
// transferring anything.
func (e *Endpoint) StallWrites(stall bool) {
	e.stall.Store(stall)
}

// Buffered returns the number of bytes waiting to be read by this end.
func (e *Endpoint) Buffered() int {
	return e.in.len()
}

func (e *Endpoint) Close() error {
	e.SetConnected(false)
	return nil
}
