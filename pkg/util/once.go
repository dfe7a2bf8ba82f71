package util

import "sync"

// Once runs f until it succeeds. Unlike sync.Once a failed call is retried
// by the next Do.
type Once struct {
	mu   sync.Mutex
	done bool
}

func (o *Once) Do(f func() error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return nil
	}
	if err := f(); err != nil {
		return err
	}
	o.done = true
	return nil
}
