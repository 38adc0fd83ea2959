package onkyo

import (
	"context"
	"sync"
)

// Completion is resolved once when the operation it tracks finishes: a
// command was written to the transport, or the connection opened. Nobody
// has to wait on it; resolving an abandoned Completion costs nothing.
type Completion struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// failed returns an already resolved Completion.
func failed(err error) *Completion {
	c := newCompletion()
	c.resolve(err)
	return c
}

func (c *Completion) resolve(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Done is closed when the Completion resolves.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Err returns the failure, or nil while pending or on success.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the Completion resolves or ctx is done.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
