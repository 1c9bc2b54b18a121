package avm

import "context"

// Future is the eventual result of a queued operation.
type Future struct {
	done  chan struct{}
	data  []byte
	value uint32
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func failedFuture(err error) *Future {
	f := newFuture()
	f.err = err
	close(f.done)
	return f
}

// Done is closed when the operation settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the operation settles or ctx is done.
// Cancelling ctx stops only the wait, not the queued operation.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the error of a settled operation.
func (f *Future) Err() error {
	<-f.done
	return f.err
}

// Data returns the bytes of a settled read.
func (f *Future) Data() []byte {
	<-f.done
	return f.data
}

// Value returns the register value of a settled IORead.
func (f *Future) Value() uint32 {
	<-f.done
	return f.value
}
