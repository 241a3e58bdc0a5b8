package audit

import "context"

// WorkerPool limits how many group audits run at once.
type WorkerPool struct {
	sem chan struct{}
}

// NewWorkerPool creates a pool with size slots. A size below 1 is treated
// as 1.
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{
		sem: make(chan struct{}, size),
	}
}

// Size returns the number of slots.
func (p *WorkerPool) Size() int {
	return cap(p.sem)
}

// RunContext executes fn with a slot held. It returns ctx.Err() if ctx is
// cancelled while waiting for a slot.
func (p *WorkerPool) RunContext(ctx context.Context, fn func()) error {
	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
		fn()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
