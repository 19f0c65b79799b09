package bootstrap

import (
	"context"
	"sync"
)

// Background tracks long-running loops that stop when their context ends,
// so a binary can wait for them before releasing the store they use.
type Background struct {
	wg sync.WaitGroup
}

// Go runs loop in its own goroutine.
func (b *Background) Go(ctx context.Context, loop func(context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		loop(ctx)
	}()
}

// Wait blocks until every loop started with Go has returned.
func (b *Background) Wait() {
	b.wg.Wait()
}
