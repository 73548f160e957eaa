package store

import (
	"sync"

	"github.com/warp/coverage-audit/coverage"
)

// Broadcaster fans committed changes out to subscribers. Store
// implementations embed it to satisfy coverage.Store.Subscribe.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]func([]coverage.Change)
	next int
}

func (b *Broadcaster) Subscribe(fn func([]coverage.Change)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]func([]coverage.Change))
	}
	id := b.next
	b.next++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish delivers changes to every subscriber. Callers must not hold
// their own store lock, since subscribers may read the store.
//
// Publish runs after the write lock is released, so batches from two
// concurrent writes can arrive out of commit order. Subscribers treat a
// batch as a wake-up and re-read current state instead of trusting
// Change.New as the latest value; batch.Coordinator does this.
func (b *Broadcaster) Publish(changes []coverage.Change) {
	if len(changes) == 0 {
		return
	}
	b.mu.Lock()
	subs := make([]func([]coverage.Change), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(changes)
	}
}
