package feed

import "sync"

// observers is a minimal subscribe/publish list replacing the reactive
// signals of a UI framework: consumers register a callback and own the
// returned unsubscribe.
type observers[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]func(T)
}

func (o *observers[T]) subscribe(cb func(T)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.subs == nil {
		o.subs = make(map[int]func(T))
	}
	id := o.next
	o.next++
	o.subs[id] = cb

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subs, id)
	}
}

func (o *observers[T]) publish(v T) {
	o.mu.Lock()
	cbs := make([]func(T), 0, len(o.subs))
	for _, cb := range o.subs {
		cbs = append(cbs, cb)
	}
	o.mu.Unlock()

	for _, cb := range cbs {
		cb(v)
	}
}
