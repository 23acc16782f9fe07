package events

import "sync"

// Bus fans wake-up signals out to in-process watchers. Notify never blocks:
// each watcher holds at most one pending signal.
type Bus struct {
	mu       sync.Mutex
	watchers map[string]map[chan struct{}]struct{}
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{watchers: make(map[string]map[chan struct{}]struct{})}
}

// Notify wakes every watcher of key.
func (b *Bus) Notify(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.watchers[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Watch registers a watcher for key. The returned stop func must be called
// once the watcher is no longer needed.
func (b *Bus) Watch(key string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	set := b.watchers[key]
	if set == nil {
		set = make(map[chan struct{}]struct{})
		b.watchers[key] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.watchers[key], ch)
			if len(b.watchers[key]) == 0 {
				delete(b.watchers, key)
			}
		})
	}
}

// Watchers reports how many watchers are registered for key.
func (b *Bus) Watchers(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.watchers[key])
}
