package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/voice-agent/internal/domain"
)

// Keyed is a process-wide map of values where every key owns a mailbox-style
// lock. At most one caller operates on a key at a time; callers on different
// keys never block each other. Idle entries can be evicted by TTL and the
// map can be capped in size.
type Keyed[T any] struct {
	name       string
	mu         sync.Mutex
	entries    map[string]*slot[T]
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

type slot[T any] struct {
	lock     chan struct{}
	value    T
	ready    bool
	removed  bool
	lastUsed time.Time
}

// KeyedOptions configures a Keyed store. Zero TTL or MaxEntries disables the
// respective bound.
type KeyedOptions struct {
	Name       string
	TTL        time.Duration
	MaxEntries int
}

// Handle gives a caller exclusive access to one entry.
type Handle[T any] struct {
	Value  T
	remove bool
}

// Remove deletes the entry once the caller releases it. Callers queued on
// the same key observe domain.ErrNotFound.
func (h *Handle[T]) Remove() {
	h.remove = true
}

// NewKeyed creates an empty store.
func NewKeyed[T any](opts KeyedOptions) *Keyed[T] {
	return &Keyed[T]{
		name:       opts.Name,
		entries:    make(map[string]*slot[T]),
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		now:        time.Now,
	}
}

// Insert stores a new value under id, replacing any previous entry.
func (k *Keyed[T]) Insert(id string, v T) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.entries[id] = &slot[T]{
		lock:     make(chan struct{}, 1),
		value:    v,
		ready:    true,
		lastUsed: k.now(),
	}
	k.evictOverflowLocked(id)
}

// With runs fn with exclusive access to the entry for id. It waits for any
// in-flight operation on the same key and gives up when ctx is done.
func (k *Keyed[T]) With(ctx context.Context, id string, fn func(h *Handle[T]) error) error {
	k.mu.Lock()
	s, ok := k.entries[id]
	k.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}
	if err := k.acquire(ctx, s); err != nil {
		return err
	}
	return k.run(id, s, fn)
}

// WithOrCreate is like With but creates the entry when id is absent. create
// runs while the new entry is already locked, so concurrent callers for the
// same id wait for it instead of creating twice. An entry evicted while the
// caller waited for it is created again.
func (k *Keyed[T]) WithOrCreate(ctx context.Context, id string, create func(ctx context.Context) (T, error), fn func(h *Handle[T]) error) error {
	for attempt := 0; ; attempt++ {
		k.mu.Lock()
		s, ok := k.entries[id]
		if !ok {
			s = &slot[T]{lock: make(chan struct{}, 1), lastUsed: k.now()}
			s.lock <- struct{}{}
			k.entries[id] = s
			k.evictOverflowLocked(id)
		}
		k.mu.Unlock()

		if !ok {
			return k.fill(ctx, id, s, create, fn)
		}
		err := k.acquire(ctx, s)
		if errors.Is(err, domain.ErrNotFound) && attempt == 0 {
			continue
		}
		if err != nil {
			return err
		}
		return k.run(id, s, fn)
	}
}

// fill populates a freshly inserted, already locked slot and runs fn on it.
func (k *Keyed[T]) fill(ctx context.Context, id string, s *slot[T], create func(ctx context.Context) (T, error), fn func(h *Handle[T]) error) error {
	v, err := create(ctx)
	if err != nil {
		k.mu.Lock()
		if k.entries[id] == s {
			delete(k.entries, id)
		}
		s.removed = true
		k.mu.Unlock()
		<-s.lock
		return err
	}
	s.value = v
	s.ready = true
	return k.run(id, s, fn)
}

func (k *Keyed[T]) acquire(ctx context.Context, s *slot[T]) error {
	select {
	case s.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.removed || !s.ready {
		<-s.lock
		return domain.ErrNotFound
	}
	return nil
}

// run executes fn on an acquired slot and releases it. lastUsed is only
// written under k.mu so eviction can compare slots without claiming them.
func (k *Keyed[T]) run(id string, s *slot[T], fn func(h *Handle[T]) error) error {
	h := &Handle[T]{Value: s.value}
	defer func() {
		s.value = h.Value
		k.mu.Lock()
		s.lastUsed = k.now()
		if h.remove {
			if k.entries[id] == s {
				delete(k.entries, id)
			}
			s.removed = true
		}
		k.mu.Unlock()
		<-s.lock
	}()
	return fn(h)
}

// Len returns the number of stored entries.
func (k *Keyed[T]) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// Sweep evicts entries idle for longer than the TTL. Entries that are in use
// are skipped. It returns the number of evicted entries.
func (k *Keyed[T]) Sweep() int {
	if k.ttl <= 0 {
		return 0
	}
	cutoff := k.now().Add(-k.ttl)
	k.mu.Lock()
	defer k.mu.Unlock()
	evicted := 0
	for id, s := range k.entries {
		if k.tryEvictLocked(id, s, func(s *slot[T]) bool { return s.lastUsed.Before(cutoff) }) {
			evicted++
		}
	}
	return evicted
}

// evictOverflowLocked drops least recently used idle entries while the store
// is above MaxEntries. Busy entries and keep are never evicted.
func (k *Keyed[T]) evictOverflowLocked(keep string) {
	if k.maxEntries <= 0 {
		return
	}
	busy := map[string]bool{keep: true}
	for len(k.entries) > k.maxEntries {
		var oldestID string
		var oldest *slot[T]
		for id, s := range k.entries {
			if busy[id] {
				continue
			}
			if oldest == nil || s.lastUsed.Before(oldest.lastUsed) {
				oldestID, oldest = id, s
			}
		}
		if oldest == nil {
			return
		}
		if !k.tryEvictLocked(oldestID, oldest, func(*slot[T]) bool { return true }) {
			busy[oldestID] = true
			continue
		}
		slog.Debug("Evicted entry over capacity", "store", k.name, "id", oldestID)
	}
}

// tryEvictLocked removes s when it is idle and cond holds.
func (k *Keyed[T]) tryEvictLocked(id string, s *slot[T], cond func(*slot[T]) bool) bool {
	select {
	case s.lock <- struct{}{}:
	default:
		return false
	}
	if !cond(s) {
		<-s.lock
		return false
	}
	delete(k.entries, id)
	s.removed = true
	<-s.lock
	return true
}

const sweepInterval = time.Minute

// StartSweeper periodically evicts idle entries until ctx is done.
func (k *Keyed[T]) StartSweeper(ctx context.Context) {
	if k.ttl <= 0 {
		return
	}
	interval := sweepInterval
	if k.ttl < interval {
		interval = k.ttl
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Store sweeper started", "store", k.name, "interval", interval, "ttl", k.ttl)
		for {
			select {
			case <-ticker.C:
				if n := k.Sweep(); n > 0 {
					slog.Info("Store sweeper evicted idle entries", "store", k.name, "count", n)
				}
			case <-ctx.Done():
				slog.Info("Store sweeper shutting down", "store", k.name, "reason", ctx.Err())
				return
			}
		}
	}()
}
