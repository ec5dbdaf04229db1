package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/duelarena/escrowd/internal/domain"
)

// NonceRegistry burns (roundID, nonce) pairs in memory.
type NonceRegistry struct {
	mu   sync.Mutex
	used map[string]bool
}

// NewNonceRegistry creates an empty registry.
func NewNonceRegistry() *NonceRegistry {
	return &NonceRegistry{used: make(map[string]bool)}
}

func (n *NonceRegistry) Reserve(ctx context.Context, roundID string, nonce uint64) error {
	key := fmt.Sprintf("%s:%d", roundID, nonce)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.used[key] {
		return domain.ErrNonceUsed
	}
	n.used[key] = true
	return nil
}

// LockManager provides per-key mutual exclusion in process memory. TTLs are
// ignored; locks live until the unlock function runs.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]bool
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]bool)}
}

func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.locks[key] {
		return nil, domain.ErrLockHeld
	}
	lm.locks[key] = true

	released := false
	unlock := func() {
		lm.mu.Lock()
		defer lm.mu.Unlock()
		if released {
			return
		}
		released = true
		delete(lm.locks, key)
	}
	return unlock, nil
}

// EventBus is an in-process fanout bus. Slow subscribers drop messages
// rather than blocking publishers, matching the redis pub/sub contract.
type EventBus struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

// NewEventBus creates an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string][]chan []byte)}
}

func (b *EventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (b *EventBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[channel]
		for i, c := range subs {
			if c == ch {
				b.subs[channel] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch, nil
}

// RateLimiter is a fixed-window in-memory limiter for paper mode.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	start time.Time
	count int
}

// NewRateLimiter creates an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{windows: make(map[string]*window)}
}

func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, windowDur time.Duration) (bool, error) {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) >= windowDur {
		rl.windows[key] = &window{start: now, count: 1}
		return true, nil
	}
	if w.count >= limit {
		return false, nil
	}
	w.count++
	return true, nil
}

// Compile-time interface checks.
var (
	_ domain.NonceRegistry = (*NonceRegistry)(nil)
	_ domain.LockManager   = (*LockManager)(nil)
	_ domain.EventBus      = (*EventBus)(nil)
	_ domain.RateLimiter   = (*RateLimiter)(nil)
)
