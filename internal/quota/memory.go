package quota

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryStore is a counting in-process store for single-instance deployments
// and tests. Counts do not survive restarts.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	count       int64
	windowStart int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) CheckAndIncrement(ctx context.Context, key string, cap int, window time.Duration) (Result, error) {
	now := time.Now()
	ws := windowStart(now, window)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.windowStart != ws {
		e = &memoryEntry{count: 0, windowStart: ws}
		s.entries[key] = e
	}

	resetAt := time.UnixMilli(ws).Add(window)

	if e.count >= int64(cap) {
		return Result{Allowed: false, Current: e.count, Remaining: 0, ResetAt: resetAt}, nil
	}

	e.count++
	return Result{
		Allowed:   true,
		Current:   e.count,
		Remaining: int64(cap) - e.count,
		ResetAt:   resetAt,
	}, nil
}

func (s *MemoryStore) Status(ctx context.Context, key string, cap int, window time.Duration) (Result, error) {
	now := time.Now()
	ws := windowStart(now, window)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.windowStart != ws {
		return Result{Allowed: true, Current: 0, Remaining: int64(cap), ResetAt: now.Add(window)}, nil
	}

	remaining := int64(cap) - e.count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   e.count < int64(cap),
		Current:   e.count,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(ws).Add(window),
	}, nil
}

// DisabledStore admits everything. Used when no backing store is configured;
// the calling feature stays available with quota enforcement off.
type DisabledStore struct {
	logger *zap.Logger
	once   sync.Once
}

func Disabled(logger *zap.Logger) *DisabledStore {
	return &DisabledStore{logger: logger}
}

func (s *DisabledStore) warn() {
	s.once.Do(func() {
		s.logger.Warn("Phone quota store is disabled; per-phone call caps are NOT enforced")
	})
}

func (s *DisabledStore) CheckAndIncrement(ctx context.Context, key string, cap int, window time.Duration) (Result, error) {
	s.warn()
	return failOpen(cap, window), nil
}

func (s *DisabledStore) Status(ctx context.Context, key string, cap int, window time.Duration) (Result, error) {
	s.warn()
	return Result{Allowed: true, Current: 0, Remaining: int64(cap), ResetAt: time.Now().Add(window)}, nil
}
