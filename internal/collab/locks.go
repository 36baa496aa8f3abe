package collab

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultLockTTL bounds how long a field lock survives without a refresh.
	DefaultLockTTL = 30 * time.Second
	// DefaultSweepInterval paces the background expiry sweep.
	DefaultSweepInterval = 10 * time.Second
)

// FieldLock records exclusive editing ownership of one field on one case.
type FieldLock struct {
	CaseID      int64
	Field       string
	UserID      string
	DisplayName string
	AcquiredAt  time.Time
	ExpiresAt   time.Time
}

type lockKey struct {
	caseID int64
	field  string
}

// LockRegistryConfig configures the in-memory field lock registry.
type LockRegistryConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// LockRegistry tracks advisory field locks for a single process. Expired
// locks are evicted lazily on access and by a periodic sweep.
type LockRegistry struct {
	mu            sync.Mutex
	locks         map[lockKey]FieldLock
	ttl           time.Duration
	sweepInterval time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

// NewLockRegistry constructs a registry with defaults filled in.
func NewLockRegistry(cfg LockRegistryConfig) *LockRegistry {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockRegistry{
		locks:         make(map[lockKey]FieldLock),
		ttl:           ttl,
		sweepInterval: sweepInterval,
		clock:         clock,
		logger:        logger,
	}
}

// Acquire grants or refreshes the lock on (caseID, field) for the requesting
// user. When another user still holds a live lock, the existing lock is
// returned with granted=false and nothing changes.
func (r *LockRegistry) Acquire(caseID int64, field, userID, displayName string) (FieldLock, bool) {
	if caseID <= 0 || field == "" || userID == "" {
		return FieldLock{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	key := lockKey{caseID: caseID, field: field}
	if existing, ok := r.locks[key]; ok && existing.UserID != userID && now.Before(existing.ExpiresAt) {
		return existing, false
	}

	lock := FieldLock{
		CaseID:      caseID,
		Field:       field,
		UserID:      userID,
		DisplayName: displayName,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(r.ttl),
	}
	r.locks[key] = lock
	return lock, true
}

// Release removes the lock on (caseID, field) when the caller holds it.
// Releasing a lock held by someone else, or no lock at all, reports false.
func (r *LockRegistry) Release(caseID int64, field, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := lockKey{caseID: caseID, field: field}
	existing, ok := r.locks[key]
	if !ok || existing.UserID != userID {
		return false
	}
	delete(r.locks, key)
	return true
}

// ReleaseAll drops every lock held by userID and returns the released locks
// so callers can announce them.
func (r *LockRegistry) ReleaseAll(userID string) []FieldLock {
	if userID == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	released := make([]FieldLock, 0)
	for key, lock := range r.locks {
		if lock.UserID == userID {
			delete(r.locks, key)
			released = append(released, lock)
		}
	}
	sortLocks(released)
	return released
}

// Holder reports the live lock on (caseID, field). An expired lock is evicted
// and reported as absent.
func (r *LockRegistry) Holder(caseID int64, field string) (FieldLock, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := lockKey{caseID: caseID, field: field}
	existing, ok := r.locks[key]
	if !ok {
		return FieldLock{}, false
	}
	if !r.clock().Before(existing.ExpiresAt) {
		delete(r.locks, key)
		return FieldLock{}, false
	}
	return existing, true
}

// ActiveLocks returns every live lock, evicting expired entries on the way.
func (r *LockRegistry) ActiveLocks() []FieldLock {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	active := make([]FieldLock, 0, len(r.locks))
	for key, lock := range r.locks {
		if !now.Before(lock.ExpiresAt) {
			delete(r.locks, key)
			continue
		}
		active = append(active, lock)
	}
	sortLocks(active)
	return active
}

// Start runs the periodic expiry sweep until ctx is cancelled.
func (r *LockRegistry) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweepExpired()
			}
		}
	}()
}

func (r *LockRegistry) sweepExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	for key, lock := range r.locks {
		if !now.Before(lock.ExpiresAt) {
			delete(r.locks, key)
			r.logger.Debug("expired field lock swept",
				zap.Int64("case_id", lock.CaseID),
				zap.String("field", lock.Field),
				zap.String("user_id", lock.UserID))
		}
	}
}

func sortLocks(locks []FieldLock) {
	sort.Slice(locks, func(i, j int) bool {
		if locks[i].CaseID != locks[j].CaseID {
			return locks[i].CaseID < locks[j].CaseID
		}
		return locks[i].Field < locks[j].Field
	})
}
