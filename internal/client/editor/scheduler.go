package editor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSaveDelay is how long the scheduler waits after the last keystroke
// before writing a field.
const DefaultSaveDelay = 1200 * time.Millisecond

var (
	errMissingStore  = errors.New("store is required")
	errMissingWriter = errors.New("field writer is required")
)

// FieldWriter persists one field value on the server.
type FieldWriter interface {
	WriteField(ctx context.Context, caseID int64, field, value string) error
}

type SchedulerConfig struct {
	Store  *Store
	Writer FieldWriter
	Delay  time.Duration
	Logger *zap.Logger
}

// Scheduler debounces field saves. A burst of edits to the same field
// collapses into a single write carrying the last value. While a write is in
// flight, further edits are remembered and produce exactly one follow-up
// write once the in-flight one resolves; two writes for the same field never
// overlap.
type Scheduler struct {
	store  *Store
	writer FieldWriter
	delay  time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	pending map[fieldKey]*pendingSave
	closed  bool
}

type pendingSave struct {
	value    string
	timer    *time.Timer
	saving   bool
	hasNewer bool
	next     string
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Writer == nil {
		return nil, errMissingWriter
	}
	delay := cfg.Delay
	if delay <= 0 {
		delay = DefaultSaveDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:   cfg.Store,
		writer:  cfg.Writer,
		delay:   delay,
		logger:  logger,
		pending: make(map[fieldKey]*pendingSave),
	}, nil
}

// Schedule records a local edit and (re)starts the debounce window for the
// field. The store shows the value immediately; the write happens once the
// editor pauses.
func (s *Scheduler) Schedule(caseID int64, field, value string) {
	s.store.SetOptimistic(caseID, field, value)

	key := fieldKey{caseID: caseID, field: field}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	entry, ok := s.pending[key]
	if !ok {
		entry = &pendingSave{}
		s.pending[key] = entry
	}
	if entry.saving {
		// A write is in flight; keep only the newest value for the follow-up.
		entry.hasNewer = true
		entry.next = value
		return
	}
	entry.value = value
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.timer = time.AfterFunc(s.delay, func() { s.flush(key) })
}

// Cancel abandons any pending or queued write for the field and reverts the
// optimistic value.
func (s *Scheduler) Cancel(caseID int64, field string) {
	key := fieldKey{caseID: caseID, field: field}
	s.mu.Lock()
	if entry, ok := s.pending[key]; ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		if entry.saving {
			entry.hasNewer = false
			entry.next = ""
		} else {
			delete(s.pending, key)
		}
	}
	s.mu.Unlock()

	s.store.DiscardOptimistic(caseID, field)
}

// Close stops every debounce timer. Edits whose window had not elapsed are
// dropped; an in-flight write is left to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for key, entry := range s.pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		if !entry.saving {
			delete(s.pending, key)
		}
	}
}

func (s *Scheduler) flush(key fieldKey) {
	s.mu.Lock()
	entry, ok := s.pending[key]
	if !ok || entry.saving {
		s.mu.Unlock()
		return
	}
	entry.saving = true
	value := entry.value
	s.mu.Unlock()

	err := s.writer.WriteField(context.Background(), key.caseID, key.field, value)

	s.mu.Lock()
	if err != nil {
		// No retry: revert to the confirmed value and let the editor decide.
		s.logger.Warn("field save failed; reverting local edit",
			zap.Error(err),
			zap.Int64("case_id", key.caseID),
			zap.String("field", key.field))
		delete(s.pending, key)
		s.mu.Unlock()
		s.store.DiscardOptimistic(key.caseID, key.field)
		return
	}

	if entry.hasNewer && !s.closed {
		entry.saving = false
		entry.hasNewer = false
		entry.value = entry.next
		entry.next = ""
		entry.timer = time.AfterFunc(s.delay, func() { s.flush(key) })
		s.mu.Unlock()
		s.store.ConfirmSaved(key.caseID, key.field, value)
		return
	}

	delete(s.pending, key)
	s.mu.Unlock()
	s.store.ConfirmSaved(key.caseID, key.field, value)
}
