package editor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/workbenchlabs/casedesk/internal/client/api"
	"github.com/workbenchlabs/casedesk/internal/collab"
	"go.uber.org/zap"
)

const (
	DefaultReconnectBase  = time.Second
	DefaultMaxReconnects  = 6
	DefaultStallTimeout   = 15 * time.Second
	DefaultFullSyncPeriod = time.Minute
)

var (
	// ErrReconnectsExhausted means the stream could not be re-established; the
	// editor has to be reloaded manually.
	ErrReconnectsExhausted = errors.New("editor: reconnect attempts exhausted")

	errMissingBranch = errors.New("branch is required")
	errMissingSource = errors.New("case source is required")
)

// CaseSource is the slice of the server API the sync loop needs.
type CaseSource interface {
	OpenStream(ctx context.Context, branch string) (io.ReadCloser, error)
	ListCases(ctx context.Context, branch string) ([]api.Case, error)
	GetCase(ctx context.Context, caseID int64) (api.Case, error)
}

type SyncerConfig struct {
	Branch         string
	Store          *Store
	Source         CaseSource
	ReconnectBase  time.Duration
	MaxReconnects  int
	StallTimeout   time.Duration
	FullSyncPeriod time.Duration
	Logger         *zap.Logger
	// OnEvent, when set, observes stream events after the store has absorbed
	// them. Heartbeats stay internal, and a case update whose every field was
	// shielded by an editing mark is not reported.
	OnEvent func(event collab.Event)
}

// Syncer keeps the store aligned with the server: it consumes the event
// stream, refetches what the stream cannot carry, runs a periodic full sync,
// and reconnects with doubling backoff when the stream breaks.
type Syncer struct {
	branch         string
	store          *Store
	source         CaseSource
	reconnectBase  time.Duration
	maxReconnects  int
	stallTimeout   time.Duration
	fullSyncPeriod time.Duration
	logger         *zap.Logger
	onEvent        func(event collab.Event)

	attempts int
}

func NewSyncer(cfg SyncerConfig) (*Syncer, error) {
	if strings.TrimSpace(cfg.Branch) == "" {
		return nil, errMissingBranch
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Source == nil {
		return nil, errMissingSource
	}

	reconnectBase := cfg.ReconnectBase
	if reconnectBase <= 0 {
		reconnectBase = DefaultReconnectBase
	}
	maxReconnects := cfg.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = DefaultMaxReconnects
	}
	stallTimeout := cfg.StallTimeout
	if stallTimeout <= 0 {
		stallTimeout = DefaultStallTimeout
	}
	fullSyncPeriod := cfg.FullSyncPeriod
	if fullSyncPeriod <= 0 {
		fullSyncPeriod = DefaultFullSyncPeriod
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Syncer{
		branch:         cfg.Branch,
		store:          cfg.Store,
		source:         cfg.Source,
		reconnectBase:  reconnectBase,
		maxReconnects:  maxReconnects,
		stallTimeout:   stallTimeout,
		fullSyncPeriod: fullSyncPeriod,
		logger:         logger,
		onEvent:        cfg.OnEvent,
	}, nil
}

// Run blocks consuming the stream until the context ends or the reconnect
// attempts run out.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		err := s.consumeStream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.attempts++
		if s.attempts >= s.maxReconnects {
			s.logger.Error("reconnect attempts exhausted; reload the editor manually",
				zap.Error(err),
				zap.Int("attempts", s.attempts))
			return ErrReconnectsExhausted
		}
		delay := s.reconnectBase << (s.attempts - 1)
		s.logger.Warn("stream disconnected; reconnecting",
			zap.Error(err),
			zap.Int("attempt", s.attempts),
			zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (s *Syncer) consumeStream(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	body, err := s.source.OpenStream(streamCtx, s.branch)
	if err != nil {
		return err
	}
	defer func() {
		_ = body.Close()
	}()

	// Any traffic, heartbeats included, feeds the stall watchdog. When the
	// server goes quiet past the timeout the subscription is torn down and
	// the reconnect loop takes over.
	stall := time.AfterFunc(s.stallTimeout, cancel)
	defer stall.Stop()

	go s.runPeriodicSync(streamCtx)

	reader := bufio.NewReader(body)
	eventType := ""
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		stall.Reset(s.stallTimeout)

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(trimmed, "event:"))
			continue
		}
		if strings.HasPrefix(trimmed, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(trimmed, "data:"))
			s.dispatch(streamCtx, collab.EventType(eventType), []byte(data))
		}
	}
}

func (s *Syncer) runPeriodicSync(ctx context.Context) {
	ticker := time.NewTicker(s.fullSyncPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.fullSync(ctx); err != nil {
				s.logger.Warn("periodic full sync failed", zap.Error(err))
			}
		}
	}
}

func (s *Syncer) dispatch(ctx context.Context, eventType collab.EventType, data []byte) {
	switch eventType {
	case collab.EventConnectionEstablished:
		s.attempts = 0
		if err := s.fullSync(ctx); err != nil {
			s.logger.Warn("initial full sync failed", zap.Error(err))
		}

	case collab.EventHeartbeat:
		// Nothing to apply; the read itself reset the stall watchdog.
		// Consumers never hear these.
		return

	case collab.EventFieldLocked:
		var payload collab.LockPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			s.logger.Warn("malformed field-locked event", zap.Error(err))
			return
		}
		s.store.ApplyLock(payload)

	case collab.EventFieldUnlocked:
		var payload collab.UnlockPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			s.logger.Warn("malformed field-unlocked event", zap.Error(err))
			return
		}
		s.store.RemoveLock(payload.CaseID, payload.Field)

	case collab.EventCaseUpdated:
		var payload collab.CaseUpdatedPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			s.logger.Warn("malformed case-updated event", zap.Error(err))
			return
		}
		applied, known := s.store.UpdateSnapshot(payload.CaseID, payload.Fields)
		if !known {
			// Only a fragment arrived for a case we have never seen.
			s.refreshCase(ctx, payload.CaseID)
		} else if !applied {
			// Every incoming field was under local edit; nothing visible
			// changed, so the consumer is not told.
			return
		}

	case collab.EventSyncRequired:
		var payload collab.SyncRequiredPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			s.logger.Warn("malformed sync-required event", zap.Error(err))
			return
		}
		if payload.CaseID == collab.SyncAllCases {
			if err := s.fullSync(ctx); err != nil {
				s.logger.Warn("requested full sync failed", zap.Error(err))
			}
		} else {
			s.refreshCase(ctx, payload.CaseID)
		}

	default:
		s.logger.Debug("ignoring unknown stream event", zap.String("event_type", string(eventType)))
	}

	if s.onEvent != nil {
		s.onEvent(collab.Event{Type: eventType, Data: data})
	}
}

func (s *Syncer) refreshCase(ctx context.Context, caseID int64) {
	fetched, err := s.source.GetCase(ctx, caseID)
	if errors.Is(err, api.ErrNotFound) {
		s.store.RemoveCase(caseID)
		return
	}
	if err != nil {
		s.logger.Warn("case refresh failed", zap.Error(err), zap.Int64("case_id", caseID))
		return
	}
	s.store.InstallCase(fetched.CaseID, fetched.FieldValues())
}

func (s *Syncer) fullSync(ctx context.Context) error {
	listed, err := s.source.ListCases(ctx, s.branch)
	if err != nil {
		return err
	}
	incoming := make(map[int64]map[string]string, len(listed))
	for _, fetched := range listed {
		incoming[fetched.CaseID] = fetched.FieldValues()
	}
	s.store.ReplaceCases(incoming)
	return nil
}
