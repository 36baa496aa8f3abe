package editor

import (
	"sort"
	"sync"
	"time"

	"github.com/workbenchlabs/casedesk/internal/collab"
)

// fieldKey addresses one collaborative field of one case.
type fieldKey struct {
	caseID int64
	field  string
}

// Store is the editor's in-memory view of a branch. It layers three pieces of
// state: the confirmed snapshot received from the server, an optimistic
// overlay of local edits not yet confirmed, and the observed field locks and
// editing marks. The merged view always prefers the overlay, so a field being
// typed in never flickers back to stale server data.
type Store struct {
	mu       sync.RWMutex
	clock    func() time.Time
	snapshot map[int64]map[string]string
	overlay  map[fieldKey]string
	locks    map[fieldKey]collab.LockPayload
	editing  map[fieldKey]struct{}
}

type StoreConfig struct {
	Clock func() time.Time
}

func NewStore(cfg StoreConfig) *Store {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		clock:    clock,
		snapshot: make(map[int64]map[string]string),
		overlay:  make(map[fieldKey]string),
		locks:    make(map[fieldKey]collab.LockPayload),
		editing:  make(map[fieldKey]struct{}),
	}
}

// ReplaceCases installs the result of a full sync. Fields currently being
// edited keep their previous snapshot value; cases absent from the new set
// are dropped along with their overlay entries, locks, and editing marks.
func (s *Store) ReplaceCases(incoming map[int64]map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[int64]map[string]string, len(incoming))
	for caseID, fields := range incoming {
		merged := make(map[string]string, len(fields))
		for field, value := range fields {
			if _, editing := s.editing[fieldKey{caseID: caseID, field: field}]; editing {
				if current, ok := s.snapshot[caseID][field]; ok {
					merged[field] = current
					continue
				}
			}
			merged[field] = value
		}
		next[caseID] = merged
	}
	s.snapshot = next

	for key := range s.overlay {
		if _, ok := next[key.caseID]; !ok {
			delete(s.overlay, key)
		}
	}
	for key := range s.editing {
		if _, ok := next[key.caseID]; !ok {
			delete(s.editing, key)
		}
	}
	nowSeconds := s.clock().Unix()
	for key, lock := range s.locks {
		if _, ok := next[key.caseID]; !ok || nowSeconds >= lock.ExpiresAtSeconds {
			delete(s.locks, key)
		}
	}
}

// UpdateSnapshot merges a partial update into the case snapshot, skipping
// fields currently being edited. It reports whether any field was applied and
// whether the case was known; an unknown case means the caller only holds a
// fragment and should fetch the rest.
func (s *Store) UpdateSnapshot(caseID int64, fields map[string]string) (applied, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	confirmed, ok := s.snapshot[caseID]
	if !ok {
		return false, false
	}
	for field, value := range fields {
		if _, editing := s.editing[fieldKey{caseID: caseID, field: field}]; editing {
			continue
		}
		confirmed[field] = value
		applied = true
	}
	return applied, true
}

// InstallCase replaces one case's snapshot, honoring editing marks the same
// way a full sync does.
func (s *Store) InstallCase(caseID int64, fields map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make(map[string]string, len(fields))
	for field, value := range fields {
		if _, editing := s.editing[fieldKey{caseID: caseID, field: field}]; editing {
			if current, ok := s.snapshot[caseID][field]; ok {
				merged[field] = current
				continue
			}
		}
		merged[field] = value
	}
	s.snapshot[caseID] = merged
}

// RemoveCase drops the case and every piece of state attached to it.
func (s *Store) RemoveCase(caseID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.snapshot, caseID)
	for key := range s.overlay {
		if key.caseID == caseID {
			delete(s.overlay, key)
		}
	}
	for key := range s.locks {
		if key.caseID == caseID {
			delete(s.locks, key)
		}
	}
	for key := range s.editing {
		if key.caseID == caseID {
			delete(s.editing, key)
		}
	}
}

// MergedCase returns the case as the editor should see it: the confirmed
// snapshot with the optimistic overlay applied on top.
func (s *Store) MergedCase(caseID int64) (map[string]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	confirmed, ok := s.snapshot[caseID]
	if !ok {
		return nil, false
	}
	merged := make(map[string]string, len(confirmed))
	for field, value := range confirmed {
		merged[field] = value
	}
	for key, value := range s.overlay {
		if key.caseID == caseID {
			merged[key.field] = value
		}
	}
	return merged, true
}

// CaseIDs returns the known case identifiers in ascending order.
func (s *Store) CaseIDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int64, 0, len(s.snapshot))
	for caseID := range s.snapshot {
		ids = append(ids, caseID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SetOptimistic records a local edit that has not been confirmed yet.
func (s *Store) SetOptimistic(caseID int64, field, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlay[fieldKey{caseID: caseID, field: field}] = value
}

// ConfirmSaved folds a successfully written value into the snapshot. The
// overlay entry is cleared only if it still holds the saved value; a newer
// local edit stays visible until its own save lands.
func (s *Store) ConfirmSaved(caseID int64, field, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	confirmed, ok := s.snapshot[caseID]
	if !ok {
		confirmed = make(map[string]string)
		s.snapshot[caseID] = confirmed
	}
	confirmed[field] = value

	key := fieldKey{caseID: caseID, field: field}
	if current, ok := s.overlay[key]; ok && current == value {
		delete(s.overlay, key)
	}
}

// DiscardOptimistic drops the local edit; the view falls back to the last
// confirmed snapshot value.
func (s *Store) DiscardOptimistic(caseID int64, field string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overlay, fieldKey{caseID: caseID, field: field})
}

// ApplyLock records a field lock observed on the stream.
func (s *Store) ApplyLock(payload collab.LockPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks[fieldKey{caseID: payload.CaseID, field: payload.Field}] = payload
}

// RemoveLock drops an observed lock.
func (s *Store) RemoveLock(caseID int64, field string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, fieldKey{caseID: caseID, field: field})
}

// FieldLock returns the live lock on a field when it is held by someone other
// than the viewer; a viewer's own lock reads as absent. The stream replays
// every branch lock on reconnect, own locks included. Expired locks are
// treated as absent even before an unlock event arrives.
func (s *Store) FieldLock(caseID int64, field, viewerID string) (collab.LockPayload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lock, ok := s.locks[fieldKey{caseID: caseID, field: field}]
	if !ok {
		return collab.LockPayload{}, false
	}
	if s.clock().Unix() >= lock.ExpiresAtSeconds {
		return collab.LockPayload{}, false
	}
	if lock.UserID == viewerID {
		return collab.LockPayload{}, false
	}
	return lock, true
}

// ActiveLocks returns the live locks for one case, ordered by field name.
func (s *Store) ActiveLocks(caseID int64) []collab.LockPayload {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nowSeconds := s.clock().Unix()
	result := make([]collab.LockPayload, 0)
	for key, lock := range s.locks {
		if key.caseID != caseID || nowSeconds >= lock.ExpiresAtSeconds {
			continue
		}
		result = append(result, lock)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Field < result[j].Field })
	return result
}

// StartEditing marks a field as under the caret. Incoming snapshot data will
// not touch it until StopEditing.
func (s *Store) StartEditing(caseID int64, field string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.editing[fieldKey{caseID: caseID, field: field}] = struct{}{}
}

func (s *Store) StopEditing(caseID int64, field string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.editing, fieldKey{caseID: caseID, field: field})
}

func (s *Store) IsEditing(caseID int64, field string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, editing := s.editing[fieldKey{caseID: caseID, field: field}]
	return editing
}
