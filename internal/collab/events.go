package collab

import (
	"encoding/json"
	"time"
)

// EventType names a push event delivered to connected editors.
type EventType string

const (
	EventConnectionEstablished EventType = "connection-established"
	EventFieldLocked           EventType = "field-locked"
	EventFieldUnlocked         EventType = "field-unlocked"
	EventCaseUpdated           EventType = "case-updated"
	EventSyncRequired          EventType = "sync-required"
	EventHeartbeat             EventType = "heartbeat"
)

// SyncAllCases is the case identifier carried by a sync-required event that
// asks clients to refresh every record instead of a single one.
const SyncAllCases int64 = 0

// Event pairs an event type with its JSON-encoded payload.
type Event struct {
	Type EventType
	Data json.RawMessage
}

// NewEvent encodes payload and wraps it with the event type.
func NewEvent(eventType EventType, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Data: data}, nil
}

// ConnectionEstablishedPayload confirms a subscription to the push channel.
type ConnectionEstablishedPayload struct {
	UserID             string `json:"userId"`
	GroupID            string `json:"groupId"`
	ConnectedAtSeconds int64  `json:"connectedAtS"`
}

// LockPayload announces a granted or refreshed field lock.
type LockPayload struct {
	CaseID            int64  `json:"caseId"`
	Field             string `json:"field"`
	UserID            string `json:"userId"`
	DisplayName       string `json:"displayName"`
	AcquiredAtSeconds int64  `json:"acquiredAtS"`
	ExpiresAtSeconds  int64  `json:"expiresAtS"`
}

// NewLockPayload converts a registry lock into its wire payload.
func NewLockPayload(lock FieldLock) LockPayload {
	return LockPayload{
		CaseID:            lock.CaseID,
		Field:             lock.Field,
		UserID:            lock.UserID,
		DisplayName:       lock.DisplayName,
		AcquiredAtSeconds: lock.AcquiredAt.Unix(),
		ExpiresAtSeconds:  lock.ExpiresAt.Unix(),
	}
}

// FieldLockFromPayload rebuilds a FieldLock from its wire payload.
func FieldLockFromPayload(payload LockPayload) FieldLock {
	return FieldLock{
		CaseID:      payload.CaseID,
		Field:       payload.Field,
		UserID:      payload.UserID,
		DisplayName: payload.DisplayName,
		AcquiredAt:  time.Unix(payload.AcquiredAtSeconds, 0).UTC(),
		ExpiresAt:   time.Unix(payload.ExpiresAtSeconds, 0).UTC(),
	}
}

// UnlockPayload announces a released field lock.
type UnlockPayload struct {
	CaseID int64  `json:"caseId"`
	Field  string `json:"field"`
	UserID string `json:"userId"`
}

// CaseUpdatedPayload carries the fields written by another editor.
type CaseUpdatedPayload struct {
	CaseID   int64             `json:"caseId"`
	Fields   map[string]string `json:"fields"`
	EditorID string            `json:"editorId"`
}

// SyncRequiredPayload asks clients to refetch a record, or everything when
// CaseID is SyncAllCases.
type SyncRequiredPayload struct {
	CaseID int64  `json:"caseId"`
	Reason string `json:"reason"`
}

// HeartbeatPayload keeps idle push connections alive.
type HeartbeatPayload struct {
	SentAtSeconds int64 `json:"sentAtS"`
}
