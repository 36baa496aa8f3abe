package collab

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultEventBuffer sizes each subscriber's event channel.
	DefaultEventBuffer = 16
	// DefaultHeartbeatInterval paces keep-alive events to idle connections.
	DefaultHeartbeatInterval = 30 * time.Second
)

// ConnectionInfo describes one live push subscriber.
type ConnectionInfo struct {
	UserID      string
	GroupID     string
	ConnectedAt time.Time
}

type connection struct {
	id          int64
	userID      string
	groupID     string
	stream      chan Event
	connectedAt time.Time
}

// ConnectionRegistryConfig configures the push connection registry.
type ConnectionRegistryConfig struct {
	Locks             *LockRegistry
	EventBuffer       int
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

// ConnectionRegistry tracks at most one live push connection per user and
// fans events out to groups. A subscriber that stops draining its channel is
// treated as disconnected and evicted without stalling delivery to the rest.
// When a user's last connection ends their field locks are released and the
// unlocks announced to the group.
type ConnectionRegistry struct {
	mu                sync.RWMutex
	connections       map[string]*connection
	nextID            int64
	locks             *LockRegistry
	bufferSize        int
	heartbeatInterval time.Duration
	clock             func() time.Time
	logger            *zap.Logger
}

// NewConnectionRegistry constructs a registry with defaults filled in. Locks
// may be nil when no lock coordination is wanted.
func NewConnectionRegistry(cfg ConnectionRegistryConfig) *ConnectionRegistry {
	bufferSize := cfg.EventBuffer
	if bufferSize <= 0 {
		bufferSize = DefaultEventBuffer
	}
	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionRegistry{
		connections:       make(map[string]*connection),
		locks:             cfg.Locks,
		bufferSize:        bufferSize,
		heartbeatInterval: heartbeatInterval,
		clock:             clock,
		logger:            logger,
	}
}

// Subscribe registers the user's push connection and returns its event stream
// together with a cleanup function. Subscribing again replaces the previous
// connection: the old stream is closed, but the user's locks stay held. The
// stream is closed on replacement or eviction; cleanup is safe to call more
// than once.
func (r *ConnectionRegistry) Subscribe(ctx context.Context, userID, groupID string) (<-chan Event, func()) {
	if userID == "" || groupID == "" {
		stream := make(chan Event)
		close(stream)
		return stream, func() {}
	}

	r.mu.Lock()
	r.nextID++
	conn := &connection{
		id:          r.nextID,
		userID:      userID,
		groupID:     groupID,
		stream:      make(chan Event, r.bufferSize),
		connectedAt: r.clock(),
	}
	if previous, ok := r.connections[userID]; ok {
		close(previous.stream)
		r.logger.Debug("push connection replaced",
			zap.String("user_id", userID),
			zap.String("group_id", groupID))
	}
	r.connections[userID] = conn
	r.mu.Unlock()

	cleanup := func() {
		r.disconnect(userID, conn.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return conn.stream, cleanup
}

// Broadcast delivers event to every connection in groupID except
// excludeUserID. Subscribers with a full buffer are evicted mid-fanout;
// delivery to the remaining connections always continues.
func (r *ConnectionRegistry) Broadcast(groupID string, event Event, excludeUserID string) {
	r.fanOut(event, excludeUserID, func(conn *connection) bool {
		return conn.groupID == groupID
	})
}

// BroadcastAll delivers event to every connection except excludeUserID.
func (r *ConnectionRegistry) BroadcastAll(event Event, excludeUserID string) {
	r.fanOut(event, excludeUserID, func(*connection) bool { return true })
}

func (r *ConnectionRegistry) fanOut(event Event, excludeUserID string, include func(*connection) bool) {
	if event.Type == "" {
		return
	}

	var dropped []*connection
	r.mu.Lock()
	for _, conn := range r.connections {
		if conn.userID == excludeUserID || !include(conn) {
			continue
		}
		select {
		case conn.stream <- event:
		default:
			dropped = append(dropped, conn)
		}
	}
	for _, conn := range dropped {
		delete(r.connections, conn.userID)
		close(conn.stream)
		r.logger.Warn("push connection evicted, buffer full",
			zap.String("user_id", conn.userID),
			zap.String("group_id", conn.groupID),
			zap.String("event_type", string(event.Type)))
	}
	r.mu.Unlock()

	for _, conn := range dropped {
		r.releaseLocksFor(conn.userID, conn.groupID)
	}
}

// ActiveConnections lists the live connections in groupID ordered by user id.
func (r *ConnectionRegistry) ActiveConnections(groupID string) []ConnectionInfo {
	r.mu.RLock()
	infos := make([]ConnectionInfo, 0, len(r.connections))
	for _, conn := range r.connections {
		if conn.groupID != groupID {
			continue
		}
		infos = append(infos, ConnectionInfo{
			UserID:      conn.userID,
			GroupID:     conn.groupID,
			ConnectedAt: conn.connectedAt,
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].UserID < infos[j].UserID })
	return infos
}

// Start emits heartbeat events on a fixed interval until ctx is cancelled.
func (r *ConnectionRegistry) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				event, err := NewEvent(EventHeartbeat, HeartbeatPayload{SentAtSeconds: r.clock().Unix()})
				if err != nil {
					continue
				}
				r.BroadcastAll(event, "")
			}
		}
	}()
}

func (r *ConnectionRegistry) disconnect(userID string, connID int64) {
	r.mu.Lock()
	conn, ok := r.connections[userID]
	if !ok || conn.id != connID {
		r.mu.Unlock()
		return
	}
	delete(r.connections, userID)
	close(conn.stream)
	groupID := conn.groupID
	r.mu.Unlock()

	r.logger.Debug("push connection closed",
		zap.String("user_id", userID),
		zap.String("group_id", groupID))
	r.releaseLocksFor(userID, groupID)
}

func (r *ConnectionRegistry) releaseLocksFor(userID, groupID string) {
	if r.locks == nil {
		return
	}
	for _, lock := range r.locks.ReleaseAll(userID) {
		event, err := NewEvent(EventFieldUnlocked, UnlockPayload{
			CaseID: lock.CaseID,
			Field:  lock.Field,
			UserID: lock.UserID,
		})
		if err != nil {
			continue
		}
		r.Broadcast(groupID, event, userID)
	}
}
