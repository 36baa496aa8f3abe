package server

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/workbenchlabs/casedesk/internal/collab"
	"go.uber.org/zap"
)

// handleStream serves the server-sent-events feed for one branch. The
// subscription stays open until the client goes away or the registry closes
// the stream (replacement connection or slow-consumer eviction).
func (h *httpHandler) handleStream(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	branch := strings.TrimSpace(c.Query("branch"))
	if branch == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_branch"})
		return
	}

	if err := h.users.RecordSeen(c.Request.Context(), identity); err != nil {
		h.logger.Warn("failed to record editor identity", zap.Error(err), zap.String("user_id", identity.UserID))
	}

	stream, cleanup := h.connections.Subscribe(c.Request.Context(), identity.UserID, branch)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	established, err := collab.NewEvent(collab.EventConnectionEstablished, collab.ConnectionEstablishedPayload{
		UserID:             identity.UserID,
		GroupID:            branch,
		ConnectedAtSeconds: h.clock().Unix(),
	})
	if err != nil {
		h.logger.Error("failed to encode connection-established event", zap.Error(err))
	} else {
		writeStreamEvent(c.Writer, established)
	}
	h.writeLockSnapshot(c, branch)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		event, open := <-stream
		if !open {
			return false
		}
		writeStreamEvent(w, event)
		return true
	})
}

// writeLockSnapshot replays the branch's live field locks so a freshly
// connected editor sees who is typing before any new lock event arrives.
func (h *httpHandler) writeLockSnapshot(c *gin.Context, branch string) {
	activeLocks := h.locks.ActiveLocks()
	if len(activeLocks) == 0 {
		return
	}

	branchCases, err := h.cases.ListCases(c.Request.Context(), branch)
	if err != nil {
		h.logger.Warn("failed to load cases for lock snapshot", zap.Error(err), zap.String("branch", branch))
		return
	}
	inBranch := make(map[int64]struct{}, len(branchCases))
	for _, warrantyCase := range branchCases {
		inBranch[warrantyCase.CaseID] = struct{}{}
	}

	for _, lock := range activeLocks {
		if _, ok := inBranch[lock.CaseID]; !ok {
			continue
		}
		event, err := collab.NewEvent(collab.EventFieldLocked, collab.NewLockPayload(lock))
		if err != nil {
			h.logger.Error("failed to encode field-locked event", zap.Error(err))
			continue
		}
		writeStreamEvent(c.Writer, event)
	}
}

func writeStreamEvent(w io.Writer, event collab.Event) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, event.Data)
}
