package editor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/workbenchlabs/casedesk/internal/client/api"
	"github.com/workbenchlabs/casedesk/internal/collab"
)

type fakeSource struct {
	mu        sync.Mutex
	cases     map[int64]api.Case
	openErr   error
	opens     int
	listCalls int
	pipes     chan *io.PipeWriter
}

func newFakeSource(seed ...api.Case) *fakeSource {
	source := &fakeSource{
		cases: make(map[int64]api.Case),
		pipes: make(chan *io.PipeWriter, 16),
	}
	for _, seeded := range seed {
		source.cases[seeded.CaseID] = seeded
	}
	return source
}

func (f *fakeSource) OpenStream(ctx context.Context, _ string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.opens++
	openErr := f.openErr
	f.mu.Unlock()
	if openErr != nil {
		return nil, openErr
	}
	reader, writer := io.Pipe()
	// Mirror the HTTP transport: canceling the request context ends reads.
	go func() {
		<-ctx.Done()
		_ = reader.CloseWithError(ctx.Err())
	}()
	f.pipes <- writer
	return reader, nil
}

func (f *fakeSource) ListCases(context.Context, string) ([]api.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	listed := make([]api.Case, 0, len(f.cases))
	for _, stored := range f.cases {
		listed = append(listed, stored)
	}
	sort.Slice(listed, func(i, j int) bool { return listed[i].CaseID < listed[j].CaseID })
	return listed, nil
}

func (f *fakeSource) GetCase(_ context.Context, caseID int64) (api.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.cases[caseID]
	if !ok {
		return api.Case{}, api.ErrNotFound
	}
	return stored, nil
}

func (f *fakeSource) putCase(stored api.Case) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cases[stored.CaseID] = stored
}

func (f *fakeSource) dropCase(caseID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cases, caseID)
}

func (f *fakeSource) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeSource) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeSource) awaitStream(t *testing.T) *io.PipeWriter {
	t.Helper()
	select {
	case writer := <-f.pipes:
		return writer
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a stream subscription")
		return nil
	}
}

func writeStreamFrame(t *testing.T, writer *io.PipeWriter, eventType, data string) {
	t.Helper()
	if _, err := fmt.Fprintf(writer, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		t.Fatalf("failed to write stream frame: %v", err)
	}
}

func startSyncer(t *testing.T, cfg SyncerConfig) (context.CancelFunc, <-chan error) {
	t.Helper()
	syncer, err := NewSyncer(cfg)
	if err != nil {
		t.Fatalf("failed to construct syncer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- syncer.Run(ctx)
	}()
	t.Cleanup(cancel)
	return cancel, done
}

func TestSyncerAppliesStreamEvents(t *testing.T) {
	source := newFakeSource(api.Case{
		CaseID:       1,
		Branch:       "riga",
		CustomerName: "Irene Walsh",
		Status:       "received",
		Issues:       "does not heat",
	})
	store := NewStore(StoreConfig{})

	cancel, done := startSyncer(t, SyncerConfig{
		Branch:         "riga",
		Store:          store,
		Source:         source,
		StallTimeout:   5 * time.Second,
		FullSyncPeriod: time.Hour,
	})

	writer := source.awaitStream(t)
	writeStreamFrame(t, writer, "connection-established",
		`{"userId":"user-watcher","groupId":"riga","connectedAtS":1700000600}`)

	waitFor(t, 2*time.Second, func() bool {
		merged, ok := store.MergedCase(1)
		return ok && merged["issues"] == "does not heat"
	})

	expiry := time.Now().Add(5 * time.Minute).Unix()
	writeStreamFrame(t, writer, "field-locked",
		fmt.Sprintf(`{"caseId":1,"field":"issues","userId":"user-peer","displayName":"Dace Kalnina","acquiredAtS":%d,"expiresAtS":%d}`,
			time.Now().Unix(), expiry))
	waitFor(t, 2*time.Second, func() bool {
		lock, held := store.FieldLock(1, "issues", "user-watcher")
		return held && lock.DisplayName == "Dace Kalnina"
	})

	writeStreamFrame(t, writer, "case-updated",
		`{"caseId":1,"fields":{"status":"in-repair"},"editorId":"user-peer"}`)
	waitFor(t, 2*time.Second, func() bool {
		merged, _ := store.MergedCase(1)
		return merged["status"] == "in-repair"
	})

	writeStreamFrame(t, writer, "field-unlocked",
		`{"caseId":1,"field":"issues","userId":"user-peer"}`)
	waitFor(t, 2*time.Second, func() bool {
		_, held := store.FieldLock(1, "issues", "user-watcher")
		return !held
	})

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("syncer did not stop")
	}
}

func TestSyncerRefetchesUnknownCaseFromFragment(t *testing.T) {
	source := newFakeSource(api.Case{
		CaseID:       5,
		Branch:       "riga",
		CustomerName: "Pavel Novak",
		Status:       "received",
		Issues:       "grinder jams",
	})
	store := NewStore(StoreConfig{})

	startSyncer(t, SyncerConfig{
		Branch:         "riga",
		Store:          store,
		Source:         source,
		StallTimeout:   5 * time.Second,
		FullSyncPeriod: time.Hour,
	})

	writer := source.awaitStream(t)
	// A partial update for a case this editor has never seen.
	writeStreamFrame(t, writer, "case-updated",
		`{"caseId":5,"fields":{"status":"in-repair"},"editorId":"user-peer"}`)

	waitFor(t, 2*time.Second, func() bool {
		merged, ok := store.MergedCase(5)
		return ok && merged["customerName"] == "Pavel Novak"
	})
}

func TestSyncerMutesHeartbeatsAndShieldedUpdates(t *testing.T) {
	source := newFakeSource(api.Case{
		CaseID:       1,
		Branch:       "riga",
		CustomerName: "Irene Walsh",
		Status:       "received",
		Issues:       "does not heat",
	})
	store := NewStore(StoreConfig{})

	var mu sync.Mutex
	var seen []collab.EventType
	sawType := func(want collab.EventType) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, eventType := range seen {
			if eventType == want {
				return true
			}
		}
		return false
	}
	startSyncer(t, SyncerConfig{
		Branch:         "riga",
		Store:          store,
		Source:         source,
		StallTimeout:   5 * time.Second,
		FullSyncPeriod: time.Hour,
		OnEvent: func(event collab.Event) {
			mu.Lock()
			seen = append(seen, event.Type)
			mu.Unlock()
		},
	})

	writer := source.awaitStream(t)
	writeStreamFrame(t, writer, "connection-established",
		`{"userId":"user-watcher","groupId":"riga","connectedAtS":1700000600}`)
	waitFor(t, 2*time.Second, func() bool {
		_, ok := store.MergedCase(1)
		return ok
	})

	store.StartEditing(1, "issues")
	writeStreamFrame(t, writer, "heartbeat", `{"sentAtS":1700000610}`)
	// The first update only touches the field under local edit; the second
	// lands on an open field and must be the sole update a consumer hears.
	writeStreamFrame(t, writer, "case-updated",
		`{"caseId":1,"fields":{"issues":"remote rewrite"},"editorId":"user-peer"}`)
	writeStreamFrame(t, writer, "case-updated",
		`{"caseId":1,"fields":{"status":"in-repair"},"editorId":"user-peer"}`)
	// Frames dispatch in order, so once the trailing lock event is heard the
	// earlier frames have fully settled.
	writeStreamFrame(t, writer, "field-locked",
		fmt.Sprintf(`{"caseId":1,"field":"resolution","userId":"user-peer","displayName":"Dace Kalnina","acquiredAtS":%d,"expiresAtS":%d}`,
			time.Now().Unix(), time.Now().Add(5*time.Minute).Unix()))
	waitFor(t, 2*time.Second, func() bool { return sawType(collab.EventFieldLocked) })

	mu.Lock()
	defer mu.Unlock()
	updates := 0
	for _, eventType := range seen {
		if eventType == collab.EventHeartbeat {
			t.Fatal("heartbeats must stay internal to the syncer")
		}
		if eventType == collab.EventCaseUpdated {
			updates++
		}
	}
	if updates != 1 {
		t.Fatalf("expected one audible case update, got %d", updates)
	}
	merged, _ := store.MergedCase(1)
	if merged["status"] != "in-repair" {
		t.Fatalf("open field must take the update, got %q", merged["status"])
	}
	if merged["issues"] != "does not heat" {
		t.Fatalf("edited field must keep its local value, got %q", merged["issues"])
	}
}

func TestSyncerSyncRequiredRefetchesAndRemoves(t *testing.T) {
	source := newFakeSource(api.Case{CaseID: 1, Branch: "riga", CustomerName: "Irene Walsh", Status: "received"})
	store := NewStore(StoreConfig{})

	startSyncer(t, SyncerConfig{
		Branch:         "riga",
		Store:          store,
		Source:         source,
		StallTimeout:   5 * time.Second,
		FullSyncPeriod: time.Hour,
	})

	writer := source.awaitStream(t)
	writeStreamFrame(t, writer, "connection-established",
		`{"userId":"user-watcher","groupId":"riga","connectedAtS":1700000600}`)
	waitFor(t, 2*time.Second, func() bool {
		_, ok := store.MergedCase(1)
		return ok
	})

	// A new case appears; the sentinel zero identifier requests a full sync.
	source.putCase(api.Case{CaseID: 3, Branch: "riga", CustomerName: "Lena Ots", Status: "received"})
	writeStreamFrame(t, writer, "sync-required", `{"caseId":0,"reason":"bulk-import"}`)
	waitFor(t, 2*time.Second, func() bool {
		merged, ok := store.MergedCase(3)
		return ok && merged["customerName"] == "Lena Ots"
	})

	// Deleting a case: the refetch 404s and the store lets go of it.
	source.dropCase(1)
	writeStreamFrame(t, writer, "sync-required", `{"caseId":1,"reason":"case-deleted"}`)
	waitFor(t, 2*time.Second, func() bool {
		_, ok := store.MergedCase(1)
		return !ok
	})
}

func TestSyncerReconnectsUntilExhausted(t *testing.T) {
	source := newFakeSource()
	source.openErr = errors.New("connection refused")
	store := NewStore(StoreConfig{})

	syncer, err := NewSyncer(SyncerConfig{
		Branch:        "riga",
		Store:         store,
		Source:        source,
		ReconnectBase: time.Millisecond,
		MaxReconnects: 3,
	})
	if err != nil {
		t.Fatalf("failed to construct syncer: %v", err)
	}

	if err := syncer.Run(context.Background()); !errors.Is(err, ErrReconnectsExhausted) {
		t.Fatalf("expected ErrReconnectsExhausted, got %v", err)
	}
	if got := source.openCount(); got != 3 {
		t.Fatalf("expected three connection attempts, got %d", got)
	}
}

func TestSyncerStallTimeoutForcesReconnect(t *testing.T) {
	source := newFakeSource()
	store := NewStore(StoreConfig{})

	startSyncer(t, SyncerConfig{
		Branch:         "riga",
		Store:          store,
		Source:         source,
		ReconnectBase:  time.Millisecond,
		MaxReconnects:  10,
		StallTimeout:   60 * time.Millisecond,
		FullSyncPeriod: time.Hour,
	})

	source.awaitStream(t) // first subscription goes silent

	waitFor(t, 2*time.Second, func() bool { return source.openCount() >= 2 })
}

func TestSyncerHeartbeatsKeepStreamAlive(t *testing.T) {
	source := newFakeSource()
	store := NewStore(StoreConfig{})

	startSyncer(t, SyncerConfig{
		Branch:         "riga",
		Store:          store,
		Source:         source,
		ReconnectBase:  time.Millisecond,
		MaxReconnects:  10,
		StallTimeout:   120 * time.Millisecond,
		FullSyncPeriod: time.Hour,
	})

	writer := source.awaitStream(t)
	for i := 0; i < 8; i++ {
		writeStreamFrame(t, writer, "heartbeat", `{"sentAtS":1700000600}`)
		time.Sleep(40 * time.Millisecond)
	}

	if got := source.openCount(); got != 1 {
		t.Fatalf("expected the stream to stay up, got %d subscriptions", got)
	}
}

func TestSyncerRunsPeriodicFullSync(t *testing.T) {
	source := newFakeSource(api.Case{CaseID: 1, Branch: "riga", Status: "received"})
	store := NewStore(StoreConfig{})

	startSyncer(t, SyncerConfig{
		Branch:         "riga",
		Store:          store,
		Source:         source,
		StallTimeout:   5 * time.Second,
		FullSyncPeriod: 50 * time.Millisecond,
	})

	writer := source.awaitStream(t)
	writeStreamFrame(t, writer, "connection-established",
		`{"userId":"user-watcher","groupId":"riga","connectedAtS":1700000600}`)
	waitFor(t, 2*time.Second, func() bool {
		_, ok := store.MergedCase(1)
		return ok
	})

	// The server state drifts without any push; the periodic sync catches it.
	source.putCase(api.Case{CaseID: 1, Branch: "riga", Status: "ready-for-pickup"})
	waitFor(t, 2*time.Second, func() bool {
		merged, _ := store.MergedCase(1)
		return merged["status"] == "ready-for-pickup"
	})
	if source.listCount() < 2 {
		t.Fatalf("expected repeated list calls, got %d", source.listCount())
	}
}
