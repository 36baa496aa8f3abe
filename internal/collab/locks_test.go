package collab

import (
	"testing"
	"time"
)

func TestLockRegistryAcquireGrantsAndRefreshes(t *testing.T) {
	current := time.Unix(1700000000, 0).UTC()
	registry := NewLockRegistry(LockRegistryConfig{
		Clock: func() time.Time { return current },
	})

	lock, granted := registry.Acquire(42, "status", "user-1", "Dana Reyes")
	if !granted {
		t.Fatalf("expected initial acquire to succeed")
	}
	if lock.ExpiresAt != current.Add(DefaultLockTTL) {
		t.Fatalf("expected expiry %v, got %v", current.Add(DefaultLockTTL), lock.ExpiresAt)
	}

	current = current.Add(10 * time.Second)
	refreshed, granted := registry.Acquire(42, "status", "user-1", "Dana Reyes")
	if !granted {
		t.Fatalf("expected holder refresh to succeed")
	}
	if !refreshed.ExpiresAt.After(lock.ExpiresAt) {
		t.Fatalf("expected refresh to extend expiry beyond %v, got %v", lock.ExpiresAt, refreshed.ExpiresAt)
	}
}

func TestLockRegistryAcquireDeniedWhileHeld(t *testing.T) {
	current := time.Unix(1700000000, 0).UTC()
	registry := NewLockRegistry(LockRegistryConfig{
		Clock: func() time.Time { return current },
	})

	if _, granted := registry.Acquire(42, "status", "user-1", "Dana Reyes"); !granted {
		t.Fatalf("expected initial acquire to succeed")
	}

	existing, granted := registry.Acquire(42, "status", "user-2", "Lee Okafor")
	if granted {
		t.Fatalf("expected acquire against a held lock to be denied")
	}
	if existing.UserID != "user-1" || existing.DisplayName != "Dana Reyes" {
		t.Fatalf("expected denial to report holder user-1/Dana Reyes, got %s/%s", existing.UserID, existing.DisplayName)
	}

	// A different field on the same case is independent.
	if _, granted := registry.Acquire(42, "resolution", "user-2", "Lee Okafor"); !granted {
		t.Fatalf("expected acquire on a different field to succeed")
	}
}

func TestLockRegistryAcquireAfterExpiry(t *testing.T) {
	current := time.Unix(1700000000, 0).UTC()
	registry := NewLockRegistry(LockRegistryConfig{
		Clock: func() time.Time { return current },
	})

	if _, granted := registry.Acquire(42, "status", "user-1", "Dana Reyes"); !granted {
		t.Fatalf("expected initial acquire to succeed")
	}

	current = current.Add(DefaultLockTTL)
	lock, granted := registry.Acquire(42, "status", "user-2", "Lee Okafor")
	if !granted {
		t.Fatalf("expected acquire after expiry to succeed")
	}
	if lock.UserID != "user-2" {
		t.Fatalf("expected new holder user-2, got %s", lock.UserID)
	}
}

func TestLockRegistryReleaseOnlyByHolder(t *testing.T) {
	current := time.Unix(1700000000, 0).UTC()
	registry := NewLockRegistry(LockRegistryConfig{
		Clock: func() time.Time { return current },
	})

	if _, granted := registry.Acquire(42, "status", "user-1", "Dana Reyes"); !granted {
		t.Fatalf("expected initial acquire to succeed")
	}

	if registry.Release(42, "status", "user-2") {
		t.Fatalf("expected release by non-holder to be rejected")
	}
	if _, held := registry.Holder(42, "status"); !held {
		t.Fatalf("expected lock to survive rejected release")
	}

	if !registry.Release(42, "status", "user-1") {
		t.Fatalf("expected release by holder to succeed")
	}
	if _, held := registry.Holder(42, "status"); held {
		t.Fatalf("expected lock to be gone after release")
	}
	if registry.Release(42, "status", "user-1") {
		t.Fatalf("expected release of an absent lock to report false")
	}
}

func TestLockRegistryHolderEvictsExpired(t *testing.T) {
	current := time.Unix(1700000000, 0).UTC()
	registry := NewLockRegistry(LockRegistryConfig{
		Clock: func() time.Time { return current },
	})

	if _, granted := registry.Acquire(42, "status", "user-1", "Dana Reyes"); !granted {
		t.Fatalf("expected initial acquire to succeed")
	}

	current = current.Add(DefaultLockTTL + time.Second)
	if _, held := registry.Holder(42, "status"); held {
		t.Fatalf("expected expired lock to read as absent")
	}
	if remaining := len(registry.locks); remaining != 0 {
		t.Fatalf("expected lazy eviction to drop the entry, %d remain", remaining)
	}
}

func TestLockRegistryReleaseAllReturnsHeldLocks(t *testing.T) {
	current := time.Unix(1700000000, 0).UTC()
	registry := NewLockRegistry(LockRegistryConfig{
		Clock: func() time.Time { return current },
	})

	registry.Acquire(7, "issues", "user-1", "Dana Reyes")
	registry.Acquire(3, "status", "user-1", "Dana Reyes")
	registry.Acquire(3, "assignee", "user-2", "Lee Okafor")

	released := registry.ReleaseAll("user-1")
	if len(released) != 2 {
		t.Fatalf("expected 2 released locks, got %d", len(released))
	}
	if released[0].CaseID != 3 || released[0].Field != "status" {
		t.Fatalf("expected released locks ordered by case then field, got %+v", released[0])
	}
	if released[1].CaseID != 7 || released[1].Field != "issues" {
		t.Fatalf("expected second released lock on case 7, got %+v", released[1])
	}

	remaining := registry.ActiveLocks()
	if len(remaining) != 1 || remaining[0].UserID != "user-2" {
		t.Fatalf("expected only user-2's lock to remain, got %+v", remaining)
	}
}

func TestLockRegistrySweepRemovesExpired(t *testing.T) {
	current := time.Unix(1700000000, 0).UTC()
	registry := NewLockRegistry(LockRegistryConfig{
		Clock: func() time.Time { return current },
	})

	registry.Acquire(1, "status", "user-1", "Dana Reyes")
	registry.Acquire(2, "issues", "user-1", "Dana Reyes")
	current = current.Add(15 * time.Second)
	registry.Acquire(3, "resolution", "user-2", "Lee Okafor")

	current = current.Add(20 * time.Second)
	registry.sweepExpired()

	remaining := registry.ActiveLocks()
	if len(remaining) != 1 || remaining[0].CaseID != 3 {
		t.Fatalf("expected only the fresh lock to survive the sweep, got %+v", remaining)
	}
}

func TestLockRegistryAcquireValidatesInput(t *testing.T) {
	registry := NewLockRegistry(LockRegistryConfig{})

	testCases := []struct {
		name   string
		caseID int64
		field  string
		userID string
	}{
		{name: "zero case id", caseID: 0, field: "status", userID: "user-1"},
		{name: "empty field", caseID: 42, field: "", userID: "user-1"},
		{name: "empty user", caseID: 42, field: "status", userID: ""},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, granted := registry.Acquire(testCase.caseID, testCase.field, testCase.userID, "Nobody"); granted {
				t.Fatalf("expected acquire to be rejected")
			}
		})
	}
}
