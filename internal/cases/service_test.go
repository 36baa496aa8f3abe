package cases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:casedesk_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&WarrantyCase{}, &CaseChange{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, ids []string) (*Service, *gorm.DB) {
	t.Helper()

	db := openTestDatabase(t)
	generator := &staticIDGenerator{ids: ids}
	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: generator,
	})
	if err != nil {
		t.Fatalf("failed to construct cases service: %v", err)
	}
	return service, db
}

func mustCreateCase(t *testing.T, service *Service, input CreateCaseInput) WarrantyCase {
	t.Helper()
	created, err := service.CreateCase(context.Background(), input)
	if err != nil {
		t.Fatalf("failed to create case: %v", err)
	}
	return created
}

func TestNewServiceValidatesConfig(t *testing.T) {
	db := openTestDatabase(t)

	testCases := []struct {
		name string
		cfg  ServiceConfig
	}{
		{name: "missing database", cfg: ServiceConfig{IDProvider: NewUUIDProvider()}},
		{name: "missing id provider", cfg: ServiceConfig{Database: db}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewService(testCase.cfg); err == nil {
				t.Fatalf("expected constructor error")
			}
		})
	}

	if _, err := NewService(ServiceConfig{Database: db, IDProvider: NewUUIDProvider()}); err != nil {
		t.Fatalf("unexpected error with complete config: %v", err)
	}
}

func TestServiceCreateAndGetCase(t *testing.T) {
	service, _ := newTestService(t, nil)

	created := mustCreateCase(t, service, CreateCaseInput{
		Branch:       "north",
		CustomerName: "Irene Walsh",
		DeviceModel:  "PV-2200 Espresso",
		SerialNumber: "PV22-193847",
		Issues:       "no pressure on group head",
		CreatedBy:    "user-1",
	})

	if created.CaseID <= 0 {
		t.Fatalf("expected assigned case id, got %d", created.CaseID)
	}
	if created.Version != 1 {
		t.Fatalf("expected version 1, got %d", created.Version)
	}
	if created.Status != "received" {
		t.Fatalf("expected default status received, got %q", created.Status)
	}
	if created.CreatedAtSeconds != 1700000600 || created.UpdatedAtSeconds != 1700000600 {
		t.Fatalf("expected clock timestamps, got %d/%d", created.CreatedAtSeconds, created.UpdatedAtSeconds)
	}

	loaded, err := service.GetCase(context.Background(), created.CaseID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if loaded.CustomerName != "Irene Walsh" || loaded.Branch != "north" {
		t.Fatalf("unexpected loaded case %+v", loaded)
	}

	if _, err := service.GetCase(context.Background(), 9999); !errors.Is(err, ErrCaseNotFound) {
		t.Fatalf("expected ErrCaseNotFound, got %v", err)
	}
}

func TestServiceCreateCaseRequiresBranch(t *testing.T) {
	service, _ := newTestService(t, nil)

	_, err := service.CreateCase(context.Background(), CreateCaseInput{CustomerName: "Irene Walsh"})
	if err == nil {
		t.Fatalf("expected error for missing branch")
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "cases.create_case.missing_branch" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestServiceUpdateFieldsPersistsAndAudits(t *testing.T) {
	service, db := newTestService(t, []string{"change-1"})
	created := mustCreateCase(t, service, CreateCaseInput{Branch: "north", CreatedBy: "user-1"})

	updated, err := service.UpdateFields(context.Background(), created.CaseID, "user-2", map[string]string{
		FieldStatus:   "in-repair",
		FieldAssignee: "Dana Reyes",
	})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if updated.Status != "in-repair" || updated.Assignee != "Dana Reyes" {
		t.Fatalf("expected fields applied, got %+v", updated)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}
	if updated.LastEditedBy != "user-2" {
		t.Fatalf("expected last editor user-2, got %q", updated.LastEditedBy)
	}

	var change CaseChange
	if err := db.First(&change).Error; err != nil {
		t.Fatalf("failed to load audit row: %v", err)
	}
	if change.ChangeID != "change-1" || change.CaseID != created.CaseID {
		t.Fatalf("unexpected audit row %+v", change)
	}
	if change.PreviousVersion != 1 || change.NewVersion != 2 {
		t.Fatalf("expected version transition 1->2, got %d->%d", change.PreviousVersion, change.NewVersion)
	}
	var fields map[string]string
	if err := json.Unmarshal([]byte(change.FieldsJSON), &fields); err != nil {
		t.Fatalf("failed to decode audit fields: %v", err)
	}
	if fields[FieldStatus] != "in-repair" || fields[FieldAssignee] != "Dana Reyes" {
		t.Fatalf("unexpected audit fields %+v", fields)
	}
}

func TestServiceUpdateFieldsRejectsUnknownField(t *testing.T) {
	service, db := newTestService(t, []string{"change-1"})
	created := mustCreateCase(t, service, CreateCaseInput{Branch: "north"})

	_, err := service.UpdateFields(context.Background(), created.CaseID, "user-2", map[string]string{
		"branch": "south",
	})
	if !errors.Is(err, ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField, got %v", err)
	}

	reloaded, err := service.GetCase(context.Background(), created.CaseID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if reloaded.Version != 1 || reloaded.Branch != "north" {
		t.Fatalf("expected case untouched, got %+v", reloaded)
	}
	var auditCount int64
	if err := db.Model(&CaseChange{}).Count(&auditCount).Error; err != nil {
		t.Fatalf("failed to count audit rows: %v", err)
	}
	if auditCount != 0 {
		t.Fatalf("expected no audit rows, got %d", auditCount)
	}
}

func TestServiceUpdateFieldsLastWriteWins(t *testing.T) {
	service, _ := newTestService(t, []string{"change-1", "change-2"})
	created := mustCreateCase(t, service, CreateCaseInput{Branch: "north"})

	if _, err := service.UpdateFields(context.Background(), created.CaseID, "user-1", map[string]string{
		FieldResolution: "replaced pump",
	}); err != nil {
		t.Fatalf("unexpected first update error: %v", err)
	}
	final, err := service.UpdateFields(context.Background(), created.CaseID, "user-2", map[string]string{
		FieldResolution: "replaced pump and descaled boiler",
	})
	if err != nil {
		t.Fatalf("unexpected second update error: %v", err)
	}

	if final.Resolution != "replaced pump and descaled boiler" {
		t.Fatalf("expected last write to win, got %q", final.Resolution)
	}
	if final.Version != 3 {
		t.Fatalf("expected version 3 after two writes, got %d", final.Version)
	}

	changes, err := service.ListChanges(context.Background(), created.CaseID)
	if err != nil {
		t.Fatalf("unexpected list changes error: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(changes))
	}
	if changes[0].ChangeID != "change-2" || changes[1].ChangeID != "change-1" {
		t.Fatalf("expected newest change first, got %s then %s", changes[0].ChangeID, changes[1].ChangeID)
	}
}

func TestServiceUpdateFieldsMissingCase(t *testing.T) {
	service, _ := newTestService(t, []string{"change-1"})

	_, err := service.UpdateFields(context.Background(), 404, "user-1", map[string]string{
		FieldStatus: "in-repair",
	})
	if !errors.Is(err, ErrCaseNotFound) {
		t.Fatalf("expected ErrCaseNotFound, got %v", err)
	}
}

func TestServiceListCasesOrdersByRecency(t *testing.T) {
	db := openTestDatabase(t)
	current := time.Unix(1700000000, 0).UTC()
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return current },
		IDProvider: &staticIDGenerator{ids: []string{"change-1"}},
	})
	if err != nil {
		t.Fatalf("failed to construct cases service: %v", err)
	}

	first := mustCreateCase(t, service, CreateCaseInput{Branch: "north", CustomerName: "Irene Walsh"})
	current = current.Add(time.Minute)
	second := mustCreateCase(t, service, CreateCaseInput{Branch: "north", CustomerName: "Omar Haddad"})
	mustCreateCase(t, service, CreateCaseInput{Branch: "south", CustomerName: "Petra Lindqvist"})

	current = current.Add(time.Minute)
	if _, err := service.UpdateFields(context.Background(), first.CaseID, "user-1", map[string]string{
		FieldStatus: "diagnosing",
	}); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	listed, err := service.ListCases(context.Background(), "north")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 north cases, got %d", len(listed))
	}
	if listed[0].CaseID != first.CaseID || listed[1].CaseID != second.CaseID {
		t.Fatalf("expected recently updated case first, got %d then %d", listed[0].CaseID, listed[1].CaseID)
	}

	if _, err := service.ListCases(context.Background(), " "); err == nil {
		t.Fatalf("expected error for blank branch")
	}
}

func TestServiceDeleteCase(t *testing.T) {
	service, _ := newTestService(t, []string{"change-1"})
	created := mustCreateCase(t, service, CreateCaseInput{Branch: "north"})

	if _, err := service.UpdateFields(context.Background(), created.CaseID, "user-1", map[string]string{
		FieldStatus: "completed",
	}); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	if err := service.DeleteCase(context.Background(), created.CaseID); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if _, err := service.GetCase(context.Background(), created.CaseID); !errors.Is(err, ErrCaseNotFound) {
		t.Fatalf("expected ErrCaseNotFound after delete, got %v", err)
	}
	if err := service.DeleteCase(context.Background(), created.CaseID); !errors.Is(err, ErrCaseNotFound) {
		t.Fatalf("expected ErrCaseNotFound on second delete, got %v", err)
	}

	// The audit trail outlives the record.
	changes, err := service.ListChanges(context.Background(), created.CaseID)
	if err != nil {
		t.Fatalf("unexpected list changes error: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected audit trail to survive deletion, got %d rows", len(changes))
	}
}
