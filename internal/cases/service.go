package cases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingBranch     = errors.New("branch is required")
	errMissingEditor     = errors.New("editor identifier is required")
	errMissingFields     = errors.New("at least one field is required")
	noOpLogger           = zap.NewNop()

	// ErrCaseNotFound indicates the referenced case does not exist.
	ErrCaseNotFound = errors.New("cases: case not found")
	// ErrUnknownField indicates a field outside the collaborative catalog.
	ErrUnknownField = errors.New("cases: unknown field")
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "cases.service.new"
	opCreateCase   = "cases.create_case"
	opGetCase      = "cases.get_case"
	opListCases    = "cases.list_cases"
	opUpdateFields = "cases.update_fields"
	opDeleteCase   = "cases.delete_case"
	opListChanges  = "cases.list_changes"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateCaseInput carries the initial state of a new warranty case.
type CreateCaseInput struct {
	Branch       string
	CustomerName string
	DeviceModel  string
	SerialNumber string
	Status       string
	Issues       string
	Resolution   string
	Assignee     string
	CreatedBy    string
}

// CreateCase persists a new case in the given branch and returns it with its
// assigned identifier.
func (s *Service) CreateCase(ctx context.Context, input CreateCaseInput) (WarrantyCase, error) {
	branch := strings.TrimSpace(input.Branch)
	if branch == "" {
		s.logError(opCreateCase, "missing_branch", errMissingBranch)
		return WarrantyCase{}, newServiceError(opCreateCase, "missing_branch", errMissingBranch)
	}

	now := s.clock().UTC().Unix()
	status := strings.TrimSpace(input.Status)
	if status == "" {
		status = "received"
	}
	warrantyCase := WarrantyCase{
		Branch:           branch,
		CustomerName:     input.CustomerName,
		DeviceModel:      input.DeviceModel,
		SerialNumber:     input.SerialNumber,
		Status:           status,
		Issues:           input.Issues,
		Resolution:       input.Resolution,
		Assignee:         input.Assignee,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
		Version:          1,
		LastEditedBy:     strings.TrimSpace(input.CreatedBy),
	}

	if err := s.db.WithContext(ctx).Create(&warrantyCase).Error; err != nil {
		s.logError(opCreateCase, "insert_failed", err, zap.String("branch", branch))
		return WarrantyCase{}, newServiceError(opCreateCase, "insert_failed", err)
	}
	return warrantyCase, nil
}

// GetCase returns the case with the given identifier.
func (s *Service) GetCase(ctx context.Context, caseID int64) (WarrantyCase, error) {
	var warrantyCase WarrantyCase
	err := s.db.WithContext(ctx).
		Where("case_id = ?", caseID).
		Take(&warrantyCase).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return WarrantyCase{}, newServiceError(opGetCase, "case_not_found", ErrCaseNotFound)
	}
	if err != nil {
		s.logError(opGetCase, "query_failed", err, zap.Int64("case_id", caseID))
		return WarrantyCase{}, newServiceError(opGetCase, "query_failed", err)
	}
	return warrantyCase, nil
}

// ListCases returns every case in the branch, most recently updated first.
func (s *Service) ListCases(ctx context.Context, branch string) ([]WarrantyCase, error) {
	if strings.TrimSpace(branch) == "" {
		s.logError(opListCases, "missing_branch", errMissingBranch)
		return nil, newServiceError(opListCases, "missing_branch", errMissingBranch)
	}

	var warrantyCases []WarrantyCase
	if err := s.db.WithContext(ctx).
		Where("branch = ?", branch).
		Order("updated_at_s DESC, case_id DESC").
		Find(&warrantyCases).Error; err != nil {
		s.logError(opListCases, "query_failed", err, zap.String("branch", branch))
		return nil, newServiceError(opListCases, "query_failed", err)
	}
	return warrantyCases, nil
}

// UpdateFields applies the given collaborative field values to the case.
// Writes are last-write-wins: the stored value is replaced without comparing
// versions, the version counter only records that a write happened. Every
// accepted update appends a CaseChange audit row.
func (s *Service) UpdateFields(ctx context.Context, caseID int64, editorID string, fields map[string]string) (WarrantyCase, error) {
	editor := strings.TrimSpace(editorID)
	if editor == "" {
		s.logError(opUpdateFields, "missing_editor", errMissingEditor)
		return WarrantyCase{}, newServiceError(opUpdateFields, "missing_editor", errMissingEditor)
	}
	if len(fields) == 0 {
		s.logError(opUpdateFields, "missing_fields", errMissingFields)
		return WarrantyCase{}, newServiceError(opUpdateFields, "missing_fields", errMissingFields)
	}
	for field := range fields {
		if !IsEditableField(field) {
			return WarrantyCase{}, newServiceError(opUpdateFields, "unknown_field", fmt.Errorf("%w: %s", ErrUnknownField, field))
		}
	}

	var updated WarrantyCase
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing WarrantyCase
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("case_id = ?", caseID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdateFields, "case_not_found", ErrCaseNotFound)
		}
		if err != nil {
			s.logError(opUpdateFields, "case_select_failed", err, zap.Int64("case_id", caseID))
			return newServiceError(opUpdateFields, "case_select_failed", err)
		}

		previousVersion := existing.Version
		for field, value := range fields {
			applyField(&existing, field, value)
		}
		existing.Version = previousVersion + 1
		existing.UpdatedAtSeconds = s.clock().UTC().Unix()
		existing.LastEditedBy = editor

		if err := tx.Save(&existing).Error; err != nil {
			s.logError(opUpdateFields, "case_save_failed", err,
				zap.Int64("case_id", caseID),
				zap.String("editor_id", editor))
			return newServiceError(opUpdateFields, "case_save_failed", err)
		}

		changeID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opUpdateFields, "id_generation_failed", err, zap.Int64("case_id", caseID))
			return newServiceError(opUpdateFields, "id_generation_failed", err)
		}
		fieldsJSON, err := json.Marshal(fields)
		if err != nil {
			return newServiceError(opUpdateFields, "fields_encode_failed", err)
		}
		change := CaseChange{
			ChangeID:         changeID,
			CaseID:           caseID,
			EditorID:         editor,
			FieldsJSON:       string(fieldsJSON),
			AppliedAtSeconds: existing.UpdatedAtSeconds,
			PreviousVersion:  previousVersion,
			NewVersion:       existing.Version,
		}
		if err := tx.Create(&change).Error; err != nil {
			s.logError(opUpdateFields, "audit_insert_failed", err,
				zap.Int64("case_id", caseID),
				zap.String("editor_id", editor))
			return newServiceError(opUpdateFields, "audit_insert_failed", err)
		}

		updated = existing
		return nil
	})
	if txErr != nil {
		return WarrantyCase{}, txErr
	}
	return updated, nil
}

// DeleteCase removes the case row. The audit trail is kept.
func (s *Service) DeleteCase(ctx context.Context, caseID int64) error {
	result := s.db.WithContext(ctx).
		Where("case_id = ?", caseID).
		Delete(&WarrantyCase{})
	if result.Error != nil {
		s.logError(opDeleteCase, "delete_failed", result.Error, zap.Int64("case_id", caseID))
		return newServiceError(opDeleteCase, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opDeleteCase, "case_not_found", ErrCaseNotFound)
	}
	return nil
}

// ListChanges returns the audit trail for one case, newest first.
func (s *Service) ListChanges(ctx context.Context, caseID int64) ([]CaseChange, error) {
	var changes []CaseChange
	if err := s.db.WithContext(ctx).
		Where("case_id = ?", caseID).
		Order("applied_at_s DESC, change_id DESC").
		Find(&changes).Error; err != nil {
		s.logError(opListChanges, "query_failed", err, zap.Int64("case_id", caseID))
		return nil, newServiceError(opListChanges, "query_failed", err)
	}
	return changes, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("cases service error", attrs...)
}
