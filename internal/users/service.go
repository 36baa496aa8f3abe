package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/workbenchlabs/casedesk/internal/auth"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the identity did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for the editor directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service keeps the directory of editors this instance has seen, so presence
// lists can show names instead of raw identifiers.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the directory service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// RecordSeen upserts the editor's directory entry and refreshes the last-seen
// timestamp. It is called whenever a user opens the push stream.
func (s *Service) RecordSeen(ctx context.Context, identity auth.Identity) error {
	userID := normalize(identity.UserID)
	if userID == "" {
		return ErrInvalidIdentity
	}
	displayName := normalize(identity.DisplayName)

	var existing Identity
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&existing).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		existing = Identity{
			UserID:      userID,
			DisplayName: displayName,
			LastSeenAt:  s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&existing).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else {
		updates := map[string]interface{}{}
		if displayName != "" && displayName != existing.DisplayName {
			updates["display_name"] = displayName
			existing.DisplayName = displayName
		}
		updates["last_seen_at"] = s.now()
		_ = s.db.WithContext(ctx).Model(&Identity{}).
			Where("user_id = ?", userID).
			Updates(updates).
			Error
	}

	s.cache.Store(userID, existing.DisplayName)
	return nil
}

// DisplayNames resolves display names for the given user ids. Users the
// instance has never seen are absent from the result; callers fall back to
// the raw identifier.
func (s *Service) DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(userIDs))
	missing := make([]string, 0)
	for _, userID := range userIDs {
		if cached, ok := s.cache.Load(userID); ok {
			if name, ok := cached.(string); ok {
				names[userID] = name
				continue
			}
		}
		missing = append(missing, userID)
	}
	if len(missing) == 0 {
		return names, nil
	}

	var identities []Identity
	if err := s.db.WithContext(ctx).
		Where("user_id IN ?", missing).
		Find(&identities).Error; err != nil {
		return nil, err
	}
	for _, identity := range identities {
		names[identity.UserID] = identity.DisplayName
		s.cache.Store(identity.UserID, identity.DisplayName)
	}
	return names, nil
}
