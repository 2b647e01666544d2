package users

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the caller supplied no usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for identity tracking.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service records which identities have signed in and keeps their display
// names fresh.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// RecordSignIn upserts the identity row for a signed-in participant. The
// cache skips the write when the display name has not changed since the last
// call for the same user.
func (s *Service) RecordSignIn(userID, displayName string) error {
	userID = normalize(userID)
	displayName = normalize(displayName)
	if userID == "" {
		return ErrInvalidIdentity
	}

	if cached, ok := s.cache.Load(userID); ok {
		if cachedName, ok := cached.(string); ok && cachedName == displayName {
			return nil
		}
	}

	var identity Identity
	err := s.db.Where("user_id = ?", userID).First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			UserID:      userID,
			DisplayName: displayName,
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else {
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if displayName != "" && displayName != identity.DisplayName {
			updates["display_name"] = displayName
		}
		if err := s.db.Model(&Identity{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
			return err
		}
	}

	s.cache.Store(userID, displayName)
	return nil
}

// DisplayName returns the stored display name for a user id, or empty when
// the identity is unknown.
func (s *Service) DisplayName(userID string) (string, error) {
	userID = normalize(userID)
	if userID == "" {
		return "", ErrInvalidIdentity
	}
	var identity Identity
	err := s.db.Where("user_id = ?", userID).First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return identity.DisplayName, nil
}
