package users

import (
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:users_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestRecordSignInCreatesIdentity(t *testing.T) {
	service := newTestService(t)

	if err := service.RecordSignIn("user-1", "Ada"); err != nil {
		t.Fatalf("record sign-in failed: %v", err)
	}
	name, err := service.DisplayName("user-1")
	if err != nil {
		t.Fatalf("display name lookup failed: %v", err)
	}
	if name != "Ada" {
		t.Fatalf("expected Ada, got %q", name)
	}
}

func TestRecordSignInUpdatesDisplayName(t *testing.T) {
	service := newTestService(t)

	if err := service.RecordSignIn("user-1", "Ada"); err != nil {
		t.Fatalf("first sign-in failed: %v", err)
	}
	// Repeat with the same name hits the cache and must stay consistent.
	if err := service.RecordSignIn("user-1", "Ada"); err != nil {
		t.Fatalf("repeat sign-in failed: %v", err)
	}
	if err := service.RecordSignIn("user-1", "Ada Lovelace"); err != nil {
		t.Fatalf("renamed sign-in failed: %v", err)
	}

	name, err := service.DisplayName("user-1")
	if err != nil {
		t.Fatalf("display name lookup failed: %v", err)
	}
	if name != "Ada Lovelace" {
		t.Fatalf("expected updated display name, got %q", name)
	}
}

func TestRecordSignInRejectsEmptyUserID(t *testing.T) {
	service := newTestService(t)
	if err := service.RecordSignIn("   ", "Ada"); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestDisplayNameUnknownUser(t *testing.T) {
	service := newTestService(t)
	name, err := service.DisplayName("ghost")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if name != "" {
		t.Fatalf("expected empty name for unknown user, got %q", name)
	}
}
