package users

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDirectory(t *testing.T) (*Directory, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Profile{}); err != nil {
		t.Fatalf("failed to migrate profile schema: %v", err)
	}
	directory, err := NewDirectory(DirectoryConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0).UTC()
		},
	})
	if err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	return directory, db
}

func TestResolveFillsBlankFieldsFromEarlierSessions(t *testing.T) {
	directory, _ := newTestDirectory(t)
	ctx := context.Background()

	first, err := directory.Resolve(ctx, Profile{UserID: " alice ", DisplayName: "Alice", AvatarRef: "avatars/alice.png"})
	if err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	if first.UserID != "alice" {
		t.Fatalf("expected trimmed user id, got %q", first.UserID)
	}

	second, err := directory.Resolve(ctx, Profile{UserID: "alice"})
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if second.DisplayName != "Alice" || second.AvatarRef != "avatars/alice.png" {
		t.Fatalf("expected remembered profile, got %+v", second)
	}

	renamed, err := directory.Resolve(ctx, Profile{UserID: "alice", DisplayName: "Alice L."})
	if err != nil {
		t.Fatalf("third resolve failed: %v", err)
	}
	if renamed.DisplayName != "Alice L." || renamed.AvatarRef != "avatars/alice.png" {
		t.Fatalf("expected updated name with kept avatar, got %+v", renamed)
	}
}

func TestRememberPersistsAcrossDirectories(t *testing.T) {
	directory, db := newTestDirectory(t)
	ctx := context.Background()

	if err := directory.Remember(ctx, Profile{UserID: "bob", DisplayName: "Bob"}); err != nil {
		t.Fatalf("remember failed: %v", err)
	}
	if err := directory.Remember(ctx, Profile{UserID: "bob", AvatarRef: "avatars/bob.png"}); err != nil {
		t.Fatalf("second remember failed: %v", err)
	}

	fresh, err := NewDirectory(DirectoryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	profile, err := fresh.Lookup(ctx, "bob")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if profile.DisplayName != "Bob" || profile.AvatarRef != "avatars/bob.png" {
		t.Fatalf("unexpected stored profile %+v", profile)
	}

	var count int64
	if err := db.Model(&Profile{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single profile row, got %d", count)
	}
}

func TestLookupErrors(t *testing.T) {
	directory, _ := newTestDirectory(t)
	ctx := context.Background()

	if _, err := directory.Lookup(ctx, "nobody"); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := directory.Lookup(ctx, " "); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity, got %v", err)
	}
	if _, err := directory.Resolve(ctx, Profile{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity, got %v", err)
	}
}

func TestNewDirectoryRequiresDatabase(t *testing.T) {
	if _, err := NewDirectory(DirectoryConfig{}); err == nil {
		t.Fatalf("expected error without database")
	}
}

func TestPruneForgetsProfilesNotSeenSinceCutoff(t *testing.T) {
	directory, db := newTestDirectory(t)
	ctx := context.Background()

	if err := directory.Remember(ctx, Profile{UserID: "alice", DisplayName: "Alice"}); err != nil {
		t.Fatalf("remember failed: %v", err)
	}
	if err := directory.Remember(ctx, Profile{UserID: "bob", DisplayName: "Bob"}); err != nil {
		t.Fatalf("remember failed: %v", err)
	}
	longAgo := time.Unix(1600000000, 0).UTC()
	if err := db.Model(&Profile{}).Where("user_id = ?", "bob").Update("last_seen_at", longAgo).Error; err != nil {
		t.Fatalf("failed to age profile: %v", err)
	}

	removed, err := directory.Prune(ctx, time.Unix(1650000000, 0).UTC())
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one pruned profile, got %d", removed)
	}
	if _, err := directory.Lookup(ctx, "bob"); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected pruned profile to be gone from cache and store, got %v", err)
	}
	if _, err := directory.Lookup(ctx, "alice"); err != nil {
		t.Fatalf("expected recent profile to survive: %v", err)
	}

	removed, err = directory.Prune(ctx, time.Unix(1650000000, 0).UTC())
	if err != nil || removed != 0 {
		t.Fatalf("expected nothing left to prune, got %d (%v)", removed, err)
	}
}
