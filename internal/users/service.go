package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the profile did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrProfileNotFound indicates the directory has never seen the user.
	ErrProfileNotFound = errors.New("users: profile not found")
)

// DirectoryConfig describes the dependencies of the identity directory.
type DirectoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Directory remembers the display metadata users connect with so a later
// connection that omits it still shows a name and avatar in the roster.
type Directory struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewDirectory constructs the identity directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Directory{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// Resolve fills blank display fields of profile from the directory and records
// any non-blank ones, returning the merged profile.
func (d *Directory) Resolve(ctx context.Context, profile Profile) (Profile, error) {
	profile.UserID = normalize(profile.UserID)
	if profile.UserID == "" {
		return Profile{}, ErrInvalidIdentity
	}
	profile.DisplayName = normalize(profile.DisplayName)
	profile.AvatarRef = normalize(profile.AvatarRef)

	known, err := d.Lookup(ctx, profile.UserID)
	if err != nil && !errors.Is(err, ErrProfileNotFound) {
		return Profile{}, err
	}
	if profile.DisplayName == "" {
		profile.DisplayName = known.DisplayName
	}
	if profile.AvatarRef == "" {
		profile.AvatarRef = known.AvatarRef
	}
	if err := d.Remember(ctx, profile); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// Remember upserts the profile's non-blank display fields.
func (d *Directory) Remember(ctx context.Context, profile Profile) error {
	userID := normalize(profile.UserID)
	if userID == "" {
		return ErrInvalidIdentity
	}
	now := d.now()

	var existing Profile
	err := d.db.WithContext(ctx).Where("user_id = ?", userID).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		existing = Profile{
			UserID:      userID,
			DisplayName: normalize(profile.DisplayName),
			AvatarRef:   normalize(profile.AvatarRef),
			LastSeenAt:  now,
		}
		if err := d.db.WithContext(ctx).Create(&existing).Error; err != nil {
			return err
		}
		d.cache.Store(userID, existing)
		return nil
	}
	if err != nil {
		return err
	}

	updates := map[string]interface{}{"last_seen_at": now}
	if display := normalize(profile.DisplayName); display != "" && display != existing.DisplayName {
		updates["display_name"] = display
		existing.DisplayName = display
	}
	if avatar := normalize(profile.AvatarRef); avatar != "" && avatar != existing.AvatarRef {
		updates["avatar_ref"] = avatar
		existing.AvatarRef = avatar
	}
	existing.LastSeenAt = now
	if err := d.db.WithContext(ctx).Model(&Profile{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
		return err
	}
	d.cache.Store(userID, existing)
	return nil
}

// Lookup returns the stored profile for userID.
func (d *Directory) Lookup(ctx context.Context, userID string) (Profile, error) {
	userID = normalize(userID)
	if userID == "" {
		return Profile{}, ErrInvalidIdentity
	}
	if cached, ok := d.cache.Load(userID); ok {
		if profile, ok := cached.(Profile); ok {
			return profile, nil
		}
	}
	var profile Profile
	err := d.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	d.cache.Store(userID, profile)
	return profile, nil
}

// Prune deletes profiles not seen since cutoff and reports how many were removed.
func (d *Directory) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var stale []Profile
	if err := d.db.WithContext(ctx).Select("user_id").Where("last_seen_at < ?", cutoff).Find(&stale).Error; err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	result := d.db.WithContext(ctx).Where("last_seen_at < ?", cutoff).Delete(&Profile{})
	if result.Error != nil {
		return 0, result.Error
	}
	for _, profile := range stale {
		d.cache.Delete(profile.UserID)
	}
	return result.RowsAffected, nil
}
