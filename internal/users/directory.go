package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrUserNotFound indicates no directory entry exists for the requested username.
var ErrUserNotFound = errors.New("users: user not found")

// DirectoryConfig describes the dependencies required for username resolution.
type DirectoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Directory resolves usernames to canonical user records, creating them on first sight.
type Directory struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewDirectory constructs the user directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Directory{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// GetByUsername returns the directory entry for a username without creating one.
func (d *Directory) GetByUsername(ctx context.Context, username string) (User, error) {
	normalized, err := NormalizeUsername(username)
	if err != nil {
		return User{}, err
	}

	var user User
	err = d.db.WithContext(ctx).
		Where("username = ?", normalized).
		First(&user).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, fmt.Errorf("%w: %s", ErrUserNotFound, normalized)
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// EnsureUser returns the directory entry for the username, creating a new
// record when the username has not been seen before.
func (d *Directory) EnsureUser(ctx context.Context, username string) (User, error) {
	normalized, err := NormalizeUsername(username)
	if err != nil {
		return User{}, err
	}

	if cachedEntry, ok := d.cache.Load(normalized); ok {
		user, ok := cachedEntry.(User)
		if ok {
			return user, nil
		}
	}

	var user User
	err = d.db.WithContext(ctx).
		Where("username = ?", normalized).
		First(&user).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = User{
			Username:  normalized,
			CreatedAt: d.now().UTC(),
		}
		if err := d.db.WithContext(ctx).Create(&user).Error; err != nil {
			return User{}, err
		}
	} else if err != nil {
		return User{}, err
	}

	d.cache.Store(normalized, user)
	return user, nil
}
