package users

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxUsernameLength = 190

// ErrInvalidUsername indicates that a username is empty or exceeds storage bounds.
var ErrInvalidUsername = errors.New("users: invalid username")

// User captures a directory entry resolved during socket authentication.
type User struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Username  string    `gorm:"column:username;size:190;not null;uniqueIndex" json:"username"`
	IsOnline  bool      `gorm:"column:is_online;not null;default:false" json:"isOnline"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// NormalizeUsername validates raw input and returns the canonical username form.
func NormalizeUsername(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUsername)
	}
	if len(trimmed) > maxUsernameLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUsername, maxUsernameLength)
	}
	return trimmed, nil
}
