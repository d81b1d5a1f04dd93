package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultHistoryLimit = 100

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrEmptyMessage indicates a chat message with no content after trimming.
	ErrEmptyMessage = errors.New("chat: empty message")

	noOpLogger = zap.NewNop()
)

// Message models a persisted chat message tied to a document. Messages are
// immutable once created and strictly ordered by creation time.
type Message struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	DocumentID int64     `gorm:"column:document_id;not null;index" json:"documentId"`
	UserID     int64     `gorm:"column:user_id;not null" json:"userId"`
	Username   string    `gorm:"column:username;size:190;not null" json:"username"`
	Text       string    `gorm:"column:message;type:text;not null" json:"message"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "chat_messages"
}

// LogConfig describes the dependencies for the chat log.
type LogConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Log is the append-only per-document message history, read on join and
// appended on send.
type Log struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewLog constructs the chat log.
func NewLog(cfg LogConfig) (*Log, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Log{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Append stores a new message and returns it with its assigned id and
// timestamp. The append either fully succeeds or the message never appears.
func (l *Log) Append(ctx context.Context, documentID, userID int64, username, text string) (Message, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Message{}, ErrEmptyMessage
	}

	message := Message{
		DocumentID: documentID,
		UserID:     userID,
		Username:   username,
		Text:       trimmed,
		CreatedAt:  l.clock().UTC(),
	}
	if err := l.db.WithContext(ctx).Create(&message).Error; err != nil {
		l.logger.Error("chat append failed",
			zap.String("operation", "chat.append"),
			zap.Int64("document_id", documentID),
			zap.Int64("user_id", userID),
			zap.Error(err))
		return Message{}, fmt.Errorf("chat: append message: %w", err)
	}
	return message, nil
}

// List returns up to limit messages for the document, oldest first.
func (l *Log) List(ctx context.Context, documentID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	var messages []Message
	if err := l.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		l.logger.Error("chat history query failed",
			zap.String("operation", "chat.list"),
			zap.Int64("document_id", documentID),
			zap.Error(err))
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}
	return messages, nil
}
