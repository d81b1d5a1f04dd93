// Package presence tracks which users are online globally and per document,
// plus each user's last cursor position, in redis with TTL-backed expiry.
// The TTLs are the recovery path for ungraceful disconnects: a crashed
// connection's entries age out on their own without an explicit leave.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	activeUsersKey = "active:users"

	defaultPresenceTTL = 24 * time.Hour
	defaultCursorTTL   = 30 * time.Second
)

var (
	errMissingRedisClient = errors.New("redis client is required")

	noOpLogger = zap.NewNop()
)

// CursorPosition is a short-lived liveness signal, overwritten on every
// movement and expiring on its own absent refresh.
type CursorPosition struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Cursor pairs a position with its owner and last refresh time.
type Cursor struct {
	Username  string         `json:"username"`
	Position  CursorPosition `json:"position"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

type presenceEntry struct {
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joinedAt"`
}

// StoreConfig describes the dependencies for the session store.
type StoreConfig struct {
	Client      *redis.Client
	PresenceTTL time.Duration
	CursorTTL   time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Store is the presence and cursor session store.
type Store struct {
	client      *redis.Client
	presenceTTL time.Duration
	cursorTTL   time.Duration
	clock       func() time.Time
	logger      *zap.Logger
}

// NewStore constructs the session store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	presenceTTL := cfg.PresenceTTL
	if presenceTTL <= 0 {
		presenceTTL = defaultPresenceTTL
	}
	cursorTTL := cfg.CursorTTL
	if cursorTTL <= 0 {
		cursorTTL = defaultCursorTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		client:      cfg.Client,
		presenceTTL: presenceTTL,
		cursorTTL:   cursorTTL,
		clock:       clock,
		logger:      logger,
	}, nil
}

func documentUsersKey(documentID int64) string {
	return fmt.Sprintf("doc:%d:users", documentID)
}

func cursorKey(documentID int64, username string) string {
	return fmt.Sprintf("doc:%d:cursor:%s", documentID, username)
}

func cursorIndexKey(documentID int64) string {
	return fmt.Sprintf("doc:%d:cursors", documentID)
}

func userDocumentsKey(username string) string {
	return fmt.Sprintf("user:%s:docs", username)
}

// AddActiveUser records the user in the global online set.
func (s *Store) AddActiveUser(ctx context.Context, username string) error {
	entry := presenceEntry{Username: username, JoinedAt: s.clock().UTC()}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("presence: marshal entry: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, activeUsersKey, username, payload)
	pipe.Expire(ctx, activeUsersKey, s.presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: add active user: %w", err)
	}
	return nil
}

// RemoveActiveUser drops the user from the global online set.
func (s *Store) RemoveActiveUser(ctx context.Context, username string) error {
	if err := s.client.HDel(ctx, activeUsersKey, username).Err(); err != nil {
		return fmt.Errorf("presence: remove active user: %w", err)
	}
	return nil
}

// GetActiveUsers returns the usernames currently online, sorted for stable
// broadcast payloads.
func (s *Store) GetActiveUsers(ctx context.Context) ([]string, error) {
	fields, err := s.client.HKeys(ctx, activeUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: get active users: %w", err)
	}
	sort.Strings(fields)
	return fields, nil
}

// AddUserToDocument records document membership and maintains the reverse
// index used for disconnect cleanup.
func (s *Store) AddUserToDocument(ctx context.Context, documentID int64, username string) error {
	entry := presenceEntry{Username: username, JoinedAt: s.clock().UTC()}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("presence: marshal entry: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, documentUsersKey(documentID), username, payload)
	pipe.Expire(ctx, documentUsersKey(documentID), s.presenceTTL)
	pipe.SAdd(ctx, userDocumentsKey(username), documentID)
	pipe.Expire(ctx, userDocumentsKey(username), s.presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: add user to document: %w", err)
	}
	return nil
}

// RemoveUserFromDocument drops document membership along with the user's
// cursor; a cursor cannot outlive membership.
func (s *Store) RemoveUserFromDocument(ctx context.Context, documentID int64, username string) error {
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, documentUsersKey(documentID), username)
	pipe.Del(ctx, cursorKey(documentID, username))
	pipe.SRem(ctx, cursorIndexKey(documentID), username)
	pipe.SRem(ctx, userDocumentsKey(username), documentID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: remove user from document: %w", err)
	}
	return nil
}

// GetDocumentUsers returns the usernames joined to the document, sorted.
func (s *Store) GetDocumentUsers(ctx context.Context, documentID int64) ([]string, error) {
	fields, err := s.client.HKeys(ctx, documentUsersKey(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: get document users: %w", err)
	}
	sort.Strings(fields)
	return fields, nil
}

// GetDocumentUserCount reports how many users are joined to the document.
func (s *Store) GetDocumentUserCount(ctx context.Context, documentID int64) (int64, error) {
	count, err := s.client.HLen(ctx, documentUsersKey(documentID)).Result()
	if err != nil {
		return 0, fmt.Errorf("presence: count document users: %w", err)
	}
	return count, nil
}

// UpdateCursor upserts the user's cursor with a fresh TTL. Absence of recent
// calls lets the entry expire silently, signaling staleness without an
// explicit leave.
func (s *Store) UpdateCursor(ctx context.Context, documentID int64, username string, position CursorPosition) error {
	cursor := Cursor{
		Username:  username,
		Position:  position,
		UpdatedAt: s.clock().UTC(),
	}
	payload, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("presence: marshal cursor: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, cursorKey(documentID, username), payload, s.cursorTTL)
	pipe.SAdd(ctx, cursorIndexKey(documentID), username)
	pipe.Expire(ctx, cursorIndexKey(documentID), s.presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: update cursor: %w", err)
	}
	return nil
}

// GetDocumentCursors returns the live cursors for the document, pruning
// index entries whose cursor key has already expired.
func (s *Store) GetDocumentCursors(ctx context.Context, documentID int64) ([]Cursor, error) {
	usernames, err := s.client.SMembers(ctx, cursorIndexKey(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: get cursor index: %w", err)
	}
	sort.Strings(usernames)

	cursors := make([]Cursor, 0, len(usernames))
	for _, username := range usernames {
		raw, err := s.client.Get(ctx, cursorKey(documentID, username)).Result()
		if errors.Is(err, redis.Nil) {
			if pruneErr := s.client.SRem(ctx, cursorIndexKey(documentID), username).Err(); pruneErr != nil {
				s.logger.Warn("cursor index prune failed",
					zap.Int64("document_id", documentID),
					zap.String("username", username),
					zap.Error(pruneErr))
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("presence: get cursor: %w", err)
		}
		var cursor Cursor
		if err := json.Unmarshal([]byte(raw), &cursor); err != nil {
			s.logger.Warn("discarding undecodable cursor",
				zap.Int64("document_id", documentID),
				zap.String("username", username))
			continue
		}
		cursors = append(cursors, cursor)
	}
	return cursors, nil
}

// CleanupUser removes the user from the global online set and from every
// document recorded in the reverse index, returning the affected document
// ids so callers can broadcast presence updates per room.
func (s *Store) CleanupUser(ctx context.Context, username string) ([]int64, error) {
	members, err := s.client.SMembers(ctx, userDocumentsKey(username)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: read reverse index: %w", err)
	}

	documentIDs := make([]int64, 0, len(members))
	for _, member := range members {
		documentID, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			s.logger.Warn("discarding malformed reverse index entry",
				zap.String("username", username),
				zap.String("member", member))
			continue
		}
		if err := s.RemoveUserFromDocument(ctx, documentID, username); err != nil {
			return documentIDs, err
		}
		documentIDs = append(documentIDs, documentID)
	}

	if err := s.RemoveActiveUser(ctx, username); err != nil {
		return documentIDs, err
	}
	if err := s.client.Del(ctx, userDocumentsKey(username)).Err(); err != nil {
		return documentIDs, fmt.Errorf("presence: clear reverse index: %w", err)
	}

	sort.Slice(documentIDs, func(i, j int) bool { return documentIDs[i] < documentIDs[j] })
	return documentIDs, nil
}
