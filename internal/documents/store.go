package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreError wraps a durable-store failure with an operation.reason code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code exposes the machine-readable error code.
func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew       = "documents.store.new"
	opLoadDocument   = "documents.load"
	opCreateDocument = "documents.create"
	opListDocuments  = "documents.list"
	opUpdateContent  = "documents.update_content"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// StoreConfig describes the dependencies for the durable document store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the durable document collaborator backing the cache miss path and
// the write-behind flusher.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs the durable document store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Load fetches a document by id, returning ErrDocumentNotFound for missing rows.
func (s *Store) Load(ctx context.Context, documentID int64) (Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).
		Where("id = ?", documentID).
		Take(&doc).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, fmt.Errorf("%w: id %d", ErrDocumentNotFound, documentID)
	}
	if err != nil {
		s.logError(opLoadDocument, "query_failed", err, zap.Int64("document_id", documentID))
		return Document{}, newStoreError(opLoadDocument, "query_failed", err)
	}
	return doc, nil
}

// Create inserts a new empty document owned by the given user.
func (s *Store) Create(ctx context.Context, title string, createdBy int64, createdByUsername string) (Document, error) {
	now := s.clock().UTC()
	doc := Document{
		Title:             title,
		Content:           "",
		ServerVersion:     0,
		CreatedBy:         createdBy,
		CreatedByUsername: createdByUsername,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.db.WithContext(ctx).Create(&doc).Error; err != nil {
		s.logError(opCreateDocument, "insert_failed", err, zap.String("title", title))
		return Document{}, newStoreError(opCreateDocument, "insert_failed", err)
	}
	return doc, nil
}

// List returns the list-view projection of all documents, newest activity first.
func (s *Store) List(ctx context.Context) ([]ListedDocument, error) {
	var docs []Document
	if err := s.db.WithContext(ctx).
		Order("updated_at DESC").
		Find(&docs).Error; err != nil {
		s.logError(opListDocuments, "query_failed", err)
		return nil, newStoreError(opListDocuments, "query_failed", err)
	}

	listed := make([]ListedDocument, 0, len(docs))
	for _, doc := range docs {
		listed = append(listed, ListedDocument{
			ID:                doc.ID,
			Title:             doc.Title,
			CreatedBy:         doc.CreatedBy,
			CreatedByUsername: doc.CreatedByUsername,
			CreatedAt:         doc.CreatedAt,
			UpdatedAt:         doc.UpdatedAt,
		})
	}
	return listed, nil
}

// UpdateContent persists flushed content and version for a document. The
// flusher is the only writer on this path, so a plain keyed update suffices.
func (s *Store) UpdateContent(ctx context.Context, documentID int64, content string, version int64, updatedAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&Document{}).
		Where("id = ?", documentID).
		Updates(map[string]interface{}{
			"content":        content,
			"server_version": version,
			"updated_at":     updatedAt.UTC(),
		})
	if result.Error != nil {
		s.logError(opUpdateContent, "update_failed", result.Error,
			zap.Int64("document_id", documentID),
			zap.Int64("version", version))
		return newStoreError(opUpdateContent, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: id %d", ErrDocumentNotFound, documentID)
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("document store error", attrs...)
}
