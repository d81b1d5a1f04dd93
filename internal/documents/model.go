package documents

import (
	"errors"
	"time"
)

// ErrDocumentNotFound indicates the requested document exists neither in the
// cache nor in the durable store.
var ErrDocumentNotFound = errors.New("documents: document not found")

// Document models the persisted document row with its authoritative version.
// ServerVersion starts at 0 and only ever moves forward; every accepted edit
// pairs a content mutation with exactly one version increment.
type Document struct {
	ID                int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Title             string    `gorm:"column:title;size:190;not null" json:"title"`
	Content           string    `gorm:"column:content;type:text;not null" json:"content"`
	ServerVersion     int64     `gorm:"column:server_version;not null;default:0" json:"serverVersion"`
	CreatedBy         int64     `gorm:"column:created_by;not null;index" json:"createdBy"`
	CreatedByUsername string    `gorm:"column:created_by_username;size:190;not null" json:"createdByUsername"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Snapshot is the hot copy of a document served from the cache during
// collaboration bursts.
type Snapshot struct {
	ID                int64  `json:"id"`
	Title             string `json:"title"`
	Content           string `json:"content"`
	ServerVersion     int64  `json:"serverVersion"`
	CreatedBy         int64  `json:"createdBy"`
	CreatedByUsername string `json:"createdByUsername"`
}

func snapshotOf(doc Document) Snapshot {
	return Snapshot{
		ID:                doc.ID,
		Title:             doc.Title,
		Content:           doc.Content,
		ServerVersion:     doc.ServerVersion,
		CreatedBy:         doc.CreatedBy,
		CreatedByUsername: doc.CreatedByUsername,
	}
}

// ListedDocument is the list-view projection returned by Store.List, enriched
// by callers with the live per-document presence count.
type ListedDocument struct {
	ID                int64     `json:"id"`
	Title             string    `json:"title"`
	CreatedBy         int64     `json:"createdBy"`
	CreatedByUsername string    `json:"createdByUsername"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
	ActiveCount       int64     `json:"activeCount"`
}
