// Package storage is the persisted page-document boundary: the durability
// layer the autosave coordinator writes snapshots to and the relay serves
// catch-up state from. Live CRDT session state is never durable on its own.
package storage

import (
	"context"
	"time"
)

// PageDocument is the persisted snapshot of one page's document.
type PageDocument struct {
	PageID    string    `json:"pageId"`
	Content   string    `json:"content"`   // plain-text projection, for search and previews
	CRDTState []byte    `json:"crdtState"` // full replica state, merged on load
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is the interface for page-document persistence.
type Store interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	HealthCheck(ctx context.Context) (bool, error)

	// LoadDocument returns the stored snapshot, or nil when the page has
	// never been saved.
	LoadDocument(ctx context.Context, pageID string) (*PageDocument, error)
	// SaveDocument upserts the snapshot, bumping the version.
	SaveDocument(ctx context.Context, pageID, content string, crdtState []byte) (*PageDocument, error)
	DeleteDocument(ctx context.Context, pageID string) (bool, error)
	ListDocuments(ctx context.Context, limit, offset int) ([]*PageDocument, error)
}

// Config holds connection settings for storage adapters.
type Config struct {
	ConnectionString  string
	PoolMinConns      int32
	PoolMaxConns      int32
	ConnectionTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PoolMinConns:      2,
		PoolMaxConns:      10,
		ConnectionTimeout: 5 * time.Second,
	}
}
