package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store on PostgreSQL.
//
// Schema:
//
//	CREATE TABLE pages (
//	    page_id    TEXT PRIMARY KEY,
//	    content    TEXT NOT NULL,
//	    crdt_state BYTEA NOT NULL,
//	    version    BIGINT NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type Postgres struct {
	config    *Config
	pool      *pgxpool.Pool
	connected bool
}

// NewPostgres creates a Postgres store from config.
func NewPostgres(config *Config) *Postgres {
	if config == nil {
		config = DefaultConfig()
	}
	return &Postgres{config: config}
}

// Connect establishes the connection pool.
func (p *Postgres) Connect(ctx context.Context) error {
	poolConfig, err := pgxpool.ParseConfig(p.config.ConnectionString)
	if err != nil {
		return NewConnectionError("failed to parse connection string", err)
	}

	poolConfig.MinConns = p.config.PoolMinConns
	poolConfig.MaxConns = p.config.PoolMaxConns
	poolConfig.ConnConfig.ConnectTimeout = p.config.ConnectionTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return NewConnectionError("failed to connect to PostgreSQL", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return NewConnectionError("failed to ping PostgreSQL", err)
	}

	p.pool = pool
	p.connected = true
	return nil
}

// Disconnect closes the pool.
func (p *Postgres) Disconnect(ctx context.Context) error {
	if p.pool != nil {
		p.pool.Close()
		p.connected = false
	}
	return nil
}

// IsConnected returns connection status.
func (p *Postgres) IsConnected() bool {
	return p.connected && p.pool != nil
}

// HealthCheck verifies database connectivity.
func (p *Postgres) HealthCheck(ctx context.Context) (bool, error) {
	if !p.IsConnected() {
		return false, ErrNotConnected
	}
	err := p.pool.Ping(ctx)
	return err == nil, err
}

// LoadDocument fetches a page snapshot, or nil if none exists.
func (p *Postgres) LoadDocument(ctx context.Context, pageID string) (*PageDocument, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	query := `SELECT page_id, content, crdt_state, version, created_at, updated_at
	          FROM pages WHERE page_id = $1`
	row := p.pool.QueryRow(ctx, query, pageID)

	var doc PageDocument
	err := row.Scan(&doc.PageID, &doc.Content, &doc.CRDTState, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, NewQueryError("failed to load page document", err)
	}
	return &doc, nil
}

// SaveDocument upserts a page snapshot and bumps its version.
func (p *Postgres) SaveDocument(ctx context.Context, pageID, content string, crdtState []byte) (*PageDocument, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	query := `
		INSERT INTO pages (page_id, content, crdt_state, version)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (page_id) DO UPDATE SET
			content    = EXCLUDED.content,
			crdt_state = EXCLUDED.crdt_state,
			version    = pages.version + 1,
			updated_at = now()
		RETURNING page_id, content, crdt_state, version, created_at, updated_at`

	row := p.pool.QueryRow(ctx, query, pageID, content, crdtState)

	var doc PageDocument
	err := row.Scan(&doc.PageID, &doc.Content, &doc.CRDTState, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, NewQueryError("failed to save page document", err)
	}
	return &doc, nil
}

// DeleteDocument removes a page snapshot.
func (p *Postgres) DeleteDocument(ctx context.Context, pageID string) (bool, error) {
	if !p.IsConnected() {
		return false, ErrNotConnected
	}

	tag, err := p.pool.Exec(ctx, `DELETE FROM pages WHERE page_id = $1`, pageID)
	if err != nil {
		return false, NewQueryError("failed to delete page document", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListDocuments returns snapshots ordered by most recently updated.
func (p *Postgres) ListDocuments(ctx context.Context, limit, offset int) ([]*PageDocument, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	query := `SELECT page_id, content, crdt_state, version, created_at, updated_at
	          FROM pages ORDER BY updated_at DESC LIMIT $1 OFFSET $2`
	rows, err := p.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, NewQueryError("failed to list page documents", err)
	}
	defer rows.Close()

	var docs []*PageDocument
	for rows.Next() {
		var doc PageDocument
		if err := rows.Scan(&doc.PageID, &doc.Content, &doc.CRDTState, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, NewQueryError("failed to scan page document", err)
		}
		docs = append(docs, &doc)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("failed to iterate page documents", err)
	}
	return docs, nil
}
