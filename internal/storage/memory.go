package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory implements Store in process memory. The relay uses it when no
// database is configured; tests use it as the persistence fake.
type Memory struct {
	mu        sync.RWMutex
	docs      map[string]*PageDocument
	connected bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]*PageDocument)}
}

// Connect marks the store available.
func (m *Memory) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Disconnect marks the store unavailable. Contents are retained.
func (m *Memory) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected returns connection status.
func (m *Memory) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// HealthCheck always succeeds while connected.
func (m *Memory) HealthCheck(ctx context.Context) (bool, error) {
	if !m.IsConnected() {
		return false, ErrNotConnected
	}
	return true, nil
}

// LoadDocument returns a copy of the stored snapshot, or nil.
func (m *Memory) LoadDocument(ctx context.Context, pageID string) (*PageDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, ErrNotConnected
	}

	doc, ok := m.docs[pageID]
	if !ok {
		return nil, nil
	}
	return copyDoc(doc), nil
}

// SaveDocument upserts a snapshot and bumps its version.
func (m *Memory) SaveDocument(ctx context.Context, pageID, content string, crdtState []byte) (*PageDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, ErrNotConnected
	}

	now := time.Now()
	doc, ok := m.docs[pageID]
	if !ok {
		doc = &PageDocument{PageID: pageID, CreatedAt: now}
		m.docs[pageID] = doc
	}
	doc.Content = content
	doc.CRDTState = append([]byte(nil), crdtState...)
	doc.Version++
	doc.UpdatedAt = now
	return copyDoc(doc), nil
}

// DeleteDocument removes a snapshot.
func (m *Memory) DeleteDocument(ctx context.Context, pageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return false, ErrNotConnected
	}

	if _, ok := m.docs[pageID]; !ok {
		return false, nil
	}
	delete(m.docs, pageID)
	return true, nil
}

// ListDocuments returns snapshots ordered by most recently updated.
func (m *Memory) ListDocuments(ctx context.Context, limit, offset int) ([]*PageDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, ErrNotConnected
	}

	docs := make([]*PageDocument, 0, len(m.docs))
	for _, doc := range m.docs {
		docs = append(docs, copyDoc(doc))
	}
	sort.Slice(docs, func(i, j int) bool {
		return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
	})

	if offset >= len(docs) {
		return nil, nil
	}
	docs = docs[offset:]
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs, nil
}

func copyDoc(doc *PageDocument) *PageDocument {
	out := *doc
	out.CRDTState = append([]byte(nil), doc.CRDTState...)
	return &out
}
