package store

import "context"

// KnowledgeBaseEntry is one row of the cross-agent knowledge base.
// public_read and public_write gate access from agents other than the
// writer; the memory layer enforces them.
type KnowledgeBaseEntry struct {
	ID  int64
	Key string
	// Value is a JSON document.
	Value    string
	Category string
	// ExpiresAt is a unix timestamp; 0 means the entry never expires.
	ExpiresAt   int64
	PublicRead  bool
	PublicWrite bool
	CreatedTs   int64
	UpdatedTs   int64
}

type UpsertKnowledgeBaseEntry struct {
	Key         string
	Value       string
	Category    string
	ExpiresAt   int64
	PublicRead  bool
	PublicWrite bool
}

type FindKnowledgeBaseEntry struct {
	Key       *string
	KeyPrefix *string
	Category  *string
	// PublicReadOnly keeps only entries readable by any agent.
	PublicReadOnly bool
	IncludeExpired bool
}

type DeleteKnowledgeBaseEntry struct {
	Key           *string
	KeyPrefix     *string
	ExpiredBefore *int64
}

func (s *Store) UpsertKnowledgeBaseEntry(ctx context.Context, upsert *UpsertKnowledgeBaseEntry) (*KnowledgeBaseEntry, error) {
	return s.driver.UpsertKnowledgeBaseEntry(ctx, upsert)
}

func (s *Store) GetKnowledgeBaseEntry(ctx context.Context, key string) (*KnowledgeBaseEntry, error) {
	list, err := s.driver.ListKnowledgeBaseEntries(ctx, &FindKnowledgeBaseEntry{Key: &key})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) ListKnowledgeBaseEntries(ctx context.Context, find *FindKnowledgeBaseEntry) ([]*KnowledgeBaseEntry, error) {
	return s.driver.ListKnowledgeBaseEntries(ctx, find)
}

func (s *Store) DeleteKnowledgeBaseEntries(ctx context.Context, delete *DeleteKnowledgeBaseEntry) (int64, error) {
	return s.driver.DeleteKnowledgeBaseEntries(ctx, delete)
}
