package store

import "context"

// AgentStoreEntry is one per-agent key/value row. Expired rows are
// logically absent: list and get paths skip them, and the reaper deletes
// them for real.
type AgentStoreEntry struct {
	ID      int64
	AgentID string
	Key     string
	// Value is a JSON document.
	Value string
	// ExpiresAt is a unix timestamp; 0 means the entry never expires.
	ExpiresAt int64
	CreatedTs int64
	UpdatedTs int64
}

type UpsertAgentStoreEntry struct {
	AgentID   string
	Key       string
	Value     string
	ExpiresAt int64
}

type FindAgentStoreEntry struct {
	AgentID *string
	Key     *string
	// KeyPrefix matches keys by prefix, for wildcard deletes and key
	// listings.
	KeyPrefix *string
	// IncludeExpired disables the expiry filter; only the reaper sets it.
	IncludeExpired bool
}

type DeleteAgentStoreEntry struct {
	AgentID   *string
	Key       *string
	KeyPrefix *string
	// ExpiredBefore deletes rows whose expires_at is non-zero and at or
	// below the given timestamp.
	ExpiredBefore *int64
}

func (s *Store) UpsertAgentStoreEntry(ctx context.Context, upsert *UpsertAgentStoreEntry) (*AgentStoreEntry, error) {
	return s.driver.UpsertAgentStoreEntry(ctx, upsert)
}

func (s *Store) GetAgentStoreEntry(ctx context.Context, agentID, key string) (*AgentStoreEntry, error) {
	list, err := s.driver.ListAgentStoreEntries(ctx, &FindAgentStoreEntry{AgentID: &agentID, Key: &key})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) ListAgentStoreEntries(ctx context.Context, find *FindAgentStoreEntry) ([]*AgentStoreEntry, error) {
	return s.driver.ListAgentStoreEntries(ctx, find)
}

func (s *Store) DeleteAgentStoreEntries(ctx context.Context, delete *DeleteAgentStoreEntry) (int64, error) {
	return s.driver.DeleteAgentStoreEntries(ctx, delete)
}
