package store

import (
	"context"
	"database/sql"
)

// Driver is the database abstraction implemented per dialect under
// store/db. All methods operate on raw rows; caching and key composition
// live above in the memory package.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	IsInitialized(ctx context.Context) (bool, error)
	// Migrate creates missing tables and indexes. It is idempotent.
	Migrate(ctx context.Context) error

	GetSystemInfo(ctx context.Context, key string) (string, error)
	UpsertSystemInfo(ctx context.Context, key, value string) error

	CreateAgent(ctx context.Context, create *Agent) (*Agent, error)
	ListAgents(ctx context.Context, find *FindAgent) ([]*Agent, error)
	UpdateAgent(ctx context.Context, update *UpdateAgent) (*Agent, error)
	DeleteAgent(ctx context.Context, delete *DeleteAgent) error

	UpsertAgentStoreEntry(ctx context.Context, upsert *UpsertAgentStoreEntry) (*AgentStoreEntry, error)
	ListAgentStoreEntries(ctx context.Context, find *FindAgentStoreEntry) ([]*AgentStoreEntry, error)
	DeleteAgentStoreEntries(ctx context.Context, delete *DeleteAgentStoreEntry) (int64, error)

	GetChatSession(ctx context.Context, find *FindChatSession) (*ChatSession, error)
	ListChatSessions(ctx context.Context, find *FindChatSession) ([]*ChatSession, error)
	// MergeChatContext merge-writes keys into the session's context JSON,
	// creating the session row when absent.
	MergeChatContext(ctx context.Context, merge *MergeChatContext) (*ChatSession, error)
	// AppendChatMessage transactionally appends to the session history,
	// trims it to maxHistory, bumps the session counters, and credits the
	// owning agent's messages_handled and last_active_at.
	AppendChatMessage(ctx context.Context, append *AppendChatMessage) (*ChatSession, error)
	DeleteChatSessions(ctx context.Context, delete *DeleteChatSession) (int64, error)

	UpsertKnowledgeBaseEntry(ctx context.Context, upsert *UpsertKnowledgeBaseEntry) (*KnowledgeBaseEntry, error)
	ListKnowledgeBaseEntries(ctx context.Context, find *FindKnowledgeBaseEntry) ([]*KnowledgeBaseEntry, error)
	DeleteKnowledgeBaseEntries(ctx context.Context, delete *DeleteKnowledgeBaseEntry) (int64, error)
}
