package memory

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hrygo/activematrix/matrix"
	"github.com/hrygo/activematrix/store"
	"github.com/hrygo/activematrix/store/cache"
)

// DefaultBroadcastTTL is the expiry applied to broadcast entries when the
// caller does not pick one.
const DefaultBroadcastTTL = 5 * time.Minute

// ErrKnowledgeForbidden is returned when an agent touches an entry whose
// public_read/public_write flags exclude it.
var ErrKnowledgeForbidden = errors.New("knowledge base: entry is not public")

// Broadcaster delivers a synthetic event to every registered bot. The
// event router implements it.
type Broadcaster interface {
	Broadcast(ev *matrix.Event)
}

// KnowledgeBase is the cross-agent tier over knowledge_base rows. Its
// methods are the system surface with no permission checks; ForAgent wraps
// them with public_read/public_write enforcement.
type KnowledgeBase struct {
	store       *store.Store
	cache       cache.Cache
	reaper      *Reaper
	broadcaster Broadcaster
	logger      *slog.Logger
}

// SetKnowledgeOptions carries the non-value columns of an upsert.
type SetKnowledgeOptions struct {
	Category string
	// TTL of zero or below means the entry never expires.
	TTL         time.Duration
	PublicRead  bool
	PublicWrite bool
}

// NewKnowledgeBase creates the tier. reaper and broadcaster may be nil;
// Broadcast then only writes.
func NewKnowledgeBase(s *store.Store, reaper *Reaper, broadcaster Broadcaster, logger *slog.Logger) *KnowledgeBase {
	if logger == nil {
		logger = slog.Default()
	}
	return &KnowledgeBase{
		store:       s,
		cache:       s.Cache(),
		reaper:      reaper,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

func knowledgeCacheKey(key string) string {
	return "knowledge_base/" + key
}

// entry returns the live row for key, cache first. Expired rows read as
// absent.
func (k *KnowledgeBase) entry(ctx context.Context, key string) (*store.KnowledgeBaseEntry, error) {
	cacheKey := knowledgeCacheKey(key)
	if value, ok := k.cache.Read(cacheKey); ok {
		if entry, ok := value.(*store.KnowledgeBaseEntry); ok {
			return entry, nil
		}
	}

	entry, err := k.store.GetKnowledgeBaseEntry(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	cacheWrite(k.cache, cacheKey, entry, entry.ExpiresAt)
	return entry, nil
}

// Get reads a value without permission checks.
func (k *KnowledgeBase) Get(ctx context.Context, key string) (any, bool, error) {
	entry, err := k.entry(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		return nil, false, nil
	}
	value, err := decodeValue(entry.Value)
	if err != nil {
		return nil, false, errors.Wrapf(err, "memory: corrupt knowledge value for key %s", key)
	}
	return value, true, nil
}

// Set upserts a value without permission checks, write-through.
func (k *KnowledgeBase) Set(ctx context.Context, key string, value any, opts SetKnowledgeOptions) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "memory: knowledge value for key %s is not serializable", key)
	}

	var expiresAt int64
	if opts.TTL > 0 {
		expiresAt = time.Now().Add(opts.TTL).Unix()
	}
	entry, err := k.store.UpsertKnowledgeBaseEntry(ctx, &store.UpsertKnowledgeBaseEntry{
		Key:         key,
		Value:       string(raw),
		Category:    opts.Category,
		ExpiresAt:   expiresAt,
		PublicRead:  opts.PublicRead,
		PublicWrite: opts.PublicWrite,
	})
	if err != nil {
		return err
	}

	cacheWrite(k.cache, knowledgeCacheKey(key), entry, expiresAt)
	if expiresAt > 0 && k.reaper != nil {
		k.reaper.ScheduleAt(expiresAt)
	}
	return nil
}

// Delete removes an entry without permission checks.
func (k *KnowledgeBase) Delete(ctx context.Context, key string) error {
	if _, err := k.store.DeleteKnowledgeBaseEntries(ctx, &store.DeleteKnowledgeBaseEntry{
		Key: &key,
	}); err != nil {
		return err
	}
	k.cache.Delete(knowledgeCacheKey(key))
	return nil
}

// List returns live entries, optionally restricted to one category.
func (k *KnowledgeBase) List(ctx context.Context, category string) ([]*store.KnowledgeBaseEntry, error) {
	find := &store.FindKnowledgeBaseEntry{}
	if category != "" {
		find.Category = &category
	}
	return k.store.ListKnowledgeBaseEntries(ctx, find)
}

// Broadcast writes the entry publicly readable, then emits a synthetic
// event through the router for every registered bot to observe. A zero ttl
// applies DefaultBroadcastTTL.
func (k *KnowledgeBase) Broadcast(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultBroadcastTTL
	}
	if err := k.Set(ctx, key, value, SetKnowledgeOptions{TTL: ttl, PublicRead: true}); err != nil {
		return err
	}

	if k.broadcaster == nil {
		k.logger.Warn("memory: no broadcaster wired, knowledge broadcast written but not delivered", "key", key)
		return nil
	}
	k.broadcaster.Broadcast(&matrix.Event{
		Type:           matrix.EventTypeKnowledgeBroadcast,
		EventID:        "$" + uuid.NewString(),
		OriginServerTS: time.Now().UnixMilli(),
		Content: map[string]any{
			"key":        key,
			"value":      normalizeValue(value),
			"expires_at": time.Now().Add(ttl).Unix(),
		},
	})
	return nil
}

// ForAgent returns the permission-enforcing view an agent's handlers get.
func (k *KnowledgeBase) ForAgent(agentID string) *AgentKnowledge {
	return &AgentKnowledge{kb: k, agentID: agentID}
}

// AgentKnowledge is the agent-facing view of the knowledge base:
// public_read gates reads, public_write gates overwriting and deleting
// existing entries. Creating a new entry is always allowed.
type AgentKnowledge struct {
	kb      *KnowledgeBase
	agentID string
}

func (a *AgentKnowledge) Get(ctx context.Context, key string) (any, bool, error) {
	entry, err := a.kb.entry(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		return nil, false, nil
	}
	if !entry.PublicRead {
		a.kb.logger.Debug("memory: knowledge read denied", "agent_id", a.agentID, "key", key)
		return nil, false, ErrKnowledgeForbidden
	}
	value, err := decodeValue(entry.Value)
	if err != nil {
		return nil, false, errors.Wrapf(err, "memory: corrupt knowledge value for key %s", key)
	}
	return value, true, nil
}

func (a *AgentKnowledge) Set(ctx context.Context, key string, value any, opts SetKnowledgeOptions) error {
	entry, err := a.kb.entry(ctx, key)
	if err != nil {
		return err
	}
	if entry != nil && !entry.PublicWrite {
		a.kb.logger.Debug("memory: knowledge write denied", "agent_id", a.agentID, "key", key)
		return ErrKnowledgeForbidden
	}
	return a.kb.Set(ctx, key, value, opts)
}

func (a *AgentKnowledge) Delete(ctx context.Context, key string) error {
	entry, err := a.kb.entry(ctx, key)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	if !entry.PublicWrite {
		a.kb.logger.Debug("memory: knowledge delete denied", "agent_id", a.agentID, "key", key)
		return ErrKnowledgeForbidden
	}
	return a.kb.Delete(ctx, key)
}
