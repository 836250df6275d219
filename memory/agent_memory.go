// Package memory implements the tiered memory model: a write-through pair
// of the in-process TTL cache and the persistent store. The store is
// always authoritative; the cache only saves round trips.
package memory

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/activematrix/store"
	"github.com/hrygo/activematrix/store/cache"
)

// AgentMemory is the per-agent key/value tier. Keys are namespaced as
// agent_memory/<agent_id>/<key> in both the cache and the store, so the
// two tiers always agree on addressing.
type AgentMemory struct {
	store   *store.Store
	cache   cache.Cache
	reaper  *Reaper
	agentID string

	// mu serializes read-modify-write helpers (Increment, Push, Pull).
	mu sync.Mutex
}

// NewAgentMemory binds the memory tier to one agent. reaper may be nil;
// expiring writes then rely on the periodic sweep alone.
func NewAgentMemory(s *store.Store, agentID string, reaper *Reaper) *AgentMemory {
	return &AgentMemory{
		store:   s,
		cache:   s.Cache(),
		reaper:  reaper,
		agentID: agentID,
	}
}

func (m *AgentMemory) prefix() string {
	return "agent_memory/" + m.agentID + "/"
}

func (m *AgentMemory) composeKey(key string) string {
	return m.prefix() + key
}

// Get reads a value, cache first, store on miss. The second return
// reports whether the key exists.
func (m *AgentMemory) Get(ctx context.Context, key string) (any, bool, error) {
	full := m.composeKey(key)
	if value, ok := m.cache.Read(full); ok {
		return value, true, nil
	}

	entry, err := m.store.GetAgentStoreEntry(ctx, m.agentID, full)
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		return nil, false, nil
	}

	value, err := decodeValue(entry.Value)
	if err != nil {
		return nil, false, errors.Wrapf(err, "memory: corrupt value for key %s", key)
	}
	cacheWrite(m.cache, full, value, entry.ExpiresAt)
	return value, true, nil
}

// Set writes through: store first, cache on success. A non-positive ttl
// means the value never expires.
func (m *AgentMemory) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	full := m.composeKey(key)
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "memory: value for key %s is not serializable", key)
	}

	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).Unix()
	}
	if _, err := m.store.UpsertAgentStoreEntry(ctx, &store.UpsertAgentStoreEntry{
		AgentID:   m.agentID,
		Key:       full,
		Value:     string(raw),
		ExpiresAt: expiresAt,
	}); err != nil {
		return err
	}

	m.cache.Write(full, normalizeValue(value), ttl)
	if expiresAt > 0 && m.reaper != nil {
		m.reaper.ScheduleAt(expiresAt)
	}
	return nil
}

// Delete removes the key from the store, then the cache.
func (m *AgentMemory) Delete(ctx context.Context, key string) error {
	full := m.composeKey(key)
	if _, err := m.store.DeleteAgentStoreEntries(ctx, &store.DeleteAgentStoreEntry{
		AgentID: &m.agentID,
		Key:     &full,
	}); err != nil {
		return err
	}
	m.cache.Delete(full)
	return nil
}

func (m *AgentMemory) Exists(ctx context.Context, key string) (bool, error) {
	full := m.composeKey(key)
	if m.cache.Exists(full) {
		return true, nil
	}
	entry, err := m.store.GetAgentStoreEntry(ctx, m.agentID, full)
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

// Keys lists the agent's keys with the namespace stripped.
func (m *AgentMemory) Keys(ctx context.Context) ([]string, error) {
	prefix := m.prefix()
	entries, err := m.store.ListAgentStoreEntries(ctx, &store.FindAgentStoreEntry{
		AgentID:   &m.agentID,
		KeyPrefix: &prefix,
	})
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		keys = append(keys, strings.TrimPrefix(entry.Key, prefix))
	}
	return keys, nil
}

// All returns every live key/value pair for the agent.
func (m *AgentMemory) All(ctx context.Context) (map[string]any, error) {
	prefix := m.prefix()
	entries, err := m.store.ListAgentStoreEntries(ctx, &store.FindAgentStoreEntry{
		AgentID:   &m.agentID,
		KeyPrefix: &prefix,
	})
	if err != nil {
		return nil, err
	}
	all := make(map[string]any, len(entries))
	for _, entry := range entries {
		value, err := decodeValue(entry.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "memory: corrupt value for key %s", entry.Key)
		}
		all[strings.TrimPrefix(entry.Key, prefix)] = value
	}
	return all, nil
}

// Clear removes every key belonging to the agent.
func (m *AgentMemory) Clear(ctx context.Context) error {
	prefix := m.prefix()
	if _, err := m.store.DeleteAgentStoreEntries(ctx, &store.DeleteAgentStoreEntry{
		AgentID:   &m.agentID,
		KeyPrefix: &prefix,
	}); err != nil {
		return err
	}
	m.cache.DeleteMatching(prefix + "*")
	return nil
}

// Remember memoizes: it returns the stored value when present and
// otherwise computes, stores with ttl, and returns the result.
func (m *AgentMemory) Remember(ctx context.Context, key string, ttl time.Duration, compute func() (any, error)) (any, error) {
	value, found, err := m.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if found {
		return value, nil
	}

	value, err = compute()
	if err != nil {
		return nil, err
	}
	if err := m.Set(ctx, key, value, ttl); err != nil {
		return nil, err
	}
	return normalizeValue(value), nil
}

// Increment adds n to a numeric value, treating a missing key as zero,
// and returns the new total. The entry's expiry is preserved.
func (m *AgentMemory) Increment(ctx context.Context, key string, n int64) (int64, error) {
	var total int64
	_, err := m.readModifyWrite(ctx, key, func(cur any, found bool) (any, error) {
		if found {
			f, ok := asNumber(cur)
			if !ok {
				return nil, errors.Errorf("memory: key %s does not hold a number", key)
			}
			total = int64(f) + n
		} else {
			total = n
		}
		return total, nil
	})
	return total, err
}

// Push appends a value to a list-shaped entry, creating the list when the
// key is absent.
func (m *AgentMemory) Push(ctx context.Context, key string, value any) error {
	_, err := m.readModifyWrite(ctx, key, func(cur any, found bool) (any, error) {
		var items []any
		if found {
			var ok bool
			items, ok = cur.([]any)
			if !ok {
				return nil, errors.Errorf("memory: key %s does not hold a list", key)
			}
		}
		return append(items, normalizeValue(value)), nil
	})
	return err
}

// Pull removes every element equal to value from a list-shaped entry.
// Absent keys are a no-op.
func (m *AgentMemory) Pull(ctx context.Context, key string, value any) error {
	target := normalizeValue(value)
	_, err := m.readModifyWrite(ctx, key, func(cur any, found bool) (any, error) {
		if !found {
			return nil, errNoChange
		}
		items, ok := cur.([]any)
		if !ok {
			return nil, errors.Errorf("memory: key %s does not hold a list", key)
		}
		kept := make([]any, 0, len(items))
		for _, item := range items {
			if !reflect.DeepEqual(item, target) {
				kept = append(kept, item)
			}
		}
		return kept, nil
	})
	return err
}

// errNoChange is returned by a readModifyWrite callback to skip the write
// entirely.
var errNoChange = errors.New("no change")

// readModifyWrite loads the authoritative store row, applies fn, and
// writes the result back keeping the row's expiry.
func (m *AgentMemory) readModifyWrite(ctx context.Context, key string, fn func(cur any, found bool) (any, error)) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	full := m.composeKey(key)
	entry, err := m.store.GetAgentStoreEntry(ctx, m.agentID, full)
	if err != nil {
		return nil, err
	}

	var cur any
	found := entry != nil
	if found {
		cur, err = decodeValue(entry.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "memory: corrupt value for key %s", key)
		}
	}

	next, err := fn(cur, found)
	if err == errNoChange {
		return cur, nil
	}
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(next)
	if err != nil {
		return nil, errors.Wrapf(err, "memory: value for key %s is not serializable", key)
	}
	var expiresAt int64
	if entry != nil {
		expiresAt = entry.ExpiresAt
	}
	if _, err := m.store.UpsertAgentStoreEntry(ctx, &store.UpsertAgentStoreEntry{
		AgentID:   m.agentID,
		Key:       full,
		Value:     string(raw),
		ExpiresAt: expiresAt,
	}); err != nil {
		return nil, err
	}
	next = normalizeValue(next)
	cacheWrite(m.cache, full, next, expiresAt)
	return next, nil
}

func decodeValue(raw string) (any, error) {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, err
	}
	return value, nil
}

// normalizeValue rounds a Go value through JSON so cache hits and store
// reads yield the same shapes (float64 numbers, []any lists, map[string]any
// objects).
func normalizeValue(value any) any {
	raw, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return value
	}
	return normalized
}

func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// cacheWrite populates the cache tier honoring an absolute expiry. Values
// at or past their expiry are not cached at all, so a row racing its own
// expiration cannot outlive it in the cache.
func cacheWrite(c cache.Cache, key string, value any, expiresAt int64) {
	if expiresAt <= 0 {
		c.Write(key, value, 0)
		return
	}
	if ttl := time.Until(time.Unix(expiresAt, 0)); ttl > 0 {
		c.Write(key, value, ttl)
	}
}
