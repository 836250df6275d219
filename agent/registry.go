package agent

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hrygo/activematrix/store"
)

// Entry is one live agent registration. Done closes when the agent's sync
// loop exits; the monitor uses it to detect dead agents.
type Entry struct {
	// Agent mirrors the store row as of registration; the row stays
	// authoritative.
	Agent     *store.Agent
	Bot       Bot
	Machine   *Machine
	Cancel    func()
	Done      chan struct{}
	StartedAt time.Time
}

// Dead reports whether the entry's sync loop has exited.
func (e *Entry) Dead() bool {
	select {
	case <-e.Done:
		return true
	default:
		return false
	}
}

// Registry tracks the agents currently running in this process. All
// mutations go through one lock; read selectors copy a snapshot and
// iterate outside it.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds an entry. Registration is first-wins: a second register
// for the same agent errors.
func (r *Registry) Register(entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[entry.Agent.ID]; ok {
		return fmt.Errorf("agent %s already registered", entry.Agent.Name)
	}
	r.entries[entry.Agent.ID] = entry
	return nil
}

// Unregister removes and returns the entry for agentID, nil when absent.
func (r *Registry) Unregister(agentID string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entries[agentID]
	delete(r.entries, agentID)
	return entry
}

// Get returns the entry for agentID.
func (r *Registry) Get(agentID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[agentID]
	return entry, ok
}

// IsRegistered reports whether agentID has a live entry.
func (r *Registry) IsRegistered(agentID string) bool {
	_, ok := r.Get(agentID)
	return ok
}

// List returns a snapshot of all entries.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	return entries
}

// Names returns the sorted agent names of all entries.
func (r *Registry) Names() []string {
	entries := r.List()
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Agent.Name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of live entries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CountByState groups live entries by their machine state.
func (r *Registry) CountByState() map[store.AgentState]int {
	counts := make(map[store.AgentState]int)
	for _, entry := range r.List() {
		counts[entry.Machine.State()]++
	}
	return counts
}
