package daemon

import (
	"sort"

	"github.com/hrygo/activematrix/store"
)

// WorkerCount resolves how many worker processes to run. A configured
// value wins; otherwise enough workers to keep every process at or under
// maxPerProcess agents, at least one.
func WorkerCount(configured, agentCount, maxPerProcess int) int {
	if configured > 0 {
		return configured
	}
	if agentCount <= 0 || maxPerProcess <= 0 {
		return 1
	}
	n := (agentCount + maxPerProcess - 1) / maxPerProcess
	if n < 1 {
		n = 1
	}
	return n
}

// FilterAgents keeps only the named agents. A nil filter keeps all.
func FilterAgents(agents []*store.Agent, names []string) []*store.Agent {
	if names == nil {
		return agents
	}
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	kept := make([]*store.Agent, 0, len(agents))
	for _, agent := range agents {
		if wanted[agent.Name] {
			kept = append(kept, agent)
		}
	}
	return kept
}

// ShardNames assigns agents to shards round-robin over the id-sorted
// list and returns the names belonging to one shard. Parent and workers
// run the same assignment, so the sort keeps them in agreement.
func ShardNames(agents []*store.Agent, shardIndex, shardCount int) []string {
	if shardCount <= 0 || shardIndex < 0 || shardIndex >= shardCount {
		return nil
	}
	sorted := make([]*store.Agent, len(agents))
	copy(sorted, agents)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var names []string
	for i, agent := range sorted {
		if i%shardCount == shardIndex {
			names = append(names, agent.Name)
		}
	}
	return names
}
