package daemon_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hrygo/activematrix/daemon"
	"github.com/hrygo/activematrix/store"
)

func agentList(n int) []*store.Agent {
	agents := make([]*store.Agent, 0, n)
	for i := 0; i < n; i++ {
		agents = append(agents, &store.Agent{
			ID:   fmt.Sprintf("id-%02d", i),
			Name: fmt.Sprintf("agent-%02d", i),
		})
	}
	return agents
}

func TestWorkerCount(t *testing.T) {
	tests := []struct {
		configured, agents, maxPer, want int
	}{
		{configured: 3, agents: 100, maxPer: 10, want: 3},
		{configured: 0, agents: 25, maxPer: 10, want: 3},
		{configured: 0, agents: 10, maxPer: 10, want: 1},
		{configured: 0, agents: 11, maxPer: 10, want: 2},
		{configured: 0, agents: 0, maxPer: 10, want: 1},
		{configured: 0, agents: 5, maxPer: 0, want: 1},
	}
	for _, tt := range tests {
		got := daemon.WorkerCount(tt.configured, tt.agents, tt.maxPer)
		assert.Equal(t, tt.want, got,
			"configured=%d agents=%d maxPer=%d", tt.configured, tt.agents, tt.maxPer)
	}
}

func TestFilterAgents(t *testing.T) {
	agents := agentList(3)

	assert.Len(t, daemon.FilterAgents(agents, nil), 3)
	kept := daemon.FilterAgents(agents, []string{"agent-00", "agent-02"})
	assert.Len(t, kept, 2)
	assert.Equal(t, "agent-00", kept[0].Name)
	assert.Equal(t, "agent-02", kept[1].Name)
	assert.Empty(t, daemon.FilterAgents(agents, []string{}))
}

func TestShardNamesRoundRobin(t *testing.T) {
	agents := agentList(5)

	assert.Equal(t, []string{"agent-00", "agent-02", "agent-04"}, daemon.ShardNames(agents, 0, 2))
	assert.Equal(t, []string{"agent-01", "agent-03"}, daemon.ShardNames(agents, 1, 2))

	// One shard takes everything.
	assert.Len(t, daemon.ShardNames(agents, 0, 1), 5)
	// More shards than agents leaves trailing shards empty.
	assert.Nil(t, daemon.ShardNames(agents[:2], 2, 3))
}

func TestShardNamesSortsById(t *testing.T) {
	// Assignment depends on id order, not slice order, so the parent and
	// each worker agree regardless of query order.
	agents := agentList(4)
	shuffled := []*store.Agent{agents[2], agents[0], agents[3], agents[1]}

	assert.Equal(t, daemon.ShardNames(agents, 0, 2), daemon.ShardNames(shuffled, 0, 2))
	assert.Equal(t, daemon.ShardNames(agents, 1, 2), daemon.ShardNames(shuffled, 1, 2))
}

func TestShardNamesBounds(t *testing.T) {
	agents := agentList(3)

	assert.Nil(t, daemon.ShardNames(agents, -1, 2))
	assert.Nil(t, daemon.ShardNames(agents, 2, 2))
	assert.Nil(t, daemon.ShardNames(agents, 0, 0))
}

func TestShardsCoverAllAgents(t *testing.T) {
	agents := agentList(7)
	seen := make(map[string]int)
	for shard := 0; shard < 3; shard++ {
		for _, name := range daemon.ShardNames(agents, shard, 3) {
			seen[name]++
		}
	}
	assert.Len(t, seen, 7)
	for name, count := range seen {
		assert.Equal(t, 1, count, "agent %s assigned %d times", name, count)
	}
}
