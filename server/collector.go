package server

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hrygo/activematrix/store"
)

// storeCollector derives gauge metrics from the agent table at scrape
// time. Process-local counters live in internal/metrics; this collector
// covers the shared state every worker sees identically.
type storeCollector struct {
	server *Server

	up          *prometheus.Desc
	uptime      *prometheus.Desc
	workers     *prometheus.Desc
	agentsTotal *prometheus.Desc
	agents      *prometheus.Desc
}

func newStoreCollector(srv *Server) *storeCollector {
	return &storeCollector{
		server: srv,
		up: prometheus.NewDesc("activematrix_up",
			"Whether the probe server is serving.", nil, nil),
		uptime: prometheus.NewDesc("activematrix_uptime_seconds",
			"Seconds since the daemon started.", nil, nil),
		workers: prometheus.NewDesc("activematrix_workers",
			"Number of live worker processes.", nil, nil),
		agentsTotal: prometheus.NewDesc("activematrix_agents_total",
			"Number of configured agents.", nil, nil),
		agents: prometheus.NewDesc("activematrix_agents",
			"Number of agents per lifecycle state.", []string{"state"}, nil),
	}
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.uptime
	ch <- c.workers
	ch <- c.agentsTotal
	ch <- c.agents
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue,
		time.Since(c.server.startedAt).Seconds())
	ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue,
		float64(c.server.workers.Load()))

	ctx, cancel := context.WithTimeout(context.Background(), statusQueryTimeout)
	defer cancel()
	rows, err := c.server.Store.ListAgents(ctx, &store.FindAgent{})
	if err != nil {
		// The scrape still carries the process gauges above.
		return
	}

	ch <- prometheus.MustNewConstMetric(c.agentsTotal, prometheus.GaugeValue, float64(len(rows)))
	byState := make(map[store.AgentState]int, len(store.AgentStates()))
	for _, agent := range rows {
		byState[agent.State]++
	}
	for _, state := range store.AgentStates() {
		ch <- prometheus.MustNewConstMetric(c.agents, prometheus.GaugeValue,
			float64(byState[state]), string(state))
	}
}
