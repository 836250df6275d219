package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/hrygo/activematrix/matrix"
)

// Shared pacing for all clients of one homeserver. Matrix homeservers
// rate-limit per origin, so clients on the same host draw from one
// bucket.
const (
	homeserverRate  rate.Limit = 5
	homeserverBurst            = 10
)

// ClientPool builds Matrix clients. It is not a reuse pool: each client
// is pinned to its agent for the agent's lifetime. The per-homeserver
// semaphore limits concurrent creation only and is released as soon as
// the client exists; a shared rate limiter paces outbound requests of
// all clients on the same homeserver, and a janitor drops idle HTTP
// connections every ClientIdleTimeout.
type ClientPool struct {
	perHomeserver int64
	idleTimeout   time.Duration
	logger        *slog.Logger

	mu       sync.Mutex
	sems     map[string]*semaphore.Weighted
	limiters map[string]*rate.Limiter
	clients  map[string]*matrix.Client
	stopc    chan struct{}
	done     chan struct{}
}

// NewClientPool builds a pool from the config.
func NewClientPool(cfg *Config, logger *slog.Logger) *ClientPool {
	if logger == nil {
		logger = slog.Default()
	}
	per := cfg.MaxClientsPerHomeserver
	if per <= 0 {
		per = DefaultConfig().MaxClientsPerHomeserver
	}
	idle := cfg.ClientIdleTimeout
	if idle <= 0 {
		idle = DefaultConfig().ClientIdleTimeout
	}
	return &ClientPool{
		perHomeserver: int64(per),
		idleTimeout:   idle,
		logger:        logger,
		sems:          make(map[string]*semaphore.Weighted),
		limiters:      make(map[string]*rate.Limiter),
		clients:       make(map[string]*matrix.Client),
	}
}

// Acquire creates a client for the agent, honoring the per-homeserver
// creation limit. The semaphore slot is released once the client exists.
func (p *ClientPool) Acquire(ctx context.Context, agentID string, cfg matrix.ClientConfig) (*matrix.Client, error) {
	sem := p.semFor(cfg.Homeserver)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer sem.Release(1)

	cfg.Transport.Limiter = p.limiterFor(cfg.Homeserver)
	client, err := matrix.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.clients[agentID] = client
	p.startJanitorLocked()
	p.mu.Unlock()
	return client, nil
}

// Release forgets the agent's client and drops its idle connections.
func (p *ClientPool) Release(agentID string) {
	p.mu.Lock()
	client := p.clients[agentID]
	delete(p.clients, agentID)
	p.mu.Unlock()
	if client != nil {
		client.API().Transport().CloseIdleConnections()
	}
}

// Len returns the number of tracked clients.
func (p *ClientPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close stops the janitor and drops idle connections of every tracked
// client.
func (p *ClientPool) Close() {
	p.mu.Lock()
	stopc := p.stopc
	done := p.done
	p.stopc = nil
	p.done = nil
	clients := make([]*matrix.Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.clients = make(map[string]*matrix.Client)
	p.mu.Unlock()

	if stopc != nil {
		close(stopc)
		<-done
	}
	for _, c := range clients {
		c.API().Transport().CloseIdleConnections()
	}
}

func (p *ClientPool) semFor(homeserver string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	sem, ok := p.sems[homeserver]
	if !ok {
		sem = semaphore.NewWeighted(p.perHomeserver)
		p.sems[homeserver] = sem
	}
	return sem
}

func (p *ClientPool) limiterFor(homeserver string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	limiter, ok := p.limiters[homeserver]
	if !ok {
		limiter = rate.NewLimiter(homeserverRate, homeserverBurst)
		p.limiters[homeserver] = limiter
	}
	return limiter
}

// startJanitorLocked launches the idle-connection sweeper once. Callers
// hold p.mu.
func (p *ClientPool) startJanitorLocked() {
	if p.stopc != nil {
		return
	}
	p.stopc = make(chan struct{})
	p.done = make(chan struct{})
	go p.janitor(p.stopc, p.done)
}

func (p *ClientPool) janitor(stopc, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.idleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			clients := make([]*matrix.Client, 0, len(p.clients))
			for _, c := range p.clients {
				clients = append(clients, c)
			}
			p.mu.Unlock()
			for _, c := range clients {
				c.API().Transport().CloseIdleConnections()
			}
		case <-stopc:
			return
		}
	}
}
