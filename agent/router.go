package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hrygo/activematrix/internal/metrics"
	"github.com/hrygo/activematrix/matrix"
)

// RouteHandler processes one routed event. The context carries the
// processing deadline.
type RouteHandler func(ctx context.Context, ev *matrix.Event) error

// Route binds an event pattern to a handler owned by an agent. Empty
// RoomID, EventType, and UserID fields match any event; set fields must
// equal the event's corresponding field.
type Route struct {
	ID        string
	AgentID   string
	AgentName string
	RoomID    string
	EventType string
	UserID    string
	Priority  int
	Handler   RouteHandler

	seq uint64
}

// Matches reports whether the route's set fields all equal the event's.
func (r *Route) Matches(ev *matrix.Event) bool {
	if r.RoomID != "" && r.RoomID != ev.RoomID {
		return false
	}
	if r.EventType != "" && r.EventType != ev.Type {
		return false
	}
	if r.UserID != "" && r.UserID != ev.Sender {
		return false
	}
	return true
}

type delivery struct {
	ev        *matrix.Event
	broadcast bool
}

// Router fans sync events out to matching routes on a single worker
// goroutine. The route list is copy-on-write, so dispatch reads it
// without locking; the queue is bounded and overflow drops the newest
// event.
type Router struct {
	registry *Registry
	logger   *slog.Logger
	timeout  time.Duration
	logAll   bool

	routes atomic.Pointer[[]*Route]
	seq    atomic.Uint64

	mu      sync.Mutex
	running bool
	queue   chan delivery
	stopc   chan struct{}
	done    chan struct{}
}

// NewRouter builds a router over the registry. Queue size and handler
// timeout come from the config.
func NewRouter(registry *Registry, cfg *Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.EventQueueSize
	if size <= 0 {
		size = DefaultConfig().EventQueueSize
	}
	rt := &Router{
		registry: registry,
		logger:   logger,
		timeout:  cfg.EventProcessingTimeout,
		logAll:   cfg.LogAgentEvents,
		queue:    make(chan delivery, size),
	}
	empty := make([]*Route, 0)
	rt.routes.Store(&empty)
	return rt
}

// AddRoute registers a route and returns its ID. The agent must be
// registered.
func (rt *Router) AddRoute(route *Route) (string, error) {
	entry, ok := rt.registry.Get(route.AgentID)
	if !ok {
		return "", fmt.Errorf("route for unregistered agent %s", route.AgentID)
	}
	if route.Handler == nil {
		return "", fmt.Errorf("route for agent %s has no handler", entry.Agent.Name)
	}
	if route.ID == "" {
		route.ID = uuid.NewString()
	}
	if route.AgentName == "" {
		route.AgentName = entry.Agent.Name
	}
	route.seq = rt.seq.Add(1)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	old := *rt.routes.Load()
	next := make([]*Route, 0, len(old)+1)
	next = append(next, old...)
	next = append(next, route)
	sort.SliceStable(next, func(i, j int) bool {
		if next[i].Priority != next[j].Priority {
			return next[i].Priority > next[j].Priority
		}
		return next[i].seq < next[j].seq
	})
	rt.routes.Store(&next)
	return route.ID, nil
}

// RemoveRoute drops the route with the given ID.
func (rt *Router) RemoveRoute(id string) {
	rt.removeIf(func(r *Route) bool { return r.ID == id })
}

// RemoveAgentRoutes drops every route owned by the agent.
func (rt *Router) RemoveAgentRoutes(agentID string) {
	rt.removeIf(func(r *Route) bool { return r.AgentID == agentID })
}

func (rt *Router) removeIf(drop func(*Route) bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	old := *rt.routes.Load()
	next := make([]*Route, 0, len(old))
	for _, r := range old {
		if !drop(r) {
			next = append(next, r)
		}
	}
	rt.routes.Store(&next)
}

// Routes returns the current route list in delivery order.
func (rt *Router) Routes() []*Route {
	routes := *rt.routes.Load()
	out := make([]*Route, len(routes))
	copy(out, routes)
	return out
}

// Start spawns the single delivery worker. Starting a running router is a
// no-op.
func (rt *Router) Start() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.running {
		return
	}
	rt.running = true
	rt.stopc = make(chan struct{})
	rt.done = make(chan struct{})
	go rt.work(rt.stopc, rt.done)
}

// Stop halts the worker and joins it. Events still queued are dropped.
func (rt *Router) Stop() {
	rt.mu.Lock()
	if !rt.running {
		rt.mu.Unlock()
		return
	}
	rt.running = false
	close(rt.stopc)
	done := rt.done
	rt.mu.Unlock()
	<-done

	if n := len(rt.queue); n > 0 {
		rt.logger.Debug("router: dropped queued events at stop", "count", n)
	}
}

// Dispatch queues an event for delivery. When the queue is full the event
// is dropped with a warning.
func (rt *Router) Dispatch(ev *matrix.Event) {
	rt.enqueue(delivery{ev: ev})
}

// Broadcast queues an event for delivery to every registered bot,
// bypassing route matching.
func (rt *Router) Broadcast(ev *matrix.Event) {
	rt.enqueue(delivery{ev: ev, broadcast: true})
}

func (rt *Router) enqueue(d delivery) {
	rt.mu.Lock()
	running := rt.running
	rt.mu.Unlock()
	if !running {
		return
	}
	select {
	case rt.queue <- d:
		metrics.EventsRoutedTotal.Inc()
	default:
		metrics.EventsDroppedTotal.Inc()
		rt.logger.Warn("router: queue full, dropping event",
			"type", d.ev.Type, "room_id", d.ev.RoomID, "sender", d.ev.Sender)
	}
}

func (rt *Router) work(stopc, done chan struct{}) {
	defer close(done)
	for {
		select {
		case d := <-rt.queue:
			if d.broadcast {
				rt.deliverBroadcast(d.ev)
			} else {
				rt.deliver(d.ev)
			}
		case <-stopc:
			return
		}
	}
}

func (rt *Router) deliver(ev *matrix.Event) {
	if rt.logAll {
		rt.logger.Debug("router: event", "type", ev.Type, "room_id", ev.RoomID, "sender", ev.Sender)
	}
	for _, route := range *rt.routes.Load() {
		if !route.Matches(ev) {
			continue
		}
		if !rt.registry.IsRegistered(route.AgentID) {
			continue
		}
		rt.invoke(route.AgentName, func(ctx context.Context) error {
			return route.Handler(ctx, ev)
		})
	}
}

func (rt *Router) deliverBroadcast(ev *matrix.Event) {
	for _, entry := range rt.registry.List() {
		bot := entry.Bot
		rt.invoke(entry.Agent.Name, func(ctx context.Context) error {
			return bot.HandleBroadcast(ctx, ev)
		})
	}
}

// invoke runs one handler under a recover boundary with the processing
// deadline. Panics and errors never escape the worker.
func (rt *Router) invoke(agentName string, fn func(ctx context.Context) error) {
	ctx := context.Background()
	if rt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.timeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			metrics.HandlerErrorsTotal.WithLabelValues(agentName).Inc()
			rt.logger.Error("router: handler panic",
				"agent", agentName, "panic", rec, "stack", firstStackLines(8))
		}
	}()

	if err := fn(ctx); err != nil {
		metrics.HandlerErrorsTotal.WithLabelValues(agentName).Inc()
		rt.logger.Error("router: handler failed", "agent", agentName, "error", err)
	}
}

// firstStackLines trims a panic stack to its leading lines for logging.
func firstStackLines(n int) string {
	stack := debug.Stack()
	count := 0
	for i, b := range stack {
		if b == '\n' {
			count++
			if count >= n {
				return string(stack[:i])
			}
		}
	}
	return string(stack)
}
