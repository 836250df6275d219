package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hrygo/activematrix/internal/metrics"
	"github.com/hrygo/activematrix/store"
	"github.com/hrygo/activematrix/store/cache"
)

const (
	// DefaultReapInterval is how often the periodic sweep runs.
	DefaultReapInterval = time.Hour
	// DefaultStaleAfter is how long an untouched chat session survives.
	DefaultStaleAfter = 24 * time.Hour
)

// Reaper deletes rows whose expiry has passed: agent store entries,
// knowledge base entries, and chat sessions idle past staleAfter. It runs
// a periodic sweep plus one-shot wakeups scheduled at write time for
// entries with a TTL. Sweep errors are logged and never stop the loop.
type Reaper struct {
	store      *store.Store
	cache      cache.Cache
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger

	mu        sync.Mutex
	running   bool
	lastSweep time.Time
	timer     *time.Timer
	timerAt   time.Time
	stopc     chan struct{}
	done      chan struct{}
}

// NewReaper creates a reaper. Non-positive interval and staleAfter apply
// the defaults; staleAfter below zero disables the session sweep.
func NewReaper(s *store.Store, interval, staleAfter time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if staleAfter == 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:      s,
		cache:      s.Cache(),
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// Start launches the periodic sweep goroutine. Calling Start on a running
// reaper is a no-op.
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopc = make(chan struct{})
	r.done = make(chan struct{})

	go func(stopc, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Sweep(context.Background())
			case <-stopc:
				return
			}
		}
	}(r.stopc, r.done)
}

// Stop halts the periodic sweep and cancels any pending one-shot wakeup.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopc)
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
		r.timerAt = time.Time{}
	}
	done := r.done
	r.mu.Unlock()
	<-done
}

// ScheduleAt arms a one-shot sweep just after the given unix expiry. Only
// the earliest requested wakeup is kept pending; later ones are covered by
// it or by the periodic sweep.
func (r *Reaper) ScheduleAt(expiresAt int64) {
	when := time.Unix(expiresAt, 0).Add(time.Second)

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	if r.timer != nil && !when.Before(r.timerAt) {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timerAt = when
	r.timer = time.AfterFunc(time.Until(when), func() {
		r.mu.Lock()
		r.timer = nil
		r.timerAt = time.Time{}
		running := r.running
		r.mu.Unlock()
		if running {
			r.Sweep(context.Background())
		}
	})
}

// MaybeSweep runs a sweep only when the configured interval has elapsed
// since the last one. The manager's health monitor calls this every tick
// without turning each tick into a full table scan.
func (r *Reaper) MaybeSweep(ctx context.Context) {
	r.mu.Lock()
	due := time.Since(r.lastSweep) >= r.interval
	r.mu.Unlock()
	if due {
		r.Sweep(ctx)
	}
}

// Sweep deletes everything currently expired. Safe to call directly, for
// example before a status report.
func (r *Reaper) Sweep(ctx context.Context) {
	r.mu.Lock()
	r.lastSweep = time.Now()
	r.mu.Unlock()

	now := time.Now().Unix()

	if n, err := r.store.DeleteAgentStoreEntries(ctx, &store.DeleteAgentStoreEntry{
		ExpiredBefore: &now,
	}); err != nil {
		r.logger.Error("reaper: agent store sweep failed", "error", err)
	} else if n > 0 {
		metrics.ReapedRowsTotal.WithLabelValues("agent_store").Add(float64(n))
		r.logger.Debug("reaper: removed expired agent store entries", "count", n)
	}

	if n, err := r.store.DeleteKnowledgeBaseEntries(ctx, &store.DeleteKnowledgeBaseEntry{
		ExpiredBefore: &now,
	}); err != nil {
		r.logger.Error("reaper: knowledge base sweep failed", "error", err)
	} else if n > 0 {
		metrics.ReapedRowsTotal.WithLabelValues("knowledge_base").Add(float64(n))
		r.logger.Debug("reaper: removed expired knowledge base entries", "count", n)
	}

	if r.staleAfter > 0 {
		staleBefore := now - int64(r.staleAfter/time.Second)
		if n, err := r.store.DeleteChatSessions(ctx, &store.DeleteChatSession{
			StaleBefore: &staleBefore,
		}); err != nil {
			r.logger.Error("reaper: chat session sweep failed", "error", err)
		} else if n > 0 {
			metrics.ReapedRowsTotal.WithLabelValues("chat_session").Add(float64(n))
			r.logger.Debug("reaper: removed stale chat sessions", "count", n)
		}
	}

	if r.cache != nil {
		if dropped := r.cache.CleanupExpired(); dropped > 0 {
			r.logger.Debug("reaper: dropped expired cache entries", "count", dropped)
		}
	}
}
