package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"

	"github.com/hrygo/activematrix/agent"
	"github.com/hrygo/activematrix/internal/profile"
	"github.com/hrygo/activematrix/store"
)

// Worker runs the agent manager for one shard inside a child process.
// The coordinator spawns one per shard by re-exec'ing the binary with
// the hidden worker command.
type Worker struct {
	Profile *profile.Profile
	Store   *store.Store
	Config  *agent.Config
	Index   int
	Count   int
	// ReopenLog runs on SIGUSR1 when the process logs to a file.
	ReopenLog func() error
}

// NewWorker builds a worker for shard index of count.
func NewWorker(p *profile.Profile, s *store.Store, cfg *agent.Config, index, count int) *Worker {
	return &Worker{Profile: p, Store: s, Config: cfg, Index: index, Count: count}
}

// shardNames resolves the agent names this worker owns right now.
func (w *Worker) shardNames(ctx context.Context) ([]string, error) {
	offline := store.AgentStateOffline
	agents, err := w.Store.ListAgents(ctx, &store.FindAgent{ExcludeState: &offline})
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	agents = FilterAgents(agents, w.Profile.AgentFilter())
	return ShardNames(agents, w.Index, w.Count), nil
}

// Run starts the shard and blocks until a termination signal or context
// cancellation. SIGHUP restarts the shard from the current agent rows.
func (w *Worker) Run(ctx context.Context) error {
	if w.Count <= 0 || w.Index < 0 || w.Index >= w.Count {
		return fmt.Errorf("invalid shard %d of %d", w.Index, w.Count)
	}

	manager := agent.NewManager(w.Profile, w.Store, w.Config, slog.Default().With("shard", w.Index))

	names, err := w.shardNames(ctx)
	if err != nil {
		return err
	}

	sigc := make(chan os.Signal, 4)
	signal.Notify(sigc, controlSignals...)
	defer signal.Stop(sigc)

	started := false
	if len(names) == 0 {
		slog.Info("worker: empty shard, idling", "shard", w.Index, "of", w.Count)
	} else {
		if err := manager.StartAll(ctx, names); err != nil {
			return err
		}
		started = true
	}

	for {
		select {
		case sig := <-sigc:
			switch {
			case isTermination(sig):
				slog.Info("worker: shutting down", "shard", w.Index, "signal", sig.String())
				if started {
					manager.StopAll(context.Background())
				}
				return nil
			case isReload(sig):
				slog.Info("worker: reload requested", "shard", w.Index)
				if started {
					manager.StopAll(context.Background())
				}
				names, err := w.shardNames(ctx)
				if err != nil {
					slog.Error("worker: reload failed", "shard", w.Index, "error", err)
					continue
				}
				started = len(names) > 0
				if started {
					if err := manager.StartAll(ctx, names); err != nil {
						slog.Error("worker: reload failed", "shard", w.Index, "error", err)
					}
				}
			case isReopenLog(sig):
				if w.ReopenLog != nil {
					if err := w.ReopenLog(); err != nil {
						slog.Error("worker: logfile reopen failed", "error", err)
					}
				}
			case isDump(sig):
				dumpGoroutines(fmt.Sprintf("worker %d/%d", w.Index, w.Count))
			}
		case <-ctx.Done():
			if started {
				manager.StopAll(context.Background())
			}
			return nil
		}
	}
}

// dumpGoroutines writes every goroutine stack to stderr, the USR2 debug
// surface.
func dumpGoroutines(label string) {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	fmt.Fprintf(os.Stderr, "=== activematrix goroutine dump (%s) ===\n%s\n=== end dump ===\n", label, buf[:n])
}
