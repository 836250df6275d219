// Package daemon is the coordinator side of the runtime: it shards
// agents across worker processes, supervises them, owns the probe
// server, and translates process signals into lifecycle actions.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/hrygo/activematrix/agent"
	"github.com/hrygo/activematrix/internal/metrics"
	"github.com/hrygo/activematrix/internal/profile"
	"github.com/hrygo/activematrix/server"
	"github.com/hrygo/activematrix/store"
)

const (
	// workerStableAfter is how long a worker must live before its
	// respawn backoff resets.
	workerStableAfter    = time.Minute
	workerRespawnInitial = time.Second
	workerRespawnMax     = 30 * time.Second
	// workerExitSlack extends the coordinator grace past the workers'
	// own shutdown_timeout so they finish their grace first.
	workerExitSlack      = 5 * time.Second
	probeShutdownTimeout = 5 * time.Second
)

// Coordinator is the parent process. It never talks to a homeserver
// itself; agents live in the worker children.
type Coordinator struct {
	Profile *profile.Profile
	Store   *store.Store
	Config  *agent.Config
	// ReopenLog runs on SIGUSR1 before the signal is forwarded to the
	// workers.
	ReopenLog func() error

	probe *server.Server

	mu       sync.Mutex
	stopping bool
	children map[int]*child
	count    int

	exits     chan childExit
	startedAt time.Time
}

type child struct {
	index     int
	cmd       *exec.Cmd
	startedAt time.Time
}

type childExit struct {
	index int
	err   error
}

// NewCoordinator builds the coordinator.
func NewCoordinator(p *profile.Profile, s *store.Store, cfg *agent.Config) *Coordinator {
	if cfg == nil {
		cfg = agent.DefaultConfig()
	}
	return &Coordinator{
		Profile:  p,
		Store:    s,
		Config:   cfg,
		children: make(map[int]*child),
	}
}

// Run spawns the workers and blocks in the signal loop until a
// termination signal or context cancellation.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.Profile.Pidfile != "" {
		if err := WritePidfile(c.Profile.Pidfile); err != nil {
			return err
		}
		defer func() {
			if err := RemovePidfile(c.Profile.Pidfile); err != nil {
				slog.Warn("daemon: pidfile removal failed", "error", err)
			}
		}()
	}
	c.startedAt = time.Now()

	count, err := c.resolveWorkerCount(ctx)
	if err != nil {
		return err
	}
	c.count = count
	c.exits = make(chan childExit, count)

	c.probe = server.NewServer(c.Profile, c.Store)
	c.probe.SetWorkers(count)
	probeErr := make(chan error, 1)
	go func() { probeErr <- c.probe.Start(ctx) }()

	for i := 0; i < count; i++ {
		if err := c.spawn(i); err != nil {
			serr := c.shutdown()
			if serr != nil {
				slog.Error("daemon: shutdown after failed spawn", "error", serr)
			}
			return err
		}
	}
	slog.Info("daemon: started",
		"pid", os.Getpid(), "workers", count, "probe", c.probe.Addr())

	sigc := make(chan os.Signal, 4)
	signal.Notify(sigc, controlSignals...)
	defer signal.Stop(sigc)

	backoffs := make(map[int]*backoff.ExponentialBackOff, count)
	for {
		select {
		case sig := <-sigc:
			switch {
			case isTermination(sig):
				slog.Info("daemon: shutting down", "signal", sig.String())
				return c.shutdown()
			case isReload(sig):
				slog.Info("daemon: forwarding reload to workers")
				c.forward(sig)
			case isReopenLog(sig):
				if c.ReopenLog != nil {
					if err := c.ReopenLog(); err != nil {
						slog.Error("daemon: logfile reopen failed", "error", err)
					}
				}
				c.forward(sig)
			case isDump(sig):
				c.dumpStatus()
				c.forward(sig)
			}
		case exit := <-c.exits:
			c.onChildExit(exit, backoffs)
		case err := <-probeErr:
			if err != nil {
				slog.Error("daemon: probe server failed", "error", err)
				serr := c.shutdown()
				if serr != nil {
					slog.Error("daemon: shutdown after probe failure", "error", serr)
				}
				return err
			}
		case <-ctx.Done():
			return c.shutdown()
		}
	}
}

// resolveWorkerCount uses the configured count or derives one from the
// startable agent population.
func (c *Coordinator) resolveWorkerCount(ctx context.Context) (int, error) {
	if c.Profile.Workers > 0 {
		return c.Profile.Workers, nil
	}
	offline := store.AgentStateOffline
	agents, err := c.Store.ListAgents(ctx, &store.FindAgent{ExcludeState: &offline})
	if err != nil {
		return 0, fmt.Errorf("load agents: %w", err)
	}
	agents = FilterAgents(agents, c.Profile.AgentFilter())
	return WorkerCount(0, len(agents), c.Config.MaxAgentsPerProcess), nil
}

// spawn re-execs the binary as the worker for one shard and watches for
// its exit.
func (c *Coordinator) spawn(index int) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	cmd := exec.Command(exe, c.workerArgs(index)...)
	cmd.Env = os.Environ()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn worker %d: %w", index, err)
	}

	c.mu.Lock()
	c.children[index] = &child{index: index, cmd: cmd, startedAt: time.Now()}
	c.mu.Unlock()
	slog.Info("daemon: worker spawned", "shard", index, "worker_pid", cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		c.exits <- childExit{index: index, err: err}
	}()
	return nil
}

// workerArgs rebuilds the infra flags for a child. The secret key rides
// in the inherited environment, never on argv.
func (c *Coordinator) workerArgs(index int) []string {
	p := c.Profile
	args := []string{
		"worker",
		"--shard-index", strconv.Itoa(index),
		"--shard-count", strconv.Itoa(c.count),
		"--mode", p.Mode,
		"--data", p.Data,
		"--driver", p.Driver,
		"--dsn", p.DSN,
	}
	if p.Agents != "" {
		args = append(args, "--agents", p.Agents)
	}
	if p.Logfile != "" {
		args = append(args, "--logfile", p.Logfile)
	}
	return args
}

// onChildExit respawns a worker that died while the daemon is running.
func (c *Coordinator) onChildExit(exit childExit, backoffs map[int]*backoff.ExponentialBackOff) {
	c.mu.Lock()
	ch := c.children[exit.index]
	delete(c.children, exit.index)
	stopping := c.stopping
	c.mu.Unlock()
	if stopping {
		return
	}

	slog.Error("daemon: worker exited unexpectedly", "shard", exit.index, "error", exit.err)
	metrics.WorkerRespawnsTotal.Inc()

	bo := backoffs[exit.index]
	if bo == nil {
		bo = backoff.NewExponentialBackOff()
		bo.InitialInterval = workerRespawnInitial
		bo.MaxInterval = workerRespawnMax
		backoffs[exit.index] = bo
	}
	if ch != nil && time.Since(ch.startedAt) >= workerStableAfter {
		bo.Reset()
	}
	delay := bo.NextBackOff()
	slog.Info("daemon: respawning worker", "shard", exit.index, "after", delay)

	index := exit.index
	go func() {
		time.Sleep(delay)
		c.mu.Lock()
		stopping := c.stopping
		c.mu.Unlock()
		if stopping {
			return
		}
		if err := c.spawn(index); err != nil {
			slog.Error("daemon: respawn failed", "shard", index, "error", err)
			c.exits <- childExit{index: index, err: err}
		}
	}()
}

// forward relays a signal to every live worker.
func (c *Coordinator) forward(sig os.Signal) {
	for _, ch := range c.snapshot() {
		if err := signalProcess(ch.cmd.Process, sig); err != nil {
			slog.Warn("daemon: signal forward failed", "shard", ch.index, "error", err)
		}
	}
}

func (c *Coordinator) snapshot() []*child {
	c.mu.Lock()
	defer c.mu.Unlock()
	children := make([]*child, 0, len(c.children))
	for _, ch := range c.children {
		children = append(children, ch)
	}
	return children
}

// shutdown terminates the workers, waits out the grace period, kills
// residuals, and stops the probe.
func (c *Coordinator) shutdown() error {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	c.mu.Unlock()

	if c.probe != nil {
		c.probe.SetStopping()
	}

	children := c.snapshot()
	for _, ch := range children {
		if err := terminateProcess(ch.cmd.Process); err != nil {
			slog.Warn("daemon: worker terminate failed", "shard", ch.index, "error", err)
		}
	}

	alive := make(map[int]*child, len(children))
	for _, ch := range children {
		alive[ch.index] = ch
	}
	grace := time.NewTimer(c.Config.ShutdownTimeout + workerExitSlack)
	defer grace.Stop()
	for len(alive) > 0 {
		select {
		case exit := <-c.exits:
			delete(alive, exit.index)
		case <-grace.C:
			for _, ch := range alive {
				slog.Warn("daemon: killing unresponsive worker",
					"shard", ch.index, "worker_pid", ch.cmd.Process.Pid)
				if err := ch.cmd.Process.Kill(); err != nil {
					slog.Warn("daemon: worker kill failed", "shard", ch.index, "error", err)
				}
			}
			for len(alive) > 0 {
				exit := <-c.exits
				delete(alive, exit.index)
			}
		}
	}

	if c.probe != nil {
		ctx, cancel := context.WithTimeout(context.Background(), probeShutdownTimeout)
		defer cancel()
		if err := c.probe.Shutdown(ctx); err != nil {
			slog.Warn("daemon: probe shutdown failed", "error", err)
		}
	}
	slog.Info("daemon: stopped")
	return nil
}

// dumpStatus is the USR2 debug surface: goroutine stacks plus a worker
// and agent summary on stderr.
func (c *Coordinator) dumpStatus() {
	dumpGoroutines("coordinator")

	children := c.snapshot()
	pids := make([]int, 0, len(children))
	for _, ch := range children {
		pids = append(pids, ch.cmd.Process.Pid)
	}
	fmt.Fprintf(os.Stderr, "workers: %d alive of %d, pids %v, uptime %s\n",
		len(children), c.count, pids, time.Since(c.startedAt).Round(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), probeShutdownTimeout)
	defer cancel()
	agents, err := c.Store.ListAgents(ctx, &store.FindAgent{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "agents: unavailable (%v)\n", err)
		return
	}
	byState := make(map[store.AgentState]int)
	for _, a := range agents {
		byState[a.State]++
	}
	fmt.Fprintf(os.Stderr, "agents: %d total", len(agents))
	for _, state := range store.AgentStates() {
		if n := byState[state]; n > 0 {
			fmt.Fprintf(os.Stderr, ", %d %s", n, state)
		}
	}
	fmt.Fprintln(os.Stderr)
}
