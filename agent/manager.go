package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/hrygo/activematrix/internal/metrics"
	"github.com/hrygo/activematrix/internal/profile"
	"github.com/hrygo/activematrix/matrix"
	"github.com/hrygo/activematrix/memory"
	"github.com/hrygo/activematrix/store"
)

// inactiveWarnAfter is how long an online agent may go without activity
// before the monitor logs a warning.
const inactiveWarnAfter = 5 * time.Minute

// deviceDisplayName labels password-login sessions on the homeserver.
const deviceDisplayName = "activematrix"

// Manager owns the agent lifecycle inside one worker process: it starts
// sync loops, supervises them with a periodic monitor, and tears
// everything down on stop.
type Manager struct {
	profile *profile.Profile
	store   *store.Store
	config  *Config
	logger  *slog.Logger

	registry  *Registry
	router    *Router
	pool      *ClientPool
	reaper    *memory.Reaper
	knowledge *memory.KnowledgeBase

	// startMu serializes StartAgent so the monitor and manual restarts
	// cannot race on the same agent.
	startMu sync.Mutex

	mu          sync.Mutex
	stopping    bool
	monitorStop chan struct{}
	monitorDone chan struct{}
	startedAt   time.Time
}

// NewManager wires the runtime: registry, router, client pool, reaper,
// and the knowledge base broadcasting through the router.
func NewManager(p *profile.Profile, s *store.Store, cfg *Config, logger *slog.Logger) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	registry := NewRegistry()
	router := NewRouter(registry, cfg, logger)
	reaper := memory.NewReaper(s, cfg.MemoryCleanupInterval, cfg.ConversationStaleAfter, logger)
	return &Manager{
		profile:   p,
		store:     s,
		config:    cfg,
		logger:    logger,
		registry:  registry,
		router:    router,
		pool:      NewClientPool(cfg, logger),
		reaper:    reaper,
		knowledge: memory.NewKnowledgeBase(s, reaper, router, logger),
	}
}

// Registry exposes the live agent registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Router exposes the event router.
func (m *Manager) Router() *Router { return m.router }

// Pool exposes the client pool.
func (m *Manager) Pool() *ClientPool { return m.pool }

// Knowledge exposes the shared knowledge base.
func (m *Manager) Knowledge() *memory.KnowledgeBase { return m.knowledge }

// Stopping reports whether StopAll is in progress.
func (m *Manager) Stopping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopping
}

// StartedAt returns when StartAll began, zero before the first start.
func (m *Manager) StartedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startedAt
}

// StartAll starts every agent whose persisted state is not offline,
// optionally filtered to the given names, pausing agent_startup_delay
// between launches. It then runs the health monitor until StopAll.
func (m *Manager) StartAll(ctx context.Context, names []string) error {
	m.mu.Lock()
	m.stopping = false
	m.startedAt = time.Now()
	m.mu.Unlock()

	m.router.Start()
	m.reaper.Start()

	offline := store.AgentStateOffline
	agents, err := m.store.ListAgents(ctx, &store.FindAgent{ExcludeState: &offline})
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	if len(names) > 0 {
		wanted := make(map[string]bool, len(names))
		for _, name := range names {
			wanted[name] = true
		}
		filtered := agents[:0]
		for _, agent := range agents {
			if wanted[agent.Name] {
				filtered = append(filtered, agent)
			}
		}
		agents = filtered
	}
	if max := m.config.MaxAgentsPerProcess; max > 0 && len(agents) > max {
		m.logger.Warn("manager: agent count exceeds per-process cap, skipping the rest",
			"count", len(agents), "max", max)
		agents = agents[:max]
	}

	for i, agent := range agents {
		if i > 0 && m.config.AgentStartupDelay > 0 {
			select {
			case <-time.After(m.config.AgentStartupDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := m.StartAgent(ctx, agent); err != nil {
			m.logger.Error("manager: agent failed to start", "agent", agent.Name, "error", err)
		}
	}

	m.startMonitor()
	m.logger.Info("manager: started", "agents", m.registry.Count())
	return nil
}

// StartAgent brings one agent online: connecting state, client from the
// pool, bot instance, routes, authentication, sync-token restore, and
// the listen goroutine. Starting a registered agent is a no-op.
func (m *Manager) StartAgent(ctx context.Context, agent *store.Agent) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.registry.IsRegistered(agent.ID) {
		return nil
	}
	if err := ValidateBotClass(agent.BotClass); err != nil {
		return err
	}

	machine := NewMachine(m.store, agent)
	if err := m.ensureConnecting(ctx, machine); err != nil {
		return fmt.Errorf("agent %s: %w", agent.Name, err)
	}

	logger := m.logger.With("agent", agent.Name)
	homeserver := agent.Homeserver
	if !strings.Contains(homeserver, "://") {
		resolved, err := matrix.ResolveServerName(ctx, homeserver, matrix.TargetClient)
		if err != nil {
			m.failAgent(ctx, machine, agent, err)
			return fmt.Errorf("agent %s: resolve homeserver: %w", agent.Name, err)
		}
		logger.Info("manager: homeserver resolved", "name", homeserver, "base_url", resolved)
		homeserver = resolved
	}
	client, err := m.pool.Acquire(ctx, agent.ID, matrix.ClientConfig{
		Homeserver:  homeserver,
		AccessToken: agent.AccessToken,
		UserID:      agent.Username,
		CacheMode:   matrix.CacheAll,
		Cache:       m.store.Cache(),
		Logger:      logger,
	})
	if err != nil {
		m.failAgent(ctx, machine, agent, err)
		return fmt.Errorf("agent %s: create client: %w", agent.Name, err)
	}

	settings, err := ParseSettings(nil, agent.Settings)
	if err != nil {
		m.pool.Release(agent.ID)
		m.failAgent(ctx, machine, agent, err)
		return fmt.Errorf("agent %s: %w", agent.Name, err)
	}

	bot, err := NewBotFromClass(agent.BotClass, BotDeps{
		Agent:         agent,
		Client:        client,
		Machine:       machine,
		Store:         m.store,
		Memory:        memory.NewAgentMemory(m.store, agent.ID, m.reaper),
		Conversations: memory.NewConversation(m.store, agent.ID, m.config.ConversationHistoryLimit),
		Knowledge:     m.knowledge.ForAgent(agent.ID),
		Config:        m.config,
		Logger:        logger,
	})
	if err != nil {
		m.pool.Release(agent.ID)
		m.failAgent(ctx, machine, agent, err)
		return fmt.Errorf("agent %s: build bot: %w", agent.Name, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	entry := &Entry{
		Agent:     agent,
		Bot:       bot,
		Machine:   machine,
		Cancel:    cancel,
		Done:      make(chan struct{}),
		StartedAt: time.Now(),
	}
	if err := m.registry.Register(entry); err != nil {
		cancel()
		m.pool.Release(agent.ID)
		return err
	}

	if _, err := m.router.AddRoute(&Route{
		AgentID:   agent.ID,
		AgentName: agent.Name,
		EventType: matrix.EventTypeMessage,
		Priority:  settings.Int("route_priority", 0),
		Handler:   bot.HandleEvent,
	}); err != nil {
		m.teardownAgent(entry)
		m.failAgent(ctx, machine, agent, err)
		return fmt.Errorf("agent %s: %w", agent.Name, err)
	}

	if err := m.authenticate(ctx, agent, client); err != nil {
		m.teardownAgent(entry)
		m.failAgent(ctx, machine, agent, err)
		return fmt.Errorf("agent %s: authenticate: %w", agent.Name, err)
	}

	if agent.LastSyncToken != "" {
		client.SetSyncToken(agent.LastSyncToken)
	}
	client.Handlers.OnSyncToken = func(token string) {
		m.persistSyncToken(agent, token)
	}
	client.EventSink = m.router.Dispatch

	if err := machine.Fire(ctx, EventConnectionEstablished); err != nil {
		m.teardownAgent(entry)
		m.failAgent(ctx, machine, agent, err)
		return fmt.Errorf("agent %s: %w", agent.Name, err)
	}

	go m.runAgent(runCtx, entry)
	logger.Info("manager: agent started", "homeserver", agent.Homeserver, "class", agent.BotClass)
	return nil
}

// ensureConnecting drives the row into connecting regardless of how the
// previous process left it. Stale online or connecting states come from
// unclean shutdowns.
func (m *Manager) ensureConnecting(ctx context.Context, machine *Machine) error {
	if machine.State() == store.AgentStateConnecting {
		return nil
	}
	if !machine.Can(EventConnect) {
		if err := machine.Fire(ctx, EventDisconnect); err != nil {
			return err
		}
	}
	return machine.Fire(ctx, EventConnect)
}

// authenticate uses the stored access token when present, otherwise logs
// in with the decrypted password.
func (m *Manager) authenticate(ctx context.Context, agent *store.Agent, client *matrix.Client) error {
	if agent.AccessToken != "" {
		// Whoami validates the token and records the canonical user ID.
		_, err := client.Whoami(ctx)
		return err
	}
	if agent.EncryptedPassword == "" {
		return fmt.Errorf("agent has neither access token nor password")
	}
	password, err := store.DecryptPassword(agent.EncryptedPassword, m.profile.SecretKey)
	if err != nil {
		return err
	}
	_, err = client.Login(ctx, agent.Username, password, deviceDisplayName)
	return err
}

// runAgent is the agent's scheduling unit: it runs the sync loop and
// unwinds on exit. A deliberate stop unregisters and fires disconnect
// when allowed; an unexpected exit leaves the entry registered so the
// monitor detects the dead task and restarts it.
func (m *Manager) runAgent(ctx context.Context, entry *Entry) {
	defer close(entry.Done)
	agent := entry.Agent
	client := entry.Bot.Client()

	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("sync loop panicked: %v", rec)
				m.logger.Error("manager: agent panic",
					"agent", agent.Name, "panic", rec, "stack", string(debug.Stack()))
			}
		}()
		return client.Listen(ctx)
	}()

	m.persistSyncToken(agent, client.SyncToken())

	if ctx.Err() != nil {
		m.router.RemoveAgentRoutes(agent.ID)
		m.registry.Unregister(agent.ID)
		m.pool.Release(agent.ID)
		if _, ferr := entry.Machine.FireIfAble(context.Background(), EventDisconnect); ferr != nil {
			m.logger.Warn("manager: disconnect transition failed", "agent", agent.Name, "error", ferr)
		}
		m.logger.Info("manager: agent stopped", "agent", agent.Name)
		return
	}

	m.logger.Error("manager: agent sync loop exited", "agent", agent.Name, "error", err)
}

// StopAgent cancels the agent's sync loop and waits up to the shutdown
// grace period.
func (m *Manager) StopAgent(ctx context.Context, agentID string) error {
	entry, ok := m.registry.Get(agentID)
	if !ok {
		return fmt.Errorf("agent %s not running", agentID)
	}
	entry.Cancel()
	select {
	case <-entry.Done:
		return nil
	case <-time.After(m.config.ShutdownTimeout):
		return fmt.Errorf("agent %s did not stop within %s", entry.Agent.Name, m.config.ShutdownTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PauseAgent moves a running agent to paused and stops its sync loop.
func (m *Manager) PauseAgent(ctx context.Context, agentID string) error {
	entry, ok := m.registry.Get(agentID)
	if !ok {
		return fmt.Errorf("agent %s not running", agentID)
	}
	if err := entry.Machine.Fire(ctx, EventPause); err != nil {
		return fmt.Errorf("pause agent %s: %w", entry.Agent.Name, err)
	}
	return m.StopAgent(ctx, agentID)
}

// ResumeAgent brings a paused agent back through connecting.
func (m *Manager) ResumeAgent(ctx context.Context, agentID string) error {
	agent, err := m.store.GetAgent(ctx, &store.FindAgent{ID: &agentID})
	if err != nil {
		return err
	}
	if agent == nil {
		return fmt.Errorf("agent %s not found", agentID)
	}
	machine := NewMachine(m.store, agent)
	if err := machine.Fire(ctx, EventResume); err != nil {
		return fmt.Errorf("resume agent %s: %w", agent.Name, err)
	}
	agent.State = machine.State()
	return m.StartAgent(ctx, agent)
}

// RestartAgent stops the agent when running and starts it from the
// current row.
func (m *Manager) RestartAgent(ctx context.Context, agentID string) error {
	if m.registry.IsRegistered(agentID) {
		if err := m.StopAgent(ctx, agentID); err != nil {
			return err
		}
	}
	agent, err := m.store.GetAgent(ctx, &store.FindAgent{ID: &agentID})
	if err != nil {
		return err
	}
	if agent == nil {
		return fmt.Errorf("agent %s not found", agentID)
	}
	return m.StartAgent(ctx, agent)
}

func (m *Manager) startMonitor() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.monitorStop != nil {
		return
	}
	m.monitorStop = make(chan struct{})
	m.monitorDone = make(chan struct{})
	go m.monitor(m.monitorStop, m.monitorDone)
}

// monitor is the supervision tick: restart dead agents, warn about
// inactive ones, and give the reaper a chance to sweep.
func (m *Manager) monitor(stopc, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.config.AgentHealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.checkAgents(context.Background())
			m.reaper.MaybeSweep(context.Background())
		case <-stopc:
			return
		}
	}
}

func (m *Manager) checkAgents(ctx context.Context) {
	now := time.Now().Unix()
	for _, entry := range m.registry.List() {
		agent := entry.Agent
		if entry.Dead() {
			m.logger.Warn("manager: agent task dead, restarting", "agent", agent.Name)
			m.router.RemoveAgentRoutes(agent.ID)
			m.registry.Unregister(agent.ID)
			m.pool.Release(agent.ID)
			if err := entry.Machine.Fire(ctx, EventEncounterError); err != nil {
				m.logger.Error("manager: error transition failed", "agent", agent.Name, "error", err)
			}
			metrics.AgentRestartsTotal.WithLabelValues(agent.Name).Inc()

			row, err := m.store.GetAgent(ctx, &store.FindAgent{ID: &agent.ID})
			if err != nil || row == nil {
				m.logger.Error("manager: reload agent for restart failed", "agent", agent.Name, "error", err)
				continue
			}
			if err := m.StartAgent(ctx, row); err != nil {
				m.logger.Error("manager: agent restart failed", "agent", agent.Name, "error", err)
			}
			continue
		}

		row, err := m.store.GetAgent(ctx, &store.FindAgent{ID: &agent.ID})
		if err != nil || row == nil {
			continue
		}
		if row.State.IsOnline() && row.LastActiveAt > 0 &&
			now-row.LastActiveAt > int64(inactiveWarnAfter/time.Second) {
			m.logger.Warn("manager: agent inactive",
				"agent", agent.Name, "last_active", time.Unix(row.LastActiveAt, 0))
		}
	}
}

// StopAll cancels every agent, waits up to the shutdown grace period,
// force-abandons residuals, and halts the monitor, router, reaper, and
// pool.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	m.stopping = true
	monitorStop, monitorDone := m.monitorStop, m.monitorDone
	m.monitorStop, m.monitorDone = nil, nil
	m.mu.Unlock()

	if monitorStop != nil {
		close(monitorStop)
		<-monitorDone
	}

	entries := m.registry.List()
	for _, entry := range entries {
		entry.Cancel()
	}

	grace := time.NewTimer(m.config.ShutdownTimeout)
	defer grace.Stop()
	expired := false
	for _, entry := range entries {
		if expired {
			if !entry.Dead() {
				m.logger.Warn("manager: abandoning agent still running", "agent", entry.Agent.Name)
			}
			continue
		}
		select {
		case <-entry.Done:
		case <-grace.C:
			expired = true
			if !entry.Dead() {
				m.logger.Warn("manager: abandoning agent still running", "agent", entry.Agent.Name)
			}
		case <-ctx.Done():
			expired = true
		}
	}

	m.router.Stop()
	m.reaper.Stop()
	m.pool.Close()
	m.logger.Info("manager: stopped")
}

// teardownAgent undoes a partial start.
func (m *Manager) teardownAgent(entry *Entry) {
	entry.Cancel()
	m.router.RemoveAgentRoutes(entry.Agent.ID)
	m.registry.Unregister(entry.Agent.ID)
	m.pool.Release(entry.Agent.ID)
}

// failAgent records a start failure on the row.
func (m *Manager) failAgent(ctx context.Context, machine *Machine, agent *store.Agent, cause error) {
	if _, err := machine.FireIfAble(ctx, EventEncounterError); err != nil {
		m.logger.Error("manager: error transition failed",
			"agent", agent.Name, "cause", cause, "error", err)
	}
}

// persistSyncToken writes the agent's sync position back to the row so a
// restart resumes where it left off.
func (m *Manager) persistSyncToken(agent *store.Agent, token string) {
	if token == "" {
		return
	}
	_, err := m.store.UpdateAgent(context.Background(), &store.UpdateAgent{
		ID:            agent.ID,
		LastSyncToken: &token,
	})
	if err != nil {
		m.logger.Warn("manager: persist sync token failed", "agent", agent.Name, "error", err)
	}
}
