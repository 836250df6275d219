// Package agent hosts the bot runtime: command parsing, the event
// router, the lifecycle state machine, the registry, the client pool,
// and the manager that supervises agent sync loops inside one worker
// process.
package agent

import (
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries the runtime tunables of the agent runtime. Infra
// settings (data dir, driver, probe address) live in profile.Profile;
// everything here can be overridden through ACTIVEMATRIX_* environment
// variables once the CLI has called viper.AutomaticEnv.
type Config struct {
	// AgentStartupDelay is the pause between consecutive agent launches
	// in StartAll, so a fleet does not stampede one homeserver.
	AgentStartupDelay time.Duration
	// MaxAgentsPerProcess caps how many agents one worker hosts.
	MaxAgentsPerProcess int
	// AgentHealthCheckInterval is the manager monitor tick.
	AgentHealthCheckInterval time.Duration
	// ConversationHistoryLimit bounds the per-session message history.
	ConversationHistoryLimit int
	// ConversationStaleAfter is how long an untouched chat session
	// survives before the reaper removes it.
	ConversationStaleAfter time.Duration
	// MemoryCleanupInterval is how often expired memory rows are swept.
	MemoryCleanupInterval time.Duration
	// EventQueueSize bounds the router queue; overflow drops events.
	EventQueueSize int
	// EventProcessingTimeout bounds one route handler invocation.
	EventProcessingTimeout time.Duration
	// MaxClientsPerHomeserver limits concurrent client creation per
	// homeserver.
	MaxClientsPerHomeserver int
	// ClientIdleTimeout is the pool janitor tick for dropping idle
	// HTTP connections.
	ClientIdleTimeout time.Duration
	// AgentLogLevel is the slog level for agent runtime logging.
	AgentLogLevel string
	// LogAgentEvents logs every routed event at debug level when set.
	LogAgentEvents bool
	// ShutdownTimeout is the grace period StopAll gives running agents.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		AgentStartupDelay:        2 * time.Second,
		MaxAgentsPerProcess:      10,
		AgentHealthCheckInterval: 30 * time.Second,
		ConversationHistoryLimit: 20,
		ConversationStaleAfter:   24 * time.Hour,
		MemoryCleanupInterval:    time.Hour,
		EventQueueSize:           1000,
		EventProcessingTimeout:   30 * time.Second,
		MaxClientsPerHomeserver:  5,
		ClientIdleTimeout:        5 * time.Minute,
		AgentLogLevel:            "info",
		LogAgentEvents:           false,
		ShutdownTimeout:          30 * time.Second,
	}
}

// NewConfigFromViper reads every tunable from viper, falling back to the
// defaults. Keys use underscores, so ACTIVEMATRIX_EVENT_QUEUE_SIZE
// overrides event_queue_size.
func NewConfigFromViper() *Config {
	def := DefaultConfig()
	viper.SetDefault("agent_startup_delay", def.AgentStartupDelay)
	viper.SetDefault("max_agents_per_process", def.MaxAgentsPerProcess)
	viper.SetDefault("agent_health_check_interval", def.AgentHealthCheckInterval)
	viper.SetDefault("conversation_history_limit", def.ConversationHistoryLimit)
	viper.SetDefault("conversation_stale_after", def.ConversationStaleAfter)
	viper.SetDefault("memory_cleanup_interval", def.MemoryCleanupInterval)
	viper.SetDefault("event_queue_size", def.EventQueueSize)
	viper.SetDefault("event_processing_timeout", def.EventProcessingTimeout)
	viper.SetDefault("max_clients_per_homeserver", def.MaxClientsPerHomeserver)
	viper.SetDefault("client_idle_timeout", def.ClientIdleTimeout)
	viper.SetDefault("agent_log_level", def.AgentLogLevel)
	viper.SetDefault("log_agent_events", def.LogAgentEvents)
	viper.SetDefault("shutdown_timeout", def.ShutdownTimeout)

	return &Config{
		AgentStartupDelay:        viper.GetDuration("agent_startup_delay"),
		MaxAgentsPerProcess:      viper.GetInt("max_agents_per_process"),
		AgentHealthCheckInterval: viper.GetDuration("agent_health_check_interval"),
		ConversationHistoryLimit: viper.GetInt("conversation_history_limit"),
		ConversationStaleAfter:   viper.GetDuration("conversation_stale_after"),
		MemoryCleanupInterval:    viper.GetDuration("memory_cleanup_interval"),
		EventQueueSize:           viper.GetInt("event_queue_size"),
		EventProcessingTimeout:   viper.GetDuration("event_processing_timeout"),
		MaxClientsPerHomeserver:  viper.GetInt("max_clients_per_homeserver"),
		ClientIdleTimeout:        viper.GetDuration("client_idle_timeout"),
		AgentLogLevel:            viper.GetString("agent_log_level"),
		LogAgentEvents:           viper.GetBool("log_agent_events"),
		ShutdownTimeout:          viper.GetDuration("shutdown_timeout"),
	}
}

// Level translates AgentLogLevel into a slog level. Unknown values mean
// info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.AgentLogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
