package store

import "context"

// AgentState is the lifecycle state persisted on an agent record. State
// transitions are validated by the agent package before they reach the
// store.
type AgentState string

const (
	AgentStateOffline    AgentState = "offline"
	AgentStateConnecting AgentState = "connecting"
	AgentStateOnlineIdle AgentState = "online_idle"
	AgentStateOnlineBusy AgentState = "online_busy"
	AgentStatePaused     AgentState = "paused"
	AgentStateError      AgentState = "error"
)

func (s AgentState) String() string { return string(s) }

func (s AgentState) IsValid() bool {
	switch s {
	case AgentStateOffline, AgentStateConnecting, AgentStateOnlineIdle,
		AgentStateOnlineBusy, AgentStatePaused, AgentStateError:
		return true
	}
	return false
}

// IsOnline reports whether the state means a live sync loop.
func (s AgentState) IsOnline() bool {
	return s == AgentStateOnlineIdle || s == AgentStateOnlineBusy
}

// AgentStates lists every valid state, for status summaries.
func AgentStates() []AgentState {
	return []AgentState{
		AgentStateOffline, AgentStateConnecting, AgentStateOnlineIdle,
		AgentStateOnlineBusy, AgentStatePaused, AgentStateError,
	}
}

// Agent is the operator-declared bot record. The manager holds a live
// mirror while the agent runs; the row stays authoritative.
type Agent struct {
	ID                string
	Name              string
	Homeserver        string
	Username          string
	BotClass          string
	State             AgentState
	AccessToken       string
	EncryptedPassword string
	// Settings is a free-form JSON object of per-agent options.
	Settings        string
	LastSyncToken   string
	LastActiveAt    int64
	MessagesHandled int64
	CreatedTs       int64
	UpdatedTs       int64
}

type FindAgent struct {
	ID   *string
	Name *string
	// State filters to one state; ExcludeState drops one. The manager
	// loads startable agents with ExcludeState=offline.
	State        *AgentState
	ExcludeState *AgentState
	BotClass     *string
}

type UpdateAgent struct {
	ID                string
	Name              *string
	Homeserver        *string
	Username          *string
	BotClass          *string
	State             *AgentState
	AccessToken       *string
	EncryptedPassword *string
	Settings          *string
	LastSyncToken     *string
	LastActiveAt      *int64
	MessagesHandled   *int64
	UpdatedTs         *int64
}

type DeleteAgent struct {
	ID string
}

func (s *Store) CreateAgent(ctx context.Context, create *Agent) (*Agent, error) {
	s.prepareAgent(create)
	return s.driver.CreateAgent(ctx, create)
}

func (s *Store) GetAgent(ctx context.Context, find *FindAgent) (*Agent, error) {
	list, err := s.driver.ListAgents(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) ListAgents(ctx context.Context, find *FindAgent) ([]*Agent, error) {
	return s.driver.ListAgents(ctx, find)
}

func (s *Store) UpdateAgent(ctx context.Context, update *UpdateAgent) (*Agent, error) {
	if update.UpdatedTs == nil {
		now := s.now()
		update.UpdatedTs = &now
	}
	return s.driver.UpdateAgent(ctx, update)
}

func (s *Store) DeleteAgent(ctx context.Context, delete *DeleteAgent) error {
	return s.driver.DeleteAgent(ctx, delete)
}
