package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/hrygo/activematrix/internal/metrics"
	"github.com/hrygo/activematrix/matrix"
	"github.com/hrygo/activematrix/memory"
	"github.com/hrygo/activematrix/store"
)

// Bot is a live bot instance bound to one agent and one client.
type Bot interface {
	// Agent returns the store row mirror the bot was built from.
	Agent() *store.Agent
	// Client returns the Matrix client the agent owns.
	Client() *matrix.Client
	// HandleEvent processes one routed timeline event.
	HandleEvent(ctx context.Context, ev *matrix.Event) error
	// HandleBroadcast processes a runtime broadcast, knowledge pushes
	// included.
	HandleBroadcast(ctx context.Context, ev *matrix.Event) error
}

// BotDeps carries everything a bot class constructor receives.
type BotDeps struct {
	Agent         *store.Agent
	Client        *matrix.Client
	Machine       *Machine
	Store         *store.Store
	Memory        *memory.AgentMemory
	Conversations *memory.Conversation
	Knowledge     *memory.AgentKnowledge
	Config        *Config
	Logger        *slog.Logger
}

// BotFactory constructs a bot class instance.
type BotFactory func(deps BotDeps) (Bot, error)

var (
	botClassMu sync.RWMutex
	botClasses = make(map[string]BotFactory)
)

// RegisterBotClass binds a class identifier to its constructor. Classes
// register from init functions; duplicate names panic.
func RegisterBotClass(name string, factory BotFactory) {
	botClassMu.Lock()
	defer botClassMu.Unlock()
	if _, ok := botClasses[name]; ok {
		panic("agent: bot class " + name + " registered twice")
	}
	botClasses[name] = factory
}

// NewBotFromClass instantiates the named bot class.
func NewBotFromClass(name string, deps BotDeps) (Bot, error) {
	botClassMu.RLock()
	factory, ok := botClasses[name]
	botClassMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown bot class %q", name)
	}
	return factory(deps)
}

// ValidateBotClass errors when the class identifier is not registered.
// Anything persisting agent records should call it before save.
func ValidateBotClass(name string) error {
	botClassMu.RLock()
	defer botClassMu.RUnlock()
	if _, ok := botClasses[name]; !ok {
		return fmt.Errorf("unknown bot class %q", name)
	}
	return nil
}

// BotClasses returns the sorted registered class identifiers.
func BotClasses() []string {
	botClassMu.RLock()
	defer botClassMu.RUnlock()
	names := make([]string, 0, len(botClasses))
	for name := range botClasses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Visibility decides whether a command is available for the event's room
// and sender. The room may be nil when the client has not synced it yet.
type Visibility func(ctx context.Context, room *matrix.Room, client *matrix.Client, ev *matrix.Event) bool

// VisibilityAny allows the command everywhere.
func VisibilityAny(context.Context, *matrix.Room, *matrix.Client, *matrix.Event) bool {
	return true
}

// VisibilityDM allows the command only in rooms with exactly two joined
// members.
func VisibilityDM(ctx context.Context, room *matrix.Room, client *matrix.Client, ev *matrix.Event) bool {
	if room == nil {
		return false
	}
	members, err := client.JoinedMembers(ctx, room.ID)
	if err != nil {
		return false
	}
	return len(members) == 2
}

// VisibilityAdmin allows the command for senders at admin power level.
func VisibilityAdmin(_ context.Context, room *matrix.Room, _ *matrix.Client, ev *matrix.Event) bool {
	return room != nil && room.IsAdmin(ev.Sender)
}

// CommandHandler processes one parsed command.
type CommandHandler func(ctx context.Context, cmd *Command, ev *matrix.Event) error

// CommandSpec registers one command on a bot.
type CommandSpec struct {
	Name string
	// ArgsUsage documents positional args, shown by help.
	ArgsUsage string
	// Help is the one-line summary.
	Help string
	// LongHelp backs help <cmd>; empty falls back to Help.
	LongHelp string
	// Visibility gates the command; nil means any.
	Visibility Visibility
	Handler    CommandHandler
}

// BaseBot implements the command dispatch contract. Bot classes embed it
// and register their commands on top of the built-ins.
type BaseBot struct {
	agent         *store.Agent
	client        *matrix.Client
	machine       *Machine
	store         *store.Store
	memory        *memory.AgentMemory
	conversations *memory.Conversation
	knowledge     *memory.AgentKnowledge
	config        *Config
	logger        *slog.Logger
	settings      Settings

	prefixes     []string
	ignoreOwn    bool
	replyOnError bool
	startedAt    time.Time

	mu       sync.RWMutex
	commands map[string]CommandSpec
}

// NewBaseBot builds the dispatch base. classDefaults seed the settings
// the agent row's JSON overrides.
func NewBaseBot(deps BotDeps, classDefaults map[string]any) (*BaseBot, error) {
	settings, err := ParseSettings(classDefaults, deps.Agent.Settings)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &BaseBot{
		agent:         deps.Agent,
		client:        deps.Client,
		machine:       deps.Machine,
		store:         deps.Store,
		memory:        deps.Memory,
		conversations: deps.Conversations,
		knowledge:     deps.Knowledge,
		config:        deps.Config,
		logger:        logger,
		settings:      settings,
		prefixes:      settings.Strings("prefixes"),
		ignoreOwn:     settings.Bool("ignore_own", true),
		replyOnError:  settings.Bool("reply_on_error", true),
		startedAt:     time.Now(),
		commands:      make(map[string]CommandSpec),
	}
	if len(b.prefixes) == 0 {
		b.prefixes = DefaultPrefixes
	}
	b.registerBuiltins()
	return b, nil
}

func (b *BaseBot) Agent() *store.Agent                { return b.agent }
func (b *BaseBot) Client() *matrix.Client             { return b.client }
func (b *BaseBot) Machine() *Machine                  { return b.machine }
func (b *BaseBot) Store() *store.Store                { return b.store }
func (b *BaseBot) Memory() *memory.AgentMemory        { return b.memory }
func (b *BaseBot) Conversations() *memory.Conversation { return b.conversations }
func (b *BaseBot) Knowledge() *memory.AgentKnowledge  { return b.knowledge }
func (b *BaseBot) Logger() *slog.Logger               { return b.logger }
func (b *BaseBot) Settings() Settings                 { return b.settings }

// RegisterCommand binds a command. Re-registering a name replaces it, so
// classes can override built-ins.
func (b *BaseBot) RegisterCommand(spec CommandSpec) {
	if spec.Visibility == nil {
		spec.Visibility = VisibilityAny
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands[spec.Name] = spec
}

// Commands returns the registered commands sorted by name.
func (b *BaseBot) Commands() []CommandSpec {
	b.mu.RLock()
	defer b.mu.RUnlock()
	specs := make([]CommandSpec, 0, len(b.commands))
	for _, spec := range b.commands {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Command returns the spec for name.
func (b *BaseBot) Command(name string) (CommandSpec, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	spec, ok := b.commands[name]
	return spec, ok
}

// HandleEvent runs the dispatch contract on one timeline event: prefix
// match, own-message filter, visibility, then the handler between
// start_processing and finish_processing. Command failures are handled
// here and do not propagate to the router.
func (b *BaseBot) HandleEvent(ctx context.Context, ev *matrix.Event) error {
	if ev.Type != matrix.EventTypeMessage {
		return nil
	}
	if b.ignoreOwn && ev.Sender == b.client.UserID() {
		return nil
	}
	cmd, ok := ParseCommand(ev.MessageBody(), b.prefixes)
	if !ok {
		return nil
	}
	spec, ok := b.Command(cmd.Name)
	if !ok {
		b.logger.Debug("bot: unknown command", "agent", b.agent.Name, "command", cmd.Name)
		return nil
	}

	room := b.client.Room(ev.RoomID)
	if !spec.Visibility(ctx, room, b.client, ev) {
		b.logger.Debug("bot: command not visible here",
			"agent", b.agent.Name, "command", cmd.Name, "room_id", ev.RoomID)
		return nil
	}

	metrics.CommandsTotal.WithLabelValues(cmd.Name).Inc()
	b.recordMessage(ctx, ev)

	if _, err := b.machine.FireIfAble(ctx, EventStartProcessing); err != nil {
		b.logger.Warn("bot: state update failed", "agent", b.agent.Name, "error", err)
	}
	defer func() {
		if _, err := b.machine.FireIfAble(ctx, EventFinishProcessing); err != nil {
			b.logger.Warn("bot: state update failed", "agent", b.agent.Name, "error", err)
		}
	}()

	if err := b.runHandler(ctx, spec, cmd, ev); err != nil {
		b.logger.Error("bot: command failed",
			"agent", b.agent.Name, "command", cmd.Name, "error", err)
		if b.replyOnError {
			if _, rerr := b.client.SendNotice(ctx, ev.RoomID, "command failed: "+err.Error()); rerr != nil {
				b.logger.Warn("bot: error reply failed", "agent", b.agent.Name, "error", rerr)
			}
		}
	}
	return nil
}

// runHandler invokes the command handler under a recover boundary.
func (b *BaseBot) runHandler(ctx context.Context, spec CommandSpec, cmd *Command, ev *matrix.Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("command %s panicked: %v", cmd.Name, rec)
			b.logger.Error("bot: command panic",
				"agent", b.agent.Name, "command", cmd.Name, "panic", rec,
				"stack", string(debug.Stack()))
		}
	}()
	return spec.Handler(ctx, cmd, ev)
}

// recordMessage appends the incoming command message to the sender's
// conversation. The driver credits messages_handled in the same
// transaction. Failures are logged, never fatal to dispatch.
func (b *BaseBot) recordMessage(ctx context.Context, ev *matrix.Event) {
	if b.conversations == nil {
		return
	}
	_, err := b.conversations.AddMessage(ctx, ev.Sender, ev.RoomID, store.ChatMessage{
		EventID:   ev.EventID,
		Sender:    ev.Sender,
		Content:   ev.MessageBody(),
		Timestamp: ev.OriginServerTS / 1000,
	})
	if err != nil {
		b.logger.Warn("bot: conversation record failed",
			"agent", b.agent.Name, "room_id", ev.RoomID, "error", err)
	}
}

// HandleBroadcast logs the broadcast. Classes override for reactions.
func (b *BaseBot) HandleBroadcast(_ context.Context, ev *matrix.Event) error {
	b.logger.Debug("bot: broadcast", "agent", b.agent.Name, "type", ev.Type)
	return nil
}

// Reply sends a plain text message to the room.
func (b *BaseBot) Reply(ctx context.Context, roomID, body string) error {
	_, err := b.client.SendText(ctx, roomID, body)
	return err
}

// ReplyNotice sends an m.notice, which other bots ignore.
func (b *BaseBot) ReplyNotice(ctx context.Context, roomID, body string) error {
	_, err := b.client.SendNotice(ctx, roomID, body)
	return err
}

// ReplyMarkdown renders markdown into a formatted message.
func (b *BaseBot) ReplyMarkdown(ctx context.Context, roomID, body string) error {
	_, err := b.client.SendMarkdown(ctx, roomID, body)
	return err
}

// Uptime reports how long the bot instance has been running.
func (b *BaseBot) Uptime() time.Duration {
	return time.Since(b.startedAt)
}
