// Package bots provides the built-in bot classes. Importing the package
// registers each class with the agent class registry.
package bots

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hrygo/activematrix/agent"
	"github.com/hrygo/activematrix/matrix"
)

// ClassEcho is the registry identifier for EchoBot.
const ClassEcho = "EchoBot"

func init() {
	agent.RegisterBotClass(ClassEcho, NewEchoBot)
}

// EchoBot is the reference bot class: the built-in command set plus a
// small per-agent key/value memory surface and a local cache of
// knowledge broadcasts.
type EchoBot struct {
	*agent.BaseBot
}

// NewEchoBot builds an EchoBot from the shared deps.
func NewEchoBot(deps agent.BotDeps) (agent.Bot, error) {
	base, err := agent.NewBaseBot(deps, nil)
	if err != nil {
		return nil, err
	}
	bot := &EchoBot{BaseBot: base}

	bot.RegisterCommand(agent.CommandSpec{
		Name:      "remember",
		ArgsUsage: "<key> <value...>",
		Help:      "store a value in agent memory",
		LongHelp:  "Stores a value under the given key. Pass --ttl=<duration> to let it expire, for example --ttl=1h.",
		Handler:   bot.cmdRemember,
	})
	bot.RegisterCommand(agent.CommandSpec{
		Name:      "recall",
		ArgsUsage: "<key>",
		Help:      "read a value from agent memory",
		Handler:   bot.cmdRecall,
	})
	bot.RegisterCommand(agent.CommandSpec{
		Name:      "forget",
		ArgsUsage: "<key>",
		Help:      "delete a value from agent memory",
		Handler:   bot.cmdForget,
	})
	bot.RegisterCommand(agent.CommandSpec{
		Name:    "history",
		Help:    "show the recent messages of this conversation",
		Handler: bot.cmdHistory,
	})
	return bot, nil
}

func (b *EchoBot) cmdRemember(ctx context.Context, cmd *agent.Command, ev *matrix.Event) error {
	if len(cmd.Args) < 2 {
		return b.ReplyNotice(ctx, ev.RoomID, "usage: remember <key> <value...>")
	}
	var ttl time.Duration
	if raw, ok := cmd.Flags["ttl"]; ok {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return b.ReplyNotice(ctx, ev.RoomID, fmt.Sprintf("invalid --ttl %q", raw))
		}
		ttl = parsed
	}
	key := cmd.Args[0]
	value := strings.Join(cmd.Args[1:], " ")
	if err := b.Memory().Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return b.ReplyNotice(ctx, ev.RoomID, "remembered "+key)
}

func (b *EchoBot) cmdRecall(ctx context.Context, cmd *agent.Command, ev *matrix.Event) error {
	if len(cmd.Args) != 1 {
		return b.ReplyNotice(ctx, ev.RoomID, "usage: recall <key>")
	}
	value, found, err := b.Memory().Get(ctx, cmd.Args[0])
	if err != nil {
		return err
	}
	if !found {
		return b.ReplyNotice(ctx, ev.RoomID, "nothing stored under "+cmd.Args[0])
	}
	return b.ReplyNotice(ctx, ev.RoomID, fmt.Sprintf("%s = %v", cmd.Args[0], value))
}

func (b *EchoBot) cmdForget(ctx context.Context, cmd *agent.Command, ev *matrix.Event) error {
	if len(cmd.Args) != 1 {
		return b.ReplyNotice(ctx, ev.RoomID, "usage: forget <key>")
	}
	if err := b.Memory().Delete(ctx, cmd.Args[0]); err != nil {
		return err
	}
	return b.ReplyNotice(ctx, ev.RoomID, "forgot "+cmd.Args[0])
}

func (b *EchoBot) cmdHistory(ctx context.Context, _ *agent.Command, ev *matrix.Event) error {
	messages, err := b.Conversations().RecentMessages(ctx, ev.Sender, ev.RoomID)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return b.ReplyNotice(ctx, ev.RoomID, "no recent messages")
	}
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		lines = append(lines, fmt.Sprintf("%s: %s", msg.Sender, msg.Content))
	}
	return b.ReplyNotice(ctx, ev.RoomID, strings.Join(lines, "\n"))
}

// HandleBroadcast caches knowledge broadcasts in agent memory under a
// broadcast/ key so recall can read the latest value until it expires.
func (b *EchoBot) HandleBroadcast(ctx context.Context, ev *matrix.Event) error {
	if ev.Type != matrix.EventTypeKnowledgeBroadcast {
		return b.BaseBot.HandleBroadcast(ctx, ev)
	}
	key, _ := ev.Content["key"].(string)
	if key == "" {
		return nil
	}
	ttl := untilUnix(ev.Content["expires_at"])
	if ttl <= 0 {
		return nil
	}
	if err := b.Memory().Set(ctx, "broadcast/"+key, ev.Content["value"], ttl); err != nil {
		return err
	}
	b.Logger().Debug("bot: cached knowledge broadcast", "key", key, "ttl", ttl)
	return nil
}

// untilUnix converts an expires_at value to a remaining duration. The
// value is int64 in process and float64 after a JSON round trip.
func untilUnix(value any) time.Duration {
	var at int64
	switch v := value.(type) {
	case int64:
		at = v
	case float64:
		at = int64(v)
	default:
		return 0
	}
	return time.Until(time.Unix(at, 0))
}
