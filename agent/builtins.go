package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hrygo/activematrix/internal/version"
	"github.com/hrygo/activematrix/matrix"
	"github.com/hrygo/activematrix/store"
)

// registerBuiltins installs the commands every bot class carries.
func (b *BaseBot) registerBuiltins() {
	b.RegisterCommand(CommandSpec{
		Name:      "help",
		ArgsUsage: "[command]",
		Help:      "list available commands, or show help for one",
		Handler:   b.cmdHelp,
	})
	b.RegisterCommand(CommandSpec{
		Name:    "ping",
		Help:    "check that the bot is alive",
		Handler: b.cmdPing,
	})
	b.RegisterCommand(CommandSpec{
		Name:    "version",
		Help:    "show the runtime version",
		Handler: b.cmdVersion,
	})
	b.RegisterCommand(CommandSpec{
		Name:    "status",
		Help:    "show agent state, uptime, and message count",
		Handler: b.cmdStatus,
	})
	b.RegisterCommand(CommandSpec{
		Name:    "time",
		Help:    "show the server time",
		Handler: b.cmdTime,
	})
	b.RegisterCommand(CommandSpec{
		Name:      "echo",
		ArgsUsage: "<text...>",
		Help:      "repeat the given text",
		Handler:   b.cmdEcho,
	})
	b.RegisterCommand(CommandSpec{
		Name:       "rooms",
		Help:       "list joined rooms",
		Visibility: VisibilityAdmin,
		Handler:    b.cmdRooms,
	})
}

func (b *BaseBot) cmdHelp(ctx context.Context, cmd *Command, ev *matrix.Event) error {
	if len(cmd.Args) > 0 {
		name := strings.ToLower(cmd.Args[0])
		spec, ok := b.Command(name)
		if !ok {
			return b.ReplyNotice(ctx, ev.RoomID, "unknown command: "+name)
		}
		text := spec.LongHelp
		if text == "" {
			text = spec.Help
		}
		usage := b.prefixes[0] + spec.Name
		if spec.ArgsUsage != "" {
			usage += " " + spec.ArgsUsage
		}
		return b.ReplyNotice(ctx, ev.RoomID, usage+"\n"+text)
	}

	room := b.client.Room(ev.RoomID)
	var lines []string
	for _, spec := range b.Commands() {
		if !spec.Visibility(ctx, room, b.client, ev) {
			continue
		}
		usage := b.prefixes[0] + spec.Name
		if spec.ArgsUsage != "" {
			usage += " " + spec.ArgsUsage
		}
		lines = append(lines, fmt.Sprintf("%s - %s", usage, spec.Help))
	}
	sort.Strings(lines)
	return b.ReplyNotice(ctx, ev.RoomID, strings.Join(lines, "\n"))
}

func (b *BaseBot) cmdPing(ctx context.Context, _ *Command, ev *matrix.Event) error {
	return b.ReplyNotice(ctx, ev.RoomID, "pong")
}

func (b *BaseBot) cmdVersion(ctx context.Context, _ *Command, ev *matrix.Event) error {
	return b.ReplyNotice(ctx, ev.RoomID, "activematrix "+version.String())
}

func (b *BaseBot) cmdStatus(ctx context.Context, _ *Command, ev *matrix.Event) error {
	// The driver bumps messages_handled, so read the row fresh.
	handled := b.agent.MessagesHandled
	if row, err := b.store.GetAgent(ctx, &store.FindAgent{ID: &b.agent.ID}); err == nil && row != nil {
		handled = row.MessagesHandled
	}
	text := fmt.Sprintf("%s: state=%s uptime=%s messages_handled=%d",
		b.agent.Name, b.machine.State(), b.Uptime().Round(time.Second), handled)
	return b.ReplyNotice(ctx, ev.RoomID, text)
}

func (b *BaseBot) cmdTime(ctx context.Context, _ *Command, ev *matrix.Event) error {
	return b.ReplyNotice(ctx, ev.RoomID, time.Now().Format(time.RFC1123))
}

func (b *BaseBot) cmdEcho(ctx context.Context, cmd *Command, ev *matrix.Event) error {
	return b.Reply(ctx, ev.RoomID, cmd.ArgString())
}

func (b *BaseBot) cmdRooms(ctx context.Context, _ *Command, ev *matrix.Event) error {
	rooms := b.client.Rooms()
	if len(rooms) == 0 {
		return b.ReplyNotice(ctx, ev.RoomID, "no joined rooms")
	}
	lines := make([]string, 0, len(rooms))
	for _, room := range rooms {
		lines = append(lines, fmt.Sprintf("%s (%s)", room.DisplayName(), room.ID))
	}
	sort.Strings(lines)
	return b.ReplyNotice(ctx, ev.RoomID, strings.Join(lines, "\n"))
}
