package chat

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const timeLayout = "2006-01-02 15:04"

// Reply is the outcome of a command. Text, when set, goes to the issuing
// client only; Quit ends the session.
type Reply struct {
	Text string
	Quit bool
}

type command struct {
	usage string
	args  int
	run   func(self *Client, args []string) Reply
}

// Dispatcher executes command lines on behalf of a client.
type Dispatcher struct {
	registry *Registry
	publish  func(line string)
	now      func() time.Time
	tracer   trace.Tracer
	commands map[string]command
}

// NewDispatcher wires a dispatcher to the registry and to the function used to
// announce renames to everyone.
func NewDispatcher(registry *Registry, publish func(line string)) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		publish:  publish,
		now:      time.Now,
		tracer:   noop.NewTracerProvider().Tracer(""),
	}
	d.commands = map[string]command{
		"/help":  {usage: "/help", run: d.help},
		"/time":  {usage: "/time", run: d.currentTime},
		"/users": {usage: "/users", run: d.users},
		"/nick":  {usage: "/nick <nick>", args: 1, run: d.nick},
		"/seen":  {usage: "/seen <nick>", args: 1, run: d.seen},
		"/quit":  {usage: "/quit", run: d.quit},
	}
	return d
}

// IsCommand reports whether the first token of a line names a command.
func IsCommand(token string) bool {
	return len(token) > 0 && token[0] == CommandMarker
}

// Dispatch runs the command in tokens for self. tokens[0] is the command name
// and is matched case-insensitively.
func (d *Dispatcher) Dispatch(ctx context.Context, self *Client, tokens []string) Reply {
	if len(tokens) == 0 {
		return Reply{}
	}

	name := strings.ToLower(tokens[0])
	_, span := d.tracer.Start(ctx, "chat.command", trace.WithAttributes(
		attribute.String("chat.command", name),
		attribute.String("chat.nick", self.Nickname),
	))
	defer span.End()

	cmd, ok := d.commands[name]
	if !ok {
		return Reply{Text: "invalid command"}
	}

	args := tokens[1:]
	switch {
	case len(args) < cmd.args:
		return Reply{Text: "not enough arguments provided"}
	case len(args) > cmd.args:
		return Reply{Text: "too many arguments provided"}
	}
	return cmd.run(self, args)
}

func (d *Dispatcher) help(*Client, []string) Reply {
	usages := make([]string, 0, len(d.commands))
	for _, name := range slices.Sorted(maps.Keys(d.commands)) {
		usages = append(usages, d.commands[name].usage)
	}
	return Reply{Text: "commands: " + strings.Join(usages, ", ")}
}

func (d *Dispatcher) currentTime(*Client, []string) Reply {
	return Reply{Text: "current time is " + d.now().UTC().Format(timeLayout)}
}

func (d *Dispatcher) users(*Client, []string) Reply {
	return Reply{Text: strings.Join(d.registry.Nicknames(), ", ")}
}

func (d *Dispatcher) nick(self *Client, args []string) Reply {
	nick, err := ValidateNick(args[0])
	if err != nil {
		return Reply{Text: err.Error()}
	}

	old, ok := d.registry.Rename(self.Address, nick)
	if !ok {
		return Reply{Text: ErrNickTaken.Error()}
	}
	self.Nickname = nick

	d.publish(formatNotice(old + " is now " + nick))
	return Reply{}
}

func (d *Dispatcher) seen(_ *Client, args []string) Reply {
	target := args[0]

	c, ok := d.registry.Lookup(target)
	switch {
	case !ok:
		return Reply{Text: "nick not found"}
	case !c.Seen():
		return Reply{Text: target + " was not seen yet"}
	default:
		return Reply{Text: target + " was last seen at " + c.LastActive.UTC().Format(timeLayout)}
	}
}

func (d *Dispatcher) quit(*Client, []string) Reply {
	return Reply{Quit: true}
}
