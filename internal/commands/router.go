// Package commands maps inbound chat text to canned replies and the relay
// command. The verb set is closed; anything unrecognised gets no reply.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/wabot/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/wabot/internal/identity"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/wabot/internal/commands")

const (
	ReplyGreeting = "hello"
	ReplyHello    = "Hello Too 👋"
	ReplyPong     = "pong 🏓"
	UsageSend     = "Usage: .sendmsg <number> <message>"
)

// DefaultGreetings are matched against the whole message, case-insensitively.
var DefaultGreetings = []string{"hi", "hello", "hey", "salam"}

const menuText = "Available commands:\n" +
	".hello - say hello\n" +
	".ping - check the bot is alive\n" +
	".id - show chat and sender ids\n" +
	".status - show bot status\n" +
	".sendmsg <number> <message> - send a message to someone\n" +
	".menu - show this message"

// Sender delivers a message through the transport.
type Sender interface {
	Send(ctx context.Context, target, body, quotedMessageID string) error
}

// TargetResolver picks the id a relay should be addressed to.
type TargetResolver interface {
	ResolvePreferredSendTarget(target string) string
}

// StatsSource is implemented by resolvers that can report identity stats.
type StatsSource interface {
	Stats() identity.Stats
}

// Request is a normalized inbound message.
type Request struct {
	ChatID      string
	SenderID    string
	CanonicalID string
	MessageID   string
	Text        string
	IsGroup     bool
}

// Reply is a message the caller should send back to ChatID.
// Relay replies report the outcome of a relay and must not be followed by an
// error report if sending them fails.
type Reply struct {
	ChatID         string
	Text           string
	QuoteMessageID string
	Relay          bool
}

// Config tunes the router.
type Config struct {
	Greetings []string
	StartedAt time.Time
}

// Router dispatches commands.
type Router struct {
	greetings map[string]bool
	startedAt time.Time
	sender    Sender
	resolver  TargetResolver
	stats     StatsSource
}

// NewRouter creates a router. resolver is also used for .status when it
// implements StatsSource.
func NewRouter(cfg Config, sender Sender, resolver TargetResolver) *Router {
	greetings := cfg.Greetings
	if len(greetings) == 0 {
		greetings = DefaultGreetings
	}
	set := make(map[string]bool, len(greetings))
	for _, g := range greetings {
		set[strings.ToLower(strings.TrimSpace(g))] = true
	}

	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	stats, _ := resolver.(StatsSource)
	return &Router{
		greetings: set,
		startedAt: startedAt,
		sender:    sender,
		resolver:  resolver,
		stats:     stats,
	}
}

// Handle returns the replies for req. Relay sends happen inside Handle; the
// returned replies are left to the caller.
func (r *Router) Handle(ctx context.Context, req Request) []Reply {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil
	}

	if r.greetings[strings.ToLower(text)] {
		return []Reply{{ChatID: req.ChatID, Text: ReplyGreeting, QuoteMessageID: req.MessageID}}
	}

	fields := strings.Fields(text)
	verb := strings.ToLower(fields[0])
	args := fields[1:]

	ctx, span := tracer.Start(ctx, "commands.dispatch")
	span.SetAttributes(attribute.String("wabot.verb", verb))
	defer span.End()

	reply := func(s string) []Reply {
		return []Reply{{ChatID: req.ChatID, Text: s}}
	}

	switch verb {
	case ".hello":
		return reply(ReplyHello)
	case ".ping":
		return reply(ReplyPong)
	case ".menu", ".help":
		return reply(menuText)
	case ".id", ".whoami":
		return reply(r.describe(req))
	case ".status":
		return reply(r.status())
	case ".send", ".sendmsg":
		return []Reply{r.relay(ctx, req, args)}
	}

	return nil
}

func (r *Router) relay(ctx context.Context, req Request, args []string) Reply {
	usage := Reply{ChatID: req.ChatID, Text: UsageSend}
	if len(args) < 2 {
		return usage
	}

	target, ok := ParseTarget(args[0])
	if !ok {
		return usage
	}
	body := strings.TrimSpace(strings.Join(args[1:], " "))
	if body == "" {
		return usage
	}
	target = r.resolver.ResolvePreferredSendTarget(target)

	if err := r.sender.Send(ctx, target, body, ""); err != nil {
		slog.Warn("relay send failed",
			"canonical_id", req.CanonicalID,
			"target", target,
			"error", err,
		)
		return Reply{ChatID: req.ChatID, Text: "Failed to send message: " + FailureReason(err), Relay: true}
	}

	slog.Info("relay sent", "canonical_id", req.CanonicalID, "target", target)
	return Reply{ChatID: req.ChatID, Text: "Message sent to " + target, Relay: true}
}

// ParseTarget turns a relay target token into a transport id. Bare digit
// sequences (optionally prefixed with "+") become phone ids; tokens that
// already carry a server part are passed through unchanged when they name a
// user on a phone, linked or group server.
func ParseTarget(token string) (string, bool) {
	if strings.Contains(token, "@") {
		if identity.User(identity.Normalize(token)) == "" {
			return "", false
		}
		switch identity.KindOf(token) {
		case identity.KindPhone, identity.KindLinked, identity.KindGroup:
			return token, true
		default:
			return "", false
		}
	}

	digits := strings.TrimPrefix(token, "+")
	if digits == "" {
		return "", false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return "", false
		}
	}
	return identity.PhoneJID(digits), true
}

func (r *Router) describe(req Request) string {
	kind := "direct"
	if req.IsGroup {
		kind = "group"
	}
	return fmt.Sprintf("Chat: %s\nSender: %s\nCanonical: %s\nType: %s",
		req.ChatID, req.SenderID, req.CanonicalID, kind)
}

func (r *Router) status() string {
	uptime := time.Since(r.startedAt).Round(time.Second)
	if r.stats == nil {
		return fmt.Sprintf("Bot status: Running\nUptime: %s", uptime)
	}
	s := r.stats.Stats()
	return fmt.Sprintf("Bot status: Running\nUptime: %s\nKnown identities: %d\nLookups attempted: %d",
		uptime, s.Mappings, s.Attempted)
}

// FailureReason returns the user-facing part of a send error: the bridge's
// own reason when it rejected the request, otherwise the innermost error.
func FailureReason(err error) string {
	var bridgeErr *whatsapp.BridgeError
	if errors.As(err, &bridgeErr) {
		return bridgeErr.Reason
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
