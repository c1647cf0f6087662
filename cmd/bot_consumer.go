package cmd

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/wabot/internal/bus"
	"github.com/nextlevelbuilder/wabot/internal/channels"
	"github.com/nextlevelbuilder/wabot/internal/commands"
	"github.com/nextlevelbuilder/wabot/internal/identity"
)

// inboundConsumer drains the inbound queue and runs every message through
// the command router. Each message is handled on its own goroutine so a slow
// bridge round trip does not hold up the queue.
type inboundConsumer struct {
	bus        *bus.MessageBus
	reconciler *identity.Reconciler
	router     *commands.Router
	sender     commands.Sender
	limiter    *channels.SenderRateLimiter

	wg sync.WaitGroup
}

// run blocks until ctx is cancelled, then waits for in-flight messages.
func (c *inboundConsumer) run(ctx context.Context) error {
	slog.Info("inbound message consumer started")
	for {
		msg, ok := c.bus.ConsumeInbound(ctx)
		if !ok {
			c.wg.Wait()
			slog.Info("inbound message consumer stopped")
			return nil
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handle(ctx, msg)
		}()
	}
}

func (c *inboundConsumer) handle(ctx context.Context, msg bus.InboundMessage) {
	isGroup := msg.IsGroup()

	// Non-phone senders are skipped by the reconciler itself.
	c.reconciler.StartHydrate(ctx, msg.SenderID)

	canonical := c.reconciler.ResolveCanonical(msg.ChatID, isGroup)

	if c.limiter != nil && !c.limiter.Allow(c.reconciler.ResolveCanonical(msg.SenderID, false)) {
		slog.Debug("inbound: rate limited", "sender", msg.SenderID, "chat_id", msg.ChatID)
		return
	}

	slog.Debug("inbound: dispatch",
		"channel", msg.Channel,
		"chat_id", msg.ChatID,
		"canonical", canonical,
		"preview", channels.Truncate(msg.Content, 60),
	)

	replies := c.router.Handle(ctx, commands.Request{
		ChatID:      msg.ChatID,
		SenderID:    msg.SenderID,
		CanonicalID: canonical,
		MessageID:   msg.MessageID,
		Text:        msg.Content,
		IsGroup:     isGroup,
	})

	for _, r := range replies {
		err := c.sender.Send(ctx, r.ChatID, r.Text, r.QuoteMessageID)
		if err == nil {
			continue
		}
		slog.Warn("inbound: reply failed", "chat_id", r.ChatID, "error", err)
		if r.Relay {
			// Relay outcomes were already reported once; do not loop.
			continue
		}
		c.bus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  r.ChatID,
			Content: "Error: " + commands.FailureReason(err),
		})
	}
}
