package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/wabot/internal/bus"
	"github.com/nextlevelbuilder/wabot/internal/channels"
	"github.com/nextlevelbuilder/wabot/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/wabot/internal/commands"
	"github.com/nextlevelbuilder/wabot/internal/identity"
)

type sentReply struct {
	target, body, quoted string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentReply
	err  error
}

func (s *recordingSender) Send(_ context.Context, target, body, quoted string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentReply{target, body, quoted})
	return s.err
}

func (s *recordingSender) snapshot() []sentReply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentReply(nil), s.sent...)
}

func newTestConsumer(sender *recordingSender, lookuper identity.Lookuper, limiter *channels.SenderRateLimiter) *inboundConsumer {
	rec := identity.New(lookuper)
	return &inboundConsumer{
		bus:        bus.New(),
		reconciler: rec,
		router:     commands.NewRouter(commands.Config{}, sender, rec),
		sender:     sender,
		limiter:    limiter,
	}
}

func dm(text string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:   "whatsapp",
		SenderID:  "201111111111@s.whatsapp.net",
		ChatID:    "201111111111@s.whatsapp.net",
		MessageID: "MSG1",
		Content:   text,
		PeerKind:  bus.PeerDirect,
	}
}

func outboundWithin(t *testing.T, b *bus.MessageBus, d time.Duration) (bus.OutboundMessage, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return b.SubscribeOutbound(ctx)
}

func TestConsumer_GreetingIsQuoted(t *testing.T) {
	sender := &recordingSender{}
	c := newTestConsumer(sender, nil, nil)

	c.handle(context.Background(), dm("hi"))

	got := sender.snapshot()
	if len(got) != 1 {
		t.Fatalf("sent = %+v", got)
	}
	want := sentReply{"201111111111@s.whatsapp.net", commands.ReplyGreeting, "MSG1"}
	if got[0] != want {
		t.Errorf("sent %+v, want %+v", got[0], want)
	}
}

func TestConsumer_ReplyFailureReportsError(t *testing.T) {
	sender := &recordingSender{err: errors.New("bridge not connected")}
	c := newTestConsumer(sender, nil, nil)

	c.handle(context.Background(), dm(".ping"))

	msg, ok := outboundWithin(t, c.bus, time.Second)
	if !ok {
		t.Fatal("expected an error report on the outbound queue")
	}
	if msg.Content != "Error: bridge not connected" || msg.ChatID != "201111111111@s.whatsapp.net" {
		t.Errorf("report = %+v", msg)
	}
	if _, ok := outboundWithin(t, c.bus, 50*time.Millisecond); ok {
		t.Error("error reported more than once")
	}
}

func TestConsumer_ErrorReportShowsReason(t *testing.T) {
	sender := &recordingSender{err: fmt.Errorf("send whatsapp message: %w", whatsapp.ErrNotConnected)}
	c := newTestConsumer(sender, nil, nil)

	c.handle(context.Background(), dm(".ping"))

	msg, ok := outboundWithin(t, c.bus, time.Second)
	if !ok || msg.Content != "Error: whatsapp bridge not connected" {
		t.Errorf("report = %+v, %v", msg, ok)
	}
}

func TestConsumer_RelayFailureNotReportedTwice(t *testing.T) {
	sender := &recordingSender{err: errors.New("offline")}
	c := newTestConsumer(sender, nil, nil)

	c.handle(context.Background(), dm(".sendmsg 201234567890 hello"))

	// One relay attempt plus one attempt to deliver the failure notice.
	if got := sender.snapshot(); len(got) != 2 {
		t.Fatalf("sent = %+v", got)
	}
	if msg, ok := outboundWithin(t, c.bus, 50*time.Millisecond); ok {
		t.Errorf("unexpected error report %+v", msg)
	}
}

func TestConsumer_HydratesPhoneSender(t *testing.T) {
	var mu sync.Mutex
	var queried []string
	lookup := identity.LookupFunc(func(_ context.Context, phoneID string) ([]identity.LookupMatch, error) {
		mu.Lock()
		queried = append(queried, phoneID)
		mu.Unlock()
		return []identity.LookupMatch{identity.MatchedLinked(phoneID, "98765432101234@lid")}, nil
	})

	c := newTestConsumer(&recordingSender{}, lookup, nil)
	c.handle(context.Background(), dm("random text"))
	c.handle(context.Background(), dm("more text"))

	if got := c.reconciler.Stats().Attempted; got != 1 {
		t.Errorf("Attempted = %d, want 1", got)
	}

	const phone, linked = "201111111111@s.whatsapp.net", "98765432101234@lid"
	deadline := time.Now().Add(time.Second)
	for c.reconciler.ResolvePreferredSendTarget(phone) != linked {
		if time.Now().After(deadline) {
			t.Fatal("mapping not learned")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := c.reconciler.ResolveCanonical(linked, false); got != phone {
		t.Errorf("ResolveCanonical(%q) = %q, want %q", linked, got, phone)
	}
	if got := c.reconciler.ResolveCanonical(phone, false); got != phone {
		t.Errorf("phone id should stay canonical, got %q", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(queried) != 1 {
		t.Errorf("lookups = %v, want exactly one", queried)
	}
}

func TestConsumer_GroupUsesChatAsCanonical(t *testing.T) {
	sender := &recordingSender{}
	c := newTestConsumer(sender, nil, nil)

	msg := dm(".id")
	msg.ChatID = "120363025246125244@g.us"
	msg.PeerKind = bus.PeerGroup
	c.handle(context.Background(), msg)

	got := sender.snapshot()
	if len(got) != 1 || got[0].target != "120363025246125244@g.us" {
		t.Fatalf("sent = %+v", got)
	}
}

func TestConsumer_RateLimited(t *testing.T) {
	sender := &recordingSender{}
	c := newTestConsumer(sender, nil, channels.NewSenderRateLimiter(time.Minute, 1))

	c.handle(context.Background(), dm(".ping"))
	c.handle(context.Background(), dm(".ping"))

	if got := sender.snapshot(); len(got) != 1 {
		t.Errorf("sent = %+v, want the second message dropped", got)
	}
}

func TestConsumer_RunStopsOnCancel(t *testing.T) {
	sender := &recordingSender{}
	c := newTestConsumer(sender, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.run(ctx) }()

	c.bus.PublishInbound(dm(".ping"))

	deadline := time.Now().Add(time.Second)
	for len(sender.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("message not handled")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not return after cancel")
	}
}
