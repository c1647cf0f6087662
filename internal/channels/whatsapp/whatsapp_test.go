package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/wabot/internal/bus"
	"github.com/nextlevelbuilder/wabot/internal/config"
	"github.com/nextlevelbuilder/wabot/internal/identity"
)

// fakeBridge is a minimal bridge: it records request frames and answers them
// with respond (no answer when respond returns nil).
type fakeBridge struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	requests chan requestFrame
	respond  func(req requestFrame) *inboundFrame

	writeMu sync.Mutex
}

func newFakeBridge(t *testing.T, respond func(requestFrame) *inboundFrame) *fakeBridge {
	t.Helper()
	fb := &fakeBridge{
		conns:    make(chan *websocket.Conn, 1),
		requests: make(chan requestFrame, 16),
		respond:  respond,
	}
	upgrader := websocket.Upgrader{}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fb.conns <- conn
		for {
			var req requestFrame
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			fb.requests <- req
			if fb.respond == nil {
				continue
			}
			if resp := fb.respond(req); resp != nil {
				resp.Type = frameResponse
				resp.RequestID = req.RequestID
				fb.write(conn, resp)
			}
		}
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBridge) url() string {
	return "ws" + strings.TrimPrefix(fb.srv.URL, "http")
}

func (fb *fakeBridge) write(conn *websocket.Conn, v any) {
	fb.writeMu.Lock()
	defer fb.writeMu.Unlock()
	_ = conn.WriteJSON(v)
}

func startChannel(t *testing.T, fb *fakeBridge, cfg config.WhatsAppConfig) (*Channel, *bus.MessageBus) {
	t.Helper()
	cfg.BridgeURL = fb.url()
	b := bus.New()
	ch, err := New(cfg, b)
	if err != nil {
		t.Fatal(err)
	}
	ch.requestTimeout = 2 * time.Second
	return ch, b
}

func run(t *testing.T, ch *Channel, fb *fakeBridge) *websocket.Conn {
	t.Helper()
	if err := ch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ch.Stop(context.Background()) })

	select {
	case conn := <-fb.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not connect to bridge")
		return nil
	}
}

func consume(t *testing.T, b *bus.MessageBus) (bus.InboundMessage, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	return b.ConsumeInbound(ctx)
}

func TestSend(t *testing.T) {
	fb := newFakeBridge(t, func(req requestFrame) *inboundFrame {
		if req.To == "209999999999@s.whatsapp.net" {
			return &inboundFrame{OK: false, Error: "number not on whatsapp"}
		}
		return &inboundFrame{OK: true}
	})
	ch, _ := startChannel(t, fb, config.WhatsAppConfig{})
	run(t, ch, fb)

	err := ch.Send(context.Background(), bus.OutboundMessage{
		ChatID:          "201234567890@s.whatsapp.net",
		Content:         "good morning",
		QuotedMessageID: "Q1",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	req := <-fb.requests
	if req.Type != requestMessage || req.To != "201234567890@s.whatsapp.net" ||
		req.Content != "good morning" || req.Quoted != "Q1" || req.RequestID == "" {
		t.Errorf("request = %+v", req)
	}

	err = ch.Send(context.Background(), bus.OutboundMessage{ChatID: "209999999999@s.whatsapp.net", Content: "x"})
	var be *BridgeError
	if !errors.As(err, &be) || be.Reason != "number not on whatsapp" {
		t.Errorf("err = %v, want BridgeError", err)
	}
}

func TestSend_NotConnected(t *testing.T) {
	ch, err := New(config.WhatsAppConfig{BridgeURL: "ws://127.0.0.1:1"}, bus.New())
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "x", Content: "y"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestSend_Timeout(t *testing.T) {
	fb := newFakeBridge(t, nil)
	ch, _ := startChannel(t, fb, config.WhatsAppConfig{})
	run(t, ch, fb)
	ch.requestTimeout = 50 * time.Millisecond

	err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "x@s.whatsapp.net", Content: "y"})
	if !errors.Is(err, ErrRequestTimeout) {
		t.Errorf("err = %v, want ErrRequestTimeout", err)
	}
}

func TestLookupLinked(t *testing.T) {
	fb := newFakeBridge(t, func(req requestFrame) *inboundFrame {
		var result string
		switch req.JID {
		case "201234567890@s.whatsapp.net":
			result = `[{"jid":"201234567890@s.whatsapp.net","exists":true,"lid":{"id":"98765432101234@lid"}}]`
		case "202222222222@s.whatsapp.net":
			result = `[{"jid":"202222222222@s.whatsapp.net","exists":true,"lid":"55555@lid"}]`
		case "203333333333@s.whatsapp.net":
			result = `[{"jid":"203333333333@s.whatsapp.net","exists":true,"lid":42}]`
		default:
			result = `[{"jid":"` + req.JID + `","exists":false}]`
		}
		return &inboundFrame{OK: true, Result: json.RawMessage(result)}
	})
	ch, _ := startChannel(t, fb, config.WhatsAppConfig{})
	run(t, ch, fb)

	tests := []struct {
		phone string
		want  identity.LookupMatch
	}{
		{"201234567890@s.whatsapp.net", identity.MatchedLinked("201234567890@s.whatsapp.net", "98765432101234@lid")},
		{"202222222222@s.whatsapp.net", identity.MatchedLinked("202222222222@s.whatsapp.net", "55555@lid")},
		{"203333333333@s.whatsapp.net", identity.MatchedNoLinked("203333333333@s.whatsapp.net")},
		{"204444444444@s.whatsapp.net", identity.Absent("204444444444@s.whatsapp.net")},
	}
	for _, tt := range tests {
		t.Run(tt.phone, func(t *testing.T) {
			matches, err := ch.LookupLinked(context.Background(), tt.phone)
			if err != nil {
				t.Fatal(err)
			}
			if len(matches) != 1 || matches[0] != tt.want {
				t.Errorf("matches = %+v, want %+v", matches, tt.want)
			}
		})
	}
}

func TestLookupLinked_HydratesReconciler(t *testing.T) {
	fb := newFakeBridge(t, func(req requestFrame) *inboundFrame {
		return &inboundFrame{OK: true, Result: json.RawMessage(
			`[{"jid":"201234567890@s.whatsapp.net","exists":true,"lid":"98765432101234:3@lid"}]`)}
	})
	ch, _ := startChannel(t, fb, config.WhatsAppConfig{})
	run(t, ch, fb)

	rec := identity.New(ch)
	if !rec.Hydrate(context.Background(), "201234567890@s.whatsapp.net") {
		t.Fatal("expected mapping to be learned")
	}
	if got := rec.ResolvePreferredSendTarget("201234567890@s.whatsapp.net"); got != "98765432101234@lid" {
		t.Errorf("preferred target = %q", got)
	}
}

func TestInboundMessages(t *testing.T) {
	fb := newFakeBridge(t, nil)
	ch, b := startChannel(t, fb, config.WhatsAppConfig{})
	conn := run(t, ch, fb)

	upsert := func(msgs ...bridgeMessage) {
		fb.write(conn, inboundFrame{Type: frameMessagesUpsert, Messages: msgs})
	}

	upsert(bridgeMessage{ID: "1", Chat: "201234567890@s.whatsapp.net", FromMe: true, Text: "mine"})
	upsert(bridgeMessage{ID: "2", Chat: identity.StatusBroadcast, Text: "status"})
	upsert(bridgeMessage{ID: "3", Chat: "201234567890@s.whatsapp.net"})
	upsert(
		bridgeMessage{ID: "4", Chat: "120363025246125244@g.us", Sender: "98765432101234@lid", Caption: "look .ping", PushName: "Sam"},
		bridgeMessage{ID: "5", Chat: "201234567890@s.whatsapp.net", Text: "second of batch"},
	)
	upsert(bridgeMessage{ID: "6", Chat: "201234567890@s.whatsapp.net", ExtendedText: "hi"})

	msg, ok := consume(t, b)
	if !ok {
		t.Fatal("no inbound message")
	}
	if msg.MessageID != "4" || msg.ChatID != "120363025246125244@g.us" || msg.SenderID != "98765432101234@lid" ||
		!msg.IsGroup() || msg.Content != "look .ping" || msg.Metadata["push_name"] != "Sam" {
		t.Errorf("msg = %+v", msg)
	}

	msg, ok = consume(t, b)
	if !ok || msg.MessageID != "6" || msg.SenderID != "201234567890@s.whatsapp.net" || msg.IsGroup() || msg.Content != "hi" {
		t.Errorf("msg = %+v, %v", msg, ok)
	}

	if msg, ok := consume(t, b); ok {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestInboundMessages_Policy(t *testing.T) {
	fb := newFakeBridge(t, nil)
	ch, b := startChannel(t, fb, config.WhatsAppConfig{
		DMPolicy:    "allowlist",
		GroupPolicy: "disabled",
		AllowFrom:   config.FlexibleStringSlice{"201234567890"},
	})
	conn := run(t, ch, fb)

	send := func(m bridgeMessage) {
		fb.write(conn, inboundFrame{Type: frameMessagesUpsert, Messages: []bridgeMessage{m}})
	}
	send(bridgeMessage{ID: "1", Chat: "209999999999@s.whatsapp.net", Text: "hi"})
	send(bridgeMessage{ID: "2", Chat: "120363025246125244@g.us", Sender: "201234567890@s.whatsapp.net", Text: "hi"})
	send(bridgeMessage{ID: "3", Chat: "201234567890@s.whatsapp.net", Text: "hi"})

	msg, ok := consume(t, b)
	if !ok || msg.MessageID != "3" {
		t.Errorf("msg = %+v, %v; want only the allowlisted DM", msg, ok)
	}
}

func TestPhoneNumberShare(t *testing.T) {
	fb := newFakeBridge(t, nil)
	ch, _ := startChannel(t, fb, config.WhatsAppConfig{})

	rec := identity.New(nil)
	shared := make(chan struct{}, 1)
	ch.OnPhoneNumberShared(func(linked, phone string) {
		rec.Remember(linked, phone)
		shared <- struct{}{}
	})
	conn := run(t, ch, fb)

	fb.write(conn, inboundFrame{Type: framePhoneNumberShare, LID: "98765432101234:2@lid", JID: "201234567890@s.whatsapp.net"})

	select {
	case <-shared:
	case <-time.After(2 * time.Second):
		t.Fatal("phone_number_share not delivered")
	}
	if got := rec.ResolveCanonical("98765432101234@lid", false); got != "201234567890@s.whatsapp.net" {
		t.Errorf("canonical = %q", got)
	}
}

func TestLinkedField_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		raw          string
		id           string
		unrecognized bool
	}{
		{`"98765@lid"`, "98765@lid", false},
		{`{"id":"98765@lid"}`, "98765@lid", false},
		{`null`, "", false},
		{`{"user":"98765"}`, "", true},
		{`42`, "", true},
	}
	for _, tt := range tests {
		var f LinkedField
		if err := json.Unmarshal([]byte(tt.raw), &f); err != nil {
			t.Fatalf("%s: %v", tt.raw, err)
		}
		if f.ID != tt.id || f.Unrecognized != tt.unrecognized {
			t.Errorf("%s: got %+v", tt.raw, f)
		}
	}
}

func TestBridgeMessageBody(t *testing.T) {
	if got := (bridgeMessage{ExtendedText: "b", Caption: "c"}).body(); got != "b" {
		t.Errorf("body = %q", got)
	}
	if got := (bridgeMessage{Text: "a", Caption: "c"}).body(); got != "a" {
		t.Errorf("body = %q", got)
	}
	if got := (bridgeMessage{}).body(); got != "" {
		t.Errorf("body = %q", got)
	}
}
