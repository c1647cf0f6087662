// Package whatsapp connects the bot to a WhatsApp bridge over WebSocket.
// The bridge process owns the WhatsApp session (pairing, credentials,
// protocol); this channel exchanges JSON frames with it:
//
//	bridge → bot:  messages.upsert, phone_number_share, connection, response
//	bot → bridge:  message, on_whatsapp (each answered by a response frame)
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/wabot/internal/bus"
	"github.com/nextlevelbuilder/wabot/internal/channels"
	"github.com/nextlevelbuilder/wabot/internal/config"
	"github.com/nextlevelbuilder/wabot/internal/identity"
)

const (
	channelName           = "whatsapp"
	defaultRequestTimeout = 30 * time.Second
	handshakeTimeout      = 10 * time.Second
	writeTimeout          = 10 * time.Second
	maxReconnectBackoff   = 30 * time.Second
)

var (
	ErrNotConnected   = errors.New("whatsapp bridge not connected")
	ErrDisconnected   = errors.New("whatsapp bridge disconnected")
	ErrRequestTimeout = errors.New("whatsapp bridge request timed out")
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/wabot/internal/channels/whatsapp")

// BridgeError is a failure reported by the bridge for a request.
type BridgeError struct {
	Op     string
	Reason string
}

func (e *BridgeError) Error() string { return e.Reason }

type callResult struct {
	frame inboundFrame
	err   error
}

// Channel connects to a WhatsApp bridge via WebSocket.
type Channel struct {
	*channels.BaseChannel
	config         config.WhatsAppConfig
	requestTimeout time.Duration
	limiter        *rate.Limiter
	onPhoneShared  func(linkedID, phoneID string)

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn

	pendingMu sync.Mutex
	pending   map[string]chan callResult

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new WhatsApp channel from config.
func New(cfg config.WhatsAppConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}

	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	limit := rate.Inf
	if cfg.SendRatePerSecond > 0 {
		limit = rate.Limit(cfg.SendRatePerSecond)
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}

	return &Channel{
		BaseChannel:    channels.NewBaseChannel(channelName, msgBus, cfg.AllowFrom),
		config:         cfg,
		requestTimeout: timeout,
		limiter:        rate.NewLimiter(limit, burst),
		pending:        make(map[string]chan callResult),
	}, nil
}

// OnPhoneNumberShared registers the handler for correspondences the bridge
// learns unprompted. Must be called before Start.
func (c *Channel) OnPhoneNumberShared(fn func(linkedID, phoneID string)) {
	c.onPhoneShared = fn
}

// Start connects to the WhatsApp bridge WebSocket and begins listening.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting whatsapp channel", "bridge_url", c.config.BridgeURL)

	if !c.HasAllowList() && (c.config.DMPolicy == string(channels.DMPolicyAllowlist) || c.config.GroupPolicy == string(channels.GroupPolicyAllowlist)) {
		slog.Warn("whatsapp allowlist policy with empty allow_from, matching messages will be rejected",
			"dm_policy", c.config.DMPolicy, "group_policy", c.config.GroupPolicy)
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	if err := c.connect(); err != nil {
		// Not fatal: the reconnect loop keeps trying.
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go c.listenLoop()

	c.SetRunning(true)
	return nil
}

// Stop gracefully shuts down the WhatsApp channel.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping whatsapp channel")

	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	if c.done != nil {
		<-c.done
	}
	c.failPending(ErrDisconnected)
	c.SetRunning(false)

	return nil
}

// Send delivers an outbound message through the bridge and waits for the
// bridge to acknowledge it.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}

	_, err := c.call(ctx, requestFrame{
		Type:    requestMessage,
		To:      msg.ChatID,
		Content: msg.Content,
		Quoted:  msg.QuotedMessageID,
	})
	if err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	return nil
}

// LookupLinked asks the bridge whether phoneID has a WhatsApp account and
// which linked id it uses. Implements identity.Lookuper.
func (c *Channel) LookupLinked(ctx context.Context, phoneID string) ([]identity.LookupMatch, error) {
	raw, err := c.call(ctx, requestFrame{Type: requestOnWhatsApp, JID: phoneID})
	if err != nil {
		return nil, fmt.Errorf("whatsapp lookup %s: %w", phoneID, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var results []onWhatsAppResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("decode whatsapp lookup result: %w", err)
	}

	matches := make([]identity.LookupMatch, 0, len(results))
	for _, r := range results {
		if r.LID.Unrecognized {
			slog.Debug("whatsapp lookup: unrecognized lid field", "jid", r.JID)
		}
		matches = append(matches, r.match())
	}
	return matches, nil
}

// call sends a request frame and waits for the matching response.
func (c *Channel) call(ctx context.Context, req requestFrame) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "whatsapp."+req.Type, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	req.RequestID = uuid.NewString()
	span.SetAttributes(attribute.String("wabot.request_id", req.RequestID))

	resCh := make(chan callResult, 1)
	c.pendingMu.Lock()
	c.pending[req.RequestID] = resCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.RequestID)
		c.pendingMu.Unlock()
	}()

	if err := c.writeJSON(req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		if res.err != nil {
			span.SetStatus(codes.Error, res.err.Error())
			return nil, res.err
		}
		if !res.frame.OK {
			reason := res.frame.Error
			if reason == "" {
				reason = "request rejected by bridge"
			}
			span.SetStatus(codes.Error, reason)
			return nil, &BridgeError{Op: req.Type, Reason: reason}
		}
		return res.frame.Result, nil
	case <-timer.C:
		span.SetStatus(codes.Error, ErrRequestTimeout.Error())
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Channel) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write to whatsapp bridge: %w", err)
	}
	return nil
}

// failPending resolves every in-flight request with err.
func (c *Channel) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- callResult{err: err}:
		default:
		}
		delete(c.pending, id)
	}
}

// connect establishes the WebSocket connection to the bridge.
func (c *Channel) connect() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout

	conn, _, err := dialer.DialContext(c.ctx, c.config.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.config.BridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info("whatsapp bridge connected", "url", c.config.BridgeURL)
	return nil
}

func (c *Channel) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// listenLoop reads frames from the bridge with automatic reconnection.
func (c *Channel) listenLoop() {
	defer close(c.done)
	backoff := time.Second

	for {
		if c.ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("attempting whatsapp bridge reconnect", "backoff", backoff)

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := c.connect(); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err)
				backoff = min(backoff*2, maxReconnectBackoff)
				continue
			}

			backoff = time.Second // reset on success
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			slog.Warn("whatsapp read error, will reconnect", "error", err)
			c.closeConn()
			c.failPending(ErrDisconnected)
			continue
		}

		c.handleFrame(data)
	}
}

func (c *Channel) handleFrame(data []byte) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Warn("invalid whatsapp bridge frame", "error", err)
		return
	}

	switch f.Type {
	case frameResponse:
		c.handleResponse(f)
	case frameMessagesUpsert:
		c.handleUpsert(f.Messages)
	case framePhoneNumberShare:
		if c.onPhoneShared != nil && f.LID != "" && f.JID != "" {
			slog.Debug("whatsapp phone number shared", "lid", f.LID, "jid", f.JID)
			c.onPhoneShared(f.LID, f.JID)
		}
	case frameConnection:
		c.handleConnection(f)
	default:
		slog.Debug("ignoring whatsapp bridge frame", "type", f.Type)
	}
}

func (c *Channel) handleResponse(f inboundFrame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[f.RequestID]
	c.pendingMu.Unlock()
	if !ok {
		slog.Debug("whatsapp response for unknown request", "request_id", f.RequestID)
		return
	}
	select {
	case ch <- callResult{frame: f}:
	default:
	}
}

func (c *Channel) handleConnection(f inboundFrame) {
	switch f.State {
	case "qr":
		slog.Info("whatsapp bridge needs pairing, scan the QR code with your phone", "qr", f.QR)
	case "open":
		slog.Info("whatsapp session open")
	case "close":
		slog.Warn("whatsapp session closed by bridge")
	default:
		slog.Debug("whatsapp connection update", "state", f.State)
	}
}

// handleUpsert normalizes the first message of an upsert batch and publishes
// it to the bus. Self-sent, status-feed and text-less messages are dropped.
func (c *Channel) handleUpsert(msgs []bridgeMessage) {
	if len(msgs) == 0 {
		return
	}
	m := msgs[0]

	if m.FromMe || m.Chat == "" || identity.KindOf(m.Chat) == identity.KindBroadcast {
		return
	}
	content := m.body()
	if content == "" {
		return
	}

	chatID := m.Chat
	senderID := chatID
	peerKind := bus.PeerDirect
	if identity.IsGroup(chatID) {
		peerKind = bus.PeerGroup
		if m.Sender != "" {
			senderID = m.Sender
		}
	}

	if !c.CheckPolicy(peerKind, c.config.DMPolicy, c.config.GroupPolicy, senderID) {
		slog.Debug("whatsapp message rejected by policy", "sender_id", senderID, "peer_kind", peerKind)
		return
	}
	if !c.IsAllowed(senderID) {
		slog.Debug("whatsapp message rejected by allowlist", "sender_id", senderID)
		return
	}

	var metadata map[string]string
	if m.PushName != "" {
		metadata = map[string]string{"push_name": m.PushName}
	}

	slog.Debug("whatsapp message received",
		"sender_id", senderID,
		"chat_id", chatID,
		"preview", channels.Truncate(content, 50),
	)

	c.HandleMessage(senderID, chatID, m.ID, content, metadata, peerKind)
}
