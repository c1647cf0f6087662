package bus

import "context"

// InboundMessage is a chat message received from a channel, already
// normalized by the channel (self-sent and status messages never get here).
type InboundMessage struct {
	Channel   string            `json:"channel"`
	SenderID  string            `json:"sender_id"`
	ChatID    string            `json:"chat_id"`
	MessageID string            `json:"message_id,omitempty"`
	Content   string            `json:"content"`
	PeerKind  string            `json:"peer_kind,omitempty"` // "direct" or "group"
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// IsGroup reports whether the message came from a group chat.
func (m InboundMessage) IsGroup() bool { return m.PeerKind == PeerGroup }

// OutboundMessage is a message to be sent through a channel.
type OutboundMessage struct {
	Channel         string            `json:"channel"`
	ChatID          string            `json:"chat_id"`
	Content         string            `json:"content"`
	QuotedMessageID string            `json:"quoted_message_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

const (
	PeerDirect = "direct"
	PeerGroup  = "group"
)

// MessageRouter abstracts inbound/outbound message routing between channels and the bot.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
