package whatsapp

import (
	"bytes"
	"encoding/json"

	"github.com/nextlevelbuilder/wabot/internal/identity"
)

// Frame types exchanged with the bridge.
const (
	frameMessagesUpsert   = "messages.upsert"
	framePhoneNumberShare = "phone_number_share"
	frameConnection       = "connection"
	frameResponse         = "response"

	requestMessage    = "message"
	requestOnWhatsApp = "on_whatsapp"
)

// inboundFrame is the union of every frame the bridge sends.
type inboundFrame struct {
	Type string `json:"type"`

	// response
	RequestID string          `json:"request_id,omitempty"`
	OK        bool            `json:"ok,omitempty"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`

	// messages.upsert
	Messages []bridgeMessage `json:"messages,omitempty"`

	// phone_number_share
	LID string `json:"lid,omitempty"`
	JID string `json:"jid,omitempty"`

	// connection
	State string `json:"state,omitempty"`
	QR    string `json:"qr,omitempty"`
}

// bridgeMessage is one message of an upsert batch.
type bridgeMessage struct {
	ID           string `json:"id"`
	Chat         string `json:"chat"`
	Sender       string `json:"sender,omitempty"` // participant in groups; empty in DMs
	FromMe       bool   `json:"from_me,omitempty"`
	PushName     string `json:"push_name,omitempty"`
	Text         string `json:"text,omitempty"`
	ExtendedText string `json:"extended_text,omitempty"`
	Caption      string `json:"caption,omitempty"`
}

// body returns the first non-empty of plain text, extended text and caption.
func (m bridgeMessage) body() string {
	for _, s := range []string{m.Text, m.ExtendedText, m.Caption} {
		if s != "" {
			return s
		}
	}
	return ""
}

// requestFrame is sent to the bridge; every request gets a response frame
// carrying the same request_id.
type requestFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	To        string `json:"to,omitempty"`
	Content   string `json:"content,omitempty"`
	Quoted    string `json:"quoted,omitempty"`
	JID       string `json:"jid,omitempty"`
}

// onWhatsAppResult is one element of an on_whatsapp response.
type onWhatsAppResult struct {
	JID    string      `json:"jid"`
	Exists bool        `json:"exists"`
	LID    LinkedField `json:"lid"`
}

// LinkedField decodes the lid field of a lookup result, which the bridge
// sends either as a plain string or as an object with an "id" string.
// Other shapes leave ID empty with Unrecognized set.
type LinkedField struct {
	ID           string
	Unrecognized bool
}

func (f *LinkedField) UnmarshalJSON(data []byte) error {
	*f = LinkedField{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		f.ID = s
		return nil
	}

	var obj struct {
		ID *string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.ID != nil {
		f.ID = *obj.ID
		return nil
	}

	f.Unrecognized = true
	return nil
}

// match converts a bridge result into the reconciler's tagged variant.
func (r onWhatsAppResult) match() identity.LookupMatch {
	switch {
	case !r.Exists:
		return identity.Absent(r.JID)
	case r.LID.ID == "":
		return identity.MatchedNoLinked(r.JID)
	default:
		return identity.MatchedLinked(r.JID, r.LID.ID)
	}
}
