// Package identity handles WhatsApp identifier normalization and reconciliation.
//
// Identifiers (JIDs) follow the transport format:
//
//	{user}[_{agent}][:{device}]@{server}
//
// Where {server} selects the namespace:
//
//	Linked:   lid
//	Phone:    s.whatsapp.net   (legacy c.us is rewritten)
//	Group:    g.us
//	Status:   broadcast
//
// Examples:
//
//	201234567890:12@s.whatsapp.net  → 201234567890@s.whatsapp.net
//	98765432101234:3@lid            → 98765432101234@lid
//	201234567890@c.us               → 201234567890@s.whatsapp.net
package identity

import "strings"

const (
	ServerLinked    = "lid"
	ServerPhone     = "s.whatsapp.net"
	ServerLegacy    = "c.us"
	ServerGroup     = "g.us"
	ServerBroadcast = "broadcast"

	// StatusBroadcast is the chat id of the status feed.
	StatusBroadcast = "status@broadcast"
)

// Kind tags an identifier with its namespace.
type Kind int

const (
	KindUnknown Kind = iota
	KindLinked
	KindPhone
	KindGroup
	KindBroadcast
)

func (k Kind) String() string {
	switch k {
	case KindLinked:
		return "linked"
	case KindPhone:
		return "phone"
	case KindGroup:
		return "group"
	case KindBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// Normalize collapses device and agent suffixes to the per-user form and
// rewrites the legacy phone server. Strings without a server part are returned
// trimmed. Normalize is idempotent.
func Normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	at := strings.LastIndexByte(raw, '@')
	if at < 0 {
		return raw
	}

	user, server := raw[:at], strings.ToLower(raw[at+1:])
	if idx := strings.IndexByte(user, ':'); idx >= 0 {
		user = user[:idx]
	}
	if idx := strings.IndexByte(user, '_'); idx >= 0 {
		user = user[:idx]
	}
	if server == ServerLegacy {
		server = ServerPhone
	}
	return user + "@" + server
}

// KindOf reports the namespace of an identifier. The input does not need to
// be normalized.
func KindOf(id string) Kind {
	at := strings.LastIndexByte(id, '@')
	if at < 0 || at == 0 {
		return KindUnknown
	}
	switch strings.ToLower(strings.TrimSpace(id[at+1:])) {
	case ServerLinked:
		return KindLinked
	case ServerPhone, ServerLegacy:
		return KindPhone
	case ServerGroup:
		return KindGroup
	case ServerBroadcast:
		return KindBroadcast
	default:
		return KindUnknown
	}
}

// IsLinked reports whether id lives in the linked namespace.
func IsLinked(id string) bool { return KindOf(id) == KindLinked }

// IsPhone reports whether id lives in the phone-number namespace.
func IsPhone(id string) bool { return KindOf(id) == KindPhone }

// IsGroup reports whether id is a group chat.
func IsGroup(id string) bool { return KindOf(id) == KindGroup }

// User returns the user part of a normalized identifier.
func User(id string) string {
	if at := strings.LastIndexByte(id, '@'); at >= 0 {
		return id[:at]
	}
	return id
}

// PhoneJID builds a phone-number identifier from a bare number.
func PhoneJID(number string) string {
	return strings.TrimPrefix(number, "+") + "@" + ServerPhone
}
