package identity

import "context"

// MatchKind distinguishes the shapes a lookup match can take.
type MatchKind int

const (
	// MatchAbsent: the transport has no account for the queried id.
	MatchAbsent MatchKind = iota
	// MatchNoLinkedField: an account exists but no usable linked id came back.
	MatchNoLinkedField
	// MatchWithLinkedField: an account exists and carries a linked id.
	MatchWithLinkedField
)

// LookupMatch is one candidate returned by a transport lookup.
type LookupMatch struct {
	Kind      MatchKind
	MatchedID string // as reported by the transport, not normalized
	LinkedID  string // set only for MatchWithLinkedField
}

// Absent returns a match for an id the transport does not know.
func Absent(matchedID string) LookupMatch {
	return LookupMatch{Kind: MatchAbsent, MatchedID: matchedID}
}

// MatchedNoLinked returns a match without a linked id.
func MatchedNoLinked(matchedID string) LookupMatch {
	return LookupMatch{Kind: MatchNoLinkedField, MatchedID: matchedID}
}

// MatchedLinked returns a match carrying a linked id.
func MatchedLinked(matchedID, linkedID string) LookupMatch {
	return LookupMatch{Kind: MatchWithLinkedField, MatchedID: matchedID, LinkedID: linkedID}
}

// Lookuper asks the transport which accounts exist for a phone identifier.
type Lookuper interface {
	LookupLinked(ctx context.Context, phoneID string) ([]LookupMatch, error)
}

// LookupFunc adapts a function to Lookuper.
type LookupFunc func(ctx context.Context, phoneID string) ([]LookupMatch, error)

func (f LookupFunc) LookupLinked(ctx context.Context, phoneID string) ([]LookupMatch, error) {
	return f(ctx, phoneID)
}
