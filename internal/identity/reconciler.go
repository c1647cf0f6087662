package identity

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/wabot/internal/identity")

// Reconciler unifies linked and phone-number identifiers into one canonical
// per-user id. It learns correspondences from transport pushes (Remember) and
// from on-demand lookups (Hydrate), each phone id being looked up at most once
// per process lifetime. Safe for concurrent use.
type Reconciler struct {
	lookuper Lookuper

	mu            sync.Mutex
	linkedToPhone map[string]string
	phoneToLinked map[string]string
	attempted     map[string]struct{}
}

// Stats is a snapshot of the reconciler's containers.
type Stats struct {
	Mappings  int
	Attempted int
}

// New creates an empty reconciler. lookuper may be nil, in which case
// hydration records the attempt and learns nothing.
func New(lookuper Lookuper) *Reconciler {
	return &Reconciler{
		lookuper:      lookuper,
		linkedToPhone: make(map[string]string),
		phoneToLinked: make(map[string]string),
		attempted:     make(map[string]struct{}),
	}
}

// Remember records that linkedRaw and phoneRaw belong to the same user.
// Both sides are normalized; the call is a no-op unless the linked side is a
// linked id and the phone side a phone id. Both maps are updated together,
// last write wins, and a stale inverse entry is dropped.
func (r *Reconciler) Remember(linkedRaw, phoneRaw string) {
	linked, phone := Normalize(linkedRaw), Normalize(phoneRaw)
	if !IsLinked(linked) || !IsPhone(phone) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.linkedToPhone[linked]; ok && prev != phone {
		delete(r.phoneToLinked, prev)
	}
	if prev, ok := r.phoneToLinked[phone]; ok && prev != linked {
		delete(r.linkedToPhone, prev)
	}
	r.linkedToPhone[linked] = phone
	r.phoneToLinked[phone] = linked
}

// ResolveCanonical returns the id that represents the sender of a message.
// Group chats are never reconciled: the chat id is returned as is. Linked ids
// resolve to their phone id when known and otherwise to themselves.
func (r *Reconciler) ResolveCanonical(transportID string, isGroup bool) string {
	if isGroup {
		return transportID
	}

	id := Normalize(transportID)
	if !IsLinked(id) {
		return id
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if phone, ok := r.linkedToPhone[id]; ok {
		return phone
	}
	return id
}

// ResolvePreferredSendTarget returns the id outbound messages for target
// should be addressed to. The linked channel is preferred when known; the
// normalized input is returned otherwise.
func (r *Reconciler) ResolvePreferredSendTarget(target string) string {
	id := Normalize(target)
	if IsLinked(id) {
		return id
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if linked, ok := r.phoneToLinked[id]; ok {
		return linked
	}
	return id
}

// Hydrate looks up the linked id of phoneID once per process lifetime and
// remembers it when the transport reports one. Linked ids, already mapped ids
// and already attempted ids are skipped. Failures are logged and swallowed.
// Reports whether a mapping was learned.
func (r *Reconciler) Hydrate(ctx context.Context, phoneID string) bool {
	phone, ok := r.claim(phoneID)
	if !ok {
		return false
	}
	return r.lookup(ctx, phone)
}

// StartHydrate is the task form of Hydrate. The attempt is recorded before
// StartHydrate returns; the lookup itself runs on its own goroutine. The
// returned channel is closed once the task finishes, or immediately when
// there was nothing to look up.
func (r *Reconciler) StartHydrate(ctx context.Context, phoneID string) <-chan struct{} {
	done := make(chan struct{})
	phone, ok := r.claim(phoneID)
	if !ok {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		r.lookup(ctx, phone)
	}()
	return done
}

// Stats returns the current container sizes.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Mappings:  len(r.linkedToPhone),
		Attempted: len(r.attempted),
	}
}

// claim marks phoneID as attempted and reports whether the caller owns the
// lookup. Nothing is marked for ids that need no lookup.
func (r *Reconciler) claim(phoneID string) (string, bool) {
	phone := Normalize(phoneID)
	if !IsPhone(phone) {
		return "", false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, mapped := r.phoneToLinked[phone]; mapped {
		return "", false
	}
	if _, seen := r.attempted[phone]; seen {
		return "", false
	}
	r.attempted[phone] = struct{}{}
	return phone, true
}

func (r *Reconciler) lookup(ctx context.Context, phone string) bool {
	if r.lookuper == nil {
		return false
	}

	ctx, span := tracer.Start(ctx, "identity.hydrate")
	span.SetAttributes(attribute.String("wabot.phone_id", phone))
	defer span.End()

	matches, err := r.lookuper.LookupLinked(ctx, phone)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		slog.Debug("linked id lookup failed", "phone_id", phone, "error", err)
		return false
	}

	match, ok := findMatch(matches, phone)
	if !ok {
		slog.Debug("linked id lookup: no match", "phone_id", phone)
		return false
	}

	switch match.Kind {
	case MatchWithLinkedField:
		linked := Normalize(match.LinkedID)
		if !IsLinked(linked) {
			// Unrecognised shape: dropped without learning anything.
			slog.Debug("linked id lookup: unusable linked field", "phone_id", phone, "linked", match.LinkedID)
			return false
		}
		r.Remember(linked, phone)
		span.SetAttributes(attribute.String("wabot.linked_id", linked))
		slog.Debug("learned linked id", "phone_id", phone, "linked_id", linked)
		return true
	case MatchNoLinkedField:
		slog.Debug("linked id lookup: account has no linked id", "phone_id", phone)
	default:
		slog.Debug("linked id lookup: account absent", "phone_id", phone)
	}
	return false
}

// findMatch returns the first candidate whose normalized id equals phone.
func findMatch(matches []LookupMatch, phone string) (LookupMatch, bool) {
	for _, m := range matches {
		if Normalize(m.MatchedID) == phone {
			return m, true
		}
	}
	return LookupMatch{}, false
}
