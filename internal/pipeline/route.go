package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/classpulse/realtime/internal/event"
	"github.com/classpulse/realtime/internal/participants"
)

// Emitter is the transport's dispatch surface. Dispatch is fire-and-forget:
// implementations never block on recipients.
type Emitter interface {
	EmitToUser(userID string, kind event.Kind, payload any)
	Broadcast(kind event.Kind, payload any)
}

// ParticipantSource resolves the participant identities a document
// references. Returns participants.ErrNotFound when the document is gone.
type ParticipantSource interface {
	Participants(ctx context.Context, collection string, key string) ([]string, error)
}

// Delivery is one resolved dispatch. An empty UserID means broadcast.
type Delivery struct {
	UserID  string
	Kind    event.Kind
	Payload any
}

// Router turns a domain event into its delivery targets. A secondary
// lookup, when needed, is awaited with a bounded wait for this event only;
// other collections' subscribers are unaffected.
type Router struct {
	participants ParticipantSource
	lookupWait   time.Duration
	logger       *slog.Logger
}

func NewRouter(source ParticipantSource, lookupWait time.Duration, logger *slog.Logger) *Router {
	if lookupWait <= 0 {
		lookupWait = 3 * time.Second
	}
	return &Router{participants: source, lookupWait: lookupWait, logger: logger}
}

// Route resolves delivery targets in policy order: the generic broadcast
// always comes first, then the owner's targeted delivery for user-scoped
// collections, then one targeted delivery per resolved participant. A
// lookup that misses (deleted document) or times out skips only the
// targeted deliveries; the broadcast already stands.
func (r *Router) Route(ctx context.Context, rule CollectionRule, ev DomainEvent) []Delivery {
	deliveries := []Delivery{{Kind: ev.Kind, Payload: ev.Notice}}

	if rule.OwnerKind != "" {
		deliveries = append(deliveries, Delivery{
			UserID:  ev.Record.Key,
			Kind:    rule.OwnerKind,
			Payload: ev.Notice,
		})
	}

	if rule.Lookup && r.participants != nil {
		for _, userID := range r.resolveParticipants(ctx, ev) {
			deliveries = append(deliveries, Delivery{
				UserID:  userID,
				Kind:    ev.Kind,
				Payload: ev.Notice,
			})
		}
	}

	return deliveries
}

func (r *Router) resolveParticipants(ctx context.Context, ev DomainEvent) []string {
	lookupCtx, cancel := context.WithTimeout(ctx, r.lookupWait)
	defer cancel()

	ids, err := r.participants.Participants(lookupCtx, ev.Record.Collection, ev.Record.Key)
	switch {
	case err == nil:
		return ids
	case errors.Is(err, participants.ErrNotFound):
		// The document was deleted between the mutation and the lookup.
		r.logger.Warn("participant lookup raced a delete, targeted deliveries skipped",
			"collection", ev.Record.Collection, "key", ev.Record.Key)
	case errors.Is(err, context.DeadlineExceeded):
		r.logger.Warn("participant lookup timed out, targeted deliveries skipped",
			"collection", ev.Record.Collection, "key", ev.Record.Key, "wait", r.lookupWait)
	default:
		r.logger.Warn("participant lookup failed, targeted deliveries skipped",
			"collection", ev.Record.Collection, "key", ev.Record.Key, "err", err)
	}
	return nil
}
