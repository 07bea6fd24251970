package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/classpulse/realtime/internal/changefeed"
	otelx "github.com/classpulse/realtime/libs/otel"
)

const (
	fetchRetryBase = time.Second
	fetchRetryMax  = 30 * time.Second
	// fetchFailureBudget is how many consecutive fetch failures a
	// subscriber absorbs before it reports itself unhealthy. It keeps
	// retrying either way: going blind on a collection silently is the one
	// thing this loop must never do.
	fetchFailureBudget = 5
)

// Subscriber drives one collection's feed. Records are processed strictly
// one at a time in arrival order; the feed position is committed only after
// the record's routing and dispatch completed, so a crash replays rather
// than skips (at-least-once, harmless to receivers).
type Subscriber struct {
	rule    CollectionRule
	feed    changefeed.Feed
	router  *Router
	emitter Emitter
	logger  *slog.Logger

	mu      sync.Mutex
	lastErr error
}

func NewSubscriber(rule CollectionRule, feed changefeed.Feed, router *Router, emitter Emitter, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		rule:    rule,
		feed:    feed,
		router:  router,
		emitter: emitter,
		logger:  logger.With("collection", rule.Collection),
	}
}

// Healthy returns nil while the subscriber is keeping up with its feed.
// It reports the last escalated error once the retry budget is exhausted.
func (s *Subscriber) Healthy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Subscriber) setHealth(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// Run consumes the feed until ctx is cancelled. It never returns early on
// feed errors: transient disruptions are retried with backoff, sustained
// ones are escalated through Healthy and the error log while retrying
// continues.
func (s *Subscriber) Run(ctx context.Context) {
	defer func() {
		if err := s.feed.Close(); err != nil {
			s.logger.Error("feed close failed", "err", err)
		}
	}()

	failures := 0
	for {
		env, err := s.feed.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, changefeed.ErrMalformed) {
				// Drop the record, keep the stream. The position still has
				// to be acknowledged or the feed would redeliver it forever.
				s.logger.Error("malformed change record dropped", "err", err)
				s.commit(ctx, env)
				continue
			}

			failures++
			if failures >= fetchFailureBudget {
				escalated := fmt.Errorf("feed for %s not resuming: %w", s.rule.Collection, err)
				s.setHealth(escalated)
				s.logger.Error("change feed lost, resumption failing", "failures", failures, "err", err)
			} else {
				s.logger.Warn("change feed fetch failed, retrying", "failures", failures, "err", err)
			}
			s.sleep(ctx, backoff(failures))
			continue
		}

		if failures > 0 {
			s.logger.Info("change feed resumed", "after_failures", failures)
		}
		failures = 0
		s.setHealth(nil)

		s.handle(ctx, env)
		s.commit(ctx, env)
	}
}

func (s *Subscriber) handle(ctx context.Context, env changefeed.Envelope) {
	ctx = otelx.ContextWithTraceContext(ctx, env.Traceparent, env.Tracestate)
	ctx, span := otel.Tracer("pipeline").Start(ctx, "changefeed.process",
		trace.WithAttributes(
			attribute.String("collection", env.Record.Collection),
			attribute.String("operation", string(env.Record.Operation)),
			attribute.String("document_key", env.Record.Key),
		),
	)
	defer span.End()

	rec := env.Record

	if ev, ok := Normalize(s.rule, rec); ok {
		for _, d := range s.router.Route(ctx, s.rule, ev) {
			if d.UserID == "" {
				s.emitter.Broadcast(d.Kind, d.Payload)
			} else {
				s.emitter.EmitToUser(d.UserID, d.Kind, d.Payload)
			}
		}
	} else {
		s.logger.Debug("change suppressed by filter", "operation", rec.Operation, "key", rec.Key)
	}

	// Cascades fire regardless of whether the primary event survived the
	// filter: aggregate consumers care that something changed, not which
	// fields.
	for _, kind := range s.rule.CascadeKinds() {
		s.emitter.Broadcast(kind, s.cascadeNotice(rec))
	}
}

func (s *Subscriber) cascadeNotice(rec changefeed.Record) any {
	return map[string]string{"collection": rec.Collection, "operation": string(rec.Operation)}
}

func (s *Subscriber) commit(ctx context.Context, env changefeed.Envelope) {
	if env.Position == nil {
		return
	}
	if err := s.feed.Commit(ctx, env); err != nil && ctx.Err() == nil {
		// Redelivery after a missed commit is safe; receivers tolerate a
		// repeated notification.
		s.logger.Warn("feed position commit failed", "err", err)
	}
}

func (s *Subscriber) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func backoff(failures int) time.Duration {
	d := fetchRetryBase << (failures - 1)
	if d > fetchRetryMax || d <= 0 {
		return fetchRetryMax
	}
	return d
}
