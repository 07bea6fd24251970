package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/classpulse/realtime/internal/changefeed"
	"github.com/classpulse/realtime/libs/runtime"
)

// FeedOpener attaches to one collection's mutation feed. An error here is
// fatal to pipeline startup.
type FeedOpener func(ctx context.Context, collection string) (changefeed.Feed, error)

// Pipeline is the set of running per-collection subscribers.
type Pipeline struct {
	subscribers []*Subscriber
	wg          sync.WaitGroup
}

// Start attaches every collection's feed and launches one subscriber
// goroutine per collection. Any feed that cannot be established aborts
// startup: partial observation would mean silent blindness to a
// collection's changes from day one.
func Start(ctx context.Context, rules []CollectionRule, open FeedOpener, router *Router, emitter Emitter, logger *slog.Logger) (*Pipeline, error) {
	p := &Pipeline{}

	for _, rule := range rules {
		feed, err := open(ctx, rule.Collection)
		if err != nil {
			for _, s := range p.subscribers {
				_ = s.feed.Close()
			}
			return nil, fmt.Errorf("pipeline start: %w", err)
		}
		p.subscribers = append(p.subscribers, NewSubscriber(rule, feed, router, emitter, logger))
	}

	for _, s := range p.subscribers {
		p.wg.Add(1)
		go func(s *Subscriber) {
			defer p.wg.Done()
			s.Run(ctx)
		}(s)
	}

	logger.Info("pipeline started", "collections", len(p.subscribers))
	return p, nil
}

// Wait blocks until every subscriber has exited, which happens after the
// context passed to Start is cancelled.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// ReadyChecks exposes one named liveness check per collection for /readyz.
func (p *Pipeline) ReadyChecks() []runtime.ReadyCheck {
	checks := make([]runtime.ReadyCheck, 0, len(p.subscribers))
	for _, s := range p.subscribers {
		s := s
		checks = append(checks, runtime.ReadyCheck{
			Name: "feed:" + s.rule.Collection,
			Check: func(context.Context) error {
				return s.Healthy()
			},
		})
	}
	return checks
}
