package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/classpulse/realtime/internal/changefeed"
	"github.com/classpulse/realtime/internal/event"
)

type emitCall struct {
	UserID string
	Kind   event.Kind
	ID     string
}

type recordingEmitter struct {
	mu    sync.Mutex
	calls []emitCall
}

func noticeID(payload any) string {
	if n, ok := payload.(event.ChangeNotice); ok {
		return n.ID
	}
	return ""
}

func (e *recordingEmitter) EmitToUser(userID string, kind event.Kind, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, emitCall{UserID: userID, Kind: kind, ID: noticeID(payload)})
}

func (e *recordingEmitter) Broadcast(kind event.Kind, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, emitCall{Kind: kind, ID: noticeID(payload)})
}

func (e *recordingEmitter) snapshot() []emitCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]emitCall(nil), e.calls...)
}

type fetchResult struct {
	env changefeed.Envelope
	err error
}

// scriptedFeed plays back a fixed sequence, then blocks until cancellation.
type scriptedFeed struct {
	script []fetchResult
	next   int

	commits chan any
	closed  bool
}

func newScriptedFeed(script ...fetchResult) *scriptedFeed {
	return &scriptedFeed{script: script, commits: make(chan any, len(script)+1)}
}

func (f *scriptedFeed) Fetch(ctx context.Context) (changefeed.Envelope, error) {
	if f.next < len(f.script) {
		r := f.script[f.next]
		f.next++
		return r.env, r.err
	}
	<-ctx.Done()
	return changefeed.Envelope{}, ctx.Err()
}

func (f *scriptedFeed) Commit(ctx context.Context, env changefeed.Envelope) error {
	f.commits <- env.Position
	return nil
}

func (f *scriptedFeed) Close() error {
	f.closed = true
	return nil
}

func runSubscriber(t *testing.T, rule CollectionRule, feed *scriptedFeed, emitter *recordingEmitter, expectCommits int) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	router := NewRouter(nil, time.Second, testLogger())
	sub := NewSubscriber(rule, feed, router, emitter, testLogger())

	done := make(chan struct{})
	go func() {
		sub.Run(ctx)
		close(done)
	}()

	for i := 0; i < expectCommits; i++ {
		select {
		case <-feed.commits:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for commit %d of %d", i+1, expectCommits)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop on cancellation")
	}

	if !feed.closed {
		t.Fatal("feed must be closed when the subscriber exits")
	}
}

func updateEnv(collection, key string, pos int, fields ...string) fetchResult {
	return fetchResult{env: changefeed.Envelope{
		Record: changefeed.Record{
			Collection: collection,
			Operation:  changefeed.OpUpdate,
			Key:        key,
			Fields:     fields,
		},
		Position: pos,
	}}
}

func TestSubscriber_PreservesCommitOrder(t *testing.T) {
	const n = 32
	script := make([]fetchResult, 0, n)
	for i := 0; i < n; i++ {
		script = append(script, updateEnv("roles", fmt.Sprintf("r%d", i), i, "name"))
	}
	feed := newScriptedFeed(script...)
	emitter := &recordingEmitter{}

	runSubscriber(t, ruleFor(t, "roles"), feed, emitter, n)

	calls := emitter.snapshot()
	if len(calls) != n {
		t.Fatalf("expected %d broadcasts, got %d", n, len(calls))
	}
	for i, c := range calls {
		if c.UserID != "" || c.Kind != event.RolesUpdated {
			t.Fatalf("broadcast %d: unexpected call %+v", i, c)
		}
		if want := fmt.Sprintf("r%d", i); c.ID != want {
			t.Fatalf("broadcast %d: got document %q, want %q; dispatch order must match commit order", i, c.ID, want)
		}
	}
}

func TestSubscriber_MalformedRecordSkippedAndAcked(t *testing.T) {
	malformed := fetchResult{
		env: changefeed.Envelope{Position: 0},
		err: fmt.Errorf("%w: bad payload", changefeed.ErrMalformed),
	}
	feed := newScriptedFeed(malformed, updateEnv("roles", "r1", 1, "name"))
	emitter := &recordingEmitter{}

	runSubscriber(t, ruleFor(t, "roles"), feed, emitter, 2)

	calls := emitter.snapshot()
	if len(calls) != 1 || calls[0].Kind != event.RolesUpdated {
		t.Fatalf("expected only the valid record to dispatch, got %+v", calls)
	}
}

func TestSubscriber_CascadeFiresWhenPrimarySuppressed(t *testing.T) {
	rule := CollectionRule{
		Collection: "events",
		Kind:       event.EventsUpdated,
		Ignore:     map[string]struct{}{"updatedAt": {}},
		Cascade:    []event.Kind{event.PlatformStatsUpdated},
	}
	feed := newScriptedFeed(updateEnv("events", "e1", 0, "updatedAt"))
	emitter := &recordingEmitter{}

	runSubscriber(t, rule, feed, emitter, 1)

	calls := emitter.snapshot()
	if len(calls) != 1 || calls[0].Kind != event.PlatformStatsUpdated || calls[0].UserID != "" {
		t.Fatalf("expected only the cascade broadcast, got %+v", calls)
	}
}

func TestSubscriber_CascadeAddsToPrimary(t *testing.T) {
	feed := newScriptedFeed(fetchResult{env: changefeed.Envelope{
		Record: changefeed.Record{
			Collection: "events",
			Operation:  changefeed.OpInsert,
			Key:        "e1",
		},
		Position: 0,
	}})
	emitter := &recordingEmitter{}

	runSubscriber(t, ruleFor(t, "events"), feed, emitter, 1)

	calls := emitter.snapshot()
	if len(calls) != 2 {
		t.Fatalf("expected primary plus cascade broadcast, got %+v", calls)
	}
	kinds := map[event.Kind]int{}
	for _, c := range calls {
		if c.UserID != "" {
			t.Fatalf("expected broadcasts only, got %+v", c)
		}
		kinds[c.Kind]++
	}
	if kinds[event.EventsUpdated] != 1 || kinds[event.PlatformStatsUpdated] != 1 {
		t.Fatalf("expected one EventsUpdated and one PlatformStatsUpdated, got %v", kinds)
	}
}

func TestBackoffIsBounded(t *testing.T) {
	if got := backoff(1); got != fetchRetryBase {
		t.Fatalf("first retry should use the base delay, got %s", got)
	}
	for i := 1; i < 64; i++ {
		if got := backoff(i); got > fetchRetryMax {
			t.Fatalf("backoff(%d) exceeds cap: %s", i, got)
		}
	}
}
