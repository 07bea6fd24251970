package pipeline

import (
	"testing"

	"github.com/classpulse/realtime/internal/changefeed"
	"github.com/classpulse/realtime/internal/event"
)

func usersRule() CollectionRule {
	for _, r := range DefaultRules() {
		if r.Collection == "users" {
			return r
		}
	}
	panic("users rule missing")
}

func TestNormalize_IgnoredFieldsSuppress(t *testing.T) {
	rec := changefeed.Record{
		Collection: "users",
		Operation:  changefeed.OpUpdate,
		Key:        "u1",
		Fields:     []string{"theme"},
	}

	if _, ok := Normalize(usersRule(), rec); ok {
		t.Fatal("update touching only ignored fields must produce no event")
	}
}

func TestNormalize_MixedFieldsSurvive(t *testing.T) {
	rec := changefeed.Record{
		Collection: "users",
		Operation:  changefeed.OpUpdate,
		Key:        "u1",
		Fields:     []string{"theme", "email"},
	}

	ev, ok := Normalize(usersRule(), rec)
	if !ok {
		t.Fatal("update with a visible field must produce an event")
	}
	if ev.Kind != event.UsersUpdated {
		t.Fatalf("expected UsersUpdated, got %s", ev.Kind)
	}
	if ev.Notice.ID != "u1" || ev.Notice.Operation != "update" {
		t.Fatalf("unexpected notice: %+v", ev.Notice)
	}
}

func TestNormalize_InsertNeverSuppressed(t *testing.T) {
	rec := changefeed.Record{
		Collection: "users",
		Operation:  changefeed.OpInsert,
		Key:        "u2",
	}

	if _, ok := Normalize(usersRule(), rec); !ok {
		t.Fatal("inserts must always produce an event")
	}
}

func TestNormalize_KindPerCollection(t *testing.T) {
	expected := map[string]event.Kind{
		"users":         event.UsersUpdated,
		"roles":         event.RolesUpdated,
		"proficiencies": event.ProficienciesUpdated,
		"leaverequests": event.LeaveRequestsUpdated,
		"events":        event.EventsUpdated,
	}

	for _, rule := range DefaultRules() {
		want, ok := expected[rule.Collection]
		if !ok {
			t.Fatalf("unexpected collection %s", rule.Collection)
		}
		rec := changefeed.Record{Collection: rule.Collection, Operation: changefeed.OpReplace, Key: "x"}
		ev, ok := Normalize(rule, rec)
		if !ok {
			t.Fatalf("%s: replace must map to an event", rule.Collection)
		}
		if ev.Kind != want {
			t.Fatalf("%s: expected kind %s, got %s", rule.Collection, want, ev.Kind)
		}
	}
}
