package pipeline

import (
	"github.com/classpulse/realtime/internal/changefeed"
	"github.com/classpulse/realtime/internal/event"
)

// DomainEvent is a filtered, labeled change ready for routing. It is
// consumed by the router and discarded after dispatch.
type DomainEvent struct {
	Kind   event.Kind
	Notice event.ChangeNotice
	Record changefeed.Record
}

// Normalize maps a validated record to its domain event, or reports that
// the change is noise. Pure and synchronous: an update whose entire field
// set is on the collection's ignore-list produces nothing, every other
// record maps 1:1.
func Normalize(rule CollectionRule, rec changefeed.Record) (DomainEvent, bool) {
	if suppressed(rule, rec) {
		return DomainEvent{}, false
	}

	return DomainEvent{
		Kind: rule.Kind,
		Notice: event.ChangeNotice{
			Collection: rec.Collection,
			Operation:  string(rec.Operation),
			ID:         rec.Key,
			Fields:     rec.Fields,
		},
		Record: rec,
	}, true
}

func suppressed(rule CollectionRule, rec changefeed.Record) bool {
	if rec.Operation != changefeed.OpUpdate || len(rec.Fields) == 0 {
		return false
	}
	for _, f := range rec.Fields {
		if _, ok := rule.Ignore[f]; !ok {
			return false
		}
	}
	return true
}
