// Package pipeline connects the per-collection change feeds to the live
// transport: normalize, filter, route, cascade. One subscriber per
// collection processes records strictly in commit order; subscribers for
// different collections run independently.
package pipeline

import (
	"github.com/classpulse/realtime/internal/event"
)

// CollectionRule is the static per-collection configuration: event kind,
// filtering, targeted-delivery behavior and cascade kinds. The table is
// immutable after startup.
type CollectionRule struct {
	Collection string

	// Kind is the broadcast label for any surviving mutation.
	Kind event.Kind

	// OwnerKind, when set, marks the collection as user-scoped: the
	// document key is itself a user id, and that user additionally gets a
	// targeted delivery under this kind.
	OwnerKind event.Kind

	// Lookup marks collections whose documents reference participant
	// identities that require a secondary point lookup to resolve.
	Lookup bool

	// Ignore lists fields with no externally visible effect. An update
	// touching only ignored fields produces no primary event.
	Ignore map[string]struct{}

	// Cascade lists derived kinds broadcast on every mutation of this
	// collection, filtering notwithstanding.
	Cascade []event.Kind
}

// DefaultRules is the production collection table.
func DefaultRules() []CollectionRule {
	return []CollectionRule{
		{
			Collection: "users",
			Kind:       event.UsersUpdated,
			OwnerKind:  event.CurrentUserUpdate,
			Ignore: map[string]struct{}{
				"theme":      {},
				"lastSeenAt": {},
			},
		},
		{
			Collection: "roles",
			Kind:       event.RolesUpdated,
		},
		{
			Collection: "proficiencies",
			Kind:       event.ProficienciesUpdated,
		},
		{
			Collection: "leaverequests",
			Kind:       event.LeaveRequestsUpdated,
			Lookup:     true,
			Cascade:    []event.Kind{event.PlatformStatsUpdated},
		},
		{
			Collection: "events",
			Kind:       event.EventsUpdated,
			Lookup:     true,
			Cascade:    []event.Kind{event.PlatformStatsUpdated},
		},
	}
}

// CascadeKinds returns the derived broadcast kinds for a mutation on this
// collection. Evaluated for every record, even ones the filter suppressed.
func (r CollectionRule) CascadeKinds() []event.Kind {
	return r.Cascade
}
