// Package event holds the closed set of realtime event kinds and the
// payloads attached to them. Kinds are labels, not subscription channels:
// the transport pushes every broadcast to every connection and clients
// ignore kinds they do not care about.
package event

// Kind labels a realtime event on the wire.
type Kind string

const (
	UsersUpdated         Kind = "UsersUpdated"
	RolesUpdated         Kind = "RolesUpdated"
	ProficienciesUpdated Kind = "ProficienciesUpdated"
	LeaveRequestsUpdated Kind = "LeaveRequestsUpdated"
	EventsUpdated        Kind = "EventsUpdated"
	CurrentUserUpdate    Kind = "CurrentUserUpdate"
	PlatformStatsUpdated Kind = "PlatformStatsUpdated"
)

var known = map[Kind]struct{}{
	UsersUpdated:         {},
	RolesUpdated:         {},
	ProficienciesUpdated: {},
	LeaveRequestsUpdated: {},
	EventsUpdated:        {},
	CurrentUserUpdate:    {},
	PlatformStatsUpdated: {},
}

// Valid reports whether k is part of the closed enumeration.
func Valid(k Kind) bool {
	_, ok := known[k]
	return ok
}

// ChangeNotice is the payload attached to change-driven events. It carries
// just enough for a client to decide whether to refetch.
type ChangeNotice struct {
	Collection string   `json:"collection"`
	Operation  string   `json:"operation"`
	ID         string   `json:"id"`
	Fields     []string `json:"fields,omitempty"`
}
