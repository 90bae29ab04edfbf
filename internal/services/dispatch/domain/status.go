package domain

import "strings"

// Status is the authoritative lifecycle state of a Request.
type Status string

const (
	StatusDraft            Status = "draft"
	StatusSearching        Status = "searching"
	StatusAwaitingDecision Status = "awaiting_decision"
	StatusApproved         Status = "approved"
	StatusDeclined         Status = "declined"
	StatusExpired          Status = "expired"

	// StatusDeclinedPendingRerouting is the transient state between a decline
	// and the next routing attempt. It is never persisted or exposed.
	StatusDeclinedPendingRerouting Status = "declined_pending_rerouting"
)

var transitions = map[Status][]Status{
	StatusDraft:     {StatusSearching},
	StatusSearching: {StatusAwaitingDecision, StatusExpired},
	StatusAwaitingDecision: {
		StatusApproved,
		StatusDeclined,
		StatusExpired,
		StatusDeclinedPendingRerouting,
		// re-routing after SLA expiry keeps the request awaiting a new counterparty
		StatusAwaitingDecision,
	},
	StatusDeclinedPendingRerouting: {StatusAwaitingDecision, StatusExpired},
}

// ParseStatus normalizes a persisted or external status value.
func ParseStatus(value string) (Status, bool) {
	status := Status(strings.ToLower(strings.TrimSpace(value)))
	switch status {
	case StatusDraft, StatusSearching, StatusAwaitingDecision, StatusApproved, StatusDeclined, StatusExpired:
		return status, true
	default:
		return "", false
	}
}

// Terminal reports whether no further routing or decision may follow.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusDeclined, StatusExpired:
		return true
	default:
		return false
	}
}

// Internal reports whether the status exists only inside one operation.
func (s Status) Internal() bool {
	return s == StatusDeclinedPendingRerouting
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
