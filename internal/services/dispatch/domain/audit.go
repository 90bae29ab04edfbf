package domain

import (
	"fmt"
	"time"
)

// Audit actions.
const (
	ActionRequestCreated       = "request.created"
	ActionRequestTransitioned  = "request.transitioned"
	ActionCandidatesGenerated  = "candidates.generated"
	ActionRoutingCreated       = "routing.created"
	ActionRoutingClosed        = "routing.closed"
	ActionDecisionRecorded     = "decision.recorded"
	ActionReminderScheduled    = "reminder.scheduled"
	ActionNotificationSent     = "notification.sent"
	ActionNotificationFailed   = "notification.failed"
	ActionNotificationRejected = "notification.rate_limited"
)

// Audit entity types.
const (
	EntityRequest      = "request"
	EntityRouting      = "routing"
	EntityDecision     = "decision"
	EntityNotification = "notification"
)

// Rules name why a transition happened.
const (
	RuleMatchTriggered      = "match_triggered"
	RuleRouted              = "routed"
	RuleRerouted            = "rerouted"
	RuleDecisionApproved    = "decision_approved"
	RuleDecisionDeclined    = "decision_declined"
	RuleAutoApproved        = "auto_approved"
	RuleExpired             = "expired"
	RuleCandidatesExhausted = "candidates_exhausted"
)

// ReasonCandidatesExhausted is the status reason when no untried candidate remains.
const ReasonCandidatesExhausted = "candidates exhausted"

// AuditKind discriminates the metadata schema of an entry.
type AuditKind string

const (
	AuditKindCreation     AuditKind = "creation"
	AuditKindTransition   AuditKind = "transition"
	AuditKindCandidates   AuditKind = "candidates"
	AuditKindRouting      AuditKind = "routing"
	AuditKindDecision     AuditKind = "decision"
	AuditKindNotification AuditKind = "notification"
)

// AuditEntry is an append-only record of one action.
type AuditEntry struct {
	ID         string
	RequestID  string
	Actor      string
	Action     string
	EntityType string
	EntityID   string
	Metadata   AuditMetadata
	CreatedAt  time.Time
}

// AuditMetadata is the typed payload of an audit entry. Kind selects which
// fields are populated.
type AuditMetadata struct {
	Kind AuditKind `json:"kind"`

	// transition
	From   Status `json:"from,omitempty"`
	To     Status `json:"to,omitempty"`
	Via    Status `json:"via,omitempty"`
	Rule   string `json:"rule,omitempty"`
	Reason string `json:"reason,omitempty"`

	// routing, decision, candidates
	CounterpartyID string `json:"counterparty_id,omitempty"`
	RoutingID      string `json:"routing_id,omitempty"`
	Attempt        int    `json:"attempt,omitempty"`
	Verdict        string `json:"verdict,omitempty"`
	Generation     int    `json:"generation,omitempty"`
	Eligible       int    `json:"eligible,omitempty"`
	Total          int    `json:"total,omitempty"`

	// notification
	Channel   string `json:"channel,omitempty"`
	EventKind string `json:"event_kind,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`
}

// TransitionLabel renders a transition as "from→to", suffixed with "(auto)"
// for auto-approvals. Non-transition entries return "".
func (e AuditEntry) TransitionLabel() string {
	if e.Metadata.Kind != AuditKindTransition {
		return ""
	}
	label := fmt.Sprintf("%s→%s", e.Metadata.From, e.Metadata.To)
	if e.Metadata.Rule == RuleAutoApproved {
		label += "(auto)"
	}
	return label
}

// TransitionEntry builds the audit entry for a status change.
func TransitionEntry(requestID, actor string, from, to Status, rule, reason string, at time.Time) AuditEntry {
	return AuditEntry{
		RequestID:  requestID,
		Actor:      actor,
		Action:     ActionRequestTransitioned,
		EntityType: EntityRequest,
		EntityID:   requestID,
		Metadata: AuditMetadata{
			Kind:   AuditKindTransition,
			From:   from,
			To:     to,
			Rule:   rule,
			Reason: reason,
		},
		CreatedAt: at,
	}
}

// RoutingEntry builds a routing.created or routing.closed audit entry.
func RoutingEntry(action, actor string, routing Routing, reason string, at time.Time) AuditEntry {
	return AuditEntry{
		RequestID:  routing.RequestID,
		Actor:      actor,
		Action:     action,
		EntityType: EntityRouting,
		EntityID:   routing.ID,
		Metadata: AuditMetadata{
			Kind:           AuditKindRouting,
			CounterpartyID: routing.CounterpartyID,
			RoutingID:      routing.ID,
			Attempt:        routing.AttemptNumber,
			Reason:         reason,
		},
		CreatedAt: at,
	}
}

// DecisionEntry builds the decision.recorded audit entry for decision.
func DecisionEntry(decision Decision) AuditEntry {
	return AuditEntry{
		RequestID:  decision.RequestID,
		Actor:      decision.DecidedBy,
		Action:     ActionDecisionRecorded,
		EntityType: EntityDecision,
		EntityID:   decision.ID,
		Metadata: AuditMetadata{
			Kind:           AuditKindDecision,
			CounterpartyID: decision.CounterpartyID,
			RoutingID:      decision.RoutingID,
			Verdict:        string(decision.Verdict),
			Reason:         decision.Reason,
		},
		CreatedAt: decision.DecidedAt,
	}
}
