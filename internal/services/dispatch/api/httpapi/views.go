package httpapi

import (
	"time"

	"github.com/louisbranch/dispatch/internal/services/dispatch/app"
	"github.com/louisbranch/dispatch/internal/services/dispatch/domain"
	"github.com/shopspring/decimal"
)

type requestJSON struct {
	ID             string     `json:"id"`
	RequesterID    string     `json:"requester_id"`
	ItemID         string     `json:"item_id"`
	OrganizationID string     `json:"organization_id,omitempty"`
	RequestType    string     `json:"request_type,omitempty"`
	Category       string     `json:"category"`
	Region         string     `json:"region,omitempty"`
	Terms          string     `json:"terms"`
	Status         string     `json:"status"`
	StatusReason   string     `json:"status_reason,omitempty"`
	AgreedTerms    *string    `json:"agreed_terms,omitempty"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

type candidateJSON struct {
	CounterpartyID string                  `json:"counterparty_id"`
	Generation     int                     `json:"generation"`
	Eligible       bool                    `json:"eligible"`
	Reason         string                  `json:"reason,omitempty"`
	Score          float64                 `json:"score"`
	Rank           int                     `json:"rank,omitempty"`
	DistanceKm     *float64                `json:"distance_km,omitempty"`
	Breakdown      []domain.ScoreComponent `json:"breakdown,omitempty"`
}

type routingJSON struct {
	ID             string     `json:"id"`
	CounterpartyID string     `json:"counterparty_id"`
	Attempt        int        `json:"attempt"`
	Score          float64    `json:"score"`
	DispatchedAt   time.Time  `json:"dispatched_at"`
	ReminderAt     time.Time  `json:"reminder_at"`
	DeadlineAt     time.Time  `json:"deadline_at"`
	RemindedAt     *time.Time `json:"reminded_at,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	CloseReason    string     `json:"close_reason,omitempty"`
}

type decisionJSON struct {
	ID             string    `json:"id"`
	RoutingID      string    `json:"routing_id"`
	CounterpartyID string    `json:"counterparty_id"`
	Verdict        string    `json:"decision"`
	ProposedTerms  *string   `json:"proposed_terms,omitempty"`
	Reason         string    `json:"message,omitempty"`
	DecidedAt      time.Time `json:"decided_at"`
	DecidedBy      string    `json:"decided_by"`
}

type statusJSON struct {
	Request       requestJSON     `json:"request"`
	Candidates    []candidateJSON `json:"candidates"`
	ActiveRouting *routingJSON    `json:"active_routing,omitempty"`
	Routings      []routingJSON   `json:"routings"`
	Decisions     []decisionJSON  `json:"decisions"`
}

type auditJSON struct {
	ID         string               `json:"id"`
	Actor      string               `json:"actor"`
	Action     string               `json:"action"`
	EntityType string               `json:"entity_type"`
	EntityID   string               `json:"entity_id"`
	Label      string               `json:"label,omitempty"`
	Metadata   domain.AuditMetadata `json:"metadata"`
	CreatedAt  time.Time            `json:"created_at"`
}

func decimalString(value *decimal.Decimal) *string {
	if value == nil {
		return nil
	}
	s := value.String()
	return &s
}

func requestView(r domain.Request) requestJSON {
	return requestJSON{
		ID:             r.ID,
		RequesterID:    r.RequesterID,
		ItemID:         r.ItemID,
		OrganizationID: r.OrganizationID,
		RequestType:    r.RequestType,
		Category:       r.Category,
		Region:         r.Region,
		Terms:          r.Terms.String(),
		Status:         string(r.Status),
		StatusReason:   r.StatusReason,
		AgreedTerms:    decimalString(r.AgreedTerms),
		Version:        r.Version,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		ResolvedAt:     r.ResolvedAt,
	}
}

func routingView(r domain.Routing) routingJSON {
	return routingJSON{
		ID:             r.ID,
		CounterpartyID: r.CounterpartyID,
		Attempt:        r.AttemptNumber,
		Score:          r.Score,
		DispatchedAt:   r.DispatchedAt,
		ReminderAt:     r.ReminderAt,
		DeadlineAt:     r.DeadlineAt,
		RemindedAt:     r.RemindedAt,
		ClosedAt:       r.ClosedAt,
		CloseReason:    r.CloseReason,
	}
}

func decisionView(d domain.Decision) decisionJSON {
	return decisionJSON{
		ID:             d.ID,
		RoutingID:      d.RoutingID,
		CounterpartyID: d.CounterpartyID,
		Verdict:        string(d.Verdict),
		ProposedTerms:  decimalString(d.ProposedTerms),
		Reason:         d.Reason,
		DecidedAt:      d.DecidedAt,
		DecidedBy:      d.DecidedBy,
	}
}

func auditView(e domain.AuditEntry) auditJSON {
	return auditJSON{
		ID:         e.ID,
		Actor:      e.Actor,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Label:      e.TransitionLabel(),
		Metadata:   e.Metadata,
		CreatedAt:  e.CreatedAt,
	}
}

func statusView(s app.RequestStatus) statusJSON {
	out := statusJSON{
		Request:    requestView(s.Request),
		Candidates: make([]candidateJSON, 0, len(s.Candidates)),
		Routings:   make([]routingJSON, 0, len(s.Routings)),
		Decisions:  make([]decisionJSON, 0, len(s.Decisions)),
	}
	for _, c := range s.Candidates {
		out.Candidates = append(out.Candidates, candidateJSON{
			CounterpartyID: c.CounterpartyID,
			Generation:     c.Generation,
			Eligible:       c.Eligible,
			Reason:         c.Reason,
			Score:          c.Score,
			Rank:           c.Rank,
			DistanceKm:     c.DistanceKm,
			Breakdown:      c.Breakdown,
		})
	}
	if s.ActiveRouting != nil {
		active := routingView(*s.ActiveRouting)
		out.ActiveRouting = &active
	}
	for _, r := range s.Routings {
		out.Routings = append(out.Routings, routingView(r))
	}
	for _, d := range s.Decisions {
		out.Decisions = append(out.Decisions, decisionView(d))
	}
	return out
}
