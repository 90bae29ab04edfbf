package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DecidedBySystem marks decisions synthesized by SLA auto-resolution.
const DecidedBySystem = "system"

// Verdict is a counterparty's answer to a routing.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictDeclined Verdict = "declined"
)

// ParseVerdict accepts approve/approved/accept and decline/declined/reject.
func ParseVerdict(value string) (Verdict, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "approve", "approved", "accept", "accepted":
		return VerdictApproved, true
	case "decline", "declined", "reject", "rejected":
		return VerdictDeclined, true
	default:
		return "", false
	}
}

// Decision is an immutable verdict on one routing.
type Decision struct {
	ID             string
	RequestID      string
	RoutingID      string
	CounterpartyID string
	Verdict        Verdict
	ProposedTerms  *decimal.Decimal
	Reason         string
	DecidedAt      time.Time
	DecidedBy      string
}
