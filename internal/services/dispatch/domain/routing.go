package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Routing close reasons.
const (
	CloseReasonApproved     = "approved"
	CloseReasonDeclined     = "declined"
	CloseReasonExpired      = "expired"
	CloseReasonAutoApproved = "auto_approved"
)

// Routing records one dispatch of a request to a counterparty.
type Routing struct {
	ID             string
	RequestID      string
	CounterpartyID string
	AttemptNumber  int
	Score          float64
	DistanceKm     *float64
	DispatchedAt   time.Time
	ReminderAt     time.Time
	DeadlineAt     time.Time
	RemindedAt     *time.Time
	ClosedAt       *time.Time
	CloseReason    string
	// Contacts, Locale and AutoApprove are captured from the ranked profile.
	Contacts    map[string]string
	Locale      string
	AutoApprove *decimal.Decimal
}

// Active reports whether the routing has not been closed.
func (r Routing) Active() bool {
	return r.ClosedAt == nil
}
