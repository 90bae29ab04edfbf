package domain

import "time"

// NotificationKind names the message being delivered.
type NotificationKind string

const (
	NotificationDecisionRequest NotificationKind = "decision_request"
	NotificationReminder        NotificationKind = "reminder"
)

// NotificationStatus is the delivery lifecycle of an event.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// Notification failure codes.
const (
	NotificationErrRateLimited        = "rate_limited"
	NotificationErrServiceUnavailable = "service_unavailable"
	NotificationErrRetriesExhausted   = "retries_exhausted"
	NotificationErrPermanent          = "permanent"
	NotificationErrUnknownChannel     = "unknown_channel"
)

// NotificationEvent is one message to deliver over one channel.
type NotificationEvent struct {
	ID             string
	RequestID      string
	RoutingID      string
	CounterpartyID string
	SenderID       string
	Kind           NotificationKind
	Channel        string
	Recipient      string
	Status         NotificationStatus
	Payload        NotificationPayload
	ErrorCode      string
	Error          string
	AttemptCount   int
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SentAt         *time.Time
}

// NotificationPayload is the rendering input stored with an event.
type NotificationPayload struct {
	Kind           NotificationKind `json:"kind"`
	RequestID      string           `json:"request_id"`
	RoutingID      string           `json:"routing_id"`
	CounterpartyID string           `json:"counterparty_id"`
	ItemID         string           `json:"item_id"`
	Terms          string           `json:"terms"`
	Attempt        int              `json:"attempt"`
	DeadlineAt     time.Time        `json:"deadline_at"`
	Locale         string           `json:"locale,omitempty"`
}

// NotificationAttempt records one try at delivering an event.
type NotificationAttempt struct {
	EventID     string
	Attempt     int
	Outcome     string
	ErrorCode   string
	Error       string
	AttemptedAt time.Time
	Duration    time.Duration
}

// Attempt outcomes.
const (
	AttemptSent               = "sent"
	AttemptFailed             = "failed"
	AttemptRateLimited        = "rate_limited"
	AttemptServiceUnavailable = "service_unavailable"
)
