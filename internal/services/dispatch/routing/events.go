package routing

import (
	"fmt"
	"time"

	"github.com/louisbranch/dispatch/internal/services/dispatch/domain"
)

// NotificationEvents builds one pending event of kind per channel for which
// the routed counterparty has a contact. Channels without a contact are
// skipped.
func NotificationEvents(kind domain.NotificationKind, request domain.Request, routing domain.Routing, channels []string, newID func() (string, error), now time.Time) ([]domain.NotificationEvent, error) {
	events := make([]domain.NotificationEvent, 0, len(channels))
	for _, channel := range channels {
		recipient := routing.Contacts[channel]
		if recipient == "" {
			continue
		}
		eventID, err := newID()
		if err != nil {
			return nil, fmt.Errorf("generate notification id: %w", err)
		}
		events = append(events, domain.NotificationEvent{
			ID:             eventID,
			RequestID:      request.ID,
			RoutingID:      routing.ID,
			CounterpartyID: routing.CounterpartyID,
			SenderID:       request.RequesterID,
			Kind:           kind,
			Channel:        channel,
			Recipient:      recipient,
			Status:         domain.NotificationPending,
			Payload: domain.NotificationPayload{
				Kind:           kind,
				RequestID:      request.ID,
				RoutingID:      routing.ID,
				CounterpartyID: routing.CounterpartyID,
				ItemID:         request.ItemID,
				Terms:          request.Terms.String(),
				Attempt:        routing.AttemptNumber,
				DeadlineAt:     routing.DeadlineAt,
				Locale:         routing.Locale,
			},
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return events, nil
}
