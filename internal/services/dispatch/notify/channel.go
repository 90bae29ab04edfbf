package notify

import (
	"context"

	"github.com/louisbranch/dispatch/internal/services/dispatch/domain"
	"github.com/louisbranch/dispatch/internal/services/dispatch/render"
)

// Message is rendered copy addressed to one recipient on one channel.
type Message struct {
	EventID   string
	Kind      domain.NotificationKind
	Recipient string
	Title     string
	Body      string
	Links     render.Links
	Locale    string
}

// DeliveryResult describes an accepted send.
type DeliveryResult struct {
	// ProviderID is the provider's message identifier, when it returns one.
	ProviderID string
}

// Channel sends messages through one provider. Send must honor ctx and
// return a Permanent error for failures a retry cannot fix.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) (DeliveryResult, error)
}
