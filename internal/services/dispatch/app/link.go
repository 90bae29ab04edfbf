package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/louisbranch/dispatch/internal/services/dispatch/decision"
	"github.com/louisbranch/dispatch/internal/services/dispatch/domain"
	"github.com/louisbranch/dispatch/internal/services/dispatch/notify"
	"github.com/louisbranch/dispatch/internal/services/dispatch/render"
)

// RespondPath is the link-click decision endpoint.
const RespondPath = "/v1/decisions/respond"

// ResponseLinks builds the approve and decline links embedded in
// notifications. Both carry the same grant for the payload's routing and
// differ only in the decision they submit. An empty baseURL disables links.
func ResponseLinks(grants *decision.Grants, baseURL string) notify.LinkFunc {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return func(payload domain.NotificationPayload) (render.Links, error) {
		if baseURL == "" {
			return render.Links{}, nil
		}
		if grants == nil {
			return render.Links{}, errors.New("decision grants are not configured")
		}
		token, err := grants.Issue(decision.GrantSubject{
			RoutingID:      payload.RoutingID,
			RequestID:      payload.RequestID,
			CounterpartyID: payload.CounterpartyID,
			DeadlineAt:     payload.DeadlineAt,
		})
		if err != nil {
			return render.Links{}, fmt.Errorf("issue decision grant: %w", err)
		}
		link := func(verdict string) string {
			return baseURL + RespondPath + "?" + url.Values{"token": {token}, "decision": {verdict}}.Encode()
		}
		return render.Links{Approve: link("approve"), Decline: link("decline")}, nil
	}
}
