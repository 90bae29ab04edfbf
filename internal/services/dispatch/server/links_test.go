package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/dispatch/internal/services/dispatch/api/httpapi"
	"github.com/louisbranch/dispatch/internal/services/dispatch/app"
	"github.com/louisbranch/dispatch/internal/services/dispatch/decision"
	"github.com/louisbranch/dispatch/internal/services/dispatch/domain"
	"github.com/louisbranch/dispatch/internal/services/dispatch/notify"
	"github.com/louisbranch/dispatch/internal/services/dispatch/policy"
	"github.com/louisbranch/dispatch/internal/services/dispatch/pool"
	"github.com/louisbranch/dispatch/internal/services/dispatch/storage/sqlite"
)

type capturingChannel struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (c *capturingChannel) Name() string { return "webhook" }

func (c *capturingChannel) Send(_ context.Context, msg notify.Message) (notify.DeliveryResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return notify.DeliveryResult{ProviderID: msg.EventID}, nil
}

func (c *capturingChannel) messages() []notify.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.Message(nil), c.sent...)
}

type respondResponse struct {
	Decision struct {
		Verdict string `json:"decision"`
	} `json:"decision"`
	Request struct {
		Status string `json:"status"`
	} `json:"request"`
	Replayed bool `json:"replayed"`
}

// bodyLink returns the URL printed after prefix in a rendered body.
func bodyLink(t *testing.T, body, prefix string) *url.URL {
	t.Helper()
	for _, line := range strings.Split(body, "\n") {
		if raw, ok := strings.CutPrefix(line, prefix); ok {
			parsed, err := url.Parse(strings.TrimSpace(raw))
			if err != nil {
				t.Fatalf("parse %q: %v", raw, err)
			}
			return parsed
		}
	}
	t.Fatalf("no %q line in body %q", prefix, body)
	return nil
}

func follow(t *testing.T, handler http.Handler, link *url.URL) respondResponse {
	t.Helper()
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, link.RequestURI(), nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET %s = %d: %s", link.RequestURI(), rr.Code, rr.Body.String())
	}
	var out respondResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestRenderedDecisionLinksResolveThroughHandler(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "dispatch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	grants, err := decision.NewGrants(testGrantConfig(t))
	if err != nil {
		t.Fatalf("grants: %v", err)
	}
	fallback := policy.Default()
	fallback.Channels = []string{"webhook"}
	policies, err := policy.NewSet(fallback)
	if err != nil {
		t.Fatalf("policies: %v", err)
	}

	channel := &capturingChannel{}
	orchestrator, err := notify.New(notify.Config{
		Store:    store,
		Channels: []notify.Channel{channel},
		Link:     app.ResponseLinks(grants, "https://dispatch.example"),
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	service, err := app.New(app.Config{
		Store: store,
		Pool: pool.NewStatic(domain.Counterparty{
			ID:           "cp-a",
			Categories:   []string{"plumbing"},
			Regions:      []string{"*"},
			Rating:       4.5,
			RegisteredAt: time.Now().Add(-24 * time.Hour),
			Contacts:     map[string]string{"webhook": "https://cp-a.example/hook"},
		}),
		Policies: policies,
		Grants:   grants,
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	handler, err := httpapi.NewHandler(httpapi.Config{Service: service})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	created, err := service.CreateRequest(ctx, app.CreateRequestInput{
		RequesterID: "requester-1",
		ItemID:      "item-1",
		RequestType: "quote",
		Category:    "plumbing",
		Terms:       "10",
		AutoMatch:   true,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if created.Request.Status != domain.StatusAwaitingDecision {
		t.Fatalf("status = %s, want awaiting_decision", created.Request.Status)
	}
	if _, err := orchestrator.DeliverPending(ctx, "webhook"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	sent := channel.messages()
	if len(sent) != 1 {
		t.Fatalf("sent = %d messages, want 1", len(sent))
	}
	msg := sent[0]

	approve := bodyLink(t, msg.Body, "Approve: ")
	decline := bodyLink(t, msg.Body, "Decline: ")
	if approve.String() != msg.Links.Approve || decline.String() != msg.Links.Decline {
		t.Fatalf("body links differ from message links: %+v", msg.Links)
	}
	if approve.Host != "dispatch.example" || approve.Path != app.RespondPath {
		t.Fatalf("approve link = %s", approve)
	}

	approved := follow(t, handler, approve)
	if approved.Decision.Verdict != string(domain.VerdictApproved) || approved.Replayed {
		t.Fatalf("approve response = %+v", approved)
	}
	if approved.Request.Status != string(domain.StatusApproved) {
		t.Fatalf("request status = %s, want approved", approved.Request.Status)
	}

	// The sibling link is now a replay of the stored decision.
	replayed := follow(t, handler, decline)
	if !replayed.Replayed || replayed.Decision.Verdict != string(domain.VerdictApproved) {
		t.Fatalf("decline after approve = %+v", replayed)
	}
}
