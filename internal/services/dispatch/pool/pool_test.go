package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/louisbranch/dispatch/internal/services/dispatch/domain"
	"github.com/shopspring/decimal"
)

const poolYAML = `
counterparties:
  - id: cp-b
    categories: [plumbing]
    regions: ["*"]
    capacity: 3
    rating: 4.2
    registered_at: 2025-02-01T00:00:00Z
  - id: cp-a
    name: Acme
    categories: [plumbing, heating]
    regions: [us-east]
    location: {lat: 40.7, lng: -74.0}
    capacity: 5
    active_load: 1
    min_terms: "5"
    max_terms: "20"
    preferred_terms: "10"
    auto_approve_threshold: "15"
    rating: 4.5
    registered_at: 2025-01-01T00:00:00Z
    contacts:
      webhook: https://acme.example/hook
      telegram: "12345"
    locale: pt-BR
`

func TestParseLoadsProfilesSortedByID(t *testing.T) {
	t.Parallel()
	static, err := Parse([]byte(poolYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	profiles, err := static.GetCounterpartyPool(context.Background(), "plumbing", "us-east")
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if len(profiles) != 2 || profiles[0].ID != "cp-a" || profiles[1].ID != "cp-b" {
		t.Fatalf("profiles = %+v", profiles)
	}
	acme := profiles[0]
	if acme.AutoApprove == nil || !acme.AutoApprove.Equal(decimal.RequireFromString("15")) {
		t.Fatalf("auto approve = %v", acme.AutoApprove)
	}
	if acme.Location == nil || acme.Location.Lng != -74.0 {
		t.Fatalf("location = %+v", acme.Location)
	}
	if acme.Contact("telegram") != "12345" || acme.Locale != "pt-BR" {
		t.Fatalf("contacts = %+v locale = %q", acme.Contacts, acme.Locale)
	}
	if !acme.RegisteredAt.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("registered_at = %v", acme.RegisteredAt)
	}
}

func TestParseRejectsInvalidProfiles(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"missing id":     "counterparties:\n  - categories: [a]\n",
		"no category":    "counterparties:\n  - id: x\n",
		"bad rating":     "counterparties:\n  - id: x\n    categories: [a]\n    rating: 7\n",
		"bad terms":      "counterparties:\n  - id: x\n    categories: [a]\n    min_terms: abc\n",
		"inverted terms": "counterparties:\n  - id: x\n    categories: [a]\n    min_terms: \"9\"\n    max_terms: \"3\"\n",
		"duplicate":      "counterparties:\n  - id: x\n    categories: [a]\n  - id: x\n    categories: [a]\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected parse error", name)
		}
	}
}

func TestStaticUpsertAndTimeout(t *testing.T) {
	t.Parallel()
	static := NewStatic()
	if err := static.Upsert(domain.Counterparty{ID: " cp-1 "}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if static.Len() != 1 {
		t.Fatalf("len = %d, want 1", static.Len())
	}
	if err := static.Upsert(domain.Counterparty{}); err == nil {
		t.Fatal("expected blank id to fail")
	}

	slow := SourceFunc(func(ctx context.Context, category, region string) ([]domain.Counterparty, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, err := WithTimeout(slow, 10*time.Millisecond).GetCounterpartyPool(context.Background(), "a", "b")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
