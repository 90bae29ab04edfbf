package app

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/dispatch/internal/platform/errors"
	"github.com/louisbranch/dispatch/internal/services/dispatch/decision"
	"github.com/louisbranch/dispatch/internal/services/dispatch/domain"
	"github.com/louisbranch/dispatch/internal/services/dispatch/policy"
	"github.com/louisbranch/dispatch/internal/services/dispatch/pool"
	"github.com/louisbranch/dispatch/internal/services/dispatch/sla"
	"github.com/louisbranch/dispatch/internal/services/dispatch/storage/sqlite"
	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	service *Service
	store   *sqlite.Store
	grants  *decision.Grants
	clock   *fakeClock
}

func plumber(id string, rating float64) domain.Counterparty {
	return domain.Counterparty{
		ID:           id,
		Categories:   []string{"plumbing"},
		Regions:      []string{"*"},
		Rating:       rating,
		RegisteredAt: t0.Add(-24 * time.Hour),
		Contacts:     map[string]string{"webhook": "https://" + id + ".example/hook"},
	}
}

func newHarness(t *testing.T, profiles ...domain.Counterparty) harness {
	t.Helper()
	return newHarnessWithPolicy(t, policy.Default(), profiles...)
}

func newHarnessWithPolicy(t *testing.T, fallback policy.Policy, profiles ...domain.Counterparty) harness {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "dispatch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clock := &fakeClock{now: t0}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	grants, err := decision.NewGrants(decision.GrantConfig{
		Issuer:     "dispatch",
		Audience:   "dispatch-decisions",
		PrivateKey: priv,
		PublicKey:  pub,
		Grace:      time.Hour,
		Now:        clock.Now,
	})
	if err != nil {
		t.Fatalf("new grants: %v", err)
	}
	fallback.Channels = []string{"webhook"}
	policies, err := policy.NewSet(fallback)
	if err != nil {
		t.Fatalf("policies: %v", err)
	}
	service, err := New(Config{
		Store:    store,
		Pool:     pool.NewStatic(profiles...),
		Policies: policies,
		Grants:   grants,
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return harness{service: service, store: store, grants: grants, clock: clock}
}

func (h harness) create(t *testing.T, terms string) RequestStatus {
	t.Helper()
	status, err := h.service.CreateRequest(context.Background(), CreateRequestInput{
		RequesterID: "requester-1",
		ItemID:      "item-1",
		RequestType: "quote",
		Category:    "plumbing",
		Terms:       terms,
		AutoMatch:   true,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return status
}

func (h harness) respond(t *testing.T, status RequestStatus, verdict string) decision.SubmitResult {
	t.Helper()
	if status.ActiveRouting == nil {
		t.Fatalf("request %s has no active routing", status.Request.ID)
	}
	rt := status.ActiveRouting
	token, err := h.grants.Issue(decision.GrantSubject{
		RoutingID:      rt.ID,
		RequestID:      rt.RequestID,
		CounterpartyID: rt.CounterpartyID,
		DeadlineAt:     rt.DeadlineAt,
	})
	if err != nil {
		t.Fatalf("issue grant: %v", err)
	}
	result, err := h.service.SubmitDecision(context.Background(), decision.SubmitInput{Token: token, Verdict: verdict})
	if err != nil {
		t.Fatalf("submit %s: %v", verdict, err)
	}
	return result
}

func (h harness) status(t *testing.T, requestID string) RequestStatus {
	t.Helper()
	status, err := h.service.GetRequestStatus(context.Background(), requestID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	return status
}

func TestCreateRequestRoutesToBestCandidate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, plumber("cp-a", 5), plumber("cp-b", 4))

	status := h.create(t, "100")
	if status.Request.Status != domain.StatusAwaitingDecision {
		t.Fatalf("status = %s", status.Request.Status)
	}
	if len(status.Candidates) != 2 {
		t.Fatalf("candidates = %d", len(status.Candidates))
	}
	if status.ActiveRouting == nil || status.ActiveRouting.CounterpartyID != "cp-a" || status.ActiveRouting.AttemptNumber != 1 {
		t.Fatalf("active routing = %+v", status.ActiveRouting)
	}
}

func TestCreateRequestWithoutMatchStaysDraft(t *testing.T) {
	t.Parallel()
	h := newHarness(t, plumber("cp-a", 5))

	status, err := h.service.CreateRequest(context.Background(), CreateRequestInput{
		RequesterID: "requester-1",
		ItemID:      "item-1",
		Category:    "Plumbing",
		Terms:       "12.50",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if status.Request.Status != domain.StatusDraft || status.Request.Category != "plumbing" {
		t.Fatalf("request = %+v", status.Request)
	}
	if !status.Request.Terms.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("terms = %s", status.Request.Terms)
	}

	matched, err := h.service.TriggerMatch(context.Background(), status.Request.ID)
	if err != nil {
		t.Fatalf("trigger match: %v", err)
	}
	if matched.Request.Status != domain.StatusAwaitingDecision {
		t.Fatalf("status after match = %s", matched.Request.Status)
	}
}

func TestCreateRequestValidatesInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	tests := []struct {
		name string
		in   CreateRequestInput
	}{
		{name: "missing fields", in: CreateRequestInput{Terms: "10"}},
		{name: "bad terms", in: CreateRequestInput{RequesterID: "r", ItemID: "i", Category: "c", Terms: "ten"}},
		{name: "negative terms", in: CreateRequestInput{RequesterID: "r", ItemID: "i", Category: "c", Terms: "-1"}},
		{name: "urgency out of range", in: CreateRequestInput{RequesterID: "r", ItemID: "i", Category: "c", Terms: "1", Facts: domain.SnapshotFacts{Urgency: 2}}},
		{name: "bad location", in: CreateRequestInput{RequesterID: "r", ItemID: "i", Category: "c", Terms: "1", Facts: domain.SnapshotFacts{Location: &domain.GeoPoint{Lat: 91}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.service.CreateRequest(context.Background(), tc.in)
			if !apperrors.HasCode(err, apperrors.CodeValidation) {
				t.Fatalf("err = %v, want validation", err)
			}
		})
	}
}

func TestDeclineReroutesToNextCandidate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, plumber("cp-a", 5), plumber("cp-b", 4), plumber("cp-c", 3))
	created := h.create(t, "100")

	result := h.respond(t, created, "decline")
	if result.Decision.Verdict != domain.VerdictDeclined || result.Decision.CounterpartyID != "cp-a" {
		t.Fatalf("decision = %+v", result.Decision)
	}

	status := h.status(t, created.Request.ID)
	if status.Request.Status != domain.StatusAwaitingDecision {
		t.Fatalf("status = %s", status.Request.Status)
	}
	if status.ActiveRouting == nil || status.ActiveRouting.CounterpartyID != "cp-b" || status.ActiveRouting.AttemptNumber != 2 {
		t.Fatalf("active routing = %+v", status.ActiveRouting)
	}
	active := 0
	for _, rt := range status.Routings {
		if rt.Active() {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("active routings = %d", active)
	}
}

func TestEveryCandidateDecliningExpiresRequest(t *testing.T) {
	t.Parallel()
	h := newHarness(t, plumber("cp-a", 5), plumber("cp-b", 4), plumber("cp-c", 3))
	status := h.create(t, "100")

	for range 3 {
		h.respond(t, status, "decline")
		status = h.status(t, status.Request.ID)
	}
	if status.Request.Status != domain.StatusExpired || status.Request.StatusReason != domain.ReasonCandidatesExhausted {
		t.Fatalf("request = %s (%s)", status.Request.Status, status.Request.StatusReason)
	}
	if len(status.Routings) != 3 || status.ActiveRouting != nil {
		t.Fatalf("routings = %d, active = %+v", len(status.Routings), status.ActiveRouting)
	}
	if len(status.Decisions) != 3 {
		t.Fatalf("decisions = %d", len(status.Decisions))
	}
}

func TestRepeatedDecisionIsReplayed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, plumber("cp-a", 5))
	status := h.create(t, "100")

	first := h.respond(t, status, "approve")
	if first.Replayed || first.Request.Status != domain.StatusApproved {
		t.Fatalf("first = %+v", first)
	}
	second := h.respond(t, status, "approve")
	if !second.Replayed || second.Decision.ID != first.Decision.ID {
		t.Fatalf("second = %+v", second)
	}
	if got := h.status(t, status.Request.ID); len(got.Decisions) != 1 {
		t.Fatalf("decisions = %d", len(got.Decisions))
	}
}

func TestNoEligibleCandidateExpiresImmediately(t *testing.T) {
	t.Parallel()
	electrician := plumber("cp-a", 5)
	electrician.Categories = []string{"electrical"}
	h := newHarness(t, electrician)

	status := h.create(t, "100")
	if status.Request.Status != domain.StatusExpired || status.Request.StatusReason != domain.ReasonCandidatesExhausted {
		t.Fatalf("request = %s (%s)", status.Request.Status, status.Request.StatusReason)
	}
	if len(status.Routings) != 0 {
		t.Fatalf("routings = %d", len(status.Routings))
	}

	_, err := h.service.TriggerMatch(context.Background(), status.Request.ID)
	if !apperrors.HasCode(err, apperrors.CodeRequestTerminal) {
		t.Fatalf("err = %v, want request terminal", err)
	}
}

func TestSweepAutoApprovesAndAuditsTransition(t *testing.T) {
	t.Parallel()
	profile := plumber("cp-a", 5)
	threshold := decimal.RequireFromString("150")
	profile.AutoApprove = &threshold
	h := newHarness(t, profile)
	status := h.create(t, "100")

	h.clock.Advance(policy.Default().DecisionWindow + time.Minute)
	result, err := h.service.RunSlaSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.AutoApproved != 1 {
		t.Fatalf("sweep = %+v", result)
	}

	entries, err := h.service.ListAudit(context.Background(), status.Request.ID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if entries[0].Metadata.Kind != domain.AuditKindCreation {
		t.Fatalf("first entry = %+v", entries[0])
	}
	var labels []string
	for _, entry := range entries {
		if label := entry.TransitionLabel(); label != "" {
			labels = append(labels, label)
		}
	}
	want := "draft→searching,searching→awaiting_decision,awaiting_decision→approved(auto)"
	if got := strings.Join(labels, ","); got != want {
		t.Fatalf("labels = %s, want %s", got, want)
	}
}

func TestUnknownRequestIsNotFound(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if _, err := h.service.GetRequestStatus(context.Background(), "missing"); !apperrors.HasCode(err, apperrors.CodeNotFound) {
		t.Fatalf("status err = %v", err)
	}
	if _, err := h.service.ListAudit(context.Background(), "missing"); !apperrors.HasCode(err, apperrors.CodeNotFound) {
		t.Fatalf("audit err = %v", err)
	}
}

func TestResponseLinksCarryVerdictAndGrant(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	payload := domain.NotificationPayload{
		RequestID:      "req-1",
		RoutingID:      "rt-1",
		CounterpartyID: "cp-a",
		DeadlineAt:     t0.Add(time.Hour),
	}

	links, err := ResponseLinks(h.grants, "https://dispatch.example/")(payload)
	if err != nil {
		t.Fatalf("links: %v", err)
	}
	for verdict, link := range map[string]string{"approve": links.Approve, "decline": links.Decline} {
		parsed, err := url.Parse(link)
		if err != nil {
			t.Fatalf("parse %s link: %v", verdict, err)
		}
		if parsed.Host != "dispatch.example" || parsed.Path != RespondPath {
			t.Fatalf("%s link = %s", verdict, link)
		}
		if got := parsed.Query().Get("decision"); got != verdict {
			t.Fatalf("%s link decision = %q", verdict, got)
		}
		claims, err := h.grants.Verify(parsed.Query().Get("token"))
		if err != nil {
			t.Fatalf("verify %s link: %v", verdict, err)
		}
		if claims.RoutingID != "rt-1" || claims.CounterpartyID != "cp-a" {
			t.Fatalf("claims = %+v", claims)
		}
	}

	disabled, err := ResponseLinks(h.grants, "")(payload)
	if err != nil || disabled.Approve != "" || disabled.Decline != "" {
		t.Fatalf("disabled links = %+v, err = %v", disabled, err)
	}
}

func TestDecisionRacingExpirySweepResolvesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rerouting := policy.Default()
	rerouting.ExpiryPolicy = policy.ExpiryReroute

	for i := 0; i < 20; i++ {
		h := newHarnessWithPolicy(t, rerouting, plumber("cp-a", 5), plumber("cp-b", 4))
		created := h.create(t, "100")
		first := created.ActiveRouting
		token, err := h.grants.Issue(decision.GrantSubject{
			RoutingID:      first.ID,
			RequestID:      first.RequestID,
			CounterpartyID: first.CounterpartyID,
			DeadlineAt:     first.DeadlineAt,
		})
		if err != nil {
			t.Fatalf("issue grant: %v", err)
		}
		h.clock.Advance(first.DeadlineAt.Sub(h.clock.Now()) + time.Minute)

		var (
			wg        sync.WaitGroup
			start     = make(chan struct{})
			submitErr error
			sweepErr  error
			sweep     sla.SweepResult
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, submitErr = h.service.SubmitDecision(ctx, decision.SubmitInput{Token: token, Verdict: "approve"})
		}()
		go func() {
			defer wg.Done()
			<-start
			sweep, sweepErr = h.service.RunSlaSweep(ctx)
		}()
		close(start)
		wg.Wait()

		if sweepErr != nil {
			t.Fatalf("iteration %d: sweep: %v", i, sweepErr)
		}
		if submitErr != nil && !apperrors.HasCode(submitErr, apperrors.CodeStaleDecision) {
			t.Fatalf("iteration %d: submit: %v", i, submitErr)
		}
		decisions, err := h.store.ListDecisions(ctx, created.Request.ID)
		if err != nil {
			t.Fatalf("iteration %d: list decisions: %v", i, err)
		}
		routings, err := h.store.ListRoutings(ctx, created.Request.ID)
		if err != nil {
			t.Fatalf("iteration %d: list routings: %v", i, err)
		}
		active := 0
		var closedFirst *domain.Routing
		for j := range routings {
			if routings[j].Active() {
				active++
			}
			if routings[j].ID == first.ID {
				closedFirst = &routings[j]
			}
		}
		if len(decisions) > 1 || active > 1 {
			t.Fatalf("iteration %d: decisions = %d, active routings = %d", i, len(decisions), active)
		}
		if closedFirst == nil || closedFirst.Active() {
			t.Fatalf("iteration %d: first routing still open: %+v", i, closedFirst)
		}

		status := h.status(t, created.Request.ID)
		if submitErr == nil {
			// The decision won: the sweep must have left the request alone.
			if len(decisions) != 1 || status.Request.Status != domain.StatusApproved || sweep.Rerouted != 0 {
				t.Fatalf("iteration %d: decision won but status = %s, decisions = %d, sweep = %+v",
					i, status.Request.Status, len(decisions), sweep)
			}
			if closedFirst.CloseReason != domain.CloseReasonApproved || active != 0 {
				t.Fatalf("iteration %d: first routing = %+v, active = %d", i, closedFirst, active)
			}
			continue
		}
		if len(decisions) != 0 || sweep.Rerouted != 1 || closedFirst.CloseReason != domain.CloseReasonExpired {
			t.Fatalf("iteration %d: sweep won but decisions = %d, sweep = %+v, first = %+v", i, len(decisions), sweep, closedFirst)
		}
		if status.ActiveRouting == nil || status.ActiveRouting.CounterpartyID != "cp-b" {
			t.Fatalf("iteration %d: active routing after reroute = %+v", i, status.ActiveRouting)
		}
	}
}
