package match

import (
	"math"
	"testing"
	"time"

	"github.com/louisbranch/dispatch/internal/services/dispatch/domain"
	"github.com/shopspring/decimal"
)

var registered = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func terms(value string) *decimal.Decimal {
	d := decimal.RequireFromString(value)
	return &d
}

func testRequest() domain.Request {
	return domain.Request{
		ID:       "req-1",
		Category: "plumbing",
		Region:   "us-east",
		Terms:    decimal.RequireFromString("10"),
		Status:   domain.StatusSearching,
	}
}

func testSnapshot() domain.Snapshot {
	return domain.Snapshot{
		RequestID: "req-1",
		Facts:     domain.SnapshotFacts{Urgency: 0.5, Location: &domain.GeoPoint{Lat: 40.7128, Lng: -74.0060}},
	}
}

func profile(id string, rating float64) domain.Counterparty {
	return domain.Counterparty{
		ID:           id,
		Categories:   []string{"plumbing"},
		Regions:      []string{"us-east"},
		Capacity:     4,
		Rating:       rating,
		RegisteredAt: registered,
	}
}

func newEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	engine, err := NewEngine(opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func TestRankGatesIneligibleCounterparties(t *testing.T) {
	t.Parallel()
	wrongCategory := profile("cp-category", 5)
	wrongCategory.Categories = []string{"roofing"}
	wrongRegion := profile("cp-region", 5)
	wrongRegion.Regions = []string{"eu-west"}
	full := profile("cp-full", 5)
	full.ActiveLoad = 4
	tooCheap := profile("cp-min", 5)
	tooCheap.MinTerms = terms("12")
	tooExpensive := profile("cp-max", 5)
	tooExpensive.MaxTerms = terms("8")
	ok := profile("cp-ok", 3)

	ranked := newEngine(t).Rank(testRequest(), testSnapshot(), []domain.Counterparty{
		wrongCategory, wrongRegion, full, tooCheap, tooExpensive, ok,
	})
	if len(ranked) != 6 {
		t.Fatalf("expected every profile ranked, got %d", len(ranked))
	}
	if ranked[0].CounterpartyID != "cp-ok" || !ranked[0].Eligible || ranked[0].Rank != 1 {
		t.Fatalf("first = %+v", ranked[0])
	}

	reasons := map[string]string{
		"cp-category": `category "plumbing" not served`,
		"cp-region":   `region "us-east" not covered`,
		"cp-full":     "capacity reached (4/4)",
		"cp-min":      "terms 10 below minimum 12",
		"cp-max":      "terms 10 above maximum 8",
	}
	for _, candidate := range ranked[1:] {
		if candidate.Eligible || candidate.Score != 0 || candidate.Rank != 0 {
			t.Fatalf("expected ineligible zero-score candidate, got %+v", candidate)
		}
		if want := reasons[candidate.CounterpartyID]; candidate.Reason != want {
			t.Fatalf("%s reason = %q, want %q", candidate.CounterpartyID, candidate.Reason, want)
		}
	}
	if ranked[1].CounterpartyID != "cp-category" || ranked[5].CounterpartyID != "cp-region" {
		t.Fatalf("ineligible candidates must be ordered by id: %v", ids(ranked))
	}
}

func TestRankRecordsWeightedBreakdown(t *testing.T) {
	t.Parallel()
	cp := profile("cp-1", 4)
	cp.Preferred = terms("10")
	cp.Location = &domain.GeoPoint{Lat: 40.7128, Lng: -74.0060}
	cp.ActiveLoad = 2

	ranked := newEngine(t).Rank(testRequest(), testSnapshot(), []domain.Counterparty{cp})
	got := ranked[0]
	if len(got.Breakdown) != 4 {
		t.Fatalf("breakdown = %+v", got.Breakdown)
	}
	want := map[string]float64{
		domain.FactorTermsProximity: 1,
		domain.FactorGeoProximity:   1,
		domain.FactorRating:         0.8,
		domain.FactorUrgency:        0.25,
	}
	var sum float64
	for _, part := range got.Breakdown {
		if math.Abs(part.Value-want[part.Factor]) > 1e-9 {
			t.Fatalf("%s value = %v, want %v", part.Factor, part.Value, want[part.Factor])
		}
		if math.Abs(part.Contribution-part.Weight*part.Value) > 1e-6 {
			t.Fatalf("%s contribution = %v", part.Factor, part.Contribution)
		}
		sum += part.Contribution
	}
	if math.Abs(got.Score-sum) > 1e-6 {
		t.Fatalf("score = %v, breakdown sum = %v", got.Score, sum)
	}
	if got.DistanceKm == nil || *got.DistanceKm != 0 {
		t.Fatalf("distance = %v", got.DistanceKm)
	}
}

func TestRankGeoProximityFallsOffWithDistance(t *testing.T) {
	t.Parallel()
	near := profile("cp-near", 4)
	near.Location = &domain.GeoPoint{Lat: 40.73, Lng: -73.99}
	far := profile("cp-far", 4)
	far.Location = &domain.GeoPoint{Lat: 42.36, Lng: -71.06}
	unknown := profile("cp-unknown", 4)

	ranked := newEngine(t, WithWeights(Weights{Geo: 1})).Rank(testRequest(), testSnapshot(), []domain.Counterparty{far, unknown, near})
	if got := ids(ranked); got[0] != "cp-near" || got[1] != "cp-unknown" || got[2] != "cp-far" {
		t.Fatalf("order = %v", got)
	}
	if ranked[2].DistanceKm == nil || *ranked[2].DistanceKm < 250 {
		t.Fatalf("expected boston about 300km away, got %v", ranked[2].DistanceKm)
	}
	if ranked[2].Score != 0 {
		t.Fatalf("beyond max distance should score zero, got %v", ranked[2].Score)
	}
}

func TestRankBreaksTiesByRatingLoadRegistration(t *testing.T) {
	t.Parallel()
	onlyTerms := WithWeights(Weights{TermsProximity: 1})

	high := profile("cp-z-high", 4.9)
	low := profile("cp-a-low", 3.1)
	busy := profile("cp-busy", 4.0)
	busy.ActiveLoad = 3
	idle := profile("cp-idle", 4.0)
	older := profile("cp-older", 2.0)
	older.RegisteredAt = registered.Add(-time.Hour)
	newer := profile("cp-newer", 2.0)

	ranked := newEngine(t, onlyTerms).Rank(testRequest(), testSnapshot(), []domain.Counterparty{
		newer, low, busy, older, idle, high,
	})
	want := []string{"cp-z-high", "cp-idle", "cp-busy", "cp-a-low", "cp-older", "cp-newer"}
	got := ids(ranked)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
		if ranked[i].Rank != i+1 {
			t.Fatalf("rank of %s = %d", got[i], ranked[i].Rank)
		}
	}
}

func TestRankIsDeterministicAcrossPoolOrder(t *testing.T) {
	t.Parallel()
	pool := []domain.Counterparty{profile("cp-1", 4), profile("cp-2", 4), profile("cp-3", 4.5), profile("cp-4", 1)}
	pool[1].Preferred = terms("12")
	pool[3].Categories = nil
	reversed := []domain.Counterparty{pool[3], pool[2], pool[1], pool[0]}

	engine := newEngine(t)
	first := ids(engine.Rank(testRequest(), testSnapshot(), pool))
	second := ids(engine.Rank(testRequest(), testSnapshot(), reversed))
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("rank differs: %v vs %v", first, second)
		}
	}
}

func TestTermsProximityUsesBoundsMidpoint(t *testing.T) {
	t.Parallel()
	cp := profile("cp-1", 4)
	cp.MinTerms = terms("0")
	cp.MaxTerms = terms("40")

	part := newEngine(t).termsProximity(decimal.RequireFromString("10"), cp)
	if part.Value != 0.75 {
		t.Fatalf("value = %v, want 0.75", part.Value)
	}
	if part.Note != "target 20" {
		t.Fatalf("note = %q", part.Note)
	}
}

func TestNewEngineRejectsNegativeWeights(t *testing.T) {
	t.Parallel()
	if _, err := NewEngine(WithWeights(Weights{Rating: -1})); err == nil {
		t.Fatal("expected negative weight to fail")
	}
}

func ids(candidates []domain.Candidate) []string {
	out := make([]string, len(candidates))
	for i, candidate := range candidates {
		out[i] = candidate.CounterpartyID
	}
	return out
}
