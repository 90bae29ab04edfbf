// Package match ranks counterparties for a request.
//
// Ranking is a pure function of the request, its snapshot and the pool: hard
// gates decide eligibility, then a weighted sum of soft factors scores every
// eligible counterparty. Each weight and contribution is kept in the
// candidate breakdown.
package match

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/louisbranch/dispatch/internal/services/dispatch/domain"
	"github.com/shopspring/decimal"
)

const (
	earthRadiusKm        = 6371.0
	defaultMaxDistanceKm = 100.0
	unknownLocationValue = 0.5
	maxRating            = 5.0
	scorePrecision       = 1e6
)

// Weights scale each soft factor of a candidate score.
type Weights struct {
	TermsProximity float64
	Geo            float64
	Rating         float64
	Urgency        float64
}

// DefaultWeights returns the built-in factor weights.
func DefaultWeights() Weights {
	return Weights{TermsProximity: 0.4, Geo: 0.25, Rating: 0.25, Urgency: 0.1}
}

func (w Weights) validate() error {
	for name, value := range map[string]float64{
		domain.FactorTermsProximity: w.TermsProximity,
		domain.FactorGeoProximity:   w.Geo,
		domain.FactorRating:         w.Rating,
		domain.FactorUrgency:        w.Urgency,
	} {
		if value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
			return fmt.Errorf("weight %s must be a non-negative number", name)
		}
	}
	return nil
}

// Engine applies eligibility gates and weighted scoring.
type Engine struct {
	weights       Weights
	maxDistanceKm float64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithWeights overrides the factor weights.
func WithWeights(weights Weights) EngineOption {
	return func(e *Engine) {
		e.weights = weights
	}
}

// WithMaxDistanceKm sets the distance at which geographic proximity reaches zero.
func WithMaxDistanceKm(km float64) EngineOption {
	return func(e *Engine) {
		if km > 0 {
			e.maxDistanceKm = km
		}
	}
}

// NewEngine builds an Engine with default weights unless overridden.
func NewEngine(opts ...EngineOption) (*Engine, error) {
	engine := &Engine{weights: DefaultWeights(), maxDistanceKm: defaultMaxDistanceKm}
	for _, opt := range opts {
		opt(engine)
	}
	if err := engine.weights.validate(); err != nil {
		return nil, err
	}
	return engine, nil
}

// Rank evaluates every profile in pool against request. The result holds all
// profiles: eligible ones first in rank order, then ineligible ones by id.
// Generation, RequestID and CreatedAt are left for the caller to stamp.
func (e *Engine) Rank(request domain.Request, snapshot domain.Snapshot, pool []domain.Counterparty) []domain.Candidate {
	candidates := make([]domain.Candidate, 0, len(pool))
	for _, profile := range pool {
		candidates = append(candidates, e.evaluate(request, snapshot.Facts, profile))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return less(candidates[i], candidates[j])
	})

	rank := 0
	for i := range candidates {
		if candidates[i].Eligible {
			rank++
			candidates[i].Rank = rank
		}
	}
	return candidates
}

func less(a, b domain.Candidate) bool {
	if a.Eligible != b.Eligible {
		return a.Eligible
	}
	if !a.Eligible {
		return a.CounterpartyID < b.CounterpartyID
	}
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Profile.Rating != b.Profile.Rating {
		return a.Profile.Rating > b.Profile.Rating
	}
	if a.Profile.ActiveLoad != b.Profile.ActiveLoad {
		return a.Profile.ActiveLoad < b.Profile.ActiveLoad
	}
	if !a.Profile.RegisteredAt.Equal(b.Profile.RegisteredAt) {
		return a.Profile.RegisteredAt.Before(b.Profile.RegisteredAt)
	}
	return a.CounterpartyID < b.CounterpartyID
}

func (e *Engine) evaluate(request domain.Request, facts domain.SnapshotFacts, profile domain.Counterparty) domain.Candidate {
	candidate := domain.Candidate{
		RequestID:      request.ID,
		CounterpartyID: profile.ID,
		Profile:        profile,
	}
	if reason := gate(request, profile); reason != "" {
		candidate.Reason = reason
		return candidate
	}

	terms := e.termsProximity(request.Terms, profile)
	geo, distance := e.geoProximity(facts.Location, profile.Location)
	rating := component(domain.FactorRating, e.weights.Rating, clamp(profile.Rating/maxRating), "")
	urgency := component(domain.FactorUrgency, e.weights.Urgency, clamp(facts.Urgency)*profile.SpareCapacity(),
		fmt.Sprintf("spare capacity %.2f", profile.SpareCapacity()))

	candidate.Eligible = true
	candidate.DistanceKm = distance
	candidate.Breakdown = []domain.ScoreComponent{terms, geo, rating, urgency}
	var score float64
	for _, part := range candidate.Breakdown {
		score += part.Contribution
	}
	candidate.Score = round(score)
	return candidate
}

// gate returns the reason profile cannot take request, or "" when every hard
// gate passes.
func gate(request domain.Request, profile domain.Counterparty) string {
	if !profile.ServesCategory(request.Category) {
		return fmt.Sprintf("category %q not served", strings.TrimSpace(request.Category))
	}
	if !profile.CoversRegion(request.Region) {
		return fmt.Sprintf("region %q not covered", strings.TrimSpace(request.Region))
	}
	if !profile.HasCapacity() {
		return fmt.Sprintf("capacity reached (%d/%d)", profile.ActiveLoad, profile.Capacity)
	}
	if profile.MinTerms != nil && request.Terms.LessThan(*profile.MinTerms) {
		return fmt.Sprintf("terms %s below minimum %s", request.Terms, profile.MinTerms)
	}
	if profile.MaxTerms != nil && request.Terms.GreaterThan(*profile.MaxTerms) {
		return fmt.Sprintf("terms %s above maximum %s", request.Terms, profile.MaxTerms)
	}
	return ""
}

func (e *Engine) termsProximity(terms decimal.Decimal, profile domain.Counterparty) domain.ScoreComponent {
	var target decimal.Decimal
	switch {
	case profile.Preferred != nil:
		target = *profile.Preferred
	case profile.MinTerms != nil && profile.MaxTerms != nil:
		target = profile.MinTerms.Add(*profile.MaxTerms).Div(decimal.NewFromInt(2))
	default:
		return component(domain.FactorTermsProximity, e.weights.TermsProximity, 1, "no preferred terms")
	}

	span := target.Abs()
	if profile.MinTerms != nil && profile.MaxTerms != nil {
		if width := profile.MaxTerms.Sub(*profile.MinTerms); width.IsPositive() {
			span = width
		}
	}
	if span.LessThan(decimal.NewFromInt(1)) {
		span = decimal.NewFromInt(1)
	}
	distance := terms.Sub(target).Abs()
	value := clamp(1 - distance.Div(span).InexactFloat64())
	return component(domain.FactorTermsProximity, e.weights.TermsProximity, value, "target "+target.String())
}

func (e *Engine) geoProximity(from, to *domain.GeoPoint) (domain.ScoreComponent, *float64) {
	if from == nil || to == nil || !from.Valid() || !to.Valid() {
		return component(domain.FactorGeoProximity, e.weights.Geo, unknownLocationValue, "location unknown"), nil
	}
	km := math.Round(haversineKm(*from, *to)*1000) / 1000
	value := clamp(1 - km/e.maxDistanceKm)
	return component(domain.FactorGeoProximity, e.weights.Geo, value, fmt.Sprintf("%.1f km", km)), &km
}

func component(factor string, weight, value float64, note string) domain.ScoreComponent {
	value = round(value)
	return domain.ScoreComponent{
		Factor:       factor,
		Weight:       weight,
		Value:        value,
		Contribution: round(weight * value),
		Note:         note,
	}
}

// haversineKm returns the great-circle distance between a and b.
func haversineKm(a, b domain.GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

func clamp(value float64) float64 {
	switch {
	case math.IsNaN(value) || value < 0:
		return 0
	case value > 1:
		return 1
	default:
		return value
	}
}

func round(value float64) float64 {
	return math.Round(value*scorePrecision) / scorePrecision
}
