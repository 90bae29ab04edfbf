package domain

import "time"

// Score factor names recorded in a breakdown.
const (
	FactorTermsProximity = "terms_proximity"
	FactorGeoProximity   = "geo_proximity"
	FactorRating         = "rating"
	FactorUrgency        = "urgency_boost"
)

// Candidate is the eligibility and score of one counterparty for one request.
type Candidate struct {
	RequestID      string
	CounterpartyID string
	Generation     int
	Eligible       bool
	Reason         string
	Score          float64
	// Rank is 1-based among eligible candidates and 0 for ineligible ones.
	Rank         int
	Breakdown    []ScoreComponent
	DistanceKm   *float64
	Profile      Counterparty
	CreatedAt    time.Time
	SupersededAt *time.Time
}

// ScoreComponent explains one weighted factor of a candidate score.
type ScoreComponent struct {
	Factor       string  `json:"factor"`
	Weight       float64 `json:"weight"`
	Value        float64 `json:"value"`
	Contribution float64 `json:"contribution"`
	Note         string  `json:"note,omitempty"`
}
