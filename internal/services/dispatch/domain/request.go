package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Request is the unit of work seeking a matching counterparty.
type Request struct {
	ID             string
	RequesterID    string
	ItemID         string
	OrganizationID string
	RequestType    string
	Category       string
	Region         string
	Terms          decimal.Decimal
	Status         Status
	StatusReason   string
	AgreedTerms    *decimal.Decimal
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ResolvedAt     *time.Time
}

// Snapshot holds the facts captured when the request was created. It is
// written once with the request and never updated.
type Snapshot struct {
	RequestID string
	Facts     SnapshotFacts
	CreatedAt time.Time
}

// SnapshotFacts are the scoring inputs describing the requester.
type SnapshotFacts struct {
	Location *GeoPoint         `json:"location,omitempty"`
	Urgency  float64           `json:"urgency"`
	Stats    map[string]string `json:"stats,omitempty"`
	Goals    []string          `json:"goals,omitempty"`
	Locale   string            `json:"locale,omitempty"`
}

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point lies within coordinate bounds.
func (p GeoPoint) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}
