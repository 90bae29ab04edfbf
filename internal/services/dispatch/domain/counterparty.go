package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AnyRegion in a coverage list matches every request region.
const AnyRegion = "*"

// Counterparty is a profile that may be offered a request.
type Counterparty struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Categories   []string          `json:"categories"`
	Regions      []string          `json:"regions"`
	Location     *GeoPoint         `json:"location,omitempty"`
	Capacity     int               `json:"capacity"`
	ActiveLoad   int               `json:"active_load"`
	MinTerms     *decimal.Decimal  `json:"min_terms,omitempty"`
	MaxTerms     *decimal.Decimal  `json:"max_terms,omitempty"`
	Preferred    *decimal.Decimal  `json:"preferred_terms,omitempty"`
	AutoApprove  *decimal.Decimal  `json:"auto_approve_threshold,omitempty"`
	Rating       float64           `json:"rating"`
	RegisteredAt time.Time         `json:"registered_at"`
	Contacts     map[string]string `json:"contacts,omitempty"`
	Locale       string            `json:"locale,omitempty"`
}

// ServesCategory reports whether the counterparty handles category.
func (c Counterparty) ServesCategory(category string) bool {
	category = strings.TrimSpace(category)
	for _, value := range c.Categories {
		if strings.EqualFold(strings.TrimSpace(value), category) {
			return true
		}
	}
	return false
}

// CoversRegion reports whether region is inside the counterparty's coverage.
// A blank request region is covered by everyone.
func (c Counterparty) CoversRegion(region string) bool {
	region = strings.TrimSpace(region)
	if region == "" {
		return true
	}
	for _, value := range c.Regions {
		value = strings.TrimSpace(value)
		if value == AnyRegion || strings.EqualFold(value, region) {
			return true
		}
	}
	return false
}

// HasCapacity reports whether one more assignment fits. Zero capacity means
// no ceiling.
func (c Counterparty) HasCapacity() bool {
	return c.Capacity <= 0 || c.ActiveLoad < c.Capacity
}

// SpareCapacity returns the unused share of capacity in [0, 1].
func (c Counterparty) SpareCapacity() float64 {
	if c.Capacity <= 0 {
		return 1
	}
	spare := 1 - float64(c.ActiveLoad)/float64(c.Capacity)
	if spare < 0 {
		return 0
	}
	return spare
}

// Contact returns the recipient address for channel.
func (c Counterparty) Contact(channel string) string {
	return strings.TrimSpace(c.Contacts[channel])
}
