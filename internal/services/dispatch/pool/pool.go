// Package pool provides counterparty profiles to the match engine.
package pool

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/dispatch/internal/services/dispatch/domain"
	"gopkg.in/yaml.v3"
)

// Source returns the counterparty pool for a category and geography.
type Source interface {
	GetCounterpartyPool(ctx context.Context, category, region string) ([]domain.Counterparty, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, category, region string) ([]domain.Counterparty, error)

// GetCounterpartyPool calls f.
func (f SourceFunc) GetCounterpartyPool(ctx context.Context, category, region string) ([]domain.Counterparty, error) {
	return f(ctx, category, region)
}

// Static is an in-memory pool. It returns every registered profile sorted by
// id and leaves gating to the match engine, so ineligible counterparties stay
// visible in the ranked output.
type Static struct {
	mu       sync.RWMutex
	profiles map[string]domain.Counterparty
}

// NewStatic builds a pool from profiles.
func NewStatic(profiles ...domain.Counterparty) *Static {
	s := &Static{profiles: make(map[string]domain.Counterparty, len(profiles))}
	for _, profile := range profiles {
		s.profiles[profile.ID] = profile
	}
	return s
}

// GetCounterpartyPool returns a copy of every profile.
func (s *Static) GetCounterpartyPool(ctx context.Context, category, region string) ([]domain.Counterparty, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	profiles := make([]domain.Counterparty, 0, len(s.profiles))
	for _, profile := range s.profiles {
		profiles = append(profiles, profile)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })
	return profiles, nil
}

// Upsert registers or replaces one profile.
func (s *Static) Upsert(profile domain.Counterparty) error {
	profile.ID = strings.TrimSpace(profile.ID)
	if profile.ID == "" {
		return fmt.Errorf("counterparty id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profile.ID] = profile
	return nil
}

// Len returns the number of registered profiles.
func (s *Static) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.profiles)
}

type document struct {
	Counterparties []profileYAML `yaml:"counterparties"`
}

type profileYAML struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Categories   []string          `yaml:"categories"`
	Regions      []string          `yaml:"regions"`
	Location     *domain.GeoPoint  `yaml:"location"`
	Capacity     int               `yaml:"capacity"`
	ActiveLoad   int               `yaml:"active_load"`
	MinTerms     string            `yaml:"min_terms"`
	MaxTerms     string            `yaml:"max_terms"`
	Preferred    string            `yaml:"preferred_terms"`
	AutoApprove  string            `yaml:"auto_approve_threshold"`
	Rating       float64           `yaml:"rating"`
	RegisteredAt time.Time         `yaml:"registered_at"`
	Contacts     map[string]string `yaml:"contacts"`
	Locale       string            `yaml:"locale"`
}

// LoadFile reads a YAML pool document from path.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pool file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML pool document.
func Parse(data []byte) (*Static, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode pool yaml: %w", err)
	}
	static := NewStatic()
	for i, raw := range doc.Counterparties {
		profile, err := raw.toDomain()
		if err != nil {
			return nil, fmt.Errorf("counterparty %d: %w", i, err)
		}
		if _, exists := static.profiles[profile.ID]; exists {
			return nil, fmt.Errorf("counterparty %q is duplicated", profile.ID)
		}
		static.profiles[profile.ID] = profile
	}
	return static, nil
}

func (p profileYAML) toDomain() (domain.Counterparty, error) {
	id := strings.TrimSpace(p.ID)
	if id == "" {
		return domain.Counterparty{}, fmt.Errorf("id is required")
	}
	if len(p.Categories) == 0 {
		return domain.Counterparty{}, fmt.Errorf("%s: at least one category is required", id)
	}
	if p.Capacity < 0 || p.ActiveLoad < 0 {
		return domain.Counterparty{}, fmt.Errorf("%s: capacity and load must not be negative", id)
	}
	if p.Rating < 0 || p.Rating > 5 {
		return domain.Counterparty{}, fmt.Errorf("%s: rating must be within 0..5", id)
	}
	if p.Location != nil && !p.Location.Valid() {
		return domain.Counterparty{}, fmt.Errorf("%s: location is out of range", id)
	}
	profile := domain.Counterparty{
		ID:           id,
		Name:         strings.TrimSpace(p.Name),
		Categories:   p.Categories,
		Regions:      p.Regions,
		Location:     p.Location,
		Capacity:     p.Capacity,
		ActiveLoad:   p.ActiveLoad,
		Rating:       p.Rating,
		RegisteredAt: p.RegisteredAt.UTC(),
		Contacts:     p.Contacts,
		Locale:       strings.TrimSpace(p.Locale),
	}
	var err error
	if profile.MinTerms, err = domain.ParseOptionalTerms(p.MinTerms); err != nil {
		return domain.Counterparty{}, fmt.Errorf("%s: min_terms: %w", id, err)
	}
	if profile.MaxTerms, err = domain.ParseOptionalTerms(p.MaxTerms); err != nil {
		return domain.Counterparty{}, fmt.Errorf("%s: max_terms: %w", id, err)
	}
	if profile.Preferred, err = domain.ParseOptionalTerms(p.Preferred); err != nil {
		return domain.Counterparty{}, fmt.Errorf("%s: preferred_terms: %w", id, err)
	}
	if profile.AutoApprove, err = domain.ParseOptionalTerms(p.AutoApprove); err != nil {
		return domain.Counterparty{}, fmt.Errorf("%s: auto_approve_threshold: %w", id, err)
	}
	if profile.MinTerms != nil && profile.MaxTerms != nil && profile.MinTerms.GreaterThan(*profile.MaxTerms) {
		return domain.Counterparty{}, fmt.Errorf("%s: min_terms exceeds max_terms", id)
	}
	return profile, nil
}

// WithTimeout bounds every lookup of source by timeout.
func WithTimeout(source Source, timeout time.Duration) Source {
	if timeout <= 0 {
		return source
	}
	return SourceFunc(func(ctx context.Context, category, region string) ([]domain.Counterparty, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return source.GetCounterpartyPool(ctx, category, region)
	})
}
