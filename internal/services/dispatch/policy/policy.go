// Package policy resolves per-request-type SLA and routing policy.
package policy

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DeclinePolicy selects what a counterparty decline does to the request.
type DeclinePolicy string

const (
	DeclineReroute   DeclinePolicy = "reroute"
	DeclineTerminate DeclinePolicy = "terminate"
)

// ExpiryPolicy selects what an elapsed decision window does when the terms
// are not auto-approvable.
type ExpiryPolicy string

const (
	ExpiryExpire  ExpiryPolicy = "expire"
	ExpiryReroute ExpiryPolicy = "reroute"
)

const (
	defaultDecisionWindow   = 24 * time.Hour
	defaultReminderFraction = 0.5
)

// Policy is the resolved behavior for one request type.
type Policy struct {
	RequestType      string
	DecisionWindow   time.Duration
	ReminderFraction float64
	DeclinePolicy    DeclinePolicy
	ExpiryPolicy     ExpiryPolicy
	Channels         []string
}

// ReminderAt returns when a reminder becomes due for a dispatch at dispatchedAt.
func (p Policy) ReminderAt(dispatchedAt time.Time) time.Time {
	return dispatchedAt.Add(time.Duration(float64(p.DecisionWindow) * p.ReminderFraction))
}

// DeadlineAt returns when the decision window of a dispatch elapses.
func (p Policy) DeadlineAt(dispatchedAt time.Time) time.Time {
	return dispatchedAt.Add(p.DecisionWindow)
}

// Default returns the built-in policy.
func Default() Policy {
	return Policy{
		DecisionWindow:   defaultDecisionWindow,
		ReminderFraction: defaultReminderFraction,
		DeclinePolicy:    DeclineReroute,
		ExpiryPolicy:     ExpiryExpire,
	}
}

// Set resolves policies by request type, falling back to a default.
type Set struct {
	fallback Policy
	byType   map[string]Policy
}

// NewSet builds a set around fallback.
func NewSet(fallback Policy, overrides ...Policy) (*Set, error) {
	fallback, err := normalize(fallback, Default())
	if err != nil {
		return nil, fmt.Errorf("default policy: %w", err)
	}
	set := &Set{fallback: fallback, byType: make(map[string]Policy, len(overrides))}
	for _, override := range overrides {
		key := normalizeType(override.RequestType)
		if key == "" {
			return nil, fmt.Errorf("request type is required for policy overrides")
		}
		resolved, err := normalize(override, fallback)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", key, err)
		}
		resolved.RequestType = key
		set.byType[key] = resolved
	}
	return set, nil
}

// For returns the policy of requestType, or the default.
func (s *Set) For(requestType string) Policy {
	if s == nil {
		return Default()
	}
	if p, ok := s.byType[normalizeType(requestType)]; ok {
		return p
	}
	p := s.fallback
	p.RequestType = normalizeType(requestType)
	return p
}

// Channels lists every channel any policy names.
func (s *Set) Channels() []string {
	if s == nil {
		return nil
	}
	seen := map[string]bool{}
	var channels []string
	add := func(values []string) {
		for _, channel := range values {
			if !seen[channel] {
				seen[channel] = true
				channels = append(channels, channel)
			}
		}
	}
	add(s.fallback.Channels)
	for _, p := range s.byType {
		add(p.Channels)
	}
	return channels
}

// normalize fills zero fields of p from base and validates the result.
func normalize(p Policy, base Policy) (Policy, error) {
	if p.DecisionWindow == 0 {
		p.DecisionWindow = base.DecisionWindow
	}
	if p.ReminderFraction == 0 {
		p.ReminderFraction = base.ReminderFraction
	}
	if p.DeclinePolicy == "" {
		p.DeclinePolicy = base.DeclinePolicy
	}
	if p.ExpiryPolicy == "" {
		p.ExpiryPolicy = base.ExpiryPolicy
	}
	if p.Channels == nil {
		p.Channels = base.Channels
	}
	if p.DecisionWindow < 0 {
		return Policy{}, fmt.Errorf("decision window must be positive")
	}
	if p.ReminderFraction <= 0 || p.ReminderFraction >= 1 {
		return Policy{}, fmt.Errorf("reminder fraction must be within (0, 1)")
	}
	switch p.DeclinePolicy {
	case DeclineReroute, DeclineTerminate:
	default:
		return Policy{}, fmt.Errorf("decline policy %q is invalid", p.DeclinePolicy)
	}
	switch p.ExpiryPolicy {
	case ExpiryExpire, ExpiryReroute:
	default:
		return Policy{}, fmt.Errorf("expiry policy %q is invalid", p.ExpiryPolicy)
	}
	channels := make([]string, 0, len(p.Channels))
	for _, channel := range p.Channels {
		channel = strings.ToLower(strings.TrimSpace(channel))
		if channel != "" {
			channels = append(channels, channel)
		}
	}
	p.Channels = channels
	return p, nil
}

func normalizeType(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

type document struct {
	Default policyYAML            `yaml:"default"`
	Types   map[string]policyYAML `yaml:"types"`
}

type policyYAML struct {
	DecisionWindow   string   `yaml:"decision_window"`
	ReminderFraction float64  `yaml:"reminder_fraction"`
	DeclinePolicy    string   `yaml:"decline_policy"`
	ExpiryPolicy     string   `yaml:"expiry_policy"`
	Channels         []string `yaml:"channels"`
}

func (p policyYAML) toPolicy(requestType string) (Policy, error) {
	policy := Policy{
		RequestType:      requestType,
		ReminderFraction: p.ReminderFraction,
		DeclinePolicy:    DeclinePolicy(strings.ToLower(strings.TrimSpace(p.DeclinePolicy))),
		ExpiryPolicy:     ExpiryPolicy(strings.ToLower(strings.TrimSpace(p.ExpiryPolicy))),
		Channels:         p.Channels,
	}
	if window := strings.TrimSpace(p.DecisionWindow); window != "" {
		parsed, err := time.ParseDuration(window)
		if err != nil {
			return Policy{}, fmt.Errorf("decision_window: %w", err)
		}
		if parsed <= 0 {
			return Policy{}, fmt.Errorf("decision_window must be positive")
		}
		policy.DecisionWindow = parsed
	}
	return policy, nil
}

// Parse decodes a YAML policy document layered over fallback.
func Parse(data []byte, fallback Policy) (*Set, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode policy yaml: %w", err)
	}
	base, err := doc.Default.toPolicy("")
	if err != nil {
		return nil, fmt.Errorf("default policy: %w", err)
	}
	base, err = normalize(base, fallback)
	if err != nil {
		return nil, fmt.Errorf("default policy: %w", err)
	}
	overrides := make([]Policy, 0, len(doc.Types))
	for requestType, raw := range doc.Types {
		p, err := raw.toPolicy(requestType)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", requestType, err)
		}
		overrides = append(overrides, p)
	}
	return NewSet(base, overrides...)
}

// LoadFile reads a YAML policy document from path.
func LoadFile(path string, fallback Policy) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data, fallback)
}
