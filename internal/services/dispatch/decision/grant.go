package decision

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/dispatch/internal/platform/errors"
)

const (
	// EnvGrantIssuer names the issuer claim of decision grants.
	EnvGrantIssuer = "DISPATCH_DECISION_GRANT_ISSUER"
	// EnvGrantAudience names the audience claim of decision grants.
	EnvGrantAudience = "DISPATCH_DECISION_GRANT_AUDIENCE"
	// EnvGrantPrivateKey holds the base64 Ed25519 signing key.
	EnvGrantPrivateKey = "DISPATCH_DECISION_GRANT_PRIVATE_KEY"
	// EnvGrantPublicKey holds the base64 Ed25519 verification key.
	EnvGrantPublicKey = "DISPATCH_DECISION_GRANT_PUBLIC_KEY"
	// EnvGrantGrace extends grant expiry past the routing deadline.
	EnvGrantGrace = "DISPATCH_DECISION_GRANT_GRACE"

	DefaultGrantIssuer   = "dispatch"
	DefaultGrantAudience = "dispatch-decisions"
	DefaultGrantGrace    = time.Hour
)

// grantEnv holds raw env values before post-parse validation.
type grantEnv struct {
	Issuer     string        `env:"DISPATCH_DECISION_GRANT_ISSUER"      envDefault:"dispatch"`
	Audience   string        `env:"DISPATCH_DECISION_GRANT_AUDIENCE"    envDefault:"dispatch-decisions"`
	PrivateKey string        `env:"DISPATCH_DECISION_GRANT_PRIVATE_KEY"`
	PublicKey  string        `env:"DISPATCH_DECISION_GRANT_PUBLIC_KEY"`
	Grace      time.Duration `env:"DISPATCH_DECISION_GRANT_GRACE"       envDefault:"1h"`
}

// GrantConfig defines how decision grants are signed and verified.
type GrantConfig struct {
	Issuer     string
	Audience   string
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	Grace      time.Duration
	Now        func() time.Time
}

// GrantSubject identifies the routing a grant authorizes a decision on.
type GrantSubject struct {
	RoutingID      string
	RequestID      string
	CounterpartyID string
	DeadlineAt     time.Time
}

// GrantClaims captures validated decision grant claims.
type GrantClaims struct {
	Issuer         string
	ExpiresAt      time.Time
	IssuedAt       time.Time
	RoutingID      string
	RequestID      string
	CounterpartyID string
}

// grantClaims is the internal claims type used for JWT parsing.
type grantClaims struct {
	jwt.RegisteredClaims
	RoutingID      string `json:"routing_id"`
	RequestID      string `json:"request_id"`
	CounterpartyID string `json:"counterparty_id"`
}

// LoadGrantConfigFromEnv reads decision grant configuration. The public key
// is derived from the private key when only the latter is set.
func LoadGrantConfigFromEnv(now func() time.Time) (GrantConfig, error) {
	var raw grantEnv
	if err := env.Parse(&raw); err != nil {
		return GrantConfig{}, fmt.Errorf("parse decision grant env: %w", err)
	}
	cfg := GrantConfig{
		Issuer:   strings.TrimSpace(raw.Issuer),
		Audience: strings.TrimSpace(raw.Audience),
		Grace:    raw.Grace,
		Now:      now,
	}
	if cfg.Issuer == "" {
		return GrantConfig{}, fmt.Errorf("%s is required", EnvGrantIssuer)
	}
	if cfg.Audience == "" {
		return GrantConfig{}, fmt.Errorf("%s is required", EnvGrantAudience)
	}
	if cfg.Grace < 0 {
		return GrantConfig{}, fmt.Errorf("%s must not be negative", EnvGrantGrace)
	}
	if privateKey := strings.TrimSpace(raw.PrivateKey); privateKey != "" {
		keyBytes, err := decodeBase64(privateKey)
		if err != nil {
			return GrantConfig{}, fmt.Errorf("decode decision grant private key: %w", err)
		}
		if len(keyBytes) != ed25519.PrivateKeySize {
			return GrantConfig{}, fmt.Errorf("decision grant private key must be %d bytes", ed25519.PrivateKeySize)
		}
		cfg.PrivateKey = ed25519.PrivateKey(keyBytes)
		cfg.PublicKey = cfg.PrivateKey.Public().(ed25519.PublicKey)
	}
	if publicKey := strings.TrimSpace(raw.PublicKey); publicKey != "" {
		keyBytes, err := decodeBase64(publicKey)
		if err != nil {
			return GrantConfig{}, fmt.Errorf("decode decision grant public key: %w", err)
		}
		if len(keyBytes) != ed25519.PublicKeySize {
			return GrantConfig{}, fmt.Errorf("decision grant public key must be %d bytes", ed25519.PublicKeySize)
		}
		cfg.PublicKey = ed25519.PublicKey(keyBytes)
	}
	if len(cfg.PublicKey) == 0 {
		return GrantConfig{}, fmt.Errorf("%s or %s is required", EnvGrantPrivateKey, EnvGrantPublicKey)
	}
	return cfg, nil
}

// Grants signs and verifies decision grants.
type Grants struct {
	cfg GrantConfig
}

// NewGrants validates cfg and builds Grants.
func NewGrants(cfg GrantConfig) (*Grants, error) {
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("decision grant issuer and audience are required")
	}
	if len(cfg.PublicKey) != ed25519.PublicKeySize {
		return nil, errors.New("decision grant public key is required")
	}
	if cfg.PrivateKey != nil && len(cfg.PrivateKey) != ed25519.PrivateKeySize {
		return nil, errors.New("decision grant private key is malformed")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Grants{cfg: cfg}, nil
}

// KeyID returns the fingerprint of a verification key: the first eight bytes
// of its SHA-256 digest, hex encoded. Issued grants carry it as "kid".
func KeyID(publicKey ed25519.PublicKey) string {
	if len(publicKey) != ed25519.PublicKeySize {
		return ""
	}
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:8])
}

// KeyID returns the fingerprint of the configured verification key.
func (g *Grants) KeyID() string {
	if g == nil {
		return ""
	}
	return KeyID(g.cfg.PublicKey)
}

// Issue signs a grant for subject that expires Grace after its deadline.
func (g *Grants) Issue(subject GrantSubject) (string, error) {
	if g == nil || len(g.cfg.PrivateKey) != ed25519.PrivateKeySize {
		return "", errors.New("decision grant signer is not configured")
	}
	if subject.RoutingID == "" || subject.RequestID == "" || subject.CounterpartyID == "" {
		return "", errors.New("decision grant subject is incomplete")
	}
	if subject.DeadlineAt.IsZero() {
		return "", errors.New("decision grant deadline is required")
	}
	now := g.cfg.Now().UTC()
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.cfg.Issuer,
			Audience:  jwt.ClaimStrings{g.cfg.Audience},
			ID:        subject.RoutingID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(subject.DeadlineAt.Add(g.cfg.Grace)),
		},
		RoutingID:      subject.RoutingID,
		RequestID:      subject.RequestID,
		CounterpartyID: subject.CounterpartyID,
	}
	unsigned := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	unsigned.Header["kid"] = KeyID(g.cfg.PublicKey)
	token, err := unsigned.SignedString(g.cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("sign decision grant: %w", err)
	}
	return token, nil
}

// Verify validates a grant and returns its claims.
func (g *Grants) Verify(grant string) (GrantClaims, error) {
	grant = strings.TrimSpace(grant)
	if grant == "" {
		return GrantClaims{}, apperrors.New(apperrors.CodeDecisionGrantInvalid, "decision grant is required")
	}
	if g == nil {
		return GrantClaims{}, errors.New("decision grant verifier is not configured")
	}

	var parsed grantClaims
	_, err := jwt.ParseWithClaims(grant, &parsed, func(token *jwt.Token) (any, error) {
		return g.cfg.PublicKey, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return GrantClaims{}, mapJWTError(err)
	}

	if parsed.Issuer != g.cfg.Issuer {
		return GrantClaims{}, apperrors.WithMetadata(
			apperrors.CodeDecisionGrantInvalid,
			"decision grant issuer mismatch",
			map[string]string{"Field": "issuer"},
		)
	}
	if !audienceContains(parsed.Audience, g.cfg.Audience) {
		return GrantClaims{}, apperrors.WithMetadata(
			apperrors.CodeDecisionGrantInvalid,
			"decision grant audience mismatch",
			map[string]string{"Field": "audience"},
		)
	}
	if parsed.ExpiresAt == nil {
		return GrantClaims{}, apperrors.New(apperrors.CodeDecisionGrantInvalid, "decision grant exp is required")
	}
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(g.cfg.Now().UTC()) {
		return GrantClaims{}, apperrors.New(apperrors.CodeDecisionGrantExpired, "decision grant is expired")
	}
	if strings.TrimSpace(parsed.RoutingID) == "" || strings.TrimSpace(parsed.RequestID) == "" || strings.TrimSpace(parsed.CounterpartyID) == "" {
		return GrantClaims{}, apperrors.New(apperrors.CodeDecisionGrantInvalid, "decision grant subject is incomplete")
	}

	claims := GrantClaims{
		Issuer:         parsed.Issuer,
		ExpiresAt:      exp,
		RoutingID:      parsed.RoutingID,
		RequestID:      parsed.RequestID,
		CounterpartyID: parsed.CounterpartyID,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.New(apperrors.CodeDecisionGrantInvalid, "decision grant signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeDecisionGrantInvalid, "decision grant alg is invalid")
	}
	return apperrors.New(apperrors.CodeDecisionGrantInvalid, "decision grant is invalid")
}

func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
