package identity

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultDevTokenTTL = 12 * time.Hour

var errMissingSubject = errors.New("identity: subject required")

// DevIssuerConfig configures a DevIssuer.
type DevIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// DevIssuer mints bearer tokens for local development and integration
// tests. Production deployments front the hub with an external identity
// provider, and this issuer has no role there — it exists so the dev CLI
// and tests can produce a handshake token without standing up that external
// system. It signs directly from a caller-supplied subject with no upstream
// credential verification step.
type DevIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	ttl           time.Duration
	clock         func() time.Time
}

// NewDevIssuer constructs a DevIssuer.
func NewDevIssuer(cfg DevIssuerConfig) (*DevIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if cfg.Issuer == "" {
		return nil, errMissingIssuer
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultDevTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &DevIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        cfg.Issuer,
		audience:      cfg.Audience,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// IssueToken signs a bearer token for subject, returning it and its TTL in seconds.
func (i *DevIssuer) IssueToken(subject string) (string, int64, error) {
	if subject == "" {
		return "", 0, errMissingSubject
	}
	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)

	registered := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    i.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	if i.audience != "" {
		registered.Audience = []string{i.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(i.ttl.Seconds()), nil
}
