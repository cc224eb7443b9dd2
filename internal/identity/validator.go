// Package identity implements the Auth Gate: bearer token validation against
// the documents store so every hub connection carries a resolved user record
// before it reaches a room.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/collabhub/hub/internal/documents"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrAuthMissing indicates no bearer token was presented.
	ErrAuthMissing = errors.New("identity: bearer token required")
	// ErrAuthInvalid indicates the bearer token failed signature, issuer, or expiry checks.
	ErrAuthInvalid = errors.New("identity: bearer token invalid")
	// ErrAuthUnknownUser indicates the token's subject does not resolve to a known user.
	ErrAuthUnknownUser = errors.New("identity: subject does not resolve to a known user")

	errMissingSigningSecret = errors.New("identity: signing secret required")
	errMissingIssuer        = errors.New("identity: issuer required")
)

// Claims mirrors the JWT payload a HandshakeValidator accepts.
type Claims struct {
	jwt.RegisteredClaims
}

// ValidatorConfig configures a HandshakeValidator.
type ValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	Clock         func() time.Time
}

// UserLookup resolves a validated subject to a user record. documents.Store
// satisfies this directly.
type UserLookup interface {
	FindUserByID(ctx context.Context, id documents.UserID) (*documents.User, error)
}

// HandshakeValidator is the Auth Gate: it validates the bearer token
// presented on a hub connection attempt and resolves it to a user record,
// reading the credential from an Authorization header or access_token query
// parameter and resolving identity against the documents store rather than
// trusting claim-embedded profile fields.
type HandshakeValidator struct {
	signingSecret []byte
	issuer        string
	audience      string
	clock         func() time.Time
	users         UserLookup
}

// NewHandshakeValidator constructs a HandshakeValidator.
func NewHandshakeValidator(cfg ValidatorConfig, users UserLookup) (*HandshakeValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errMissingIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &HandshakeValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      strings.TrimSpace(cfg.Audience),
		clock:         clock,
		users:         users,
	}, nil
}

// ExtractBearer pulls the bearer token out of an Authorization header, or
// from the access_token query parameter when no such header is present.
func ExtractBearer(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrAuthMissing
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
			return token, nil
		}
		return "", ErrAuthMissing
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", ErrAuthMissing
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", ErrAuthMissing
	}
	return token, nil
}

// ValidateRequest extracts and validates the bearer token from r, then
// resolves it to a user record. The three failure modes are distinguished
// (ErrAuthMissing, ErrAuthInvalid, ErrAuthUnknownUser) so the hub can apply
// a distinct rejection reason to each.
func (v *HandshakeValidator) ValidateRequest(ctx context.Context, r *http.Request) (*documents.User, error) {
	token, err := ExtractBearer(r)
	if err != nil {
		return nil, err
	}
	return v.ValidateToken(ctx, token)
}

// ValidateToken validates a raw bearer token string and resolves the user.
func (v *HandshakeValidator) ValidateToken(ctx context.Context, rawToken string) (*documents.User, error) {
	token := strings.TrimSpace(rawToken)
	if token == "" {
		return nil, ErrAuthMissing
	}

	claims := &Claims{}
	parserOpts := []jwt.ParserOption{
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrAuthInvalid, t.Method.Alg())
		}
		return v.signingSecret, nil
	}, parserOpts...)
	if err != nil || parsed == nil || !parsed.Valid {
		return nil, ErrAuthInvalid
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return nil, ErrAuthInvalid
	}

	userID, err := documents.NewUserID(subject)
	if err != nil {
		return nil, ErrAuthInvalid
	}

	user, err := v.users.FindUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("identity: resolve user: %w", err)
	}
	if user == nil {
		return nil, ErrAuthUnknownUser
	}
	return user, nil
}
