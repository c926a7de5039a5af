// Package identity validates externally issued bearer tokens and resolves the
// caller behind them. Tokens are never issued here.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/koscakluka/ema-intake/core/events"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the validated caller of a connection.
type Identity struct {
	UserID   string
	TenantID string
}

type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (Identity, error)
}

// Claims are the token claims the service relies on: the subject is the user
// and tenant_id selects the firm.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

type JWTAuthenticator struct {
	keyfunc  jwt.Keyfunc
	methods  []string
	issuer   string
	audience string
	leeway   time.Duration

	// refreshing is set when keys are refreshed in the background.
	refreshing *keyfunc.JWKS
}

type JWTOption func(*JWTAuthenticator)

func WithIssuer(issuer string) JWTOption {
	return func(a *JWTAuthenticator) { a.issuer = issuer }
}

func WithAudience(audience string) JWTOption {
	return func(a *JWTAuthenticator) { a.audience = audience }
}

// WithLeeway tolerates clock skew when checking expiry and not-before.
func WithLeeway(leeway time.Duration) JWTOption {
	return func(a *JWTAuthenticator) { a.leeway = leeway }
}

// NewHS256 validates tokens signed with a shared secret.
func NewHS256(secret []byte, opts ...JWTOption) (*JWTAuthenticator, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("hs256 secret is empty")
	}

	a := &JWTAuthenticator{
		keyfunc: func(*jwt.Token) (any, error) { return secret, nil },
		methods: []string{jwt.SigningMethodHS256.Alg()},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// NewJWKS validates asymmetric tokens against keys fetched from jwksURL. The
// key set is refreshed in the background until Close is called.
func NewJWKS(jwksURL string, opts ...JWTOption) (*JWTAuthenticator, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshErrorHandler: func(err error) {
			logger.Warn("failed to refresh jwks", "url", jwksURL, "error", err)
		},
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  5 * time.Minute,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load jwks from %s: %w", jwksURL, err)
	}
	a := newJWKSAuthenticator(jwks, opts...)
	a.refreshing = jwks
	return a, nil
}

// NewJWKSFromJSON validates tokens against a fixed key set.
func NewJWKSFromJSON(raw json.RawMessage, opts ...JWTOption) (*JWTAuthenticator, error) {
	jwks, err := keyfunc.NewJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jwks: %w", err)
	}
	return newJWKSAuthenticator(jwks, opts...), nil
}

func newJWKSAuthenticator(jwks *keyfunc.JWKS, opts ...JWTOption) *JWTAuthenticator {
	a := &JWTAuthenticator{
		keyfunc: jwks.Keyfunc,
		methods: []string{"RS256", "RS384", "RS512", "ES256", "ES384", "EdDSA"},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *JWTAuthenticator) Authenticate(ctx context.Context, credential string) (Identity, error) {
	_, span := tracer.Start(ctx, "authenticate")
	defer span.End()

	identity, err := a.authenticate(credential)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Identity{}, err
	}
	span.SetAttributes(attribute.String("tenant.id", identity.TenantID))
	return identity, nil
}

func (a *JWTAuthenticator) authenticate(credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, fmt.Errorf("%w: missing credential", ErrUnauthenticated)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(a.methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.leeway),
	}
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(a.audience))
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(credential, &claims, a.keyfunc, parserOpts...)
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: invalid token: %w", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	if err := events.ValidateTenantID(claims.TenantID); err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	return Identity{UserID: claims.Subject, TenantID: claims.TenantID}, nil
}

// Close stops the background key refresh, if any.
func (a *JWTAuthenticator) Close() {
	if a.refreshing != nil {
		a.refreshing.EndBackground()
	}
}

// BearerCredential extracts the token from the Authorization header, falling
// back to the token query parameter for clients that cannot set headers on a
// websocket handshake.
func BearerCredential(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
