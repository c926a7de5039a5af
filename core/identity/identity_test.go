package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-with-enough-length-0123456789")

func signHS256(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("unexpected signing error: %v", err)
	}
	return token
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			Issuer:    "ema-auth",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "firm-a",
	}
}

func TestHS256Authenticate(t *testing.T) {
	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	noExpiry := validClaims()
	noExpiry.ExpiresAt = nil

	noSubject := validClaims()
	noSubject.Subject = ""

	badTenant := validClaims()
	badTenant.TenantID = "firm-a:global"

	sharedTenant := validClaims()
	sharedTenant.TenantID = "global"

	wrongIssuer := validClaims()
	wrongIssuer.Issuer = "someone-else"

	testCases := []struct {
		name     string
		token    string
		expected Identity
		fails    bool
	}{
		{name: "valid", token: signHS256(t, testSecret, validClaims()), expected: Identity{UserID: "user-42", TenantID: "firm-a"}},
		{name: "empty", token: "", fails: true},
		{name: "garbage", token: "not-a-token", fails: true},
		{name: "wrong secret", token: signHS256(t, []byte("another-secret-of-enough-length-000000"), validClaims()), fails: true},
		{name: "expired", token: signHS256(t, testSecret, expired), fails: true},
		{name: "no expiry", token: signHS256(t, testSecret, noExpiry), fails: true},
		{name: "no subject", token: signHS256(t, testSecret, noSubject), fails: true},
		{name: "tenant addressing another stream", token: signHS256(t, testSecret, badTenant), fails: true},
		{name: "tenant naming the shared stream", token: signHS256(t, testSecret, sharedTenant), fails: true},
		{name: "wrong issuer", token: signHS256(t, testSecret, wrongIssuer), fails: true},
	}

	authenticator, err := NewHS256(testSecret, WithIssuer("ema-auth"))
	if err != nil {
		t.Fatalf("unexpected authenticator error: %v", err)
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got, err := authenticator.Authenticate(context.Background(), testCase.token)
			if testCase.fails {
				if !errors.Is(err, ErrUnauthenticated) {
					t.Fatalf("expected ErrUnauthenticated, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected authentication error: %v", err)
			}
			if got != testCase.expected {
				t.Fatalf("expected %+v, got %+v", testCase.expected, got)
			}
		})
	}
}

func TestHS256RejectsUnsignedTokens(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims()).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("unexpected signing error: %v", err)
	}

	authenticator, _ := NewHS256(testSecret)
	if _, err := authenticator.Authenticate(context.Background(), token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected alg none to be rejected, got %v", err)
	}
}

func TestNewHS256RequiresSecret(t *testing.T) {
	if _, err := NewHS256(nil); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestJWKSAuthenticate(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("unexpected key error: %v", err)
	}

	raw, _ := json.Marshal(map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "test-key",
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	})

	authenticator, err := NewJWKSFromJSON(raw)
	if err != nil {
		t.Fatalf("unexpected jwks error: %v", err)
	}
	defer authenticator.Close()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims())
	token.Header["kid"] = "test-key"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("unexpected signing error: %v", err)
	}

	got, err := authenticator.Authenticate(context.Background(), signed)
	if err != nil {
		t.Fatalf("unexpected authentication error: %v", err)
	}
	if got.UserID != "user-42" || got.TenantID != "firm-a" {
		t.Fatalf("expected identity from claims, got %+v", got)
	}

	// a shared-secret token must not pass an asymmetric key set
	if _, err := authenticator.Authenticate(context.Background(), signHS256(t, testSecret, validClaims())); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected hs256 token to be rejected, got %v", err)
	}
}

func TestBearerCredential(t *testing.T) {
	testCases := []struct {
		name     string
		target   string
		header   string
		expected string
	}{
		{name: "header", target: "/v1/live", header: "Bearer abc.def.ghi", expected: "abc.def.ghi"},
		{name: "lower case scheme", target: "/v1/live", header: "bearer abc", expected: "abc"},
		{name: "query", target: "/v1/live?token=xyz", expected: "xyz"},
		{name: "header wins over query", target: "/v1/live?token=xyz", header: "Bearer abc", expected: "abc"},
		{name: "other scheme", target: "/v1/live?token=xyz", header: "Basic dXNlcg==", expected: ""},
		{name: "missing", target: "/v1/live", expected: ""},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", testCase.target, nil)
			if testCase.header != "" {
				r.Header.Set("Authorization", testCase.header)
			}
			if got := BearerCredential(r); got != testCase.expected {
				t.Fatalf("expected %q, got %q", testCase.expected, got)
			}
		})
	}
}
