package api

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const testSecret = "test-secret"

func newTestModeAuth(t *testing.T) *Auth {
	t.Helper()
	t.Setenv("AUTH_TEST_MODE", "1")
	t.Setenv("TEST_JWT_SECRET", testSecret)
	return NewAuth(nil, "api://boardsync", "https://issuer/")
}

func signTestToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub": "user-123",
		"aud": "api://boardsync",
		"iss": "https://issuer/",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	}
}

func TestBearerTokenExtraction(t *testing.T) {
	for name, tc := range map[string]struct {
		header  string
		token   string
		wantErr error
	}{
		"valid":          {header: "Bearer header.payload.signature", token: "header.payload.signature"},
		"padded":         {header: "  Bearer header.payload.signature  ", token: "header.payload.signature"},
		"empty":          {header: "", wantErr: errMissingAuthorization},
		"blank":          {header: "   ", wantErr: errMissingAuthorization},
		"wrong_scheme":   {header: "Basic a.b.c", wantErr: errBadAuthorization},
		"bare_scheme":    {header: "Bearer ", wantErr: errBadAuthorization},
		"not_a_jwt":      {header: "Bearer opaque-token", wantErr: errBadAuthorization},
		"too_many_parts": {header: "Bearer " + strings.Repeat(".", 1000), wantErr: errBadAuthorization},
		"too_few_parts":  {header: "Bearer a.b", wantErr: errBadAuthorization},
		"case_sensitive": {header: "bearer a.b.c", wantErr: errBadAuthorization},
	} {
		t.Run(name, func(t *testing.T) {
			token, err := bearerToken(tc.header)
			if err != tc.wantErr {
				t.Fatalf("unexpected error: got %v want %v", err, tc.wantErr)
			}
			if err == nil && token != tc.token {
				t.Fatalf("unexpected token: %q", token)
			}
		})
	}
}

func TestUserIDFromAuthHeaderHS256(t *testing.T) {
	auth := newTestModeAuth(t)
	signed := signTestToken(t, testSecret, validClaims())

	userID, err := auth.UserIDFromAuthHeader("Bearer " + signed)
	if err != nil {
		t.Fatalf("unexpected error verifying token: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("unexpected user id: %s", userID)
	}
}

func TestUserIDFromAuthHeaderRejections(t *testing.T) {
	auth := newTestModeAuth(t)

	expired := validClaims()
	expired["exp"] = time.Now().Add(-5 * time.Minute).Unix()

	noExpiry := validClaims()
	delete(noExpiry, "exp")

	wrongAudience := validClaims()
	wrongAudience["aud"] = "api://other"

	wrongIssuer := validClaims()
	wrongIssuer["iss"] = "https://elsewhere/"

	noSubject := validClaims()
	delete(noSubject, "sub")

	for name, tc := range map[string]struct {
		secret string
		claims jwt.MapClaims
	}{
		"expired":        {secret: testSecret, claims: expired},
		"missing_expiry": {secret: testSecret, claims: noExpiry},
		"wrong_audience": {secret: testSecret, claims: wrongAudience},
		"wrong_issuer":   {secret: testSecret, claims: wrongIssuer},
		"missing_sub":    {secret: testSecret, claims: noSubject},
		"wrong_secret":   {secret: "other-secret", claims: validClaims()},
	} {
		t.Run(name, func(t *testing.T) {
			signed := signTestToken(t, tc.secret, tc.claims)
			if _, err := auth.UserIDFromAuthHeader("Bearer " + signed); err == nil {
				t.Fatal("expected token to be rejected")
			}
		})
	}
}

func TestNewAuthTestModeRequiresSecret(t *testing.T) {
	t.Setenv("AUTH_TEST_MODE", "1")
	t.Setenv("TEST_JWT_SECRET", "")
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic without a test secret")
		}
	}()
	NewAuth(nil, "", "")
}
