package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionCookieName    = "annohub_session"
	testSessionUserID        = "user-123"
	testSessionDisplayName   = "Ada Lovelace"
)

func signTestToken(t *testing.T, claims SessionClaims, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func newTestValidator(t *testing.T, clockNow time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func validClaims(clockNow time.Time) SessionClaims {
	return SessionClaims{
		UserID:          testSessionUserID,
		UserDisplayName: testSessionDisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    DefaultSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	}
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	claims, err := validator.ValidateToken(signTestToken(t, validClaims(clockNow), testSessionSigningSecret))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
	if claims.UserDisplayName != testSessionDisplayName {
		t.Fatalf("unexpected display name: %s", claims.UserDisplayName)
	}
}

func TestSessionValidatorValidateTokenExpired(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	claims := validClaims(clockNow)
	claims.IssuedAt = jwt.NewNumericDate(clockNow.Add(-2 * time.Hour))
	claims.NotBefore = nil
	claims.ExpiresAt = jwt.NewNumericDate(clockNow.Add(-time.Hour))

	_, err := validator.ValidateToken(signTestToken(t, claims, testSessionSigningSecret))
	if !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestSessionValidatorRejectsForeignTokens(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	wrongIssuer := validClaims(clockNow)
	wrongIssuer.Issuer = "someone-else"
	missingUser := validClaims(clockNow)
	missingUser.UserID = ""

	testCases := []struct {
		name    string
		token   string
		wantErr error
	}{
		{name: "empty", token: "  ", wantErr: ErrMissingSessionToken},
		{name: "garbage", token: "not.a.jwt", wantErr: ErrInvalidSessionToken},
		{name: "wrong secret", token: signTestToken(t, validClaims(clockNow), "other-secret"), wantErr: ErrInvalidSessionToken},
		{name: "wrong issuer", token: signTestToken(t, wrongIssuer, testSessionSigningSecret), wantErr: ErrInvalidSessionToken},
		{name: "missing user", token: signTestToken(t, missingUser, testSessionSigningSecret), wantErr: ErrMissingSessionSubject},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := validator.ValidateToken(testCase.token)
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestSessionValidatorValidateRequestSources(t *testing.T) {
	clockNow := time.Now()
	validator := newTestValidator(t, clockNow)
	signed := signTestToken(t, validClaims(clockNow), testSessionSigningSecret)

	queryRequest := httptest.NewRequest(http.MethodGet, "/ws?authToken="+signed, http.NoBody)

	headerRequest := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	headerRequest.Header.Set("Authorization", "Bearer "+signed)

	cookieRequest := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	cookieRequest.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: signed})

	for name, request := range map[string]*http.Request{
		"query":  queryRequest,
		"header": headerRequest,
		"cookie": cookieRequest,
	} {
		claims, err := validator.ValidateRequest(request)
		if err != nil {
			t.Fatalf("%s: validation failed: %v", name, err)
		}
		if claims.UserID != testSessionUserID {
			t.Fatalf("%s: unexpected user id: %s", name, claims.UserID)
		}
	}

	if _, err := validator.ValidateRequest(httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
	if _, err := validator.ValidateRequest(nil); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error for nil request, got %v", err)
	}
}

func TestNewSessionValidatorRequiresSecretAndCookie(t *testing.T) {
	if _, err := NewSessionValidator(SessionValidatorConfig{CookieName: testSessionCookieName}); !errors.Is(err, ErrMissingSessionSigningKey) {
		t.Fatalf("expected missing signing key error, got %v", err)
	}
	if _, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte("x")}); !errors.Is(err, ErrMissingSessionCookieName) {
		t.Fatalf("expected missing cookie name error, got %v", err)
	}
}
