package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionCookieName    = "pulse_session"
	testSessionUserID        = "user-123"
)

var testClockNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func newTestValidator(t *testing.T, leeway time.Duration) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
		Leeway:        leeway,
		Clock:         func() time.Time { return testClockNow },
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signClaims(t *testing.T, claims SessionClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func registered(subject string, expiresAt time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    defaultSessionIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(testClockNow.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
}

func TestSessionValidatorValidateToken(t *testing.T) {
	validator := newTestValidator(t, 0)
	signed := signClaims(t, SessionClaims{
		UserID:           testSessionUserID,
		UserDisplayName:  "Alice",
		RegisteredClaims: registered(testSessionUserID, testClockNow.Add(time.Hour)),
	})

	claims, err := validator.ValidateToken(signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID || claims.UserDisplayName != "Alice" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestSessionValidatorRejections(t *testing.T) {
	testCases := []struct {
		name    string
		claims  SessionClaims
		wantErr error
	}{
		{
			name:    "expired",
			claims:  SessionClaims{UserID: testSessionUserID, RegisteredClaims: registered(testSessionUserID, testClockNow.Add(-time.Hour))},
			wantErr: ErrExpiredSessionToken,
		},
		{
			name:    "no expiry",
			claims:  SessionClaims{UserID: testSessionUserID, RegisteredClaims: jwt.RegisteredClaims{Issuer: defaultSessionIssuer, Subject: testSessionUserID}},
			wantErr: ErrInvalidSessionToken,
		},
		{
			name: "foreign issuer",
			claims: SessionClaims{UserID: testSessionUserID, RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "someone-else",
				Subject:   testSessionUserID,
				ExpiresAt: jwt.NewNumericDate(testClockNow.Add(time.Hour)),
			}},
			wantErr: ErrInvalidSessionToken,
		},
		{
			name:    "subject mismatch",
			claims:  SessionClaims{UserID: testSessionUserID, RegisteredClaims: registered("user-999", testClockNow.Add(time.Hour))},
			wantErr: ErrMissingSessionSubject,
		},
		{
			name:    "missing user id",
			claims:  SessionClaims{RegisteredClaims: registered(testSessionUserID, testClockNow.Add(time.Hour))},
			wantErr: ErrMissingSessionSubject,
		},
	}

	validator := newTestValidator(t, 0)
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := validator.ValidateToken(signClaims(t, testCase.claims))
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestSessionValidatorRejectsOtherAlgorithms(t *testing.T) {
	validator := newTestValidator(t, 0)
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, SessionClaims{
		UserID:           testSessionUserID,
		RegisteredClaims: registered(testSessionUserID, testClockNow.Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestSessionValidatorLeewayAcceptsRecentExpiry(t *testing.T) {
	signed := signClaims(t, SessionClaims{
		UserID:           testSessionUserID,
		RegisteredClaims: registered(testSessionUserID, testClockNow.Add(-10*time.Second)),
	})

	if _, err := newTestValidator(t, 0).ValidateToken(signed); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expiry without leeway, got %v", err)
	}
	if _, err := newTestValidator(t, 30*time.Second).ValidateToken(signed); err != nil {
		t.Fatalf("expected token inside leeway to validate: %v", err)
	}
}

func TestSessionValidatorValidateRequestUsesCookie(t *testing.T) {
	validator := newTestValidator(t, 0)
	signed := signClaims(t, SessionClaims{
		UserID:           testSessionUserID,
		RegisteredClaims: registered(testSessionUserID, testClockNow.Add(time.Hour)),
	})

	request := httptest.NewRequest(http.MethodGet, "/stream", http.NoBody)
	request.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: signed})

	if _, source := validator.RequestToken(request); source != TokenSourceCookie {
		t.Fatalf("expected cookie source, got %q", source)
	}
	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
}

func TestSessionValidatorValidateRequestPrefersBearerHeader(t *testing.T) {
	validator := newTestValidator(t, 0)
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Clock:         func() time.Time { return testClockNow },
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	signed, _, err := issuer.IssueSessionToken(context.Background(), SessionClaims{UserID: testSessionUserID})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/notifications", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+signed)
	request.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: "garbage"})

	if _, source := validator.RequestToken(request); source != TokenSourceBearer {
		t.Fatalf("expected bearer source, got %q", source)
	}
	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}

	anonymous := httptest.NewRequest(http.MethodGet, "/notifications", http.NoBody)
	if _, err := validator.ValidateRequest(anonymous); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestNewSessionValidatorRequiresSecretAndCookie(t *testing.T) {
	if _, err := NewSessionValidator(SessionValidatorConfig{CookieName: testSessionCookieName}); !errors.Is(err, ErrMissingSessionSigningKey) {
		t.Fatalf("expected missing key error, got %v", err)
	}
	if _, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte("x")}); !errors.Is(err, ErrMissingSessionCookieName) {
		t.Fatalf("expected missing cookie error, got %v", err)
	}
}
