package auth

import (
	"context"
	"testing"
	"time"
)

func TestTokenIssuerIssuesSessionTokens(t *testing.T) {
	clockNow := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return clockNow }
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresAt, err := issuer.IssueSessionToken(context.Background(), SessionClaims{
		UserID:          " user-123 ",
		UserDisplayName: "Example User",
	})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(clockNow.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}

	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte("super-secret"),
		CookieName:    "app_session",
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	claims, err := validator.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if claims.Subject != "user-123" || claims.UserID != "user-123" {
		t.Fatalf("unexpected subject %q / user %q", claims.Subject, claims.UserID)
	}
	if claims.Issuer != defaultSessionIssuer {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if claims.UserDisplayName != "Example User" {
		t.Fatalf("unexpected display name %q", claims.UserDisplayName)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{Issuer: "pulse-auth"}); err == nil {
		t.Fatalf("expected constructor error for missing secret")
	}
}

func TestTokenIssuerRequiresUserID(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret")})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.IssueSessionToken(context.Background(), SessionClaims{UserID: " "}); err == nil {
		t.Fatalf("expected error for missing user id")
	}
}
