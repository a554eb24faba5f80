package auth

import (
	"testing"
	"time"
)

func TestGenerateAndParseAccessToken(t *testing.T) {
	secret := "test-secret-key-for-jwt-signing"

	token, err := GenerateAccessToken("operator", secret, 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	if token == "" {
		t.Fatal("GenerateAccessToken() returned empty token")
	}

	claims, err := ParseToken(token, secret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}

	if claims.Subject != "operator" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "operator")
	}

	if claims.SessionID == "" {
		t.Error("SessionID should not be empty")
	}

	if claims.ID == "" {
		t.Error("JTI (ID) should not be empty")
	}
}

func TestParseToken_WrongSecret(t *testing.T) {
	token, err := GenerateAccessToken("operator", "correct-secret", 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	_, err = ParseToken(token, "wrong-secret")
	if err == nil {
		t.Error("ParseToken() should fail with wrong secret")
	}
}

func TestParseToken_Garbage(t *testing.T) {
	_, err := ParseToken("not-a-valid-jwt", "secret")
	if err == nil {
		t.Error("ParseToken() should fail with invalid token string")
	}

	// Valid token should still parse
	token, err := GenerateAccessToken("operator", "secret", 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	claims, err := ParseToken(token, "secret")
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}

	// Token should not be expired yet
	if claims.ExpiresAt.Time.Before(time.Now()) {
		t.Error("newly generated token should not be expired")
	}
}

func TestParseToken_Malformed(t *testing.T) {
	// Empty string
	_, err := ParseToken("", "secret")
	if err == nil {
		t.Error("ParseToken() should fail with empty token")
	}

	// Malformed JWT (wrong number of segments)
	_, err = ParseToken("abc.def", "secret")
	if err == nil {
		t.Error("ParseToken() should fail with malformed JWT")
	}
}

func TestGenerateAccessToken_DefaultTTL(t *testing.T) {
	// TTL of 0 should default to 15 minutes
	token, err := GenerateAccessToken("operator", "secret", 0)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	claims, err := ParseToken(token, "secret")
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}

	expectedExpiry := time.Now().Add(15 * time.Minute)
	diff := claims.ExpiresAt.Time.Sub(expectedExpiry)
	if diff < -time.Minute || diff > time.Minute {
		t.Errorf("default TTL should be ~15 minutes, got expiry diff of %v", diff)
	}
}
