package auth

import "testing"

func TestAccessTokenRoundTrip(t *testing.T) {
	token, err := GenerateAccessToken("user1", "user1@test.local", []string{"admin"}, "test-secret")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := ParseAccessToken(token, "test-secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "user1" {
		t.Errorf("expected subject user1, got %s", claims.Subject)
	}
	if claims.Email != "user1@test.local" {
		t.Errorf("expected email claim, got %s", claims.Email)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "admin" {
		t.Errorf("expected admin role, got %v", claims.Roles)
	}
}

func TestParseAccessTokenWrongSecret(t *testing.T) {
	token, err := GenerateAccessToken("user1", "", nil, "secret-a")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ParseAccessToken(token, "secret-b"); err == nil {
		t.Error("expected signature mismatch error")
	}
}

func TestParseAccessTokenGarbage(t *testing.T) {
	if _, err := ParseAccessToken("not.a.token", "secret"); err == nil {
		t.Error("expected parse error")
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter22")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash == "hunter22" {
		t.Error("hash must not equal the plaintext")
	}
	if !CheckPassword("hunter22", hash) {
		t.Error("correct password should verify")
	}
	if CheckPassword("wrong", hash) {
		t.Error("wrong password should fail")
	}
}

func TestGenerateRefreshTokenUnique(t *testing.T) {
	a := GenerateRefreshToken()
	b := GenerateRefreshToken()
	if a == "" || a == b {
		t.Errorf("refresh tokens must be unique, got %q %q", a, b)
	}
}
