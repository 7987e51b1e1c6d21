package jwt

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateKeyPair(t *testing.T) {
	privateKeyPEM, publicKeyPEM, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	if len(privateKeyPEM) < 100 {
		t.Error("Private key seems too short")
	}
	if len(publicKeyPEM) < 100 {
		t.Error("Public key seems too short")
	}
}

func TestNewManager(t *testing.T) {
	manager := setupTestManager(t)

	if manager.privateKey == nil {
		t.Error("NewManager() private key is nil")
	}
	if manager.publicKey == nil {
		t.Error("NewManager() public key is nil")
	}
	if manager.AccessDuration() != 15*time.Minute {
		t.Errorf("AccessDuration() = %v", manager.AccessDuration())
	}
}

func TestNewManagerInvalidInput(t *testing.T) {
	privateKeyPEM, publicKeyPEM, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	tests := []struct {
		name          string
		privateKeyPEM string
		publicKeyPEM  string
		duration      time.Duration
	}{
		{name: "empty private key", privateKeyPEM: "", publicKeyPEM: publicKeyPEM, duration: time.Minute},
		{name: "empty public key", privateKeyPEM: privateKeyPEM, publicKeyPEM: "", duration: time.Minute},
		{name: "invalid keys", privateKeyPEM: "not-a-valid-key", publicKeyPEM: "not-a-valid-key", duration: time.Minute},
		{name: "zero duration", privateKeyPEM: privateKeyPEM, publicKeyPEM: publicKeyPEM, duration: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewManager(tt.privateKeyPEM, tt.publicKeyPEM, tt.duration); err == nil {
				t.Error("NewManager() expected error, got nil")
			}
		})
	}
}

func TestGenerateAndValidateAccessToken(t *testing.T) {
	manager := setupTestManager(t)

	sub := Subject{
		UserID:    "user-123",
		EntityID:  "school-456",
		SessionID: "session-789",
		Name:      "Ada Obi",
		Email:     "ada@example.com",
		Roles:     []string{"teacher", "form-tutor"},
	}

	token, err := manager.GenerateAccessToken(sub)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	if token.Token == "" || token.ID == "" {
		t.Fatal("GenerateAccessToken() returned empty token or jti")
	}
	if !token.ExpiresAt.After(time.Now()) {
		t.Errorf("ExpiresAt = %v, want future", token.ExpiresAt)
	}

	claims, err := manager.ValidateToken(token.Token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}

	if claims.UserID != sub.UserID || claims.Subject != sub.UserID {
		t.Errorf("UserID = %v, Subject = %v", claims.UserID, claims.Subject)
	}
	if claims.EntityID != sub.EntityID {
		t.Errorf("EntityID = %v, want %v", claims.EntityID, sub.EntityID)
	}
	if claims.SessionID != sub.SessionID {
		t.Errorf("SessionID = %v, want %v", claims.SessionID, sub.SessionID)
	}
	if claims.Name != sub.Name {
		t.Errorf("Name = %v, want %v", claims.Name, sub.Name)
	}
	if len(claims.Roles) != 2 || claims.Roles[0] != "teacher" {
		t.Errorf("Roles = %v", claims.Roles)
	}
	if claims.ID != token.ID {
		t.Errorf("jti = %v, want %v", claims.ID, token.ID)
	}
	if claims.Issuer != DefaultIssuer {
		t.Errorf("Issuer = %v, want %v", claims.Issuer, DefaultIssuer)
	}
	if claims.TokenType != TokenTypeAccess {
		t.Errorf("TokenType = %v", claims.TokenType)
	}
}

func TestValidateInvalidToken(t *testing.T) {
	manager := setupTestManager(t)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "malformed token", token: "not.a.valid.token"},
		{name: "random string", token: "random-string-not-jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := manager.ValidateToken(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("ValidateToken() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestValidateTokenFromOtherKey(t *testing.T) {
	issuer := setupTestManager(t)
	verifier := setupTestManager(t)

	token, err := issuer.GenerateAccessToken(Subject{UserID: "user-1"})
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	if _, err := verifier.ValidateToken(token.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ValidateToken() error = %v, want ErrInvalidToken", err)
	}
}

func TestValidateTokenWrongIssuer(t *testing.T) {
	privateKeyPEM, publicKeyPEM, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	a, _ := NewManager(privateKeyPEM, publicKeyPEM, time.Minute, WithIssuer("a"))
	b, _ := NewManager(privateKeyPEM, publicKeyPEM, time.Minute, WithIssuer("b"))

	token, err := a.GenerateAccessToken(Subject{UserID: "user-1"})
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	if _, err := b.ValidateToken(token.Token); err == nil {
		t.Error("ValidateToken() accepted token from another issuer")
	}
}

func TestValidateExpiredToken(t *testing.T) {
	privateKeyPEM, publicKeyPEM, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	now := time.Now()
	clock := func() time.Time { return now }
	manager, err := NewManager(privateKeyPEM, publicKeyPEM, time.Minute, WithClock(clock))
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	token, err := manager.GenerateAccessToken(Subject{UserID: "user-123"})
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	now = now.Add(2 * time.Minute)

	if _, err := manager.ValidateToken(token.Token); err != ErrTokenExpired {
		t.Errorf("ValidateToken() error = %v, want ErrTokenExpired", err)
	}
}

func TestTokensUniqueness(t *testing.T) {
	manager := setupTestManager(t)

	t1, _ := manager.GenerateAccessToken(Subject{UserID: "user-123"})
	t2, _ := manager.GenerateAccessToken(Subject{UserID: "user-123"})

	if t1.Token == t2.Token {
		t.Error("Generated identical access tokens")
	}
	if t1.ID == t2.ID {
		t.Error("Generated identical jti values")
	}
}

func BenchmarkGenerateAccessToken(b *testing.B) {
	manager := setupTestManager(&testing.T{})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = manager.GenerateAccessToken(Subject{UserID: "user-123", Roles: []string{"teacher"}})
	}
}

func BenchmarkValidateToken(b *testing.B) {
	manager := setupTestManager(&testing.T{})
	token, _ := manager.GenerateAccessToken(Subject{UserID: "user-123"})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = manager.ValidateToken(token.Token)
	}
}

func setupTestManager(t *testing.T) *Manager {
	privateKeyPEM, publicKeyPEM, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	manager, err := NewManager(privateKeyPEM, publicKeyPEM, 15*time.Minute)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	return manager
}
