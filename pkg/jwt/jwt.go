package jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrTokenExpired     = errors.New("token expired")
	ErrInvalidSignature = errors.New("invalid signature")
)

// TokenTypeAccess is the only token type this manager signs
const TokenTypeAccess = "access"

// DefaultIssuer is used when the manager is built without WithIssuer
const DefaultIssuer = "edu-identity"

// Claims represents the JWT claims
type Claims struct {
	UserID    string   `json:"user_id"`
	EntityID  string   `json:"entity_id,omitempty"`
	SessionID string   `json:"session_id"`
	Name      string   `json:"name"`
	Email     string   `json:"email"`
	Roles     []string `json:"roles"`
	TokenType string   `json:"token_type"`
	jwt.RegisteredClaims
}

// Subject is the identity an access token is issued for
type Subject struct {
	UserID    string
	EntityID  string
	SessionID string
	Name      string
	Email     string
	Roles     []string
}

// AccessToken is a signed token with its identifier and expiry
type AccessToken struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

// Manager handles JWT token operations
type Manager struct {
	privateKey     *rsa.PrivateKey
	publicKey      *rsa.PublicKey
	accessDuration time.Duration
	issuer         string
	now            func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithIssuer overrides the iss claim
func WithIssuer(issuer string) Option {
	return func(m *Manager) {
		if issuer != "" {
			m.issuer = issuer
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a new JWT manager
func NewManager(privateKeyPEM, publicKeyPEM string, accessDuration time.Duration, opts ...Option) (*Manager, error) {
	privateBlock, _ := pem.Decode([]byte(privateKeyPEM))
	if privateBlock == nil {
		return nil, errors.New("failed to decode private key PEM")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(privateBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	publicBlock, _ := pem.Decode([]byte(publicKeyPEM))
	if publicBlock == nil {
		return nil, errors.New("failed to decode public key PEM")
	}

	publicKeyInterface, err := x509.ParsePKIXPublicKey(publicBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	publicKey, ok := publicKeyInterface.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}

	if accessDuration <= 0 {
		return nil, errors.New("access token duration must be positive")
	}

	m := &Manager{
		privateKey:     privateKey,
		publicKey:      publicKey,
		accessDuration: accessDuration,
		issuer:         DefaultIssuer,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// AccessDuration returns the lifetime of issued access tokens
func (m *Manager) AccessDuration() time.Duration {
	return m.accessDuration
}

// GenerateAccessToken signs a time-boxed access token with a fresh jti
func (m *Manager) GenerateAccessToken(sub Subject) (*AccessToken, error) {
	now := m.now()
	expiresAt := now.Add(m.accessDuration)
	jti := uuid.New().String()

	roles := sub.Roles
	if roles == nil {
		roles = []string{}
	}

	claims := &Claims{
		UserID:    sub.UserID,
		EntityID:  sub.EntityID,
		SessionID: sub.SessionID,
		Name:      sub.Name,
		Email:     sub.Email,
		Roles:     roles,
		TokenType: TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub.UserID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			ID:        jti,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	return &AccessToken{Token: signed, ID: jti, ExpiresAt: expiresAt}, nil
}

// ValidateToken validates a JWT token and returns the claims
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.publicKey, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidSignature
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.TokenType != TokenTypeAccess {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// GenerateKeyPair generates a new RSA key pair for testing/development
// In production, use proper key management (vault, KMS, etc.)
func GenerateKeyPair() (privateKeyPEM, publicKeyPEM string, err error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate private key: %w", err)
	}

	privateKeyPEM = string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}))

	publicKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	publicKeyPEM = string(pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicKeyBytes,
	}))

	return privateKeyPEM, publicKeyPEM, nil
}
