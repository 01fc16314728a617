// Package auth verifies caller credentials: signed JWTs (HS256 or EdDSA)
// and Argon2id-hashed API keys. It never decides what a caller may do; that
// is the policy decision point's job.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("auth: invalid token")

// minSecretLen is the shortest HS256 secret accepted.
const minSecretLen = 32

// Claims extends jwt.RegisteredClaims with the caller's role and an optional
// agent correlation tag.
type Claims struct {
	jwt.RegisteredClaims
	Role    string `json:"role"`
	AgentID string `json:"agent_id,omitempty"`
}

// JWTManager signs and validates tokens with a single algorithm.
// A manager built from a public key alone can validate but not sign.
type JWTManager struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	issuer    string
	audience  string
}

// NewHMACManager creates an HS256 manager from a shared secret.
func NewHMACManager(secret []byte, issuer, audience string) (*JWTManager, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("auth: HS256 secret must be at least %d bytes", minSecretLen)
	}
	return &JWTManager{
		method:    jwt.SigningMethodHS256,
		signKey:   secret,
		verifyKey: secret,
		issuer:    issuer,
		audience:  audience,
	}, nil
}

// NewEd25519Manager creates an EdDSA manager from PEM files. Either path may
// be empty: with only a public key the manager is verify-only, with only a
// private key the public half is derived from it.
func NewEd25519Manager(privateKeyPath, publicKeyPath, issuer, audience string) (*JWTManager, error) {
	if privateKeyPath == "" && publicKeyPath == "" {
		return nil, errors.New("auth: no Ed25519 key configured")
	}
	m := &JWTManager{method: jwt.SigningMethodEdDSA, issuer: issuer, audience: audience}

	var priv ed25519.PrivateKey
	if privateKeyPath != "" {
		block, err := readPEM(privateKeyPath)
		if err != nil {
			return nil, err
		}
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: parse private key: %w", err)
		}
		var ok bool
		if priv, ok = key.(ed25519.PrivateKey); !ok {
			return nil, errors.New("auth: private key is not Ed25519")
		}
		m.signKey = priv
		m.verifyKey = priv.Public().(ed25519.PublicKey)
	}

	if publicKeyPath != "" {
		block, err := readPEM(publicKeyPath)
		if err != nil {
			return nil, err
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: parse public key: %w", err)
		}
		pub, ok := key.(ed25519.PublicKey)
		if !ok {
			return nil, errors.New("auth: public key is not Ed25519")
		}
		if priv != nil && !bytes.Equal(priv.Public().(ed25519.PublicKey), pub) {
			return nil, errors.New("auth: public key does not match private key")
		}
		m.verifyKey = pub
	}
	return m, nil
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read key %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("auth: decode PEM %s", path)
	}
	return block, nil
}

// CanSign reports whether the manager holds a signing key.
func (m *JWTManager) CanSign() bool { return m.signKey != nil }

// IssueToken creates a signed token for subject with the given role.
func (m *JWTManager) IssueToken(subject, role, agentID string, ttl time.Duration) (string, time.Time, error) {
	if !m.CanSign() {
		return "", time.Time{}, errors.New("auth: manager has no signing key")
	}
	if subject == "" {
		return "", time.Time{}, errors.New("auth: subject is required")
	}
	now := time.Now().UTC()
	exp := now.Add(ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Role:    role,
		AgentID: agentID,
	}
	if m.audience != "" {
		claims.Audience = jwt.ClaimStrings{m.audience}
	}

	signed, err := jwt.NewWithClaims(m.method, claims).SignedString(m.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a token, returning its claims.
// Expiry is mandatory; issuer and audience are enforced when configured.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (any, error) {
		return m.verifyKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}
