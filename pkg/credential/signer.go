package credential

import (
	"crypto/ed25519"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Signer mints credentials for a tenant's agents. It lives here for local
// wiring and tests; production deployments mint tokens in their identity
// service and only the Verifier side runs in-process.
type Signer struct {
	kid    string
	key    ed25519.PrivateKey
	issuer string
}

// NewSigner creates a signer using the given key id and private key.
func NewSigner(kid string, key ed25519.PrivateKey) *Signer {
	return &Signer{kid: kid, key: key, issuer: "crossing.local/identity"}
}

// Mint signs a credential for the agent with the given grants.
func (s *Signer) Mint(agentID, tenantID string, permissions []string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   agentID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID:    tenantID,
		Permissions: permissions,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = s.kid
	return token.SignedString(s.key)
}
