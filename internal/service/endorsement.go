package service

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/reward"
	"github.com/agentmesh/agentmesh/pkg/did"
)

// EndorsementClaims are the JWT claims for a mesh endorsement. An
// endorsement is a portable, signed statement of an agent's standing
// that peers outside the control plane can verify offline against the
// mesh JWKS.
type EndorsementClaims struct {
	jwt.RegisteredClaims
	AgentDID     string   `json:"mesh:did"`
	TrustTier    string   `json:"mesh:trust_tier"`
	TrustScore   float64  `json:"mesh:trust_score"`
	Capabilities []string `json:"mesh:capabilities,omitempty"`
}

// EndorsementIssuer signs endorsements with the mesh's Ed25519 key so
// they verify against the same JWKS endpoint that serves agent keys.
type EndorsementIssuer struct {
	key        ed25519.PrivateKey
	pub        ed25519.PublicKey
	issuer     string
	ttl        time.Duration
	identities *identity.Store
	rewards    *reward.Engine
}

// NewEndorsementIssuer creates an EndorsementIssuer.
//
//	issuerURL — the "iss" claim value; typically the mesh's base URL.
//	ttl       — endorsement lifetime (default: 24 hours).
func NewEndorsementIssuer(key ed25519.PrivateKey, issuerURL string, ttl time.Duration, ids *identity.Store, rewards *reward.Engine) *EndorsementIssuer {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &EndorsementIssuer{
		key:        key,
		pub:        key.Public().(ed25519.PublicKey),
		issuer:     issuerURL,
		ttl:        ttl,
		identities: ids,
		rewards:    rewards,
	}
}

// Issue creates a signed endorsement for an active agent, embedding its
// current tier and score. Suspended or revoked agents are refused.
func (e *EndorsementIssuer) Issue(ctx context.Context, d did.DID) (string, error) {
	id, err := e.identities.Get(ctx, d)
	if err != nil {
		return "", err
	}
	if id.Status != identity.StatusActive {
		return "", fmt.Errorf("identity %s is %s, not active", d, id.Status)
	}
	score := e.rewards.Ensure(d)

	now := time.Now().UTC()
	claims := EndorsementClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    e.issuer,
			Subject:   string(d),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(e.ttl)),
			ID:        uuid.New().String(),
		},
		AgentDID:     string(d),
		TrustTier:    string(score.Tier),
		TrustScore:   score.TotalScore,
		Capabilities: id.Capabilities,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(e.key)
	if err != nil {
		return "", fmt.Errorf("sign endorsement: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an endorsement, returning its claims on
// success.
func (e *EndorsementIssuer) Verify(tokenStr string) (*EndorsementClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&EndorsementClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return e.pub, nil
		},
		jwt.WithIssuer(e.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify endorsement: %w", err)
	}

	claims, ok := token.Claims.(*EndorsementClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid endorsement claims")
	}
	return claims, nil
}

// PublicKey returns the Ed25519 key endorsements verify against.
func (e *EndorsementIssuer) PublicKey() ed25519.PublicKey { return e.pub }

// TTL returns the configured endorsement lifetime.
func (e *EndorsementIssuer) TTL() time.Duration { return e.ttl }
