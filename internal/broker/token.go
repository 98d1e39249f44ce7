package broker

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// registerClaims is embedded in the JWT a publisher presents on
// POST /api/register, binding the token to the root it is registering.
type registerClaims struct {
	Root string `json:"root"`
	jwt.RegisteredClaims
}

// TokenVerifier verifies a publisher's registration token. A nil secret
// disables verification entirely (single-node/dev deployments), matching
// spec.md's framing of auth policy as out of scope beyond "forward a bearer
// opaquely" — here the broker is the one party that does validate a token,
// since it alone arbitrates which publisher may own a root.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a verifier with the given HMAC secret. An empty
// secret disables verification.
func NewTokenVerifier(secret string) *TokenVerifier {
	if secret == "" {
		return &TokenVerifier{}
	}
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify checks that token is a validly signed registration token for root.
// Returns nil if verification is disabled.
func (v *TokenVerifier) Verify(token, root string) error {
	if len(v.secret) == 0 {
		return nil
	}
	parsed, err := jwt.ParseWithClaims(token, &registerClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return fmt.Errorf("parse registration token: %w", err)
	}
	claims, ok := parsed.Claims.(*registerClaims)
	if !ok || !parsed.Valid {
		return fmt.Errorf("invalid registration token")
	}
	if claims.Root != root {
		return fmt.Errorf("registration token is for root %q, not %q", claims.Root, root)
	}
	return nil
}

// IssueToken signs a registration token for root, for use by a publisher's
// own registration client.
func IssueToken(secret, root string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", nil
	}
	now := time.Now().UTC()
	claims := registerClaims{
		Root: root,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
