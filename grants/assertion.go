package grants

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// AssertionClaims describe a JWT used either as a client assertion
// (RFC 7523 section 2.2) or as a JWT bearer grant (section 2.1).
type AssertionClaims struct {
	Issuer   string
	Subject  string
	Audience string
	Lifetime time.Duration
	Extra    map[string]any
}

// JWTAssertion mints a signed assertion. iat, exp and a unique jti are
// always set; exp defaults to five minutes after now.
func JWTAssertion(signer Signer, c AssertionClaims, now time.Time) (string, error) {
	if c.Issuer == "" || c.Subject == "" || c.Audience == "" {
		return "", errors.New("[JWTAssertion] issuer, subject and audience are required")
	}
	lifetime := c.Lifetime
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}
	claims := jwt.MapClaims{}
	for k, v := range c.Extra {
		claims[k] = v
	}
	claims["iss"] = c.Issuer
	claims["sub"] = c.Subject
	claims["aud"] = c.Audience
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(lifetime).Unix()
	claims["jti"] = uuid.NewString()
	return signer.Sign(claims)
}
