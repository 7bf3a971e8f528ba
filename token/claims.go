package token

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-oauth-flows/internal/utils"
	"github.com/pkg/errors"
)

// Claims is the unverified content of a JWT, decoded for display and expiry
// tracking. Signatures are checked by the proxy backend, never here.
type Claims struct {
	Issuer    string         `json:"iss,omitempty"`
	Subject   string         `json:"sub,omitempty"`
	Audience  []string       `json:"aud,omitempty"`
	IssuedAt  time.Time      `json:"iat,omitempty"`
	ExpiresAt time.Time      `json:"exp,omitempty"`
	Nonce     string         `json:"nonce,omitempty"`
	Scope     string         `json:"scope,omitempty"`
	Raw       map[string]any `json:"raw"`
}

// DecodeClaims parses a compact JWT without verifying its signature.
func DecodeClaims(raw string) (*Claims, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("empty token")
	}
	mapClaims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, mapClaims); err != nil {
		return nil, errors.Wrap(err, "[DecodeClaims] parse")
	}

	c := &Claims{Raw: mapClaims}
	c.Issuer, _ = mapClaims["iss"].(string)
	c.Subject, _ = mapClaims["sub"].(string)
	c.Nonce, _ = mapClaims["nonce"].(string)
	c.Scope, _ = mapClaims["scope"].(string)

	switch aud := mapClaims["aud"].(type) {
	case string:
		c.Audience = []string{aud}
	case []any:
		c.Audience = utils.ToStringSlice(aud)
	}
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	if iat, err := mapClaims.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}
	return c, nil
}
