// Package token turns token endpoint responses into TokenSets with absolute
// expiry times and answers staleness questions about them.
package token

import (
	"time"

	"github.com/jrsteele09/go-oauth-flows/oauth2"
	"github.com/pkg/errors"
)

var (
	ErrMissingAccessToken = errors.New("token response has neither access_token nor id_token")
	ErrInvalidExpiry      = errors.New("token response has a negative expires_in")
	ErrMalformedIDToken   = errors.New("id_token is not a JWT")
)

// TokenSet is a received token response. Expiry times are computed once, at
// receipt, and never recomputed on read. A zero ExpiresAt means the server
// gave no lifetime.
type TokenSet struct {
	AccessToken      string    `json:"access_token"`
	TokenType        string    `json:"token_type,omitempty"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	IDToken          string    `json:"id_token,omitempty"`
	Scope            string    `json:"scope,omitempty"`
	IssuedTokenType  string    `json:"issued_token_type,omitempty"`
	ReceivedAt       time.Time `json:"received_at"`
	ExpiresAt        time.Time `json:"expires_at,omitempty"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at,omitempty"`
	IDTokenExpiresAt time.Time `json:"id_token_expires_at,omitempty"`
}

// Ingest converts a raw token response received at receivedAt. An implicit
// id_token-only response carries no access token.
func Ingest(raw oauth2.TokenResponse, receivedAt time.Time) (*TokenSet, error) {
	if raw.AccessToken == "" && raw.IDToken == "" {
		return nil, ErrMissingAccessToken
	}
	if raw.ExpiresIn < 0 || raw.RefreshExpiresIn < 0 {
		return nil, ErrInvalidExpiry
	}
	ts := &TokenSet{
		AccessToken:     raw.AccessToken,
		TokenType:       raw.TokenType,
		RefreshToken:    raw.RefreshToken,
		IDToken:         raw.IDToken,
		Scope:           raw.Scope,
		IssuedTokenType: raw.IssuedTokenType,
		ReceivedAt:      receivedAt,
	}
	if raw.ExpiresIn > 0 {
		ts.ExpiresAt = receivedAt.Add(time.Duration(raw.ExpiresIn) * time.Second)
	}
	if raw.RefreshExpiresIn > 0 {
		ts.RefreshExpiresAt = receivedAt.Add(time.Duration(raw.RefreshExpiresIn) * time.Second)
	}
	if raw.IDToken != "" {
		claims, err := DecodeClaims(raw.IDToken)
		if err != nil {
			return nil, errors.Wrap(ErrMalformedIDToken, err.Error())
		}
		ts.IDTokenExpiresAt = claims.ExpiresAt
	}
	return ts, nil
}

// IsExpired reports whether the access token has reached its expiry.
func IsExpired(ts *TokenSet, now time.Time) bool {
	if ts == nil {
		return true
	}
	if ts.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(ts.ExpiresAt)
}

// NeedsRefresh is true within skew of expiry, and once expired.
func NeedsRefresh(ts *TokenSet, now time.Time, skew time.Duration) bool {
	if ts == nil {
		return true
	}
	if ts.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(ts.ExpiresAt.Add(-skew))
}

// CanRefresh reports whether a refresh token is held and not known to be expired.
func CanRefresh(ts *TokenSet, now time.Time) bool {
	if ts == nil || ts.RefreshToken == "" {
		return false
	}
	return ts.RefreshExpiresAt.IsZero() || now.Before(ts.RefreshExpiresAt)
}

type Status string

const (
	Fresh   Status = "fresh"
	Stale   Status = "stale"
	Expired Status = "expired"
)

func StatusOf(ts *TokenSet, now time.Time, skew time.Duration) Status {
	switch {
	case IsExpired(ts, now):
		return Expired
	case NeedsRefresh(ts, now, skew):
		return Stale
	}
	return Fresh
}

// Remaining is the access token lifetime left at now, zero once expired or unknown.
func (ts *TokenSet) Remaining(now time.Time) time.Duration {
	if ts.ExpiresAt.IsZero() || !now.Before(ts.ExpiresAt) {
		return 0
	}
	return ts.ExpiresAt.Sub(now)
}
