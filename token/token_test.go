package token_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-oauth-flows/flowstate"
	"github.com/jrsteele09/go-oauth-flows/flowstate/memory"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
	"github.com/jrsteele09/go-oauth-flows/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func idToken(t *testing.T, exp time.Time) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   "https://as.example.com",
		"sub":   "alice",
		"aud":   []string{"web-app", "api"},
		"exp":   exp.Unix(),
		"iat":   t0.Unix(),
		"nonce": "n-1",
	}).SignedString([]byte("k"))
	require.NoError(t, err)
	return signed
}

func TestIngest_Expiry(t *testing.T) {
	ts, err := token.Ingest(oauth2.TokenResponse{AccessToken: "at", ExpiresIn: 3600}, t0)
	require.NoError(t, err)
	require.Equal(t, t0.Add(time.Hour), ts.ExpiresAt)

	require.False(t, token.IsExpired(ts, t0.Add(1800*time.Second)))
	require.True(t, token.IsExpired(ts, t0.Add(3601*time.Second)))
	require.True(t, token.IsExpired(ts, t0.Add(3600*time.Second)))
}

func TestIngest_ComputedOnce(t *testing.T) {
	ts, err := token.Ingest(oauth2.TokenResponse{AccessToken: "at", ExpiresIn: 60}, t0)
	require.NoError(t, err)
	expiry := ts.ExpiresAt
	for i := 0; i < 3; i++ {
		token.IsExpired(ts, t0.Add(time.Duration(i)*time.Hour))
	}
	require.Equal(t, expiry, ts.ExpiresAt)
	require.Equal(t, 30*time.Second, ts.Remaining(t0.Add(30*time.Second)))
	require.Zero(t, ts.Remaining(t0.Add(2*time.Minute)))
}

func TestIngest_Errors(t *testing.T) {
	_, err := token.Ingest(oauth2.TokenResponse{}, t0)
	require.ErrorIs(t, err, token.ErrMissingAccessToken)

	_, err = token.Ingest(oauth2.TokenResponse{AccessToken: "at", ExpiresIn: -1}, t0)
	require.ErrorIs(t, err, token.ErrInvalidExpiry)

	_, err = token.Ingest(oauth2.TokenResponse{AccessToken: "at", IDToken: "not-a-jwt"}, t0)
	require.ErrorIs(t, err, token.ErrMalformedIDToken)
}

func TestIngest_IDTokenAndRefresh(t *testing.T) {
	raw := oauth2.TokenResponse{
		AccessToken:      "at",
		TokenType:        "Bearer",
		ExpiresIn:        300,
		RefreshToken:     "rt",
		RefreshExpiresIn: 86400,
		IDToken:          idToken(t, t0.Add(10*time.Minute)),
		Scope:            "openid",
	}
	ts, err := token.Ingest(raw, t0)
	require.NoError(t, err)
	require.True(t, t0.Add(10*time.Minute).Equal(ts.IDTokenExpiresAt))
	require.Equal(t, t0.Add(24*time.Hour), ts.RefreshExpiresAt)
	require.True(t, token.CanRefresh(ts, t0.Add(time.Hour)))
	require.False(t, token.CanRefresh(ts, t0.Add(25*time.Hour)))
}

func TestNoExpiry(t *testing.T) {
	ts, err := token.Ingest(oauth2.TokenResponse{AccessToken: "at"}, t0)
	require.NoError(t, err)
	require.True(t, ts.ExpiresAt.IsZero())
	require.False(t, token.IsExpired(ts, t0.Add(1000*time.Hour)))
	require.False(t, token.NeedsRefresh(ts, t0.Add(1000*time.Hour), time.Minute))
	require.True(t, token.IsExpired(nil, t0))
}

func TestNeedsRefreshAndStatus(t *testing.T) {
	ts, err := token.Ingest(oauth2.TokenResponse{AccessToken: "at", ExpiresIn: 600}, t0)
	require.NoError(t, err)

	tests := []struct {
		at       time.Duration
		refresh  bool
		expected token.Status
	}{
		{0, false, token.Fresh},
		{539 * time.Second, false, token.Fresh},
		{540 * time.Second, true, token.Stale},
		{600 * time.Second, true, token.Expired},
	}
	for _, tt := range tests {
		now := t0.Add(tt.at)
		assert.Equal(t, tt.refresh, token.NeedsRefresh(ts, now, time.Minute), tt.at)
		assert.Equal(t, tt.expected, token.StatusOf(ts, now, time.Minute), tt.at)
	}
}

func TestDecodeClaims(t *testing.T) {
	c, err := token.DecodeClaims(idToken(t, t0.Add(time.Hour)))
	require.NoError(t, err)
	require.Equal(t, "alice", c.Subject)
	require.Equal(t, []string{"web-app", "api"}, c.Audience)
	require.Equal(t, "n-1", c.Nonce)
	require.True(t, t0.Equal(c.IssuedAt))

	_, err = token.DecodeClaims("")
	require.Error(t, err)
}

func TestManager(t *testing.T) {
	ctx := context.Background()
	now := t0
	store := flowstate.NewStore(memory.New())
	m := token.NewManager(store, token.WithNowFunc(func() time.Time { return now }), token.WithSkew(30*time.Second))
	flow := flowstate.NewFlowKey(oauth2.AuthorizationCodeGrant, "pkce")

	_, err := m.Current(ctx, flow)
	require.ErrorIs(t, err, flowstate.ErrNotFound)

	ts, err := m.Accept(ctx, flow, oauth2.TokenResponse{AccessToken: "at-1", ExpiresIn: 120, RefreshToken: "rt-1"})
	require.NoError(t, err)
	require.Equal(t, t0.Add(2*time.Minute), ts.ExpiresAt)

	now = t0.Add(95 * time.Second)
	status, current, err := m.Status(ctx, flow)
	require.NoError(t, err)
	require.Equal(t, token.Stale, status)
	require.Equal(t, "at-1", current.AccessToken)
	require.True(t, current.ExpiresAt.Equal(t0.Add(2*time.Minute)))

	refreshed, err := m.AcceptRefresh(ctx, flow, oauth2.TokenResponse{AccessToken: "at-2", ExpiresIn: 120})
	require.NoError(t, err)
	require.Equal(t, "rt-1", refreshed.RefreshToken)
	require.Equal(t, now.Add(2*time.Minute), refreshed.ExpiresAt)

	needs, err := m.NeedsRefresh(ctx, flow)
	require.NoError(t, err)
	require.False(t, needs)

	require.NoError(t, m.Clear(ctx, flow))
	_, err = m.Current(ctx, flow)
	require.ErrorIs(t, err, flowstate.ErrNotFound)
	require.Equal(t, "flow:authorization_code:pkce:tokens", token.Key(flow))
}
