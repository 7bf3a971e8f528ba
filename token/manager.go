package token

import (
	"context"
	"time"

	"github.com/jrsteele09/go-oauth-flows/flowstate"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const tokensName = "tokens"

// Store is the slice of flowstate.Store the manager needs.
type Store interface {
	LoadValue(ctx context.Context, k string, out any) error
	SaveValue(ctx context.Context, k string, v any) error
	DeleteValue(ctx context.Context, k string) error
}

// Manager keeps the current TokenSet of each flow in the flow state store.
// It never refreshes on its own.
type Manager struct {
	store   Store
	skew    time.Duration
	nowFunc func() time.Time
	logger  zerolog.Logger
}

type ManagerOption func(*Manager)

func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

func WithSkew(skew time.Duration) ManagerOption {
	return func(m *Manager) {
		m.skew = skew
	}
}

func WithLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

func NewManager(store Store, options ...ManagerOption) *Manager {
	m := &Manager{store: store, skew: time.Minute, logger: log.Logger}
	for _, opt := range options {
		opt(m)
	}
	if m.nowFunc == nil {
		m.nowFunc = time.Now
	}
	return m
}

// Key is where a flow's tokens are stored.
func Key(flow flowstate.FlowKey) string {
	return flow.Derive(tokensName)
}

// Accept ingests a response received now and replaces the flow's tokens wholesale.
func (m *Manager) Accept(ctx context.Context, flow flowstate.FlowKey, raw oauth2.TokenResponse) (*TokenSet, error) {
	ts, err := Ingest(raw, m.nowFunc())
	if err != nil {
		return nil, err
	}
	return m.persist(ctx, flow, ts)
}

func (m *Manager) persist(ctx context.Context, flow flowstate.FlowKey, ts *TokenSet) (*TokenSet, error) {
	if err := m.store.SaveValue(ctx, Key(flow), ts); err != nil {
		return nil, errors.Wrap(err, "[Manager.persist] failed to persist tokens")
	}
	m.logger.Info().
		Str("flow", flow.String()).
		Str("token_type", ts.TokenType).
		Time("expires_at", ts.ExpiresAt).
		Bool("refresh_token", ts.RefreshToken != "").
		Bool("id_token", ts.IDToken != "").
		Msg("tokens received")
	return ts, nil
}

// AcceptRefresh stores a refresh response. When the server does not rotate
// the refresh token the previous one and its expiry are kept.
func (m *Manager) AcceptRefresh(ctx context.Context, flow flowstate.FlowKey, raw oauth2.TokenResponse) (*TokenSet, error) {
	ts, err := Ingest(raw, m.nowFunc())
	if err != nil {
		return nil, err
	}
	if ts.RefreshToken == "" {
		if prev, err := m.Current(ctx, flow); err == nil {
			ts.RefreshToken = prev.RefreshToken
			ts.RefreshExpiresAt = prev.RefreshExpiresAt
		}
	}
	return m.persist(ctx, flow, ts)
}

func (m *Manager) Current(ctx context.Context, flow flowstate.FlowKey) (*TokenSet, error) {
	ts := &TokenSet{}
	if err := m.store.LoadValue(ctx, Key(flow), ts); err != nil {
		return nil, err
	}
	return ts, nil
}

func (m *Manager) Status(ctx context.Context, flow flowstate.FlowKey) (Status, *TokenSet, error) {
	ts, err := m.Current(ctx, flow)
	if err != nil {
		return "", nil, err
	}
	return StatusOf(ts, m.nowFunc(), m.skew), ts, nil
}

// NeedsRefresh reports staleness of the stored tokens using the configured skew.
func (m *Manager) NeedsRefresh(ctx context.Context, flow flowstate.FlowKey) (bool, error) {
	ts, err := m.Current(ctx, flow)
	if err != nil {
		return false, err
	}
	return NeedsRefresh(ts, m.nowFunc(), m.skew), nil
}

func (m *Manager) Clear(ctx context.Context, flow flowstate.FlowKey) error {
	return m.store.DeleteValue(ctx, Key(flow))
}
