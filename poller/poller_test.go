package poller_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-oauth-flows/flowerrors"
	"github.com/jrsteele09/go-oauth-flows/flowstate"
	"github.com/jrsteele09/go-oauth-flows/flowstate/memory"
	"github.com/jrsteele09/go-oauth-flows/internal/clock"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
	"github.com/jrsteele09/go-oauth-flows/poller"
	"github.com/jrsteele09/go-oauth-flows/token"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type script struct {
	steps []any
	calls int32
}

// next returns the scripted answer: an error code string or a token response.
func (s *script) next(_ context.Context) (*oauth2.TokenResponse, error) {
	i := int(atomic.AddInt32(&s.calls, 1)) - 1
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	switch v := s.steps[i].(type) {
	case string:
		return nil, flowerrors.NewProtocolError(400, v, "")
	case *oauth2.TokenResponse:
		return v, nil
	case error:
		return nil, v
	}
	panic("unexpected script step")
}

func newPoller(t *testing.T, s *script, expiresIn time.Duration) (*poller.Poller, *clock.Fake, *token.Manager) {
	t.Helper()
	fake := clock.NewFake(t0)
	store := flowstate.NewStore(memory.New(), flowstate.WithClock(fake))
	manager := token.NewManager(store, token.WithNowFunc(fake.Now))
	p := &poller.Poller{
		Key:     flowstate.NewFlowKey(oauth2.DeviceCodeGrant, ""),
		Session: poller.DeviceSession{DeviceCode: "dc", Interval: 5 * time.Second, ExpiresAt: t0.Add(expiresIn)},
		Poll:    s.next,
		Sink:    manager,
		Clock:   fake,
		Sleep: func(ctx context.Context, d time.Duration) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			fake.Advance(d)
			return nil
		},
	}
	return p, fake, manager
}

func TestRun_SlowDownThenGranted(t *testing.T) {
	s := &script{steps: []any{
		oauth2.ErrCodeAuthorizationPending,
		oauth2.ErrCodeAuthorizationPending,
		oauth2.ErrCodeSlowDown,
		&oauth2.TokenResponse{AccessToken: "at", TokenType: "Bearer", ExpiresIn: 3600},
	}}
	p, fake, manager := newPoller(t, s, 10*time.Minute)
	var persisted time.Duration
	p.OnSlowDown = func(d time.Duration) { persisted = d }

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, poller.Granted, res.State)
	require.Equal(t, 4, res.Polls)
	require.Equal(t, "at", res.Tokens.AccessToken)
	require.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second, 10 * time.Second}, p.Intervals())
	require.Equal(t, 10*time.Second, persisted)
	require.True(t, fake.Now().Equal(t0.Add(25*time.Second)))

	current, err := manager.Current(context.Background(), p.Key)
	require.NoError(t, err)
	require.Equal(t, "at", current.AccessToken)
}

func TestRun_TerminalStates(t *testing.T) {
	tests := []struct {
		name  string
		code  string
		state poller.State
	}{
		{name: "denied", code: oauth2.ErrCodeAccessDenied, state: poller.Denied},
		{name: "expired token", code: oauth2.ErrCodeExpiredToken, state: poller.Expired},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, _, _ := newPoller(t, &script{steps: []any{tc.code}}, time.Minute)
			res, err := p.Run(context.Background())
			require.Equal(t, tc.state, res.State)
			var terminal *flowerrors.PollingTerminalError
			require.ErrorAs(t, err, &terminal)
			require.Equal(t, string(tc.state), terminal.State)
			require.ErrorIs(t, err, flowerrors.ErrPollingTerminal)
		})
	}

	t.Run("other oauth error", func(t *testing.T) {
		p, _, _ := newPoller(t, &script{steps: []any{oauth2.ErrCodeInvalidGrant}}, time.Minute)
		res, err := p.Run(context.Background())
		require.Equal(t, poller.Error, res.State)
		require.ErrorIs(t, err, flowerrors.ErrProtocol)
	})

	t.Run("transport error", func(t *testing.T) {
		boom := &flowerrors.TransportError{Op: "poll", Err: errors.New("reset"), Retryable: true}
		p, _, _ := newPoller(t, &script{steps: []any{boom}}, time.Minute)
		res, err := p.Run(context.Background())
		require.Equal(t, poller.Error, res.State)
		require.ErrorIs(t, err, flowerrors.ErrTransport)
	})
}

func TestRun_StopsAtExpiry(t *testing.T) {
	s := &script{steps: []any{oauth2.ErrCodeAuthorizationPending}}
	p, fake, _ := newPoller(t, s, 12*time.Second)

	res, err := p.Run(context.Background())
	require.Equal(t, poller.Expired, res.State)
	require.ErrorIs(t, err, flowerrors.ErrPollingTerminal)
	require.Equal(t, 2, res.Polls)
	require.False(t, fake.Now().After(t0.Add(12*time.Second)))
}

func TestStart_Cancel(t *testing.T) {
	s := &script{steps: []any{oauth2.ErrCodeAuthorizationPending}}
	p := &poller.Poller{
		Key:     flowstate.NewFlowKey(oauth2.DeviceCodeGrant, ""),
		Session: poller.DeviceSession{DeviceCode: "dc", Interval: time.Hour, ExpiresAt: time.Now().Add(2 * time.Hour)},
		Poll:    s.next,
	}
	h := p.Start(context.Background())
	h.Cancel()
	h.Cancel()

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
	res, err := h.Result()
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, poller.Cancelled, res.State)
	require.Zero(t, atomic.LoadInt32(&s.calls))
	h.Cancel()
}

func TestNewDeviceSession(t *testing.T) {
	s := poller.NewDeviceSession(oauth2.DeviceAuthorizationResponse{
		DeviceCode: "dc", UserCode: "ABCD-EFGH", VerificationURI: "https://idp/device", ExpiresIn: 600,
	}, t0)
	require.Equal(t, poller.DefaultInterval, s.Interval)
	require.True(t, s.ExpiresAt.Equal(t0.Add(10*time.Minute)))

	b := poller.NewBackchannelSession(oauth2.BackchannelAuthenticationResponse{AuthReqID: "rid", ExpiresIn: 120, Interval: 2}, t0)
	require.Equal(t, "rid", b.AuthReqID)
	require.Equal(t, 2*time.Second, b.Interval)
}

type countingSink struct {
	calls int32
}

func (s *countingSink) Accept(context.Context, flowstate.FlowKey, oauth2.TokenResponse) (*token.TokenSet, error) {
	atomic.AddInt32(&s.calls, 1)
	return &token.TokenSet{AccessToken: "late"}, nil
}

func TestRun_ResponseAfterCancelIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sink := &countingSink{}
	p := &poller.Poller{
		Key:     flowstate.NewFlowKey(oauth2.DeviceCodeGrant, ""),
		Session: poller.DeviceSession{DeviceCode: "dc", Interval: time.Second, ExpiresAt: time.Now().Add(time.Hour)},
		Poll: func(context.Context) (*oauth2.TokenResponse, error) {
			// the token endpoint answers after the caller gave up
			cancel()
			return &oauth2.TokenResponse{AccessToken: "late"}, nil
		},
		Sink:  sink,
		Sleep: func(context.Context, time.Duration) error { return nil },
	}

	res, err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, poller.Cancelled, res.State)
	require.Nil(t, res.Tokens)
	require.Equal(t, 1, res.Polls)
	require.Zero(t, atomic.LoadInt32(&sink.calls))
}
