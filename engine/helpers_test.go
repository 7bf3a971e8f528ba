package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-oauth-flows/credentials"
	"github.com/jrsteele09/go-oauth-flows/engine"
	"github.com/jrsteele09/go-oauth-flows/flowstate"
	"github.com/jrsteele09/go-oauth-flows/flowstate/memory"
	"github.com/jrsteele09/go-oauth-flows/grants"
	"github.com/jrsteele09/go-oauth-flows/internal/clock"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
	"github.com/jrsteele09/go-oauth-flows/poller"
	"github.com/jrsteele09/go-oauth-flows/proxy"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const redirectURI = "https://app.example/callback"

var endpoints = grants.Endpoints{
	Issuer:              "https://issuer.example",
	Authorization:       "https://issuer.example/authorize",
	Token:               "https://issuer.example/token",
	DeviceAuthorization: "https://issuer.example/device",
	PushedAuthorization: "https://issuer.example/par",
	Backchannel:         "https://issuer.example/bc-authorize",
}

type staticResolver struct{}

func (staticResolver) Endpoints(context.Context, string) (grants.Endpoints, error) {
	return endpoints, nil
}

// fakeProxy records every payload and answers from the configured funcs.
type fakeProxy struct {
	mu       sync.Mutex
	payloads []proxy.Payload

	exchange func(p proxy.Payload) (*oauth2.TokenResponse, error)
	// inflight, when set, answers exchanges with the caller's context.
	inflight func(ctx context.Context, p proxy.Payload) (*oauth2.TokenResponse, error)
	device   *oauth2.DeviceAuthorizationResponse
	pushed   *oauth2.PushedAuthorizationResponse
	ciba     *oauth2.BackchannelAuthenticationResponse
}

func (f *fakeProxy) record(p proxy.Payload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
}

func (f *fakeProxy) last() proxy.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payloads[len(f.payloads)-1]
}

func (f *fakeProxy) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeProxy) Exchange(ctx context.Context, p proxy.Payload) (*oauth2.TokenResponse, error) {
	f.record(p)
	if f.inflight != nil {
		return f.inflight(ctx, p)
	}
	if f.exchange == nil {
		return &oauth2.TokenResponse{AccessToken: "at", TokenType: "Bearer", ExpiresIn: 3600}, nil
	}
	return f.exchange(p)
}

func (f *fakeProxy) DeviceAuthorization(_ context.Context, p proxy.Payload) (*oauth2.DeviceAuthorizationResponse, error) {
	f.record(p)
	return f.device, nil
}

func (f *fakeProxy) PushAuthorization(_ context.Context, p proxy.Payload) (*oauth2.PushedAuthorizationResponse, error) {
	f.record(p)
	return f.pushed, nil
}

func (f *fakeProxy) Backchannel(_ context.Context, p proxy.Payload) (*oauth2.BackchannelAuthenticationResponse, error) {
	f.record(p)
	return f.ciba, nil
}

type harness struct {
	backend flowstate.Backend
	store   *flowstate.Store
	clock   *clock.Fake
	proxy   *fakeProxy
	engine  *engine.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{backend: memory.New(), clock: clock.NewFake(t0), proxy: &fakeProxy{}}
	h.store, h.engine = h.open()
	t.Cleanup(func() { _ = h.engine.Close(context.Background()) })
	return h
}

// open builds a new store and engine over the same backend, as a restarted
// process would.
func (h *harness) open() (*flowstate.Store, *engine.Engine) {
	store := flowstate.NewStore(h.backend, flowstate.WithClock(h.clock))
	e := engine.New(store, h.proxy, staticResolver{},
		engine.WithClock(h.clock),
		engine.WithSleep(func(ctx context.Context, d time.Duration) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h.clock.Advance(d)
			return nil
		}),
	)
	return store, e
}

func confidential(scope string) credentials.CredentialSet {
	return credentials.CredentialSet{
		Issuer:       endpoints.Issuer,
		ClientID:     "web-app",
		ClientSecret: "s3cret",
		RedirectURI:  redirectURI,
		Scope:        scope,
		AuthMethod:   oauth2.ClientSecretBasic,
	}
}

func public(scope string) credentials.CredentialSet {
	return credentials.CredentialSet{
		Issuer:      endpoints.Issuer,
		ClientID:    "spa",
		RedirectURI: redirectURI,
		Scope:       scope,
		AuthMethod:  oauth2.AuthMethodNone,
	}
}

func idToken(t *testing.T, nonce string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   endpoints.Issuer,
		"sub":   "user-1",
		"aud":   "spa",
		"nonce": nonce,
		"exp":   t0.Add(time.Hour).Unix(),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return signed
}

// startPolling begins a device flow whose token request blocks until the
// poller is cancelled and then answers with tokens anyway. polling is closed
// once the request is in flight.
func (h *harness) startPolling(t *testing.T, key flowstate.FlowKey) (handle *poller.Handle, polling <-chan struct{}) {
	t.Helper()
	ctx := context.Background()
	h.proxy.device = &oauth2.DeviceAuthorizationResponse{
		DeviceCode:      "dc-1",
		UserCode:        "WDJB-MJHT",
		VerificationURI: "https://issuer.example/activate",
		ExpiresIn:       600,
		Interval:        5,
	}
	entered := make(chan struct{})
	var once sync.Once
	h.proxy.inflight = func(ctx context.Context, _ proxy.Payload) (*oauth2.TokenResponse, error) {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return &oauth2.TokenResponse{AccessToken: "late-at", ExpiresIn: 3600}, nil
	}
	_, err := h.engine.StartDevice(ctx, key, public("profile"), nil)
	require.NoError(t, err)
	handle, err = h.engine.PollTokens(ctx, key)
	require.NoError(t, err)
	return handle, entered
}
