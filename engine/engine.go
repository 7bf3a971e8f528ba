// Package engine drives OAuth 2.0 and OpenID Connect grants end to end. It
// ties the step guard, the grant builders, the proxy client, the poller and
// the token manager to the flow state store, so that every flow can be
// resumed from the store alone after a redirect.
package engine

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/jrsteele09/go-oauth-flows/artifacts"
	"github.com/jrsteele09/go-oauth-flows/credentials"
	"github.com/jrsteele09/go-oauth-flows/flowstate"
	"github.com/jrsteele09/go-oauth-flows/grants"
	"github.com/jrsteele09/go-oauth-flows/guard"
	"github.com/jrsteele09/go-oauth-flows/internal/clock"
	interrors "github.com/jrsteele09/go-oauth-flows/internal/errors"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
	"github.com/jrsteele09/go-oauth-flows/poller"
	"github.com/jrsteele09/go-oauth-flows/proxy"
	"github.com/jrsteele09/go-oauth-flows/token"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Names of the values kept next to a flow session.
const (
	pkceName    = "pkce"
	requestName = "request"
	deviceName  = "device"
)

// Proxy is the token exchange proxy. *proxy.Client implements it.
type Proxy interface {
	Exchange(ctx context.Context, p proxy.Payload) (*oauth2.TokenResponse, error)
	DeviceAuthorization(ctx context.Context, p proxy.Payload) (*oauth2.DeviceAuthorizationResponse, error)
	PushAuthorization(ctx context.Context, p proxy.Payload) (*oauth2.PushedAuthorizationResponse, error)
	Backchannel(ctx context.Context, p proxy.Payload) (*oauth2.BackchannelAuthenticationResponse, error)
}

// Resolver finds the endpoints of an issuer. *discovery.Resolver implements it.
type Resolver interface {
	Endpoints(ctx context.Context, issuer string) (grants.Endpoints, error)
}

// pendingRequest is what a flow needs after its session was suspended. It
// never holds a client secret.
type pendingRequest struct {
	ClientID    string            `json:"client_id"`
	Issuer      string            `json:"issuer"`
	RedirectURI string            `json:"redirect_uri,omitempty"`
	Scope       string            `json:"scope,omitempty"`
	AuthMethod  oauth2.AuthMethod `json:"auth_method,omitempty"`
	State       string            `json:"state,omitempty"`
	Nonce       string            `json:"nonce,omitempty"`
	Code        string            `json:"code,omitempty"`
	Endpoints   grants.Endpoints  `json:"endpoints"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (p pendingRequest) credentials() credentials.CredentialSet {
	return credentials.CredentialSet{
		Issuer:      p.Issuer,
		ClientID:    p.ClientID,
		RedirectURI: p.RedirectURI,
		Scope:       p.Scope,
		AuthMethod:  p.AuthMethod,
	}
}

type Engine struct {
	store          *flowstate.Store
	proxy          Proxy
	resolver       Resolver
	tokens         *token.Manager
	clock          clock.Clock
	verifierLength int
	skew           time.Duration
	sleep          func(context.Context, time.Duration) error
	logger         zerolog.Logger

	mu      sync.Mutex
	pollers map[string]*poller.Handle
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithVerifierLength sets the PKCE verifier length (43-128).
func WithVerifierLength(n int) Option {
	return func(e *Engine) { e.verifierLength = n }
}

// WithRefreshSkew sets how early tokens are reported as needing refresh.
func WithRefreshSkew(d time.Duration) Option {
	return func(e *Engine) { e.skew = d }
}

// WithSleep replaces the poller's wait, for driving it from a fake clock.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

func New(store *flowstate.Store, p Proxy, resolver Resolver, options ...Option) *Engine {
	e := &Engine{
		store:          store,
		proxy:          p,
		resolver:       resolver,
		clock:          clock.Real(),
		verifierLength: artifacts.DefaultVerifierLength,
		skew:           time.Minute,
		logger:         log.Logger,
		pollers:        make(map[string]*poller.Handle),
	}
	for _, opt := range options {
		opt(e)
	}
	e.tokens = token.NewManager(store, token.WithNowFunc(e.clock.Now), token.WithSkew(e.skew), token.WithLogger(e.logger))
	return e
}

// Tokens exposes the token manager of the engine's store.
func (e *Engine) Tokens() *token.Manager { return e.tokens }

// flow is one operation's view of a flow.
type flow struct {
	key   flowstate.FlowKey
	creds credentials.CredentialSet
	nav   *guard.Navigator
	sess  *flowstate.FlowSession
}

func (e *Engine) navigator(key flowstate.FlowKey) *guard.Navigator {
	return guard.NewNavigator(guard.StepsFor(key.Grant), e.store, guard.WithLogger(e.logger))
}

// begin starts a new attempt: a fresh session at step 0 whose credential
// gate is passed immediately. A previous attempt's state index is dropped.
func (e *Engine) begin(ctx context.Context, key flowstate.FlowKey, creds credentials.CredentialSet) (*flow, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	e.cancelPoller(key)
	var previous pendingRequest
	if err := e.store.LoadValue(ctx, key.Derive(requestName), &previous); err == nil && previous.State != "" {
		if err := e.store.DeleteState(ctx, previous.State); err != nil {
			return nil, err
		}
	}
	f := &flow{key: key, creds: creds, nav: e.navigator(key), sess: flowstate.NewFlowSession(key, e.clock.Now())}
	if err := e.advance(f, "", nil); err != nil {
		return nil, err
	}
	return f, nil
}

// resume loads an existing flow that must currently be at step id.
func (e *Engine) resume(ctx context.Context, key flowstate.FlowKey, creds credentials.CredentialSet, id string) (*flow, error) {
	sess, err := e.store.Load(ctx, key)
	if err != nil {
		if errors.Is(err, flowstate.ErrNotFound) {
			return nil, interrors.Wrapf(interrors.ErrNoActiveFlow, "%s", key)
		}
		return nil, err
	}
	f := &flow{key: key, creds: creds, nav: e.navigator(key), sess: sess}
	if i := f.nav.Index(id); i < 0 || sess.CurrentStep != i {
		return nil, interrors.Wrapf(interrors.ErrNoActiveFlow, "%s is not waiting for %q", key, id)
	}
	return f, nil
}

// advance records result under the step id (when given) and moves the
// session forward through the guard.
func (e *Engine) advance(f *flow, id string, result any) error {
	if id != "" {
		if err := f.sess.SetResult(id, result); err != nil {
			return err
		}
	}
	d := f.nav.Advance(guard.State{Grant: f.key.Grant, Credentials: f.creds, Session: f.sess})
	if !d.Allowed {
		e.logger.Info().Str("flow", f.key.String()).Str("diagnostic", d.Diagnostic).Msg("step blocked")
		return d.Err()
	}
	f.sess.UpdatedAt = e.clock.Now()
	return nil
}

func (e *Engine) endpoints(ctx context.Context, creds credentials.CredentialSet) (grants.Endpoints, error) {
	eps, err := e.resolver.Endpoints(ctx, creds.Issuer)
	if err != nil {
		return grants.Endpoints{}, pkgerrors.Wrap(err, "[Engine.endpoints] failed to resolve endpoints")
	}
	return eps, nil
}

// accept stores a token response and moves the flow onto its tokens step.
func (e *Engine) accept(ctx context.Context, f *flow, raw oauth2.TokenResponse, refresh bool) (*token.TokenSet, error) {
	var (
		ts  *token.TokenSet
		err error
	)
	if refresh {
		ts, err = e.tokens.AcceptRefresh(ctx, f.key, raw)
	} else {
		ts, err = e.tokens.Accept(ctx, f.key, raw)
	}
	if err != nil {
		return nil, err
	}
	if err := e.advance(f, guard.StepTokens, tokenSummary(ts)); err != nil {
		return nil, err
	}
	return ts, e.store.SaveNow(ctx, f.key, f.sess)
}

// tokenSummary is the session's record of a token response; the tokens
// themselves live under their own key.
func tokenSummary(ts *token.TokenSet) map[string]any {
	return map[string]any{
		"token_type":    ts.TokenType,
		"scope":         ts.Scope,
		"expires_at":    ts.ExpiresAt,
		"refresh_token": ts.RefreshToken != "",
		"id_token":      ts.IDToken != "",
	}
}

func extraOf(extra url.Values) url.Values {
	if len(extra) == 0 {
		return nil
	}
	return extra
}

// Snapshot is the observable state of a flow.
type Snapshot struct {
	Key         flowstate.FlowKey
	Session     *flowstate.FlowSession
	Step        string
	Tokens      *token.TokenSet
	TokenStatus token.Status
}

// Status reports where a flow is and how fresh its tokens are.
func (e *Engine) Status(ctx context.Context, key flowstate.FlowKey) (*Snapshot, error) {
	sess, err := e.store.Load(ctx, key)
	if err != nil {
		if errors.Is(err, flowstate.ErrNotFound) {
			return nil, interrors.Wrapf(interrors.ErrNoActiveFlow, "%s", key)
		}
		return nil, err
	}
	snap := &Snapshot{Key: key, Session: sess}
	steps := guard.StepsFor(key.Grant)
	if sess.CurrentStep >= 0 && sess.CurrentStep < len(steps) {
		snap.Step = steps[sess.CurrentStep].ID
	}
	status, ts, err := e.tokens.Status(ctx, key)
	switch {
	case err == nil:
		snap.Tokens, snap.TokenStatus = ts, status
	case !errors.Is(err, flowstate.ErrNotFound):
		return nil, err
	}
	return snap, nil
}

// Back moves a flow one step back. A running poller is stopped first, and
// the values produced by the steps being redone are removed with their
// results so they must be produced again.
func (e *Engine) Back(ctx context.Context, key flowstate.FlowKey) (guard.Decision, error) {
	e.cancelPoller(key)
	sess, err := e.store.Load(ctx, key)
	if err != nil {
		return guard.Decision{}, err
	}
	nav := e.navigator(key)
	d := nav.Retreat(sess)
	if !d.Allowed {
		return d, d.Err()
	}
	if err := e.forget(ctx, key, nav.Steps()[d.To:]); err != nil {
		return d, err
	}
	sess.UpdatedAt = e.clock.Now()
	return d, e.store.Save(ctx, key, sess)
}

// forget removes the values that steps left behind in the store.
func (e *Engine) forget(ctx context.Context, key flowstate.FlowKey, steps []guard.Step) error {
	for _, step := range steps {
		var err error
		switch step.ID {
		case guard.StepPKCE:
			err = e.store.DeleteValue(ctx, key.Derive(pkceName))
		case guard.StepPush, guard.StepAuthorize:
			err = e.dropRequest(ctx, key)
		case guard.StepCallback:
			err = e.dropCode(ctx, key)
		case guard.StepDeviceRequest, guard.StepBackchannel:
			if err = e.store.DeleteValue(ctx, key.Derive(deviceName)); err == nil {
				err = e.dropRequest(ctx, key)
			}
		case guard.StepTokens:
			err = e.tokens.Clear(ctx, key)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// dropRequest removes the pending request record and its state index entry.
func (e *Engine) dropRequest(ctx context.Context, key flowstate.FlowKey) error {
	var req pendingRequest
	switch err := e.store.LoadValue(ctx, key.Derive(requestName), &req); {
	case errors.Is(err, flowstate.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	if req.State != "" {
		if err := e.store.DeleteState(ctx, req.State); err != nil {
			return err
		}
	}
	return e.store.DeleteValue(ctx, key.Derive(requestName))
}

// dropCode forgets a received authorization code so the callback is awaited again.
func (e *Engine) dropCode(ctx context.Context, key flowstate.FlowKey) error {
	var req pendingRequest
	switch err := e.store.LoadValue(ctx, key.Derive(requestName), &req); {
	case errors.Is(err, flowstate.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	if req.Code == "" {
		return nil
	}
	req.Code = ""
	return e.store.SaveValue(ctx, key.Derive(requestName), req)
}

// Reset stops any poller and removes the flow with everything derived from
// it. The poller has exited before anything is deleted, so a late token
// response cannot bring the flow back.
func (e *Engine) Reset(ctx context.Context, key flowstate.FlowKey) error {
	e.cancelPoller(key)
	_, err := e.navigator(key).Reset(ctx, key)
	if err == nil {
		e.logger.Info().Str("flow", key.String()).Msg("flow reset")
	}
	return err
}

// Switch destroys the flow being left and opens an empty session for the
// one selected.
func (e *Engine) Switch(ctx context.Context, from, to flowstate.FlowKey) (*flowstate.FlowSession, error) {
	if err := to.Validate(); err != nil {
		return nil, err
	}
	if from != to {
		if err := e.Reset(ctx, from); err != nil {
			return nil, err
		}
	}
	sess := flowstate.NewFlowSession(to, e.clock.Now())
	return sess, e.store.SaveNow(ctx, to, sess)
}

// cancelPoller stops the poller of key and waits for it to exit.
func (e *Engine) cancelPoller(key flowstate.FlowKey) {
	e.mu.Lock()
	h, ok := e.pollers[key.String()]
	delete(e.pollers, key.String())
	e.mu.Unlock()
	if ok {
		h.Cancel()
		<-h.Done()
	}
}

// Close cancels every running poller and flushes pending writes.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	handles := make([]*poller.Handle, 0, len(e.pollers))
	for k, h := range e.pollers {
		handles = append(handles, h)
		delete(e.pollers, k)
	}
	e.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
		<-h.Done()
	}
	return e.store.Flush(ctx)
}
