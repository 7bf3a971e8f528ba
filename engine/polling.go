package engine

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/jrsteele09/go-oauth-flows/credentials"
	"github.com/jrsteele09/go-oauth-flows/flowstate"
	"github.com/jrsteele09/go-oauth-flows/grants"
	"github.com/jrsteele09/go-oauth-flows/guard"
	interrors "github.com/jrsteele09/go-oauth-flows/internal/errors"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
	"github.com/jrsteele09/go-oauth-flows/poller"
	"github.com/jrsteele09/go-oauth-flows/proxy"
	"github.com/jrsteele09/go-oauth-flows/token"
)

// StartDevice requests a device and user code (RFC 8628). The returned
// session is what the user is shown; PollTokens then waits for approval.
func (e *Engine) StartDevice(ctx context.Context, key flowstate.FlowKey, creds credentials.CredentialSet, extra url.Values) (*poller.DeviceSession, error) {
	if key.Grant != oauth2.DeviceCodeGrant {
		return nil, interrors.Wrapf(interrors.ErrUnsupportedGrant, "%s is not a device flow", key.Grant.Slug())
	}
	f, eps, err := e.beginPolling(ctx, key, creds)
	if err != nil {
		return nil, err
	}
	d, err := grants.DeviceAuthorization{}.AuthorizationRequest(grants.Input{Credentials: creds.Public(), Endpoints: eps, Extra: extraOf(extra)})
	if err != nil {
		return nil, err
	}
	resp, err := e.proxy.DeviceAuthorization(ctx, proxy.NewPayload(creds.ClientID, d))
	if err != nil {
		return nil, err
	}
	session := poller.NewDeviceSession(*resp, e.clock.Now())
	return &session, e.savePolling(ctx, f, creds, eps, session, guard.StepDeviceRequest, map[string]any{
		"user_code":                 session.UserCode,
		"verification_uri":          session.VerificationURI,
		"verification_uri_complete": session.VerificationURIComplete,
		"expires_at":                session.ExpiresAt,
	})
}

// StartBackchannel sends a CIBA authentication request in poll mode.
func (e *Engine) StartBackchannel(ctx context.Context, key flowstate.FlowKey, creds credentials.CredentialSet, extra url.Values) (*poller.DeviceSession, error) {
	if key.Grant != oauth2.CIBAGrant {
		return nil, interrors.Wrapf(interrors.ErrUnsupportedGrant, "%s is not a backchannel flow", key.Grant.Slug())
	}
	f, eps, err := e.beginPolling(ctx, key, creds)
	if err != nil {
		return nil, err
	}
	d, err := grants.Backchannel{}.AuthorizationRequest(grants.Input{Credentials: creds.Public(), Endpoints: eps, Extra: extraOf(extra)})
	if err != nil {
		return nil, err
	}
	resp, err := e.proxy.Backchannel(ctx, proxy.NewPayload(creds.ClientID, d))
	if err != nil {
		return nil, err
	}
	session := poller.NewBackchannelSession(*resp, e.clock.Now())
	return &session, e.savePolling(ctx, f, creds, eps, session, guard.StepBackchannel, map[string]any{
		"auth_req_id": true,
		"expires_at":  session.ExpiresAt,
	})
}

func (e *Engine) beginPolling(ctx context.Context, key flowstate.FlowKey, creds credentials.CredentialSet) (*flow, grants.Endpoints, error) {
	f, err := e.begin(ctx, key, creds)
	if err != nil {
		return nil, grants.Endpoints{}, err
	}
	eps, err := e.endpoints(ctx, creds)
	if err != nil {
		return nil, grants.Endpoints{}, err
	}
	return f, eps, nil
}

func (e *Engine) savePolling(ctx context.Context, f *flow, creds credentials.CredentialSet, eps grants.Endpoints, session poller.DeviceSession, step string, result map[string]any) error {
	if err := e.store.SaveValue(ctx, f.key.Derive(deviceName), session); err != nil {
		return err
	}
	req := pendingRequest{
		ClientID:   creds.ClientID,
		Issuer:     creds.Issuer,
		Scope:      creds.Scope,
		AuthMethod: creds.AuthMethod,
		Endpoints:  eps,
		CreatedAt:  e.clock.Now(),
	}
	if err := e.store.SaveValue(ctx, f.key.Derive(requestName), req); err != nil {
		return err
	}
	if err := e.advance(f, step, result); err != nil {
		return err
	}
	return e.store.SaveNow(ctx, f.key, f.sess)
}

// DeviceSession returns the stored polling state of a flow.
func (e *Engine) DeviceSession(ctx context.Context, key flowstate.FlowKey) (*poller.DeviceSession, error) {
	session := &poller.DeviceSession{}
	if err := e.store.LoadValue(ctx, key.Derive(deviceName), session); err != nil {
		if errors.Is(err, flowstate.ErrNotFound) {
			return nil, interrors.Wrapf(interrors.ErrNoActiveFlow, "%s", key)
		}
		return nil, err
	}
	return session, nil
}

// flowSink stores granted tokens and moves the flow onto its tokens step.
type flowSink struct {
	engine *Engine
	flow   *flow
}

func (s flowSink) Accept(ctx context.Context, _ flowstate.FlowKey, raw oauth2.TokenResponse) (*token.TokenSet, error) {
	return s.engine.accept(ctx, s.flow, raw, false)
}

// PollTokens starts polling the token endpoint of a device or backchannel
// flow in the background. Starting again cancels the previous poller.
func (e *Engine) PollTokens(ctx context.Context, key flowstate.FlowKey) (*poller.Handle, error) {
	var req pendingRequest
	if err := e.store.LoadValue(ctx, key.Derive(requestName), &req); err != nil {
		if errors.Is(err, flowstate.ErrNotFound) {
			return nil, interrors.Wrapf(interrors.ErrNoActiveFlow, "%s", key)
		}
		return nil, err
	}
	session, err := e.DeviceSession(ctx, key)
	if err != nil {
		return nil, err
	}
	f, err := e.resume(ctx, key, req.credentials(), guard.StepPoll)
	if err != nil {
		return nil, err
	}
	builder, err := grants.For(key.Grant)
	if err != nil {
		return nil, err
	}
	d, err := builder.TokenRequest(grants.Input{
		Credentials: req.credentials(),
		Endpoints:   req.Endpoints,
		Artifacts:   grants.Ephemeral{DeviceCode: session.DeviceCode, AuthReqID: session.AuthReqID},
	})
	if err != nil {
		return nil, err
	}
	payload := proxy.NewPayload(req.ClientID, d)

	p := &poller.Poller{
		Key:     key,
		Session: *session,
		Poll: func(ctx context.Context) (*oauth2.TokenResponse, error) {
			return e.proxy.Exchange(ctx, payload)
		},
		Sink:   flowSink{engine: e, flow: f},
		Clock:  e.clock,
		Sleep:  e.sleep,
		Logger: &e.logger,
		OnSlowDown: func(interval time.Duration) {
			updated := *session
			updated.Interval = interval
			if err := e.store.SaveValueDebounced(context.Background(), key.Derive(deviceName), updated); err != nil {
				e.logger.Warn().Err(err).Str("flow", key.String()).Msg("failed to persist polling interval")
			}
		},
	}

	e.cancelPoller(key)
	h := p.Start(ctx)
	e.mu.Lock()
	e.pollers[key.String()] = h
	e.mu.Unlock()
	go func() {
		<-h.Done()
		e.mu.Lock()
		if e.pollers[key.String()] == h {
			delete(e.pollers, key.String())
		}
		e.mu.Unlock()
	}()
	return h, nil
}

// CancelPolling stops a running poller and returns once it has exited. It is
// safe to call at any time.
func (e *Engine) CancelPolling(key flowstate.FlowKey) {
	e.cancelPoller(key)
}
