package engine

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/jrsteele09/go-oauth-flows/artifacts"
	"github.com/jrsteele09/go-oauth-flows/credentials"
	"github.com/jrsteele09/go-oauth-flows/flowerrors"
	"github.com/jrsteele09/go-oauth-flows/flowstate"
	"github.com/jrsteele09/go-oauth-flows/grants"
	"github.com/jrsteele09/go-oauth-flows/guard"
	interrors "github.com/jrsteele09/go-oauth-flows/internal/errors"
	"github.com/jrsteele09/go-oauth-flows/internal/utils"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
	"github.com/jrsteele09/go-oauth-flows/proxy"
	"github.com/jrsteele09/go-oauth-flows/token"
)

var (
	ErrNonceMismatch   = errors.New("id_token nonce does not match the authorization request")
	ErrMissingIDToken  = errors.New("authorization response has no id_token")
	ErrNotRedirectFlow = errors.New("grant does not use a browser redirect")
)

// AuthorizationRedirect is where the browser must be sent to continue a flow.
type AuthorizationRedirect struct {
	Key        flowstate.FlowKey
	URL        string
	State      string
	RequestURI string
}

// Completion is the outcome of a flow that received tokens.
type Completion struct {
	Key    flowstate.FlowKey
	Tokens *token.TokenSet
}

// usesPKCE reports whether the flow's token request carries a verifier.
func usesPKCE(key flowstate.FlowKey) bool {
	switch key.Grant {
	case oauth2.AuthorizationCodeGrant:
		return key.Variant != "plain"
	case oauth2.HybridGrant, oauth2.PushedAuthorizationGrant:
		return true
	}
	return false
}

// wantsNonce reports whether the authorization request must carry a nonce.
func wantsNonce(b grants.Builder, scope string) bool {
	switch v := b.(type) {
	case grants.Hybrid:
		return true
	case grants.Implicit:
		return v.ResponseType.IncludesIDToken()
	}
	return utils.ScopeContains(scope, "openid")
}

// StartAuthorization begins a redirect based grant (authorization code,
// PAR, hybrid or implicit). The session is written before the redirect URL
// is returned, so the callback can always find it.
func (e *Engine) StartAuthorization(ctx context.Context, key flowstate.FlowKey, creds credentials.CredentialSet, extra url.Values) (*AuthorizationRedirect, error) {
	switch key.Grant {
	case oauth2.AuthorizationCodeGrant, oauth2.PushedAuthorizationGrant, oauth2.HybridGrant, oauth2.ImplicitGrant:
	default:
		return nil, interrors.Wrapf(ErrNotRedirectFlow, "%s", key.Grant.Slug())
	}
	builder, err := grants.ForVariant(key.Grant, key.Variant)
	if err != nil {
		return nil, err
	}
	f, err := e.begin(ctx, key, creds)
	if err != nil {
		return nil, err
	}
	eps, err := e.endpoints(ctx, creds)
	if err != nil {
		return nil, err
	}

	in := grants.Input{Credentials: creds.Public(), Endpoints: eps, Extra: extraOf(extra)}
	if in.Artifacts.State, err = artifacts.NewState(); err != nil {
		return nil, err
	}
	if wantsNonce(builder, creds.Scope) {
		if in.Artifacts.Nonce, err = artifacts.NewNonce(); err != nil {
			return nil, err
		}
	}

	if usesPKCE(key) {
		pkce, err := artifacts.GeneratePKCEWithLength(e.verifierLength)
		if err != nil {
			return nil, err
		}
		// The verifier must be durable before the challenge leaves the process.
		if err := e.store.SaveValue(ctx, key.Derive(pkceName), pkce); err != nil {
			return nil, err
		}
		in.Artifacts.PKCE = pkce
	}
	if f.nav.Index(guard.StepPKCE) >= 0 {
		result := map[string]any{"skipped": true}
		if p := in.Artifacts.PKCE; p != nil {
			result = map[string]any{"code_challenge": p.Challenge, "code_challenge_method": p.Method}
		}
		if err := e.advance(f, guard.StepPKCE, result); err != nil {
			return nil, err
		}
	}

	redirect := &AuthorizationRedirect{Key: key, State: in.Artifacts.State}
	if pusher, ok := builder.(grants.Pusher); ok {
		pushed, err := pusher.PushRequest(in)
		if err != nil {
			return nil, err
		}
		resp, err := e.proxy.PushAuthorization(ctx, proxy.NewPayload(creds.ClientID, pushed))
		if err != nil {
			return nil, err
		}
		redirect.RequestURI = resp.RequestURI
		in.Artifacts.RequestURI = resp.RequestURI
		in.Extra = nil
		if err := e.advance(f, guard.StepPush, map[string]any{
			"request_uri": resp.RequestURI,
			"expires_at":  e.clock.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		}); err != nil {
			return nil, err
		}
	}

	d, err := builder.AuthorizationRequest(in)
	if err != nil {
		return nil, err
	}
	redirect.URL = d.URL()
	if err := e.advance(f, guard.StepAuthorize, map[string]any{"url": redirect.URL, "params": d.ParamNames()}); err != nil {
		return nil, err
	}

	req := pendingRequest{
		ClientID:    creds.ClientID,
		Issuer:      creds.Issuer,
		RedirectURI: creds.RedirectURI,
		Scope:       creds.Scope,
		AuthMethod:  creds.AuthMethod,
		State:       in.Artifacts.State,
		Nonce:       in.Artifacts.Nonce,
		Endpoints:   eps,
		CreatedAt:   e.clock.Now(),
	}
	if err := e.store.SaveValue(ctx, key.Derive(requestName), req); err != nil {
		return nil, err
	}
	if err := e.store.SaveNow(ctx, key, f.sess); err != nil {
		return nil, err
	}
	if err := e.store.IndexState(ctx, req.State, key); err != nil {
		return nil, err
	}
	e.logger.Info().Str("flow", key.String()).Str("endpoint", d.Endpoint).Msg("authorization request built")
	return redirect, nil
}

// callbackParams merges the query and fragment of a redirect. Fragment values
// win, since the implicit and hybrid responses live there.
func callbackParams(callbackURL string) (url.Values, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return nil, interrors.Wrapf(interrors.ErrInvalidRequest, "callback URL")
	}
	params := u.Query()
	if u.Fragment != "" {
		fragment, err := url.ParseQuery(u.Fragment)
		if err != nil {
			return nil, interrors.Wrapf(interrors.ErrInvalidRequest, "callback fragment")
		}
		for k, v := range fragment {
			params[k] = v
		}
	}
	return params, nil
}

// Resume continues a flow from the URL its redirect landed on. The flow is
// found through the state index alone, so this works in a fresh process.
func (e *Engine) Resume(ctx context.Context, callbackURL string) (*Completion, error) {
	params, err := callbackParams(callbackURL)
	if err != nil {
		return nil, err
	}
	state := params.Get("state")
	if state == "" {
		return nil, interrors.Wrapf(interrors.ErrStateMismatch, "callback has no state")
	}
	key, err := e.store.LookupState(ctx, state)
	if err != nil {
		if errors.Is(err, flowstate.ErrNotFound) {
			return nil, interrors.Wrapf(interrors.ErrStateMismatch, "unknown state")
		}
		return nil, err
	}
	var req pendingRequest
	if err := e.store.LoadValue(ctx, key.Derive(requestName), &req); err != nil {
		if errors.Is(err, flowstate.ErrNotFound) {
			return nil, interrors.Wrapf(interrors.ErrStateMismatch, "%s has no pending request", key)
		}
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(state), []byte(req.State)) != 1 {
		return nil, interrors.Wrapf(interrors.ErrStateMismatch, "%s", key)
	}
	f, err := e.resume(ctx, key, req.credentials(), guard.StepCallback)
	if err != nil {
		return nil, err
	}

	if code := params.Get("error"); code != "" {
		e.logger.Info().Str("flow", key.String()).Str("error", code).Msg("authorization denied")
		e.abandon(ctx, f, req.State)
		return nil, &flowerrors.ProtocolError{Code: code, Description: params.Get("error_description"), URI: params.Get("error_uri")}
	}

	if key.Grant == oauth2.ImplicitGrant {
		return e.completeImplicit(ctx, f, req, params)
	}

	code := params.Get("code")
	if code == "" {
		return nil, &flowerrors.ValidationError{Fields: []string{"Authorization Code"}}
	}
	if idToken := params.Get("id_token"); idToken != "" {
		if err := checkNonce(idToken, req.Nonce); err != nil {
			return nil, err
		}
	}
	req.Code = code
	if err := e.store.SaveValue(ctx, key.Derive(requestName), req); err != nil {
		return nil, err
	}
	if err := e.advance(f, guard.StepCallback, map[string]any{"code": true, "received_at": e.clock.Now()}); err != nil {
		return nil, err
	}
	if err := e.store.SaveNow(ctx, key, f.sess); err != nil {
		return nil, err
	}
	return e.exchangeCode(ctx, f, req)
}

// RetryExchange repeats a code exchange that failed with a retryable error.
func (e *Engine) RetryExchange(ctx context.Context, key flowstate.FlowKey) (*Completion, error) {
	var req pendingRequest
	if err := e.store.LoadValue(ctx, key.Derive(requestName), &req); err != nil {
		if errors.Is(err, flowstate.ErrNotFound) {
			return nil, interrors.Wrapf(interrors.ErrNoActiveFlow, "%s", key)
		}
		return nil, err
	}
	if req.Code == "" {
		return nil, interrors.Wrapf(interrors.ErrNoActiveFlow, "%s has no authorization code", key)
	}
	f, err := e.resume(ctx, key, req.credentials(), guard.StepExchange)
	if err != nil {
		return nil, err
	}
	return e.exchangeCode(ctx, f, req)
}

// exchangeCode redeems the code through the proxy. The verifier is used at
// most once: it is dropped on success and on any non retryable failure.
func (e *Engine) exchangeCode(ctx context.Context, f *flow, req pendingRequest) (*Completion, error) {
	builder, err := grants.ForVariant(f.key.Grant, f.key.Variant)
	if err != nil {
		return nil, err
	}
	in := grants.Input{
		Credentials: req.credentials(),
		Endpoints:   req.Endpoints,
		Artifacts:   grants.Ephemeral{Code: req.Code},
	}
	if usesPKCE(f.key) {
		pkce := &artifacts.PKCE{}
		if err := e.store.LoadValue(ctx, f.key.Derive(pkceName), pkce); err != nil {
			if errors.Is(err, flowstate.ErrNotFound) {
				return nil, &flowerrors.PKCEMismatchError{Key: f.key.String(), Artifact: "code_verifier", Reason: "verifier not found in flow state"}
			}
			return nil, err
		}
		in.Artifacts.PKCE = pkce
	}
	d, err := builder.TokenRequest(in)
	if err != nil {
		return nil, err
	}
	payload := proxy.NewPayload(req.ClientID, d)
	payload.Nonce = req.Nonce

	raw, err := e.proxy.Exchange(ctx, payload)
	if err != nil {
		var perr *flowerrors.ProtocolError
		switch {
		case flowerrors.IsRetryable(err):
		case errors.As(err, &perr):
			e.abandon(ctx, f, req.State)
		default:
			e.discardAttempt(ctx, f.key, req.State)
		}
		return nil, err
	}
	ts, err := e.accept(ctx, f, *raw, false)
	if err != nil {
		return nil, err
	}
	e.discardAttempt(ctx, f.key, req.State)
	return &Completion{Key: f.key, Tokens: ts}, nil
}

// abandon ends an attempt the authorization server refused: its values are
// discarded and the flow returns to the credential step.
func (e *Engine) abandon(ctx context.Context, f *flow, state string) {
	e.discardAttempt(ctx, f.key, state)
	if d := f.nav.Rewind(f.sess, 0); !d.Allowed {
		return
	}
	f.sess.UpdatedAt = e.clock.Now()
	if err := e.store.SaveNow(ctx, f.key, f.sess); err != nil {
		e.logger.Warn().Err(err).Str("flow", f.key.String()).Msg("failed to rewind flow")
	}
}

// discardAttempt removes the single use values of a redirect attempt.
func (e *Engine) discardAttempt(ctx context.Context, key flowstate.FlowKey, state string) {
	for _, k := range []string{key.Derive(pkceName), key.Derive(requestName)} {
		if err := e.store.DeleteValue(ctx, k); err != nil {
			e.logger.Warn().Err(err).Str("key", k).Msg("failed to discard flow value")
		}
	}
	if err := e.store.DeleteState(ctx, state); err != nil {
		e.logger.Warn().Err(err).Str("flow", key.String()).Msg("failed to drop state index")
	}
}

func (e *Engine) completeImplicit(ctx context.Context, f *flow, req pendingRequest, params url.Values) (*Completion, error) {
	raw := oauth2.TokenResponse{
		AccessToken: params.Get("access_token"),
		TokenType:   params.Get("token_type"),
		IDToken:     params.Get("id_token"),
		Scope:       params.Get("scope"),
	}
	if v := params.Get("expires_in"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, &flowerrors.ValidationError{Fields: []string{"expires_in"}}
		}
		raw.ExpiresIn = n
	}
	if req.Nonce != "" {
		if raw.IDToken == "" {
			return nil, ErrMissingIDToken
		}
		if err := checkNonce(raw.IDToken, req.Nonce); err != nil {
			return nil, err
		}
	}
	if err := f.sess.SetResult(guard.StepCallback, map[string]any{"fragment": true, "received_at": e.clock.Now()}); err != nil {
		return nil, err
	}
	ts, err := e.accept(ctx, f, raw, false)
	if err != nil {
		return nil, err
	}
	e.discardAttempt(ctx, f.key, req.State)
	return &Completion{Key: f.key, Tokens: ts}, nil
}

// checkNonce compares the nonce claim of an unverified id_token. Signature
// checks happen at the proxy backend.
func checkNonce(idToken, want string) error {
	if want == "" {
		return nil
	}
	claims, err := token.DecodeClaims(idToken)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(claims.Nonce), []byte(want)) != 1 {
		return ErrNonceMismatch
	}
	return nil
}
