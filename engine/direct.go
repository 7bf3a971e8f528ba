package engine

import (
	"context"
	"errors"
	"net/url"

	"github.com/jrsteele09/go-oauth-flows/credentials"
	"github.com/jrsteele09/go-oauth-flows/flowerrors"
	"github.com/jrsteele09/go-oauth-flows/flowstate"
	"github.com/jrsteele09/go-oauth-flows/grants"
	"github.com/jrsteele09/go-oauth-flows/guard"
	interrors "github.com/jrsteele09/go-oauth-flows/internal/errors"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
	"github.com/jrsteele09/go-oauth-flows/proxy"
	"github.com/jrsteele09/go-oauth-flows/token"
)

// ClientCredentials obtains a token for the client itself (RFC 6749 section 4.4).
func (e *Engine) ClientCredentials(ctx context.Context, key flowstate.FlowKey, creds credentials.CredentialSet, extra url.Values) (*token.TokenSet, error) {
	if key.Grant != oauth2.ClientCredentialsGrant {
		return nil, interrors.Wrapf(interrors.ErrUnsupportedGrant, "%s is not a client credentials flow", key.Grant.Slug())
	}
	return e.direct(ctx, key, creds, grants.ClientCredentials{}, grants.Ephemeral{}, extra, "", nil)
}

// Assertion redeems a JWT (RFC 7523) or SAML 2.0 (RFC 7522) bearer assertion.
func (e *Engine) Assertion(ctx context.Context, key flowstate.FlowKey, creds credentials.CredentialSet, assertion string, extra url.Values) (*token.TokenSet, error) {
	builder, err := grants.For(key.Grant)
	if err != nil {
		return nil, err
	}
	if _, ok := builder.(grants.AssertionBearer); !ok {
		return nil, interrors.Wrapf(interrors.ErrUnsupportedGrant, "%s is not an assertion flow", key.Grant.Slug())
	}
	return e.direct(ctx, key, creds, builder, grants.Ephemeral{Assertion: assertion}, extra,
		guard.StepAssertion, map[string]any{"assertion": true})
}

// TokenExchange trades a subject token for another (RFC 8693). The subject
// and actor tokens travel in extra.
func (e *Engine) TokenExchange(ctx context.Context, key flowstate.FlowKey, creds credentials.CredentialSet, extra url.Values) (*token.TokenSet, error) {
	if key.Grant != oauth2.TokenExchangeGrant {
		return nil, interrors.Wrapf(interrors.ErrUnsupportedGrant, "%s is not a token exchange flow", key.Grant.Slug())
	}
	if extra.Get("subject_token") == "" {
		return nil, &flowerrors.ValidationError{Fields: []string{"Subject Token"}}
	}
	return e.direct(ctx, key, creds, grants.TokenExchange{}, grants.Ephemeral{}, extra,
		guard.StepAssertion, map[string]any{"subject_token_type": extra.Get("subject_token_type")})
}

// RedeemRefreshToken runs the refresh grant as a flow of its own, for a
// refresh token obtained elsewhere.
func (e *Engine) RedeemRefreshToken(ctx context.Context, key flowstate.FlowKey, creds credentials.CredentialSet, refreshToken string, extra url.Values) (*token.TokenSet, error) {
	if key.Grant != oauth2.RefreshTokenGrant {
		return nil, interrors.Wrapf(interrors.ErrUnsupportedGrant, "%s is not a refresh flow", key.Grant.Slug())
	}
	return e.direct(ctx, key, creds, grants.RefreshToken{}, grants.Ephemeral{RefreshToken: refreshToken}, extra, "", nil)
}

// direct runs a grant that goes straight to the token endpoint. inputStep,
// when set, is the step whose result records the caller's grant input.
func (e *Engine) direct(ctx context.Context, key flowstate.FlowKey, creds credentials.CredentialSet, builder grants.Builder, eph grants.Ephemeral, extra url.Values, inputStep string, inputResult any) (*token.TokenSet, error) {
	f, err := e.begin(ctx, key, creds)
	if err != nil {
		return nil, err
	}
	eps, err := e.endpoints(ctx, creds)
	if err != nil {
		return nil, err
	}
	d, err := builder.TokenRequest(grants.Input{Credentials: creds.Public(), Endpoints: eps, Artifacts: eph, Extra: extraOf(extra)})
	if err != nil {
		return nil, err
	}
	if inputStep != "" {
		if err := e.advance(f, inputStep, inputResult); err != nil {
			return nil, err
		}
	}
	raw, err := e.proxy.Exchange(ctx, proxy.NewPayload(creds.ClientID, d))
	if err != nil {
		return nil, err
	}
	if err := f.sess.SetResult(guard.StepExchange, map[string]any{"grant_type": d.Params.Get("grant_type")}); err != nil {
		return nil, err
	}
	return e.accept(ctx, f, *raw, false)
}

// Refresh renews the tokens held by a flow using its refresh token. The
// refresh is always caller initiated and the flow stays on its tokens step.
func (e *Engine) Refresh(ctx context.Context, key flowstate.FlowKey, creds credentials.CredentialSet, extra url.Values) (*token.TokenSet, error) {
	current, err := e.tokens.Current(ctx, key)
	if err != nil {
		if errors.Is(err, flowstate.ErrNotFound) {
			return nil, interrors.Wrapf(interrors.ErrNoActiveFlow, "%s has no tokens", key)
		}
		return nil, err
	}
	if !token.CanRefresh(current, e.clock.Now()) {
		return nil, &flowerrors.ValidationError{Fields: []string{"Refresh Token"}}
	}
	eps, err := e.endpoints(ctx, creds)
	if err != nil {
		return nil, err
	}
	d, err := grants.RefreshToken{}.TokenRequest(grants.Input{
		Credentials: creds.Public(),
		Endpoints:   eps,
		Artifacts:   grants.Ephemeral{RefreshToken: current.RefreshToken},
		Extra:       extraOf(extra),
	})
	if err != nil {
		return nil, err
	}
	raw, err := e.proxy.Exchange(ctx, proxy.NewPayload(creds.ClientID, d))
	if err != nil {
		return nil, err
	}
	ts, err := e.tokens.AcceptRefresh(ctx, key, *raw)
	if err != nil {
		return nil, err
	}
	e.logger.Info().Str("flow", key.String()).Time("expires_at", ts.ExpiresAt).Msg("tokens refreshed")
	return ts, nil
}
