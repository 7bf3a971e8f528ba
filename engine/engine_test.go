package engine_test

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/jrsteele09/go-oauth-flows/artifacts"
	"github.com/jrsteele09/go-oauth-flows/engine"
	"github.com/jrsteele09/go-oauth-flows/flowerrors"
	"github.com/jrsteele09/go-oauth-flows/flowstate"
	"github.com/jrsteele09/go-oauth-flows/guard"
	interrors "github.com/jrsteele09/go-oauth-flows/internal/errors"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
	"github.com/jrsteele09/go-oauth-flows/poller"
	"github.com/jrsteele09/go-oauth-flows/proxy"
	"github.com/stretchr/testify/require"
)

func query(t *testing.T, raw string) url.Values {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query()
}

func TestAuthorizationCode_ResumeInFreshProcess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := flowstate.NewFlowKey(oauth2.AuthorizationCodeGrant, "")

	redirect, err := h.engine.StartAuthorization(ctx, key, confidential("openid profile"), url.Values{"prompt": {"login"}})
	require.NoError(t, err)

	q := query(t, redirect.URL)
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, redirect.State, q.Get("state"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.NotEmpty(t, q.Get("code_challenge"))
	require.NotEmpty(t, q.Get("nonce"), "openid scope asks for a nonce")
	require.Equal(t, "login", q.Get("prompt"))
	require.Empty(t, q.Get("client_secret"))

	// The callback is handled by a new process that only shares the backend.
	store, resumed := h.open()
	snap, err := resumed.Status(ctx, key)
	require.NoError(t, err)
	require.Equal(t, guard.StepCallback, snap.Step)

	done, err := resumed.Resume(ctx, redirectURI+"?code=auth-code&state="+url.QueryEscape(redirect.State))
	require.NoError(t, err)
	require.Equal(t, "at", done.Tokens.AccessToken)
	require.Equal(t, t0.Add(time.Hour), done.Tokens.ExpiresAt)

	sent := h.proxy.last()
	require.Equal(t, "web-app", sent.ClientID)
	require.Equal(t, oauth2.AuthorizationCodeGrant, sent.GrantType)
	require.Equal(t, "auth-code", sent.Params.Get("code"))
	require.Equal(t, q.Get("nonce"), sent.Nonce)
	require.NotContains(t, sent.Params, "client_secret")
	pkce, err := artifacts.PKCEFromVerifier(sent.Params.Get("code_verifier"))
	require.NoError(t, err)
	require.Equal(t, q.Get("code_challenge"), pkce.Challenge)

	t.Run("single use artifacts are gone", func(t *testing.T) {
		var v artifacts.PKCE
		require.ErrorIs(t, store.LoadValue(ctx, key.Derive("pkce"), &v), flowstate.ErrNotFound)
		_, err := store.LookupState(ctx, redirect.State)
		require.ErrorIs(t, err, flowstate.ErrNotFound)
	})

	t.Run("flow sits on its tokens step", func(t *testing.T) {
		snap, err := resumed.Status(ctx, key)
		require.NoError(t, err)
		require.Equal(t, guard.StepTokens, snap.Step)
		require.Equal(t, "at", snap.Tokens.AccessToken)
		require.True(t, snap.Session.IsCompleted(guard.StepExchange))
	})

	t.Run("replayed callback is rejected", func(t *testing.T) {
		_, err := resumed.Resume(ctx, redirectURI+"?code=auth-code&state="+url.QueryEscape(redirect.State))
		require.ErrorIs(t, err, interrors.ErrStateMismatch)
	})
}

func TestAuthorizationCode_PlainVariantSkipsPKCE(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := flowstate.NewFlowKey(oauth2.AuthorizationCodeGrant, "plain")

	redirect, err := h.engine.StartAuthorization(ctx, key, confidential("profile"), nil)
	require.NoError(t, err)
	q := query(t, redirect.URL)
	require.Empty(t, q.Get("code_challenge"))
	require.Empty(t, q.Get("nonce"))

	_, err = h.engine.Resume(ctx, redirectURI+"?code=c&state="+url.QueryEscape(redirect.State))
	require.NoError(t, err)
	require.NotContains(t, h.proxy.last().Params, "code_verifier")
}

func TestResume_Rejections(t *testing.T) {
	ctx := context.Background()
	key := flowstate.NewFlowKey(oauth2.AuthorizationCodeGrant, "")

	t.Run("unknown state", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.Resume(ctx, redirectURI+"?code=c&state=forged")
		require.ErrorIs(t, err, interrors.ErrStateMismatch)
		require.Zero(t, h.proxy.count())
	})

	t.Run("missing state", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.Resume(ctx, redirectURI+"?code=c")
		require.ErrorIs(t, err, interrors.ErrStateMismatch)
	})

	t.Run("authorization error is relayed", func(t *testing.T) {
		h := newHarness(t)
		redirect, err := h.engine.StartAuthorization(ctx, key, confidential("profile"), nil)
		require.NoError(t, err)

		_, err = h.engine.Resume(ctx, redirectURI+"?error=access_denied&error_description=user+said+no&state="+url.QueryEscape(redirect.State))
		var pe *flowerrors.ProtocolError
		require.ErrorAs(t, err, &pe)
		require.Equal(t, "access_denied", pe.Code)
		require.Equal(t, "user said no", pe.Description)

		_, err = h.engine.Resume(ctx, redirectURI+"?code=c&state="+url.QueryEscape(redirect.State))
		require.ErrorIs(t, err, interrors.ErrStateMismatch)

		snap, err := h.engine.Status(ctx, key)
		require.NoError(t, err)
		require.Equal(t, guard.StepConfigure, snap.Step)
	})

	t.Run("restart invalidates the old state", func(t *testing.T) {
		h := newHarness(t)
		first, err := h.engine.StartAuthorization(ctx, key, confidential("profile"), nil)
		require.NoError(t, err)
		second, err := h.engine.StartAuthorization(ctx, key, confidential("profile"), nil)
		require.NoError(t, err)
		require.NotEqual(t, first.State, second.State)

		_, err = h.engine.Resume(ctx, redirectURI+"?code=c&state="+url.QueryEscape(first.State))
		require.ErrorIs(t, err, interrors.ErrStateMismatch)
	})
}

func TestExchangeFailures(t *testing.T) {
	ctx := context.Background()
	key := flowstate.NewFlowKey(oauth2.AuthorizationCodeGrant, "")

	t.Run("retryable failure keeps the verifier", func(t *testing.T) {
		h := newHarness(t)
		calls := 0
		h.proxy.exchange = func(proxy.Payload) (*oauth2.TokenResponse, error) {
			calls++
			if calls == 1 {
				return nil, &flowerrors.TransportError{Op: "exchange", Err: context.DeadlineExceeded, Retryable: true}
			}
			return &oauth2.TokenResponse{AccessToken: "at-2", ExpiresIn: 60}, nil
		}
		redirect, err := h.engine.StartAuthorization(ctx, key, confidential("profile"), nil)
		require.NoError(t, err)

		_, err = h.engine.Resume(ctx, redirectURI+"?code=c&state="+url.QueryEscape(redirect.State))
		require.True(t, flowerrors.IsRetryable(err))

		done, err := h.engine.RetryExchange(ctx, key)
		require.NoError(t, err)
		require.Equal(t, "at-2", done.Tokens.AccessToken)
		require.Equal(t, h.proxy.payloads[0].Params.Get("code_verifier"), h.proxy.payloads[1].Params.Get("code_verifier"))
	})

	t.Run("protocol failure consumes the verifier", func(t *testing.T) {
		h := newHarness(t)
		h.proxy.exchange = func(proxy.Payload) (*oauth2.TokenResponse, error) {
			return nil, flowerrors.NewProtocolError(400, oauth2.ErrCodeInvalidGrant, "code expired")
		}
		redirect, err := h.engine.StartAuthorization(ctx, key, confidential("profile"), nil)
		require.NoError(t, err)

		_, err = h.engine.Resume(ctx, redirectURI+"?code=c&state="+url.QueryEscape(redirect.State))
		require.ErrorIs(t, err, flowerrors.ErrProtocol)
		require.False(t, flowerrors.IsRetryable(err))

		var v artifacts.PKCE
		require.ErrorIs(t, h.store.LoadValue(ctx, key.Derive("pkce"), &v), flowstate.ErrNotFound)
		_, err = h.engine.RetryExchange(ctx, key)
		require.ErrorIs(t, err, interrors.ErrNoActiveFlow)

		snap, err := h.engine.Status(ctx, key)
		require.NoError(t, err)
		require.Equal(t, guard.StepConfigure, snap.Step)
		require.Empty(t, snap.Session.Results)
	})

	t.Run("lost verifier is a pkce mismatch", func(t *testing.T) {
		h := newHarness(t)
		redirect, err := h.engine.StartAuthorization(ctx, key, confidential("profile"), nil)
		require.NoError(t, err)
		require.NoError(t, h.store.DeleteValue(ctx, key.Derive("pkce")))

		_, err = h.engine.Resume(ctx, redirectURI+"?code=c&state="+url.QueryEscape(redirect.State))
		require.ErrorIs(t, err, flowerrors.ErrPKCEMismatch)
		require.Zero(t, h.proxy.count())
	})
}

func TestStartAuthorization_InvalidCredentials(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := flowstate.NewFlowKey(oauth2.AuthorizationCodeGrant, "")
	creds := confidential("")
	creds.ClientID = ""

	_, err := h.engine.StartAuthorization(ctx, key, creds, nil)
	var ve *flowerrors.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Contains(t, ve.Fields, "Client ID")
	require.Contains(t, ve.Fields, "Scopes")

	_, err = h.store.Load(ctx, key)
	require.ErrorIs(t, err, flowstate.ErrNotFound)
}

func TestStartAuthorization_RejectsUnknownParameter(t *testing.T) {
	h := newHarness(t)
	key := flowstate.NewFlowKey(oauth2.AuthorizationCodeGrant, "")
	_, err := h.engine.StartAuthorization(context.Background(), key, confidential("profile"), url.Values{"device_code": {"x"}})
	require.ErrorIs(t, err, flowerrors.ErrParameter)
}

func TestPushedAuthorization(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.proxy.pushed = &oauth2.PushedAuthorizationResponse{RequestURI: "urn:ietf:params:oauth:request_uri:abc", ExpiresIn: 60}
	key := flowstate.NewFlowKey(oauth2.PushedAuthorizationGrant, "")

	redirect, err := h.engine.StartAuthorization(ctx, key, confidential("profile"), url.Values{"login_hint": {"ada"}})
	require.NoError(t, err)

	pushed := h.proxy.last()
	require.NotEmpty(t, pushed.Params.Get("code_challenge"))
	require.Equal(t, redirect.State, pushed.Params.Get("state"))
	require.Equal(t, "ada", pushed.Params.Get("login_hint"))

	q := query(t, redirect.URL)
	require.Len(t, q, 2)
	require.Equal(t, "web-app", q.Get("client_id"))
	require.Equal(t, "urn:ietf:params:oauth:request_uri:abc", q.Get("request_uri"))

	_, err = h.engine.Resume(ctx, redirectURI+"?code=c&state="+url.QueryEscape(redirect.State))
	require.NoError(t, err)
	exchange := h.proxy.last()
	require.Equal(t, oauth2.PushedAuthorizationGrant, exchange.GrantType)
	pkce, err := artifacts.PKCEFromVerifier(exchange.Params.Get("code_verifier"))
	require.NoError(t, err)
	require.Equal(t, pushed.Params.Get("code_challenge"), pkce.Challenge)
}

func TestImplicit(t *testing.T) {
	ctx := context.Background()
	key := flowstate.NewFlowKey(oauth2.ImplicitGrant, "oidc")

	t.Run("fragment tokens with matching nonce", func(t *testing.T) {
		h := newHarness(t)
		redirect, err := h.engine.StartAuthorization(ctx, key, public("openid"), nil)
		require.NoError(t, err)
		q := query(t, redirect.URL)
		require.Equal(t, "id_token token", q.Get("response_type"))

		fragment := url.Values{
			"access_token": {"fragment-at"},
			"token_type":   {"Bearer"},
			"expires_in":   {"900"},
			"id_token":     {idToken(t, q.Get("nonce"))},
			"state":        {redirect.State},
		}
		done, err := h.engine.Resume(ctx, redirectURI+"#"+fragment.Encode())
		require.NoError(t, err)
		require.Equal(t, "fragment-at", done.Tokens.AccessToken)
		require.Equal(t, t0.Add(15*time.Minute), done.Tokens.ExpiresAt)
		require.Zero(t, h.proxy.count(), "implicit never calls the token endpoint")
	})

	t.Run("nonce mismatch", func(t *testing.T) {
		h := newHarness(t)
		redirect, err := h.engine.StartAuthorization(ctx, key, public("openid"), nil)
		require.NoError(t, err)
		fragment := url.Values{
			"access_token": {"at"},
			"id_token":     {idToken(t, "someone-else")},
			"state":        {redirect.State},
		}
		_, err = h.engine.Resume(ctx, redirectURI+"#"+fragment.Encode())
		require.ErrorIs(t, err, engine.ErrNonceMismatch)
		_, err = h.engine.Tokens().Current(ctx, key)
		require.ErrorIs(t, err, flowstate.ErrNotFound)
	})
}

func TestHybrid_FrontChannelNonce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := flowstate.NewFlowKey(oauth2.HybridGrant, "")

	redirect, err := h.engine.StartAuthorization(ctx, key, confidential("openid"), nil)
	require.NoError(t, err)
	q := query(t, redirect.URL)
	require.Equal(t, "code id_token", q.Get("response_type"))

	bad := url.Values{"code": {"c"}, "id_token": {idToken(t, "wrong")}, "state": {redirect.State}}
	_, err = h.engine.Resume(ctx, redirectURI+"#"+bad.Encode())
	require.ErrorIs(t, err, engine.ErrNonceMismatch)
	require.Zero(t, h.proxy.count())

	good := url.Values{"code": {"c"}, "id_token": {idToken(t, q.Get("nonce"))}, "state": {redirect.State}}
	_, err = h.engine.Resume(ctx, redirectURI+"#"+good.Encode())
	require.NoError(t, err)
	require.Equal(t, oauth2.HybridGrant, h.proxy.last().GrantType)
}

func TestDeviceFlow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.proxy.device = &oauth2.DeviceAuthorizationResponse{
		DeviceCode:      "dc-1",
		UserCode:        "WDJB-MJHT",
		VerificationURI: "https://issuer.example/activate",
		ExpiresIn:       600,
		Interval:        5,
	}
	calls := 0
	h.proxy.exchange = func(p proxy.Payload) (*oauth2.TokenResponse, error) {
		calls++
		switch calls {
		case 1:
			return nil, flowerrors.NewProtocolError(400, oauth2.ErrCodeAuthorizationPending, "")
		case 2:
			return nil, flowerrors.NewProtocolError(400, oauth2.ErrCodeSlowDown, "")
		}
		return &oauth2.TokenResponse{AccessToken: "device-at", ExpiresIn: 3600}, nil
	}
	key := flowstate.NewFlowKey(oauth2.DeviceCodeGrant, "")

	session, err := h.engine.StartDevice(ctx, key, public("profile"), nil)
	require.NoError(t, err)
	require.Equal(t, "WDJB-MJHT", session.UserCode)
	require.Equal(t, 5*time.Second, session.Interval)
	require.Equal(t, t0.Add(10*time.Minute), session.ExpiresAt)

	handle, err := h.engine.PollTokens(ctx, key)
	require.NoError(t, err)
	res, err := handle.Result()
	require.NoError(t, err)
	require.Equal(t, poller.Granted, res.State)
	require.Equal(t, 3, res.Polls)
	require.Equal(t, "device-at", res.Tokens.AccessToken)
	require.Equal(t, "dc-1", h.proxy.last().Params.Get("device_code"))

	snap, err := h.engine.Status(ctx, key)
	require.NoError(t, err)
	require.Equal(t, guard.StepTokens, snap.Step)
}

func TestDeviceFlow_Denied(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.proxy.device = &oauth2.DeviceAuthorizationResponse{DeviceCode: "dc", UserCode: "U", VerificationURI: "https://issuer.example/activate", ExpiresIn: 600}
	h.proxy.exchange = func(proxy.Payload) (*oauth2.TokenResponse, error) {
		return nil, flowerrors.NewProtocolError(400, oauth2.ErrCodeAccessDenied, "")
	}
	key := flowstate.NewFlowKey(oauth2.DeviceCodeGrant, "")
	_, err := h.engine.StartDevice(ctx, key, public("profile"), nil)
	require.NoError(t, err)

	handle, err := h.engine.PollTokens(ctx, key)
	require.NoError(t, err)
	res, err := handle.Result()
	require.ErrorIs(t, err, flowerrors.ErrPollingTerminal)
	require.Equal(t, poller.Denied, res.State)

	snap, err := h.engine.Status(ctx, key)
	require.NoError(t, err)
	require.Equal(t, guard.StepPoll, snap.Step)
}

func TestBackchannel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.proxy.ciba = &oauth2.BackchannelAuthenticationResponse{AuthReqID: "req-1", ExpiresIn: 120}
	key := flowstate.NewFlowKey(oauth2.CIBAGrant, "")
	creds := confidential("openid")
	creds.LoginHint = "ada@example.com"

	session, err := h.engine.StartBackchannel(ctx, key, creds, url.Values{"binding_message": {"1234"}})
	require.NoError(t, err)
	require.Equal(t, "req-1", session.AuthReqID)
	require.Equal(t, poller.DefaultInterval, session.Interval)
	require.Equal(t, "1234", h.proxy.last().Params.Get("binding_message"))

	handle, err := h.engine.PollTokens(ctx, key)
	require.NoError(t, err)
	res, err := handle.Result()
	require.NoError(t, err)
	require.Equal(t, poller.Granted, res.State)
	require.Equal(t, "req-1", h.proxy.last().Params.Get("auth_req_id"))
}

func TestPollTokens_WithoutDeviceRequest(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.PollTokens(context.Background(), flowstate.NewFlowKey(oauth2.DeviceCodeGrant, ""))
	require.ErrorIs(t, err, interrors.ErrNoActiveFlow)
}

func TestClientCredentialsAndRefresh(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.proxy.exchange = func(p proxy.Payload) (*oauth2.TokenResponse, error) {
		if p.GrantType == oauth2.RefreshTokenGrant {
			return &oauth2.TokenResponse{AccessToken: "at-2", ExpiresIn: 3600}, nil
		}
		return &oauth2.TokenResponse{AccessToken: "at-1", ExpiresIn: 60, RefreshToken: "rt-1"}, nil
	}
	key := flowstate.NewFlowKey(oauth2.ClientCredentialsGrant, "")
	creds := confidential("api:read")

	ts, err := h.engine.ClientCredentials(ctx, key, creds, url.Values{"resource": {"https://api.example"}})
	require.NoError(t, err)
	require.Equal(t, "at-1", ts.AccessToken)
	sent := h.proxy.last()
	require.Equal(t, "api:read", sent.Params.Get("scope"))
	require.Equal(t, "https://api.example", sent.Params.Get("resource"))
	require.NotContains(t, sent.Params, "client_secret")

	h.clock.Advance(50 * time.Second)
	snap, err := h.engine.Status(ctx, key)
	require.NoError(t, err)
	require.Equal(t, guard.StepTokens, snap.Step)

	refreshed, err := h.engine.Refresh(ctx, key, creds, nil)
	require.NoError(t, err)
	require.Equal(t, "at-2", refreshed.AccessToken)
	require.Equal(t, "rt-1", refreshed.RefreshToken, "unrotated refresh token is kept")
	require.Equal(t, "rt-1", h.proxy.last().Params.Get("refresh_token"))
}

func TestClientCredentials_RequiresAuthentication(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.ClientCredentials(context.Background(), flowstate.NewFlowKey(oauth2.ClientCredentialsGrant, ""), public("api"), nil)
	require.ErrorIs(t, err, flowerrors.ErrValidation)
	require.Zero(t, h.proxy.count())
}

func TestAssertionAndTokenExchange(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	key := flowstate.NewFlowKey(oauth2.JWTBearerGrant, "")
	assertion := idToken(t, "")
	_, err := h.engine.Assertion(ctx, key, confidential("profile"), assertion, nil)
	require.NoError(t, err)
	require.Equal(t, assertion, h.proxy.last().Params.Get("assertion"))

	_, err = h.engine.Assertion(ctx, key, confidential("profile"), "not-a-jwt", nil)
	require.ErrorIs(t, err, flowerrors.ErrValidation)

	exchangeKey := flowstate.NewFlowKey(oauth2.TokenExchangeGrant, "")
	_, err = h.engine.TokenExchange(ctx, exchangeKey, confidential(""), url.Values{
		"subject_token":      {"subject"},
		"subject_token_type": {"urn:ietf:params:oauth:token-type:access_token"},
	})
	require.NoError(t, err)
	require.Equal(t, "subject", h.proxy.last().Params.Get("subject_token"))

	_, err = h.engine.TokenExchange(ctx, exchangeKey, confidential(""), nil)
	require.ErrorIs(t, err, flowerrors.ErrValidation)
}

func TestResetAndSwitch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	cc := flowstate.NewFlowKey(oauth2.ClientCredentialsGrant, "")
	_, err := h.engine.ClientCredentials(ctx, cc, confidential("api"), nil)
	require.NoError(t, err)

	code := flowstate.NewFlowKey(oauth2.AuthorizationCodeGrant, "")
	sess, err := h.engine.Switch(ctx, cc, code)
	require.NoError(t, err)
	require.Zero(t, sess.CurrentStep)

	_, err = h.engine.Status(ctx, cc)
	require.ErrorIs(t, err, interrors.ErrNoActiveFlow)
	_, err = h.engine.Tokens().Current(ctx, cc)
	require.True(t, errors.Is(err, flowstate.ErrNotFound))

	snap, err := h.engine.Status(ctx, code)
	require.NoError(t, err)
	require.Equal(t, guard.StepConfigure, snap.Step)

	require.NoError(t, h.engine.Reset(ctx, code))
	_, err = h.engine.Status(ctx, code)
	require.ErrorIs(t, err, interrors.ErrNoActiveFlow)
}

func TestBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := flowstate.NewFlowKey(oauth2.AuthorizationCodeGrant, "")
	_, err := h.engine.StartAuthorization(ctx, key, confidential("profile"), nil)
	require.NoError(t, err)

	d, err := h.engine.Back(ctx, key)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	snap, err := h.engine.Status(ctx, key)
	require.NoError(t, err)
	require.Equal(t, guard.StepAuthorize, snap.Step)
	require.NotContains(t, snap.Session.Results, guard.StepAuthorize)
}

func TestBack_DropsTheAttemptBeingRedone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := flowstate.NewFlowKey(oauth2.AuthorizationCodeGrant, "")
	redirect, err := h.engine.StartAuthorization(ctx, key, confidential("profile"), nil)
	require.NoError(t, err)

	_, err = h.engine.Back(ctx, key)
	require.NoError(t, err)

	_, err = h.store.LookupState(ctx, redirect.State)
	require.ErrorIs(t, err, flowstate.ErrNotFound)
	_, err = h.engine.Resume(ctx, redirectURI+"?code=c&state="+url.QueryEscape(redirect.State))
	require.ErrorIs(t, err, interrors.ErrStateMismatch)
	require.Zero(t, h.proxy.count())

	// the verifier belongs to an earlier step and survives one step back
	var v artifacts.PKCE
	require.NoError(t, h.store.LoadValue(ctx, key.Derive("pkce"), &v))
	_, err = h.engine.Back(ctx, key)
	require.NoError(t, err)
	require.ErrorIs(t, h.store.LoadValue(ctx, key.Derive("pkce"), &v), flowstate.ErrNotFound)
}

func TestResetWhilePolling(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := flowstate.NewFlowKey(oauth2.DeviceCodeGrant, "")
	handle, polling := h.startPolling(t, key)
	<-polling

	require.NoError(t, h.engine.Reset(ctx, key))

	res, err := handle.Result()
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, poller.Cancelled, res.State)
	require.NoError(t, h.store.Flush(ctx))

	_, err = h.engine.Status(ctx, key)
	require.ErrorIs(t, err, interrors.ErrNoActiveFlow)
	_, err = h.engine.Tokens().Current(ctx, key)
	require.ErrorIs(t, err, flowstate.ErrNotFound)
	_, err = h.engine.DeviceSession(ctx, key)
	require.ErrorIs(t, err, interrors.ErrNoActiveFlow)
}

func TestBackWhilePolling(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := flowstate.NewFlowKey(oauth2.DeviceCodeGrant, "")
	handle, polling := h.startPolling(t, key)
	<-polling

	d, err := h.engine.Back(ctx, key)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 2, d.From)
	require.Equal(t, 1, d.To)

	res, err := handle.Result()
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, poller.Cancelled, res.State)
	require.NoError(t, h.store.Flush(ctx))

	_, err = h.engine.DeviceSession(ctx, key)
	require.ErrorIs(t, err, interrors.ErrNoActiveFlow)
	snap, err := h.engine.Status(ctx, key)
	require.NoError(t, err)
	require.Equal(t, guard.StepDeviceRequest, snap.Step)
	require.Nil(t, snap.Tokens)
	require.NotContains(t, snap.Session.Results, guard.StepDeviceRequest)

	_, err = h.engine.PollTokens(ctx, key)
	require.ErrorIs(t, err, interrors.ErrNoActiveFlow)
}
