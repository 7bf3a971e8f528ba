package grants

import (
	"net/http"
	"net/url"

	"github.com/jrsteele09/go-oauth-flows/flowerrors"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
	"github.com/pkg/errors"
)

var ErrMissingState = errors.New("authorization request requires a state value")

// authorizationOptional are caller parameters accepted on redirect based
// authorization requests.
var authorizationOptional = []string{"prompt", "login_hint", "max_age", "acr_values", "ui_locales", "id_token_hint", "response_mode", "claims", "resource"}

// AuthorizationCode is RFC 6749 section 4.1, with RFC 7636 PKCE when enabled.
type AuthorizationCode struct {
	PKCE bool
}

func (AuthorizationCode) Grant() oauth2.GrantType { return oauth2.AuthorizationCodeGrant }

func (b AuthorizationCode) AuthorizationRequest(in Input) (*RequestDescriptor, error) {
	params, err := b.authorizationParams(oauth2.AuthorizationCodeGrant, oauth2.CodeResponseType, in)
	if err != nil {
		return nil, err
	}
	if err := requireEndpoint(in.Endpoints.Authorization, "authorization"); err != nil {
		return nil, err
	}
	return finalize(&RequestDescriptor{
		Grant:        oauth2.AuthorizationCodeGrant,
		Kind:         KindAuthorization,
		Endpoint:     in.Endpoints.Authorization,
		Method:       http.MethodGet,
		Params:       params,
		BrowserBound: true,
	})
}

// authorizationParams is the full authorization parameter set shared by the
// redirect, PAR and hybrid requests.
func (b AuthorizationCode) authorizationParams(grant oauth2.GrantType, responseType oauth2.ResponseType, in Input) (url.Values, error) {
	if in.Artifacts.State == "" {
		return nil, ErrMissingState
	}
	c := in.Credentials.Public()
	params := url.Values{}
	params.Set("response_type", string(responseType))
	params.Set("client_id", c.ClientID)
	params.Set("redirect_uri", c.RedirectURI)
	setIfNotEmpty(params, "scope", c.Scope)
	params.Set("state", in.Artifacts.State)
	setIfNotEmpty(params, "nonce", in.Artifacts.Nonce)

	if b.PKCE {
		p := in.Artifacts.PKCE
		if p == nil || p.Challenge == "" {
			return nil, &flowerrors.PKCEMismatchError{Artifact: "code_challenge", Reason: "PKCE parameters have not been generated"}
		}
		params.Set("code_challenge", p.Challenge)
		params.Set("code_challenge_method", string(p.Method))
	}
	if err := applyExtras(grant, KindAuthorization, params, in.Extra, authorizationOptional...); err != nil {
		return nil, err
	}
	return params, nil
}

func (b AuthorizationCode) TokenRequest(in Input) (*RequestDescriptor, error) {
	return b.codeTokenRequest(oauth2.AuthorizationCodeGrant, in)
}

func (b AuthorizationCode) codeTokenRequest(grant oauth2.GrantType, in Input) (*RequestDescriptor, error) {
	if in.Artifacts.Code == "" {
		return nil, &flowerrors.ValidationError{Fields: []string{"Authorization Code"}}
	}
	if err := requireEndpoint(in.Endpoints.Token, "token"); err != nil {
		return nil, err
	}
	c := in.Credentials.Public()
	params := url.Values{}
	params.Set("grant_type", string(oauth2.AuthorizationCodeGrant))
	params.Set("code", in.Artifacts.Code)
	params.Set("redirect_uri", c.RedirectURI)
	params.Set("client_id", c.ClientID)

	if b.PKCE {
		p := in.Artifacts.PKCE
		if p == nil || p.Verifier == "" {
			return nil, &flowerrors.PKCEMismatchError{Artifact: "code_verifier", Reason: "verifier not found in flow state"}
		}
		if err := p.Verify(); err != nil {
			return nil, &flowerrors.PKCEMismatchError{Artifact: "code_verifier", Reason: err.Error()}
		}
		params.Set("code_verifier", p.Verifier)
	}
	if err := applyExtras(grant, KindToken, params, in.Extra, "resource"); err != nil {
		return nil, err
	}
	return finalize(&RequestDescriptor{
		Grant:    grant,
		Kind:     KindToken,
		Endpoint: in.Endpoints.Token,
		Method:   http.MethodPost,
		Params:   params,
	})
}

// Hybrid is OpenID Connect Core section 3.3: a code plus front channel
// tokens, returned in the fragment by default.
type Hybrid struct {
	ResponseType oauth2.ResponseType
	PKCE         bool
}

func (Hybrid) Grant() oauth2.GrantType { return oauth2.HybridGrant }

func (b Hybrid) responseType() (oauth2.ResponseType, error) {
	switch b.ResponseType {
	case "":
		return oauth2.CodeIDTokenResponseType, nil
	case oauth2.CodeIDTokenResponseType, oauth2.CodeTokenResponseType, oauth2.CodeIDTokenTokenResponseType:
		return b.ResponseType, nil
	}
	return "", &flowerrors.ParameterError{
		Grant:    oauth2.HybridGrant.Slug(),
		Request:  string(KindAuthorization),
		Param:    "response_type",
		Allowed:  []string{string(oauth2.CodeIDTokenResponseType), string(oauth2.CodeTokenResponseType), string(oauth2.CodeIDTokenTokenResponseType)},
		Received: []string{string(b.ResponseType)},
	}
}

func (b Hybrid) AuthorizationRequest(in Input) (*RequestDescriptor, error) {
	rt, err := b.responseType()
	if err != nil {
		return nil, err
	}
	if in.Artifacts.Nonce == "" {
		return nil, &flowerrors.ValidationError{Fields: []string{"Nonce"}}
	}
	params, err := AuthorizationCode{PKCE: b.PKCE}.authorizationParams(oauth2.HybridGrant, rt, in)
	if err != nil {
		return nil, err
	}
	if err := requireEndpoint(in.Endpoints.Authorization, "authorization"); err != nil {
		return nil, err
	}
	return finalize(&RequestDescriptor{
		Grant:        oauth2.HybridGrant,
		Kind:         KindAuthorization,
		Endpoint:     in.Endpoints.Authorization,
		Method:       http.MethodGet,
		Params:       params,
		BrowserBound: true,
	})
}

func (b Hybrid) TokenRequest(in Input) (*RequestDescriptor, error) {
	return AuthorizationCode{PKCE: b.PKCE}.codeTokenRequest(oauth2.HybridGrant, in)
}

// PushedAuthorization is RFC 9126: the authorization parameters are posted
// to the PAR endpoint first and the redirect only carries the request_uri.
// PKCE is always on.
type PushedAuthorization struct{}

func (PushedAuthorization) Grant() oauth2.GrantType { return oauth2.PushedAuthorizationGrant }

func (PushedAuthorization) PushRequest(in Input) (*RequestDescriptor, error) {
	params, err := AuthorizationCode{PKCE: true}.authorizationParams(oauth2.PushedAuthorizationGrant, oauth2.CodeResponseType, in)
	if err != nil {
		return nil, err
	}
	if err := requireEndpoint(in.Endpoints.PushedAuthorization, "pushed authorization"); err != nil {
		return nil, err
	}
	return finalize(&RequestDescriptor{
		Grant:    oauth2.PushedAuthorizationGrant,
		Kind:     KindPushedAuthorization,
		Endpoint: in.Endpoints.PushedAuthorization,
		Method:   http.MethodPost,
		Params:   params,
	})
}

func (PushedAuthorization) AuthorizationRequest(in Input) (*RequestDescriptor, error) {
	if in.Artifacts.RequestURI == "" {
		return nil, &flowerrors.ValidationError{Fields: []string{"Request URI"}}
	}
	if err := requireEndpoint(in.Endpoints.Authorization, "authorization"); err != nil {
		return nil, err
	}
	if err := applyExtras(oauth2.PushedAuthorizationGrant, KindAuthorization, url.Values{}, in.Extra); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("client_id", in.Credentials.ClientID)
	params.Set("request_uri", in.Artifacts.RequestURI)
	return finalize(&RequestDescriptor{
		Grant:        oauth2.PushedAuthorizationGrant,
		Kind:         KindAuthorization,
		Endpoint:     in.Endpoints.Authorization,
		Method:       http.MethodGet,
		Params:       params,
		BrowserBound: true,
	})
}

func (PushedAuthorization) TokenRequest(in Input) (*RequestDescriptor, error) {
	return AuthorizationCode{PKCE: true}.codeTokenRequest(oauth2.PushedAuthorizationGrant, in)
}
