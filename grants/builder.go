// Package grants builds the protocol requests of every supported grant. Each
// grant is its own Builder with its own parameter allow-list, so parameters
// of one grant can never leak into another's request.
package grants

import (
	"errors"
	"net/url"
	"sort"

	"github.com/jrsteele09/go-oauth-flows/artifacts"
	"github.com/jrsteele09/go-oauth-flows/credentials"
	"github.com/jrsteele09/go-oauth-flows/flowerrors"
	interrors "github.com/jrsteele09/go-oauth-flows/internal/errors"
	"github.com/jrsteele09/go-oauth-flows/internal/utils"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNoTokenEndpoint is returned by grants that never call the token endpoint.
	ErrNoTokenEndpoint = errors.New("grant has no token endpoint request")
	// ErrNoAuthorizationEndpoint is returned by grants that start at the token endpoint.
	ErrNoAuthorizationEndpoint = errors.New("grant has no authorization request")
)

// Endpoints of the authorization server.
type Endpoints struct {
	Issuer              string `json:"issuer,omitempty"`
	Authorization       string `json:"authorization_endpoint,omitempty"`
	Token               string `json:"token_endpoint,omitempty"`
	DeviceAuthorization string `json:"device_authorization_endpoint,omitempty"`
	PushedAuthorization string `json:"pushed_authorization_request_endpoint,omitempty"`
	Backchannel         string `json:"backchannel_authentication_endpoint,omitempty"`
	JWKS                string `json:"jwks_uri,omitempty"`
}

// Ephemeral holds the per-attempt values produced while a flow runs.
type Ephemeral struct {
	PKCE         *artifacts.PKCE `json:"pkce,omitempty"`
	State        string          `json:"state,omitempty"`
	Nonce        string          `json:"nonce,omitempty"`
	Code         string          `json:"code,omitempty"`
	DeviceCode   string          `json:"device_code,omitempty"`
	AuthReqID    string          `json:"auth_req_id,omitempty"`
	RequestURI   string          `json:"request_uri,omitempty"`
	Assertion    string          `json:"assertion,omitempty"`
	RefreshToken string          `json:"refresh_token,omitempty"`
}

// Input is everything a builder may read. Extra carries caller-supplied
// optional parameters and is checked against the builder's allow-list.
type Input struct {
	Credentials credentials.CredentialSet
	Endpoints   Endpoints
	Artifacts   Ephemeral
	Extra       url.Values
}

// Builder is implemented by every grant variant. AuthorizationRequest is the
// first request of the grant: a browser redirect, a device authorization or a
// backchannel authentication request.
type Builder interface {
	Grant() oauth2.GrantType
	AuthorizationRequest(in Input) (*RequestDescriptor, error)
	TokenRequest(in Input) (*RequestDescriptor, error)
}

// Pusher is implemented by grants that pre-register authorization parameters.
type Pusher interface {
	PushRequest(in Input) (*RequestDescriptor, error)
}

// For returns the default builder of a grant.
func For(grant oauth2.GrantType) (Builder, error) {
	return ForVariant(grant, "")
}

// ForVariant selects a builder configuration by flow variant name.
func ForVariant(grant oauth2.GrantType, variant string) (Builder, error) {
	switch grant {
	case oauth2.AuthorizationCodeGrant:
		return AuthorizationCode{PKCE: variant != "plain"}, nil
	case oauth2.ImplicitGrant:
		switch variant {
		case "oidc":
			return Implicit{ResponseType: oauth2.IDTokenTokenResponseType}, nil
		case "id_token":
			return Implicit{ResponseType: oauth2.IDTokenResponseType}, nil
		}
		return Implicit{ResponseType: oauth2.TokenResponseType}, nil
	case oauth2.HybridGrant:
		switch variant {
		case "code_token":
			return Hybrid{ResponseType: oauth2.CodeTokenResponseType, PKCE: true}, nil
		case "code_id_token_token":
			return Hybrid{ResponseType: oauth2.CodeIDTokenTokenResponseType, PKCE: true}, nil
		}
		return Hybrid{ResponseType: oauth2.CodeIDTokenResponseType, PKCE: true}, nil
	case oauth2.PushedAuthorizationGrant:
		return PushedAuthorization{}, nil
	case oauth2.DeviceCodeGrant:
		return DeviceAuthorization{}, nil
	case oauth2.CIBAGrant:
		return Backchannel{}, nil
	case oauth2.ClientCredentialsGrant:
		return ClientCredentials{}, nil
	case oauth2.JWTBearerGrant:
		return AssertionBearer{Kind: JWTAssertionKind}, nil
	case oauth2.SAML2BearerGrant:
		return AssertionBearer{Kind: SAML2AssertionKind}, nil
	case oauth2.TokenExchangeGrant:
		return TokenExchange{}, nil
	case oauth2.RefreshTokenGrant:
		return RefreshToken{}, nil
	}
	return nil, interrors.Wrapf(interrors.ErrUnsupportedGrant, "%q", grant)
}

// secretParams may never appear in a browser-bound request. code_verifier is
// only ever sent to the token endpoint.
var secretParams = []string{"client_secret", "client_assertion", "code_verifier"}

// ProxyForbiddenParams may never appear in a payload the calling context sends
// to the proxy; the proxy adds client authentication itself.
var ProxyForbiddenParams = []string{"client_secret", "client_assertion"}

// applyExtras copies caller parameters after checking the allow-list. Any
// parameter outside it rejects the whole request.
func applyExtras(grant oauth2.GrantType, request Kind, params url.Values, extra url.Values, allowed ...string) error {
	allow := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		allow[a] = struct{}{}
	}
	for _, k := range utils.SortedKeys(extra) {
		if _, ok := allow[k]; !ok {
			return &flowerrors.ParameterError{
				Grant:    grant.Slug(),
				Request:  string(request),
				Param:    k,
				Allowed:  append([]string(nil), allowed...),
				Received: utils.SortedKeys(extra),
			}
		}
	}
	for _, k := range utils.SortedKeys(extra) {
		params.Del(k)
		for _, v := range extra[k] {
			if v != "" {
				params.Add(k, v)
			}
		}
	}
	return nil
}

// finalize runs the leak guard on every descriptor a builder returns.
func finalize(d *RequestDescriptor) (*RequestDescriptor, error) {
	if d.BrowserBound {
		if err := GuardParams(d.Params, string(d.Kind)+" redirect", secretParams...); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// GuardParams rejects a parameter set containing any of the forbidden names.
// The violation is logged at error level; it must never be suppressed.
func GuardParams(params url.Values, request string, forbidden ...string) error {
	for _, name := range forbidden {
		if _, ok := params[name]; ok {
			err := &flowerrors.SecretLeakGuardError{Param: name, Request: request}
			log.Error().Err(err).Str("param", name).Str("request", request).Msg("secret leak guard tripped")
			return err
		}
	}
	return nil
}

func setIfNotEmpty(params url.Values, key, value string) {
	if value != "" {
		params.Set(key, value)
	}
}

func requireEndpoint(endpoint, name string) error {
	if endpoint == "" {
		return interrors.Wrapf(interrors.ErrMissingEndpoint, "%s endpoint", name)
	}
	return nil
}

func sortStrings(s []string) { sort.Strings(s) }
