package grants

import (
	"net/http"
	"net/url"

	"github.com/jrsteele09/go-oauth-flows/flowerrors"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
)

// Implicit returns tokens in the redirect fragment. It has no token request
// and therefore no client authentication.
type Implicit struct {
	ResponseType oauth2.ResponseType
}

func (Implicit) Grant() oauth2.GrantType { return oauth2.ImplicitGrant }

func (b Implicit) AuthorizationRequest(in Input) (*RequestDescriptor, error) {
	rt := b.ResponseType
	switch rt {
	case "":
		rt = oauth2.TokenResponseType
	case oauth2.TokenResponseType, oauth2.IDTokenResponseType, oauth2.IDTokenTokenResponseType:
	default:
		return nil, &flowerrors.ParameterError{
			Grant:    oauth2.ImplicitGrant.Slug(),
			Request:  string(KindAuthorization),
			Param:    "response_type",
			Allowed:  []string{string(oauth2.TokenResponseType), string(oauth2.IDTokenResponseType), string(oauth2.IDTokenTokenResponseType)},
			Received: []string{string(rt)},
		}
	}
	if in.Artifacts.State == "" {
		return nil, ErrMissingState
	}
	if rt.IncludesIDToken() && in.Artifacts.Nonce == "" {
		return nil, &flowerrors.ValidationError{Fields: []string{"Nonce"}}
	}
	if err := requireEndpoint(in.Endpoints.Authorization, "authorization"); err != nil {
		return nil, err
	}

	c := in.Credentials.Public()
	params := url.Values{}
	params.Set("response_type", string(rt))
	params.Set("client_id", c.ClientID)
	params.Set("redirect_uri", c.RedirectURI)
	setIfNotEmpty(params, "scope", c.Scope)
	params.Set("state", in.Artifacts.State)
	if rt.IncludesIDToken() {
		params.Set("nonce", in.Artifacts.Nonce)
	}
	if err := applyExtras(oauth2.ImplicitGrant, KindAuthorization, params, in.Extra, "prompt", "login_hint", "max_age", "acr_values", "ui_locales", "response_mode"); err != nil {
		return nil, err
	}
	return finalize(&RequestDescriptor{
		Grant:        oauth2.ImplicitGrant,
		Kind:         KindAuthorization,
		Endpoint:     in.Endpoints.Authorization,
		Method:       http.MethodGet,
		Params:       params,
		BrowserBound: true,
	})
}

// TokenRequest always fails: the implicit grant never reaches the token endpoint.
func (Implicit) TokenRequest(Input) (*RequestDescriptor, error) {
	return nil, ErrNoTokenEndpoint
}
