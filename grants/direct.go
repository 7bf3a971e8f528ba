package grants

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"github.com/jrsteele09/go-oauth-flows/flowerrors"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
)

// ClientCredentials is RFC 6749 section 4.4. The client must authenticate,
// so method none is refused.
type ClientCredentials struct{}

func (ClientCredentials) Grant() oauth2.GrantType { return oauth2.ClientCredentialsGrant }

func (ClientCredentials) AuthorizationRequest(Input) (*RequestDescriptor, error) {
	return nil, ErrNoAuthorizationEndpoint
}

func (ClientCredentials) TokenRequest(in Input) (*RequestDescriptor, error) {
	if in.Credentials.AuthMethod == oauth2.AuthMethodNone || in.Credentials.AuthMethod == "" {
		return nil, &flowerrors.ValidationError{
			Fields:  []string{"Authentication Method"},
			Details: map[string]string{"Authentication Method": "client credentials requires client authentication"},
		}
	}
	if err := requireEndpoint(in.Endpoints.Token, "token"); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("grant_type", string(oauth2.ClientCredentialsGrant))
	setIfNotEmpty(params, "scope", in.Credentials.Scope)
	if err := applyExtras(oauth2.ClientCredentialsGrant, KindToken, params, in.Extra, "resource", "audience"); err != nil {
		return nil, err
	}
	return finalize(&RequestDescriptor{
		Grant:    oauth2.ClientCredentialsGrant,
		Kind:     KindToken,
		Endpoint: in.Endpoints.Token,
		Method:   http.MethodPost,
		Params:   params,
	})
}

type AssertionKind string

const (
	JWTAssertionKind   AssertionKind = "jwt"
	SAML2AssertionKind AssertionKind = "saml2"
)

// AssertionBearer is RFC 7523 (JWT) or RFC 7522 (SAML 2.0). There is no
// authorization step; the assertion itself is the grant.
type AssertionBearer struct {
	Kind AssertionKind
}

func (b AssertionBearer) Grant() oauth2.GrantType {
	if b.Kind == SAML2AssertionKind {
		return oauth2.SAML2BearerGrant
	}
	return oauth2.JWTBearerGrant
}

func (AssertionBearer) AuthorizationRequest(Input) (*RequestDescriptor, error) {
	return nil, ErrNoAuthorizationEndpoint
}

func (b AssertionBearer) TokenRequest(in Input) (*RequestDescriptor, error) {
	assertion := strings.TrimSpace(in.Artifacts.Assertion)
	if assertion == "" {
		return nil, &flowerrors.ValidationError{Fields: []string{"Assertion"}}
	}
	switch b.Kind {
	case SAML2AssertionKind:
		if _, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(assertion, "=")); err != nil {
			return nil, &flowerrors.ValidationError{
				Fields:  []string{"Assertion"},
				Details: map[string]string{"Assertion": "SAML assertion must be base64url encoded"},
			}
		}
	default:
		if strings.Count(assertion, ".") != 2 {
			return nil, &flowerrors.ValidationError{
				Fields:  []string{"Assertion"},
				Details: map[string]string{"Assertion": "JWT assertion must be a compact serialized JWT"},
			}
		}
	}
	if err := requireEndpoint(in.Endpoints.Token, "token"); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("grant_type", string(b.Grant()))
	params.Set("assertion", assertion)
	setIfNotEmpty(params, "scope", in.Credentials.Scope)
	if err := applyExtras(b.Grant(), KindToken, params, in.Extra); err != nil {
		return nil, err
	}
	return finalize(&RequestDescriptor{
		Grant:    b.Grant(),
		Kind:     KindToken,
		Endpoint: in.Endpoints.Token,
		Method:   http.MethodPost,
		Params:   params,
	})
}

// TokenExchange is RFC 8693. subject_token and subject_token_type arrive as
// caller parameters; actor_token_type is required when an actor_token is given.
type TokenExchange struct{}

func (TokenExchange) Grant() oauth2.GrantType { return oauth2.TokenExchangeGrant }

func (TokenExchange) AuthorizationRequest(Input) (*RequestDescriptor, error) {
	return nil, ErrNoAuthorizationEndpoint
}

func (TokenExchange) TokenRequest(in Input) (*RequestDescriptor, error) {
	params := url.Values{}
	params.Set("grant_type", string(oauth2.TokenExchangeGrant))
	setIfNotEmpty(params, "scope", in.Credentials.Scope)
	if err := applyExtras(oauth2.TokenExchangeGrant, KindToken, params, in.Extra,
		"subject_token", "subject_token_type", "actor_token", "actor_token_type",
		"audience", "resource", "requested_token_type", "scope"); err != nil {
		return nil, err
	}

	var missing []string
	if params.Get("subject_token") == "" {
		missing = append(missing, "Subject Token")
	}
	if params.Get("subject_token_type") == "" {
		missing = append(missing, "Subject Token Type")
	}
	if params.Get("actor_token") != "" && params.Get("actor_token_type") == "" {
		missing = append(missing, "Actor Token Type")
	}
	if len(missing) > 0 {
		return nil, &flowerrors.ValidationError{Fields: missing}
	}
	if err := requireEndpoint(in.Endpoints.Token, "token"); err != nil {
		return nil, err
	}
	return finalize(&RequestDescriptor{
		Grant:    oauth2.TokenExchangeGrant,
		Kind:     KindToken,
		Endpoint: in.Endpoints.Token,
		Method:   http.MethodPost,
		Params:   params,
	})
}

// RefreshToken is RFC 6749 section 6. Refresh is always caller initiated.
type RefreshToken struct{}

func (RefreshToken) Grant() oauth2.GrantType { return oauth2.RefreshTokenGrant }

func (RefreshToken) AuthorizationRequest(Input) (*RequestDescriptor, error) {
	return nil, ErrNoAuthorizationEndpoint
}

func (RefreshToken) TokenRequest(in Input) (*RequestDescriptor, error) {
	if in.Artifacts.RefreshToken == "" {
		return nil, &flowerrors.ValidationError{Fields: []string{"Refresh Token"}}
	}
	if err := requireEndpoint(in.Endpoints.Token, "token"); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("grant_type", string(oauth2.RefreshTokenGrant))
	params.Set("refresh_token", in.Artifacts.RefreshToken)
	params.Set("client_id", in.Credentials.ClientID)
	if err := applyExtras(oauth2.RefreshTokenGrant, KindToken, params, in.Extra, "scope"); err != nil {
		return nil, err
	}
	return finalize(&RequestDescriptor{
		Grant:    oauth2.RefreshTokenGrant,
		Kind:     KindToken,
		Endpoint: in.Endpoints.Token,
		Method:   http.MethodPost,
		Params:   params,
	})
}
