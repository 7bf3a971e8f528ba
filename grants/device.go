package grants

import (
	"net/http"
	"net/url"

	"github.com/jrsteele09/go-oauth-flows/flowerrors"
	"github.com/jrsteele09/go-oauth-flows/internal/utils"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
)

// DeviceAuthorization is RFC 8628. The device authorization request carries
// client_id and scope and nothing else; in particular no response_type,
// nonce or claims whatever the scope asks for.
type DeviceAuthorization struct{}

func (DeviceAuthorization) Grant() oauth2.GrantType { return oauth2.DeviceCodeGrant }

func (DeviceAuthorization) AuthorizationRequest(in Input) (*RequestDescriptor, error) {
	if err := applyExtras(oauth2.DeviceCodeGrant, KindDeviceAuthorization, url.Values{}, in.Extra); err != nil {
		return nil, err
	}
	if err := requireEndpoint(in.Endpoints.DeviceAuthorization, "device authorization"); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("client_id", in.Credentials.ClientID)
	setIfNotEmpty(params, "scope", in.Credentials.Scope)
	return finalize(&RequestDescriptor{
		Grant:    oauth2.DeviceCodeGrant,
		Kind:     KindDeviceAuthorization,
		Endpoint: in.Endpoints.DeviceAuthorization,
		Method:   http.MethodPost,
		Params:   params,
	})
}

func (DeviceAuthorization) TokenRequest(in Input) (*RequestDescriptor, error) {
	if in.Artifacts.DeviceCode == "" {
		return nil, &flowerrors.ValidationError{Fields: []string{"Device Code"}}
	}
	if err := applyExtras(oauth2.DeviceCodeGrant, KindToken, url.Values{}, in.Extra); err != nil {
		return nil, err
	}
	if err := requireEndpoint(in.Endpoints.Token, "token"); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("grant_type", string(oauth2.DeviceCodeGrant))
	params.Set("device_code", in.Artifacts.DeviceCode)
	params.Set("client_id", in.Credentials.ClientID)
	return finalize(&RequestDescriptor{
		Grant:    oauth2.DeviceCodeGrant,
		Kind:     KindToken,
		Endpoint: in.Endpoints.Token,
		Method:   http.MethodPost,
		Params:   params,
	})
}

// Backchannel is OpenID Connect CIBA in poll mode. The authentication
// request identifies the user with login_hint and requires the openid scope.
type Backchannel struct{}

func (Backchannel) Grant() oauth2.GrantType { return oauth2.CIBAGrant }

func (Backchannel) AuthorizationRequest(in Input) (*RequestDescriptor, error) {
	c := in.Credentials.Public()
	if !utils.ScopeContains(c.Scope, "openid") {
		return nil, &flowerrors.ValidationError{
			Fields:  []string{"Scopes"},
			Details: map[string]string{"Scopes": "backchannel authentication requires the openid scope"},
		}
	}
	params := url.Values{}
	params.Set("scope", c.Scope)
	setIfNotEmpty(params, "login_hint", c.LoginHint)
	if err := applyExtras(oauth2.CIBAGrant, KindBackchannel, params, in.Extra, "login_hint", "binding_message", "acr_values", "requested_expiry", "user_code"); err != nil {
		return nil, err
	}
	if params.Get("login_hint") == "" {
		return nil, &flowerrors.ValidationError{Fields: []string{"Login Hint"}}
	}
	if err := requireEndpoint(in.Endpoints.Backchannel, "backchannel authentication"); err != nil {
		return nil, err
	}
	return finalize(&RequestDescriptor{
		Grant:    oauth2.CIBAGrant,
		Kind:     KindBackchannel,
		Endpoint: in.Endpoints.Backchannel,
		Method:   http.MethodPost,
		Params:   params,
	})
}

func (Backchannel) TokenRequest(in Input) (*RequestDescriptor, error) {
	if in.Artifacts.AuthReqID == "" {
		return nil, &flowerrors.ValidationError{Fields: []string{"Authentication Request ID"}}
	}
	if err := applyExtras(oauth2.CIBAGrant, KindToken, url.Values{}, in.Extra); err != nil {
		return nil, err
	}
	if err := requireEndpoint(in.Endpoints.Token, "token"); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("grant_type", string(oauth2.CIBAGrant))
	params.Set("auth_req_id", in.Artifacts.AuthReqID)
	params.Set("client_id", in.Credentials.ClientID)
	return finalize(&RequestDescriptor{
		Grant:    oauth2.CIBAGrant,
		Kind:     KindToken,
		Endpoint: in.Endpoints.Token,
		Method:   http.MethodPost,
		Params:   params,
	})
}
