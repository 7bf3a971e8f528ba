package oauth2

import "strings"

// GrantType identifies a flow. For grants that reach the token endpoint the
// value is the exact `grant_type` parameter sent there.
type GrantType string

const (
	// AuthorizationCodeGrant exchanges an authorization code for tokens.
	// Token request: grant_type, code, redirect_uri, client_id (+ code_verifier with PKCE).
	AuthorizationCodeGrant GrantType = "authorization_code"

	// ImplicitGrant returns tokens directly in the redirect fragment.
	// There is no token endpoint call for this grant.
	ImplicitGrant GrantType = "implicit"

	// HybridGrant returns a code plus an id_token and/or access_token from the
	// authorization endpoint. The code is then exchanged like AuthorizationCodeGrant.
	HybridGrant GrantType = "hybrid"

	// ClientCredentialsGrant authenticates the client itself, no user involved.
	ClientCredentialsGrant GrantType = "client_credentials"

	// RefreshTokenGrant exchanges a refresh token for a new token set.
	RefreshTokenGrant GrantType = "refresh_token"

	// DeviceCodeGrant is the RFC 8628 polling grant.
	DeviceCodeGrant GrantType = "urn:ietf:params:oauth:grant-type:device_code"

	// CIBAGrant is the OpenID CIBA polling grant.
	CIBAGrant GrantType = "urn:openid:params:grant-type:ciba"

	// JWTBearerGrant is the RFC 7523 assertion grant.
	JWTBearerGrant GrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// SAML2BearerGrant is the RFC 7522 assertion grant.
	SAML2BearerGrant GrantType = "urn:ietf:params:oauth:grant-type:saml2-bearer"

	// TokenExchangeGrant is the RFC 8693 grant.
	TokenExchangeGrant GrantType = "urn:ietf:params:oauth:grant-type:token-exchange"

	// PushedAuthorizationGrant is the authorization code flow started with a
	// RFC 9126 pushed authorization request.
	PushedAuthorizationGrant GrantType = "pushed_authorization"
)

// Slug is a short, key-safe name for the grant.
func (g GrantType) Slug() string {
	switch g {
	case DeviceCodeGrant:
		return "device_code"
	case CIBAGrant:
		return "ciba"
	case JWTBearerGrant:
		return "jwt_bearer"
	case SAML2BearerGrant:
		return "saml2_bearer"
	case TokenExchangeGrant:
		return "token_exchange"
	}
	return strings.ReplaceAll(string(g), ":", "_")
}

// ParseGrantType accepts either the slug or the full grant type value.
func ParseGrantType(s string) (GrantType, bool) {
	for _, g := range AllGrants() {
		if string(g) == s || g.Slug() == s {
			return g, true
		}
	}
	return "", false
}

// AllGrants lists every grant the engine can drive.
func AllGrants() []GrantType {
	return []GrantType{
		AuthorizationCodeGrant,
		ImplicitGrant,
		HybridGrant,
		ClientCredentialsGrant,
		RefreshTokenGrant,
		DeviceCodeGrant,
		CIBAGrant,
		JWTBearerGrant,
		SAML2BearerGrant,
		TokenExchangeGrant,
		PushedAuthorizationGrant,
	}
}

// ResponseType is the authorization endpoint `response_type`.
type ResponseType string

const (
	CodeResponseType             ResponseType = "code"
	TokenResponseType            ResponseType = "token"
	IDTokenResponseType          ResponseType = "id_token"
	IDTokenTokenResponseType     ResponseType = "id_token token"
	CodeIDTokenResponseType      ResponseType = "code id_token"
	CodeTokenResponseType        ResponseType = "code token"
	CodeIDTokenTokenResponseType ResponseType = "code id_token token"
)

// IncludesIDToken reports whether an id_token is requested from the authorization endpoint.
func (r ResponseType) IncludesIDToken() bool {
	for _, part := range strings.Fields(string(r)) {
		if part == "id_token" {
			return true
		}
	}
	return false
}

// ResponseModeType denotes how authorization response parameters are returned.
type ResponseModeType string

const (
	QueryResponseMode    ResponseModeType = "query"
	FragmentResponseMode ResponseModeType = "fragment"
	FormPostResponseMode ResponseModeType = "form_post"
)

// CodeMethodType is the PKCE challenge method. Only S256 is generated.
type CodeMethodType string

const CodeMethodTypeS256 CodeMethodType = "S256"

// AuthMethod is the token endpoint client authentication method.
type AuthMethod string

const (
	// ClientSecretBasic sends the secret in the Authorization header.
	ClientSecretBasic AuthMethod = "client_secret_basic"
	// ClientSecretPost sends the secret in the request body.
	ClientSecretPost AuthMethod = "client_secret_post"
	// ClientSecretJWT sends an HS256 client assertion keyed with the secret.
	ClientSecretJWT AuthMethod = "client_secret_jwt"
	// PrivateKeyJWT sends an RS256 client assertion signed with a private key.
	PrivateKeyJWT AuthMethod = "private_key_jwt"
	// AuthMethodNone is a public client.
	AuthMethodNone AuthMethod = "none"
)

// RequiresSecret reports whether the method needs the shared client secret.
func (m AuthMethod) RequiresSecret() bool {
	switch m {
	case ClientSecretBasic, ClientSecretPost, ClientSecretJWT:
		return true
	}
	return false
}

// Valid reports whether m is a known method.
func (m AuthMethod) Valid() bool {
	switch m {
	case ClientSecretBasic, ClientSecretPost, ClientSecretJWT, PrivateKeyJWT, AuthMethodNone:
		return true
	}
	return false
}

// ClientAssertionType is the client_assertion_type for JWT client authentication.
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Token type identifiers used by token exchange.
const (
	AccessTokenType  = "urn:ietf:params:oauth:token-type:access_token"
	RefreshTokenType = "urn:ietf:params:oauth:token-type:refresh_token"
	IDTokenType      = "urn:ietf:params:oauth:token-type:id_token"
	JWTTokenType     = "urn:ietf:params:oauth:token-type:jwt"
	SAML2TokenType   = "urn:ietf:params:oauth:token-type:saml2"
)
