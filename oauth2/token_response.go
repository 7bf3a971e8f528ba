package oauth2

import "fmt"

// TokenResponse is the token endpoint success body (RFC 6749 section 5.1),
// extended with the fields token exchange and some servers add.
type TokenResponse struct {
	// AccessToken is always present on success.
	AccessToken string `json:"access_token"`

	// TokenType is usually "Bearer".
	TokenType string `json:"token_type,omitempty"`

	// ExpiresIn is the access token lifetime in seconds, relative to receipt.
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// RefreshToken is only issued for some grants and scopes (offline_access).
	RefreshToken string `json:"refresh_token,omitempty"`

	// RefreshExpiresIn is a non-standard refresh token lifetime hint.
	RefreshExpiresIn int64 `json:"refresh_expires_in,omitempty"`

	// IDToken is present when the openid scope was granted.
	IDToken string `json:"id_token,omitempty"`

	// Scope is the granted scope when it differs from the requested one.
	Scope string `json:"scope,omitempty"`

	// IssuedTokenType is returned by token exchange (RFC 8693).
	IssuedTokenType string `json:"issued_token_type,omitempty"`
}

// ErrorResponse is the OAuth error object `{error, error_description}`.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
}

func (e ErrorResponse) String() string {
	if e.ErrorDescription == "" {
		return e.Error
	}
	return fmt.Sprintf("%s: %s", e.Error, e.ErrorDescription)
}

// Error codes the engine reacts to.
const (
	ErrCodeAuthorizationPending = "authorization_pending"
	ErrCodeSlowDown             = "slow_down"
	ErrCodeExpiredToken         = "expired_token"
	ErrCodeAccessDenied         = "access_denied"
	ErrCodeInvalidClient        = "invalid_client"
	ErrCodeInvalidGrant         = "invalid_grant"
	ErrCodeInvalidRequest       = "invalid_request"
	ErrCodeServerError          = "server_error"
)

// DeviceAuthorizationResponse is the RFC 8628 section 3.2 body.
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval,omitempty"`
}

// PushedAuthorizationResponse is the RFC 9126 section 2.2 body.
type PushedAuthorizationResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int64  `json:"expires_in"`
}

// BackchannelAuthenticationResponse is the CIBA authentication request body.
type BackchannelAuthenticationResponse struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int64  `json:"expires_in"`
	Interval  int64  `json:"interval,omitempty"`
}
