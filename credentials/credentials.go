// Package credentials holds the client configuration a flow runs with and
// the rules deciding when it is complete enough to start a grant.
package credentials

import (
	"github.com/jrsteele09/go-oauth-flows/internal/logging"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
)

// CredentialSet is the client configuration entered by the operator.
// ClientSecret and PrivateKeyPEM are only present for confidential clients
// and are never sent by the engine; the proxy backend holds its own copy.
type CredentialSet struct {
	Issuer        string            `json:"issuer"`
	ClientID      string            `json:"client_id"`
	ClientSecret  string            `json:"client_secret,omitempty"`
	RedirectURI   string            `json:"redirect_uri,omitempty"`
	Scope         string            `json:"scope,omitempty"`
	AuthMethod    oauth2.AuthMethod `json:"auth_method,omitempty"`
	LoginHint     string            `json:"login_hint,omitempty"`
	PrivateKeyPEM string            `json:"private_key_pem,omitempty"`
}

// Field names a CredentialSet attribute for the mutation API.
type Field string

const (
	FieldIssuer       Field = "issuer"
	FieldClientID     Field = "client_id"
	FieldClientSecret Field = "client_secret"
	FieldRedirectURI  Field = "redirect_uri"
	FieldScope        Field = "scope"
	FieldAuthMethod   Field = "auth_method"
	FieldLoginHint    Field = "login_hint"
	FieldPrivateKey   Field = "private_key_pem"
)

var labels = map[Field]string{
	FieldIssuer:       "Environment ID",
	FieldClientID:     "Client ID",
	FieldClientSecret: "Client Secret",
	FieldRedirectURI:  "Redirect URI",
	FieldScope:        "Scopes",
	FieldAuthMethod:   "Authentication Method",
	FieldLoginHint:    "Login Hint",
	FieldPrivateKey:   "Private Key",
}

// Label is the human readable name shown next to a field error.
func (f Field) Label() string {
	if l, ok := labels[f]; ok {
		return l
	}
	return string(f)
}

// Fields lists every editable field in display order.
func Fields() []Field {
	return []Field{FieldIssuer, FieldClientID, FieldClientSecret, FieldRedirectURI, FieldScope, FieldAuthMethod, FieldLoginHint, FieldPrivateKey}
}

// IsConfidential reports whether the client authenticates at the token endpoint.
func (c CredentialSet) IsConfidential() bool {
	return c.AuthMethod != "" && c.AuthMethod != oauth2.AuthMethodNone
}

// Public returns a copy with the secret material removed. This is the only
// form handed to builders and the proxy client.
func (c CredentialSet) Public() CredentialSet {
	c.ClientSecret = ""
	c.PrivateKeyPEM = ""
	return c
}

// Redacted returns a copy safe to log.
func (c CredentialSet) Redacted() CredentialSet {
	if c.ClientSecret != "" {
		c.ClientSecret = logging.Mask(c.ClientSecret)
	}
	if c.PrivateKeyPEM != "" {
		c.PrivateKeyPEM = "***"
	}
	return c
}

func (c *CredentialSet) set(f Field, value string) bool {
	switch f {
	case FieldIssuer:
		c.Issuer = value
	case FieldClientID:
		c.ClientID = value
	case FieldClientSecret:
		c.ClientSecret = value
	case FieldRedirectURI:
		c.RedirectURI = value
	case FieldScope:
		c.Scope = value
	case FieldAuthMethod:
		c.AuthMethod = oauth2.AuthMethod(value)
	case FieldLoginHint:
		c.LoginHint = value
	case FieldPrivateKey:
		c.PrivateKeyPEM = value
	default:
		return false
	}
	return true
}
