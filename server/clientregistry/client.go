// Package clientregistry holds the OAuth clients the proxy backend may act
// for, with their secrets sealed at rest.
package clientregistry

import (
	"errors"
	"slices"
	"strings"

	"github.com/jrsteele09/go-oauth-flows/credentials"
	"github.com/jrsteele09/go-oauth-flows/grants"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
)

var ErrInvalidScope = errors.New("scope not allowed for client")

type ClientType string

const (
	ClientTypeConfidential ClientType = "confidential" // Can keep secrets (server-side apps)
	ClientTypePublic       ClientType = "public"       // Cannot keep secrets (SPAs, mobile apps)
)

// Client is a registered client. Secret and PrivateKeyPEM are only ever
// populated in memory; the stored form is sealed.
type Client struct {
	ID            string            `json:"id"`
	Type          ClientType        `json:"type"`
	Description   string            `json:"description,omitempty"`
	Issuer        string            `json:"issuer"`
	AuthMethod    oauth2.AuthMethod `json:"auth_method"`
	Secret        string            `json:"secret,omitempty"`
	PrivateKeyPEM string            `json:"private_key_pem,omitempty"`
	RedirectURIs  []string          `json:"redirect_uris,omitempty"`
	// Scopes allowed for this client. Empty allows any scope.
	Scopes []string `json:"scopes,omitempty"`
	// Grants allowed for this client. Empty allows every grant.
	Grants []oauth2.GrantType `json:"grants,omitempty"`
	// Endpoints overrides discovery when Token is set.
	Endpoints grants.Endpoints `json:"endpoints,omitempty"`
}

func (c *Client) IsPublic() bool {
	return c.Type == ClientTypePublic
}

func (c *Client) HasScope(scope string) bool {
	return len(c.Scopes) == 0 || slices.Contains(c.Scopes, scope)
}

// ValidateScopes checks that every requested scope is allowed.
func (c *Client) ValidateScopes(requested string) error {
	for _, scope := range strings.Fields(requested) {
		if !c.HasScope(scope) {
			return ErrInvalidScope
		}
	}
	return nil
}

func (c *Client) AllowsGrant(g oauth2.GrantType) bool {
	return len(c.Grants) == 0 || slices.Contains(c.Grants, g)
}

func (c *Client) AllowsRedirect(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// Credentials is the credential set the backend authenticates with. The
// redirect URI must be one of the registered ones.
func (c *Client) Credentials(redirectURI string) credentials.CredentialSet {
	method := c.AuthMethod
	if method == "" {
		method = oauth2.ClientSecretBasic
		if c.IsPublic() {
			method = oauth2.AuthMethodNone
		}
	}
	if redirectURI == "" && len(c.RedirectURIs) > 0 {
		redirectURI = c.RedirectURIs[0]
	}
	return credentials.CredentialSet{
		Issuer:        c.Issuer,
		ClientID:      c.ID,
		ClientSecret:  c.Secret,
		RedirectURI:   redirectURI,
		Scope:         strings.Join(c.Scopes, " "),
		AuthMethod:    method,
		PrivateKeyPEM: c.PrivateKeyPEM,
	}
}
