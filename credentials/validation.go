package credentials

import (
	"crypto/x509"
	"encoding/pem"
	"net/url"
	"strings"

	"github.com/jrsteele09/go-oauth-flows/flowerrors"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
)

// Requirements says which fields a grant needs before its first request.
// Secret material is always driven by the authentication method.
type Requirements struct {
	RedirectURI bool
	Scope       bool
	LoginHint   bool
	// ClientAuth means the grant calls the token endpoint and therefore
	// needs an authentication method.
	ClientAuth bool
	// ForbidNone rejects public clients (client credentials, CIBA).
	ForbidNone bool
}

// RequirementsFor returns the field requirements of a grant. Scope content is
// never inspected; a grant either needs a scope string or it does not.
func RequirementsFor(grant oauth2.GrantType) Requirements {
	switch grant {
	case oauth2.ImplicitGrant:
		return Requirements{RedirectURI: true, Scope: true}
	case oauth2.AuthorizationCodeGrant, oauth2.HybridGrant, oauth2.PushedAuthorizationGrant:
		return Requirements{RedirectURI: true, Scope: true, ClientAuth: true}
	case oauth2.DeviceCodeGrant:
		return Requirements{Scope: true, ClientAuth: true}
	case oauth2.ClientCredentialsGrant:
		return Requirements{Scope: true, ClientAuth: true, ForbidNone: true}
	case oauth2.CIBAGrant:
		return Requirements{Scope: true, LoginHint: true, ClientAuth: true, ForbidNone: true}
	case oauth2.JWTBearerGrant, oauth2.SAML2BearerGrant:
		return Requirements{Scope: true, ClientAuth: true}
	case oauth2.TokenExchangeGrant, oauth2.RefreshTokenGrant:
		return Requirements{ClientAuth: true}
	}
	return Requirements{RedirectURI: true, Scope: true, ClientAuth: true}
}

// FieldError is one missing or invalid field.
type FieldError struct {
	Field   Field  `json:"field"`
	Label   string `json:"label"`
	Message string `json:"message"`
}

// ValidationResult enumerates every problem found; it is empty when valid.
type ValidationResult struct {
	Errors []FieldError `json:"errors"`
}

func (r ValidationResult) Valid() bool { return len(r.Errors) == 0 }

// Labels lists the labels of the offending fields, in field order, once each.
func (r ValidationResult) Labels() []string {
	out := make([]string, 0, len(r.Errors))
	seen := map[string]bool{}
	for _, e := range r.Errors {
		if !seen[e.Label] {
			seen[e.Label] = true
			out = append(out, e.Label)
		}
	}
	return out
}

// Err converts the result into a ValidationError, or nil when valid.
func (r ValidationResult) Err() error {
	if r.Valid() {
		return nil
	}
	details := make(map[string]string, len(r.Errors))
	for _, e := range r.Errors {
		details[e.Label] = e.Message
	}
	return &flowerrors.ValidationError{Fields: r.Labels(), Details: details}
}

func (r *ValidationResult) add(f Field, msg string) {
	r.Errors = append(r.Errors, FieldError{Field: f, Label: f.Label(), Message: msg})
}

// Validate checks the set against the requirements of a redirect based
// confidential or public client (the authorization code flow).
func Validate(c CredentialSet) ValidationResult {
	return ValidateFor(c, RequirementsFor(oauth2.AuthorizationCodeGrant))
}

// ValidateFor checks each field independently so partial entry yields a
// precise list rather than one generic error.
func ValidateFor(c CredentialSet, req Requirements) ValidationResult {
	var r ValidationResult

	switch issuer := strings.TrimSpace(c.Issuer); {
	case issuer == "":
		r.add(FieldIssuer, "is required")
	case strings.Contains(issuer, "://"):
		if !validURL(issuer) {
			r.add(FieldIssuer, "must be an absolute http(s) URL")
		}
	case strings.ContainsAny(issuer, " \t/"):
		r.add(FieldIssuer, "must be an issuer URL or environment identifier")
	}

	if id := strings.TrimSpace(c.ClientID); id == "" {
		r.add(FieldClientID, "is required")
	} else if strings.ContainsAny(id, " \t\n") {
		r.add(FieldClientID, "must not contain whitespace")
	}

	if req.ClientAuth {
		validateSecrets(&r, c, req)
	}

	if req.RedirectURI {
		if strings.TrimSpace(c.RedirectURI) == "" {
			r.add(FieldRedirectURI, "is required")
		} else if !validURL(c.RedirectURI) {
			r.add(FieldRedirectURI, "must be an absolute http(s) URL")
		}
	}

	if req.Scope && strings.TrimSpace(c.Scope) == "" {
		r.add(FieldScope, "at least one scope is required")
	}

	if req.LoginHint && strings.TrimSpace(c.LoginHint) == "" {
		r.add(FieldLoginHint, "is required")
	}
	return r
}

func validateSecrets(r *ValidationResult, c CredentialSet, req Requirements) {
	switch {
	case c.AuthMethod == "":
		r.add(FieldAuthMethod, "is required")
		return
	case !c.AuthMethod.Valid():
		r.add(FieldAuthMethod, "unsupported method "+string(c.AuthMethod))
		return
	case c.AuthMethod == oauth2.AuthMethodNone && req.ForbidNone:
		r.add(FieldAuthMethod, "this grant requires client authentication")
		return
	}

	if c.AuthMethod.RequiresSecret() && c.ClientSecret == "" {
		r.add(FieldClientSecret, "is required for "+string(c.AuthMethod))
	}
	if c.AuthMethod == oauth2.PrivateKeyJWT {
		if strings.TrimSpace(c.PrivateKeyPEM) == "" {
			r.add(FieldPrivateKey, "is required for private_key_jwt")
		} else if !validPrivateKey(c.PrivateKeyPEM) {
			r.add(FieldPrivateKey, "must be a PEM encoded RSA private key")
		}
	}
}

// IsComplete is the pure predicate form of ValidateFor.
func IsComplete(c CredentialSet, req Requirements) bool {
	return ValidateFor(c, req).Valid()
}

func validURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

func validPrivateKey(pemData string) bool {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return false
	}
	if _, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return true
	}
	_, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	return err == nil
}
