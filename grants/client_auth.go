package grants

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"time"

	"github.com/jrsteele09/go-oauth-flows/credentials"
	"github.com/jrsteele09/go-oauth-flows/flowerrors"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
	"github.com/pkg/errors"
)

const ClientAssertionTypeJWT = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// ClientAuthenticator adds client authentication to a request about to be
// sent to the authorization server. It runs only inside the proxy backend,
// the one process that holds client secrets.
type ClientAuthenticator struct {
	Now      func() time.Time
	Lifetime time.Duration
}

// Apply mutates d.Params for body based methods and returns the headers to
// send for header based ones.
func (a ClientAuthenticator) Apply(d *RequestDescriptor, creds credentials.CredentialSet) (http.Header, error) {
	if d.BrowserBound {
		return nil, &flowerrors.SecretLeakGuardError{Param: "client_secret", Request: string(d.Kind) + " redirect"}
	}
	if d.Kind == KindAuthorization {
		return nil, errors.Errorf("[ClientAuthenticator.Apply] %s requests are not authenticated", d.Kind)
	}
	header := http.Header{}
	d.Params.Del("client_secret")
	d.Params.Del("client_assertion")
	d.Params.Del("client_assertion_type")

	switch creds.AuthMethod {
	case oauth2.AuthMethodNone, "":
		d.Params.Set("client_id", creds.ClientID)
		return header, nil

	case oauth2.ClientSecretBasic:
		if creds.ClientSecret == "" {
			return nil, missing("Client Secret")
		}
		// RFC 6749 section 2.3.1: both parts are form encoded before base64.
		pair := url.QueryEscape(creds.ClientID) + ":" + url.QueryEscape(creds.ClientSecret)
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(pair)))
		return header, nil

	case oauth2.ClientSecretPost:
		if creds.ClientSecret == "" {
			return nil, missing("Client Secret")
		}
		d.Params.Set("client_id", creds.ClientID)
		d.Params.Set("client_secret", creds.ClientSecret)
		return header, nil

	case oauth2.ClientSecretJWT:
		if creds.ClientSecret == "" {
			return nil, missing("Client Secret")
		}
		return header, a.assert(d, creds, NewHMACSigner(creds.ClientSecret))

	case oauth2.PrivateKeyJWT:
		if creds.PrivateKeyPEM == "" {
			return nil, missing("Private Key")
		}
		signer, err := NewRSASignerFromPEM(creds.PrivateKeyPEM, "")
		if err != nil {
			return nil, &flowerrors.ValidationError{Fields: []string{"Private Key"}, Details: map[string]string{"Private Key": err.Error()}}
		}
		return header, a.assert(d, creds, signer)
	}
	return nil, &flowerrors.ValidationError{Fields: []string{"Authentication Method"}}
}

func (a ClientAuthenticator) assert(d *RequestDescriptor, creds credentials.CredentialSet, signer Signer) error {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	lifetime := a.Lifetime
	if lifetime <= 0 {
		lifetime = time.Minute
	}
	assertion, err := JWTAssertion(signer, AssertionClaims{
		Issuer:   creds.ClientID,
		Subject:  creds.ClientID,
		Audience: d.Endpoint,
		Lifetime: lifetime,
	}, now())
	if err != nil {
		return err
	}
	d.Params.Set("client_id", creds.ClientID)
	d.Params.Set("client_assertion_type", ClientAssertionTypeJWT)
	d.Params.Set("client_assertion", assertion)
	return nil
}

func missing(label string) error {
	return &flowerrors.ValidationError{Fields: []string{label}}
}
