package grants_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/url"
	"testing"

	"github.com/jrsteele09/go-oauth-flows/artifacts"
	"github.com/jrsteele09/go-oauth-flows/credentials"
	"github.com/jrsteele09/go-oauth-flows/grants"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
	"github.com/stretchr/testify/require"
)

var endpoints = grants.Endpoints{
	Issuer:              "https://as.example.com",
	Authorization:       "https://as.example.com/authorize",
	Token:               "https://as.example.com/token",
	DeviceAuthorization: "https://as.example.com/device_authorization",
	PushedAuthorization: "https://as.example.com/par",
	Backchannel:         "https://as.example.com/bc-authorize",
}

func confidential() credentials.CredentialSet {
	return credentials.CredentialSet{
		Issuer:       "https://as.example.com",
		ClientID:     "web-app",
		ClientSecret: "top-secret-value",
		RedirectURI:  "https://app.example.com/callback",
		Scope:        "openid profile email",
		AuthMethod:   oauth2.ClientSecretBasic,
		LoginHint:    "user@example.com",
	}
}

func input(t *testing.T) grants.Input {
	t.Helper()
	pkce, err := artifacts.GeneratePKCE()
	require.NoError(t, err)
	return grants.Input{
		Credentials: confidential(),
		Endpoints:   endpoints,
		Artifacts: grants.Ephemeral{
			PKCE:  pkce,
			State: "state-value-123",
			Nonce: "nonce-value-456",
		},
	}
}

func keys(v url.Values) []string {
	out := make([]string, 0, len(v))
	for k := range v {
		out = append(out, k)
	}
	return out
}

func rsaKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}
