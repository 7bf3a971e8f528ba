// Package discovery resolves the endpoints of an authorization server,
// either from static configuration or from its OpenID Connect discovery
// document.
package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jrsteele09/go-oauth-flows/grants"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultEnvironmentIssuer turns a bare environment id into an issuer URL.
const DefaultEnvironmentIssuer = "https://auth.pingone.com/%s/as"

var ErrNoIssuer = errors.New("issuer is required")

// Provider is a resolved authorization server. OIDC is nil for statically
// configured servers.
type Provider struct {
	Endpoints grants.Endpoints
	OIDC      *oidc.Provider
}

// Verifier returns an ID token verifier for the client, or nil when the
// provider was not discovered.
func (p *Provider) Verifier(clientID string) *oidc.IDTokenVerifier {
	if p.OIDC == nil {
		return nil
	}
	return p.OIDC.Verifier(&oidc.Config{ClientID: clientID})
}

// extraClaims are the discovery metadata go-oidc does not surface.
type extraClaims struct {
	PushedAuthorization string `json:"pushed_authorization_request_endpoint"`
	Backchannel         string `json:"backchannel_authentication_endpoint"`
	DeviceAuthorization string `json:"device_authorization_endpoint"`
	JWKS                string `json:"jwks_uri"`
}

type Resolver struct {
	mu          sync.RWMutex
	cache       map[string]*Provider
	static      map[string]grants.Endpoints
	httpClient  *http.Client
	environment string
	logger      zerolog.Logger
}

type Option func(*Resolver)

// WithStatic registers endpoints that are used instead of discovery.
func WithStatic(issuer string, eps grants.Endpoints) Option {
	return func(r *Resolver) {
		eps.Issuer = issuer
		r.static[strings.TrimRight(issuer, "/")] = eps
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) {
		r.httpClient = c
	}
}

// WithEnvironmentIssuer sets the fmt template used for environment ids.
func WithEnvironmentIssuer(template string) Option {
	return func(r *Resolver) {
		r.environment = template
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

func NewResolver(options ...Option) *Resolver {
	r := &Resolver{
		cache:       make(map[string]*Provider),
		static:      make(map[string]grants.Endpoints),
		environment: DefaultEnvironmentIssuer,
		logger:      log.Logger,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// IssuerURL normalises an issuer value, expanding environment ids.
func (r *Resolver) IssuerURL(issuer string) (string, error) {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return "", ErrNoIssuer
	}
	if u, err := url.Parse(issuer); err == nil && u.Scheme != "" && u.Host != "" {
		return strings.TrimRight(issuer, "/"), nil
	}
	return fmt.Sprintf(r.environment, issuer), nil
}

// Resolve returns the provider of an issuer, discovering it on first use.
// Successful discoveries are cached; failures are not.
func (r *Resolver) Resolve(ctx context.Context, issuer string) (*Provider, error) {
	issuerURL, err := r.IssuerURL(issuer)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	p, ok := r.cache[issuerURL]
	static, isStatic := r.static[issuerURL]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}
	if isStatic {
		return &Provider{Endpoints: static}, nil
	}

	if r.httpClient != nil {
		ctx = oidc.ClientContext(ctx, r.httpClient)
	}
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, errors.Wrapf(err, "[Resolver.Resolve] discovery failed for %s", issuerURL)
	}
	var extra extraClaims
	if err := provider.Claims(&extra); err != nil {
		return nil, errors.Wrap(err, "[Resolver.Resolve] failed to read discovery metadata")
	}
	endpoint := provider.Endpoint()
	p = &Provider{
		OIDC: provider,
		Endpoints: grants.Endpoints{
			Issuer:              issuerURL,
			Authorization:       endpoint.AuthURL,
			Token:               endpoint.TokenURL,
			DeviceAuthorization: firstNonEmpty(endpoint.DeviceAuthURL, extra.DeviceAuthorization),
			PushedAuthorization: extra.PushedAuthorization,
			Backchannel:         extra.Backchannel,
			JWKS:                extra.JWKS,
		},
	}
	r.logger.Info().Str("issuer", issuerURL).Msg("discovered authorization server")

	r.mu.Lock()
	r.cache[issuerURL] = p
	r.mu.Unlock()
	return p, nil
}

// Endpoints is Resolve without the OIDC provider.
func (r *Resolver) Endpoints(ctx context.Context, issuer string) (grants.Endpoints, error) {
	p, err := r.Resolve(ctx, issuer)
	if err != nil {
		return grants.Endpoints{}, err
	}
	return p.Endpoints, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
