package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jrsteele09/go-oauth-flows/credentials"
	"github.com/jrsteele09/go-oauth-flows/discovery"
	"github.com/jrsteele09/go-oauth-flows/grants"
	interrors "github.com/jrsteele09/go-oauth-flows/internal/errors"
	"github.com/jrsteele09/go-oauth-flows/internal/utils"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
	"github.com/jrsteele09/go-oauth-flows/token"
	xoauth2 "golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const maxUpstreamBody = 1 << 20

var (
	ErrMissingIDToken = errors.New("id_token missing from token response")
	ErrNonceMismatch  = errors.New("id_token nonce does not match the authorization request")
)

// libraryParams are set by x/oauth2 itself and must not be passed again.
var libraryParams = map[string]struct{}{
	"grant_type": {}, "code": {}, "redirect_uri": {}, "client_id": {}, "client_secret": {}, "scope": {},
}

// exchange calls the token endpoint and relays the answer. Authorization
// code and client credentials exchanges with a shared secret or no client
// authentication go through x/oauth2; everything else is a form POST.
func (s *Server) exchange(ctx context.Context, w http.ResponseWriter, d *grants.RequestDescriptor, creds credentials.CredentialSet, provider *discovery.Provider, nonce string) {
	var (
		status      int
		body        []byte
		contentType string
		err         error
	)
	if style, ok := libraryAuthStyle(d, creds); ok {
		status, body, err = s.exchangeWithLibrary(ctx, d, creds, style)
	} else {
		status, body, contentType, err = s.post(ctx, d, creds)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("request_id", requestID(ctx)).Msg("token endpoint call failed")
		http.Error(w, "authorization server unavailable", http.StatusBadGateway)
		return
	}
	if status >= 200 && status < 300 {
		if err := s.verifyIDToken(ctx, body, creds.ClientID, provider, nonce); err != nil {
			s.logger.Warn().Err(err).Str("request_id", requestID(ctx)).Msg("id_token rejected")
			writeJSONError(w, "invalid_token", err.Error(), http.StatusBadGateway)
			return
		}
	}
	relay(w, status, body, contentType)
}

func libraryAuthStyle(d *grants.RequestDescriptor, creds credentials.CredentialSet) (xoauth2.AuthStyle, bool) {
	switch d.Params.Get("grant_type") {
	case string(oauth2.AuthorizationCodeGrant), string(oauth2.ClientCredentialsGrant):
	default:
		return 0, false
	}
	switch creds.AuthMethod {
	case oauth2.ClientSecretBasic:
		return xoauth2.AuthStyleInHeader, true
	case oauth2.ClientSecretPost, oauth2.AuthMethodNone:
		return xoauth2.AuthStyleInParams, true
	}
	return 0, false
}

func (s *Server) exchangeWithLibrary(ctx context.Context, d *grants.RequestDescriptor, creds credentials.CredentialSet, style xoauth2.AuthStyle) (int, []byte, error) {
	ctx = context.WithValue(ctx, xoauth2.HTTPClient, s.httpClient)
	secret := creds.ClientSecret
	if creds.AuthMethod == oauth2.AuthMethodNone {
		secret = ""
	}

	var (
		tok *xoauth2.Token
		err error
	)
	switch d.Params.Get("grant_type") {
	case string(oauth2.ClientCredentialsGrant):
		cfg := clientcredentials.Config{
			ClientID:       creds.ClientID,
			ClientSecret:   secret,
			TokenURL:       d.Endpoint,
			Scopes:         strings.Fields(d.Params.Get("scope")),
			EndpointParams: extraParams(d),
			AuthStyle:      style,
		}
		tok, err = cfg.Token(ctx)
	default:
		cfg := xoauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: secret,
			RedirectURL:  d.Params.Get("redirect_uri"),
			Endpoint:     xoauth2.Endpoint{TokenURL: d.Endpoint, AuthStyle: style},
		}
		var opts []xoauth2.AuthCodeOption
		extra := extraParams(d)
		for _, k := range utils.SortedKeys(extra) {
			opts = append(opts, xoauth2.SetAuthURLParam(k, extra.Get(k)))
		}
		tok, err = cfg.Exchange(ctx, d.Params.Get("code"), opts...)
	}

	var re *xoauth2.RetrieveError
	if interrors.As(err, &re) && re.Response != nil {
		return re.Response.StatusCode, re.Body, nil
	}
	if err != nil {
		return 0, nil, err
	}
	body, err := json.Marshal(tokenResponseFrom(tok))
	return http.StatusOK, body, err
}

func extraParams(d *grants.RequestDescriptor) url.Values {
	extra := url.Values{}
	for k, v := range d.Params {
		if _, skip := libraryParams[k]; !skip {
			extra[k] = v
		}
	}
	return extra
}

// tokenResponseFrom restores the wire fields x/oauth2 keeps in Extra.
func tokenResponseFrom(tok *xoauth2.Token) oauth2.TokenResponse {
	resp := oauth2.TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    tok.ExpiresIn,
	}
	if v, ok := tok.Extra("expires_in").(float64); ok {
		resp.ExpiresIn = int64(v)
	}
	if resp.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		resp.ExpiresIn = int64(time.Until(tok.Expiry).Round(time.Second).Seconds())
	}
	resp.IDToken, _ = tok.Extra("id_token").(string)
	resp.Scope, _ = tok.Extra("scope").(string)
	resp.IssuedTokenType, _ = tok.Extra("issued_token_type").(string)
	if v, ok := tok.Extra("refresh_expires_in").(float64); ok {
		resp.RefreshExpiresIn = int64(v)
	}
	return resp
}

// post authenticates the client and sends the descriptor as a form.
func (s *Server) post(ctx context.Context, d *grants.RequestDescriptor, creds credentials.CredentialSet) (int, []byte, string, error) {
	header, err := s.auth.Apply(d, creds)
	if err != nil {
		return 0, nil, "", err
	}
	req, err := d.NewHTTPRequest(header)
	if err != nil {
		return 0, nil, "", err
	}
	resp, err := s.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return 0, nil, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return 0, nil, "", err
	}
	return resp.StatusCode, body, resp.Header.Get("Content-Type"), nil
}

// verifyIDToken checks the signature of a returned id_token when the
// provider was discovered, and its nonce whenever one is expected.
func (s *Server) verifyIDToken(ctx context.Context, body []byte, clientID string, provider *discovery.Provider, nonce string) error {
	var tr oauth2.TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return err
	}
	if tr.IDToken == "" {
		if nonce != "" {
			return ErrMissingIDToken
		}
		return nil
	}
	if verifier := provider.Verifier(clientID); verifier != nil {
		idToken, err := verifier.Verify(oidc.ClientContext(ctx, s.httpClient), tr.IDToken)
		if err != nil {
			return err
		}
		if nonce != "" && idToken.Nonce != nonce {
			return ErrNonceMismatch
		}
		return nil
	}
	if nonce == "" {
		return nil
	}
	claims, err := token.DecodeClaims(tr.IDToken)
	if err != nil {
		return err
	}
	if claims.Nonce != nonce {
		return ErrNonceMismatch
	}
	return nil
}
