package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jrsteele09/go-oauth-flows/credentials"
	"github.com/jrsteele09/go-oauth-flows/discovery"
	"github.com/jrsteele09/go-oauth-flows/flowerrors"
	"github.com/jrsteele09/go-oauth-flows/grants"
	interrors "github.com/jrsteele09/go-oauth-flows/internal/errors"
	"github.com/jrsteele09/go-oauth-flows/internal/logging"
	"github.com/jrsteele09/go-oauth-flows/proxy"
	"github.com/jrsteele09/go-oauth-flows/server/clientregistry"
)

const (
	contentTypeJSON = "application/json"
	maxPayload      = 1 << 20
)

func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentTypeJSON)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// TokenHandler exchanges a grant at the token endpoint.
func (s *Server) TokenHandler() http.HandlerFunc {
	return s.proxyHandler(grants.KindToken)
}

func (s *Server) DeviceAuthorizationHandler() http.HandlerFunc {
	return s.proxyHandler(grants.KindDeviceAuthorization)
}

func (s *Server) PushedAuthorizationHandler() http.HandlerFunc {
	return s.proxyHandler(grants.KindPushedAuthorization)
}

func (s *Server) BackchannelHandler() http.HandlerFunc {
	return s.proxyHandler(grants.KindBackchannel)
}

func (s *Server) proxyHandler(kind grants.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p proxy.Payload
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayload)).Decode(&p); err != nil {
			writeJSONError(w, "invalid_request", "Failed to parse request body", http.StatusBadRequest)
			return
		}
		ctx := r.Context()
		logger := s.logger.With().
			Str("request_id", requestID(ctx)).
			Str("client_id", p.ClientID).
			Str("grant", p.GrantType.Slug()).
			Str("kind", string(kind)).
			Logger()

		client, creds, provider, err := s.resolveClient(ctx, p)
		if err != nil {
			if interrors.Is(err, errDiscovery) {
				logger.Warn().Err(err).Msg("endpoint resolution failed")
				http.Error(w, "authorization server unavailable", http.StatusBadGateway)
				return
			}
			s.writeError(w, err)
			return
		}

		d, err := grants.Rebuild(kind, p.GrantType, p.Values(), creds, provider.Endpoints)
		if err != nil {
			logger.Info().Err(err).Msg("rejected proxied request")
			s.writeError(w, err)
			return
		}
		if err := client.ValidateScopes(d.Params.Get("scope")); err != nil {
			s.writeError(w, err)
			return
		}
		logger.Debug().Interface("params", logging.MaskParams(d.Params)).Str("endpoint", d.Endpoint).Msg("calling authorization server")

		if kind == grants.KindToken {
			s.exchange(ctx, w, d, creds, provider, p.Nonce)
			return
		}
		status, body, contentType, err := s.post(ctx, d, creds)
		if err != nil {
			logger.Warn().Err(err).Msg("upstream call failed")
			http.Error(w, "authorization server unavailable", http.StatusBadGateway)
			return
		}
		relay(w, status, body, contentType)
	}
}

var errDiscovery = errors.New("endpoint discovery failed")

func (s *Server) resolveClient(ctx context.Context, p proxy.Payload) (*clientregistry.Client, credentials.CredentialSet, *discovery.Provider, error) {
	client, err := s.clients.Get(p.ClientID)
	if err != nil {
		return nil, credentials.CredentialSet{}, nil, err
	}
	if !client.AllowsGrant(p.GrantType) {
		return nil, credentials.CredentialSet{}, nil, interrors.Wrapf(interrors.ErrClientNotAllowed, "%s", p.GrantType.Slug())
	}
	redirect := p.Params.Get("redirect_uri")
	if redirect != "" && !client.AllowsRedirect(redirect) {
		return nil, credentials.CredentialSet{}, nil, interrors.Wrapf(interrors.ErrInvalidRequest, "redirect_uri %q is not registered", redirect)
	}
	creds := client.Credentials(redirect)

	if client.Endpoints.Token != "" {
		return client, creds, &discovery.Provider{Endpoints: client.Endpoints}, nil
	}
	provider, err := s.resolver.Resolve(ctx, client.Issuer)
	if err != nil {
		return nil, credentials.CredentialSet{}, nil, errors.Join(errDiscovery, err)
	}
	return client, creds, provider, nil
}

// writeError maps a local failure to an OAuth error body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusBadRequest, "invalid_request"
	switch {
	case interrors.Is(err, interrors.ErrUnknownClient):
		status, code = http.StatusUnauthorized, "invalid_client"
	case interrors.Is(err, interrors.ErrClientNotAllowed):
		code = "unauthorized_client"
	case interrors.Is(err, clientregistry.ErrInvalidScope):
		code = "invalid_scope"
	case interrors.Is(err, interrors.ErrUnsupportedGrant):
		code = "unsupported_grant_type"
	case interrors.Is(err, flowerrors.ErrPKCEMismatch):
		code = "invalid_grant"
	case interrors.Is(err, flowerrors.ErrSecretLeak),
		interrors.Is(err, flowerrors.ErrParameter),
		interrors.Is(err, flowerrors.ErrValidation),
		interrors.Is(err, interrors.ErrInvalidRequest),
		interrors.Is(err, interrors.ErrMissingEndpoint),
		interrors.Is(err, interrors.ErrUnsupported):
	default:
		s.logger.Error().Err(err).Msg("proxy request failed")
		status, code = http.StatusInternalServerError, "server_error"
		err = interrors.ErrInternal
	}
	writeJSONError(w, code, err.Error(), status)
}

// relay writes an upstream answer verbatim.
func relay(w http.ResponseWriter, status int, body []byte, contentType string) {
	if contentType == "" {
		contentType = contentTypeJSON
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeJSONError writes an OAuth2 error response
func writeJSONError(w http.ResponseWriter, errorCode, description string, statusCode int) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errorCode,
		"error_description": description,
	})
}
