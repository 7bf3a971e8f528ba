// Package proxy is the calling context's side of the token exchange proxy.
// Every request that needs client authentication goes through the backend,
// which is the only process holding client secrets.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-oauth-flows/flowerrors"
	"github.com/jrsteele09/go-oauth-flows/grants"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTimeout  = 20 * time.Second
	RequestIDHeader = "X-Request-ID"
	maxBody         = 1 << 20
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	logger     zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.HTTPClient = c
	}
}

// WithTimeout bounds every call, including reading the response.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		cl.HTTPClient = &http.Client{Timeout: d}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) {
		cl.logger = l
	}
}

func NewClient(baseURL string, options ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
		logger:     log.Logger,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Exchange calls the token endpoint through the backend.
func (c *Client) Exchange(ctx context.Context, p Payload) (*oauth2.TokenResponse, error) {
	var out oauth2.TokenResponse
	if err := c.post(ctx, PathToken, "token exchange", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeviceAuthorization(ctx context.Context, p Payload) (*oauth2.DeviceAuthorizationResponse, error) {
	var out oauth2.DeviceAuthorizationResponse
	if err := c.post(ctx, PathDeviceAuthorization, "device authorization", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PushAuthorization(ctx context.Context, p Payload) (*oauth2.PushedAuthorizationResponse, error) {
	var out oauth2.PushedAuthorizationResponse
	if err := c.post(ctx, PathPushedAuthorization, "pushed authorization", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Backchannel(ctx context.Context, p Payload) (*oauth2.BackchannelAuthenticationResponse, error) {
	var out oauth2.BackchannelAuthenticationResponse
	if err := c.post(ctx, PathBackchannel, "backchannel authentication", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// post sends one request. There are no automatic retries: 4xx answers are
// final, and transport failures are reported as retryable for the caller
// to decide.
func (c *Client) post(ctx context.Context, path, op string, p Payload, out any) error {
	if err := grants.GuardParams(p.Values(), "proxy "+op+" payload", grants.ProxyForbiddenParams...); err != nil {
		return err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return &flowerrors.TransportError{Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return &flowerrors.TransportError{Op: op, Err: err}
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, requestID)

	logger := c.logger.With().Str("request_id", requestID).Str("op", op).Str("grant", p.GrantType.Slug()).Logger()
	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		logger.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("proxy call failed")
		return &flowerrors.TransportError{Op: op, Err: err, Retryable: !errors.Is(err, context.Canceled)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return &flowerrors.TransportError{Op: op, Status: resp.StatusCode, Err: err, Retryable: !errors.Is(err, context.Canceled)}
	}
	logger.Debug().Int("status", resp.StatusCode).Dur("elapsed", time.Since(start)).Msg("proxy call completed")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(raw, out); err != nil {
			return &flowerrors.TransportError{Op: op, Status: resp.StatusCode, Err: err}
		}
		return nil
	}
	return statusError(op, resp.StatusCode, raw)
}

// statusError maps a non-2xx answer. An OAuth error body is relayed
// verbatim whatever the status; a 5xx without one is a transport failure.
func statusError(op string, status int, raw []byte) error {
	var body oauth2.ErrorResponse
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return &flowerrors.ProtocolError{Status: status, Code: body.Error, Description: body.ErrorDescription, URI: body.ErrorURI}
	}
	if status >= http.StatusInternalServerError {
		return &flowerrors.TransportError{Op: op, Status: status, Err: errors.New(http.StatusText(status)), Retryable: true}
	}
	return &flowerrors.ProtocolError{Status: status, Description: strings.TrimSpace(string(raw))}
}
