// Package server is the token exchange proxy backend. It is the only
// process that holds client secrets: the calling context posts grant
// parameters here and the backend authenticates the client and calls the
// authorization server.
package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/jrsteele09/go-oauth-flows/discovery"
	"github.com/jrsteele09/go-oauth-flows/grants"
	"github.com/jrsteele09/go-oauth-flows/internal/config"
	"github.com/jrsteele09/go-oauth-flows/server/clientregistry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Server struct {
	env        string // Environment (e.g., "DEV", "PROD")
	mux        *http.ServeMux
	routes     []string
	config     config.Config
	clients    clientregistry.Repo
	resolver   *discovery.Resolver
	httpClient *http.Client
	auth       grants.ClientAuthenticator
	logger     zerolog.Logger
}

type Option func(*Server)

// WithHTTPClient sets the client used for upstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) {
		s.httpClient = c
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

func WithAuthenticator(a grants.ClientAuthenticator) Option {
	return func(s *Server) {
		s.auth = a
	}
}

func New(cfg config.Config, clients clientregistry.Repo, resolver *discovery.Resolver, options ...Option) *Server {
	s := &Server{
		env:        cfg.GetEnv(),
		mux:        http.NewServeMux(),
		config:     cfg,
		clients:    clients,
		resolver:   resolver,
		httpClient: &http.Client{Timeout: cfg.GetProxyTimeout()},
		logger:     log.Logger,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.resolver == nil {
		s.resolver = discovery.NewResolver(discovery.WithHTTPClient(s.httpClient), discovery.WithLogger(s.logger))
	}

	s.initRoutes()
	s.logRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

// Routes lists the registered patterns.
func (s *Server) Routes() []string {
	return append([]string(nil), s.routes...)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)

		if len(parts) > 1 {
			s.logRoute(parts[0], parts[1])
		} else {
			s.logRoute("", parts[0])
		}
	}
}

func (s *Server) logRoute(method, path string) {
	var displayMethod string
	paddedMethod := fmt.Sprintf(" %-7s", method)
	if color, ok := methodColors[method]; ok {
		displayMethod = color + paddedMethod + ResetColor
	} else {
		displayMethod = Gray + paddedMethod + ResetColor
	}
	s.logger.Debug().Msgf("[%-19s] %s", displayMethod, path)
}
