package server

import "net/http"

func (s *Server) initRoutes() {
	s.RegisterRouteFunc("GET "+RouteHealth, s.HealthHandler())

	s.RegisterRouteHandler("POST "+RouteToken, ChainMiddleware(s.TokenHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteDeviceAuthorization, ChainMiddleware(s.DeviceAuthorizationHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RoutePushedAuthorization, ChainMiddleware(s.PushedAuthorizationHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteBackchannel, ChainMiddleware(s.BackchannelHandler(), s.APIMiddleware()...))

	// CORS preflight for the browser-side engine
	for _, route := range []string{RouteToken, RouteDeviceAuthorization, RoutePushedAuthorization, RouteBackchannel} {
		s.RegisterRouteHandler("OPTIONS "+route, ChainMiddleware(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}, s.APIMiddleware()...))
	}
}
