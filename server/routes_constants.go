package server

import "github.com/jrsteele09/go-oauth-flows/proxy"

// Route path constants shared with the proxy client.
const (
	RouteToken               = proxy.PathToken
	RouteDeviceAuthorization = proxy.PathDeviceAuthorization
	RoutePushedAuthorization = proxy.PathPushedAuthorization
	RouteBackchannel         = proxy.PathBackchannel
	RouteHealth              = proxy.PathHealth
)
