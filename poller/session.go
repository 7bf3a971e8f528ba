package poller

import (
	"time"

	"github.com/jrsteele09/go-oauth-flows/oauth2"
)

// DefaultInterval applies when the server does not send one (RFC 8628 section 3.2).
const DefaultInterval = 5 * time.Second

// DeviceSession is the polling state of a device or backchannel flow. For
// CIBA, AuthReqID is set instead of the device and user codes.
type DeviceSession struct {
	DeviceCode              string        `json:"device_code,omitempty"`
	UserCode                string        `json:"user_code,omitempty"`
	VerificationURI         string        `json:"verification_uri,omitempty"`
	VerificationURIComplete string        `json:"verification_uri_complete,omitempty"`
	AuthReqID               string        `json:"auth_req_id,omitempty"`
	Interval                time.Duration `json:"interval"`
	ExpiresAt               time.Time     `json:"expires_at"`
}

func NewDeviceSession(resp oauth2.DeviceAuthorizationResponse, receivedAt time.Time) DeviceSession {
	return DeviceSession{
		DeviceCode:              resp.DeviceCode,
		UserCode:                resp.UserCode,
		VerificationURI:         resp.VerificationURI,
		VerificationURIComplete: resp.VerificationURIComplete,
		Interval:                seconds(resp.Interval),
		ExpiresAt:               receivedAt.Add(time.Duration(resp.ExpiresIn) * time.Second),
	}
}

func NewBackchannelSession(resp oauth2.BackchannelAuthenticationResponse, receivedAt time.Time) DeviceSession {
	return DeviceSession{
		AuthReqID: resp.AuthReqID,
		Interval:  seconds(resp.Interval),
		ExpiresAt: receivedAt.Add(time.Duration(resp.ExpiresIn) * time.Second),
	}
}

func seconds(n int64) time.Duration {
	if n <= 0 {
		return DefaultInterval
	}
	return time.Duration(n) * time.Second
}
