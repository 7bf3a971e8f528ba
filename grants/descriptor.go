package grants

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/jrsteele09/go-oauth-flows/oauth2"
)

// Kind is the protocol request a descriptor represents.
type Kind string

const (
	KindAuthorization       Kind = "authorization"
	KindPushedAuthorization Kind = "pushed_authorization"
	KindDeviceAuthorization Kind = "device_authorization"
	KindBackchannel         Kind = "backchannel_authentication"
	KindToken               Kind = "token"
)

// RequestDescriptor is a fully built protocol request. BrowserBound requests
// are navigated to by the user agent; all others are sent by the proxy.
type RequestDescriptor struct {
	Grant        oauth2.GrantType
	Kind         Kind
	Endpoint     string
	Method       string
	Params       url.Values
	BrowserBound bool
}

// URL is the redirect target of a GET request, preserving any query the
// endpoint already carries.
func (d *RequestDescriptor) URL() string {
	u, err := url.Parse(d.Endpoint)
	if err != nil {
		return d.Endpoint + "?" + d.Params.Encode()
	}
	q := u.Query()
	for k, vs := range d.Params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Form is the urlencoded body of a POST request.
func (d *RequestDescriptor) Form() string {
	return d.Params.Encode()
}

// NewHTTPRequest materialises a POST descriptor for the proxy backend.
func (d *RequestDescriptor) NewHTTPRequest(header http.Header) (*http.Request, error) {
	req, err := http.NewRequest(d.Method, d.Endpoint, strings.NewReader(d.Form()))
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// ParamNames returns the sorted parameter names.
func (d *RequestDescriptor) ParamNames() []string {
	names := make([]string, 0, len(d.Params))
	for k := range d.Params {
		names = append(names, k)
	}
	sortStrings(names)
	return names
}
