package proxy

import (
	"net/url"

	"github.com/jrsteele09/go-oauth-flows/grants"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
)

// Routes served by the backend.
const (
	PathToken               = "/api/token"
	PathDeviceAuthorization = "/api/device_authorization"
	PathPushedAuthorization = "/api/par"
	PathBackchannel         = "/api/backchannel"
	PathHealth              = "/healthz"
)

// Payload is the JSON body sent to every backend route. GrantType is the
// flow's grant, which for hybrid and PAR differs from the wire grant_type.
type Payload struct {
	ClientID  string           `json:"client_id"`
	GrantType oauth2.GrantType `json:"grant_type"`
	Params    url.Values       `json:"params"`
	// Nonce asks the backend to check the id_token nonce.
	Nonce string `json:"nonce,omitempty"`
}

// NewPayload converts a built descriptor into a proxy payload. client_id and
// grant_type travel as top level fields.
func NewPayload(clientID string, d *grants.RequestDescriptor) Payload {
	params := make(url.Values, len(d.Params))
	for k, vs := range d.Params {
		if k == "client_id" || k == "grant_type" {
			continue
		}
		params[k] = append([]string(nil), vs...)
	}
	return Payload{ClientID: clientID, GrantType: d.Grant, Params: params}
}

// Values returns a copy of the parameters. Repeated parameters such as
// resource keep every value.
func (p Payload) Values() url.Values {
	v := make(url.Values, len(p.Params))
	for k, vs := range p.Params {
		v[k] = append([]string(nil), vs...)
	}
	return v
}
