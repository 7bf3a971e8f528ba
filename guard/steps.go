package guard

import (
	"github.com/jrsteele09/go-oauth-flows/credentials"
	"github.com/jrsteele09/go-oauth-flows/flowstate"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
)

// Step ids shared across grants. Their results are stored in
// FlowSession.Results under the same id.
const (
	StepConfigure     = "configure"
	StepPKCE          = "pkce"
	StepPush          = "push"
	StepAuthorize     = "authorize"
	StepCallback      = "callback"
	StepExchange      = "exchange"
	StepDeviceRequest = "device_request"
	StepBackchannel   = "backchannel"
	StepPoll          = "poll"
	StepAssertion     = "assertion"
	StepTokens        = "tokens"
)

// State is what preconditions inspect.
type State struct {
	Grant       oauth2.GrantType
	Credentials credentials.CredentialSet
	Session     *flowstate.FlowSession
}

func (s State) has(step string) bool {
	if s.Session == nil {
		return false
	}
	_, ok := s.Session.Results[step]
	return ok
}

type Precondition struct {
	Label string
	Check func(State) bool
}

type Step struct {
	ID            string
	Title         string
	Preconditions []Precondition
}

func resultOf(step, label string) Precondition {
	return Precondition{Label: label, Check: func(s State) bool { return s.has(step) }}
}

var (
	needPKCE        = resultOf(StepPKCE, "PKCE verifier generated")
	needAuthURL     = resultOf(StepAuthorize, "Authorization request built")
	needPushed      = resultOf(StepPush, "Pushed authorization request URI")
	needCallback    = resultOf(StepCallback, "Authorization response received")
	needDevice      = resultOf(StepDeviceRequest, "Device authorization response")
	needBackchannel = resultOf(StepBackchannel, "Backchannel authentication response")
	needAssertion   = resultOf(StepAssertion, "Assertion provided")
	needTokens      = resultOf(StepTokens, "Token response received")
)

func configure() Step { return Step{ID: StepConfigure, Title: "Configure credentials"} }

// StepsFor returns the step sequence of a grant. Step 0 is always the
// credential step.
func StepsFor(grant oauth2.GrantType) []Step {
	switch grant {
	case oauth2.AuthorizationCodeGrant:
		return []Step{
			configure(),
			{ID: StepPKCE, Title: "Generate PKCE parameters"},
			{ID: StepAuthorize, Title: "Build authorization request", Preconditions: []Precondition{needPKCE}},
			{ID: StepCallback, Title: "Handle callback", Preconditions: []Precondition{needAuthURL}},
			{ID: StepExchange, Title: "Exchange code for tokens", Preconditions: []Precondition{needCallback}},
			{ID: StepTokens, Title: "Inspect tokens", Preconditions: []Precondition{needTokens}},
		}
	case oauth2.PushedAuthorizationGrant:
		return []Step{
			configure(),
			{ID: StepPKCE, Title: "Generate PKCE parameters"},
			{ID: StepPush, Title: "Push authorization request", Preconditions: []Precondition{needPKCE}},
			{ID: StepAuthorize, Title: "Redirect with request URI", Preconditions: []Precondition{needPushed}},
			{ID: StepCallback, Title: "Handle callback", Preconditions: []Precondition{needAuthURL}},
			{ID: StepExchange, Title: "Exchange code for tokens", Preconditions: []Precondition{needCallback}},
			{ID: StepTokens, Title: "Inspect tokens", Preconditions: []Precondition{needTokens}},
		}
	case oauth2.HybridGrant:
		return []Step{
			configure(),
			{ID: StepAuthorize, Title: "Build authorization request"},
			{ID: StepCallback, Title: "Handle fragment response", Preconditions: []Precondition{needAuthURL}},
			{ID: StepExchange, Title: "Exchange code for tokens", Preconditions: []Precondition{needCallback}},
			{ID: StepTokens, Title: "Inspect tokens", Preconditions: []Precondition{needTokens}},
		}
	case oauth2.ImplicitGrant:
		return []Step{
			configure(),
			{ID: StepAuthorize, Title: "Build authorization request"},
			{ID: StepCallback, Title: "Handle fragment response", Preconditions: []Precondition{needAuthURL}},
			{ID: StepTokens, Title: "Inspect tokens", Preconditions: []Precondition{needTokens}},
		}
	case oauth2.DeviceCodeGrant:
		return []Step{
			configure(),
			{ID: StepDeviceRequest, Title: "Request device code"},
			{ID: StepPoll, Title: "Poll for tokens", Preconditions: []Precondition{needDevice}},
			{ID: StepTokens, Title: "Inspect tokens", Preconditions: []Precondition{needTokens}},
		}
	case oauth2.CIBAGrant:
		return []Step{
			configure(),
			{ID: StepBackchannel, Title: "Start backchannel authentication"},
			{ID: StepPoll, Title: "Poll for tokens", Preconditions: []Precondition{needBackchannel}},
			{ID: StepTokens, Title: "Inspect tokens", Preconditions: []Precondition{needTokens}},
		}
	case oauth2.JWTBearerGrant, oauth2.SAML2BearerGrant, oauth2.TokenExchangeGrant:
		return []Step{
			configure(),
			{ID: StepAssertion, Title: "Provide assertion"},
			{ID: StepExchange, Title: "Request tokens", Preconditions: []Precondition{needAssertion}},
			{ID: StepTokens, Title: "Inspect tokens", Preconditions: []Precondition{needTokens}},
		}
	case oauth2.ClientCredentialsGrant, oauth2.RefreshTokenGrant:
		return []Step{
			configure(),
			{ID: StepExchange, Title: "Request tokens"},
			{ID: StepTokens, Title: "Inspect tokens", Preconditions: []Precondition{needTokens}},
		}
	}
	return []Step{configure()}
}
