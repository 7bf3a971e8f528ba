package grants

import (
	"net/url"

	"github.com/jrsteele09/go-oauth-flows/artifacts"
	"github.com/jrsteele09/go-oauth-flows/credentials"
	"github.com/jrsteele09/go-oauth-flows/flowerrors"
	interrors "github.com/jrsteele09/go-oauth-flows/internal/errors"
	"github.com/jrsteele09/go-oauth-flows/internal/utils"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
)

// consumed lists the parameters the builder of a proxied request produces
// itself. Everything else a payload carries is an extra and has to pass the
// builder's allow-list.
func consumed(kind Kind, grant oauth2.GrantType) map[string]struct{} {
	names := []string{"client_id"}
	switch kind {
	case KindToken:
		names = append(names, "grant_type")
		switch grant {
		case oauth2.AuthorizationCodeGrant, oauth2.HybridGrant, oauth2.PushedAuthorizationGrant:
			names = append(names, "code", "code_verifier", "redirect_uri")
		case oauth2.DeviceCodeGrant:
			names = append(names, "device_code")
		case oauth2.CIBAGrant:
			names = append(names, "auth_req_id")
		case oauth2.JWTBearerGrant, oauth2.SAML2BearerGrant:
			names = append(names, "assertion", "scope")
		case oauth2.ClientCredentialsGrant, oauth2.TokenExchangeGrant:
			names = append(names, "scope")
		case oauth2.RefreshTokenGrant:
			// scope is a narrowing extra on refresh, not the client scope
			names = append(names, "refresh_token")
		}
	case KindPushedAuthorization:
		names = append(names, "response_type", "redirect_uri", "scope", "state", "nonce", "code_challenge", "code_challenge_method")
	case KindDeviceAuthorization, KindBackchannel:
		names = append(names, "scope")
	}
	uses := make(map[string]struct{}, len(names))
	for _, n := range names {
		uses[n] = struct{}{}
	}
	return uses
}

// Rebuild reconstructs a proxied request from the parameters the calling
// context sent, running them through the grant's builder again so its
// allow-list is enforced on the backend too. Only the parameters the
// builder generates are taken from the payload; any other parameter is
// rejected unless the builder allows it as an extra. creds are the
// registered credentials of the client; a payload scope overrides the
// registered one.
func Rebuild(kind Kind, grant oauth2.GrantType, params url.Values, creds credentials.CredentialSet, eps Endpoints) (*RequestDescriptor, error) {
	if err := GuardParams(params, "proxy "+string(kind), ProxyForbiddenParams...); err != nil {
		return nil, err
	}
	uses := consumed(kind, grant)
	rest := url.Values{}
	for k, vs := range params {
		rest[k] = append([]string(nil), vs...)
	}
	take := func(name string) string {
		if _, ok := uses[name]; !ok {
			return ""
		}
		v := rest.Get(name)
		rest.Del(name)
		return v
	}

	if id := take("client_id"); id != "" && id != creds.ClientID {
		return nil, interrors.Wrapf(interrors.ErrClientNotAllowed, "client_id %q", id)
	}
	// echoed values are regenerated by the builder and must agree with it
	echoed := map[string]string{
		"grant_type":    take("grant_type"),
		"response_type": take("response_type"),
	}
	if uri := take("redirect_uri"); uri != "" {
		if creds.RedirectURI != "" && uri != creds.RedirectURI {
			return nil, interrors.Wrapf(interrors.ErrInvalidRequest, "redirect_uri %q is not registered", uri)
		}
		creds.RedirectURI = uri
	}
	if scope := take("scope"); scope != "" {
		creds.Scope = scope
	}

	in := Input{
		Credentials: creds,
		Endpoints:   eps,
		Artifacts: Ephemeral{
			State:        take("state"),
			Nonce:        take("nonce"),
			Code:         take("code"),
			DeviceCode:   take("device_code"),
			AuthReqID:    take("auth_req_id"),
			Assertion:    take("assertion"),
			RefreshToken: take("refresh_token"),
		},
	}
	verifier := take("code_verifier")
	challenge, method := take("code_challenge"), take("code_challenge_method")
	switch {
	case verifier != "":
		p, err := artifacts.PKCEFromVerifier(verifier)
		if err != nil {
			return nil, &flowerrors.PKCEMismatchError{Artifact: "code_verifier", Reason: err.Error()}
		}
		in.Artifacts.PKCE = p
	case challenge != "":
		in.Artifacts.PKCE = &artifacts.PKCE{Challenge: challenge, Method: oauth2.CodeMethodType(method)}
	}
	if len(rest) > 0 {
		in.Extra = rest
	}

	d, err := rebuild(kind, grant, in, verifier != "")
	if err != nil {
		return nil, err
	}
	for _, name := range utils.SortedKeys(echoed) {
		if sent := echoed[name]; sent != "" && sent != d.Params.Get(name) {
			return nil, &flowerrors.ParameterError{
				Grant:    grant.Slug(),
				Request:  string(kind),
				Param:    name,
				Allowed:  []string{d.Params.Get(name)},
				Received: []string{sent},
			}
		}
	}
	return d, nil
}

func rebuild(kind Kind, grant oauth2.GrantType, in Input, hasVerifier bool) (*RequestDescriptor, error) {
	switch kind {
	case KindToken:
		switch grant {
		case oauth2.AuthorizationCodeGrant, oauth2.HybridGrant:
			// PKCE is optional on these grants; the verifier's presence decides.
			return AuthorizationCode{PKCE: hasVerifier}.codeTokenRequest(grant, in)
		}
		builder, err := For(grant)
		if err != nil {
			return nil, err
		}
		return builder.TokenRequest(in)

	case KindPushedAuthorization:
		builder, err := For(grant)
		if err != nil {
			return nil, err
		}
		pusher, ok := builder.(Pusher)
		if !ok {
			return nil, interrors.Wrapf(interrors.ErrUnsupported, "%s has no pushed authorization request", grant.Slug())
		}
		return pusher.PushRequest(in)

	case KindDeviceAuthorization, KindBackchannel:
		builder, err := For(grant)
		if err != nil {
			return nil, err
		}
		d, err := builder.AuthorizationRequest(in)
		if err != nil {
			return nil, err
		}
		if d.Kind != kind {
			return nil, interrors.Wrapf(interrors.ErrInvalidRequest, "%s does not start with a %s request", grant.Slug(), kind)
		}
		return d, nil
	}
	return nil, interrors.Wrapf(interrors.ErrInvalidRequest, "%s requests are not proxied", kind)
}
