package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/jrsteele09/go-oauth-flows/flowerrors"
	"github.com/jrsteele09/go-oauth-flows/flowstate"
	"github.com/jrsteele09/go-oauth-flows/grants"
	"github.com/jrsteele09/go-oauth-flows/internal/logging"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
	"github.com/jrsteele09/go-oauth-flows/poller"
	"github.com/jrsteele09/go-oauth-flows/token"
	"github.com/spf13/cobra"
)

func (a *app) authorizeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authorize <grant>",
		Short: "Start a redirect flow and print the authorization URL",
		Long:  "Start an authorization_code, pushed_authorization, hybrid or implicit flow. Open the printed URL, then pass the URL the browser lands on to 'flowctl resume'.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.flowKey(args[0])
			if err != nil {
				return err
			}
			creds, extra, err := a.input(cmd.Context())
			if err != nil {
				return err
			}
			redirect, err := a.engine.StartAuthorization(cmd.Context(), key, creds, extra)
			if err != nil {
				return explain(err)
			}
			fmt.Println(redirect.URL)
			return nil
		},
	}
	a.addParamFlag(cmd)
	return cmd
}

func (a *app) resumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <callback-url>",
		Short: "Finish a redirect flow from the URL the browser landed on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			done, err := a.engine.Resume(cmd.Context(), args[0])
			if err != nil {
				return explain(err)
			}
			return printTokens(done.Tokens)
		},
	}
}

func (a *app) retryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <grant>",
		Short: "Repeat a code exchange that failed with a network error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.flowKey(args[0])
			if err != nil {
				return err
			}
			done, err := a.engine.RetryExchange(cmd.Context(), key)
			if err != nil {
				return explain(err)
			}
			return printTokens(done.Tokens)
		},
	}
}

func (a *app) deviceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Run the device authorization grant and wait for approval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key := flowstate.NewFlowKey(oauth2.DeviceCodeGrant, a.variant)
			creds, extra, err := a.input(cmd.Context())
			if err != nil {
				return err
			}
			session, err := a.engine.StartDevice(cmd.Context(), key, creds, extra)
			if err != nil {
				return explain(err)
			}
			fmt.Printf("Visit %s and enter %s\n", session.VerificationURI, session.UserCode)
			if session.VerificationURIComplete != "" {
				fmt.Printf("or open %s\n", session.VerificationURIComplete)
			}
			return a.poll(cmd.Context(), key)
		},
	}
	a.addParamFlag(cmd)
	return cmd
}

func (a *app) backchannelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backchannel",
		Short: "Run a CIBA poll mode authentication and wait for approval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key := flowstate.NewFlowKey(oauth2.CIBAGrant, a.variant)
			creds, extra, err := a.input(cmd.Context())
			if err != nil {
				return err
			}
			session, err := a.engine.StartBackchannel(cmd.Context(), key, creds, extra)
			if err != nil {
				return explain(err)
			}
			fmt.Printf("Authentication request sent, expires at %s\n", session.ExpiresAt.Format(time.Kitchen))
			return a.poll(cmd.Context(), key)
		},
	}
	a.addParamFlag(cmd)
	return cmd
}

// poll waits for a device or backchannel flow. Ctrl-C cancels the poller.
func (a *app) poll(ctx context.Context, key flowstate.FlowKey) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	handle, err := a.engine.PollTokens(ctx, key)
	if err != nil {
		return explain(err)
	}
	res, err := handle.Result()
	if err != nil {
		if res.State == poller.Cancelled {
			fmt.Println("polling cancelled")
			return nil
		}
		return explain(err)
	}
	return printTokens(res.Tokens)
}

func (a *app) clientCredentialsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client-credentials",
		Short: "Request a token for the client itself",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			creds, extra, err := a.input(cmd.Context())
			if err != nil {
				return err
			}
			ts, err := a.engine.ClientCredentials(cmd.Context(), flowstate.NewFlowKey(oauth2.ClientCredentialsGrant, a.variant), creds, extra)
			if err != nil {
				return explain(err)
			}
			return printTokens(ts)
		},
	}
	a.addParamFlag(cmd)
	return cmd
}

func (a *app) assertionCommand() *cobra.Command {
	var (
		saml     bool
		mint     bool
		subject  string
		keyID    string
		lifetime time.Duration
	)
	cmd := &cobra.Command{
		Use:   "assertion [assertion]",
		Short: "Redeem a JWT or SAML 2.0 bearer assertion",
		Long:  "Redeem a bearer assertion. With --mint a JWT assertion is signed locally with the profile's private key, or its client secret when no key is set.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			grant := oauth2.JWTBearerGrant
			if saml {
				grant = oauth2.SAML2BearerGrant
			}
			creds, extra, err := a.input(cmd.Context())
			if err != nil {
				return err
			}
			var assertion string
			switch {
			case len(args) == 1:
				assertion = args[0]
			case mint && !saml:
				eps, err := a.endpoints(cmd.Context(), creds.Issuer)
				if err != nil {
					return err
				}
				var signer grants.Signer = grants.NewHMACSigner(creds.ClientSecret)
				if creds.PrivateKeyPEM != "" {
					if signer, err = grants.NewRSASignerFromPEM(creds.PrivateKeyPEM, keyID); err != nil {
						return err
					}
				}
				if subject == "" {
					subject = creds.ClientID
				}
				assertion, err = grants.JWTAssertion(signer, grants.AssertionClaims{
					Issuer:   creds.ClientID,
					Subject:  subject,
					Audience: eps.Token,
					Lifetime: lifetime,
				}, time.Now())
				if err != nil {
					return err
				}
			default:
				return errors.New("pass an assertion or use --mint")
			}
			ts, err := a.engine.Assertion(cmd.Context(), flowstate.NewFlowKey(grant, a.variant), creds, assertion, extra)
			if err != nil {
				return explain(err)
			}
			return printTokens(ts)
		},
	}
	cmd.Flags().BoolVar(&saml, "saml", false, "The assertion is a base64url SAML 2.0 assertion")
	cmd.Flags().BoolVar(&mint, "mint", false, "Sign a JWT assertion locally")
	cmd.Flags().StringVar(&subject, "subject", "", "Subject of a minted assertion (defaults to the client id)")
	cmd.Flags().StringVar(&keyID, "kid", "", "Key id header of a minted assertion")
	cmd.Flags().DurationVar(&lifetime, "lifetime", 5*time.Minute, "Lifetime of a minted assertion")
	a.addParamFlag(cmd)
	return cmd
}

func (a *app) tokenExchangeCommand() *cobra.Command {
	var fromGrant string
	cmd := &cobra.Command{
		Use:   "token-exchange",
		Short: "Exchange a subject token (RFC 8693)",
		Long:  "Exchange a subject token. Pass it with --param subject_token=... and --param subject_token_type=..., or use --from to take the access token of another flow.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			creds, extra, err := a.input(cmd.Context())
			if err != nil {
				return err
			}
			if fromGrant != "" {
				from, err := a.flowKey(fromGrant)
				if err != nil {
					return err
				}
				current, err := a.engine.Tokens().Current(cmd.Context(), from)
				if err != nil {
					return fmt.Errorf("%s has no tokens: %w", from, err)
				}
				extra.Set("subject_token", current.AccessToken)
				if extra.Get("subject_token_type") == "" {
					extra.Set("subject_token_type", "urn:ietf:params:oauth:token-type:access_token")
				}
			}
			ts, err := a.engine.TokenExchange(cmd.Context(), flowstate.NewFlowKey(oauth2.TokenExchangeGrant, a.variant), creds, extra)
			if err != nil {
				return explain(err)
			}
			return printTokens(ts)
		},
	}
	cmd.Flags().StringVar(&fromGrant, "from", "", "Use the access token of this grant's flow as the subject token")
	a.addParamFlag(cmd)
	return cmd
}

func (a *app) refreshCommand() *cobra.Command {
	var refreshToken string
	cmd := &cobra.Command{
		Use:   "refresh [grant]",
		Short: "Refresh the tokens of a flow, or redeem a refresh token",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, extra, err := a.input(cmd.Context())
			if err != nil {
				return err
			}
			var ts *token.TokenSet
			if len(args) == 0 {
				if refreshToken == "" {
					return errors.New("name a grant whose tokens to refresh, or pass --token")
				}
				ts, err = a.engine.RedeemRefreshToken(cmd.Context(), flowstate.NewFlowKey(oauth2.RefreshTokenGrant, a.variant), creds, refreshToken, extra)
			} else {
				key, kerr := a.flowKey(args[0])
				if kerr != nil {
					return kerr
				}
				ts, err = a.engine.Refresh(cmd.Context(), key, creds, extra)
			}
			if err != nil {
				return explain(err)
			}
			return printTokens(ts)
		},
	}
	cmd.Flags().StringVar(&refreshToken, "token", "", "Refresh token obtained elsewhere")
	a.addParamFlag(cmd)
	return cmd
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <grant>",
		Short: "Show where a flow is and how fresh its tokens are",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.flowKey(args[0])
			if err != nil {
				return err
			}
			snap, err := a.engine.Status(cmd.Context(), key)
			if err != nil {
				return explain(err)
			}
			fmt.Printf("flow:      %s\n", key)
			fmt.Printf("step:      %s\n", snap.Step)
			fmt.Printf("completed: %v\n", snap.Session.CompletedSteps)
			if snap.Tokens != nil {
				fmt.Printf("tokens:    %s", snap.TokenStatus)
				if !snap.Tokens.ExpiresAt.IsZero() {
					fmt.Printf(" (expires %s)", snap.Tokens.ExpiresAt.Local().Format(time.RFC3339))
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func (a *app) backCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "back <grant>",
		Short: "Move a flow one step back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.flowKey(args[0])
			if err != nil {
				return err
			}
			d, err := a.engine.Back(cmd.Context(), key)
			if err != nil {
				return explain(err)
			}
			fmt.Printf("step %d -> %d\n", d.From, d.To)
			return nil
		},
	}
}

func (a *app) resetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <grant>",
		Short: "Discard a flow and everything derived from it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.flowKey(args[0])
			if err != nil {
				return err
			}
			return a.engine.Reset(cmd.Context(), key)
		},
	}
}

func printTokens(ts *token.TokenSet) error {
	masked := *ts
	masked.AccessToken = logging.Mask(ts.AccessToken)
	masked.RefreshToken = logging.Mask(ts.RefreshToken)
	masked.IDToken = logging.Mask(ts.IDToken)
	return printJSON(masked)
}

// explain adds the retry hint and the parameter diagnostics to an error.
func explain(err error) error {
	var pe *flowerrors.ParameterError
	switch {
	case flowerrors.IsRetryable(err):
		return fmt.Errorf("%w (retryable)", err)
	case errors.As(err, &pe):
		return fmt.Errorf("%w; received %v", err, pe.Received)
	}
	return err
}
