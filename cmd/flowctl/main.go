// flowctl drives OAuth 2.0 and OpenID Connect grants from the terminal. Flow
// state survives between invocations, so a browser redirect can be resumed
// by a later command.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/jrsteele09/go-oauth-flows/credentials"
	"github.com/jrsteele09/go-oauth-flows/discovery"
	"github.com/jrsteele09/go-oauth-flows/engine"
	"github.com/jrsteele09/go-oauth-flows/flowstate"
	"github.com/jrsteele09/go-oauth-flows/flowstate/boltstore"
	"github.com/jrsteele09/go-oauth-flows/flowstate/memory"
	"github.com/jrsteele09/go-oauth-flows/flowstate/redisstore"
	"github.com/jrsteele09/go-oauth-flows/grants"
	"github.com/jrsteele09/go-oauth-flows/internal/config"
	"github.com/jrsteele09/go-oauth-flows/internal/logging"
	"github.com/jrsteele09/go-oauth-flows/internal/secretbox"
	"github.com/jrsteele09/go-oauth-flows/oauth2"
	"github.com/jrsteele09/go-oauth-flows/proxy"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const redisPrefix = "oauth-flows"

// app is shared by every command. It is opened before a command runs and
// closed after it, flushing any debounced writes.
type app struct {
	cfg     config.Config
	logger  zerolog.Logger
	store   *flowstate.Store
	engine  *engine.Engine
	resolve *discovery.Resolver
	box     *secretbox.Box
	closers []func() error

	proxyURL string
	profile  string
	variant  string
	params   []string
}

func main() {
	a := &app{cfg: config.New()}
	if err := a.rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "flowctl",
		Short:        "Run OAuth 2.0 and OpenID Connect grants step by step",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.close(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.proxyURL, "proxy", a.cfg.GetProxyURL(), "Token exchange proxy base URL")
	root.PersistentFlags().StringVar(&a.profile, "profile", "default", "Credential profile")
	root.PersistentFlags().StringVar(&a.variant, "variant", "", "Flow variant (e.g. plain, oidc, code_token)")

	root.AddCommand(a.credsCommand())
	root.AddCommand(a.authorizeCommand())
	root.AddCommand(a.resumeCommand())
	root.AddCommand(a.retryCommand())
	root.AddCommand(a.deviceCommand())
	root.AddCommand(a.backchannelCommand())
	root.AddCommand(a.clientCredentialsCommand())
	root.AddCommand(a.assertionCommand())
	root.AddCommand(a.tokenExchangeCommand())
	root.AddCommand(a.refreshCommand())
	root.AddCommand(a.statusCommand())
	root.AddCommand(a.backCommand())
	root.AddCommand(a.resetCommand())
	return root
}

func (a *app) open(ctx context.Context) error {
	a.logger = logging.New(os.Stderr, a.cfg.GetLogLevel(), a.cfg.GetEnv())
	log.Logger = a.logger

	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	a.store = flowstate.NewStore(backend, flowstate.WithWindow(a.cfg.GetDebounceWindow()), flowstate.WithLogger(a.logger))

	if key := a.cfg.GetVaultKey(); key != "" {
		if a.box, err = secretbox.New(key); err != nil {
			return err
		}
	}

	client := proxy.NewClient(a.proxyURL, proxy.WithTimeout(a.cfg.GetProxyTimeout()), proxy.WithLogger(a.logger))
	a.resolve = discovery.NewResolver(discovery.WithLogger(a.logger))
	a.engine = engine.New(a.store, client, a.resolve,
		engine.WithLogger(a.logger),
		engine.WithVerifierLength(a.cfg.GetVerifierLength()),
		engine.WithRefreshSkew(a.cfg.GetRefreshSkew()),
	)
	return nil
}

func (a *app) openBackend(ctx context.Context) (flowstate.Backend, error) {
	switch a.cfg.GetStoreBackend() {
	case config.StoreMemory:
		return memory.New(), nil
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: a.cfg.GetRedisAddr()})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis %s: %w", a.cfg.GetRedisAddr(), err)
		}
		a.closers = append(a.closers, client.Close)
		return redisstore.New(client, redisPrefix, a.cfg.GetRedisTTL()), nil
	default:
		if err := os.MkdirAll(a.cfg.GetDataFolder(), 0o700); err != nil {
			return nil, err
		}
		backend, err := boltstore.Open(a.cfg.GetBoltPath())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, backend.Close)
		return backend, nil
	}
}

func (a *app) close(ctx context.Context) error {
	var first error
	if a.engine != nil {
		if err := a.engine.Close(ctx); err != nil {
			first = err
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (a *app) editor() *credentials.Editor {
	var opts []credentials.EditorOption
	if a.box != nil {
		opts = append(opts, credentials.WithSealer(a.box))
	}
	return credentials.NewEditor(a.store, a.profile, opts...)
}

func (a *app) credentials(ctx context.Context) (credentials.CredentialSet, error) {
	return a.editor().Load(ctx)
}

// input is the profile's credentials and the command's --param values.
func (a *app) input(ctx context.Context) (credentials.CredentialSet, url.Values, error) {
	creds, err := a.credentials(ctx)
	if err != nil {
		return credentials.CredentialSet{}, nil, err
	}
	extra, err := a.extra()
	if err != nil {
		return credentials.CredentialSet{}, nil, err
	}
	return creds, extra, nil
}

func (a *app) endpoints(ctx context.Context, issuer string) (grants.Endpoints, error) {
	return a.resolve.Endpoints(ctx, issuer)
}

func (a *app) flowKey(arg string) (flowstate.FlowKey, error) {
	grant, ok := oauth2.ParseGrantType(arg)
	if !ok {
		return flowstate.FlowKey{}, fmt.Errorf("unknown grant %q", arg)
	}
	key := flowstate.NewFlowKey(grant, a.variant)
	return key, key.Validate()
}

// extra turns repeated --param name=value flags into request parameters.
func (a *app) extra() (url.Values, error) {
	out := url.Values{}
	for _, p := range a.params {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("--param %q must be name=value", p)
		}
		out[name] = append(out[name], value)
	}
	return out, nil
}

func (a *app) addParamFlag(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&a.params, "param", nil, "Extra request parameter name=value (repeatable)")
}
