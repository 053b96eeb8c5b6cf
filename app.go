package main

import (
	"context"
	"fmt"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/rs/zerolog"

	"github.com/go-authgate/erm-cli/config"
	"github.com/go-authgate/erm-cli/graphql"
	"github.com/go-authgate/erm-cli/oidc"
	"github.com/go-authgate/erm-cli/session"
	"github.com/go-authgate/erm-cli/storage"
	"github.com/go-authgate/erm-cli/tui"
)

const tokenExchangeTimeout = 15 * time.Second

type appOptions struct {
	ephemeral bool
	retry     *retry.Client
	log       zerolog.Logger
}

// app holds the objects shared by every command. The session store and the
// unauthorized channel are built once here and handed to whoever needs them.
type app struct {
	env      config.EnvSource
	log      zerolog.Logger
	retry    *retry.Client
	backing  storage.Storage
	location string
	closer   func() error
	session  *session.Store
	events   *session.Events
}

func newApp(env config.EnvSource, opts appOptions) (*app, error) {
	a := &app{
		env:    env,
		log:    opts.log,
		retry:  opts.retry,
		events: session.NewEvents(),
	}

	if opts.ephemeral {
		mem := storage.NewMemoryStore()
		a.backing, a.location, a.closer = mem, "memory", mem.Close
	} else {
		dir := config.ResolveStorage(env).Dir
		fs, err := storage.NewFileStore(dir, opts.log)
		if err != nil {
			return nil, fmt.Errorf("failed to open session storage: %w", err)
		}
		a.backing, a.location, a.closer = fs, fs.Dir(), fs.Close
	}

	a.session = session.NewStore(
		session.NewTokenStorage(a.backing, opts.log),
		session.WithLogger(opts.log),
	)
	return a, nil
}

// Close stops watching storage.
func (a *app) Close() {
	a.session.Close()
	if err := a.closer(); err != nil {
		a.log.Debug().Err(err).Msg("failed to close session storage")
	}
}

func (a *app) graphQLClient() (*graphql.Client, error) {
	cfg := config.ResolveGraphQL(a.env)
	if err := validateEndpointURL(cfg.HTTPEndpoint); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", config.KeyGraphQLEndpoint, err)
	}

	opts := graphql.FromConfig(cfg)
	opts.HTTPClient = newHTTPClient()
	opts.Tokens = a.session
	opts.Events = a.events
	opts.Logger = a.log
	return graphql.NewClient(opts)
}

// oidcClient resolves the OIDC configuration and builds a client. With
// discover set, the provider metadata is fetched so that ID tokens can be
// verified; a discovery failure is reported and otherwise ignored.
func (a *app) oidcClient(ctx context.Context, discover bool, d tui.Displayer) (*oidc.Client, config.OIDC, error) {
	cfg, err := config.ResolveOIDC(a.env)
	if err != nil {
		return nil, cfg, err
	}
	for _, warning := range cfg.Warnings() {
		a.log.Warn().Msg(warning)
	}

	httpClient := newHTTPClient()
	httpClient.Timeout = tokenExchangeTimeout
	opts := []oidc.Option{
		oidc.WithHTTPClient(httpClient),
		oidc.WithLogger(a.log),
	}

	if discover {
		d.Discovering(cfg.Issuer)
		dctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
		doc, err := oidc.Discover(dctx, a.retry, cfg.Issuer)
		cancel()
		if err != nil {
			d.DiscoveryFailed(err)
		} else {
			if !doc.SupportsS256() {
				a.log.Warn().Str("issuer", doc.Issuer).Msg("provider does not advertise S256 PKCE")
			}
			if doc.TokenEndpoint != "" && doc.TokenEndpoint != cfg.TokenEndpoint {
				a.log.Warn().
					Str("configured", cfg.TokenEndpoint).
					Str("discovered", doc.TokenEndpoint).
					Msg("token endpoint differs from provider metadata")
			}
			opts = append(opts, oidc.WithVerifier(oidc.NewIDTokenVerifier(ctx, doc, cfg.ClientID)))
		}
	}

	client, err := oidc.NewClient(cfg, a.backing, opts...)
	if err != nil {
		return nil, cfg, err
	}
	return client, cfg, nil
}
