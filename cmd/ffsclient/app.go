package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/jkoelker/ffsclient/api"
	"github.com/jkoelker/ffsclient/auth"
	"github.com/jkoelker/ffsclient/config"
	"github.com/jkoelker/ffsclient/crypt"
	"github.com/jkoelker/ffsclient/engine"
	"github.com/jkoelker/ffsclient/log"
	"github.com/jkoelker/ffsclient/observability"
	"github.com/jkoelker/ffsclient/storage"
)

// otelShutdownTimeout is the timeout for shutting down OpenTelemetry providers.
const otelShutdownTimeout = 5 * time.Second

var errNotLoggedIn = errors.New("not logged in, run 'ffsclient login' first")

// app is the wiring shared by every command.
type app struct {
	cfg        *config.Config
	otel       *observability.OTelProviders
	store      *storage.Store
	httpClient *http.Client
	auth       *auth.Client
	tokens     *auth.TokenSource
	storage    *api.Client
	session    *auth.Session
}

// openApp loads the configuration and the local state.
func openApp(ctx context.Context, cmd *cli.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if cmd.Bool("debug") {
		cfg.DebugLogging = true
	}

	log.InitializeLogger(log.Options{Debug: cfg.DebugLogging, Format: cfg.LogFormat, File: cfg.LogFile})

	otelProviders, err := observability.InitializeOTel(ctx, cfg)
	if err != nil {
		log.Error(ctx, err, "Failed to initialize OpenTelemetry")

		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	store, err := initializeStorage(ctx, cfg)
	if err != nil {
		shutdownOTel(otelProviders)

		return nil, err
	}

	a := &app{
		cfg:        cfg,
		otel:       otelProviders,
		store:      store,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout, Transport: log.NewTransport(nil)},
	}

	if err := a.restore(ctx); err != nil {
		a.close()

		return nil, err
	}

	return a, nil
}

// initializeStorage opens the local store.
func initializeStorage(ctx context.Context, cfg *config.Config) (*storage.Store, error) {
	kdfParams, err := cfg.GetStorageKDFParams()
	if err != nil {
		log.Error(ctx, err, "Failed to get storage KDF parameters")

		return nil, fmt.Errorf("failed to get storage KDF parameters: %w", err)
	}

	store, err := storage.Open(ctx, cfg.DataPath, []byte(cfg.StorageSeed), kdfParams)
	if err != nil {
		log.Error(ctx, err, "Failed to initialize storage", "data_path", cfg.DataPath)

		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	return store, nil
}

// restore loads the persisted session and cached token, if any.
func (a *app) restore(ctx context.Context) error {
	a.auth = a.newAuthClient(nil)

	var session auth.Session

	switch err := a.store.LoadSession(ctx, &session); {
	case errors.Is(err, storage.ErrNotFound):
		log.Debug(ctx, "No stored session")
	case err != nil:
		return fmt.Errorf("failed to load session: %w", err)
	default:
		a.session = &session
		a.auth.Restore(&session)
	}

	var cached *auth.SyncToken

	var token auth.SyncToken
	if err := a.store.LoadSyncToken(ctx, &token); err == nil && token.Valid() {
		cached = &token
	}

	a.setTokens(cached)

	return nil
}

func (a *app) newAuthClient(strategy auth.Strategy) *auth.Client {
	return auth.NewClient(auth.Options{
		AuthServerURL:  a.cfg.AuthServerURL,
		TokenServerURL: a.cfg.SyncTokenURL(),
		ClientID:       a.cfg.OAuthClientID,
		HTTPClient:     a.httpClient,
		OnSession: func(ctx context.Context, session *auth.Session) error {
			return a.store.SaveSession(ctx, session)
		},
	}, strategy)
}

// setTokens installs a token source over the auth client and the storage
// client using it.
func (a *app) setTokens(initial *auth.SyncToken) {
	a.tokens = auth.NewTokenSource(a.auth, initial,
		auth.WithRefreshTimeout(a.cfg.HTTPTimeout),
		auth.WithOnRefresh(func(ctx context.Context, token *auth.SyncToken) {
			if err := a.store.SaveSyncToken(ctx, token, token.ExpiresAt); err != nil {
				log.Warn(ctx, "Failed to cache sync token", "error", err)
			}
		}),
	)

	a.storage = api.NewClient(a.tokens, api.Options{
		HTTPClient: a.httpClient,
		Retry:      api.RetryPolicyFromConfig(a.cfg),
		PageSize:   a.cfg.PageSize,
	})
}

// engine builds a sync engine for the logged in account.
func (a *app) engine(generateKeys bool, observer engine.Observer) (*engine.Engine, error) {
	if a.session == nil {
		return nil, errNotLoggedIn
	}

	root, err := crypt.DeriveKeyBundle(a.session.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive root key bundle: %w", err)
	}

	eng, err := engine.New(engine.Options{
		Transport:    a.storage,
		Tokens:       a.tokens,
		Marks:        a.store,
		Root:         root,
		PageSize:     a.cfg.PageSize,
		Concurrency:  a.cfg.SyncConcurrency,
		GenerateKeys: generateKeys,
		Observer:     observer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sync engine: %w", err)
	}

	return eng, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		log.Warn(context.Background(), "Failed to close storage", "error", err)
	}

	shutdownOTel(a.otel)
}

// shutdownOTel shuts down OpenTelemetry providers.
func shutdownOTel(otelProviders *observability.OTelProviders) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
	defer cancel()

	if err := otelProviders.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, err, "Failed to shutdown OpenTelemetry providers")
	}
}

// withApp runs action with an opened app and closes it afterwards.
func withApp(action func(ctx context.Context, cmd *cli.Command, a *app) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		a, err := openApp(ctx, cmd)
		if err != nil {
			return err
		}

		defer a.close()

		return action(ctx, cmd, a)
	}
}
