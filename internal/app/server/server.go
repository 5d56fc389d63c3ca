package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"display-resolver/internal/api"
	"display-resolver/internal/attribution"
	"display-resolver/internal/codec"
	"display-resolver/internal/config"
	"display-resolver/internal/fetcher"
	"display-resolver/internal/listener"
	"display-resolver/internal/resolver"
	"display-resolver/internal/storage"

	"github.com/rs/zerolog/log"
)

// App is a fully wired resolver process, minus the listening socket.
type App struct {
	Resolver *resolver.Resolver
	Handler  http.Handler
	State    *storage.State

	store storage.Store
}

// logPrompter stands in for the platform review prompt; the rendering layer
// learns about it from the log stream.
type logPrompter struct{}

func (logPrompter) RequestReview() bool {
	log.Info().Msg("rating prompt requested")
	return true
}

// Build opens storage and constructs the resolver and HTTP handler. The
// resolver is not started.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	if err := cfg.Resolver.Validate(); err != nil {
		return nil, err
	}

	// Storage
	store, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	state := storage.NewState(store, codec.New(cfg.Resolver.ObfuscationKey))

	// Resolver
	builder, err := attribution.NewBuilder(cfg.Resolver.BaseEndpoint)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init url builder: %w", err)
	}
	res, err := resolver.New(ctx, resolver.Options{
		Config:   cfg.Resolver,
		State:    state,
		Fetcher:  fetcher.New(cfg.Resolver.FetchTimeout),
		Builder:  builder,
		Device:   resolver.StaticDevice(cfg.Device.FormFactor),
		Prompter: logPrompter{},
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init resolver: %w", err)
	}

	// HTTP
	h := api.NewDisplayHandler(res)
	return &App{Resolver: res, Handler: api.Router(h), State: state, store: store}, nil
}

// Close stops the resolver, then releases storage.
func (a *App) Close() {
	a.Resolver.Close()
	if err := a.store.Close(); err != nil {
		log.Error().Err(err).Msg("close storage")
	}
}

func Run(cfg config.Config) {
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := Build(rootCtx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init app")
	}
	defer app.Close()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      app.Handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Listener (LISTEN/NOTIFY)
	if pg, ok := app.store.(*storage.PostgresStore); ok && cfg.Listener.Enabled {
		go listener.ListenForAttribution(rootCtx, pg, app.Resolver, cfg.Listener.Channel, cfg.Backoff())
	} else if cfg.Listener.Enabled {
		log.Warn().Str("backend", cfg.Storage.Backend).Msg("listener needs the postgres backend, not starting it")
	}

	app.Resolver.Start()

	// Server goroutine
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server crashed")
		}
	}()

	// Wait for signal
	waitForSignal()
	log.Info().Msg("shutdown...")

	// Graceful shutdown
	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	cancel() // stop background goroutines
	_ = srv.Shutdown(shCtx)
}

func waitForSignal() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}
