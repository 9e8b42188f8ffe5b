// Package server provides the public entry point for initializing the relay
// gateway.
//
// It lives in pkg/ (not internal/) so deployment wrappers can import it and
// compose the full gateway with their own outer middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relaygate/relaygate/internal/admission"
	"github.com/relaygate/relaygate/internal/api"
	"github.com/relaygate/relaygate/internal/api/handlers"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/fanout"
	"github.com/relaygate/relaygate/internal/orchestrator"
	"github.com/relaygate/relaygate/internal/provider"
	"github.com/relaygate/relaygate/internal/registry"
	"github.com/relaygate/relaygate/internal/store"
	"github.com/relaygate/relaygate/internal/telemetry"
	"github.com/relaygate/relaygate/pkg/models"
)

// Server holds the initialized gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Registry tracks live WebSocket connections. Exposed so wrappers can
	// observe connection counts.
	Registry *registry.Registry

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc must be called on graceful shutdown; it stops background
	// workers and flushes telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all gateway components from the environment and returns a
// ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the gateway with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownTel, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	bus, err := newBus(cfg.Fanout)
	if err != nil {
		return nil, fmt.Errorf("init fanout bus: %w", err)
	}

	adm := admission.New(admissionConfig(cfg.Admission))
	reg := registry.New(cfg.Registry)
	proxy := provider.New(cfg.Provider)
	ent := store.NewMemoryEntitlements(cfg.Quota.DefaultAllowance)
	msgs := store.NewMemoryMessageStore()
	orch := orchestrator.New(adm, ent, proxy, bus, msgs)

	log.Info().Str("provider", cfg.Provider.Kind).Msg("provider proxy initialized")
	log.Info().Int64("allowance", cfg.Quota.DefaultAllowance).Msg("entitlements initialized")

	// Every gateway instance delivers bus events to its own local
	// connections; with NATS in between, instances share one event stream.
	busCtx, stopDelivery := context.WithCancel(context.Background())
	if _, err := bus.Subscribe(busCtx, func(ev models.ChatEvent) {
		if ev.UserID != "" {
			reg.SendUser(ev.UserID, ev)
			return
		}
		reg.Broadcast(ev, nil)
	}); err != nil {
		stopDelivery()
		return nil, fmt.Errorf("subscribe fanout: %w", err)
	}

	h := handlers.New(proxy, orch, reg, adm, msgs)
	router := api.NewRouter(cfg, h, adm)

	shutdown := func(ctx context.Context) error {
		stopDelivery()
		adm.Close()
		if err := bus.Close(); err != nil {
			log.Warn().Err(err).Msg("bus close failed")
		}
		return shutdownTel(ctx)
	}

	return &Server{
		Handler:      router,
		Registry:     reg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// newBus picks NATS when a URL is configured, otherwise the in-process bus.
func newBus(cfg config.FanoutConfig) (fanout.Bus, error) {
	if cfg.NATSUrl == "" {
		log.Info().Msg("in-memory fanout bus initialized")
		return fanout.NewMemoryBus(), nil
	}
	bus, err := fanout.DialNATS(cfg.NATSUrl, cfg.Subject)
	if err != nil {
		return nil, err
	}
	log.Info().Str("url", cfg.NATSUrl).Str("subject", cfg.Subject).Msg("nats fanout bus connected")
	return bus, nil
}

// admissionConfig maps the flat environment knobs onto per-class strategies.
// Auth-style routes get a strict fixed window, chat a token bucket with
// burst headroom, reads a lenient sliding window.
func admissionConfig(cfg config.AdmissionConfig) admission.Config {
	return admission.Config{
		ViolationTTL: cfg.ViolationTTL,
		Classes: map[models.RouteClass]admission.StrategyConfig{
			models.ClassAuth: {
				Kind:   admission.FixedWindow,
				Limit:  cfg.AuthPerMinute,
				Window: time.Minute,
			},
			models.ClassChat: {
				Kind:   admission.TokenBucket,
				Limit:  cfg.ChatPerMinute,
				Window: time.Minute,
				Burst:  cfg.Burst,
			},
			models.ClassRead: {
				Kind:   admission.SlidingWindow,
				Limit:  cfg.ReadPerMinute,
				Window: time.Minute,
			},
		},
	}
}
