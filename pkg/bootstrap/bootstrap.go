// Package bootstrap wires the service together: configuration, logging,
// error reporting and the enrichment pipeline with its upstream client.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/oauth2"

	"github.com/stridelens/server/pkg/activitycache"
	"github.com/stridelens/server/pkg/enrich"
	"github.com/stridelens/server/pkg/geo"
	"github.com/stridelens/server/pkg/infrastructure/sentry"
	"github.com/stridelens/server/pkg/integrations/strava"
)

// ComponentHandler wraps a slog.Handler to prepend [component] to the
// message, keyed by the "component" attribute.
type ComponentHandler struct {
	slog.Handler
	component string
}

// WithGroup implements slog.Handler
func (h *ComponentHandler) WithGroup(name string) slog.Handler {
	return &ComponentHandler{
		Handler:   h.Handler.WithGroup(name),
		component: h.component,
	}
}

// WithAttrs implements slog.Handler
func (h *ComponentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newComp := h.component
	for _, a := range attrs {
		if a.Key == "component" {
			newComp = a.Value.String()
		}
	}
	return &ComponentHandler{
		Handler:   h.Handler.WithAttrs(attrs),
		component: newComp,
	}
}

// Handle implements slog.Handler
func (h *ComponentHandler) Handle(ctx context.Context, r slog.Record) error {
	comp := h.component

	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			comp = a.Value.String()
			return false // stop
		}
		return true
	})

	if comp != "" {
		newMsg := fmt.Sprintf("[%s] %s", comp, r.Message)
		// The component attribute stays in the structured payload; the
		// prefix is only for human scanning.
		newRecord := slog.NewRecord(r.Time, r.Level, newMsg, r.PC)
		r.Attrs(func(a slog.Attr) bool {
			newRecord.AddAttrs(a)
			return true
		})
		r = newRecord
	}

	return h.Handler.Handle(ctx, r)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a JSON logger at the given level with the component
// prefix handler installed.
func NewLogger(serviceName, level string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(level)})
	return slog.New(&ComponentHandler{Handler: handler}).With("service", serviceName)
}

// InitLogger installs the service-wide default logger.
func InitLogger(serviceName, level string) {
	slog.SetDefault(NewLogger(serviceName, level))
}

// Service holds the initialized dependency graph.
type Service struct {
	Config     *Config
	Strava     *strava.Client
	Cities     *geo.CityLookup
	Locations  *geo.LocationStore
	Enricher   *enrich.Enricher
	Compositor *activitycache.Compositor
	Lookback   activitycache.Lookback
}

// NewService loads configuration and wires all dependencies.
func NewService(ctx context.Context) (*Service, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	InitLogger("server", cfg.LogLevel)

	sentryCfg := sentry.Config{DSN: cfg.Sentry.DSN, Environment: cfg.Env}
	if err := sentry.Init(sentryCfg, slog.Default()); err != nil {
		return nil, fmt.Errorf("sentry init: %w", err)
	}

	slog.Info("initializing service",
		"component", "bootstrap",
		"env", cfg.Env,
		"data_dir", cfg.DataDir,
	)

	var client *strava.Client
	if cfg.Strava.AccessToken != "" {
		token := &oauth2.Token{
			AccessToken:  cfg.Strava.AccessToken,
			RefreshToken: cfg.Strava.RefreshToken,
			TokenType:    "Bearer",
		}
		client = strava.NewOAuthClient(ctx,
			strava.OAuthConfig(cfg.Strava.ClientID, cfg.Strava.ClientSecret), token)
	} else {
		slog.Warn("no upstream access token configured, requests will be unauthenticated",
			"component", "bootstrap")
		client = strava.NewClient(nil)
	}

	lookback, err := activitycache.ParseLookback(cfg.DefaultLookback, activitycache.LookbackFiveYears)
	if err != nil {
		return nil, fmt.Errorf("default_lookback: %w", err)
	}

	cities := geo.NewCityLookup(cfg.CityDBPath)
	enricher := enrich.New(client, cities, enrich.LoadCanonicalFields(cfg.ActivityColumns))

	return &Service{
		Config:     cfg,
		Strava:     client,
		Cities:     cities,
		Locations:  geo.NewLocationStore(cfg.DataDir),
		Enricher:   enricher,
		Compositor: activitycache.NewCompositor(client, enricher,
			cfg.Cache.CurrentWindowTTL, cfg.Cache.ClosedWindowTTL),
		Lookback: lookback,
	}, nil
}
