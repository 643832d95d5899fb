package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/illmade-knight/go-flagcheck/pkg/authority"
	"github.com/illmade-knight/go-flagcheck/pkg/lookup"
	"github.com/illmade-knight/go-flagcheck/pkg/microservice"
	"github.com/illmade-knight/go-flagcheck/pkg/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"
)

func newRootCommand(baseLogger zerolog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "flagd",
		Short:         "flagd serves flag lookups for flagcheck clients",
		SilenceErrors: true,
		Example: `
  # In-memory registry with two flagged accounts
  flagd --flag-name BwA_BOOMSTICK --flag-uuid 069a79f4-44e9-4726-a5be-fca90e38aaf5

  # Redis registry, credential required
  FLAGD_BACKEND=redis FLAGD_REDIS_ADDR=localhost:6379 FLAGD_API_KEY=secret flagd

  # Firestore registry
  flagd --backend firestore --project-id my-project --credentials-file sa.json
`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			v, err := newViper(cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			logger := baseLogger
			if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && level != zerolog.NoLevel {
				logger = logger.Level(level)
			}
			logger = logger.With().Str("service", cfg.ServiceName).Logger()

			a, err := newApp(cmd.Context(), cfg, logger, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			if err := a.Start(); err != nil {
				_ = a.Close()
				return err
			}

			<-cmd.Context().Done()
			logger.Info().Msg("Shutdown signal received.")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return a.Shutdown(shutdownCtx)
		},
	}
	registerFlags(cmd.Flags())
	return cmd
}

// app wires a registry, the lookup handler, and the HTTP server.
type app struct {
	cfg      Config
	registry registry.Registry
	closers  []func() error
	server   *microservice.BaseServer
	logger   zerolog.Logger
}

func newApp(ctx context.Context, cfg Config, logger zerolog.Logger, reg *prometheus.Registry) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := a.openRegistry(ctx); err != nil {
		return nil, err
	}
	if err := a.seed(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	h, err := authority.NewHandler(a.registry, logger, authority.Options{APIKey: cfg.APIKey, Registerer: reg})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.server = microservice.NewBaseServer(logger, cfg.HTTPPort, reg)
	h.Mount(a.server.Mux())
	return a, nil
}

func (a *app) openRegistry(ctx context.Context) error {
	switch a.cfg.Backend {
	case backendRedis:
		r, err := registry.NewRedisRegistry(ctx, &a.cfg.Redis, a.logger)
		if err != nil {
			return err
		}
		a.registry = r
	case backendFirestore:
		var opts []option.ClientOption
		if a.cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(a.cfg.CredentialsFile))
		}
		client, err := firestore.NewClient(ctx, a.cfg.ProjectID, opts...)
		if err != nil {
			return fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		r, err := registry.NewFirestoreRegistry(&a.cfg.Firestore, client, a.logger)
		if err != nil {
			_ = client.Close()
			return err
		}
		a.registry = r
	default:
		a.registry = registry.NewInMemoryRegistry()
	}
	a.closers = append([]func() error{a.registry.Close}, a.closers...)
	a.logger.Info().Str("backend", a.cfg.Backend).Msg("Registry opened.")
	return nil
}

// seed flags the configured accounts. Identifiers are stored canonically.
func (a *app) seed(ctx context.Context) error {
	for _, name := range a.cfg.FlaggedNames {
		if err := a.registry.Flag(ctx, lookup.Names.Name(), name); err != nil {
			return fmt.Errorf("seed name %q: %w", name, err)
		}
	}
	for _, raw := range a.cfg.FlaggedIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("seed uuid %q: %w", raw, err)
		}
		if err := a.registry.Flag(ctx, lookup.Identifiers.Name(), lookup.Identifiers.Encode(id)); err != nil {
			return fmt.Errorf("seed uuid %q: %w", raw, err)
		}
	}
	if n := len(a.cfg.FlaggedNames) + len(a.cfg.FlaggedIDs); n > 0 {
		a.logger.Info().Int("count", n).Msg("Seeded flagged accounts.")
	}
	return nil
}

// Start begins serving.
func (a *app) Start() error {
	return a.server.Start()
}

// Shutdown stops the server, then closes the registry and its clients.
func (a *app) Shutdown(ctx context.Context) error {
	var result *multierror.Error
	if err := a.server.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Close releases the registry and its clients.
func (a *app) Close() error {
	var result *multierror.Error
	for _, c := range a.closers {
		if err := c(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}
