package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	oauth "github.com/giantswarm/oidc-provider"
	"github.com/giantswarm/oidc-provider/identity"
	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/keys"
	"github.com/giantswarm/oidc-provider/registry"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/server"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/storage/memory"
	"github.com/giantswarm/oidc-provider/storage/redis"
	"github.com/giantswarm/oidc-provider/storage/sqlite"
)

const (
	serverReadHeaderTimeout = 10 * time.Second
	serverReadTimeout       = 10 * time.Second
	serverWriteTimeout      = 15 * time.Second
	serverIdleTimeout       = 60 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the provider",
		Long: `Start the OpenID Connect provider.

The client registry is read from registry_file and reloaded on SIGHUP together
with the users file. Every setting can be given in the configuration file or
as an OIDC_ environment variable, e.g. OIDC_STORAGE_BACKEND=redis.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := viperFor(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, newLogger(cmd.ErrOrStderr(), cfg.Log))
		},
	}

	cmd.Flags().String("address", ":8080", "Address to listen on")
	cmd.Flags().String("metrics-address", "", "Address of the Prometheus metrics listener (disabled when empty)")
	cmd.Flags().String("issuer", "", "Issuer URL")
	cmd.Flags().String("registry-file", "", "Client registry YAML file")
	cmd.Flags().String("users-file", "", "Users YAML file (enables the password grant)")
	bindFlags(cmd, map[string]string{
		"address":         "address",
		"metrics_address": "metrics-address",
		"issuer":          "issuer",
		"registry_file":   "registry-file",
		"users_file":      "users-file",
	})
	return cmd
}

// provider is the assembled process: every component serve starts and stops.
type provider struct {
	cfg      *Config
	logger   *slog.Logger
	inst     *instrumentation.Instrumentation
	store    storage.Store
	users    *identity.UserStore
	server   *server.Server
	handler  *oauth.Handler
	closeFns []func() error
}

// close releases resources in reverse order of acquisition.
func (p *provider) close() error {
	var errs []error
	for i := len(p.closeFns) - 1; i >= 0; i-- {
		errs = append(errs, p.closeFns[i]())
	}
	return errors.Join(errs...)
}

// newProvider assembles the provider from cfg.
func newProvider(ctx context.Context, cfg *Config, logger *slog.Logger) (_ *provider, err error) {
	p := &provider{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = p.close()
		}
	}()

	p.inst, err = instrumentation.New(instrumentation.Config{
		ServiceName:    "oidc-provider",
		ServiceVersion: version,
		Enabled:        cfg.Telemetry.Enabled,
		LogClientIPs:   cfg.Telemetry.LogClientIPs,
		MetricExporter: cfg.Telemetry.MetricExporter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation: %w", err)
	}
	p.closeFns = append(p.closeFns, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return p.inst.Shutdown(shutdownCtx)
	})

	keyProvider, err := keys.NewProvider(cfg.Keys, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create key provider: %w", err)
	}

	snapshot, err := registry.LoadFile(cfg.RegistryFile)
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(snapshot, logger)
	if err != nil {
		return nil, err
	}

	deps := server.Dependencies{
		Registry:        reg,
		Keys:            keyProvider,
		Auditor:         security.NewAuditor(logger, cfg.Audit),
		Instrumentation: p.inst,
	}
	if cfg.UsersFile != "" {
		p.users, err = identity.LoadUserStore(cfg.UsersFile, logger)
		if err != nil {
			return nil, err
		}
		deps.ResourceOwners = p.users
		deps.Profiles = p.users
	}

	deps.Store, err = p.openStore(ctx)
	if err != nil {
		return nil, err
	}
	p.store = deps.Store

	p.server, err = server.New(deps, &server.Config{
		Issuer:            cfg.Issuer,
		VerificationURI:   cfg.VerificationURI,
		ClockSkew:         cfg.ClockSkew,
		AllowInsecureHTTP: cfg.AllowInsecureHTTP,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	handlerConfig := oauth.Config{
		RateLimit: oauth.RateLimitConfig{
			Rate:              cfg.RateLimit.Rate,
			Burst:             cfg.RateLimit.Burst,
			TrustProxy:        cfg.RateLimit.TrustProxy,
			TrustedProxyCount: cfg.RateLimit.TrustedProxyCount,
		},
		CORS: oauth.CORSConfig{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowCredentials: cfg.CORS.AllowCredentials,
		},
		Auditor:         deps.Auditor,
		Instrumentation: p.inst,
		Logger:          logger,
	}
	if cfg.Authentication.SubjectHeader != "" {
		handlerConfig.SubjectResolver = &oauth.HeaderSubjectResolver{
			SubjectHeader: cfg.Authentication.SubjectHeader,
			SessionHeader: cfg.Authentication.SessionHeader,
		}
		logger.Warn("Trusting the subject header of an authenticating proxy",
			"header", cfg.Authentication.SubjectHeader,
			"requirement", "the proxy must strip this header from client requests")
	} else {
		logger.Warn("No authentication method configured, the authorization endpoint will reject requests")
	}

	p.handler, err = oauth.NewHandler(p.server, handlerConfig)
	if err != nil {
		return nil, err
	}
	p.closeFns = append(p.closeFns, func() error {
		p.handler.Close()
		return nil
	})
	return p, nil
}

// openStore opens the configured storage backend.
func (p *provider) openStore(ctx context.Context) (storage.Store, error) {
	cfg := p.cfg.Storage
	key, err := cfg.encryptionKey()
	if err != nil {
		return nil, err
	}
	var enc *security.Encryptor
	if key != nil {
		if enc, err = security.NewEncryptor(key); err != nil {
			return nil, err
		}
	}

	switch cfg.Backend {
	case BackendRedis:
		store, err := redis.New(ctx, redis.Config{
			Addrs:      cfg.Redis.Addrs,
			MasterName: cfg.Redis.MasterName,
			Username:   cfg.Redis.Username,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			KeyPrefix:  cfg.Redis.KeyPrefix,
			Logger:     p.logger,
		})
		if err != nil {
			return nil, err
		}
		store.SetEncryptor(enc)
		store.SetInstrumentation(p.inst)
		p.closeFns = append(p.closeFns, store.Close)
		return store, nil

	case BackendSQLite:
		store, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.SQLite.Path, Logger: p.logger})
		if err != nil {
			return nil, err
		}
		store.SetEncryptor(enc)
		store.SetInstrumentation(p.inst)
		p.closeFns = append(p.closeFns, store.Close)
		return store, nil

	default:
		if enc != nil {
			p.logger.Warn("Encryption key ignored by the memory backend")
		}
		store := memory.New()
		store.SetLogger(p.logger)
		store.SetInstrumentation(p.inst)
		p.closeFns = append(p.closeFns, func() error {
			store.Stop()
			return nil
		})
		return store, nil
	}
}

// reload re-reads the registry and users files. A broken file keeps the
// current configuration.
func (p *provider) reload(ctx context.Context) {
	if err := p.server.ReloadRegistry(ctx, p.cfg.RegistryFile); err != nil {
		p.logger.Error("Registry reload failed", "error", err)
	} else {
		p.logger.Info("Registry reloaded", "clients", p.server.Registry().Snapshot().ClientCount())
	}

	if p.users != nil {
		if err := p.users.ReloadFile(p.cfg.UsersFile); err != nil {
			p.logger.Error("Users reload failed", "error", err)
		} else {
			p.logger.Info("Users reloaded", "users", p.users.Len())
		}
	}
}

// runServe serves until ctx is cancelled.
func runServe(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	p, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.close(); err != nil {
			logger.Error("Shutdown error", "error", err)
		}
	}()

	servers := []*http.Server{newHTTPServer(cfg.Address, p.handler.Routes())}
	if cfg.MetricsAddress != "" {
		if h := p.inst.MetricsHandler(); h != nil {
			mux := http.NewServeMux()
			mux.Handle("/metrics", h)
			servers = append(servers, newHTTPServer(cfg.MetricsAddress, mux))
		} else {
			logger.Warn("Metrics address set but the prometheus exporter is not enabled",
				"metrics_address", cfg.MetricsAddress)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("Listening", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listener %s failed: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				p.reload(ctx)
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		WriteTimeout:      serverWriteTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}
