package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/secsync/access"
	"github.com/jmcleod/secsync/api"
	"github.com/jmcleod/secsync/internal/config"
	"github.com/jmcleod/secsync/internal/util"
	"github.com/jmcleod/secsync/server"
	"github.com/jmcleod/secsync/storage"
	badgerstorage "github.com/jmcleod/secsync/storage/badger"
	bboltstorage "github.com/jmcleod/secsync/storage/bbolt"
	"github.com/jmcleod/secsync/storage/memory"
	pebblestorage "github.com/jmcleod/secsync/storage/pebble"
	pgstorage "github.com/jmcleod/secsync/storage/postgres"
)

var serverFlags struct {
	listen      string
	dataDir     string
	storage     string
	postgresDSN string
	tlsCert     string
	tlsKey      string
	selfSigned  bool
	adminToken  string
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the relay server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyServerFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger, err := newLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		return runServer(cmd.Context(), cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	f := serverCmd.Flags()
	f.StringVarP(&serverFlags.listen, "listen", "l", "", "Address to listen on (default :8080)")
	f.StringVar(&serverFlags.dataDir, "data-dir", "", "Directory for persistent data")
	f.StringVar(&serverFlags.storage, "storage", "", "Storage backend: memory, bbolt, badger, pebble or postgres")
	f.StringVar(&serverFlags.postgresDSN, "postgres-dsn", "", "PostgreSQL connection string")
	f.StringVar(&serverFlags.tlsCert, "tls-cert", "", "Path to TLS certificate file")
	f.StringVar(&serverFlags.tlsKey, "tls-key", "", "Path to TLS key file")
	f.BoolVar(&serverFlags.selfSigned, "self-signed", false, "Serve TLS with a generated self-signed certificate")
	f.StringVar(&serverFlags.adminToken, "admin-token", "", "Bearer token enabling the admin API")
}

// applyServerFlags overrides file values with flags set on the command line.
func applyServerFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	set("listen", &cfg.Listen, serverFlags.listen)
	set("data-dir", &cfg.DataDir, serverFlags.dataDir)
	set("storage", &cfg.Storage, serverFlags.storage)
	set("postgres-dsn", &cfg.PostgresDSN, serverFlags.postgresDSN)
	set("tls-cert", &cfg.TLS.Cert, serverFlags.tlsCert)
	set("tls-key", &cfg.TLS.Key, serverFlags.tlsKey)
	set("admin-token", &cfg.Admin.Token, serverFlags.adminToken)
	if flags.Changed("self-signed") {
		cfg.TLS.SelfSigned = serverFlags.selfSigned
	}
	if f := cmd.Root().PersistentFlags(); f.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Repository, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		return memory.NewRepository(), nil
	case config.StorageBbolt:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "relay.db"), nil)
	case config.StorageBadger:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return badgerstorage.NewRepositoryFromDir(filepath.Join(cfg.DataDir, "badger"), logger)
	case config.StoragePebble:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return pebblestorage.NewRepositoryFromDir(filepath.Join(cfg.DataDir, "pebble"))
	case config.StoragePostgres:
		return pgstorage.NewRepositoryFromDSN(ctx, cfg.PostgresDSN)
	}
	return nil, fmt.Errorf("%w: unknown storage %q", config.ErrInvalidConfig, cfg.Storage)
}

func accessChecker(cfg config.AccessConfig) (access.Checker, error) {
	switch cfg.Mode {
	case config.AccessStatic:
		return access.NewStaticPolicy(cfg.Rules), nil
	case config.AccessToken:
		return access.NewTokenChecker([]byte(cfg.TokenSecret))
	}
	return access.AllowAll{}, nil
}

func serverOptions(cfg *config.Config, logger *slog.Logger) []server.Option {
	opts := []server.Option{
		server.WithLogger(logger),
		server.WithRetry(cfg.Retry.Attempts, cfg.Retry.Delay),
		server.WithAutoCreate(cfg.AutoCreateDocuments),
		server.WithPingInterval(cfg.Relay.PingInterval),
		server.WithWriteTimeout(cfg.Relay.WriteTimeout),
	}
	if origins := cfg.Relay.AllowedOrigins; len(origins) > 0 {
		opts = append(opts, server.WithCheckOrigin(func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(origins, origin)
		}))
	}
	return opts
}

// relayServer holds everything a running relay owns.
type relayServer struct {
	repo      storage.Repository
	broadcast *server.BroadcastStore
	admin     *api.API
	handler   http.Handler
}

func newRelayServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*relayServer, error) {
	repo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	checker, err := accessChecker(cfg.Access)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to configure access: %w", err)
	}

	opts := serverOptions(cfg, logger)
	docs := server.NewDocumentService(repo, opts...)
	broadcast := server.NewBroadcastStore(checker, opts...)
	relay := server.NewHandler(docs, broadcast, checker, opts...)
	admin := api.New(docs, broadcast,
		api.WithLogger(logger),
		api.WithAdminToken(cfg.Admin.Token),
		api.WithAlertWebhook(cfg.Admin.AlertWebhook, cfg.Admin.AlertWebhookAuth),
	)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Mount("/api/v1", admin.Router())
	r.Mount("/", relay.Router())

	return &relayServer{repo: repo, broadcast: broadcast, admin: admin, handler: r}, nil
}

func (s *relayServer) Close() error {
	s.admin.Close()
	s.broadcast.Close()
	return s.repo.Close()
}

func tlsConfig(cfg config.TLSConfig) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	switch {
	case cfg.Cert != "":
		cert, err = tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	case cfg.SelfSigned:
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		fmt.Println("Using self-signed runtime generated certificate for TLS")
	default:
		return nil, nil
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rs, err := newRelayServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rs.Close()

	tlsCfg, err := tlsConfig(cfg.TLS)
	if err != nil {
		return err
	}

	// WebSocket connections are hijacked, so WriteTimeout only bounds the
	// REST handlers.
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           rs.handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		var err error
		if tlsCfg != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner()
	fmt.Printf("Starting relay on %s (storage: %s)...\n", cfg.Listen, cfg.Storage)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}
