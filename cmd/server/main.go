package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/canonical/testflinger/internal/server/api"
	"github.com/canonical/testflinger/internal/server/auth"
	"github.com/canonical/testflinger/internal/server/db"
	"github.com/canonical/testflinger/internal/server/janitor"
	"github.com/canonical/testflinger/internal/server/repositories"
	"github.com/canonical/testflinger/internal/server/secrets"
	"github.com/canonical/testflinger/internal/server/storage"
	"github.com/canonical/testflinger/internal/types"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr       string
	dbDriver       string
	dbDSN          string
	storageURL     string
	jwtSigningKey  string
	secretKey      string
	secretsBackend string
	vaultAddr      string
	vaultToken     string
	vaultMount     string
	logLevel       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "testflinger-server",
		Short: "Testflinger server — job queue for device test agents",
		Long: `Testflinger server queues test jobs for hardware agents.
It exposes the v1 REST API used by clients to submit jobs and by
per-device agents to claim them, stream live output, and report results.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newSeedAdminCmd(cfg))

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("TESTFLINGER_HTTP_ADDR", ":8000"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("TESTFLINGER_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("TESTFLINGER_DB_DSN", "./testflinger.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.storageURL, "storage-url", envOrDefault("TESTFLINGER_STORAGE_URL", "./blobs"), "Blob bucket URL (file://, mem://, ...) or a plain directory path")
	root.PersistentFlags().StringVar(&cfg.jwtSigningKey, "jwt-signing-key", envOrDefault("TESTFLINGER_JWT_SIGNING_KEY", ""), "HMAC key for signing access tokens (required)")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("TESTFLINGER_SECRET_KEY", ""), "Master key for encrypting stored secrets at rest")
	root.PersistentFlags().StringVar(&cfg.secretsBackend, "secrets-backend", envOrDefault("TESTFLINGER_SECRETS_BACKEND", "none"), "Secrets store backend (db, vault, or none)")
	root.PersistentFlags().StringVar(&cfg.vaultAddr, "vault-addr", envOrDefault("TESTFLINGER_VAULT_ADDR", ""), "Vault server address for the vault backend")
	root.PersistentFlags().StringVar(&cfg.vaultToken, "vault-token", envOrDefault("TESTFLINGER_VAULT_TOKEN", ""), "Vault token for the vault backend")
	root.PersistentFlags().StringVar(&cfg.vaultMount, "vault-mount", envOrDefault("TESTFLINGER_VAULT_MOUNT", "secret"), "Vault KV v2 mount for the vault backend")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("TESTFLINGER_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("testflinger-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// newSeedAdminCmd creates or resets the bootstrap administrator account.
// Every other client is managed through the API, but the first admin has to
// come from somewhere.
func newSeedAdminCmd(cfg *config) *cobra.Command {
	var clientSecret string

	seed := &cobra.Command{
		Use:   "seed-admin",
		Short: "Create or reset the testflinger-admin client",
		RunE: func(cmd *cobra.Command, args []string) error {
			if clientSecret == "" {
				return fmt.Errorf("--client-secret is required — set it or TESTFLINGER_ADMIN_SECRET")
			}

			logger := zap.NewNop()
			gdb, err := db.New(db.Config{Driver: cfg.dbDriver, DSN: cfg.dbDSN, Logger: logger})
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}

			hash, err := auth.HashSecret(clientSecret)
			if err != nil {
				return err
			}
			rec, err := auth.RecordFromPermissions(types.ClientPermissions{
				ClientID: "testflinger-admin",
				Role:     types.RoleAdmin,
			}, hash)
			if err != nil {
				return err
			}

			perms := repositories.NewPermissionRepository(gdb)
			if err := perms.Put(cmd.Context(), rec); err != nil {
				return fmt.Errorf("store admin client: %w", err)
			}

			fmt.Println("✓ testflinger-admin ready")
			return nil
		},
	}

	seed.Flags().StringVar(&clientSecret, "client-secret", os.Getenv("TESTFLINGER_ADMIN_SECRET"), "Secret for the testflinger-admin client (required)")
	return seed
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.jwtSigningKey == "" {
		return fmt.Errorf("JWT signing key is required — set --jwt-signing-key or TESTFLINGER_JWT_SIGNING_KEY")
	}
	if cfg.secretsBackend == "db" && cfg.secretKey == "" {
		return fmt.Errorf("the db secrets backend needs an encryption key — set --secret-key or TESTFLINGER_SECRET_KEY")
	}
	if cfg.secretKey != "" {
		if err := db.InitEncryption([]byte(cfg.secretKey)); err != nil {
			return fmt.Errorf("init encryption: %w", err)
		}
	}

	logger.Info("starting testflinger server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("secrets_backend", cfg.secretsBackend),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gdb, err := db.New(db.Config{Driver: cfg.dbDriver, DSN: cfg.dbDSN, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	bucketURL, err := resolveStorageURL(cfg.storageURL)
	if err != nil {
		return err
	}
	objects, err := storage.Open(ctx, bucketURL)
	if err != nil {
		return fmt.Errorf("failed to open blob storage: %w", err)
	}
	defer objects.Close() //nolint:errcheck

	jobs := repositories.NewJobRepository(gdb)
	frags := repositories.NewFragmentRepository(gdb)
	agents := repositories.NewAgentRepository(gdb)
	queues := repositories.NewQueueRepository(gdb)
	perms := repositories.NewPermissionRepository(gdb)
	tokens := repositories.NewTokenRepository(gdb)

	jwtMgr, err := auth.NewJWTManager([]byte(cfg.jwtSigningKey))
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}
	authSvc := auth.NewService(perms, tokens, jwtMgr)

	secretStore, err := buildSecretStore(cfg, gdb)
	if err != nil {
		return err
	}

	jan, err := janitor.New(jobs, frags, tokens, objects, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize janitor: %w", err)
	}
	if err := jan.Start(); err != nil {
		return fmt.Errorf("failed to start janitor: %w", err)
	}
	defer jan.Stop() //nolint:errcheck

	router := api.NewRouter(api.RouterConfig{
		AuthService: authSvc,
		Logger:      logger,
		Jobs:        jobs,
		Fragments:   frags,
		Agents:      agents,
		Queues:      queues,
		Permissions: perms,
		Objects:     objects,
		SecretStore: secretStore,
	})

	srv := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down testflinger server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown error: %w", err)
	}
	return nil
}

// buildSecretStore selects the secrets backend. A nil store is valid: job
// submissions that reference secrets are then rejected with a clear message.
func buildSecretStore(cfg *config, gdb *gorm.DB) (secrets.Store, error) {
	switch cfg.secretsBackend {
	case "none", "":
		return nil, nil
	case "db":
		store, err := secrets.NewDatabaseStore(gdb)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize db secrets store: %w", err)
		}
		return store, nil
	case "vault":
		store, err := secrets.NewVaultStore(secrets.VaultConfig{
			Address: cfg.vaultAddr,
			Token:   cfg.vaultToken,
			Mount:   cfg.vaultMount,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize vault secrets store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown secrets backend %q, use db, vault, or none", cfg.secretsBackend)
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

// resolveStorageURL accepts either a bucket URL or a plain directory path,
// which is turned into an absolute file:// URL.
func resolveStorageURL(raw string) (string, error) {
	if strings.Contains(raw, "://") {
		return raw, nil
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", fmt.Errorf("failed to resolve storage dir %q: %w", raw, err)
	}
	return "file://" + abs, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
