package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/notenest/backend/internal/auth"
	"github.com/notenest/backend/internal/collab"
	"github.com/notenest/backend/internal/config"
	"github.com/notenest/backend/internal/database"
	"github.com/notenest/backend/internal/logging"
	"github.com/notenest/backend/internal/notes"
	"github.com/notenest/backend/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "notenest-api",
		Short: "NoteNest collaborative note sync service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Bearer token TTL in minutes")
	cmd.PersistentFlags().Int("flush-debounce-ms", defaults.GetInt("collab.flush_debounce_ms"), "Flush debounce interval in milliseconds")
	cmd.PersistentFlags().Int("flush-max-interval-ms", defaults.GetInt("collab.flush_max_interval_ms"), "Maximum flush delay in milliseconds")
	cmd.PersistentFlags().Int("flush-retry-base-ms", defaults.GetInt("collab.flush_retry_base_ms"), "Initial flush retry backoff in milliseconds")
	cmd.PersistentFlags().Int("flush-retry-max-ms", defaults.GetInt("collab.flush_retry_max_ms"), "Maximum flush retry backoff in milliseconds")
	cmd.PersistentFlags().Int("replica-idle-ttl-s", defaults.GetInt("collab.replica_idle_ttl_s"), "Idle replica eviction threshold in seconds")
	cmd.PersistentFlags().Int("eviction-sweep-s", defaults.GetInt("collab.eviction_sweep_s"), "Eviction sweep interval in seconds")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "collab.flush_debounce_ms", "flush-debounce-ms")
	bindFlag(cmd, "collab.flush_max_interval_ms", "flush-max-interval-ms")
	bindFlag(cmd, "collab.flush_retry_base_ms", "flush-retry-base-ms")
	bindFlag(cmd, "collab.flush_retry_max_ms", "flush-retry-max-ms")
	bindFlag(cmd, "collab.replica_idle_ttl_s", "replica-idle-ttl-s")
	bindFlag(cmd, "collab.eviction_sweep_s", "eviction-sweep-s")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		TokenTTL:      appConfig.TokenTTL,
	})

	idProvider := notes.NewUUIDProvider()
	auditor, err := notes.NewAuditRecorder(notes.AuditRecorderConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	notesService, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Auditor:    auditor,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	registry, err := collab.NewRegistry(collab.RegistryConfig{
		Loader:  notesService,
		Clock:   time.Now,
		IdleTTL: appConfig.ReplicaIdleTTL,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	flusher, err := collab.NewFlusher(collab.FlusherConfig{
		Registry:    registry,
		Store:       notesService,
		Audit:       auditor,
		Logger:      logger,
		Debounce:    appConfig.FlushDebounce,
		MaxInterval: appConfig.FlushMaxInterval,
		RetryBase:   appConfig.FlushRetryBase,
		RetryMax:    appConfig.FlushRetryMax,
	})
	if err != nil {
		return err
	}

	rooms := collab.NewRoomManager(registry, logger)
	protocol, err := collab.NewProtocol(collab.ProtocolConfig{
		Registry:   registry,
		Rooms:      rooms,
		Flusher:    flusher,
		Authorizer: notesService,
		Legacy:     notesService,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		NotesService: notesService,
		Protocol:     protocol,
		IDProvider:   idProvider,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry.StartSweeper(signalCtx, appConfig.EvictionSweep)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		flusher.Close(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
