package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coauthor-labs/coauthor/backend/internal/auth"
	"github.com/coauthor-labs/coauthor/backend/internal/chat"
	"github.com/coauthor-labs/coauthor/backend/internal/config"
	"github.com/coauthor-labs/coauthor/backend/internal/database"
	"github.com/coauthor-labs/coauthor/backend/internal/documents"
	"github.com/coauthor-labs/coauthor/backend/internal/logging"
	"github.com/coauthor-labs/coauthor/backend/internal/presence"
	"github.com/coauthor-labs/coauthor/backend/internal/server"
	"github.com/coauthor-labs/coauthor/backend/internal/users"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coauthor-api",
		Short: "Coauthor collaborative document editor backend",
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
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address")
	cmd.PersistentFlags().Int("flush-interval-ms", defaults.GetInt("flush.interval_ms"), "Write-behind flush interval in milliseconds")
	cmd.PersistentFlags().Int("cache-ttl-seconds", defaults.GetInt("cache.ttl_seconds"), "Document snapshot cache TTL in seconds")
	cmd.PersistentFlags().Int("cursor-ttl-seconds", defaults.GetInt("cursor.ttl_seconds"), "Cursor entry TTL in seconds")
	cmd.PersistentFlags().Int("token-ttl-hours", defaults.GetInt("token.ttl_hours"), "Session token TTL in hours")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "flush.interval_ms", "flush-interval-ms")
	bindFlag(cmd, "cache.ttl_seconds", "cache-ttl-seconds")
	bindFlag(cmd, "cursor.ttl_seconds", "cursor-ttl-seconds")
	bindFlag(cmd, "token.ttl_hours", "token-ttl-hours")
	bindFlag(cmd, "log.level", "log-level")
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

	redisClient := redis.NewClient(&redis.Options{
		Addr:     appConfig.RedisAddress,
		Password: appConfig.RedisPassword,
	})
	defer redisClient.Close()

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	defer cancelPing()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		return err
	}

	directory, err := users.NewDirectory(users.DirectoryConfig{Database: db})
	if err != nil {
		return err
	}

	documentStore, err := documents.NewStore(documents.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	documentCache, err := documents.NewCache(documents.CacheConfig{
		Client: redisClient,
		Store:  documentStore,
		TTL:    appConfig.CacheTTL,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	reconciler, err := documents.NewReconciler(documents.ReconcilerConfig{
		Cache:  documentCache,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	flusher, err := documents.NewFlusher(documents.FlusherConfig{
		Reconciler: reconciler,
		Store:      documentStore,
		Interval:   appConfig.FlushInterval,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	presenceStore, err := presence.NewStore(presence.StoreConfig{
		Client:    redisClient,
		CursorTTL: appConfig.CursorTTL,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	chatLog, err := chat.NewLog(chat.LogConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "coauthor-auth",
		Audience:      "coauthor-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	gateway, err := server.NewGateway(server.GatewayConfig{
		Directory:  directory,
		Cache:      documentCache,
		Reconciler: reconciler,
		Store:      documentStore,
		ChatLog:    chatLog,
		Presence:   presenceStore,
		Hub:        server.NewHub(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Gateway:      gateway,
		Directory:    directory,
		Store:        documentStore,
		ChatLog:      chatLog,
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

	flusherDone := make(chan struct{})
	go func() {
		flusher.Run(signalCtx)
		close(flusherDone)
	}()

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
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		<-flusherDone
		return shutdownErr
	case err := <-errCh:
		return err
	}
}
