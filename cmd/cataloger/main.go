// Package main provides the cataloger service entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"cataloger/internal/cache"
	"cataloger/internal/catalog"
	httpserver "cataloger/internal/http"
	"cataloger/internal/musicbrainz"
	"cataloger/internal/store"
)

var (
	cfgFile string
	config  *catalog.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "cataloger",
	Short: "Cataloger - YouTube playlist to music collection service",
	Long: `Cataloger turns raw YouTube playlists into structured music collections,
enriching each track with MusicBrainz metadata behind a rate-limited,
cache-backed processing pipeline.`,
	RunE: runCataloger,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Int("workers", 0, "pipeline worker count (default: available CPUs)")
	rootCmd.PersistentFlags().Duration("call-timeout", 10*time.Second, "per-call timeout for external requests")
	rootCmd.PersistentFlags().Int("max-retries", 3, "retry attempts for transient enrichment failures")
	rootCmd.PersistentFlags().Float64("rate-limit", 1.0, "enrichment requests per second")
	rootCmd.PersistentFlags().Int("rate-burst", 1, "enrichment rate limiter burst")
	rootCmd.PersistentFlags().Float64("min-confidence", 0.5, "minimum match confidence threshold")
	rootCmd.PersistentFlags().String("musicbrainz-url", "https://musicbrainz.org/ws/2", "MusicBrainz API base URL")
	rootCmd.PersistentFlags().String("musicbrainz-user-agent", "cataloger/1.0", "MusicBrainz user agent")
	rootCmd.PersistentFlags().String("cache-backend", "memory", "cache backend (memory, sqlite)")
	rootCmd.PersistentFlags().String("cache-path", "./metadata_cache.db", "sqlite cache path")
	rootCmd.PersistentFlags().Duration("cache-ttl", time.Hour, "cache entry TTL")
	rootCmd.PersistentFlags().Int("server-port", 8080, "HTTP server port")
	rootCmd.PersistentFlags().String("server-host", "0.0.0.0", "HTTP server host")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(".env")
		viper.SetConfigType("env")
	}

	viper.SetEnvPrefix("CATALOGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}

	config = buildConfig()
	logger = buildLogger(config.Log.Level)
}

func buildConfig() *catalog.Config {
	cfg := catalog.DefaultConfig()

	if workers := viper.GetInt("workers"); workers > 0 {
		cfg.Pipeline.Workers = workers
	}
	if timeout := viper.GetDuration("call-timeout"); timeout > 0 {
		cfg.Pipeline.CallTimeout = timeout
		cfg.Enrichment.Timeout = timeout
	}

	if retries := viper.GetInt("max-retries"); retries > 0 {
		cfg.Enrichment.MaxRetries = retries
	}
	if limit := viper.GetFloat64("rate-limit"); limit > 0 {
		cfg.Enrichment.RatePerSecond = limit
	}
	if burst := viper.GetInt("rate-burst"); burst > 0 {
		cfg.Enrichment.RateBurst = burst
	}
	if threshold := viper.GetFloat64("min-confidence"); threshold > 0 {
		cfg.Enrichment.MinConfidence = threshold
	}
	if baseURL := viper.GetString("musicbrainz-url"); baseURL != "" {
		cfg.Enrichment.BaseURL = baseURL
	}
	if userAgent := viper.GetString("musicbrainz-user-agent"); userAgent != "" {
		cfg.Enrichment.UserAgent = userAgent
	}

	if backend := viper.GetString("cache-backend"); backend != "" {
		cfg.Cache.Backend = backend
	}
	if path := viper.GetString("cache-path"); path != "" {
		cfg.Cache.SQLitePath = path
	}
	if ttl := viper.GetDuration("cache-ttl"); ttl > 0 {
		cfg.Cache.TTL = ttl
	}

	if host := viper.GetString("server-host"); host != "" {
		cfg.Server.Host = host
	}
	if port := viper.GetInt("server-port"); port > 0 {
		cfg.Server.Port = port
	}

	cfg.Log.Level = viper.GetString("log-level")

	return cfg
}

func buildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	builtLogger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to build logger: %v", err))
	}

	return builtLogger
}

func buildCacheBackend() (cache.Backend, func(), error) {
	switch config.Cache.Backend {
	case "sqlite":
		backend, err := cache.NewSQLiteBackend(config.Cache.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return backend, func() { _ = backend.Close() }, nil
	case "memory", "":
		return cache.NewMemoryBackend(config.Cache.TTL), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend: %s", config.Cache.Backend)
	}
}

func runCataloger(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting cataloger",
		zap.String("version", "1.0.0"),
		zap.Int("workers", config.Pipeline.Workers),
		zap.String("cache_backend", config.Cache.Backend),
		zap.Float64("rate_limit", config.Enrichment.RatePerSecond))

	backend, closeBackend, err := buildCacheBackend()
	if err != nil {
		return fmt.Errorf("failed to build cache backend: %w", err)
	}
	defer closeBackend()

	gateway := cache.NewGateway(backend, &config.Cache, logger.Named("cache"))
	enricher := musicbrainz.NewClient(&config.Enrichment, nil, logger.Named("musicbrainz"))

	storeLogger := logger.Named("store")
	sessions := catalog.NewSessionManager(
		&config.Pipeline,
		func() catalog.Store { return store.NewCollection(storeLogger) },
		gateway,
		enricher,
		logger.Named("sessions"),
	)
	defer sessions.Shutdown()

	httpServer := httpserver.NewServer(&config.Server, sessions, logger.Named("http"))

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return httpServer.Start(gCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				httpServer.UpdateGauges()
			}
		}
	})

	if sqliteBackend, ok := backend.(*cache.SQLiteBackend); ok {
		g.Go(func() error {
			ticker := time.NewTicker(10 * time.Minute)
			defer ticker.Stop()

			for {
				select {
				case <-gCtx.Done():
					return nil
				case <-ticker.C:
					if err := sqliteBackend.Vacuum(gCtx); err != nil {
						logger.Warn("Cache vacuum failed", zap.Error(err))
					}
				}
			}
		})
	}

	logger.Info("Cataloger started",
		zap.String("http_addr", fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)))

	if err := g.Wait(); err != nil {
		logger.Error("Cataloger stopped with error", zap.Error(err))
		return err
	}

	logger.Info("Cataloger stopped gracefully")
	return nil
}
