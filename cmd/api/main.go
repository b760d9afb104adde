// Package main はAPIサーバーと単発処理用CLIのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yourusername/voice-enhancer/internal/config"
	"github.com/yourusername/voice-enhancer/internal/enhance"
	"github.com/yourusername/voice-enhancer/internal/jobs"
	"github.com/yourusername/voice-enhancer/internal/metrics"
	"github.com/yourusername/voice-enhancer/internal/ratelimit"
	"github.com/yourusername/voice-enhancer/internal/storage"
	"github.com/yourusername/voice-enhancer/internal/telemetry"
)

const (
	serviceName = "voice-enhancer-api"
	version     = "0.1.0"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// app はサーバーが共有する依存関係をまとめたものです。
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	blobs   *storage.Local
	manager *jobs.Manager
	metrics *metrics.Collector
	limiter *ratelimit.Limiter
}

// newLogger は LOG_LEVEL と LOG_FORMAT に従ってロガーを作成します。
func newLogger(level, format string, w io.Writer) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn", "warning":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lv}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// buildChain は設定された順序で処理方式のチェーンを組み立てます。
func buildChain(cfg *config.Config, logger *slog.Logger, collector *metrics.Collector) (*enhance.Chain, error) {
	strategies, err := enhance.BuildStrategies(cfg.EnhancerChain, enhance.Settings{
		ClearVoiceCommand:       cfg.ClearVoiceCommand,
		ClearVoiceCheckpointDir: cfg.ClearVoiceCheckpointDir,
		FFmpegPath:              cfg.FFmpegPath,
		Logger:                  logger,
	})
	if err != nil {
		return nil, err
	}
	return enhance.NewChain(strategies, logger, enhance.WithFailureHook(collector.RecordStrategyFailure))
}

// newApp は設定からストレージ・処理チェーン・ジョブ管理を初期化します。
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	collector := metrics.NewCollector(prometheus.NewRegistry())

	blobs, err := storage.NewLocal(cfg.UploadDir, cfg.ProcessedDir)
	if err != nil {
		return nil, err
	}

	resolver, err := enhance.LoadResolver(cfg.ProfilesFile)
	if err != nil {
		return nil, err
	}

	chain, err := buildChain(cfg, logger, collector)
	if err != nil {
		return nil, err
	}

	manager, err := jobs.NewManager(cfg, jobs.NewStore(nil), blobs, chain, logger,
		jobs.WithMetrics(collector),
		jobs.WithResolver(resolver),
	)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		blobs:   blobs,
		manager: manager,
		metrics: collector,
		limiter: ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}, nil
}

// newRouter は Gin ルーターにミドルウェアとルートを登録します。
func newRouter(a *app) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	origins := a.cfg.AllowedOrigins()
	if len(origins) == 0 || slices.Contains(origins, "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	corsConfig.ExposeHeaders = []string{"Content-Disposition", "Retry-After"}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, a)
	return router
}

// runServer はHTTPサーバーとワーカーを起動し、シグナルを受けたら順に停止します。
func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	gin.SetMode(cfg.GinMode)

	shutdownTracer, err := telemetry.InitTracer(serviceName, version, cfg, logger)
	if err != nil {
		return err
	}
	defer shutdownTracer()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	if err := a.manager.StartWorkers(workerCtx); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}

	for _, capability := range a.manager.Capabilities(ctx) {
		logger.Info("enhancer capability",
			"strategy", capability.Name,
			"available", capability.Available,
			"reason", capability.Reason,
		)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(a),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting API server", "addr", srv.Addr, "mode", cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
	}
	if err := a.manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("workers did not stop in time", "error", err)
	}
	logger.Info("server stopped")
	return nil
}
