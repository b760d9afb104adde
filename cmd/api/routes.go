package main

import (
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/voice-enhancer/internal/audio"
)

// setupRoutes は API グループとフロントエンド配信の配線を行います。
func setupRoutes(router *gin.Engine, a *app) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/healthz", healthHandler(a.manager))

	api := router.Group("/api")
	{
		api.GET("/health", healthHandler(a.manager))

		// 投入だけはクライアントごとにレート制限する
		submit := []gin.HandlerFunc{}
		if a.limiter.Enabled() {
			submit = append(submit, a.limiter.Middleware())
		}
		submit = append(submit, audio.SubmitHandler(a.manager, audio.HandlerOptions{
			MaxFileSize:       a.cfg.MaxFileSize,
			AllowedExtensions: a.cfg.AllowedExtensions,
			Logger:            a.logger,
		}))
		api.POST("/jobs", submit...)

		api.GET("/jobs/:id/status", jobStatusHandler(a.manager))
		api.GET("/jobs/:id/result", jobResultHandler(a.manager))
		api.GET("/blobs/:kind/:name", blobHandler(a.blobs))
		api.GET("/download/:name", downloadHandler(a.blobs))
	}

	if a.cfg.MetricsEnabled {
		router.GET("/metrics", gin.WrapH(a.metrics.Handler()))
	}

	if a.cfg.StaticDir != "" {
		router.StaticFile("/", filepath.Join(a.cfg.StaticDir, "index.html"))
		router.Static("/static", filepath.Join(a.cfg.StaticDir, "static"))
	}
}
