// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り、* で全許可）

	// アップロード設定
	MaxFileSize       int64    // 単一ファイルの最大サイズ（バイト）
	AllowedExtensions []string // 受け付ける拡張子（小文字、ドットなし）
	UploadDir         string   // アップロード音声の保存先
	ProcessedDir      string   // 処理済み音声の保存先
	StaticDir         string   // フロントエンドの配信元（空なら配信しない）

	// ジョブ設定
	JobExpireMinutes     int    // 終了済みジョブの保持期間（分）
	JobStaleMinutes      int    // 更新が止まった実行中ジョブを破棄するまでの時間（分）
	SweepIntervalSeconds int    // 期限切れジョブ掃除の最小間隔（秒、0 は毎回）
	JobTimeoutMinutes    int    // 1ジョブの処理時間上限（分）
	WorkerConcurrency    int    // 同時に処理するジョブ数
	WorkerQueueSize      int    // 待機できるジョブ数
	JobResultBaseURL     string // 結果ファイル取得用のベースURL
	CleanupBlobs         bool   // ジョブ破棄時に音声ファイルも削除するか

	// 音声処理設定
	EnhancerChain           []string // 試行する処理方式の順序
	ClearVoiceCommand       string   // ClearerVoice CLI の実行ファイル
	ClearVoiceCheckpointDir string   // モデルのチェックポイント保存先
	FFmpegPath              string   // ffmpeg 実行ファイルのパス
	ProfilesFile            string   // 強度プロファイルの上書き用YAML

	// ログ設定
	LogLevel  string // debug, info, warn, error
	LogFormat string // text, json

	// 可観測性
	MetricsEnabled       bool   // /metrics を公開するか
	OTELExporterType     string // none, stdout, otlp
	OTELExporterEndpoint string // OTLP エンドポイント

	// レート制限
	RateLimitRPS   float64 // クライアントごとの投入レート（件/秒、0 で無効）
	RateLimitBurst int     // バースト許容量
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "5000"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),

		// アップロード設定
		MaxFileSize:       getEnvAsInt64("MAX_FILE_SIZE", 50*1024*1024), // 50MB
		AllowedExtensions: getEnvAsList("ALLOWED_EXTENSIONS", []string{"mp3", "wav", "flac", "ogg", "aac", "aiff"}),
		UploadDir:         getEnv("UPLOAD_DIR", "uploads"),
		ProcessedDir:      getEnv("PROCESSED_DIR", "processed"),
		StaticDir:         getEnv("STATIC_DIR", ""),

		// ジョブ設定
		JobExpireMinutes:     getEnvAsInt("JOB_EXPIRE_MINUTES", 10),
		JobStaleMinutes:      getEnvAsInt("JOB_STALE_MINUTES", 60),
		SweepIntervalSeconds: getEnvAsInt("SWEEP_INTERVAL_SECONDS", 30),
		JobTimeoutMinutes:    getEnvAsInt("JOB_TIMEOUT_MINUTES", 15),
		WorkerConcurrency:    getEnvAsInt("WORKER_CONCURRENCY", 2),
		WorkerQueueSize:      getEnvAsInt("WORKER_QUEUE_SIZE", 64),
		JobResultBaseURL:     getEnv("JOB_RESULT_BASE_URL", ""),
		CleanupBlobs:         getEnvAsBool("CLEANUP_BLOBS", true),

		// 音声処理設定
		EnhancerChain:           getEnvAsList("ENHANCER_CHAIN", []string{"clearvoice", "ffmpeg", "native"}),
		ClearVoiceCommand:       getEnv("CLEARVOICE_CMD", "clearvoice-cli"),
		ClearVoiceCheckpointDir: getEnv("CLEARVOICE_CHECKPOINT_DIR", "checkpoints"),
		FFmpegPath:              getEnv("FFMPEG_PATH", "ffmpeg"),
		ProfilesFile:            getEnv("PROFILES_FILE", ""),

		// ログ設定
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		// 可観測性
		MetricsEnabled:       getEnvAsBool("METRICS_ENABLED", true),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "none"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),

		// レート制限
		RateLimitRPS:   getEnvAsFloat("RATE_LIMIT_RPS", 2),
		RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 5),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	if len(c.AllowedExtensions) == 0 {
		return fmt.Errorf("ALLOWED_EXTENSIONS must not be empty")
	}
	if c.UploadDir == "" || c.ProcessedDir == "" {
		return fmt.Errorf("UPLOAD_DIR and PROCESSED_DIR are required")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	// 処理中に進捗が届かないジョブを途中で捨てないよう、放置判定は処理上限より長くする
	if c.JobStaleMinutes > 0 && c.JobTimeoutMinutes > 0 && c.JobStaleMinutes <= c.JobTimeoutMinutes {
		return fmt.Errorf("JOB_STALE_MINUTES (%d) must exceed JOB_TIMEOUT_MINUTES (%d)", c.JobStaleMinutes, c.JobTimeoutMinutes)
	}
	if len(c.EnhancerChain) == 0 {
		return fmt.Errorf("ENHANCER_CHAIN must name at least one enhancer")
	}
	switch c.OTELExporterType {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("OTEL_EXPORTER_TYPE must be one of none, stdout, otlp (got %q)", c.OTELExporterType)
	}

	// 本番では無制限のCORSとレート制限なしを許さない
	if c.GinMode == "release" {
		if c.CORSAllowedOrigins == "*" {
			return fmt.Errorf("CORS_ALLOWED_ORIGINS must list explicit origins in release mode")
		}
		if c.RateLimitRPS <= 0 {
			return fmt.Errorf("RATE_LIMIT_RPS must be positive in release mode")
		}
	}

	return nil
}

// AllowedOrigins は CORS 許可オリジンを配列で返します。
func (c *Config) AllowedOrigins() []string {
	origins := make([]string, 0)
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList はカンマ区切りの環境変数を小文字の配列として取得します。
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var values []string
	for _, v := range strings.Split(valueStr, ",") {
		v = strings.ToLower(strings.TrimSpace(v))
		v = strings.TrimPrefix(v, ".")
		if v != "" {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return defaultValue
	}
	return values
}
