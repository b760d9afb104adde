// Package jobs は音声強調ジョブの受付と非同期実行、状態管理を提供します。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourusername/voice-enhancer/internal/config"
	"github.com/yourusername/voice-enhancer/internal/enhance"
	"github.com/yourusername/voice-enhancer/internal/metrics"
	"github.com/yourusername/voice-enhancer/internal/storage"
)

// BlobStore はアップロードと処理結果のファイルを保存する先です。
type BlobStore interface {
	Save(kind storage.Kind, name string, r io.Reader) (string, int64, error)
	Path(kind storage.Kind, name string) string
	Exists(path string) bool
	Size(path string) (int64, error)
	Remove(path string) error
}

// Enhancer は音声強調の実行と利用可否の照会を提供します。
type Enhancer interface {
	Enhance(ctx context.Context, req enhance.Request, report enhance.ProgressReporter) (*enhance.Outcome, error)
	Capabilities(ctx context.Context) []enhance.Capability
	// Accepts は拡張子 ext の入力を扱える処理方式があるかを返します。
	Accepts(ctx context.Context, ext string) bool
}

// SubmitRequest は投入されたジョブの入力です。
type SubmitRequest struct {
	Filename  string
	Body      io.Reader
	Intensity int
}

// Manager はジョブの投入と状態管理を担います。
type Manager struct {
	cfg      *config.Config
	store    *Store
	blobs    BlobStore
	enhancer Enhancer
	resolver *enhance.Resolver
	pool     *Pool
	sweeper  *Sweeper
	metrics  *metrics.Collector
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
	timeout  time.Duration

	mu           sync.Mutex
	stopSweeping context.CancelFunc

	// waiting はプールの待ち行列にいてまだワーカーが拾っていないジョブです
	waitMu  sync.Mutex
	waiting map[string]struct{}
}

// Option は Manager の任意設定です。
type Option func(*Manager)

func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

func WithResolver(r *enhance.Resolver) Option {
	return func(m *Manager) {
		if r != nil {
			m.resolver = r
		}
	}
}

// WithClock は期限判定と処理時間の計測に使う時計を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIDGenerator はジョブIDの生成方法を差し替えます。
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, store *Store, blobs BlobStore, enhancer Enhancer, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if blobs == nil {
		return nil, errors.New("blob store is nil")
	}
	if enhancer == nil {
		return nil, errors.New("enhancer is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:      cfg,
		store:    store,
		blobs:    blobs,
		enhancer: enhancer,
		resolver: enhance.DefaultResolver(),
		tracer:   otel.Tracer("voice-enhancer/jobs"),
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
		timeout:  time.Duration(cfg.JobTimeoutMinutes) * time.Minute,
		waiting:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.pool = NewPool(cfg.WorkerQueueSize, logger)
	m.sweeper = NewSweeper(store, SweeperConfig{
		TerminalMaxAge: time.Duration(cfg.JobExpireMinutes) * time.Minute,
		InFlightMaxAge: time.Duration(cfg.JobStaleMinutes) * time.Minute,
		MinInterval:    time.Duration(cfg.SweepIntervalSeconds) * time.Second,
		Now:            m.now,
		OnEvict:        m.evicted,
		Keep:           func(r Record) bool { return m.isWaiting(r.JobID) },
		Logger:         logger,
	})
	return m, nil
}

// StartWorkers はワーカープールと定期掃除を開始します。
func (m *Manager) StartWorkers(ctx context.Context) error {
	if err := m.pool.Start(ctx, m.cfg.WorkerConcurrency); err != nil {
		return err
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.stopSweeping = cancel
	m.mu.Unlock()

	interval := time.Duration(m.cfg.SweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go m.sweeper.Run(sweepCtx, interval)

	m.logger.Info("workers started",
		"concurrency", m.cfg.WorkerConcurrency,
		"queue_size", m.cfg.WorkerQueueSize,
		"sweep_interval", interval,
	)
	return nil
}

// Shutdown は受付を止め、待機中と実行中のジョブを ctx の期限まで待ちます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopSweeping != nil {
		m.stopSweeping()
	}
	m.mu.Unlock()
	return m.pool.Stop(ctx)
}

// Submit はジョブを登録してアップロードを保存し、ワーカーに渡して直ちに戻ります。
// 強調処理の完了は待ちません。
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (Record, error) {
	if req.Body == nil {
		return Record{}, NewError(CodeInvalidInput, "音声ファイルを選択してください。", nil)
	}
	if !enhance.ValidIntensity(req.Intensity) {
		return Record{}, NewError(CodeInvalidInput,
			fmt.Sprintf("強度は%d〜%dの整数で指定してください。", enhance.MinIntensity, enhance.MaxIntensity), nil)
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(req.Filename), "."))
	if ext == "" {
		return Record{}, NewError(CodeInvalidInput, "ファイル名に拡張子がありません。", nil)
	}
	if !m.enhancer.Accepts(ctx, ext) {
		return Record{}, NewError(CodeUnsupportedMedia,
			fmt.Sprintf("この環境では .%s 形式の音声を処理できません。", ext), nil)
	}

	profile := m.resolver.Resolve(req.Intensity)
	jobID := m.newID()
	inputName := jobID + "_original." + ext
	outputName := jobID + "_enhanced.wav"

	if err := m.store.Create(Record{
		JobID:            jobID,
		OriginalFilename: filepath.Base(req.Filename),
		Intensity:        req.Intensity,
		IntensityLevel:   profile.Level,
		Model:            profile.ModelName,
		ModelDescription: profile.Description,
		EstimatedTime:    profile.EstimatedTime,
		Message:          "job created",
		InputPath:        m.blobs.Path(storage.KindUploads, inputName),
		OutputPath:       m.blobs.Path(storage.KindProcessed, outputName),
	}); err != nil {
		return Record{}, err
	}

	m.update(jobID, StageUploading, 5, "storing upload")
	inputPath, size, err := m.blobs.Save(storage.KindUploads, inputName, req.Body)
	if err != nil {
		m.store.Delete(jobID)
		return Record{}, fmt.Errorf("failed to store upload: %w", err)
	}
	if size == 0 {
		m.discard(jobID, inputPath)
		return Record{}, NewError(CodeInvalidInput, "空のファイルはアップロードできません。", nil)
	}
	m.update(jobID, StageUploading, 10, "waiting for worker")

	t := jobTask{
		jobID:      jobID,
		inputName:  inputName,
		inputPath:  inputPath,
		outputName: outputName,
		outputPath: m.blobs.Path(storage.KindProcessed, outputName),
		profile:    profile,
	}
	m.setWaiting(jobID, true)
	if err := m.pool.Submit(func(ctx context.Context) { m.runJob(ctx, t) }); err != nil {
		m.setWaiting(jobID, false)
		m.discard(jobID, inputPath)
		if errors.Is(err, ErrQueueFull) {
			return Record{}, NewError(CodeQueueFull, "処理待ちのジョブが多すぎます。しばらくしてから再度お試しください。", err)
		}
		return Record{}, fmt.Errorf("failed to dispatch job: %w", err)
	}

	m.metrics.RecordSubmitted(string(profile.Level))
	m.refreshGauges()
	m.logger.Info("job submitted",
		"job_id", jobID,
		"filename", req.Filename,
		"size_bytes", size,
		"intensity", req.Intensity,
		"level", profile.Level,
		"model", profile.ModelName,
	)

	record, ok := m.store.Get(jobID)
	if !ok {
		// ワーカーより先に掃除されることは通常ないが、ID は返せる
		return Record{JobID: jobID, IntensityLevel: profile.Level, Model: profile.ModelName}, nil
	}
	return record, nil
}

// Status はジョブの現在状態を返します。照会のついでに期限切れジョブを掃除します。
func (m *Manager) Status(ctx context.Context, jobID string) (Record, error) {
	m.sweeper.MaybeSweep()

	record, ok := m.store.Get(jobID)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return record, nil
}

// Result は完了したジョブの成果物情報を返します。
// 処理中なら ErrNotReady、失敗していれば ErrJobFailed を返します。
func (m *Manager) Result(ctx context.Context, jobID string) (Result, error) {
	record, err := m.Status(ctx, jobID)
	if err != nil {
		return Result{}, err
	}

	switch record.Stage {
	case StageComplete:
		if record.Result == nil {
			return Result{}, fmt.Errorf("%w: %s", ErrNotReady, jobID)
		}
		return *record.Result, nil
	case StageError:
		return Result{}, fmt.Errorf("%w: %s", ErrJobFailed, record.Message)
	default:
		return Result{}, fmt.Errorf("%w: stage=%s", ErrNotReady, record.Stage)
	}
}

// Capabilities は処理方式ごとの利用可否を返します。
func (m *Manager) Capabilities(ctx context.Context) []enhance.Capability {
	return m.enhancer.Capabilities(ctx)
}

// Stats は段階ごとの保持ジョブ数を返します。
func (m *Manager) Stats() map[Stage]int {
	return m.store.Stats()
}

// SweepNow は間隔に関係なく期限切れジョブを掃除します。
func (m *Manager) SweepNow() int {
	return m.sweeper.Sweep()
}

// update は進捗を保存します。掃除済みのジョブへの更新は無視します。
func (m *Manager) update(jobID string, stage Stage, percent int, message string) {
	err := m.store.Update(jobID, stage, percent, message)
	switch {
	case err == nil:
	case errors.Is(err, ErrJobNotFound):
		m.logger.Debug("progress for evicted job dropped", "job_id", jobID, "stage", stage)
	default:
		m.logger.Warn("failed to update progress", "job_id", jobID, "stage", stage, "error", err)
	}
}

func (m *Manager) setWaiting(jobID string, waiting bool) {
	m.waitMu.Lock()
	defer m.waitMu.Unlock()
	if waiting {
		m.waiting[jobID] = struct{}{}
	} else {
		delete(m.waiting, jobID)
	}
}

func (m *Manager) isWaiting(jobID string) bool {
	m.waitMu.Lock()
	defer m.waitMu.Unlock()
	_, ok := m.waiting[jobID]
	return ok
}

func (m *Manager) discard(jobID, inputPath string) {
	m.store.Delete(jobID)
	if err := m.blobs.Remove(inputPath); err != nil {
		m.logger.Warn("failed to remove upload", "job_id", jobID, "path", inputPath, "error", err)
	}
}

func (m *Manager) evicted(r Record) {
	m.metrics.RecordEvicted(1)
	if m.cfg.CleanupBlobs {
		for _, path := range []string{r.InputPath, r.OutputPath} {
			if err := m.blobs.Remove(path); err != nil {
				m.logger.Warn("failed to remove blob", "job_id", r.JobID, "path", path, "error", err)
			}
		}
	}
	m.refreshGauges()
}

func (m *Manager) refreshGauges() {
	if m.metrics == nil {
		return
	}
	stats := m.store.Stats()
	stages := Stages()
	names := make([]string, len(stages))
	counts := make(map[string]int, len(stats))
	for i, s := range stages {
		names[i] = string(s)
		counts[string(s)] = stats[s]
	}
	m.metrics.SetTracked(names, counts)
}

func (m *Manager) buildDownloadURL(outputName string) string {
	base := m.cfg.JobResultBaseURL
	if base == "" {
		return "/api/blobs/" + string(storage.KindProcessed) + "/" + url.PathEscape(outputName)
	}
	return fmt.Sprintf("%s/%s", strings.TrimRight(base, "/"), url.PathEscape(outputName))
}
