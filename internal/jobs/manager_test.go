package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/voice-enhancer/internal/config"
	"github.com/yourusername/voice-enhancer/internal/enhance"
	"github.com/yourusername/voice-enhancer/internal/metrics"
	"github.com/yourusername/voice-enhancer/internal/storage"
)

type fakeEnhancer struct {
	mu         sync.Mutex
	release    chan struct{}
	started    chan string
	progress   []int
	err        error
	panicWith  any
	skipOutput bool
	attempts   []enhance.Attempt
	profiles   map[string]enhance.Profile
	rejectExt  string
}

func (f *fakeEnhancer) Enhance(ctx context.Context, req enhance.Request, report enhance.ProgressReporter) (*enhance.Outcome, error) {
	f.mu.Lock()
	if f.profiles == nil {
		f.profiles = make(map[string]enhance.Profile)
	}
	f.profiles[req.JobID] = req.Profile
	f.mu.Unlock()

	if f.started != nil {
		f.started <- req.JobID
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	for _, p := range f.progress {
		report("fake step", p)
	}
	if f.err != nil {
		return nil, f.err
	}
	if !f.skipOutput {
		if err := os.WriteFile(req.OutputPath, []byte("enhanced:"+req.JobID), 0o644); err != nil {
			return nil, err
		}
	}
	return &enhance.Outcome{Strategy: "fake", Attempts: f.attempts}, nil
}

func (f *fakeEnhancer) Capabilities(ctx context.Context) []enhance.Capability {
	return []enhance.Capability{{Name: "fake", Available: true, Breaker: "closed"}}
}

func (f *fakeEnhancer) Accepts(ctx context.Context, ext string) bool {
	return ext != f.rejectExt
}

func (f *fakeEnhancer) profileFor(jobID string) enhance.Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profiles[jobID]
}

type testEnv struct {
	manager *Manager
	store   *Store
	blobs   *storage.Local
	clock   *fakeClock
	cfg     *config.Config
}

func testConfig() *config.Config {
	return &config.Config{
		WorkerConcurrency:    2,
		WorkerQueueSize:      8,
		JobExpireMinutes:     10,
		JobStaleMinutes:      60,
		SweepIntervalSeconds: 0,
		JobTimeoutMinutes:    1,
		CleanupBlobs:         true,
	}
}

func newTestEnv(t *testing.T, cfg *config.Config, enhancer Enhancer, opts ...Option) *testEnv {
	t.Helper()
	root := t.TempDir()
	blobs, err := storage.NewLocal(filepath.Join(root, "uploads"), filepath.Join(root, "processed"))
	require.NoError(t, err)

	clock := newFakeClock()
	store := NewStore(clock.Now)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithClock(clock.Now)}, opts...)

	m, err := NewManager(cfg, store, blobs, enhancer, logger, opts...)
	require.NoError(t, err)
	require.NoError(t, m.StartWorkers(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return &testEnv{manager: m, store: store, blobs: blobs, clock: clock, cfg: cfg}
}

func (e *testEnv) submit(t *testing.T, intensity int) Record {
	t.Helper()
	record, err := e.manager.Submit(context.Background(), SubmitRequest{
		Filename:  "voice memo.wav",
		Body:      bytes.NewReader([]byte("RIFF....WAVE")),
		Intensity: intensity,
	})
	require.NoError(t, err)
	return record
}

func (e *testEnv) waitForStage(t *testing.T, jobID string, stage Stage) Record {
	t.Helper()
	var last Record
	require.Eventually(t, func() bool {
		r, err := e.manager.Status(context.Background(), jobID)
		if err != nil {
			return false
		}
		last = r
		return r.Stage == stage
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", jobID, stage)
	return last
}

func TestSubmitReturnsBeforeEnhancementCompletes(t *testing.T) {
	enh := &fakeEnhancer{release: make(chan struct{}), started: make(chan string, 1)}
	env := newTestEnv(t, testConfig(), enh)

	record := env.submit(t, 5)
	assert.NotEmpty(t, record.JobID)
	assert.Equal(t, enhance.LevelMedium, record.IntensityLevel)
	assert.Equal(t, "MossFormer2_SE_48K", record.Model)
	assert.False(t, record.Stage.Terminal())

	<-enh.started
	running, err := env.manager.Status(context.Background(), record.JobID)
	require.NoError(t, err)
	assert.Equal(t, StageProcessing, running.Stage)
	assert.Equal(t, 20, running.Progress)

	_, err = env.manager.Result(context.Background(), record.JobID)
	assert.ErrorIs(t, err, ErrNotReady)

	close(enh.release)
	done := env.waitForStage(t, record.JobID, StageComplete)
	assert.Equal(t, 100, done.Progress)
	require.NotNil(t, done.Result)

	result, err := env.manager.Result(context.Background(), record.JobID)
	require.NoError(t, err)
	assert.Equal(t, record.JobID+"_enhanced.wav", result.ResultRef)
	assert.Equal(t, record.JobID+"_original.wav", result.InputFile)
	assert.Equal(t, "/api/blobs/processed/"+record.JobID+"_enhanced.wav", result.DownloadURL)
	assert.Equal(t, "fake", result.Strategy)
	assert.Positive(t, result.SizeBytes)

	data, err := os.ReadFile(env.blobs.Path(storage.KindProcessed, result.ResultRef))
	require.NoError(t, err)
	assert.Equal(t, "enhanced:"+record.JobID, string(data))
}

func TestProgressIsNonDecreasing(t *testing.T) {
	enh := &fakeEnhancer{
		release:  make(chan struct{}),
		started:  make(chan string, 1),
		progress: []int{10, 60, 40, 100},
	}
	env := newTestEnv(t, testConfig(), enh)
	record := env.submit(t, 2)

	var seen []int
	var mu sync.Mutex
	stop := make(chan struct{})
	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if r, err := env.manager.Status(context.Background(), record.JobID); err == nil {
				mu.Lock()
				seen = append(seen, r.Progress)
				mu.Unlock()
			}
			time.Sleep(time.Millisecond)
		}
	}()

	<-enh.started
	close(enh.release)
	env.waitForStage(t, record.JobID, StageComplete)
	close(stop)
	<-pollerDone

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1], "progress went backwards: %v", seen)
	}
}

func TestFailedJobNeverYieldsResult(t *testing.T) {
	enh := &fakeEnhancer{err: &enhance.ExhaustedError{Attempts: []enhance.Attempt{
		{Strategy: "clearvoice", Error: "enhancer unavailable"},
		{Strategy: "native", Error: "unsupported"},
	}}}
	env := newTestEnv(t, testConfig(), enh)
	record := env.submit(t, 9)

	failed := env.waitForStage(t, record.JobID, StageError)
	assert.Equal(t, 0, failed.Progress)
	assert.Nil(t, failed.Result)
	require.NotNil(t, failed.Error)
	assert.Equal(t, CodeEnhanceFailed, failed.Error.Code)
	assert.Contains(t, failed.Message, "all enhancers failed")
	assert.Len(t, failed.Attempts, 2)

	_, err := env.manager.Result(context.Background(), record.JobID)
	assert.ErrorIs(t, err, ErrJobFailed)
	assert.Contains(t, err.Error(), "all enhancers failed")

	again, err := env.manager.Status(context.Background(), record.JobID)
	require.NoError(t, err)
	assert.Equal(t, failed, again, "terminal snapshots do not change")
}

func TestMissingOutputFailsJob(t *testing.T) {
	env := newTestEnv(t, testConfig(), &fakeEnhancer{skipOutput: true})
	record := env.submit(t, 5)

	failed := env.waitForStage(t, record.JobID, StageError)
	assert.Equal(t, "output not generated", failed.Message)
	assert.Equal(t, CodeOutputMissing, failed.Error.Code)
}

func TestWorkerPanicIsRecorded(t *testing.T) {
	env := newTestEnv(t, testConfig(), &fakeEnhancer{panicWith: "segfault in model"})
	record := env.submit(t, 5)

	failed := env.waitForStage(t, record.JobID, StageError)
	assert.Equal(t, CodeInternal, failed.Error.Code)
	assert.Contains(t, failed.Message, "segfault in model")

	// パニック後もワーカーは次のジョブを処理できる
	second := env.submit(t, 5)
	env.waitForStage(t, second.JobID, StageError)
}

func TestSubmitValidatesIntensity(t *testing.T) {
	env := newTestEnv(t, testConfig(), &fakeEnhancer{})

	for _, intensity := range []int{0, 11, -3} {
		_, err := env.manager.Submit(context.Background(), SubmitRequest{
			Filename:  "a.wav",
			Body:      bytes.NewReader([]byte("x")),
			Intensity: intensity,
		})
		var apiErr *Error
		require.ErrorAs(t, err, &apiErr, "intensity=%d", intensity)
		assert.Equal(t, CodeInvalidInput, apiErr.Code)
	}
	assert.Equal(t, 0, env.store.Len())
}

func TestSubmitRejectsEmptyUpload(t *testing.T) {
	env := newTestEnv(t, testConfig(), &fakeEnhancer{})
	_, err := env.manager.Submit(context.Background(), SubmitRequest{
		Filename:  "a.wav",
		Body:      bytes.NewReader(nil),
		Intensity: 5,
	})
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeInvalidInput, apiErr.Code)
	assert.Equal(t, 0, env.store.Len())

	entries, err := os.ReadDir(filepath.Dir(env.blobs.Path(storage.KindUploads, "x")))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSubmitQueueFullRollsBack(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerConcurrency = 1
	cfg.WorkerQueueSize = 1
	enh := &fakeEnhancer{release: make(chan struct{}), started: make(chan string, 4)}
	env := newTestEnv(t, cfg, enh)

	first := env.submit(t, 5)
	<-enh.started
	env.submit(t, 5)

	_, err := env.manager.Submit(context.Background(), SubmitRequest{
		Filename:  "third.wav",
		Body:      bytes.NewReader([]byte("x")),
		Intensity: 5,
	})
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeQueueFull, apiErr.Code)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, env.store.Len())

	entries, err := os.ReadDir(filepath.Dir(env.blobs.Path(storage.KindUploads, "x")))
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	close(enh.release)
	env.waitForStage(t, first.JobID, StageComplete)
}

func TestIntensityBoundariesSelectModels(t *testing.T) {
	enh := &fakeEnhancer{}
	env := newTestEnv(t, testConfig(), enh)

	tests := map[int]string{
		2: "FRCRN_SE_16K",
		3: "FRCRN_SE_16K",
		4: "MossFormer2_SE_48K",
		5: "MossFormer2_SE_48K",
		9: "MossFormerGAN_SE_16K",
	}
	for intensity, model := range tests {
		record := env.submit(t, intensity)
		assert.Equal(t, model, record.Model, "intensity=%d", intensity)
		env.waitForStage(t, record.JobID, StageComplete)
		assert.Equal(t, model, enh.profileFor(record.JobID).ModelName)
	}
}

func TestEvictedJobIsNotFound(t *testing.T) {
	env := newTestEnv(t, testConfig(), &fakeEnhancer{})
	record := env.submit(t, 5)
	done := env.waitForStage(t, record.JobID, StageComplete)
	outputPath := env.blobs.Path(storage.KindProcessed, done.Result.ResultRef)
	require.True(t, env.blobs.Exists(outputPath))

	env.clock.Advance(11 * time.Minute)

	_, err := env.manager.Status(context.Background(), record.JobID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = env.manager.Result(context.Background(), record.JobID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.False(t, env.blobs.Exists(outputPath), "blobs are cleaned up on eviction")
}

func TestConcurrentJobsDoNotInterfere(t *testing.T) {
	enh := &fakeEnhancer{release: make(chan struct{}), started: make(chan string, 2), progress: []int{50}}
	env := newTestEnv(t, testConfig(), enh)

	light := env.submit(t, 1)
	strong := env.submit(t, 10)
	<-enh.started
	<-enh.started
	close(enh.release)

	a := env.waitForStage(t, light.JobID, StageComplete)
	b := env.waitForStage(t, strong.JobID, StageComplete)

	assert.NotEqual(t, a.JobID, b.JobID)
	assert.Equal(t, enhance.LevelLight, a.IntensityLevel)
	assert.Equal(t, enhance.LevelStrong, b.IntensityLevel)
	assert.Equal(t, light.JobID+"_enhanced.wav", a.Result.ResultRef)
	assert.Equal(t, strong.JobID+"_enhanced.wav", b.Result.ResultRef)

	for _, r := range []Record{a, b} {
		data, err := os.ReadFile(env.blobs.Path(storage.KindProcessed, r.Result.ResultRef))
		require.NoError(t, err)
		assert.Equal(t, "enhanced:"+r.JobID, string(data))
	}
}

func TestDuplicateJobIDIsRejected(t *testing.T) {
	env := newTestEnv(t, testConfig(), &fakeEnhancer{}, WithIDGenerator(func() string { return "fixed" }))
	env.submit(t, 5)

	_, err := env.manager.Submit(context.Background(), SubmitRequest{
		Filename:  "again.wav",
		Body:      bytes.NewReader([]byte("x")),
		Intensity: 5,
	})
	assert.ErrorIs(t, err, ErrDuplicateJob)
}

func TestStatusUnknownJob(t *testing.T) {
	env := newTestEnv(t, testConfig(), &fakeEnhancer{})
	_, err := env.manager.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestDownloadURLUsesBase(t *testing.T) {
	cfg := testConfig()
	cfg.JobResultBaseURL = "https://cdn.example.com/audio/"
	env := newTestEnv(t, cfg, &fakeEnhancer{})

	record := env.submit(t, 5)
	done := env.waitForStage(t, record.JobID, StageComplete)
	assert.Equal(t, fmt.Sprintf("https://cdn.example.com/audio/%s_enhanced.wav", record.JobID), done.Result.DownloadURL)
}

func TestManagerRecordsMetrics(t *testing.T) {
	collector := metrics.NewCollector(prometheus.NewRegistry())
	env := newTestEnv(t, testConfig(), &fakeEnhancer{}, WithMetrics(collector))
	record := env.submit(t, 5)
	env.waitForStage(t, record.JobID, StageComplete)

	assert.Equal(t, 1, env.manager.Stats()[StageComplete])
	assert.Equal(t, "fake", env.manager.Capabilities(context.Background())[0].Name)
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(nil, NewStore(nil), nil, nil, nil)
	assert.Error(t, err)
	_, err = NewManager(testConfig(), nil, nil, nil, nil)
	assert.Error(t, err)
	_, err = NewManager(testConfig(), NewStore(nil), nil, &fakeEnhancer{}, nil)
	assert.Error(t, err)
}

func TestShutdownRejectsNewSubmissions(t *testing.T) {
	env := newTestEnv(t, testConfig(), &fakeEnhancer{})
	require.NoError(t, env.manager.Shutdown(context.Background()))

	_, err := env.manager.Submit(context.Background(), SubmitRequest{
		Filename:  "late.wav",
		Body:      bytes.NewReader([]byte("x")),
		Intensity: 5,
	})
	assert.True(t, errors.Is(err, ErrPoolClosed))
	assert.Equal(t, 0, env.store.Len())
}

func TestSubmitRejectsFormatNoStrategyCanDecode(t *testing.T) {
	env := newTestEnv(t, testConfig(), &fakeEnhancer{rejectExt: "mp3"})

	_, err := env.manager.Submit(context.Background(), SubmitRequest{
		Filename:  "interview.MP3",
		Body:      bytes.NewReader([]byte("ID3")),
		Intensity: 5,
	})
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeUnsupportedMedia, apiErr.Code)
	assert.Contains(t, apiErr.Message, ".mp3")
	assert.Equal(t, 0, env.store.Len())

	entries, err := os.ReadDir(filepath.Dir(env.blobs.Path(storage.KindUploads, "x")))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestQueuedJobSurvivesStaleSweep(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerConcurrency = 1
	enh := &fakeEnhancer{release: make(chan struct{}), started: make(chan string, 2)}
	env := newTestEnv(t, cfg, enh)

	running := env.submit(t, 5)
	require.Equal(t, running.JobID, <-enh.started)
	queued := env.submit(t, 5)

	// 実行中のジョブより長く待たされても、キュー待ちのジョブは破棄しない
	env.clock.Advance(time.Duration(cfg.JobStaleMinutes+1) * time.Minute)
	env.manager.SweepNow()

	_, err := env.manager.Status(context.Background(), running.JobID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	waiting, err := env.manager.Status(context.Background(), queued.JobID)
	require.NoError(t, err)
	assert.Equal(t, StageUploading, waiting.Stage)

	close(enh.release)
	done := env.waitForStage(t, queued.JobID, StageComplete)
	require.NotNil(t, done.Result)
	assert.False(t, env.manager.isWaiting(queued.JobID))
}

// sineWAV は 16kHz モノラルの正弦波 WAV を生成して内容を返します。
func sineWAV(t *testing.T) []byte {
	t.Helper()
	const sampleRate = 16000
	data := make([]int, sampleRate/4)
	for i := range data {
		data[i] = int(0.3 * 32767 * math.Sin(2*math.Pi*440*float64(i)/sampleRate))
	}

	path := filepath.Join(t.TempDir(), "sine.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return content
}

func TestJobFallsBackThroughRealChain(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	missing := t.TempDir()
	strategies, err := enhance.BuildStrategies([]string{"clearvoice", "ffmpeg", "native"}, enhance.Settings{
		ClearVoiceCommand: filepath.Join(missing, "clearvoice"),
		FFmpegPath:        filepath.Join(missing, "ffmpeg"),
		Logger:            logger,
	})
	require.NoError(t, err)
	chain, err := enhance.NewChain(strategies, logger)
	require.NoError(t, err)

	env := newTestEnv(t, testConfig(), chain)
	record, err := env.manager.Submit(context.Background(), SubmitRequest{
		Filename:  "take1.wav",
		Body:      bytes.NewReader(sineWAV(t)),
		Intensity: 8,
	})
	require.NoError(t, err)

	done := env.waitForStage(t, record.JobID, StageComplete)
	require.NotNil(t, done.Result)
	assert.Equal(t, "native", done.Result.Strategy)
	assert.Positive(t, done.Result.SizeBytes)
	assert.Equal(t, 100, done.Progress)

	var tried []string
	for _, a := range done.Attempts {
		tried = append(tried, a.Strategy)
	}
	assert.Equal(t, []string{"clearvoice", "ffmpeg"}, tried)

	info, err := os.Stat(env.blobs.Path(storage.KindProcessed, done.Result.ResultRef))
	require.NoError(t, err)
	assert.Equal(t, done.Result.SizeBytes, info.Size())
}
