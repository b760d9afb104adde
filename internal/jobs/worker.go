package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourusername/voice-enhancer/internal/enhance"
)

// 進捗の区切り（%）
const (
	progressLoading    = 10
	progressProcessing = 20
	progressProcessEnd = 85
	progressSaving     = 90
)

// jobTask はワーカーに渡す1ジョブ分の入力です。
type jobTask struct {
	jobID      string
	inputName  string
	inputPath  string
	outputName string
	outputPath string
	profile    enhance.Profile
}

// runJob は1件のジョブを loading → processing → saving → complete の順に進めます。
// 投入後の失敗は全てジョブの error として記録し、呼び出し元には返しません。
func (m *Manager) runJob(ctx context.Context, t jobTask) {
	m.setWaiting(t.jobID, false)
	start := m.now()
	ctx, span := m.tracer.Start(ctx, "job.run", trace.WithAttributes(
		attribute.String("job.id", t.jobID),
		attribute.String("enhance.level", string(t.profile.Level)),
		attribute.String("enhance.model", t.profile.ModelName),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("job panicked", "job_id", t.jobID, "panic", r, "stack", string(debug.Stack()))
			span.SetStatus(codes.Error, "panic")
			m.failJob(t.jobID, CodeInternal, fmt.Sprintf("internal error: %v", r), start)
		}
	}()

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	m.update(t.jobID, StageLoading, progressLoading, "loading audio")
	if !m.blobs.Exists(t.inputPath) {
		m.failJob(t.jobID, CodeInputMissing, "input file not found", start)
		return
	}

	m.update(t.jobID, StageProcessing, progressProcessing, "enhancing with "+t.profile.ModelName)
	outcome, err := m.enhancer.Enhance(ctx, enhance.Request{
		JobID:      t.jobID,
		InputPath:  t.inputPath,
		OutputPath: t.outputPath,
		Profile:    t.profile,
	}, func(stage string, percent int) {
		width := progressProcessEnd - progressProcessing
		m.update(t.jobID, StageProcessing, progressProcessing+percent*width/100, stage)
	})

	m.recordAttempts(t.jobID, outcome, err)
	if err != nil {
		code := CodeEnhanceFailed
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = CodeTimeout
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		m.failJob(t.jobID, code, err.Error(), start)
		return
	}

	m.update(t.jobID, StageSaving, progressSaving, "saving result")
	size, err := m.blobs.Size(t.outputPath)
	if err != nil || size <= 0 {
		span.SetStatus(codes.Error, CodeOutputMissing)
		m.failJob(t.jobID, CodeOutputMissing, "output not generated", start)
		return
	}

	result := Result{
		InputFile:   t.inputName,
		OutputFile:  t.outputName,
		ResultRef:   t.outputName,
		DownloadURL: m.buildDownloadURL(t.outputName),
		SizeBytes:   size,
		Strategy:    outcome.Strategy,
	}
	if err := m.store.MarkComplete(t.jobID, result, "enhancement complete"); err != nil {
		m.logger.Warn("failed to mark job complete", "job_id", t.jobID, "error", err)
		return
	}

	elapsed := m.now().Sub(start)
	span.SetAttributes(attribute.String("enhance.strategy", outcome.Strategy))
	m.metrics.RecordCompleted(outcome.Strategy, elapsed)
	m.refreshGauges()
	m.logger.Info("job complete",
		"job_id", t.jobID,
		"strategy", outcome.Strategy,
		"size_bytes", size,
		"duration_ms", elapsed.Milliseconds(),
	)
}

func (m *Manager) recordAttempts(jobID string, outcome *enhance.Outcome, err error) {
	var attempts []enhance.Attempt
	var exhausted *enhance.ExhaustedError
	switch {
	case outcome != nil:
		attempts = outcome.Attempts
	case errors.As(err, &exhausted):
		attempts = exhausted.Attempts
	}
	for _, a := range attempts {
		if err := m.store.RecordAttempt(jobID, a); err != nil {
			m.logger.Debug("failed to record attempt", "job_id", jobID, "error", err)
		}
	}
}

func (m *Manager) failJob(jobID, code, message string, start time.Time) {
	if err := m.store.MarkFailed(jobID, ErrorInfo{Code: code, Message: message}); err != nil {
		m.logger.Warn("failed to mark job failed", "job_id", jobID, "error", err)
		return
	}
	elapsed := m.now().Sub(start)
	m.metrics.RecordFailed(code, elapsed)
	m.refreshGauges()
	m.logger.Error("job failed", "job_id", jobID, "code", code, "message", message, "duration_ms", elapsed.Milliseconds())
}
