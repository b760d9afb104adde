package enhance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrOutputMissing は処理方式が成功を返したのに出力ファイルが無い、または空の場合のエラーです。
	ErrOutputMissing = errors.New("output not generated")
	// ErrUnavailable は処理方式がこの環境で使えない場合のエラーです。
	ErrUnavailable = errors.New("enhancer unavailable")
)

// Request は1回の音声強調処理の入力です。
type Request struct {
	JobID      string
	InputPath  string
	OutputPath string
	Profile    Profile
}

// Strategy は音声強調の処理方式です。
type Strategy interface {
	Name() string
	// Available は実行に必要なものが揃っていなければ ErrUnavailable を包んだエラーを返します。
	Available(ctx context.Context) error
	Enhance(ctx context.Context, req Request, report ProgressReporter) error
}

// FormatLimiter は扱える入力形式が限られる処理方式が実装します。
// 実装しない方式は全ての形式を受け付けるものとして扱います。
type FormatLimiter interface {
	Accepts(ext string) bool
}

// Attempt は失敗した処理方式の記録です。
type Attempt struct {
	Strategy string `json:"strategy"`
	Error    string `json:"error"`
}

// Outcome は成功した処理方式と、それまでに失敗した試行です。
type Outcome struct {
	Strategy string
	Attempts []Attempt
}

// ExhaustedError は全ての処理方式が失敗したことを表します。
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return "no enhancer configured"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Strategy+": "+a.Error)
	}
	return "all enhancers failed: " + strings.Join(parts, "; ")
}

// Capability は処理方式の利用可否です。
type Capability struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Breaker   string `json:"breaker"`
	Reason    string `json:"reason,omitempty"`
}

// Chain は設定された順に処理方式を試し、最初に成功したものを採用します。
type Chain struct {
	strategies []Strategy
	breakers   map[string]*gobreaker.CircuitBreaker
	logger     *slog.Logger
	tracer     trace.Tracer
	onFailure  func(strategy string)
}

// ChainOption は Chain の任意設定です。
type ChainOption func(*Chain)

// WithChainTracer はスパンの出力先を差し替えます。
func WithChainTracer(tracer trace.Tracer) ChainOption {
	return func(c *Chain) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithFailureHook は処理方式が失敗するたびに呼ばれる関数を登録します。
func WithFailureHook(fn func(strategy string)) ChainOption {
	return func(c *Chain) {
		c.onFailure = fn
	}
}

// NewChain は処理方式ごとにサーキットブレーカーを用意して Chain を作成します。
// 最後の方式は後ろに代わりが無いため、ブレーカーを通さず毎回実行します。
func NewChain(strategies []Strategy, logger *slog.Logger, opts ...ChainOption) (*Chain, error) {
	if len(strategies) == 0 {
		return nil, errors.New("at least one strategy is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker, len(strategies))
	seen := make(map[string]struct{}, len(strategies))
	for i, s := range strategies {
		name := s.Name()
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate strategy %q", name)
		}
		seen[name] = struct{}{}
		if i == len(strategies)-1 {
			break
		}
		breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			IsSuccessful: func(err error) bool {
				return !countsAgainstBreaker(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("enhancer breaker state changed", "strategy", name, "from", from.String(), "to", to.String())
			},
		})
	}

	c := &Chain{
		strategies: strategies,
		breakers:   breakers,
		logger:     logger,
		tracer:     otel.Tracer("voice-enhancer/enhance"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Enhance は処理方式を順に試します。全て失敗した場合は *ExhaustedError を返します。
func (c *Chain) Enhance(ctx context.Context, req Request, report ProgressReporter) (*Outcome, error) {
	var attempts []Attempt
	fail := func(name string, err error) {
		attempts = append(attempts, Attempt{Strategy: name, Error: err.Error()})
	}

	for _, s := range c.strategies {
		name := s.Name()
		if err := ctx.Err(); err != nil {
			fail(name, err)
			break
		}

		cb := c.breakers[name]
		if cb != nil && cb.State() == gobreaker.StateOpen {
			fail(name, gobreaker.ErrOpenState)
			continue
		}
		if err := s.Available(ctx); err != nil {
			c.logger.Debug("enhancer skipped", "job_id", req.JobID, "strategy", name, "reason", err)
			fail(name, err)
			continue
		}

		// 前の方式の書きかけを次の方式の成果と取り違えない
		if err := os.Remove(req.OutputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to clear output: %w", err)
		}

		err := c.run(ctx, cb, s, req, report)
		if err == nil {
			return &Outcome{Strategy: name, Attempts: attempts}, nil
		}

		c.logger.Warn("enhancer failed", "job_id", req.JobID, "strategy", name, "error", err)
		if c.onFailure != nil {
			c.onFailure(name)
		}
		fail(name, err)
	}

	return nil, &ExhaustedError{Attempts: attempts}
}

func (c *Chain) run(ctx context.Context, cb *gobreaker.CircuitBreaker, s Strategy, req Request, report ProgressReporter) error {
	ctx, span := c.tracer.Start(ctx, "enhance."+s.Name(), trace.WithAttributes(
		attribute.String("job.id", req.JobID),
		attribute.String("enhance.level", string(req.Profile.Level)),
		attribute.String("enhance.model", req.Profile.ModelName),
	))
	defer span.End()

	var err error
	if cb == nil {
		err = invoke(ctx, s, req, report)
	} else {
		_, err = cb.Execute(func() (interface{}, error) {
			return nil, invoke(ctx, s, req, report)
		})
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func invoke(ctx context.Context, s Strategy, req Request, report ProgressReporter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if err := s.Enhance(ctx, req, report); err != nil {
		return err
	}
	return verifyOutput(req.OutputPath)
}

// countsAgainstBreaker は失敗が処理方式そのものの不調かを判定します。
// 入力ファイル固有のエラーや呼び出し側の打ち切りはブレーカーに数えません。
func countsAgainstBreaker(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrUnsupportedInput),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func verifyOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return ErrOutputMissing
	}
	return nil
}

// Accepts は拡張子 ext（小文字、ドットなし）の入力を処理できる方式が、この環境で利用可能かを返します。
func (c *Chain) Accepts(ctx context.Context, ext string) bool {
	for _, s := range c.strategies {
		if limiter, ok := s.(FormatLimiter); ok && !limiter.Accepts(ext) {
			continue
		}
		if s.Available(ctx) == nil {
			return true
		}
	}
	return false
}

// Capabilities は各処理方式の利用可否とブレーカーの状態を返します。
func (c *Chain) Capabilities(ctx context.Context) []Capability {
	caps := make([]Capability, 0, len(c.strategies))
	for _, s := range c.strategies {
		capability := Capability{
			Name:      s.Name(),
			Available: true,
			Breaker:   "none",
		}
		if cb := c.breakers[s.Name()]; cb != nil {
			capability.Breaker = cb.State().String()
		}
		if err := s.Available(ctx); err != nil {
			capability.Available = false
			capability.Reason = err.Error()
		}
		caps = append(caps, capability)
	}
	return caps
}
