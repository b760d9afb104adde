package enhance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// modelLoadTimeout はチェックポイント取得1回あたりの上限です。
const modelLoadTimeout = 10 * time.Minute

// ClearVoice は ClearerVoice の CLI でモデル推論を行う処理方式です。
// モデルのチェックポイントはモデルごとに一度だけ取得し、以降は再利用します。
type ClearVoice struct {
	command       string
	checkpointDir string
	runner        Runner
	logger        *slog.Logger

	group       singleflight.Group
	mu          sync.Mutex
	loaded      map[string]struct{}
	loadTimeout time.Duration
}

// NewClearVoice は ClearVoice を作成します。
func NewClearVoice(command, checkpointDir string, runner Runner, logger *slog.Logger) *ClearVoice {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = NewExecRunner(logger)
	}
	return &ClearVoice{
		command:       command,
		checkpointDir: checkpointDir,
		runner:        runner,
		logger:        logger,
		loaded:        make(map[string]struct{}),
		loadTimeout:   modelLoadTimeout,
	}
}

func (c *ClearVoice) Name() string { return "clearvoice" }

func (c *ClearVoice) Available(ctx context.Context) error {
	if c.command == "" {
		return fmt.Errorf("%w: clearvoice command not configured", ErrUnavailable)
	}
	if _, err := c.runner.LookPath(c.command); err != nil {
		return fmt.Errorf("%w: %s not found", ErrUnavailable, c.command)
	}
	return nil
}

func (c *ClearVoice) Enhance(ctx context.Context, req Request, report ProgressReporter) error {
	model := req.Profile.ModelName
	if model == "" {
		return fmt.Errorf("profile %q has no model", req.Profile.Level)
	}

	reportProgress(report, "loading model", 0)
	if err := c.ensureModel(ctx, model); err != nil {
		return err
	}

	reportProgress(report, "running "+model, 25)
	_, stderr, err := c.runner.Run(ctx, c.command,
		"--model", model,
		"--checkpoint-dir", c.checkpointDir,
		"--input", req.InputPath,
		"--output", req.OutputPath,
	)
	if err != nil {
		return fmt.Errorf("clearvoice %s failed: %w: %s", model, err, truncate(strings.TrimSpace(string(stderr)), 512))
	}
	reportProgress(report, "model finished", 100)
	return nil
}

// ensureModel はモデルの取得を同時に1回だけ実行します。
// 同じモデルを待つ他のジョブは最初の取得結果を共有します。取得は呼び出し元の
// キャンセルから切り離して走り、待っている側は自分の ctx が切れた時点で抜けます。
func (c *ClearVoice) ensureModel(ctx context.Context, model string) error {
	if c.isLoaded(model) {
		return nil
	}

	ch := c.group.DoChan(model, func() (interface{}, error) {
		if c.isLoaded(model) {
			return nil, nil
		}
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()

		c.logger.Info("prefetching model", "model", model, "checkpoint_dir", c.checkpointDir)
		_, stderr, err := c.runner.Run(loadCtx, c.command,
			"--prefetch",
			"--model", model,
			"--checkpoint-dir", c.checkpointDir,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load model %s: %w: %s", model, err, truncate(strings.TrimSpace(string(stderr)), 512))
		}
		c.mu.Lock()
		c.loaded[model] = struct{}{}
		c.mu.Unlock()
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.logger.Debug("model load shared", "model", model)
		}
		return res.Err
	}
}

func (c *ClearVoice) isLoaded(model string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.loaded[model]
	return ok
}

// LoadedModels は取得済みのモデル名を返します。
func (c *ClearVoice) LoadedModels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	models := make([]string, 0, len(c.loaded))
	for m := range c.loaded {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}
