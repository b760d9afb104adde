package enhance

import (
	"context"
	"fmt"
	"strings"
)

// FFmpeg は ffmpeg のフィルタで雑音除去と音量調整を行う処理方式です。
type FFmpeg struct {
	path   string
	runner Runner
}

// NewFFmpeg は FFmpeg を作成します。
func NewFFmpeg(path string, runner Runner) *FFmpeg {
	if runner == nil {
		runner = NewExecRunner(nil)
	}
	return &FFmpeg{path: path, runner: runner}
}

func (f *FFmpeg) Name() string { return "ffmpeg" }

func (f *FFmpeg) Available(ctx context.Context) error {
	if f.path == "" {
		return fmt.Errorf("%w: ffmpeg path not configured", ErrUnavailable)
	}
	if _, err := f.runner.LookPath(f.path); err != nil {
		return fmt.Errorf("%w: %s not found", ErrUnavailable, f.path)
	}
	return nil
}

func (f *FFmpeg) Enhance(ctx context.Context, req Request, report ProgressReporter) error {
	reportProgress(report, "filtering", 10)
	_, stderr, err := f.runner.Run(ctx, f.path,
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", req.InputPath,
		"-af", filterGraph(req.Profile),
		"-c:a", "pcm_s16le",
		req.OutputPath,
	)
	if err != nil {
		return fmt.Errorf("ffmpeg failed: %w: %s", err, truncate(strings.TrimSpace(string(stderr)), 512))
	}
	reportProgress(report, "filtered", 100)
	return nil
}

// filterGraph はプロファイルから -af に渡すフィルタ列を組み立てます。
func filterGraph(p Profile) string {
	filters := []string{"highpass=f=80"}
	if p.NoiseReduction > 0 {
		// afftdn の nr は dB 指定（0.01〜97）
		filters = append(filters, fmt.Sprintf("afftdn=nr=%.1f:nf=-40", 6+p.NoiseReduction*24))
	}
	if p.Compress {
		filters = append(filters, "acompressor=threshold=-18dB:ratio=3:attack=20:release=250")
	}
	if p.GainDB != 0 {
		filters = append(filters, fmt.Sprintf("volume=%.1fdB", p.GainDB))
	}
	if p.Normalize {
		filters = append(filters, "loudnorm=I=-16:TP=-1.5:LRA=11")
	}
	return strings.Join(filters, ",")
}
