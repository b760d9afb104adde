package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/yourusername/voice-enhancer/internal/config"
	"github.com/yourusername/voice-enhancer/internal/enhance"
	"github.com/yourusername/voice-enhancer/internal/metrics"
)

// errSameFile は入力と出力が同じファイルを指す場合のエラーです。
// 処理前に出力を消すため、そのまま実行すると入力が失われます。
var errSameFile = errors.New("output must differ from input")

// newRootCommand はサブコマンド無しで起動された場合にサーバーを開始するルートコマンドを返します。
func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "voice-enhancer",
		Short:        "音声ノイズ除去ジョブを受け付けるAPIサーバー",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newEnhanceCommand())
	rootCmd.AddCommand(newProfilesCommand())
	return rootCmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "APIサーバーとワーカーを起動します",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	return runServer(ctx, cfg, logger)
}

func newEnhanceCommand() *cobra.Command {
	var (
		input     string
		output    string
		intensity int
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "enhance",
		Short: "ジョブキューを通さずに1ファイルを処理します",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := newLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return runEnhance(ctx, cmd.OutOrStdout(), cfg, input, output, intensity, func() (*enhance.Chain, error) {
				return buildChain(cfg, logger, metrics.NewCollector(nil))
			})
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "入力音声ファイル")
	cmd.Flags().StringVarP(&output, "output", "o", "", "出力WAVファイル（省略時は入力と同じ場所に enhanced_ を付けて保存）")
	cmd.Flags().IntVar(&intensity, "intensity", enhance.DefaultIntensity, "処理強度 (1-10)")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Minute, "処理時間の上限")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

// runEnhance は処理チェーンを直接呼び出し、使われた方式と試行結果を出力します。
func runEnhance(ctx context.Context, w io.Writer, cfg *config.Config, input, output string, intensity int, newChain func() (*enhance.Chain, error)) error {
	if !enhance.ValidIntensity(intensity) {
		return fmt.Errorf("%w: %d", enhance.ErrInvalidIntensity, intensity)
	}
	inInfo, err := os.Stat(input)
	if err != nil {
		return fmt.Errorf("input not readable: %w", err)
	}
	if output == "" {
		base := filepath.Base(input)
		output = filepath.Join(filepath.Dir(input), "enhanced_"+base[:len(base)-len(filepath.Ext(base))]+".wav")
	}
	if err := checkDistinctPaths(input, output, inInfo); err != nil {
		return err
	}

	resolver, err := enhance.LoadResolver(cfg.ProfilesFile)
	if err != nil {
		return err
	}
	chain, err := newChain()
	if err != nil {
		return err
	}

	profile := resolver.Resolve(intensity)
	outcome, err := chain.Enhance(ctx, enhance.Request{
		JobID:      "cli",
		InputPath:  input,
		OutputPath: output,
		Profile:    profile,
	}, func(stage string, percent int) {
		fmt.Fprintf(w, "[%3d%%] %s\n", percent, stage)
	})
	if err != nil {
		return err
	}

	for _, attempt := range outcome.Attempts {
		fmt.Fprintf(w, "skipped %s: %s\n", attempt.Strategy, attempt.Error)
	}
	fmt.Fprintf(w, "enhanced with %s (%s, intensity %d) -> %s\n", outcome.Strategy, profile.ModelName, intensity, output)
	return nil
}

// checkDistinctPaths は出力先が入力と同じファイル（リンク経由を含む）でないか確かめます。
func checkDistinctPaths(input, output string, inInfo os.FileInfo) error {
	absIn, err := filepath.Abs(input)
	if err != nil {
		return fmt.Errorf("failed to resolve input path: %w", err)
	}
	absOut, err := filepath.Abs(output)
	if err != nil {
		return fmt.Errorf("failed to resolve output path: %w", err)
	}
	if absIn == absOut {
		return fmt.Errorf("%w: %s", errSameFile, absOut)
	}
	if outInfo, err := os.Stat(absOut); err == nil && os.SameFile(inInfo, outInfo) {
		return fmt.Errorf("%w: %s", errSameFile, absOut)
	}
	return nil
}

func newProfilesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "強度ごとの処理プロファイルをYAMLで表示します",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return printProfiles(cmd.OutOrStdout(), cfg.ProfilesFile)
		},
	}
}

func printProfiles(w io.Writer, path string) error {
	resolver, err := enhance.LoadResolver(path)
	if err != nil {
		return err
	}
	out := make(map[string]enhance.Profile)
	for _, p := range resolver.Profiles() {
		out[string(p.Level)] = p
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("failed to encode profiles: %w", err)
	}
	return enc.Close()
}
