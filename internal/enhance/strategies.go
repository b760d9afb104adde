package enhance

import (
	"fmt"
	"log/slog"
)

// Settings は処理方式の生成に必要な設定です。
type Settings struct {
	ClearVoiceCommand       string
	ClearVoiceCheckpointDir string
	FFmpegPath              string
	Runner                  Runner
	Logger                  *slog.Logger
}

// BuildStrategies は名前の並び（例: clearvoice,ffmpeg,native）から処理方式を生成します。
func BuildStrategies(names []string, s Settings) ([]Strategy, error) {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Runner == nil {
		s.Runner = NewExecRunner(s.Logger)
	}

	strategies := make([]Strategy, 0, len(names))
	for _, name := range names {
		switch name {
		case "clearvoice":
			strategies = append(strategies, NewClearVoice(s.ClearVoiceCommand, s.ClearVoiceCheckpointDir, s.Runner, s.Logger))
		case "ffmpeg":
			strategies = append(strategies, NewFFmpeg(s.FFmpegPath, s.Runner))
		case "native":
			strategies = append(strategies, NewNative())
		default:
			return nil, fmt.Errorf("unknown enhancer %q", name)
		}
	}
	return strategies, nil
}
