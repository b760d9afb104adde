// Package enhance は音声強調処理（プロファイル解決と処理方式のフォールバック）を提供します。
package enhance

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Level は強度スライダー値から決まる処理の強さです。
type Level string

const (
	LevelLight  Level = "light"
	LevelMedium Level = "medium"
	LevelStrong Level = "strong"
)

const (
	MinIntensity     = 1
	MaxIntensity     = 10
	DefaultIntensity = 5
)

// ErrInvalidIntensity は強度が整数として解釈できない場合に返されます。
var ErrInvalidIntensity = errors.New("intensity must be an integer")

// Profile は1つの強度帯に対応する処理設定です。
type Profile struct {
	Level          Level   `json:"level" yaml:"-"`
	ModelName      string  `json:"modelName" yaml:"model_name"`
	Description    string  `json:"description" yaml:"description"`
	EstimatedTime  string  `json:"estimatedTime" yaml:"estimated_time"`
	NoiseReduction float64 `json:"noiseReduction" yaml:"noise_reduction"` // 0..1
	Normalize      bool    `json:"normalize" yaml:"normalize"`
	Compress       bool    `json:"compress" yaml:"compress"`
	GainDB         float64 `json:"gainDb" yaml:"gain_db"`
}

var defaultProfiles = map[Level]Profile{
	LevelLight: {
		Level:          LevelLight,
		ModelName:      "FRCRN_SE_16K",
		Description:    "Fast, lightweight processing",
		EstimatedTime:  "10-30 seconds",
		NoiseReduction: 0.3,
		Normalize:      true,
	},
	LevelMedium: {
		Level:          LevelMedium,
		ModelName:      "MossFormer2_SE_48K",
		Description:    "Balanced quality and speed",
		EstimatedTime:  "30-90 seconds",
		NoiseReduction: 0.6,
		Normalize:      true,
		Compress:       true,
		GainDB:         1.5,
	},
	LevelStrong: {
		Level:          LevelStrong,
		ModelName:      "MossFormerGAN_SE_16K",
		Description:    "Best quality, more aggressive",
		EstimatedTime:  "1-3 minutes",
		NoiseReduction: 0.85,
		Normalize:      true,
		Compress:       true,
		GainDB:         3,
	},
}

// LevelFor は強度（1〜10）を強度帯に振り分けます。範囲外の値は境界比較で最寄りの帯に入ります。
func LevelFor(intensity int) Level {
	switch {
	case intensity <= 3:
		return LevelLight
	case intensity <= 7:
		return LevelMedium
	default:
		return LevelStrong
	}
}

// ParseIntensity はフォーム値を強度に変換します。空文字はデフォルト値になります。
func ParseIntensity(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultIntensity, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidIntensity, raw)
	}
	return v, nil
}

// ValidIntensity は受け付け可能な範囲かを返します。
func ValidIntensity(intensity int) bool {
	return intensity >= MinIntensity && intensity <= MaxIntensity
}

// Resolver は強度からプロファイルを引く純粋な対応表です。
type Resolver struct {
	profiles map[Level]Profile
}

// DefaultResolver は組み込みのプロファイルで Resolver を作成します。
func DefaultResolver() *Resolver {
	profiles := make(map[Level]Profile, len(defaultProfiles))
	for level, p := range defaultProfiles {
		profiles[level] = p
	}
	return &Resolver{profiles: profiles}
}

// LoadResolver は YAML ファイルで組み込みプロファイルを上書きします。path が空なら既定値のみです。
//
//	strong:
//	  model_name: MossFormerGAN_SE_16K
//	  gain_db: 4
func LoadResolver(path string) (*Resolver, error) {
	r := DefaultResolver()
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles file: %w", err)
	}

	var overrides map[Level]yaml.Node
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse profiles file: %w", err)
	}
	for level, node := range overrides {
		base, ok := r.profiles[level]
		if !ok {
			return nil, fmt.Errorf("profiles file: unknown level %q", level)
		}
		// 既定値の上にデコードし、指定されたフィールドだけを差し替える
		if err := node.Decode(&base); err != nil {
			return nil, fmt.Errorf("profiles file: level %q: %w", level, err)
		}
		base.Level = level
		if base.NoiseReduction < 0 || base.NoiseReduction > 1 {
			return nil, fmt.Errorf("profiles file: level %q: noise_reduction must be within 0..1", level)
		}
		r.profiles[level] = base
	}
	return r, nil
}

// Resolve は強度に対応するプロファイルを返します。
func (r *Resolver) Resolve(intensity int) Profile {
	return r.profiles[LevelFor(intensity)]
}

// Profiles は全強度帯のプロファイルを返します。
func (r *Resolver) Profiles() []Profile {
	return []Profile{r.profiles[LevelLight], r.profiles[LevelMedium], r.profiles[LevelStrong]}
}
