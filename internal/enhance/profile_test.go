package enhance

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelForBands(t *testing.T) {
	tests := []struct {
		intensity int
		want      Level
	}{
		{-4, LevelLight},
		{1, LevelLight},
		{2, LevelLight},
		{3, LevelLight},
		{4, LevelMedium},
		{5, LevelMedium},
		{7, LevelMedium},
		{8, LevelStrong},
		{9, LevelStrong},
		{10, LevelStrong},
		{42, LevelStrong},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFor(tt.intensity), "intensity=%d", tt.intensity)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	r := DefaultResolver()
	first := r.Resolve(5)
	second := r.Resolve(5)
	assert.Equal(t, first, second)
	assert.Equal(t, "MossFormer2_SE_48K", first.ModelName)
	assert.Equal(t, "FRCRN_SE_16K", r.Resolve(2).ModelName)
	assert.Equal(t, "MossFormerGAN_SE_16K", r.Resolve(9).ModelName)
}

func TestParseIntensity(t *testing.T) {
	v, err := ParseIntensity("")
	require.NoError(t, err)
	assert.Equal(t, DefaultIntensity, v)

	v, err = ParseIntensity(" 8 ")
	require.NoError(t, err)
	assert.Equal(t, 8, v)

	_, err = ParseIntensity("loud")
	assert.ErrorIs(t, err, ErrInvalidIntensity)

	assert.True(t, ValidIntensity(1))
	assert.True(t, ValidIntensity(10))
	assert.False(t, ValidIntensity(0))
	assert.False(t, ValidIntensity(11))
}

func TestLoadResolverOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("strong:\n  gain_db: 6\n  model_name: CustomGAN\n"), 0o644))

	r, err := LoadResolver(path)
	require.NoError(t, err)

	strong := r.Resolve(10)
	assert.Equal(t, LevelStrong, strong.Level)
	assert.Equal(t, "CustomGAN", strong.ModelName)
	assert.InDelta(t, 6.0, strong.GainDB, 1e-9)
	assert.InDelta(t, 0.85, strong.NoiseReduction, 1e-9, "unspecified fields keep defaults")
	assert.Equal(t, DefaultResolver().Resolve(1), r.Resolve(1))
}

func TestLoadResolverRejectsUnknownLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("extreme:\n  gain_db: 12\n"), 0o644))

	_, err := LoadResolver(path)
	assert.Error(t, err)
}

func TestLoadResolverRejectsOutOfRangeNoiseReduction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("light:\n  noise_reduction: 1.5\n"), 0o644))

	_, err := LoadResolver(path)
	assert.Error(t, err)
}
