package enhance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrUnsupportedInput は内蔵処理が扱えない入力形式の場合に返されます。
var ErrUnsupportedInput = errors.New("native enhancer supports 16/24/32-bit PCM WAV input only")

const (
	highpassCutoffHz = 80.0
	gateFrameSeconds = 0.02
	compressKnee     = 0.5
	compressRatio    = 3.0
	normalizePeak    = 0.95
)

// Native は外部コマンドを使わずに PCM WAV を処理する処理方式です。常に利用可能です。
type Native struct{}

// NewNative は Native を作成します。
func NewNative() *Native { return &Native{} }

func (n *Native) Name() string { return "native" }

func (n *Native) Available(ctx context.Context) error { return nil }

// Accepts は WAV のみ受け付けます。
func (n *Native) Accepts(ext string) bool { return ext == "wav" || ext == "wave" }

func (n *Native) Enhance(ctx context.Context, req Request, report ProgressReporter) error {
	reportProgress(report, "decoding", 0)
	buf, err := decodeWAV(req.InputPath)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	channels := buf.Format.NumChannels
	sampleRate := buf.Format.SampleRate
	scale := float64(int64(1) << (buf.SourceBitDepth - 1))

	samples := make([]float64, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float64(v) / scale
	}

	reportProgress(report, "filtering", 20)
	highpass(samples, channels, sampleRate, highpassCutoffHz)

	reportProgress(report, "reducing noise", 40)
	noiseGate(samples, channels, sampleRate, req.Profile.NoiseReduction)
	if err := ctx.Err(); err != nil {
		return err
	}

	reportProgress(report, "shaping dynamics", 70)
	if req.Profile.Compress {
		compress(samples, compressKnee, compressRatio)
	}
	if req.Profile.GainDB != 0 {
		applyGain(samples, math.Pow(10, req.Profile.GainDB/20))
	}
	if req.Profile.Normalize {
		normalize(samples, normalizePeak)
	}

	for i, v := range samples {
		buf.Data[i] = int(math.Round(clamp(v, -1, 1-1/scale) * scale))
	}

	reportProgress(report, "encoding", 90)
	if err := encodeWAV(req.OutputPath, buf); err != nil {
		return err
	}
	reportProgress(report, "done", 100)
	return nil
}

func decodeWAV(path string) (*audio.IntBuffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, ErrUnsupportedInput
	}
	if d.WavAudioFormat != 1 {
		return nil, ErrUnsupportedInput
	}
	switch d.BitDepth {
	case 16, 24, 32:
	default:
		return nil, ErrUnsupportedInput
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode wav: %v", ErrUnsupportedInput, err)
	}
	if buf.Format == nil || buf.Format.NumChannels < 1 || len(buf.Data) == 0 {
		return nil, fmt.Errorf("%w: no samples", ErrUnsupportedInput)
	}
	buf.SourceBitDepth = int(d.BitDepth)
	return buf, nil
}

func encodeWAV(path string, buf *audio.IntBuffer) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	enc := wav.NewEncoder(out, buf.Format.SampleRate, buf.SourceBitDepth, buf.Format.NumChannels, 1)
	if err := enc.Write(buf); err != nil {
		out.Close()
		return fmt.Errorf("failed to encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return fmt.Errorf("failed to finalize wav: %w", err)
	}
	return out.Close()
}

// highpass はチャンネルごとに1次のハイパスフィルタをかけ、直流成分と低域のこもりを除きます。
func highpass(samples []float64, channels, sampleRate int, cutoff float64) {
	if sampleRate <= 0 {
		return
	}
	rc := 1 / (2 * math.Pi * cutoff)
	dt := 1 / float64(sampleRate)
	alpha := rc / (rc + dt)

	for ch := 0; ch < channels; ch++ {
		var prevIn, prevOut float64
		for i := ch; i < len(samples); i += channels {
			x := samples[i]
			y := alpha * (prevOut + x - prevIn)
			prevIn, prevOut = x, y
			samples[i] = y
		}
	}
}

// noiseGate は短いフレームごとの実効値から雑音レベルを推定し、それ以下のフレームを減衰させます。
// amount が 0 なら何もしません。
func noiseGate(samples []float64, channels, sampleRate int, amount float64) {
	if amount <= 0 || channels <= 0 {
		return
	}
	frameLen := int(float64(sampleRate)*gateFrameSeconds) * channels
	if frameLen <= 0 {
		frameLen = channels
	}
	frames := (len(samples) + frameLen - 1) / frameLen
	if frames < 2 {
		return
	}

	rms := make([]float64, frames)
	for f := 0; f < frames; f++ {
		start := f * frameLen
		end := min(start+frameLen, len(samples))
		var sum float64
		for _, v := range samples[start:end] {
			sum += v * v
		}
		rms[f] = math.Sqrt(sum / float64(end-start))
	}

	sorted := append([]float64(nil), rms...)
	sort.Float64s(sorted)
	floor := sorted[len(sorted)/10]
	threshold := floor * (1 + 4*amount)
	if threshold <= 0 {
		return
	}

	gains := make([]float64, frames)
	for f, level := range rms {
		if level < threshold {
			gains[f] = 1 - amount
		} else {
			gains[f] = 1
		}
	}

	// フレーム境界でのクリックを避けるため、隣のフレームとの間を線形補間する
	for f := 0; f < frames; f++ {
		start := f * frameLen
		end := min(start+frameLen, len(samples))
		next := gains[f]
		if f+1 < frames {
			next = gains[f+1]
		}
		span := float64(end - start)
		for i := start; i < end; i++ {
			t := float64(i-start) / span
			samples[i] *= gains[f] + (next-gains[f])*t
		}
	}
}

func compress(samples []float64, knee, ratio float64) {
	for i, v := range samples {
		mag := math.Abs(v)
		if mag <= knee {
			continue
		}
		samples[i] = math.Copysign(knee+(mag-knee)/ratio, v)
	}
}

func applyGain(samples []float64, gain float64) {
	for i := range samples {
		samples[i] *= gain
	}
}

func normalize(samples []float64, target float64) {
	var peak float64
	for _, v := range samples {
		peak = math.Max(peak, math.Abs(v))
	}
	if peak == 0 {
		return
	}
	applyGain(samples, target/peak)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
