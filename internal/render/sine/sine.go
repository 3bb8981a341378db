// Package sine is a placeholder render backend. It renders every phrase as
// a constant sine tone at the pitch of its first phone.
package sine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/loqalabs/loqa-render/internal/logging"
	"github.com/loqalabs/loqa-render/internal/musicmath"
	"github.com/loqalabs/loqa-render/internal/render"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// SampleRate is the fixed output rate of this backend.
	SampleRate = 44100
	// FallbackFrequency is used when a phrase has no phones.
	FallbackFrequency = musicmath.ConcertA
	// Amplitude leaves headroom below full scale.
	Amplitude = 0.5
	// MaxDurationMs bounds a single phrase so its buffer stays allocatable.
	MaxDurationMs = 10 * 60 * 1000
)

// ErrInvalidSignal is returned for inputs that cannot produce finite samples.
var ErrInvalidSignal = errors.New("invalid signal parameters")

var _ render.Renderer = (*Renderer)(nil)

// Renderer implements render.Renderer.
type Renderer struct {
	sched      *render.Scheduler
	log        *slog.Logger
	checkEvery int
}

type Option func(*Renderer)

// WithCancelCheck sets how many samples are generated between cancellation
// checks. n <= 0 checks only before synthesis starts.
func WithCancelCheck(n int) Option {
	return func(r *Renderer) { r.checkEvery = n }
}

func New(sched *render.Scheduler, log *slog.Logger, opts ...Option) *Renderer {
	if log == nil {
		log = slog.Default()
	}
	r := &Renderer{
		sched:      sched,
		log:        log.With(slog.String("component", "sine-renderer")),
		checkEvery: SampleRate,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Renderer) SingerType() render.SingerType { return render.SingerEnunu }

func (r *Renderer) SupportsRenderPitch() bool { return false }

// SampleRate reports the rate of buffers produced by Render.
func (r *Renderer) SampleRate() int { return SampleRate }

func (r *Renderer) SupportsExpression(render.ExpressionDescriptor) bool { return false }

func (r *Renderer) SuggestedExpressions(render.Singer, render.Settings) []render.ExpressionDescriptor {
	return []render.ExpressionDescriptor{}
}

func (r *Renderer) LoadRenderedPitch(render.Phrase) (*render.PitchCurve, bool) { return nil, false }

// Layout reports where the render will sit on the timeline.
func (r *Renderer) Layout(phrase render.Phrase) render.Result {
	return render.Result{
		LeadingMs:         phrase.LeadingMs,
		PositionMs:        phrase.PositionMs,
		EstimatedLengthMs: phrase.DurationMs + phrase.LeadingMs,
	}
}

// Render synthesizes phrase on the scheduler. progress is not reported to;
// the whole phrase is one short loop.
func (r *Renderer) Render(ctx context.Context, phrase render.Phrase, _ render.Progress, trackNo int, preRender bool) *render.Task {
	attrs := []attribute.KeyValue{
		attribute.Int("render.track", trackNo),
		attribute.Bool("render.pre_render", preRender),
		attribute.Float64("render.duration_ms", phrase.DurationMs),
	}
	leading, position, duration := phrase.LeadingMs, phrase.PositionMs, phrase.DurationMs
	if err := checkDuration(duration); err != nil {
		r.log.Warn("phrase rejected", slog.Int("track", trackNo), logging.Error(err))
		return render.Failed(err)
	}
	freq := ResolveFrequency(phrase.Phones)

	return r.sched.Go(ctx, "sine.render", attrs, func(ctx context.Context) (render.Result, error) {
		samples, err := Synthesize(ctx, duration, freq, SampleRate, r.checkEvery)
		if err != nil {
			return render.Result{}, err
		}
		r.log.Debug("phrase rendered",
			slog.Int("track", trackNo),
			slog.Float64("frequency", freq),
			slog.Int("samples", len(samples)))
		return render.Result{
			Samples:    samples,
			LeadingMs:  leading,
			PositionMs: position,
		}, nil
	})
}

// ResolveFrequency picks the synthesis frequency from the first phone.
func ResolveFrequency(phones []render.Phone) float64 {
	if len(phones) == 0 {
		return FallbackFrequency
	}
	return musicmath.ToneToFreq(phones[0].Tone)
}

// SampleCount is the number of samples covering durationMs at sampleRate.
func SampleCount(durationMs float64, sampleRate int) int {
	n := math.Floor(durationMs * float64(sampleRate) / 1000)
	if n <= 0 || math.IsNaN(n) {
		return 0
	}
	return int(n)
}

func checkDuration(durationMs float64) error {
	if math.IsNaN(durationMs) || math.IsInf(durationMs, 0) {
		return fmt.Errorf("%w: duration %v", ErrInvalidSignal, durationMs)
	}
	if durationMs > MaxDurationMs {
		return fmt.Errorf("%w: duration %vms exceeds %dms", ErrInvalidSignal, durationMs, MaxDurationMs)
	}
	return nil
}

// Synthesize generates a continuous-phase sine at frequency for durationMs.
// ctx is checked before the loop and every checkEvery samples; a canceled
// ctx yields its error and no samples.
func Synthesize(ctx context.Context, durationMs, frequency float64, sampleRate, checkEvery int) ([]float32, error) {
	if err := checkDuration(durationMs); err != nil {
		return nil, err
	}
	if !(frequency > 0) || math.IsInf(frequency, 0) {
		return nil, fmt.Errorf("%w: frequency %v", ErrInvalidSignal, frequency)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrInvalidSignal, sampleRate)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	samples := make([]float32, SampleCount(durationMs, sampleRate))
	rate := float64(sampleRate)
	for i := range samples {
		if checkEvery > 0 && i > 0 && i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		t := float64(i) / rate
		samples[i] = float32(Amplitude * math.Sin(2*math.Pi*frequency*t))
	}
	return samples, nil
}
