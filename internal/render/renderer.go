package render

import (
	"context"
	"fmt"
	"strings"
)

// SingerType discriminates renderer backends.
type SingerType string

const (
	SingerClassic    SingerType = "classic"
	SingerEnunu      SingerType = "enunu"
	SingerVogen      SingerType = "vogen"
	SingerDiffSinger SingerType = "diffsinger"
	SingerVoicevox   SingerType = "voicevox"
)

var knownSingerTypes = []SingerType{SingerClassic, SingerEnunu, SingerVogen, SingerDiffSinger, SingerVoicevox}

// SingerTypes lists every singer type a host may ask for.
func SingerTypes() []SingerType {
	return append([]SingerType(nil), knownSingerTypes...)
}

// ParseSingerType maps a config or wire value onto a known singer type.
func ParseSingerType(s string) (SingerType, error) {
	v := SingerType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range knownSingerTypes {
		if v == known {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSinger, s)
}

// Renderer is the contract every render backend implements. Hosts pick a
// backend by SingerType and use the capability queries to decide which
// editing surfaces to offer.
type Renderer interface {
	SingerType() SingerType
	SupportsRenderPitch() bool
	SupportsExpression(desc ExpressionDescriptor) bool
	SuggestedExpressions(singer Singer, settings Settings) []ExpressionDescriptor

	// Layout estimates the timeline span of a render without producing audio.
	Layout(phrase Phrase) Result
	// Render starts synthesis in the background and returns immediately.
	// ctx is the cancellation signal; backends observe it and never cancel it.
	Render(ctx context.Context, phrase Phrase, progress Progress, trackNo int, preRender bool) *Task
	// LoadRenderedPitch returns the pitch curve of a previous render, if any.
	LoadRenderedPitch(phrase Phrase) (*PitchCurve, bool)
}
