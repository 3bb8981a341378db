package render

// Phone is a single symbolic unit within a phrase.
type Phone struct {
	Phoneme    string
	Tone       int
	PositionMs float64
	DurationMs float64
}

// Phrase is a timed group of phones rendered into one contiguous segment.
// Callers must not mutate a phrase while a render for it is in flight.
type Phrase struct {
	Phones     []Phone
	LeadingMs  float64
	PositionMs float64
	DurationMs float64
}

// Result carries rendered audio, or only timing for layout calls.
type Result struct {
	Samples           []float32
	LeadingMs         float64
	PositionMs        float64
	EstimatedLengthMs float64
}

// PitchCurve is a rendered pitch contour in ticks and semitone tones.
type PitchCurve struct {
	Ticks []float64
	Tones []float64
}

// ExpressionDescriptor describes an expression parameter a backend may honour.
type ExpressionDescriptor struct {
	Name    string
	Abbr    string
	Min     float64
	Max     float64
	Default float64
}

// Singer identifies the voice bank a phrase is rendered with.
type Singer struct {
	ID   string
	Name string
	Type SingerType
}

// Settings are per-track render settings chosen by the host.
type Settings struct {
	Renderer string
}

// Progress receives completion reports for long renders.
type Progress interface {
	Complete(n int, info string)
}

// NopProgress discards progress reports.
type NopProgress struct{}

func (NopProgress) Complete(int, string) {}
