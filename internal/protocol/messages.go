package protocol

// PhonePayload mirrors render.Phone on the wire.
type PhonePayload struct {
	Phoneme    string  `json:"phoneme"`
	Tone       int     `json:"tone"`
	PositionMs float64 `json:"position_ms"`
	DurationMs float64 `json:"duration_ms"`
}

// PhrasePayload mirrors render.Phrase on the wire.
type PhrasePayload struct {
	Phones     []PhonePayload `json:"phones"`
	LeadingMs  float64        `json:"leading_ms"`
	PositionMs float64        `json:"position_ms"`
	DurationMs float64        `json:"duration_ms"`
}

// LayoutRequest asks a backend for the timing of a phrase without rendering it.
type LayoutRequest struct {
	Singer string        `json:"singer,omitempty"`
	Phrase PhrasePayload `json:"phrase"`
}

type LayoutReply struct {
	Singer            string  `json:"singer"`
	LeadingMs         float64 `json:"leading_ms"`
	PositionMs        float64 `json:"position_ms"`
	EstimatedLengthMs float64 `json:"estimated_length_ms"`
	Error             string  `json:"error,omitempty"`
}

// RenderRequest starts an asynchronous render job. The outcome is published
// on SubjectRenderResult with the same JobID.
type RenderRequest struct {
	JobID     string        `json:"job_id,omitempty"`
	TrackNo   int           `json:"track_no"`
	Singer    string        `json:"singer,omitempty"`
	PreRender bool          `json:"pre_render,omitempty"`
	Phrase    PhrasePayload `json:"phrase"`
}

// RenderResult carries PCM as little-endian float32 samples. Results that do
// not fit in one bus message are split into chunks sharing the JobID:
// Sequence counts from 0, SampleOffset locates the chunk's first sample and
// the last chunk has Final set. SampleCount is the total for the job. A job
// whose chunks cannot all be published ends with a failed, PCM-less result.
type RenderResult struct {
	JobID        string  `json:"job_id"`
	TrackNo      int     `json:"track_no"`
	Singer       string  `json:"singer"`
	Status       string  `json:"status"`
	Error        string  `json:"error,omitempty"`
	LeadingMs    float64 `json:"leading_ms"`
	PositionMs   float64 `json:"position_ms"`
	SampleRate   int     `json:"sample_rate"`
	SampleCount  int     `json:"sample_count"`
	Sequence     int     `json:"sequence"`
	SampleOffset int     `json:"sample_offset"`
	Final        bool    `json:"final"`
	PCM          []byte  `json:"pcm,omitempty"`
}

type CancelRequest struct {
	JobID string `json:"job_id"`
}

const (
	SubjectLayout        = "render.layout"
	SubjectRenderRequest = "render.request"
	SubjectRenderResult  = "render.result"
	SubjectRenderCancel  = "render.cancel"
)
