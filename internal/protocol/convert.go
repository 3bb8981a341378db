package protocol

import "github.com/loqalabs/loqa-render/internal/render"

// Phrase converts the wire payload into the renderer's phrase type.
func (p PhrasePayload) Phrase() render.Phrase {
	phones := make([]render.Phone, len(p.Phones))
	for i, ph := range p.Phones {
		phones[i] = render.Phone{
			Phoneme:    ph.Phoneme,
			Tone:       ph.Tone,
			PositionMs: ph.PositionMs,
			DurationMs: ph.DurationMs,
		}
	}
	return render.Phrase{
		Phones:     phones,
		LeadingMs:  p.LeadingMs,
		PositionMs: p.PositionMs,
		DurationMs: p.DurationMs,
	}
}

// NewPhrasePayload is the inverse of PhrasePayload.Phrase.
func NewPhrasePayload(phrase render.Phrase) PhrasePayload {
	phones := make([]PhonePayload, len(phrase.Phones))
	for i, ph := range phrase.Phones {
		phones[i] = PhonePayload{
			Phoneme:    ph.Phoneme,
			Tone:       ph.Tone,
			PositionMs: ph.PositionMs,
			DurationMs: ph.DurationMs,
		}
	}
	return PhrasePayload{
		Phones:     phones,
		LeadingMs:  phrase.LeadingMs,
		PositionMs: phrase.PositionMs,
		DurationMs: phrase.DurationMs,
	}
}
