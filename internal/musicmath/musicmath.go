// Package musicmath converts between symbolic pitch and frequency.
package musicmath

import "math"

const (
	// ConcertA is the reference tuning pitch in Hz.
	ConcertA = 440.0
	// ConcertATone is the tone index of concert A (MIDI note 69, A4).
	ConcertATone = 69
)

// ToneToFreq maps a tone index to its equal-tempered frequency in Hz.
func ToneToFreq(tone int) float64 {
	return ConcertA * math.Pow(2, float64(tone-ConcertATone)/12)
}
