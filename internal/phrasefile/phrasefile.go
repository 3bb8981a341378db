// Package phrasefile reads phrase documents: YAML descriptions of a track's
// phrases used by the CLI to drive layouts and offline renders.
package phrasefile

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-render/internal/render"
	"gopkg.in/yaml.v3"
)

// Document is one track worth of phrases.
type Document struct {
	Track   int      `yaml:"track"`
	Singer  string   `yaml:"singer,omitempty"`
	Phrases []Phrase `yaml:"phrases"`
}

type Phrase struct {
	Name       string  `yaml:"name,omitempty"`
	PositionMs float64 `yaml:"position_ms"`
	LeadingMs  float64 `yaml:"leading_ms"`
	DurationMs float64 `yaml:"duration_ms"`
	Phones     []Phone `yaml:"phones,omitempty"`
}

type Phone struct {
	Phoneme    string  `yaml:"phoneme"`
	Tone       int     `yaml:"tone"`
	PositionMs float64 `yaml:"position_ms"`
	DurationMs float64 `yaml:"duration_ms"`
}

// Load reads a phrase document from disk.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

// Validate ensures the document can be rendered.
func Validate(doc Document) error {
	if doc.Track < 0 {
		return fmt.Errorf("track must be >= 0")
	}
	if doc.Singer != "" {
		if _, err := render.ParseSingerType(doc.Singer); err != nil {
			return err
		}
	}
	if len(doc.Phrases) == 0 {
		return fmt.Errorf("phrases must include at least one entry")
	}
	labels := make(map[string]int, len(doc.Phrases))
	for i, p := range doc.Phrases {
		label := p.Label(i)
		if err := checkLabel(label); err != nil {
			return fmt.Errorf("phrases[%d]: %w", i, err)
		}
		if prev, dup := labels[label]; dup {
			return fmt.Errorf("phrases[%d]: name %q already used by phrases[%d]", i, label, prev)
		}
		labels[label] = i
		if !finite(p.PositionMs, p.LeadingMs, p.DurationMs) {
			return fmt.Errorf("phrases[%d]: timing must be finite", i)
		}
		if p.DurationMs < 0 {
			return fmt.Errorf("phrases[%d]: duration_ms must be >= 0", i)
		}
		if p.LeadingMs < 0 {
			return fmt.Errorf("phrases[%d]: leading_ms must be >= 0", i)
		}
		for j, ph := range p.Phones {
			if !finite(ph.PositionMs, ph.DurationMs) {
				return fmt.Errorf("phrases[%d].phones[%d]: timing must be finite", i, j)
			}
			if ph.Tone < 0 || ph.Tone > 127 {
				return fmt.Errorf("phrases[%d].phones[%d]: tone %d outside 0..127", i, j, ph.Tone)
			}
		}
	}
	return nil
}

// checkLabel keeps a label usable as a single file name inside the output
// directory.
func checkLabel(label string) error {
	if strings.ContainsAny(label, `/\`) || label == "." || !filepath.IsLocal(label) {
		return fmt.Errorf("name %q must be a plain file name", label)
	}
	return nil
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Label names a phrase for output files and logs.
func (p Phrase) Label(index int) string {
	if p.Name != "" {
		return p.Name
	}
	return fmt.Sprintf("phrase-%03d", index)
}

// Render converts the document phrase into the renderer's type.
func (p Phrase) Render() render.Phrase {
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

// SingerType resolves the document singer, falling back to def when unset.
func (doc Document) SingerType(def render.SingerType) (render.SingerType, error) {
	if doc.Singer == "" {
		return def, nil
	}
	return render.ParseSingerType(doc.Singer)
}
