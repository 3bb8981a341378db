package phrasefile

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-render/internal/render"
)

const validYAML = `track: 2
singer: enunu
phrases:
  - name: intro
    position_ms: 480
    leading_ms: 120
    duration_ms: 1000
    phones:
      - phoneme: a
        tone: 69
        duration_ms: 500
      - phoneme: i
        tone: 72
        position_ms: 500
        duration_ms: 500
  - position_ms: 2000
    duration_ms: 250
`

func TestLoadValidDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "track.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	doc, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(doc); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if doc.Track != 2 || len(doc.Phrases) != 2 {
		t.Fatalf("unexpected document: %+v", doc)
	}

	first := doc.Phrases[0].Render()
	if first.LeadingMs != 120 || first.PositionMs != 480 || first.DurationMs != 1000 {
		t.Fatalf("unexpected timing: %+v", first)
	}
	if len(first.Phones) != 2 || first.Phones[1].Tone != 72 || first.Phones[1].PositionMs != 500 {
		t.Fatalf("unexpected phones: %+v", first.Phones)
	}
	if got := doc.Phrases[0].Label(0); got != "intro" {
		t.Fatalf("expected named label, got %q", got)
	}
	if got := doc.Phrases[1].Label(1); got != "phrase-001" {
		t.Fatalf("expected generated label, got %q", got)
	}
	if len(doc.Phrases[1].Render().Phones) != 0 {
		t.Fatalf("expected no phones on second phrase")
	}

	st, err := doc.SingerType(render.SingerClassic)
	if err != nil || st != render.SingerEnunu {
		t.Fatalf("expected enunu, got %q (%v)", st, err)
	}
}

func TestSingerTypeDefault(t *testing.T) {
	st, err := Document{}.SingerType(render.SingerEnunu)
	if err != nil || st != render.SingerEnunu {
		t.Fatalf("expected default singer, got %q (%v)", st, err)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("phrases: [:"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidateRejects(t *testing.T) {
	ok := func() Document {
		return Document{Phrases: []Phrase{{DurationMs: 100, Phones: []Phone{{Tone: 60}}}}}
	}
	cases := map[string]func(*Document){
		"no phrases":        func(d *Document) { d.Phrases = nil },
		"negative track":    func(d *Document) { d.Track = -1 },
		"unknown singer":    func(d *Document) { d.Singer = "utau-x" },
		"negative duration": func(d *Document) { d.Phrases[0].DurationMs = -1 },
		"negative leading":  func(d *Document) { d.Phrases[0].LeadingMs = -5 },
		"nan position":      func(d *Document) { d.Phrases[0].PositionMs = math.NaN() },
		"tone out of range": func(d *Document) { d.Phrases[0].Phones[0].Tone = 128 },
		"inf phone":         func(d *Document) { d.Phrases[0].Phones[0].DurationMs = math.Inf(1) },
		"duplicate names": func(d *Document) {
			d.Phrases[0].Name = "verse"
			d.Phrases = append(d.Phrases, Phrase{Name: "verse", DurationMs: 50})
		},
		"label collision": func(d *Document) {
			d.Phrases = append(d.Phrases, Phrase{Name: "phrase-000", DurationMs: 50})
		},
		"path separator": func(d *Document) { d.Phrases[0].Name = "verse/one" },
		"backslash":      func(d *Document) { d.Phrases[0].Name = `verse\one` },
		"parent dir":     func(d *Document) { d.Phrases[0].Name = ".." },
		"escaping name":  func(d *Document) { d.Phrases[0].Name = "../../etc/passwd" },
		"current dir":    func(d *Document) { d.Phrases[0].Name = "." },
		"absolute path":  func(d *Document) { d.Phrases[0].Name = "/tmp/verse" },
	}
	if err := Validate(ok()); err != nil {
		t.Fatalf("baseline should validate: %v", err)
	}
	named := ok()
	named.Phrases[0].Name = "verse..take2"
	if err := Validate(named); err != nil {
		t.Fatalf("dotted name should validate: %v", err)
	}
	for name, mutate := range cases {
		doc := ok()
		mutate(&doc)
		if err := Validate(doc); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
