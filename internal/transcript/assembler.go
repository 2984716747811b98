// Package transcript assembles streamed recognition tokens into
// speaker-attributed segments plus a provisional tail.
package transcript

import (
	"fmt"
	"strings"
)

// Token is one recognition unit streamed by the realtime service
type Token struct {
	Text              string `json:"text"`
	IsFinal           bool   `json:"is_final"`
	Speaker           string `json:"speaker,omitempty"`
	StartMs           int64  `json:"start_ms,omitempty"`
	EndMs             int64  `json:"end_ms,omitempty"`
	Language          string `json:"language,omitempty"`
	TranslationStatus string `json:"translation_status,omitempty"`
}

// Segment is a run of final tokens from one speaker
type Segment struct {
	Speaker string
	Tokens  []Token
	StartMs int64
}

// Text joins the segment's tokens
func (s Segment) Text() string {
	var b strings.Builder
	for _, t := range s.Tokens {
		b.WriteString(t.Text)
	}
	return strings.TrimSpace(b.String())
}

// Assembler is not safe for concurrent use; the session owns it
type Assembler struct {
	segments           []Segment
	provisional        string
	provisionalSpeaker string
}

// NewAssembler creates an empty assembler
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Apply folds the next token batch into the transcript. Tokens are taken in
// arrival order and never reordered.
func (a *Assembler) Apply(batch []Token) {
	if len(batch) == 0 {
		return
	}

	var provisional strings.Builder
	provisionalSpeaker := ""
	sawProvisional := false

	for _, tok := range batch {
		if !tok.IsFinal {
			if !sawProvisional {
				provisionalSpeaker = tok.Speaker
				sawProvisional = true
			}
			provisional.WriteString(tok.Text)
			continue
		}
		a.appendFinal(tok)
	}

	if sawProvisional {
		a.provisional = provisional.String()
		a.provisionalSpeaker = provisionalSpeaker
	} else {
		a.provisional = ""
		a.provisionalSpeaker = ""
	}
}

func (a *Assembler) appendFinal(tok Token) {
	if n := len(a.segments); n > 0 && a.segments[n-1].Speaker == tok.Speaker {
		a.segments[n-1].Tokens = append(a.segments[n-1].Tokens, tok)
		return
	}

	start := tok.StartMs
	if n := len(a.segments); n > 0 && start < a.segments[n-1].StartMs {
		start = a.segments[n-1].StartMs
	}
	a.segments = append(a.segments, Segment{
		Speaker: tok.Speaker,
		Tokens:  []Token{tok},
		StartMs: start,
	})
}

// Segments returns a copy of the final segments
func (a *Assembler) Segments() []Segment {
	out := make([]Segment, len(a.segments))
	for i, s := range a.segments {
		out[i] = Segment{
			Speaker: s.Speaker,
			Tokens:  append([]Token(nil), s.Tokens...),
			StartMs: s.StartMs,
		}
	}
	return out
}

// ProvisionalText returns the still-revisable tail
func (a *Assembler) ProvisionalText() string {
	return a.provisional
}

// ProvisionalSpeaker returns the speaker of the first provisional token
func (a *Assembler) ProvisionalSpeaker() string {
	return a.provisionalSpeaker
}

// WordCount counts words across final and provisional text
func (a *Assembler) WordCount() int {
	count := len(strings.Fields(a.provisional))
	// Tokens may be word pieces, so count on joined segment text
	for _, s := range a.segments {
		count += len(strings.Fields(s.Text()))
	}
	return count
}

// FormattedText renders one "[mm:ss] Speaker X: text" line per segment
func (a *Assembler) FormattedText() string {
	lines := make([]string, 0, len(a.segments))
	for _, s := range a.segments {
		text := s.Text()
		if text == "" {
			continue
		}
		stamp := formatTimestamp(s.StartMs)
		if s.Speaker == "" {
			lines = append(lines, fmt.Sprintf("[%s] %s", stamp, text))
		} else {
			lines = append(lines, fmt.Sprintf("[%s] Speaker %s: %s", stamp, s.Speaker, text))
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// FinalText returns the final transcript as plain text
func (a *Assembler) FinalText() string {
	var b strings.Builder
	for _, s := range a.segments {
		for _, t := range s.Tokens {
			b.WriteString(t.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

// Snapshot is an immutable view handed to collaborators
type Snapshot struct {
	Segments           []Segment
	ProvisionalText    string
	ProvisionalSpeaker string
	WordCount          int
}

// Snapshot copies the current state
func (a *Assembler) Snapshot() Snapshot {
	return Snapshot{
		Segments:           a.Segments(),
		ProvisionalText:    a.provisional,
		ProvisionalSpeaker: a.provisionalSpeaker,
		WordCount:          a.WordCount(),
	}
}

// Reset clears all state
func (a *Assembler) Reset() {
	a.segments = nil
	a.provisional = ""
	a.provisionalSpeaker = ""
}

func formatTimestamp(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	seconds := ms / 1000
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
