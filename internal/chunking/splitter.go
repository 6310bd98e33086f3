// Package chunking splits document text into overlapping chunks for
// embedding. The splitter walks a separator ladder from paragraph breaks
// down to single characters, so chunks end on natural boundaries when the
// text allows it.
package chunking

import (
	"strings"
	"unicode/utf8"
)

// DefaultSeparators is the boundary ladder, strongest first. The CJK
// sentence enders matter: most collected intelligence is mixed-script.
var DefaultSeparators = []string{"\n\n", "\n", "。", "！", "？", ". ", " ", ""}

// Splitter cuts text into chunks of at most ChunkSize runes with
// ChunkOverlap runes carried between neighbors. Sizes are counted in
// runes, not bytes.
type Splitter struct {
	chunkSize    int
	chunkOverlap int
	separators   []string
}

// NewSplitter creates a splitter with the default separator ladder.
func NewSplitter(chunkSize, chunkOverlap int) *Splitter {
	return NewSplitterWithSeparators(chunkSize, chunkOverlap, DefaultSeparators)
}

// NewSplitterWithSeparators creates a splitter with a custom ladder. The
// empty separator is appended when missing so splitting always terminates.
func NewSplitterWithSeparators(chunkSize, chunkOverlap int, separators []string) *Splitter {
	if chunkSize < 1 {
		chunkSize = 1
	}
	if chunkOverlap < 0 {
		chunkOverlap = 0
	}
	if chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize - 1
	}
	seps := make([]string, len(separators))
	copy(seps, separators)
	if len(seps) == 0 || seps[len(seps)-1] != "" {
		seps = append(seps, "")
	}
	return &Splitter{chunkSize: chunkSize, chunkOverlap: chunkOverlap, separators: seps}
}

// ChunkSize returns the configured chunk size.
func (s *Splitter) ChunkSize() int { return s.chunkSize }

// ChunkOverlap returns the configured overlap.
func (s *Splitter) ChunkOverlap() int { return s.chunkOverlap }

// Split cuts the text. Empty or whitespace-only text yields no chunks.
func (s *Splitter) Split(text string) []string {
	return s.splitWith(text, s.separators)
}

func (s *Splitter) splitWith(text string, separators []string) []string {
	separator := ""
	var remaining []string
	for i, sep := range separators {
		if sep == "" {
			break
		}
		if strings.Contains(text, sep) {
			separator = sep
			remaining = separators[i+1:]
			break
		}
	}

	pieces := splitKeepingSeparator(text, separator)

	var chunks []string
	var pending []string
	for _, piece := range pieces {
		if utf8.RuneCountInString(piece) < s.chunkSize {
			pending = append(pending, piece)
			continue
		}
		if len(pending) > 0 {
			chunks = append(chunks, s.merge(pending)...)
			pending = nil
		}
		if len(remaining) == 0 {
			// Nothing finer to split by; keep the oversized piece whole.
			chunks = append(chunks, piece)
		} else {
			chunks = append(chunks, s.splitWith(piece, remaining)...)
		}
	}
	if len(pending) > 0 {
		chunks = append(chunks, s.merge(pending)...)
	}
	return chunks
}

// splitKeepingSeparator splits text by sep, attaching the separator to
// the start of the following piece so no characters are lost. The empty
// separator splits into single runes.
func splitKeepingSeparator(text, sep string) []string {
	if sep == "" {
		runes := []rune(text)
		out := make([]string, len(runes))
		for i, r := range runes {
			out[i] = string(r)
		}
		return out
	}
	parts := strings.Split(text, sep)
	out := make([]string, 0, len(parts))
	if parts[0] != "" {
		out = append(out, parts[0])
	}
	for _, p := range parts[1:] {
		out = append(out, sep+p)
	}
	return out
}

// merge greedily packs pieces into chunks up to chunkSize, then carries
// trailing pieces forward until the overlap budget is spent.
func (s *Splitter) merge(pieces []string) []string {
	var chunks []string
	var current []string
	total := 0

	flush := func() {
		if doc := strings.TrimSpace(strings.Join(current, "")); doc != "" {
			chunks = append(chunks, doc)
		}
	}

	for _, piece := range pieces {
		length := utf8.RuneCountInString(piece)
		if total+length > s.chunkSize && len(current) > 0 {
			flush()
			for total > s.chunkOverlap || (total+length > s.chunkSize && total > 0) {
				total -= utf8.RuneCountInString(current[0])
				current = current[1:]
			}
		}
		current = append(current, piece)
		total += length
	}
	flush()
	return chunks
}
