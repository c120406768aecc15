// Package chunking splits extracted manual text into overlapping,
// position-tagged chunks.
//
// Each chunk aims at Size characters of new text. Breaks prefer paragraph
// boundaries, then sentence ends, then line ends, within Tolerance of the
// target, and fall back to a hard cut. No chunk exceeds Size+Tolerance. Each
// chunk after the first starts with the last Overlap characters of its
// predecessor, so dropping every chunk's Overlap prefix and concatenating
// reproduces the input exactly.
//
// A form feed ('\f') marks a page break. Heading-like lines (markdown
// '#', numbered "3.2 Title", short upper-case lines) set the section that
// following chunks are attributed to.
package chunking

import (
	"fmt"
	"sort"
	"unicode"
)

// PageBreak separates pages in extracted text.
const PageBreak = '\f'

// Chunk is a slice of the source text. Start and End are rune offsets,
// End exclusive.
type Chunk struct {
	Ordinal int
	Text    string
	Start   int
	End     int
	// Overlap is the number of leading runes shared with the previous chunk.
	Overlap int
	// Page is the 1-based page of the first new non-space rune, PageEnd
	// that of the last rune.
	Page    int
	PageEnd int
	Section string
}

// Len returns the chunk length in runes.
func (c Chunk) Len() int {
	return c.End - c.Start
}

// ChunkID is the stable identifier of a document's chunk.
func ChunkID(documentID string, ordinal int) string {
	return fmt.Sprintf("%s:%04d", documentID, ordinal)
}

// Engine splits text with a fixed Config. It is safe for concurrent use.
type Engine struct {
	cfg Config
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Split returns the chunks of text in order. Empty text yields no chunks;
// text no longer than Size+Tolerance yields exactly one.
func (e *Engine) Split(text string) []Chunk {
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil
	}

	doc := newLayout(runes)
	var chunks []Chunk

	start, prevEnd := 0, 0
	for {
		var end int
		if n-start <= e.cfg.Size+e.cfg.Tolerance {
			end = n
		} else {
			end = e.findBreak(runes, start, len(chunks) == 0)
		}

		firstNew := firstContent(runes, prevEnd, end)
		chunks = append(chunks, Chunk{
			Ordinal: len(chunks),
			Text:    string(runes[start:end]),
			Start:   start,
			End:     end,
			Overlap: prevEnd - start,
			Page:    doc.pageAt(firstNew),
			PageEnd: doc.pageAt(end - 1),
			Section: doc.sectionAt(firstNew),
		})

		if end == n {
			return chunks
		}
		prevEnd = end
		start = end - e.cfg.Overlap
	}
}

// firstContent returns the first non-space offset in [from, to), or from.
func firstContent(runes []rune, from, to int) int {
	for i := from; i < to; i++ {
		if !unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return from
}

// findBreak picks the end of a chunk starting at start when the remainder
// does not fit in one chunk.
//
// Every chunk aims at Size new runes, so chunks after the first aim at
// Size+Overlap runes in total, capped at Size+Tolerance. The end must
// leave the chunk within [MinSize, Size+Tolerance], add at least one new
// rune beyond the overlap, and leave enough text that the next chunk
// (which begins Overlap runes earlier) is not shorter than MinSize.
func (e *Engine) findBreak(runes []rune, start int, first bool) int {
	n := len(runes)
	c := e.cfg

	floor := max(start+c.MinSize, start+c.Overlap+1)
	tailLimit := n - c.MinSize + c.Overlap

	target := start + c.Size
	if !first {
		target += c.Overlap
	}
	target = min(target, start+c.Size+c.Tolerance)
	lo := max(target-c.Tolerance, floor)
	hi := min(start+c.Size+c.Tolerance, tailLimit)
	if lo > hi {
		// Near the end: pull the break earlier so the last chunk is not
		// starved.
		lo, hi = floor, tailLimit
		target = hi
	}
	target = min(max(target, lo), hi)

	for _, isBreak := range []func([]rune, int) bool{isParagraphBreak, isSentenceBreak, isLineBreak} {
		if p, ok := nearest(runes, lo, hi, target, isBreak); ok {
			return p
		}
	}
	return target
}

// nearest returns the position in [lo, hi] closest to target satisfying
// isBreak, preferring the later one on ties.
func nearest(runes []rune, lo, hi, target int, isBreak func([]rune, int) bool) (int, bool) {
	for d := 0; target+d <= hi || target-d >= lo; d++ {
		if p := target + d; p <= hi && isBreak(runes, p) {
			return p, true
		}
		if p := target - d; d > 0 && p >= lo && isBreak(runes, p) {
			return p, true
		}
	}
	return 0, false
}

// A break at p means the chunk ends just before runes[p].

func isParagraphBreak(runes []rune, p int) bool {
	if p < 1 || p > len(runes) {
		return false
	}
	if runes[p-1] == PageBreak {
		return true
	}
	return p >= 2 && runes[p-1] == '\n' && runes[p-2] == '\n'
}

func isSentenceBreak(runes []rune, p int) bool {
	if p < 2 || p > len(runes) {
		return false
	}
	if !unicode.IsSpace(runes[p-1]) {
		return false
	}
	switch runes[p-2] {
	case '.', '!', '?':
		return true
	}
	return false
}

func isLineBreak(runes []rune, p int) bool {
	return p >= 1 && p <= len(runes) && runes[p-1] == '\n'
}

// layout indexes page breaks and headings by rune offset.
type layout struct {
	pageBreaks []int
	headings   []heading
}

type heading struct {
	offset int
	title  string
}

func newLayout(runes []rune) layout {
	var l layout
	lineStart := 0
	for i := 0; i <= len(runes); i++ {
		if i < len(runes) && runes[i] != '\n' && runes[i] != PageBreak {
			continue
		}
		if title, ok := headingTitle(runes[lineStart:i]); ok {
			l.headings = append(l.headings, heading{offset: lineStart, title: title})
		}
		if i < len(runes) && runes[i] == PageBreak {
			l.pageBreaks = append(l.pageBreaks, i)
		}
		lineStart = i + 1
	}
	return l
}

// pageAt returns the 1-based page containing rune offset pos. A form feed
// belongs to the page it ends.
func (l layout) pageAt(pos int) int {
	return 1 + sort.SearchInts(l.pageBreaks, pos)
}

// sectionAt returns the last heading starting at or before pos.
func (l layout) sectionAt(pos int) string {
	i := sort.Search(len(l.headings), func(i int) bool { return l.headings[i].offset > pos })
	if i == 0 {
		return ""
	}
	return l.headings[i-1].title
}
