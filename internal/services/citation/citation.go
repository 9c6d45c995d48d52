package citation

import (
	"regexp"
	"strings"

	"github.com/stoa-app/coach-engine/internal/models"
)

var (
	markerRe = regexp.MustCompile(`\[\[([^\[\]]+)\]\]`)
	// A marker together with the whitespace around it, so removal
	// leaves no stray spacing at the site. Text away from marker
	// sites is never touched.
	markerSiteRe = regexp.MustCompile(`[ \t]*\[\[[^\[\]]+\]\][ \t]*`)
)

// Result is the outcome of resolving one completed response
type Result struct {
	Sanitized string
	Citations []models.Citation
}

// Resolver turns inline [[chunk-id]] markers into structured citations.
// It operates on fully-accumulated text, never per delta, since markers
// can span delta boundaries.
type Resolver struct{}

func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve strips markers and any trailing "Citations" section the model
// appended, and builds the citation list in first-occurrence order.
// Unknown ids produce a placeholder citation rather than an error.
// Resolving already-sanitized text is a no-op with zero citations.
func (r *Resolver) Resolve(text string, chunks []models.KnowledgeChunk) Result {
	text = stripTrailingCitations(text)

	byID := make(map[string]models.KnowledgeChunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	var citations []models.Citation
	seen := make(map[string]bool)
	for _, m := range markerRe.FindAllStringSubmatch(text, -1) {
		id := m[1]
		if seen[id] {
			continue
		}
		seen[id] = true

		if chunk, ok := byID[id]; ok {
			citations = append(citations, models.Citation{
				ID:        id,
				Title:     chunk.Work,
				Reference: chunk.Section,
				URL:       chunk.Metadata["url"],
			})
		} else {
			// Unknown reference placeholder; never fail the response
			citations = append(citations, models.Citation{
				ID:    id,
				Title: id,
			})
		}
	}

	sanitized := strings.TrimRight(stripMarkers(text), " \t\n")

	return Result{Sanitized: sanitized, Citations: citations}
}

// stripMarkers removes each marker and its surrounding spaces, restoring
// a single space only where two words would otherwise join.
func stripMarkers(text string) string {
	sites := markerSiteRe.FindAllStringIndex(text, -1)
	if len(sites) == 0 {
		return text
	}

	var b strings.Builder
	last := 0
	for _, site := range sites {
		b.WriteString(text[last:site[0]])
		if joinsWords(text, site[0], site[1]) {
			b.WriteByte(' ')
		}
		last = site[1]
	}
	b.WriteString(text[last:])
	return b.String()
}

// joinsWords reports whether removing text[start:end] outright would fuse
// the surrounding words. A marker at a line edge or directly before
// punctuation needs no replacement space.
func joinsWords(text string, start, end int) bool {
	if start == 0 || end >= len(text) {
		return false
	}
	if text[start-1] == '\n' || text[end] == '\n' {
		return false
	}
	switch text[end] {
	case '.', ',', ';', ':', '!', '?':
		return false
	}
	return true
}

// stripTrailingCitations removes a trailing block the model appended
// despite instructions: a line reading exactly "Citations" or
// "Citations:" followed only by blank or reference-looking lines.
func stripTrailingCitations(text string) string {
	lines := strings.Split(text, "\n")

	heading := -1
	for i := len(lines) - 1; i >= 0; i-- {
		t := strings.TrimSpace(lines[i])
		if t == "Citations" || t == "Citations:" {
			heading = i
			break
		}
	}
	if heading < 0 {
		return text
	}

	for _, line := range lines[heading+1:] {
		if !isReferenceLine(line) {
			return text
		}
	}

	return strings.TrimRight(strings.Join(lines[:heading], "\n"), " \t\n")
}

func isReferenceLine(line string) bool {
	t := strings.TrimSpace(line)
	if t == "" {
		return true
	}
	if strings.HasPrefix(t, "-") || strings.HasPrefix(t, "•") || strings.HasPrefix(t, "·") || strings.HasPrefix(t, "*") {
		return true
	}
	return markerRe.MatchString(t)
}
