package markdown

import (
	"regexp"
	"strings"

	"github.com/russross/blackfriday/v2"
)

// ToWebHTML converts a markdown reply to the restricted HTML subset the
// web and mobile clients render.
func ToWebHTML(markdown string) string {
	if markdown == "" {
		return ""
	}

	html := string(blackfriday.Run([]byte(markdown), blackfriday.WithExtensions(blackfriday.CommonExtensions)))

	return cleanHTML(html)
}

// cleanHTML strips everything outside the supported tag subset
func cleanHTML(html string) string {
	// Drop language classes on fenced code blocks
	html = regexp.MustCompile(`<pre><code(?: class="[^"]*")?>`).ReplaceAllString(html, "<pre><code>")

	// Convert <strong>/<em> to the short forms the clients style
	html = strings.ReplaceAll(html, "<strong>", "<b>")
	html = strings.ReplaceAll(html, "</strong>", "</b>")
	html = strings.ReplaceAll(html, "<em>", "<i>")
	html = strings.ReplaceAll(html, "</em>", "</i>")

	// Headings render as bold paragraphs
	html = regexp.MustCompile(`<h[1-6][^>]*>(.*?)</h[1-6]>`).ReplaceAllString(html, "<p><b>$1</b></p>")

	supportedTags := []string{"b", "i", "u", "s", "code", "pre", "a", "br", "p", "ul", "ol", "li", "blockquote"}
	tagPattern := `</?([a-zA-Z]+)(?:\s[^>]*)?>`

	html = regexp.MustCompile(tagPattern).ReplaceAllStringFunc(html, func(match string) string {
		tagMatch := regexp.MustCompile(`</?([a-zA-Z]+)`).FindStringSubmatch(match)
		if len(tagMatch) > 1 {
			tagName := strings.ToLower(tagMatch[1])
			for _, supported := range supportedTags {
				if tagName == supported {
					return match
				}
			}
		}
		return ""
	})

	// Collapse runs of blank lines left by stripped tags
	html = regexp.MustCompile(`\n{3,}`).ReplaceAllString(html, "\n\n")

	return strings.TrimSpace(html)
}
