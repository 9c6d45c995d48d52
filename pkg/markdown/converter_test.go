package markdown

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToWebHTMLBasicFormatting(t *testing.T) {
	html := ToWebHTML("Practice **negative visualization** each *morning*.")

	assert.Contains(t, html, "<b>negative visualization</b>")
	assert.Contains(t, html, "<i>morning</i>")
}

func TestToWebHTMLHeadingsBecomeBold(t *testing.T) {
	html := ToWebHTML("## Morning practice\n\nBegin with gratitude.")

	assert.Contains(t, html, "<b>Morning practice</b>")
	assert.NotContains(t, html, "<h2>")
}

func TestToWebHTMLStripsUnsupportedTags(t *testing.T) {
	html := ToWebHTML("A | table | here\n---|---|---\n1 | 2 | 3")

	assert.NotContains(t, html, "<table>")
	assert.NotContains(t, html, "<td>")
}

func TestToWebHTMLEmpty(t *testing.T) {
	assert.Equal(t, "", ToWebHTML(""))
}
