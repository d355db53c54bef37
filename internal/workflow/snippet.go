// internal/workflow/snippet.go
package workflow

import (
	"strings"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// maxSnippetBytes caps stored search snippets, matching the server's own
// truncation limit.
const maxSnippetBytes = 200

// NormalizeSnippet converts HTML search snippets to markdown and truncates
// them without splitting a multi-byte character.
func NormalizeSnippet(snippet string) string {
	if strings.ContainsRune(snippet, '<') {
		if md, err := htmltomarkdown.ConvertString(snippet); err == nil {
			snippet = strings.TrimSpace(md)
		}
	}
	return truncateUTF8(snippet, maxSnippetBytes)
}

// truncateUTF8 cuts s to at most max bytes on a rune boundary.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
