// ABOUTME: Derives a session title from the first query of a conversation
// ABOUTME: Parses the prompt as markdown so formatting syntax doesn't leak into titles

package tasks

import (
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MaxTitleLength is the longest title, in runes, derived from a query.
const MaxTitleLength = 60

// Title returns the plain text of the prompt's first block, truncated.
func Title(prompt string) string {
	src := []byte(prompt)
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))

	var b strings.Builder
	for block := doc.FirstChild(); block != nil && b.Len() == 0; block = block.NextSibling() {
		_ = ast.Walk(block, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
			if !entering {
				return ast.WalkContinue, nil
			}
			switch t := n.(type) {
			case *ast.Text:
				b.Write(t.Segment.Value(src))
				if t.SoftLineBreak() || t.HardLineBreak() {
					b.WriteByte(' ')
				}
			case *ast.String:
				b.Write(t.Value)
			}
			return ast.WalkContinue, nil
		})
	}

	title := strings.Join(strings.Fields(b.String()), " ")
	if title == "" {
		// Code blocks and other leaf-only content
		title = strings.Join(strings.Fields(prompt), " ")
	}
	return truncate(title, MaxTitleLength)
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max-3])) + "..."
}
