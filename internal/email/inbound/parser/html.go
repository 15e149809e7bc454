package parser

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	blankLineRun  = regexp.MustCompile(`\n{3,}`)
)

// HTMLToText renders an HTML fragment as plain text. Paragraphs, line
// breaks and list items become newlines and blockquote content is prefixed
// with "> " so StripReply can cut it like a plain text quote.
func HTMLToText(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))
	var b strings.Builder
	depth := 0
	lineStart := true
	skip := 0

	newline := func() {
		if !lineStart {
			b.WriteByte('\n')
			lineStart = true
		}
	}
	forceNewline := func() {
		b.WriteByte('\n')
		lineStart = true
	}

	for {
		switch z.Next() {
		case html.ErrorToken:
			return tidyText(b.String())
		case html.TextToken:
			if skip > 0 {
				continue
			}
			text := whitespaceRun.ReplaceAllString(string(z.Text()), " ")
			if lineStart {
				text = strings.TrimLeft(text, " ")
			}
			if text == "" {
				continue
			}
			if lineStart && depth > 0 {
				b.WriteString(strings.Repeat("> ", depth))
			}
			b.WriteString(text)
			lineStart = false
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Br:
				forceNewline()
			case atom.Blockquote:
				newline()
				depth++
			case atom.Script, atom.Style, atom.Head, atom.Title:
				skip++
			case atom.P, atom.Div, atom.Li, atom.Tr, atom.Table, atom.Ul, atom.Ol,
				atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Pre, atom.Hr:
				newline()
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Blockquote:
				newline()
				if depth > 0 {
					depth--
				}
			case atom.Script, atom.Style, atom.Head, atom.Title:
				if skip > 0 {
					skip--
				}
			case atom.P:
				newline()
				forceNewline()
			case atom.Div, atom.Li, atom.Tr, atom.Table, atom.Ul, atom.Ol,
				atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Pre:
				newline()
			}
		}
	}
}

func tidyText(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	out := strings.Join(lines, "\n")
	out = blankLineRun.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
