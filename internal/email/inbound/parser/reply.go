package parser

import (
	"regexp"
	"strings"
)

var (
	originalMessageLine = regexp.MustCompile(`(?i)^-{2,}\s*original message\s*-{2,}$`)
	onWroteStart        = regexp.MustCompile(`^On\s.+`)
	wroteEnd            = regexp.MustCompile(`wrote:$`)
	forwardHeaderField  = regexp.MustCompile(`(?i)^(sent|date|to|cc|subject):`)
)

// StripReply returns the newest part of a reply: everything before the first
// quoted line, "On ... wrote:" attribution, "-----Original Message-----"
// separator, Outlook style From: block or "-- " signature delimiter. When
// the cut would leave nothing the whole text is returned.
func StripReply(text string) string {
	text = normalizeNewlines(text)
	lines := strings.Split(text, "\n")
	cut := len(lines)
	for i := 0; i < len(lines); i++ {
		if isReplyBoundary(lines, i) {
			cut = i
			break
		}
	}
	stripped := strings.TrimSpace(strings.Join(lines[:cut], "\n"))
	if stripped == "" {
		return strings.TrimSpace(text)
	}
	return stripped
}

func isReplyBoundary(lines []string, i int) bool {
	raw := lines[i]
	line := strings.TrimSpace(raw)
	switch {
	case raw == "-- " || raw == "--":
		return true
	case strings.HasPrefix(line, ">"):
		return true
	case originalMessageLine.MatchString(line):
		return true
	case onWroteStart.MatchString(line):
		if wroteEnd.MatchString(line) {
			return true
		}
		return i+1 < len(lines) && wroteEnd.MatchString(strings.TrimSpace(lines[i+1]))
	case strings.HasPrefix(strings.ToLower(line), "from:"):
		for j := i + 1; j < len(lines) && j <= i+4; j++ {
			if forwardHeaderField.MatchString(strings.TrimSpace(lines[j])) {
				return true
			}
		}
	}
	return false
}
