// Package markdown renders user supplied markdown (ticket descriptions and
// follow-up comments) into HTML that is safe to embed.
package markdown

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/renderer/html"
)

// DefaultAllowedSchemes are the link schemes kept by StripDisallowedSchemes.
var DefaultAllowedSchemes = []string{
	"file", "ftp", "ftps", "http", "https", "irc", "mailto",
	"sftp", "ssh", "tel", "telnet", "tftp", "vnc", "xmpp",
}

var linkPattern = regexp.MustCompile(`(\[[\s\S]*?\])\(([\w]*?):([\s\S]*?)\)`)

// Renderer converts markdown into sanitized HTML.
type Renderer struct {
	allowed map[string]struct{}
	md      goldmark.Markdown
	policy  *bluemonday.Policy
}

// NewRenderer builds a renderer that keeps only the given link schemes.
// An empty list falls back to DefaultAllowedSchemes.
func NewRenderer(schemes []string) *Renderer {
	if len(schemes) == 0 {
		schemes = DefaultAllowedSchemes
	}
	allowed := make(map[string]struct{}, len(schemes))
	for _, s := range schemes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			allowed[s] = struct{}{}
		}
	}

	md := goldmark.New(
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
		),
	)

	policy := bluemonday.UGCPolicy()
	policy.RequireNoFollowOnLinks(true)

	return &Renderer{allowed: allowed, md: md, policy: policy}
}

var defaultRenderer = NewRenderer(nil)

// StripDisallowedSchemes removes the scheme of every markdown link whose
// scheme is not allowed, using the default scheme list.
func StripDisallowedSchemes(text string) string {
	return defaultRenderer.StripDisallowedSchemes(text)
}

// Render converts markdown to sanitized HTML with the default scheme list.
func Render(text string) string {
	return defaultRenderer.Render(text)
}

// StripDisallowedSchemes drops disallowed link schemes and keeps the rest of
// the link. Passes repeat until nothing changes, so nested schemes such as
// "javascript:javascript:" are removed completely.
func (r *Renderer) StripDisallowedSchemes(text string) string {
	for {
		changed := false
		text = linkPattern.ReplaceAllStringFunc(text, func(match string) string {
			m := linkPattern.FindStringSubmatch(match)
			if m == nil {
				return match
			}
			if _, ok := r.allowed[strings.ToLower(m[2])]; ok {
				return match
			}
			changed = true
			return m[1] + "(" + m[3] + ")"
		})
		if !changed {
			return text
		}
	}
}

// Render strips disallowed schemes, converts the markdown with hard line
// breaks and raw HTML omitted, then runs the result through the UGC policy.
func (r *Renderer) Render(text string) string {
	if text == "" {
		return ""
	}
	text = r.StripDisallowedSchemes(text)

	var buf strings.Builder
	if err := r.md.Convert([]byte(text), &buf); err != nil {
		return r.policy.Sanitize(text)
	}
	return r.policy.Sanitize(buf.String())
}
