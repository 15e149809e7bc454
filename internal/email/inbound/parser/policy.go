package parser

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultMaxAttachmentSize is the largest attachment accepted by default, in bytes.
const DefaultMaxAttachmentSize int64 = 512000

// DefaultValidExtensions lists the attachment extensions accepted by default.
var DefaultValidExtensions = []string{
	".txt", ".asc", ".htm", ".html", ".pdf", ".doc", ".docx", ".odt", ".jpg", ".png", ".eml",
}

// Policy decides which attachments are kept.
type Policy struct {
	MaxSize int64
	// Extensions is matched case-insensitively and includes the leading dot.
	Extensions    []string
	ValidateTypes bool
}

// DefaultPolicy returns the stock size limit and extension allow-list.
func DefaultPolicy() Policy {
	return Policy{
		MaxSize:       DefaultMaxAttachmentSize,
		Extensions:    append([]string(nil), DefaultValidExtensions...),
		ValidateTypes: true,
	}
}

// Check returns the reason an attachment is refused, or "" when it is allowed.
func (p Policy) Check(filename string, size int64) string {
	if p.MaxSize > 0 && size > p.MaxSize {
		return fmt.Sprintf("size %d exceeds the limit of %d bytes", size, p.MaxSize)
	}
	if !p.ValidateTypes {
		return ""
	}
	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range p.Extensions {
		if strings.ToLower(strings.TrimSpace(allowed)) == ext && ext != "" {
			return ""
		}
	}
	if ext == "" {
		return "file has no extension"
	}
	return fmt.Sprintf("extension %s is not allowed", ext)
}
