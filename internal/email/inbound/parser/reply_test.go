package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripReply(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "no quote",
			in:   "Just a message.\nSecond line.\n",
			want: "Just a message.\nSecond line.",
		},
		{
			name: "quoted lines",
			in:   "New text\n\n> old text\n> more old text\n",
			want: "New text",
		},
		{
			name: "on wrote single line",
			in:   "Thanks!\n\nOn Tue, 5 Mar 2024, Bob <bob@example.com> wrote:\nold\n",
			want: "Thanks!",
		},
		{
			name: "on wrote wrapped",
			in:   "Thanks!\nOn Tue, 5 Mar 2024 at 10:00, Bob Example\n<bob@example.com> wrote:\n> old\n",
			want: "Thanks!",
		},
		{
			name: "outlook separator",
			in:   "Reply here\r\n-----Original Message-----\r\nFrom: x\r\n",
			want: "Reply here",
		},
		{
			name: "outlook from block",
			in:   "Reply here\n\nFrom: Bob <bob@example.com>\nSent: Tuesday\nTo: support\nSubject: hi\n\nold body\n",
			want: "Reply here",
		},
		{
			name: "from in prose is kept",
			in:   "From: the team, thanks for waiting.\nWe fixed it.\n",
			want: "From: the team, thanks for waiting.\nWe fixed it.",
		},
		{
			name: "signature",
			in:   "Body text\n-- \nAlice\nACME Corp\n",
			want: "Body text",
		},
		{
			name: "only quote keeps everything",
			in:   "> forwarded without comment\n",
			want: "> forwarded without comment",
		},
		{
			name: "empty",
			in:   "",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripReply(tt.in))
		})
	}
}

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"paragraphs", "<p>one</p><p>two</p>", "one\n\ntwo"},
		{"line breaks", "a<br>b<br/>c", "a\nb\nc"},
		{"entities", "<div>Tom &amp; Jerry &lt;3</div>", "Tom & Jerry <3"},
		{"whitespace collapse", "<p>  lots \n of\t space </p>", "lots of space"},
		{"list", "<ul><li>first</li><li>second</li></ul>", "first\nsecond"},
		{"blockquote", "<p>new</p><blockquote>old<br>older</blockquote>", "new\n\n> old\n> older"},
		{"style skipped", "<style>p{color:red}</style><p>text</p>", "text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTMLToText(tt.in))
		})
	}
}

func TestPolicyCheck(t *testing.T) {
	p := DefaultPolicy()
	assert.Empty(t, p.Check("report.PDF", 100))
	assert.Empty(t, p.Check("notes.txt", DefaultMaxAttachmentSize))
	assert.Contains(t, p.Check("notes.txt", DefaultMaxAttachmentSize+1), "exceeds")
	assert.Contains(t, p.Check("virus.exe", 10), "not allowed")
	assert.Equal(t, "file has no extension", p.Check("README", 10))

	p.ValidateTypes = false
	assert.Empty(t, p.Check("virus.exe", 10))
	assert.NotEmpty(t, p.Check("virus.exe", DefaultMaxAttachmentSize+1))
}
