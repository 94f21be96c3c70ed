package normalize

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestStripMarkup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "tags", in: "<p>Hello <b>world</b></p>", want: "Hello world"},
		{name: "script and style", in: "<script>alert(1)</script>Text<style>p{color:red}</style>", want: "Text"},
		{name: "entities", in: "Tom &amp; Jerry&nbsp;go", want: "Tom & Jerry go"},
		{name: "double escaped", in: "&lt;p&gt;Hi&lt;/p&gt;", want: "Hi"},
		{name: "dangling tag", in: `Breaking news <img width="300" src="x.jpg`, want: "Breaking news"},
		{name: "control characters", in: "a\u200bb\x00c", want: "abc"},
		{name: "newlines collapse", in: "line one\n\n\tline two", want: "line one line two"},
		{
			name: "image attribute leftovers",
			in:   `img width="300" height="200" src="a.jpg" class="wp-post-image" Story text`,
			want: "Story text",
		},
		{name: "stray attributes", in: `Lead srcset="a.jpg 1x" loading=lazy paragraph`, want: "Lead paragraph"},
		{name: "invalid utf8", in: "ok\xffdone", want: "ok done"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, StripMarkup(tt.in))
		})
	}
}

func TestStripBoilerplate(t *testing.T) {
	t.Parallel()

	in := "Council approves budget. The post Council approves budget appeared first on Metro Daily."
	require.Equal(t, "Council approves budget.", StripBoilerplate(in))
	require.Equal(t, "Nothing to remove", StripBoilerplate("Nothing to remove"))
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	require.Equal(t, "short", Truncate("short", 10))
	require.Equal(t, "abc…", Truncate("abcdef", 4))
	require.Equal(t, "ab…", Truncate("ab cdef", 4))

	long := Truncate(strings.Repeat("é", 300), MaxTitleLen)
	require.Equal(t, MaxTitleLen, utf8.RuneCountInString(long))
	require.True(t, strings.HasSuffix(long, "…"))
}
