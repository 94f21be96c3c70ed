package normalize

import (
	"html"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Length limits applied to cleaned text, in characters.
const (
	MaxTitleLen   = 140
	MaxSummaryLen = 500
	ellipsis      = "…"
)

var (
	scriptRe        = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe         = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	wellFormedTagRe = regexp.MustCompile(`<[^>]*>`)
	danglingTailRe  = regexp.MustCompile(`<[^\n]*$`)
	// Unterminated tags such as "<img width=..." left behind by upstream truncation.
	tagFragmentRe = regexp.MustCompile(`<[A-Za-z!/][^>\n]*`)

	imgAttrGarbageRe = regexp.MustCompile(`(?i)(?:^|\s)img\s+width\s*=\s*["']?\d{1,5}["']?` +
		`(?:\s+[a-z][a-z0-9:_-]*\s*=\s*(?:"[^"]*"|'[^']*'|[^\s]+)){0,60}`)
	attrGarbageRe = regexp.MustCompile(`(?i)\b(?:srcset|src|sizes|decoding|loading|fetchpriority|referrerpolicy)` +
		`\s*=\s*(?:"[^"]*"|'[^']*'|[^\s]+)`)
	wpImageGarbageRe = regexp.MustCompile(`(?i)\b(?:wp-post-image|attachment-rss-image-size|size-rss-image-size)\b`)

	boilerplateRe = regexp.MustCompile(`(?is)\bthe post\s.{1,300}?\sappeared first on\s[^.\n]{1,200}\.?`)
)

// controlChars matches Unicode Cc/Cf runes except whitespace, which is collapsed later.
var controlChars = runes.Predicate(func(r rune) bool {
	return !unicode.IsSpace(r) && (unicode.Is(unicode.Cc, r) || unicode.Is(unicode.Cf, r))
})

// StripMarkup reduces HTML (possibly truncated or double-escaped) to a single
// line of plain text.
func StripMarkup(s string) string {
	if s == "" {
		return ""
	}
	s = cleanRunes(s)
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\u00a0", " ")

	s = scriptRe.ReplaceAllString(s, " ")
	s = styleRe.ReplaceAllString(s, " ")
	s = wellFormedTagRe.ReplaceAllString(s, " ")
	s = danglingTailRe.ReplaceAllString(s, " ")
	s = tagFragmentRe.ReplaceAllString(s, " ")
	s = strings.NewReplacer("<", " ", ">", " ").Replace(s)

	s = imgAttrGarbageRe.ReplaceAllString(s, " ")
	s = attrGarbageRe.ReplaceAllString(s, " ")
	s = wpImageGarbageRe.ReplaceAllString(s, " ")

	// Entities can decode to control characters, so clean once more.
	s = cleanRunes(s)
	s = strings.NewReplacer("\ufffd", " ", "\ufffc", " ").Replace(s)
	return CollapseSpace(s)
}

// StripBoilerplate removes syndication footers such as
// "The post X appeared first on Y." and collapses the remainder.
func StripBoilerplate(s string) string {
	return CollapseSpace(boilerplateRe.ReplaceAllString(s, " "))
}

// CollapseSpace folds every run of Unicode whitespace into one space and trims.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate shortens s to at most limit characters, ending with an ellipsis
// when anything was cut.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	cut := strings.TrimRightFunc(string(r[:limit-1]), unicode.IsSpace)
	return cut + ellipsis
}

// cleanRunes replaces invalid UTF-8 with U+FFFD, drops control/format runes
// and composes the result to NFC.
func cleanRunes(s string) string {
	t := transform.Chain(runes.ReplaceIllFormed(), runes.Remove(controlChars), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
