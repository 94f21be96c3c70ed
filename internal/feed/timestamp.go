package feed

import (
	"net/mail"
	"strings"
	"time"
)

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp accepts RFC 3339 (and close ISO 8601 variants) or RFC 822
// mail-style dates. Values without a zone are taken as UTC. Anything else,
// including the empty string, yields nil.
func ParseTimestamp(value string) *time.Time {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return utc(t)
		}
	}
	if t, err := mail.ParseDate(v); err == nil {
		return utc(t)
	}
	return nil
}

func utc(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}

func firstTime(values ...*time.Time) *time.Time {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
