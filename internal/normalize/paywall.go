package normalize

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultPaywallPatterns are case-insensitive signatures of metered or
// subscriber-only article pages.
var DefaultPaywallPatterns = []string{
	`\bpaywall\b`,
	`\bmetered\b`,
	`\bavailable to subscribers\b`,
	`\bfor subscribers\b`,
	`\bsubscription required\b`,
	`\bsign in to continue\b`,
	`\bsign in\b.*\bto continue reading\b`,
	`\bcontinue reading\b.*\bsubscribe\b`,
	`\bsubscribe\b.*\bto continue reading\b`,
	`\bthis content is only available\b.*\bsubscribers?\b`,
	`\bregister\b.*\bto continue reading\b`,
	`tinypass|piano\.io|cxense|zephr|leaky-paywall|laterpay|subscriptions?\.`,
	`data-paywall|class=["'][^"']*paywall|id=["'][^"']*paywall`,
	`meteredcontent|arc-paywall|cpt-shim|tp-modal`,
	`amp-access|subscribe\.js|paywall\.js`,
}

// PaywallDetector flags HTML that matches any configured signature.
type PaywallDetector struct {
	patterns []*regexp.Regexp
}

// NewPaywallDetector compiles patterns. An empty list uses the defaults.
func NewPaywallDetector(patterns []string) (*PaywallDetector, error) {
	if len(patterns) == 0 {
		patterns = DefaultPaywallPatterns
	}
	d := &PaywallDetector{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compile paywall pattern %q: %w", p, err)
		}
		d.patterns = append(d.patterns, re)
	}
	return d, nil
}

// Paywalled reports whether body looks like a paywalled page.
func (d *PaywallDetector) Paywalled(body []byte) bool {
	if d == nil || len(body) == 0 {
		return false
	}
	text := strings.ToValidUTF8(string(body), "�")
	for _, re := range d.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
