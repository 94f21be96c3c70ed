package fetcher

import "strings"

// Accept headers per payload type.
const (
	AcceptFeed  = "application/rss+xml,application/atom+xml,application/xml,text/xml,*/*"
	AcceptAlert = "application/geo+json"
	AcceptHTML  = "text/html,application/xhtml+xml,*/*;q=0.8"
	AcceptText  = "text/plain,*/*;q=0.5"

	acceptLanguage = "en-US,en;q=0.8"
)

// DefaultUAProfile is used when no profile or an unknown one is configured.
const DefaultUAProfile = "chrome-linux"

var userAgentProfiles = map[string]string{
	"safari-mac": "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 " +
		"(KHTML, like Gecko) Version/17.10 Safari/605.1.1",
	"chrome-mac": "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/113.0.0.0 Safari/537.3",
	"chrome-win": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.3",
	"chrome-linux": "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.3",
}

// UserAgent resolves the User-Agent header: an explicit value wins, then the
// named profile, then the default profile.
func UserAgent(explicit, profile string) string {
	if ua := strings.TrimSpace(explicit); ua != "" {
		return ua
	}
	if ua, ok := userAgentProfiles[strings.TrimSpace(profile)]; ok {
		return ua
	}
	return userAgentProfiles[DefaultUAProfile]
}
