package normalize

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strings"
)

// URLDenylist is an exact-match set of item URLs that must never be stored.
// The zero value and nil deny nothing.
type URLDenylist struct {
	urls map[string]struct{}
}

// NewURLDenylist builds a denylist from raw URLs.
func NewURLDenylist(urls []string) *URLDenylist {
	d := &URLDenylist{urls: make(map[string]struct{}, len(urls))}
	for _, raw := range urls {
		if key := DenylistKey(raw); key != "" {
			d.urls[key] = struct{}{}
		}
	}
	return d
}

// LoadURLDenylist reads one URL per line. Blank lines and lines starting with
// "#" are skipped; a missing file yields an empty denylist.
func LoadURLDenylist(path string) (*URLDenylist, error) {
	lines, err := readListFile(path)
	if err != nil {
		return nil, err
	}
	return NewURLDenylist(lines), nil
}

// Denied reports whether rawURL is on the list.
func (d *URLDenylist) Denied(rawURL string) bool {
	if d == nil || len(d.urls) == 0 {
		return false
	}
	_, ok := d.urls[DenylistKey(rawURL)]
	return ok
}

// Len returns the number of entries.
func (d *URLDenylist) Len() int {
	if d == nil {
		return 0
	}
	return len(d.urls)
}

// DomainDenylist rejects URLs by domain. Entries written "*.example.com" or
// ".example.com" match that host and its subdomains; any other entry matches
// as a substring of the lowercased URL.
type DomainDenylist struct {
	substrings []string
	suffixes   []string
}

// NewDomainDenylist builds a DomainDenylist from raw entries.
func NewDomainDenylist(entries []string) *DomainDenylist {
	d := &DomainDenylist{}
	for _, raw := range entries {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			d.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			d.addSuffix(strings.TrimPrefix(value, "."))
		default:
			d.substrings = append(d.substrings, value)
		}
	}
	return d
}

// LoadDomainDenylist reads entries from path in the same format as
// LoadURLDenylist.
func LoadDomainDenylist(path string) (*DomainDenylist, error) {
	lines, err := readListFile(path)
	if err != nil {
		return nil, err
	}
	return NewDomainDenylist(lines), nil
}

func (d *DomainDenylist) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range d.suffixes {
		if existing == suffix {
			return
		}
	}
	d.suffixes = append(d.suffixes, suffix)
}

// Denied reports whether rawURL falls under any entry.
func (d *DomainDenylist) Denied(rawURL string) bool {
	if d == nil {
		return false
	}
	lower := strings.ToLower(strings.TrimSpace(rawURL))
	if lower == "" {
		return false
	}
	for _, sub := range d.substrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	if len(d.suffixes) == 0 {
		return false
	}
	u, err := url.Parse(lower)
	if err != nil {
		return false
	}
	host := u.Hostname()
	for _, suffix := range d.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

func readListFile(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open list %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return readList(f)
}

func readList(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read list: %w", err)
	}
	return out, nil
}
