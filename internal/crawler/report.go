package crawler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JakeFAU/civic-ingest/internal/model"
)

// Report is the discovery output document.
type Report struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Results     []SiteResult `json:"results"`
}

// SiteResult lists the feeds accepted for one seed.
type SiteResult struct {
	Site  string       `json:"site"`
	Feeds []FeedResult `json:"feeds"`
	Error string       `json:"error,omitempty"`
}

// FeedResult is one accepted feed with its sampled items.
type FeedResult struct {
	URL   string             `json:"url"`
	Kind  model.EndpointKind `json:"kind"`
	Title string             `json:"title"`
	Items []ItemSample       `json:"items"`
	// Paywalled and Fetched count sampled article pages.
	Paywalled int      `json:"paywalled"`
	Fetched   int      `json:"fetched"`
	Authors   []string `json:"authors,omitempty"`
}

// ItemSample is one non-paywalled feed item.
type ItemSample struct {
	Title     string `json:"title"`
	URL       string `json:"url"`
	Author    string `json:"author,omitempty"`
	Published string `json:"published,omitempty"`
}

// WriteReport writes r as indented JSON, replacing path atomically.
func WriteReport(path string, r Report) error {
	payload, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create report dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".report-*")
	if err != nil {
		return fmt.Errorf("create temp report: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(append(payload, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename report to %s: %w", path, err)
	}
	return nil
}

// LoadSeeds reads one site URL per line, skipping blanks and # comments.
func LoadSeeds(path string) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("open seeds %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var seeds []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		seeds = append(seeds, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read seeds %s: %w", path, err)
	}
	return seeds, nil
}
