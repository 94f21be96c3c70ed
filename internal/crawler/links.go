package crawler

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// CommonFeedPaths are probed on every site after its advertised feeds.
var CommonFeedPaths = []string{
	"/feed",
	"/rss",
	"/rss.xml",
	"/atom.xml",
	"/index.xml",
	"/feed.xml",
	"/feeds/posts/default?alt=rss",
}

var feedLinkTypes = map[string]struct{}{
	"application/rss+xml":  {},
	"application/atom+xml": {},
	"application/xml":      {},
	"text/xml":             {},
}

var authorMetaNames = []string{"author", "parsely-author", "article:author"}

// FeedCandidates lists the feed URLs worth probing for the page at base:
// its <link rel="alternate"> feeds first, then CommonFeedPaths on the
// page's origin. Fragments are dropped and duplicates removed.
func FeedCandidates(base string, html []byte) []string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(ref string) {
		u, err := baseURL.Parse(strings.TrimSpace(ref))
		if err != nil || u.Host == "" {
			return
		}
		u.Fragment = ""
		s := u.String()
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html)); err == nil {
		doc.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
			rel := strings.ToLower(s.AttrOr("rel", ""))
			typ := strings.ToLower(strings.TrimSpace(s.AttrOr("type", "")))
			if !strings.Contains(rel, "alternate") {
				return
			}
			if _, ok := feedLinkTypes[typ]; !ok {
				return
			}
			if href := strings.TrimSpace(s.AttrOr("href", "")); href != "" {
				add(href)
			}
		})
	}

	origin := &url.URL{Scheme: baseURL.Scheme, Host: baseURL.Host, Path: "/"}
	for _, p := range CommonFeedPaths {
		ref, err := url.Parse(p)
		if err != nil {
			continue
		}
		add(origin.ResolveReference(ref).String())
	}
	return out
}

// ExtractAuthor finds an article byline in meta tags (author,
// parsely-author, article:author) or, failing that, in ld+json "author"
// values including those nested under "@graph".
func ExtractAuthor(html []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return ""
	}

	meta := make(map[string]string)
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		name := strings.ToLower(strings.TrimSpace(s.AttrOr("name", "")))
		if name == "" {
			name = strings.ToLower(strings.TrimSpace(s.AttrOr("property", "")))
		}
		content := strings.TrimSpace(s.AttrOr("content", ""))
		if name == "" || content == "" {
			return
		}
		if _, ok := meta[name]; !ok {
			meta[name] = content
		}
	})
	for _, name := range authorMetaNames {
		if v := meta[name]; v != "" {
			return v
		}
	}

	author := ""
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !strings.EqualFold(strings.TrimSpace(s.AttrOr("type", "")), "application/ld+json") {
			return true
		}
		var v any
		if json.Unmarshal([]byte(s.Text()), &v) != nil {
			return true
		}
		author = ldAuthor(v)
		return author == ""
	})
	return author
}

func ldAuthor(v any) string {
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if a := ldAuthor(item); a != "" {
				return a
			}
		}
	case map[string]any:
		if a := authorName(t["author"]); a != "" {
			return a
		}
		if graph, ok := t["@graph"].([]any); ok {
			return ldAuthor(graph)
		}
	}
	return ""
}

func authorName(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		name, _ := t["name"].(string)
		return strings.TrimSpace(name)
	case []any:
		if len(t) > 0 {
			return authorName(t[0])
		}
	}
	return ""
}
