package feed

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed/atom"

	"github.com/JakeFAU/civic-ingest/internal/hash/sha256"
	"github.com/JakeFAU/civic-ingest/internal/model"
)

func (p *Parser) parseAtom(body []byte) (Result, error) {
	ap := &atom.Parser{}
	doc, err := ap.Parse(bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: atom: %w", ErrMalformedDocument, err)
	}

	entries := doc.Entries[:p.limit(len(doc.Entries))]
	res := Result{Title: doc.Title, Entries: make([]model.RawEntry, 0, len(entries))}
	for _, e := range entries {
		if e == nil {
			res.Skipped++
			continue
		}
		res.Entries = append(res.Entries, atomEntry(e))
	}
	return res, nil
}

func atomEntry(e *atom.Entry) model.RawEntry {
	link := alternateLink(e.Links)
	pub := firstNonEmpty(e.Published, e.Updated)
	author := ""
	if len(e.Authors) > 0 && e.Authors[0] != nil {
		author = e.Authors[0].Name
	}
	content := ""
	if e.Content != nil {
		content = e.Content.Value
	}

	return model.RawEntry{
		ExternalID:  firstNonEmpty(e.ID, link, sha256.Sum([]byte(e.Title+pub))),
		URL:         link,
		Title:       e.Title,
		Author:      author,
		Summary:     e.Summary,
		ContentHTML: firstNonEmpty(content, e.Summary),
		PublishedAt: firstTime(ParseTimestamp(pub), e.PublishedParsed, e.UpdatedParsed),
		UpdatedAt:   firstTime(ParseTimestamp(e.Updated), e.UpdatedParsed),
	}
}

// alternateLink returns the first rel="alternate" href; a missing rel counts
// as alternate.
func alternateLink(links []*atom.Link) string {
	for _, l := range links {
		if l == nil {
			continue
		}
		rel := strings.ToLower(strings.TrimSpace(l.Rel))
		href := strings.TrimSpace(l.Href)
		if (rel == "" || rel == "alternate") && href != "" {
			return href
		}
	}
	return ""
}
