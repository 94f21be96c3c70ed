package feed

import (
	"bytes"
	"fmt"

	"github.com/mmcdole/gofeed/rss"

	"github.com/JakeFAU/civic-ingest/internal/hash/sha256"
	"github.com/JakeFAU/civic-ingest/internal/model"
)

func (p *Parser) parseRSS(body []byte) (Result, error) {
	rp := &rss.Parser{}
	doc, err := rp.Parse(bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: rss: %w", ErrMalformedDocument, err)
	}

	items := doc.Items[:p.limit(len(doc.Items))]
	res := Result{Title: doc.Title, Entries: make([]model.RawEntry, 0, len(items))}
	for _, it := range items {
		if it == nil {
			res.Skipped++
			continue
		}
		res.Entries = append(res.Entries, rssEntry(it))
	}
	return res, nil
}

func rssEntry(it *rss.Item) model.RawEntry {
	guid := ""
	if it.GUID != nil {
		guid = it.GUID.Value
	}
	creator := ""
	if it.DublinCoreExt != nil && len(it.DublinCoreExt.Creator) > 0 {
		creator = it.DublinCoreExt.Creator[0]
	}

	return model.RawEntry{
		ExternalID:  firstNonEmpty(guid, it.Link, sha256.Sum([]byte(it.Title+it.PubDate))),
		URL:         firstNonEmpty(it.Link, guid),
		Title:       it.Title,
		Author:      firstNonEmpty(creator, it.Author),
		Summary:     it.Description,
		ContentHTML: firstNonEmpty(it.Content, it.Description),
		PublishedAt: firstTime(ParseTimestamp(it.PubDate), it.PubDateParsed),
	}
}
