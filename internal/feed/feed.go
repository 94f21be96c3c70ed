// Package feed turns fetched bytes into RawEntry sequences. The format is
// decided by document structure alone: a <channel> element means RSS, a root
// <feed> element means Atom, and a JSON object with a "features" array means
// a GeoJSON alert collection.
package feed

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/JakeFAU/civic-ingest/internal/model"
)

var (
	// ErrUnrecognizedFormat is returned when no supported structure is found.
	ErrUnrecognizedFormat = errors.New("unrecognized feed format")
	// ErrMalformedDocument is returned when a recognized format fails to decode.
	ErrMalformedDocument = errors.New("malformed feed document")
)

// DefaultMaxItems caps entries per document when the Parser is built with a
// non-positive limit.
const DefaultMaxItems = 25

// Result is one parsed document.
type Result struct {
	Kind    model.EndpointKind
	Title   string
	Entries []model.RawEntry
	// Skipped counts entries that could not be decoded and were dropped.
	Skipped int
}

// Parser decodes feeds. It holds no mutable state.
type Parser struct {
	maxItems int
}

// New returns a Parser that keeps at most maxItems entries per document.
func New(maxItems int) *Parser {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	return &Parser{maxItems: maxItems}
}

// Parse decodes body. hint is the configured endpoint kind; it never
// overrides the detected structure but turns an unrecognized JSON document
// into ErrMalformedDocument for JSON_API endpoints.
func (p *Parser) Parse(body []byte, hint model.EndpointKind) (Result, error) {
	kind, err := Sniff(body)
	if err != nil {
		if errors.Is(err, ErrUnrecognizedFormat) && hint == model.KindJSONAPI && looksJSON(body) {
			return Result{}, fmt.Errorf("%w: json document has no features array", ErrMalformedDocument)
		}
		return Result{}, err
	}

	var res Result
	switch kind {
	case model.KindRSS:
		res, err = p.parseRSS(body)
	case model.KindAtom:
		res, err = p.parseAtom(body)
	case model.KindJSONAPI:
		res, err = p.parseAlerts(body)
	default:
		return Result{}, fmt.Errorf("%w: %s", ErrUnrecognizedFormat, kind)
	}
	if err != nil {
		return Result{}, err
	}
	res.Kind = kind
	return res, nil
}

// Sniff classifies body by structure.
func Sniff(body []byte) (model.EndpointKind, error) {
	trimmed := trimDocument(body)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("%w: empty document", ErrUnrecognizedFormat)
	}
	switch trimmed[0] {
	case '{':
		return sniffJSON(trimmed)
	case '<':
		return sniffXML(trimmed)
	default:
		return "", fmt.Errorf("%w: leading byte %q", ErrUnrecognizedFormat, trimmed[0])
	}
}

func sniffJSON(body []byte) (model.EndpointKind, error) {
	var probe struct {
		Features json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedDocument, err)
	}
	features := bytes.TrimSpace(probe.Features)
	if len(features) == 0 || features[0] != '[' {
		return "", fmt.Errorf("%w: json document has no features array", ErrUnrecognizedFormat)
	}
	return model.KindJSONAPI, nil
}

func sniffXML(body []byte) (model.EndpointKind, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity
	// Only element names matter here; gofeed handles charsets when decoding.
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }

	root := ""
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) || root != "" {
				break
			}
			return "", fmt.Errorf("%w: %w", ErrMalformedDocument, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		name := strings.ToLower(start.Name.Local)
		if name == "channel" {
			return model.KindRSS, nil
		}
		if root == "" {
			root = name
		}
	}
	if root == "feed" {
		return model.KindAtom, nil
	}
	if root == "" {
		return "", fmt.Errorf("%w: no xml elements", ErrMalformedDocument)
	}
	return "", fmt.Errorf("%w: xml root <%s>", ErrUnrecognizedFormat, root)
}

func trimDocument(body []byte) []byte {
	body = bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))
	return bytes.TrimSpace(body)
}

func looksJSON(body []byte) bool {
	t := trimDocument(body)
	return len(t) > 0 && t[0] == '{'
}

func (p *Parser) limit(n int) int {
	if n > p.maxItems {
		return p.maxItems
	}
	return n
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
