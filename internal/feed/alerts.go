package feed

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/civic-ingest/internal/model"
)

// MaxAlertBody caps the description + instruction body, in characters.
const MaxAlertBody = 4000

const defaultAlertTitle = "Weather alert"

type alertCollection struct {
	Title    string            `json:"title"`
	Features []json.RawMessage `json:"features"`
}

type alertFeature struct {
	ID         string          `json:"id"`
	Properties json.RawMessage `json:"properties"`
}

type alertProperties struct {
	AtID        string `json:"@id"`
	Headline    string `json:"headline"`
	Event       string `json:"event"`
	Description string `json:"description"`
	Instruction string `json:"instruction"`
	Severity    string `json:"severity"`
	Effective   string `json:"effective"`
	Sent        string `json:"sent"`
	Expires     string `json:"expires"`
	Ends        string `json:"ends"`
}

// MapSeverity converts an upstream severity label to the four-level scale.
func MapSeverity(label string) model.Severity {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "extreme":
		return model.SeverityEmergency
	case "severe":
		return model.SeverityWarning
	case "moderate":
		return model.SeverityAdvisory
	default:
		return model.SeverityInfo
	}
}

func (p *Parser) parseAlerts(body []byte) (Result, error) {
	var doc alertCollection
	if err := json.Unmarshal(trimDocument(body), &doc); err != nil {
		return Result{}, fmt.Errorf("%w: alerts: %w", ErrMalformedDocument, err)
	}

	res := Result{Title: doc.Title, Entries: make([]model.RawEntry, 0, p.limit(len(doc.Features)))}
	for _, raw := range doc.Features {
		if len(res.Entries) == p.maxItems {
			break
		}
		entry, ok := alertEntry(raw)
		if !ok {
			res.Skipped++
			continue
		}
		res.Entries = append(res.Entries, entry)
	}
	return res, nil
}

func alertEntry(raw json.RawMessage) (model.RawEntry, bool) {
	var f alertFeature
	if err := json.Unmarshal(raw, &f); err != nil {
		return model.RawEntry{}, false
	}
	var props alertProperties
	var rawProps map[string]any
	if len(f.Properties) > 0 && string(f.Properties) != "null" {
		if err := json.Unmarshal(f.Properties, &props); err != nil {
			return model.RawEntry{}, false
		}
		if err := json.Unmarshal(f.Properties, &rawProps); err != nil {
			return model.RawEntry{}, false
		}
	}

	trigger := firstNonEmpty(f.ID, props.AtID)
	if trigger == "" {
		return model.RawEntry{}, false
	}
	title := firstNonEmpty(props.Headline, props.Event, defaultAlertTitle)
	body := alertBody(props.Description, props.Instruction)
	if body == "" {
		body = title
	}

	return model.RawEntry{
		ExternalID:  trigger,
		URL:         trigger,
		Title:       title,
		Summary:     strings.TrimSpace(props.Description),
		ContentText: body,
		PublishedAt: firstTime(ParseTimestamp(props.Effective), ParseTimestamp(props.Sent)),
		UpdatedAt:   ParseTimestamp(props.Sent),
		Raw:         rawProps,
		Alert: &model.AlertFields{
			Severity:   MapSeverity(props.Severity),
			Title:      title,
			Body:       body,
			TriggerURL: trigger,
			ExpiresAt:  firstTime(ParseTimestamp(props.Expires), ParseTimestamp(props.Ends)),
		},
	}, true
}

func alertBody(description, instruction string) string {
	parts := make([]string, 0, 2)
	for _, s := range []string{description, instruction} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	body := strings.Join(parts, "\n\n")
	if utf8.RuneCountInString(body) > MaxAlertBody {
		body = string([]rune(body)[:MaxAlertBody])
	}
	return body
}
