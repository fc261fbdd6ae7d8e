package agent

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/torale/torale/internal/domain/execution"
)

// Response is the normalized agent answer: confidence clamped to 0..100,
// sources reduced to {url,title}, next_run parsed as UTC (nil = task done).
type Response struct {
	Evidence     string
	Notification *string
	Sources      []execution.GroundingSource
	Confidence   int
	NextRun      *time.Time
	Topic        string
	Raw          json.RawMessage
}

const defaultConfidence = 50

type rawResponse struct {
	Evidence     *string           `json:"evidence"`
	Notification *string           `json:"notification"`
	Sources      []json.RawMessage `json:"sources"`
	Confidence   json.RawMessage   `json:"confidence"`
	NextRun      *string           `json:"next_run"`
	Topic        string            `json:"topic"`
}

// ParseResponse validates and normalizes the terminal agent payload.
func ParseResponse(body []byte) (Response, error) {
	var raw rawResponse

	if err := json.Unmarshal(body, &raw); err != nil {
		return Response{}, newError(KindProtocol, 0, "malformed agent response", err)
	}

	if raw.Evidence == nil || *raw.Evidence == "" {
		return Response{}, newError(KindProtocol, 0, "agent response missing evidence", nil)
	}

	sources, err := normalizeSources(raw.Sources)
	if err != nil {
		return Response{}, err
	}

	var nextRun *time.Time
	if raw.NextRun != nil && *raw.NextRun != "" {
		t, perr := parseUTC(*raw.NextRun)
		if perr != nil {
			return Response{}, newError(KindValidation, 0, "agent next_run is not a timestamp: "+*raw.NextRun, perr)
		}
		nextRun = &t
	}

	return Response{
		Evidence:     *raw.Evidence,
		Notification: raw.Notification,
		Sources:      sources,
		Confidence:   clampConfidence(raw.Confidence),
		NextRun:      nextRun,
		Topic:        strings.TrimSpace(raw.Topic),
		Raw:          json.RawMessage(body),
	}, nil
}

// clampConfidence accepts any JSON value: numbers are clamped to 0..100,
// everything else falls back to 50.
func clampConfidence(raw json.RawMessage) int {
	if len(raw) == 0 {
		return defaultConfidence
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return defaultConfidence
	}

	n := int(f)
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

// normalizeSources accepts both bare URL strings and {url,title} objects.
// Missing titles default to the URL's host.
func normalizeSources(items []json.RawMessage) ([]execution.GroundingSource, error) {
	out := make([]execution.GroundingSource, 0, len(items))

	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, execution.GroundingSource{URL: s, Title: hostOf(s)})
			continue
		}

		var obj struct {
			URL   string `json:"url"`
			Title string `json:"title"`
		}
		if err := json.Unmarshal(item, &obj); err != nil || obj.URL == "" {
			return nil, newError(KindValidation, 0, "agent source is neither a URL nor {url,title}", err)
		}
		if obj.Title == "" {
			obj.Title = hostOf(obj.URL)
		}
		out = append(out, execution.GroundingSource{URL: obj.URL, Title: obj.Title})
	}

	return out, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

// parseUTC handles RFC3339 with or without the Z suffix; the result is
// always UTC.
func parseUTC(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		// bare timestamps without a zone are treated as UTC
		t, err = time.Parse("2006-01-02T15:04:05", s)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	}
	return t.UTC(), nil
}
