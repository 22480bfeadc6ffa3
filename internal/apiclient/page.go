package apiclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/cplus-sensores/colector/internal/models"
)

// recordKeys are the envelope fields that may hold the record array, in
// lookup order.
var recordKeys = []string{"data", "results", "datos", "registros"}

type page struct {
	records []models.Record
	next    string
	cursor  string
}

func decodePage(body []byte) (page, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return page{}, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}

	switch body[0] {
	case '[':
		var records []models.Record
		if err := json.Unmarshal(body, &records); err != nil {
			return page{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return page{records: records}, nil
	case '{':
	default:
		return page{}, fmt.Errorf("%w: expected JSON array or object", ErrMalformedPayload)
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return page{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var p page
	found := false
	for _, key := range recordKeys {
		raw, ok := envelope[key]
		if !ok {
			continue
		}
		found = true
		if string(bytes.TrimSpace(raw)) == "null" {
			break
		}
		if err := json.Unmarshal(raw, &p.records); err != nil {
			return page{}, fmt.Errorf("%w: field %q: %v", ErrMalformedPayload, key, err)
		}
		break
	}
	if !found {
		return page{}, fmt.Errorf("%w: no record array in response", ErrMalformedPayload)
	}

	var err error
	if p.next, err = optionalString(envelope["next"]); err != nil {
		return page{}, fmt.Errorf("%w: field \"next\": %v", ErrMalformedPayload, err)
	}
	if p.cursor, err = optionalString(envelope["next_cursor"]); err != nil {
		return page{}, fmt.Errorf("%w: field \"next_cursor\": %v", ErrMalformedPayload, err)
	}
	return p, nil
}

// optionalString accepts a missing value, null, a string or a number.
func optionalString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// nextURL resolves the continuation of p relative to the page it came from.
// A nil URL means there are no more pages.
func (p page) nextURL(current *url.URL) (*url.URL, error) {
	if p.next != "" {
		ref, err := url.Parse(p.next)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid next link: %v", ErrMalformedPayload, err)
		}
		return current.ResolveReference(ref), nil
	}
	if p.cursor != "" {
		u := *current
		q := u.Query()
		q.Set("cursor", p.cursor)
		u.RawQuery = q.Encode()
		return &u, nil
	}
	return nil, nil
}
