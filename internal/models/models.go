package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the on-disk and config representation of a calendar date.
const DateLayout = "2006-01-02"

// Date is a calendar day in UTC.
type Date struct {
	t time.Time
}

// DateOf truncates a timestamp to its UTC calendar day.
func DateOf(t time.Time) Date {
	u := t.UTC()
	return Date{t: time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date{t: t}, nil
}

// MustParseDate is ParseDate for constants and tests.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Date) String() string {
	if d.t.IsZero() {
		return ""
	}
	return d.t.Format(DateLayout)
}

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time { return d.t }

func (d Date) IsZero() bool { return d.t.IsZero() }

func (d Date) Before(o Date) bool { return d.t.Before(o.t) }

func (d Date) After(o Date) bool { return d.t.After(o.t) }

func (d Date) Equal(o Date) bool { return d.t.Equal(o.t) }

// AddDays shifts the date by n days.
func (d Date) AddDays(n int) Date { return Date{t: d.t.AddDate(0, 0, n)} }

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ProjectID groups devices. The registry file stores it as a number when it
// is a canonical integer and as a string otherwise, so "01" stays "01".
type ProjectID string

func (p ProjectID) String() string { return string(p) }

func (p ProjectID) isNumeric() bool {
	if p == "" {
		return false
	}
	for _, r := range string(p) {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (p ProjectID) MarshalJSON() ([]byte, error) {
	if p.isNumeric() {
		if n, err := strconv.ParseInt(string(p), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(p) {
			return []byte(string(p)), nil
		}
	}
	return json.Marshal(string(p))
}

func (p *ProjectID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = ProjectID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("proyecto must be a string or integer: %w", err)
	}
	if _, err := n.Int64(); err != nil {
		return fmt.Errorf("proyecto must be a string or integer: %w", err)
	}
	*p = ProjectID(n.String())
	return nil
}

// DeviceKey identifies a device across the registry.
type DeviceKey struct {
	Project ProjectID `json:"proyecto"`
	Code    string    `json:"codigo_interno"`
}

func (k DeviceKey) String() string {
	return fmt.Sprintf("proyecto_%s/%s", k.Project, k.Code)
}

// Device is one entry of the registry file.
type Device struct {
	Project      ProjectID `json:"proyecto"`
	InternalCode string    `json:"codigo_interno"`
	APIURL       string    `json:"api_url,omitempty"`
	LastSynced   *Date     `json:"ultima_fecha,omitempty"`
}

// Key returns the uniqueness key of the device.
func (d Device) Key() DeviceKey {
	return DeviceKey{Project: d.Project, Code: d.InternalCode}
}

// ErrInvalidDevice marks descriptors that cannot be stored.
var ErrInvalidDevice = errors.New("invalid device")

// Validate checks the fields used as folder names.
func (d Device) Validate() error {
	if strings.TrimSpace(string(d.Project)) == "" {
		return fmt.Errorf("%w: proyecto is required", ErrInvalidDevice)
	}
	if strings.TrimSpace(d.InternalCode) == "" {
		return fmt.Errorf("%w: codigo_interno is required", ErrInvalidDevice)
	}
	if !safePathElement(string(d.Project)) {
		return fmt.Errorf("%w: proyecto %q cannot be used as a folder name", ErrInvalidDevice, d.Project)
	}
	if !safePathElement(d.InternalCode) {
		return fmt.Errorf("%w: codigo_interno %q cannot be used as a folder name", ErrInvalidDevice, d.InternalCode)
	}
	return nil
}

func safePathElement(s string) bool {
	if s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, `/\`+"\x00")
}

// Record is one measurement row. Column order follows the source payload.
type Record struct {
	keys   []string
	values map[string]string
}

// Set assigns a column value, appending the column if it is new.
func (r *Record) Set(key, value string) {
	if r.values == nil {
		r.values = make(map[string]string)
	}
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

// Get returns the value of a column.
func (r Record) Get(key string) (string, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Keys returns the columns in payload order.
func (r Record) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

func (r Record) Len() int { return len(r.keys) }

// RecordFrom builds a record from alternating key/value pairs.
func RecordFrom(pairs ...string) Record {
	var r Record
	for i := 0; i+1 < len(pairs); i += 2 {
		r.Set(pairs[i], pairs[i+1])
	}
	return r
}

// UnmarshalJSON decodes a flat JSON object keeping key order. Strings are
// unquoted, numbers and booleans keep their literal text, null becomes empty
// and nested values are stored as compact JSON.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("record must be a JSON object")
	}

	*r = Record{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected record key %v", tok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("decode field %q: %w", key, err)
		}
		value, err := scalarText(raw)
		if err != nil {
			return fmt.Errorf("decode field %q: %w", key, err)
		}
		r.Set(key, value)
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

func scalarText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return "", err
		}
		return buf.String(), nil
	}
	if string(raw) == "null" {
		return "", nil
	}
	return string(raw), nil
}

// MarshalJSON encodes the record as an object in column order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(r.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Window is the inclusive fetch range for one device.
type Window struct {
	Start Date      `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether ts falls inside the window.
func (w Window) Contains(ts time.Time) bool {
	if ts.Before(w.Start.Time()) {
		return false
	}
	return !ts.After(w.End)
}
