package submission

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// isoMillis is the persisted date-time layout, UTC with milliseconds.
const isoMillis = "2006-01-02T15:04:05.000Z"

var deadlineLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Deadline is the requested delivery date. The form may send either a
// date-time string or a date; callers in Go can also build one from a
// time.Time.
type Deadline struct {
	raw string
	at  time.Time
}

func DeadlineAt(t time.Time) Deadline { return Deadline{at: t} }

func DeadlineString(s string) Deadline { return Deadline{raw: s} }

func (d Deadline) IsZero() bool {
	return d.at.IsZero() && strings.TrimSpace(d.raw) == ""
}

// Time resolves the deadline. Date-only strings are midnight UTC.
func (d Deadline) Time() (time.Time, error) {
	if !d.at.IsZero() {
		return d.at, nil
	}
	s := strings.TrimSpace(d.raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: deadline is required", ErrInvalidInput)
	}
	for _, layout := range deadlineLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: deadline %q is not a valid date", ErrInvalidInput, s)
}

// hasOffset reports a string deadline carrying an explicit numeric UTC
// offset. A trailing Z is what browsers emit after converting to UTC, so it
// does not count as the visitor's own zone.
func (d Deadline) hasOffset() bool {
	s := strings.TrimSpace(d.raw)
	if !d.at.IsZero() || s == "" || strings.HasSuffix(strings.ToUpper(s), "Z") {
		return false
	}
	_, err := time.Parse(time.RFC3339Nano, s)
	return err == nil
}

// ISO formats the deadline as 2006-01-02T15:04:05.000Z.
func (d Deadline) ISO() (string, error) {
	t, err := d.Time()
	if err != nil {
		return "", err
	}
	return t.UTC().Format(isoMillis), nil
}

func (d Deadline) String() string {
	if !d.at.IsZero() {
		return d.at.UTC().Format(isoMillis)
	}
	return d.raw
}

func (d Deadline) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Deadline) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*d = Deadline{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("deadline must be a string: %w", err)
	}
	*d = Deadline{raw: s}
	return nil
}
