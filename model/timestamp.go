package model

import (
	"fmt"
	"time"
)

// TimestampLayout is the persisted text form of a Timestamp.
const TimestampLayout = time.RFC3339Nano

// Timestamp is the creation time of a reflection. It serialises as an
// RFC 3339 string with nanoseconds in UTC and parses only that layout.
type Timestamp struct {
	t time.Time
}

// NewTimestamp strips the monotonic reading and normalises t to UTC so that
// values survive a text round trip unchanged.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t: t.Round(0).UTC()}
}

// ParseTimestamp parses the TimestampLayout form. An empty string yields the
// zero Timestamp.
func ParseTimestamp(s string) (Timestamp, error) {
	var ts Timestamp
	err := ts.UnmarshalText([]byte(s))
	return ts, err
}

// Time returns the instant as a time.Time in UTC.
func (ts Timestamp) Time() time.Time { return ts.t }

// IsZero reports whether no time was recorded.
func (ts Timestamp) IsZero() bool { return ts.t.IsZero() }

// Equal reports whether both timestamps denote the same instant.
func (ts Timestamp) Equal(other Timestamp) bool {
	return ts.t.Equal(other.t)
}

// MarshalText implements encoding.TextMarshaler (used by YAML).
func (ts Timestamp) MarshalText() ([]byte, error) {
	if ts.t.IsZero() {
		return []byte{}, nil
	}
	return []byte(ts.t.UTC().Format(TimestampLayout)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (ts *Timestamp) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		ts.t = time.Time{}
		return nil
	}
	t, err := time.Parse(TimestampLayout, string(b))
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", string(b), err)
	}
	ts.t = t.UTC()
	return nil
}

func (ts Timestamp) String() string {
	if ts.t.IsZero() {
		return "-"
	}
	return ts.t.UTC().Format(time.RFC3339)
}
