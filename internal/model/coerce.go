package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// zeroDate is the MySQL zero datetime some upstream payloads emit for
// timestamps that were never set.
const zeroDate = "0000-00-00 00:00:00"

// timeLayouts are attempted in order when a timestamp arrives as a string.
// Naive datetimes are assumed UTC.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"20060102",
}

// ParseUnixTime normalizes the many timestamp shapes the upstream emits
// (unix seconds, ISO 8601 with or without zone, "YYYY-MM-DD HH:MM:SS",
// "YYYYMMDD") into unix seconds. The zero datetime, empty strings and nil
// map to (nil, nil). Unparseable values return an error.
func ParseUnixTime(v interface{}) (*int64, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case int64:
		if t == 0 {
			return nil, nil
		}
		return &t, nil
	case int:
		return ParseUnixTime(int64(t))
	case float64:
		return ParseUnixTime(int64(t))
	case string:
		s := strings.TrimSpace(t)
		if s == "" || s == zeroDate {
			return nil, nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && len(s) > 8 {
			return &n, nil
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				u := ts.Unix()
				return &u, nil
			}
		}
		return nil, fmt.Errorf("unrecognized timestamp %q", s)
	}
	return nil, fmt.Errorf("unrecognized timestamp type %T", v)
}

// Bool01 maps native booleans and "true"/"false" strings to the 0/1 tinyint
// encoding used everywhere in the schema. Unknown values map to 0.
func Bool01(v interface{}) int {
	switch t := v.(type) {
	case bool:
		if t {
			return 1
		}
	case string:
		if strings.EqualFold(strings.TrimSpace(t), "true") || t == "1" {
			return 1
		}
	case int:
		if t != 0 {
			return 1
		}
	case float64:
		if t != 0 {
			return 1
		}
	}
	return 0
}

// GenderCode maps the upstream gender strings to {0 unknown, 1 male,
// 2 female}.
func GenderCode(s string) int {
	switch strings.TrimSpace(s) {
	case "男", "1":
		return 1
	case "女", "2":
		return 2
	}
	return 0
}

// FormatBirthday converts a YYYYMMDD string into YYYY-MM-DD for the DATE
// column. Anything else is passed through unchanged; empty becomes nil.
func FormatBirthday(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if len(s) == 8 {
		if _, err := strconv.Atoi(s); err == nil {
			formatted := s[:4] + "-" + s[4:6] + "-" + s[6:]
			return &formatted
		}
	}
	return &s
}

// TruncateRunes shortens s to at most n runes. Multi-byte player names must
// be cut on rune boundaries, not bytes.
func TruncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// NilIfEmpty returns nil for empty strings so they map to SQL NULL.
func NilIfEmpty(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
