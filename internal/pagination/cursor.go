// Package pagination provides keyset pagination over newest-first lists.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor marks the last item of a page.
type Cursor struct {
	At time.Time
	ID string
}

// Encode returns an opaque cursor string from a timestamp and ID.
func Encode(at time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", at.UnixNano(), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("invalid cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	return &Cursor{At: time.Unix(0, nanos).UTC(), ID: parts[1]}, nil
}

// Before reports whether (at, id) sorts after the cursor in newest-first
// order, ties broken by descending ID.
func (c *Cursor) Before(at time.Time, id string) bool {
	if c == nil {
		return true
	}
	if !at.Equal(c.At) {
		return at.Before(c.At)
	}
	return id < c.ID
}

// Page returns up to limit items that follow cursor in a newest-first
// slice, and the cursor for the next page ("" when there is none).
func Page[T any](items []T, cursor *Cursor, limit int, key func(T) (time.Time, string)) ([]T, string) {
	start := 0
	if cursor != nil {
		start = len(items)
		for i, it := range items {
			if at, id := key(it); cursor.Before(at, id) {
				start = i
				break
			}
		}
	}
	rest := items[start:]
	if len(rest) <= limit {
		return rest, ""
	}
	page := rest[:limit]
	at, id := key(page[len(page)-1])
	return page, Encode(at, id)
}
