// Package pagination implements the opaque keyset cursors used by the admin
// event and enforcement listings. A cursor encodes the (created_at, id) pair
// of the last returned row; stores page with "older than cursor" queries so
// results stay stable while new signals keep arriving.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor is a decoded position in a listing ordered by created_at desc
// with id as the tie-break.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode packs the key pair into an opaque URL-safe string.
func Encode(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", createdAt.UnixNano(), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor produced by Encode. Empty input means "first
// page" and yields a nil cursor; anything else malformed is an error the
// handlers surface as invalid_cursor.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	return &Cursor{
		CreatedAt: time.Unix(0, nanos).UTC(),
		ID:        parts[1],
	}, nil
}

// ComputePage trims an over-fetched page down to limit. Callers query
// limit+1 rows; the extra row's presence is the has_more signal, and the
// next cursor points at the last row actually returned.
func ComputePage[T any](items []T, limit int, extractKey func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := extractKey(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
