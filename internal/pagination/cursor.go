// Package pagination implements the opaque keyset cursors used by
// order listings. A cursor names the (createdAt, id) position of the
// last row the client saw; the stores turn it into a
// `(created_at, id) < (...)` predicate so pages stay stable while new
// orders are created.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrBadCursor is returned for cursors that did not come from Encode.
var ErrBadCursor = errors.New("invalid cursor")

// Cursor is a decoded position in the (created_at DESC, id DESC) order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode packs a position into an opaque URL-safe token.
func Encode(createdAt time.Time, id string) string {
	raw := "v1:" + strconv.FormatInt(createdAt.UnixNano(), 10) + ":" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode unpacks a token produced by Encode. Empty input decodes to a
// nil cursor, meaning "from the top".
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrBadCursor
	}
	parts := strings.SplitN(string(raw), ":", 3)
	if len(parts) != 3 || parts[0] != "v1" {
		return nil, ErrBadCursor
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, ErrBadCursor
	}
	return &Cursor{
		CreatedAt: time.Unix(0, nanos).UTC(),
		ID:        parts[2],
	}, nil
}

// ComputePage trims an overfetched result down to limit rows. Callers
// fetch limit+1 rows; the extra row only signals that another page
// exists. extractKey reads the sort key of the last kept row for the
// next cursor.
func ComputePage[T any](items []T, limit int, extractKey func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := extractKey(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
