// Package pagination provides opaque cursors for paging through the alert
// history newest first.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidCursor is returned by Decode for a cursor this package did not
// produce.
var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor marks the last item of a page. Seq is the history sequence number;
// AlertID guards against a cursor outliving the item it points at.
type Cursor struct {
	Seq     uint64
	AlertID string
}

// Encode returns an opaque cursor string.
func Encode(seq uint64, alertID string) string {
	raw := strconv.FormatUint(seq, 10) + "|" + alertID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	seqPart, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{Seq: seq, AlertID: id}, nil
}

// ComputePage takes items fetched with limit+1, the requested limit and a
// function extracting (seq, id) from an item. It returns the trimmed items,
// the next cursor and whether more items follow.
func ComputePage[T any](items []T, limit int, key func(T) (uint64, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	seq, id := key(items[len(items)-1])
	return items, Encode(seq, id), true
}
