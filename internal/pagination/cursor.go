// Package pagination pages id-ordered result sets with opaque cursors.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

// Page size bounds.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

var (
	ErrInvalidCursor = errors.New("invalid cursor")
	ErrInvalidLimit  = errors.New("limit must be a positive integer")
)

const prefix = "after:"

// Encode returns an opaque cursor that resumes after lastID.
func Encode(lastID uint64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(prefix + strconv.FormatUint(lastID, 10)))
}

// Decode parses a cursor produced by Encode. Empty input means the start.
func Decode(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	rest, ok := strings.CutPrefix(string(raw), prefix)
	if !ok {
		return 0, ErrInvalidCursor
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	return id, nil
}

// ParseLimit reads a page size, capping it at MaxLimit. Empty returns 0.
func ParseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, ErrInvalidLimit
	}
	return min(n, MaxLimit), nil
}

// Page returns up to limit items whose id is greater than after, from items
// sorted by ascending id, and the cursor for the next page ("" on the last).
func Page[T any](items []T, after uint64, limit int, id func(T) uint64) ([]T, string) {
	start := 0
	for start < len(items) && id(items[start]) <= after {
		start++
	}
	items = items[start:]
	if len(items) <= limit {
		return items, ""
	}
	items = items[:limit]
	return items, Encode(id(items[len(items)-1]))
}
