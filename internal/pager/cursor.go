package pager

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Key is a position in the (created_at, id) total order.
type Key struct {
	At time.Time
	ID string
}

// Less orders by timestamp, then id. An empty ID sorts before every id at the
// same instant, so Key{At: t} means "strictly before t".
func (k Key) Less(o Key) bool {
	if !k.At.Equal(o.At) {
		return k.At.Before(o.At)
	}
	return k.ID < o.ID
}

var ErrBadCursor = errors.New("malformed cursor")

const cursorSep = "|"

// EncodeCursor renders k as an opaque token.
func EncodeCursor(k Key) string {
	raw := k.At.UTC().Format(time.RFC3339Nano) + cursorSep + k.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseCursor accepts a token from EncodeCursor or a bare RFC 3339 timestamp.
// A bare timestamp is rounded up to the microsecond, the precision items are
// stored with, so "before t" keeps the same meaning in every backend.
func ParseCursor(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Key{}, ErrBadCursor
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return Key{At: ceilMicro(t.UTC())}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	at, id, ok := strings.Cut(string(raw), cursorSep)
	if !ok {
		return Key{}, ErrBadCursor
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	return Key{At: t.UTC(), ID: id}, nil
}

func ceilMicro(t time.Time) time.Time {
	c := t.Truncate(time.Microsecond)
	if c.Before(t) {
		c = c.Add(time.Microsecond)
	}
	return c
}
