// Package pager serves an append-only, time-ordered sequence in pages that
// stay stable while new items keep arriving.
package pager

import (
	"context"
	"fmt"
	"slices"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Source reads a scope (a conversation) newest first.
type Source[T any] interface {
	// Latest returns up to limit items, newest first.
	Latest(ctx context.Context, scope string, limit int) ([]T, error)
	// Before returns up to limit items strictly older than key, newest first.
	Before(ctx context.Context, scope string, key Key, limit int) ([]T, error)
}

// Page is always in ascending order. NextCursor is nil when nothing older exists.
type Page[T any] struct {
	Items      []T     `json:"items"`
	NextCursor *string `json:"next_cursor"`
}

type Pager[T any] struct {
	src         Source[T]
	key         func(T) Key
	defaultSize int
	maxSize     int
}

func New[T any](src Source[T], key func(T) Key, defaultSize, maxSize int) *Pager[T] {
	if defaultSize <= 0 {
		defaultSize = DefaultPageSize
	}
	if maxSize < defaultSize {
		maxSize = max(defaultSize, MaxPageSize)
	}
	return &Pager[T]{src: src, key: key, defaultSize: defaultSize, maxSize: maxSize}
}

// Size clamps a requested page size; zero or negative picks the default.
func (p *Pager[T]) Size(n int) int {
	switch {
	case n <= 0:
		return p.defaultSize
	case n > p.maxSize:
		return p.maxSize
	}
	return n
}

// LoadTail returns the most recent n items.
func (p *Pager[T]) LoadTail(ctx context.Context, scope string, n int) (Page[T], error) {
	n = p.Size(n)
	rows, err := p.src.Latest(ctx, scope, n+1)
	if err != nil {
		return Page[T]{}, fmt.Errorf("pager.LoadTail: %w", err)
	}
	return p.page(rows, n, nil), nil
}

// LoadBefore returns up to n items strictly older than cursor.
func (p *Pager[T]) LoadBefore(ctx context.Context, scope string, cursor Key, n int) (Page[T], error) {
	n = p.Size(n)
	rows, err := p.src.Before(ctx, scope, cursor, n+1)
	if err != nil {
		return Page[T]{}, fmt.Errorf("pager.LoadBefore: %w", err)
	}
	return p.page(rows, n, &cursor), nil
}

// page turns a newest-first batch of up to n+1 rows into an ascending page.
// A batch out of order, or reaching past the cursor, panics.
func (p *Pager[T]) page(rows []T, n int, bound *Key) Page[T] {
	more := len(rows) > n
	if more {
		rows = rows[:n]
	}
	items := make([]T, len(rows))
	copy(items, rows)
	slices.Reverse(items)

	for i := range items {
		k := p.key(items[i])
		if i > 0 && !p.key(items[i-1]).Less(k) {
			panic(fmt.Sprintf("pager: page not strictly ascending at %d (%v, %s)", i, k.At, k.ID))
		}
		if bound != nil && !k.Less(*bound) {
			panic(fmt.Sprintf("pager: item %s not before cursor %s", k.ID, bound.ID))
		}
	}

	pg := Page[T]{Items: items}
	if more && len(items) > 0 {
		c := EncodeCursor(p.key(items[0]))
		pg.NextCursor = &c
	}
	return pg
}
