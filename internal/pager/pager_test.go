package pager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID string
	At time.Time
}

func itemKey(i item) Key { return Key{At: i.At, ID: i.ID} }

// sliceSource keeps items per scope and answers with the (at, id) keyset rule.
type sliceSource struct {
	mu    sync.Mutex
	items map[string][]item
}

func newSliceSource() *sliceSource {
	return &sliceSource{items: make(map[string][]item)}
}

func (s *sliceSource) add(scope string, it item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[scope] = append(s.items[scope], it)
}

func (s *sliceSource) sortedDesc(scope string) []item {
	out := append([]item(nil), s.items[scope]...)
	sort.Slice(out, func(i, j int) bool { return itemKey(out[j]).Less(itemKey(out[i])) })
	return out
}

func (s *sliceSource) Latest(_ context.Context, scope string, limit int) ([]item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sortedDesc(scope)
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *sliceSource) Before(_ context.Context, scope string, key Key, limit int) ([]item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []item
	for _, it := range s.sortedDesc(scope) {
		if itemKey(it).Less(key) {
			out = append(out, it)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(src *sliceSource, scope string, k int) []item {
	all := make([]item, k)
	for i := 0; i < k; i++ {
		all[i] = item{ID: fmt.Sprintf("m%03d", i+1), At: base.Add(time.Duration(i) * time.Second)}
		src.add(scope, all[i])
	}
	return all
}

func ids(items []item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func drain(t *testing.T, p *Pager[item], scope string, n int) []item {
	t.Helper()
	ctx := context.Background()
	page, err := p.LoadTail(ctx, scope, n)
	require.NoError(t, err)
	got := page.Items
	for page.NextCursor != nil {
		key, err := ParseCursor(*page.NextCursor)
		require.NoError(t, err)
		page, err = p.LoadBefore(ctx, scope, key, n)
		require.NoError(t, err)
		got = append(append([]item(nil), page.Items...), got...)
	}
	return got
}

func TestTwentyFiveMessagesPageOfTwenty(t *testing.T) {
	ctx := context.Background()
	src := newSliceSource()
	all := seed(src, "c1", 25)
	p := New[item](src, itemKey, 20, 100)

	tail, err := p.LoadTail(ctx, "c1", 20)
	require.NoError(t, err)
	assert.Equal(t, ids(all[5:]), ids(tail.Items))
	require.NotNil(t, tail.NextCursor)

	key, err := ParseCursor(*tail.NextCursor)
	require.NoError(t, err)
	assert.True(t, key.At.Equal(all[5].At), "cursor sits on message 6")

	older, err := p.LoadBefore(ctx, "c1", key, 20)
	require.NoError(t, err)
	assert.Equal(t, ids(all[:5]), ids(older.Items))
	assert.Nil(t, older.NextCursor)
}

func TestTailWithinOnePage(t *testing.T) {
	src := newSliceSource()
	all := seed(src, "c1", 20)
	p := New[item](src, itemKey, 20, 100)

	page, err := p.LoadTail(context.Background(), "c1", 20)
	require.NoError(t, err)
	assert.Equal(t, ids(all), ids(page.Items))
	assert.Nil(t, page.NextCursor)
}

func TestEmptyConversation(t *testing.T) {
	p := New[item](newSliceSource(), itemKey, 20, 100)

	page, err := p.LoadTail(context.Background(), "none", 20)
	require.NoError(t, err)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)
	assert.Nil(t, page.NextCursor)
}

func TestCoverage(t *testing.T) {
	for _, k := range []int{0, 1, 2, 19, 20, 21, 40, 41, 99} {
		for _, n := range []int{1, 3, 7, 20} {
			t.Run(fmt.Sprintf("k=%d/n=%d", k, n), func(t *testing.T) {
				src := newSliceSource()
				all := seed(src, "c", k)
				p := New[item](src, itemKey, 20, 100)

				got := drain(t, p, "c", n)
				assert.Equal(t, ids(all), ids(got))
			})
		}
	}
}

func TestTieBreakByID(t *testing.T) {
	src := newSliceSource()
	// identical timestamps, inserted out of id order
	for _, id := range []string{"e", "b", "d", "a", "c", "f", "g"} {
		src.add("c", item{ID: id, At: base})
	}
	src.add("c", item{ID: "z", At: base.Add(-time.Second)})
	p := New[item](src, itemKey, 20, 100)

	want := []string{"z", "a", "b", "c", "d", "e", "f", "g"}
	for i := 0; i < 3; i++ {
		assert.Equal(t, want, ids(drain(t, p, "c", 3)))
	}

	tail, err := p.LoadTail(context.Background(), "c", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"e", "f", "g"}, ids(tail.Items))
	key, err := ParseCursor(*tail.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "e", key.ID)
}

func TestLoadBeforeIsIdempotentUnderAppends(t *testing.T) {
	ctx := context.Background()
	src := newSliceSource()
	seed(src, "c", 30)
	p := New[item](src, itemKey, 20, 100)

	tail, err := p.LoadTail(ctx, "c", 10)
	require.NoError(t, err)
	key, err := ParseCursor(*tail.NextCursor)
	require.NoError(t, err)

	first, err := p.LoadBefore(ctx, "c", key, 10)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		src.add("c", item{ID: fmt.Sprintf("new%d", i), At: base.Add(time.Hour)})
	}

	second, err := p.LoadBefore(ctx, "c", key, 10)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSizeClamp(t *testing.T) {
	p := New[item](newSliceSource(), itemKey, 20, 100)

	assert.Equal(t, 20, p.Size(0))
	assert.Equal(t, 20, p.Size(-3))
	assert.Equal(t, 7, p.Size(7))
	assert.Equal(t, 100, p.Size(500))
}

// ascendingSource violates the newest-first contract.
type ascendingSource struct{ *sliceSource }

func (a ascendingSource) Latest(_ context.Context, _ string, _ int) ([]item, error) {
	return []item{{ID: "a", At: base}, {ID: "b", At: base.Add(time.Second)}}, nil
}

func TestOutOfOrderSourcePanics(t *testing.T) {
	p := New[item](ascendingSource{newSliceSource()}, itemKey, 20, 100)

	assert.Panics(t, func() {
		_, _ = p.LoadTail(context.Background(), "c", 20)
	})
}

func TestCursorRoundTripAndBareTimestamp(t *testing.T) {
	k := Key{At: base.Add(123456 * time.Microsecond), ID: "0190f1c2-7d3e-7000-8000-000000000001"}
	got, err := ParseCursor(EncodeCursor(k))
	require.NoError(t, err)
	assert.True(t, got.At.Equal(k.At))
	assert.Equal(t, k.ID, got.ID)

	bare, err := ParseCursor("2026-03-01T12:00:05Z")
	require.NoError(t, err)
	assert.Empty(t, bare.ID)
	assert.True(t, Key{At: base.Add(4 * time.Second), ID: "zzz"}.Less(bare))
	assert.False(t, Key{At: base.Add(5 * time.Second), ID: "a"}.Less(bare))

	for _, bad := range []string{"", "   ", "%%%", "bm9zZXA"} {
		_, err := ParseCursor(bad)
		assert.ErrorIs(t, err, ErrBadCursor, bad)
	}
}

func TestBareTimestampRoundsUpToMicrosecond(t *testing.T) {
	bare, err := ParseCursor("2026-03-01T12:00:05.0000015Z")
	require.NoError(t, err)
	assert.True(t, bare.At.Equal(base.Add(5*time.Second+2*time.Microsecond)))

	// an item stored in the same microsecond is still strictly before
	assert.True(t, Key{At: base.Add(5*time.Second + time.Microsecond), ID: "x"}.Less(bare))

	aligned, err := ParseCursor("2026-03-01T12:00:05.000001Z")
	require.NoError(t, err)
	assert.True(t, aligned.At.Equal(base.Add(5*time.Second+time.Microsecond)))
}
