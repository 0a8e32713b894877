package repository

import (
	"context"
	"io/fs"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livechat/internal/model"
	"github.com/livechat/internal/pager"
	"github.com/livechat/migrations"
)

// testPool connects to TEST_DATABASE_URL and applies the migrations. Tests
// are skipped without it.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	files, err := fs.Glob(migrations.Files, "*.sql")
	require.NoError(t, err)
	sort.Strings(files)
	for _, f := range files {
		data, err := migrations.Files.ReadFile(f)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, string(data))
		require.NoError(t, err, f)
	}
	return pool
}

func newUser(t *testing.T, users *UserRepository, name string) *model.User {
	t.Helper()
	u := &model.User{ID: uuid.NewString(), DisplayName: name, Status: model.StatusOffline, LastSeen: time.Now().UTC(), CreatedAt: time.Now().UTC()}
	require.NoError(t, users.Create(context.Background(), u))
	return u
}

func TestUserRepository(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	users := NewUserRepository(pool)

	a := newUser(t, users, "a")
	b := newUser(t, users, "b")

	_, err := users.GetByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = users.GetByID(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, users.SetStatus(ctx, a.ID, model.StatusAway, "lunch"))
	got, err := users.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAway, got.Status)
	assert.Equal(t, "lunch", got.CustomMessage)

	require.NoError(t, users.SetPresence(ctx, b.ID, model.StatusOnline, time.Now().UTC()))
	n, err := users.ResetOnline(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
	got, err = users.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOffline, got.Status)

	require.NoError(t, users.AddFriendship(ctx, a.ID, b.ID))
	ok, err := users.AreFriends(ctx, b.ID, a.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ids, err := users.FriendIDs(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, ids)
	friends, err := users.ListFriends(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Equal(t, a.ID, friends[0].ID)

	require.NoError(t, users.RemoveFriendship(ctx, a.ID, b.ID))
	ok, err = users.AreFriends(ctx, a.ID, b.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMessagePagingAndRead(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	users := NewUserRepository(pool)
	convs := NewConversationRepository(pool)
	msgs := NewMessageRepository(pool)

	a := newUser(t, users, "a")
	b := newUser(t, users, "b")
	conv := &model.Conversation{ID: uuid.NewString(), Kind: model.ConversationDirect, CreatedBy: a.ID, CreatedAt: time.Now().UTC()}
	require.NoError(t, convs.Create(ctx, conv, []string{a.ID, b.ID}))
	assert.Error(t, convs.Create(ctx, &model.Conversation{ID: uuid.NewString(), Kind: model.ConversationDirect, CreatedBy: a.ID}, []string{a.ID}))

	member, err := convs.IsMember(ctx, conv.ID, b.ID)
	require.NoError(t, err)
	assert.True(t, member)
	member, err = convs.IsMember(ctx, "lobby", b.ID)
	require.NoError(t, err)
	assert.False(t, member)

	// two messages share a timestamp so the id tie-break is exercised
	base := time.Now().UTC().Truncate(time.Microsecond)
	for i := 0; i < 25; i++ {
		sender := a.ID
		if i%2 == 1 {
			sender = b.ID
		}
		at := base.Add(time.Duration(i) * time.Millisecond)
		if i == 10 {
			at = base.Add(9 * time.Millisecond)
		}
		m := &model.Message{ID: uuid.Must(uuid.NewV7()).String(), ConversationID: conv.ID, SenderID: sender, Body: "m", CreatedAt: at}
		require.NoError(t, msgs.Create(ctx, m))
		require.NoError(t, convs.UpdatePreview(ctx, m))
	}

	pages := pager.New[model.Message](msgs, func(m model.Message) pager.Key {
		return pager.Key{At: m.CreatedAt, ID: m.ID}
	}, 20, 100)
	tail, err := pages.LoadTail(ctx, conv.ID, 20)
	require.NoError(t, err)
	require.Len(t, tail.Items, 20)
	require.NotNil(t, tail.NextCursor)

	cursor, err := pager.ParseCursor(*tail.NextCursor)
	require.NoError(t, err)
	older, err := pages.LoadBefore(ctx, conv.ID, cursor, 20)
	require.NoError(t, err)
	assert.Len(t, older.Items, 5)
	assert.Nil(t, older.NextCursor)

	seen := map[string]bool{}
	for _, m := range append(older.Items, tail.Items...) {
		assert.False(t, seen[m.ID])
		seen[m.ID] = true
	}
	assert.Len(t, seen, 25)

	got, err := convs.GetByID(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessageAt)
	assert.Equal(t, base.Add(24*time.Millisecond), got.LastMessageAt.UTC())

	n, err := msgs.MarkRead(ctx, conv.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	n, err = msgs.MarkRead(ctx, conv.ID, a.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}
