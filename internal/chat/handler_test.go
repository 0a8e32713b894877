package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/livechat/internal/model"
	"github.com/livechat/internal/pager"
	"github.com/livechat/internal/presence"
	"github.com/livechat/internal/repository/memstore"
	"github.com/livechat/internal/ws"
	"github.com/livechat/internal/ws/wstest"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	m.Called(ctx, userID, title, body, data)
}

type fixture struct {
	t     *testing.T
	store *memstore.Store
	hub   *ws.Hub
	reg   *presence.Registry
	h     *Handler
}

func newFixture(t *testing.T, users ...string) *fixture {
	t.Helper()
	s := memstore.New()
	for _, id := range users {
		require.NoError(t, s.Users.Create(context.Background(), &model.User{ID: id, DisplayName: id}))
	}
	hub := ws.NewHub(1000, nil)
	reg := presence.NewRegistry()
	h := NewHandler(Deps{
		Hub:           hub,
		Users:         s.Users,
		Conversations: s.Conversations,
		Messages:      s.Messages,
		Registry:      reg,
	}, Options{})
	return &fixture{t: t, store: s, hub: hub, reg: reg, h: h}
}

func (f *fixture) room(id string, members ...string) {
	f.t.Helper()
	require.NoError(f.t, f.store.Conversations.Create(context.Background(), &model.Conversation{ID: id, Kind: model.ConversationRoom, Name: id}, members))
}

func (f *fixture) direct(id, a, b string) {
	f.t.Helper()
	require.NoError(f.t, f.store.Users.AddFriendship(context.Background(), a, b))
	require.NoError(f.t, f.store.Conversations.Create(context.Background(), &model.Conversation{ID: id, Kind: model.ConversationDirect}, []string{a, b}))
}

// connect admits and connects c the way the websocket client does.
func (f *fixture) connect(c *wstest.Conn) error {
	f.t.Helper()
	require.NoError(f.t, f.hub.Admit(c))
	err := f.h.Connect(context.Background(), c)
	if err != nil {
		f.hub.Release(c)
	}
	return err
}

func (f *fixture) disconnect(c *wstest.Conn) {
	f.h.Disconnect(context.Background(), c)
	f.hub.Release(c)
}

// messageID returns the i-th seeded id; ids sort in seeding order.
func messageID(i int) string { return fmt.Sprintf("00000000-0000-7000-8000-%012d", i) }

func (f *fixture) seed(convID string, n int, base time.Time) {
	f.t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(f.t, f.store.Messages.Create(context.Background(), &model.Message{
			ID:             messageID(i),
			ConversationID: convID,
			SenderID:       "alice",
			Body:           fmt.Sprintf("message %d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}))
	}
}

func history(t *testing.T, f ws.OutgoingMessage) ws.HistoryPayload {
	t.Helper()
	var p ws.HistoryPayload
	require.NoError(t, wstest.Decode(f, &p))
	return p
}

func lastError(t *testing.T, c *wstest.Conn) ws.ErrorPayload {
	t.Helper()
	errs := c.Of(ws.EventReceiveError)
	require.NotEmpty(t, errs, "expected a ReceiveError frame")
	var p ws.ErrorPayload
	require.NoError(t, wstest.Decode(errs[len(errs)-1], &p))
	return p
}

func onlineUsersGauge(t *testing.T) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "livechat_online_users" {
			require.Len(t, mf.GetMetric(), 1)
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("livechat_online_users not registered")
	return 0
}

func errorCode(t *testing.T, c *wstest.Conn) string {
	t.Helper()
	return lastError(t, c).Code
}

func statuses(t *testing.T, c *wstest.Conn, userID string) []model.Status {
	t.Helper()
	var out []model.Status
	for _, fr := range c.Of(ws.EventUserStatusChanged) {
		var p ws.UserStatusPayload
		require.NoError(t, wstest.Decode(fr, &p))
		if p.UserID == userID {
			out = append(out, p.Status)
		}
	}
	return out
}

func TestConnectRejectsNonMember(t *testing.T) {
	f := newFixture(t, "alice", "mallory")
	f.room("r1", "alice")

	c := wstest.NewConn("mallory", "r1")
	err := f.connect(c)
	require.Error(t, err)
	assert.Equal(t, "forbidden", errorCode(t, c))
	assert.Empty(t, c.Of(ws.EventLoadMessages))
	assert.Equal(t, 0, f.hub.Members(model.ConversationGroup("r1")))
	assert.False(t, f.reg.IsConnected("mallory"))
}

func TestConnectRejectsUnknownConversation(t *testing.T) {
	f := newFixture(t, "alice")
	c := wstest.NewConn("alice", "nope")
	require.Error(t, f.connect(c))
	assert.Equal(t, "not_found", errorCode(t, c))
}

func TestConnectLoadsTailThenOlderPage(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.room("r1", "alice", "bob")
	f.seed("r1", 25, time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))

	c := wstest.NewConn("bob", "r1")
	require.NoError(t, f.connect(c))
	assert.Equal(t, 1, f.hub.Members(model.ConversationGroup("r1")))

	frames := c.Of(ws.EventLoadMessages)
	require.Len(t, frames, 1)
	tail := history(t, frames[0])
	require.Len(t, tail.Messages, 20)
	assert.Equal(t, messageID(6), tail.Messages[0].ID)
	assert.Equal(t, messageID(25), tail.Messages[19].ID)
	require.NotNil(t, tail.NextCursor)

	f.h.Handle(context.Background(), c, ws.IncomingMessage{Type: ws.EventLoadMoreMessages, Cursor: *tail.NextCursor})
	older := c.Of(ws.EventReceiveOlderMessages)
	require.Len(t, older, 1)
	page := history(t, older[0])
	require.Len(t, page.Messages, 5)
	assert.Equal(t, messageID(1), page.Messages[0].ID)
	assert.Equal(t, messageID(5), page.Messages[4].ID)
	assert.Nil(t, page.NextCursor)

	// presence is untouched by conversation connections
	assert.False(t, f.reg.IsConnected("bob"))
}

func TestLoadMoreValidation(t *testing.T) {
	f := newFixture(t, "alice")
	f.room("r1", "alice")
	c := wstest.NewConn("alice", "r1")
	require.NoError(t, f.connect(c))

	f.h.Handle(context.Background(), c, ws.IncomingMessage{Type: ws.EventLoadMoreMessages})
	assert.Equal(t, "validation", errorCode(t, c))

	c.Reset()
	f.h.Handle(context.Background(), c, ws.IncomingMessage{Type: ws.EventLoadMoreMessages, Cursor: "%%%"})
	assert.Equal(t, "validation", errorCode(t, c))
	assert.Empty(t, c.Of(ws.EventReceiveOlderMessages))

	// a well-formed token whose id can never name a message
	c.Reset()
	bad := pager.EncodeCursor(pager.Key{At: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), ID: "not-a-uuid"})
	f.h.Handle(context.Background(), c, ws.IncomingMessage{Type: ws.EventLoadMoreMessages, Cursor: bad})
	p := lastError(t, c)
	assert.Equal(t, "validation", p.Code)
	assert.False(t, p.Retry)
	assert.Empty(t, c.Of(ws.EventReceiveOlderMessages))
}

func TestLoadMoreAcceptsBareTimestamp(t *testing.T) {
	f := newFixture(t, "alice")
	f.room("r1", "alice")
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	f.seed("r1", 3, base)
	c := wstest.NewConn("alice", "r1")
	require.NoError(t, f.connect(c))

	f.h.Handle(context.Background(), c, ws.IncomingMessage{Type: ws.EventLoadMoreMessages, Cursor: base.Add(3 * time.Second).Format(time.RFC3339)})
	page := history(t, c.Of(ws.EventReceiveOlderMessages)[0])
	require.Len(t, page.Messages, 2)
	assert.Equal(t, messageID(1), page.Messages[0].ID)
}

func TestSendMessageBroadcastsToConversation(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.room("r1", "alice", "bob")
	a := wstest.NewConn("alice", "r1")
	b := wstest.NewConn("bob", "r1")
	require.NoError(t, f.connect(a))
	require.NoError(t, f.connect(b))

	f.h.Handle(context.Background(), a, ws.IncomingMessage{Type: ws.EventSendMessage, Body: "  hello  "})

	for _, c := range []*wstest.Conn{a, b} {
		got := c.Of(ws.EventReceiveMessage)
		require.Len(t, got, 1)
		var m model.Message
		require.NoError(t, wstest.Decode(got[0], &m))
		assert.Equal(t, "hello", m.Body)
		assert.Equal(t, "alice", m.SenderID)
		assert.Equal(t, "r1", m.ConversationID)
	}

	stored := f.store.Messages.All("r1")
	require.Len(t, stored, 1)
	conv, err := f.store.Conversations.GetByID(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "hello", conv.LastMessageText)
	require.NotNil(t, conv.LastMessageAt)
	assert.True(t, conv.LastMessageAt.Equal(stored[0].CreatedAt))
}

func TestSendMessageRejections(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	f.room("r1", "alice", "bob")
	f.direct("d1", "alice", "bob")
	a := wstest.NewConn("alice", "r1")
	require.NoError(t, f.connect(a))
	ctx := context.Background()

	cases := []struct {
		name   string
		sender string
		in     SendInput
		code   string
	}{
		{"empty body", "alice", SendInput{ConversationID: "r1", Body: "   \n\t"}, "validation"},
		{"unknown conversation", "alice", SendInput{ConversationID: "zzz", Body: "hi"}, "not_found"},
		{"non member", "carol", SendInput{ConversationID: "r1", Body: "hi"}, "forbidden"},
		{"media without url", "alice", SendInput{ConversationID: "r1", Media: &model.Media{MimeType: "image/png"}}, "validation"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.h.SendMessage(ctx, tc.sender, tc.in)
			require.Error(t, err)
			var p ws.ErrorPayload
			c := wstest.NewConn(tc.sender, "")
			f.h.sendError(c, err)
			require.NoError(t, wstest.Decode(c.Frames()[0], &p))
			assert.Equal(t, tc.code, p.Code)
			assert.False(t, p.Retry)
		})
	}
	assert.Empty(t, a.Of(ws.EventReceiveMessage))
	assert.Empty(t, f.store.Messages.All("r1"))

	t.Run("direct after unfriending", func(t *testing.T) {
		require.NoError(t, f.store.Users.RemoveFriendship(ctx, "alice", "bob"))
		_, err := f.h.SendMessage(ctx, "alice", SendInput{ConversationID: "d1", Body: "still there?"})
		require.Error(t, err)
		c := wstest.NewConn("alice", "d1")
		f.h.sendError(c, err)
		assert.Equal(t, "forbidden", errorCode(t, c))
		assert.Empty(t, f.store.Messages.All("d1"))
	})
}

func TestSendMessageErrorGoesToCallerOnly(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.room("r1", "alice", "bob")
	a := wstest.NewConn("alice", "r1")
	b := wstest.NewConn("bob", "r1")
	require.NoError(t, f.connect(a))
	require.NoError(t, f.connect(b))

	f.h.Handle(context.Background(), a, ws.IncomingMessage{Type: ws.EventSendMessage, Body: ""})
	assert.Equal(t, "validation", errorCode(t, a))
	assert.Empty(t, b.Of(ws.EventReceiveError))
}

func TestConcurrentSendsAreAllDelivered(t *testing.T) {
	const n = 50
	f := newFixture(t, "alice", "bob")
	f.room("r1", "alice", "bob")
	a := wstest.NewConn("alice", "r1")
	b := wstest.NewConn("bob", "r1")
	require.NoError(t, f.connect(a))
	require.NoError(t, f.connect(b))

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := a
			if i%2 == 1 {
				sender = b
			}
			f.h.Handle(context.Background(), sender, ws.IncomingMessage{Type: ws.EventSendMessage, Body: fmt.Sprintf("msg %d", i)})
		}(i)
	}
	wg.Wait()

	stored := f.store.Messages.All("r1")
	require.Len(t, stored, n)
	want := make([]string, 0, n)
	for _, m := range stored {
		want = append(want, m.ID)
	}
	for _, c := range []*wstest.Conn{a, b} {
		var got []string
		for _, fr := range c.Of(ws.EventReceiveMessage) {
			var m model.Message
			require.NoError(t, wstest.Decode(fr, &m))
			got = append(got, m.ID)
		}
		assert.ElementsMatch(t, want, got)
	}

	// both members observed the same sequence
	assert.Equal(t, a.Of(ws.EventReceiveMessage), b.Of(ws.EventReceiveMessage))

	page, err := f.h.History(context.Background(), "alice", "r1", "", pager.MaxPageSize)
	require.NoError(t, err)
	assert.Len(t, page.Items, n)
}

func TestPresenceThreeDevices(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	require.NoError(t, f.store.Users.AddFriendship(context.Background(), "alice", "bob"))

	watcher := wstest.NewConn("bob", "")
	require.NoError(t, f.connect(watcher))
	watcher.Reset()

	devices := []*wstest.Conn{wstest.NewConn("alice", ""), wstest.NewConn("alice", ""), wstest.NewConn("alice", "")}
	for _, d := range devices {
		require.NoError(t, f.connect(d))
	}
	assert.Equal(t, []model.Status{model.StatusOnline}, statuses(t, watcher, "alice"))
	assert.Equal(t, 3, f.reg.Connections("alice"))
	assert.Equal(t, 2.0, onlineUsersGauge(t), "bob plus alice, not four connections")

	f.disconnect(devices[0])
	f.disconnect(devices[1])
	assert.Equal(t, []model.Status{model.StatusOnline}, statuses(t, watcher, "alice"))
	assert.True(t, f.reg.IsConnected("alice"))

	f.disconnect(devices[2])
	assert.Equal(t, []model.Status{model.StatusOnline, model.StatusOffline}, statuses(t, watcher, "alice"))
	assert.False(t, f.reg.IsConnected("alice"))
	assert.Equal(t, 1.0, onlineUsersGauge(t))

	u, err := f.store.Users.GetByID(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOffline, u.Status)
}

func TestPresenceSnapshotOnConnect(t *testing.T) {
	f := newFixture(t, "alice")
	require.NoError(t, f.store.Users.SetStatus(context.Background(), "alice", model.StatusDoNotDisturb, "focus"))

	c := wstest.NewConn("alice", "")
	require.NoError(t, f.connect(c))
	snaps := c.Of(ws.EventStatusSnapshot)
	require.Len(t, snaps, 1)
	var p ws.UserStatusPayload
	require.NoError(t, wstest.Decode(snaps[0], &p))
	assert.Equal(t, model.StatusDoNotDisturb, p.Status)
	assert.Equal(t, "focus", p.CustomMessage)
}

func TestPresenceUnknownUserIsRejected(t *testing.T) {
	f := newFixture(t)
	c := wstest.NewConn("ghost", "")
	require.Error(t, f.connect(c))
	assert.Equal(t, "not_found", errorCode(t, c))
	assert.False(t, f.reg.IsConnected("ghost"))
}

func TestUpdateStatusBroadcastsToFriendsAndRooms(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	require.NoError(t, f.store.Users.AddFriendship(context.Background(), "alice", "bob"))
	f.room("r1", "alice", "carol")

	bob := wstest.NewConn("bob", "")
	carolRoom := wstest.NewConn("carol", "r1")
	alice := wstest.NewConn("alice", "")
	require.NoError(t, f.connect(bob))
	require.NoError(t, f.connect(carolRoom))
	require.NoError(t, f.connect(alice))
	bob.Reset()
	carolRoom.Reset()

	f.h.Handle(context.Background(), alice, ws.IncomingMessage{Type: ws.EventUpdateStatus, Status: "dnd", CustomMessage: "in a meeting"})
	assert.Equal(t, []model.Status{model.StatusDoNotDisturb}, statuses(t, bob, "alice"))
	assert.Equal(t, []model.Status{model.StatusDoNotDisturb}, statuses(t, carolRoom, "alice"))

	// same preference again is not announced
	f.h.Handle(context.Background(), alice, ws.IncomingMessage{Type: ws.EventUpdateStatus, Status: "donotdisturb", CustomMessage: "in a meeting"})
	assert.Len(t, statuses(t, bob, "alice"), 1)

	// Away survives a reconnect
	f.disconnect(alice)
	again := wstest.NewConn("alice", "")
	f.h.Handle(context.Background(), alice, ws.IncomingMessage{Type: ws.EventUpdateStatus, Status: "away"})
	require.NoError(t, f.connect(again))
	assert.Equal(t, []model.Status{model.StatusDoNotDisturb, model.StatusOffline, model.StatusAway}, statuses(t, bob, "alice"))

	f.h.Handle(context.Background(), alice, ws.IncomingMessage{Type: ws.EventUpdateStatus, Status: "sleepy"})
	assert.Equal(t, "validation", errorCode(t, alice))
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.direct("d1", "alice", "bob")
	f.room("r1", "alice", "bob")
	a := wstest.NewConn("alice", "d1")
	b := wstest.NewConn("bob", "d1")
	require.NoError(t, f.connect(a))
	require.NoError(t, f.connect(b))

	f.h.Handle(context.Background(), a, ws.IncomingMessage{Type: ws.EventSendMessage, Body: "one"})
	f.h.Handle(context.Background(), a, ws.IncomingMessage{Type: ws.EventSendMessage, Body: "two"})
	f.h.Handle(context.Background(), b, ws.IncomingMessage{Type: ws.EventMarkRead})

	reads := a.Of(ws.EventMessagesRead)
	require.Len(t, reads, 1)
	var p ws.MessagesReadPayload
	require.NoError(t, wstest.Decode(reads[0], &p))
	assert.Equal(t, "bob", p.ReaderID)
	assert.EqualValues(t, 2, p.Count)
	for _, m := range f.store.Messages.All("d1") {
		assert.True(t, m.IsRead)
	}

	// nothing left to mark, nothing broadcast
	f.h.Handle(context.Background(), b, ws.IncomingMessage{Type: ws.EventMarkRead})
	assert.Len(t, a.Of(ws.EventMessagesRead), 1)

	f.h.Handle(context.Background(), b, ws.IncomingMessage{Type: ws.EventMarkRead, ConversationID: "r1"})
	assert.Equal(t, "validation", errorCode(t, b))
}

func TestUnknownEventType(t *testing.T) {
	f := newFixture(t, "alice")
	f.room("r1", "alice")
	c := wstest.NewConn("alice", "r1")
	require.NoError(t, f.connect(c))
	f.h.Handle(context.Background(), c, ws.IncomingMessage{Type: "Explode"})
	assert.Equal(t, "validation", errorCode(t, c))
}

func TestOfflineMembersGetPush(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	f.room("r1", "alice", "bob", "carol")
	n := &mockNotifier{}
	f.h.push = n

	// bob has a live presence connection, carol does not
	require.NoError(t, f.connect(wstest.NewConn("bob", "")))
	n.On("Notify", mock.Anything, "carol", "r1", "ping", mock.MatchedBy(func(d map[string]string) bool {
		return d["conversation_id"] == "r1" && d["message_id"] != ""
	})).Return().Once()

	_, err := f.h.SendMessage(context.Background(), "alice", SendInput{ConversationID: "r1", Body: "ping"})
	require.NoError(t, err)
	n.AssertExpectations(t)
	n.AssertNotCalled(t, "Notify", mock.Anything, "bob", mock.Anything, mock.Anything, mock.Anything)
}

func TestMeAndOnlineFriends(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol", "dave")
	ctx := context.Background()
	for _, id := range []string{"bob", "carol", "dave"} {
		require.NoError(t, f.store.Users.AddFriendship(ctx, "alice", id))
	}
	require.NoError(t, f.connect(wstest.NewConn("bob", "")))
	require.NoError(t, f.connect(wstest.NewConn("carol", "")))
	_, err := f.h.SetStatus(ctx, "carol", model.StatusInvisible, "")
	require.NoError(t, err)

	me, err := f.h.Me(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOnline, me.Status, "self view shows online before the presence socket connects")

	online, err := f.h.OnlineFriends(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "bob", online[0].ID)
}

func TestHandlePanicBecomesInternalError(t *testing.T) {
	f := newFixture(t, "alice")
	f.room("r1", "alice")
	c := wstest.NewConn("alice", "r1")
	require.NoError(t, f.connect(c))

	f.h.msgs = panickingStore{f.store.Messages}
	f.h.pages = pager.New[model.Message](panickingStore{f.store.Messages}, messageKey, 0, 0)
	f.h.Handle(context.Background(), c, ws.IncomingMessage{Type: ws.EventLoadMoreMessages, Cursor: time.Now().Format(time.RFC3339)})
	assert.Equal(t, "internal", errorCode(t, c))
}

type panickingStore struct{ *memstore.Messages }

func (panickingStore) Before(context.Context, string, pager.Key, int) ([]model.Message, error) {
	panic("boom")
}
