package messaging

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/rtchat/internal/delivery"
	"github.com/whisper/rtchat/internal/protocol"
	"github.com/whisper/rtchat/internal/protocol/prototest"
	"github.com/whisper/rtchat/internal/store"
)

type mapLocator map[string]string

func (m mapLocator) Lookup(userID string) (string, bool) {
	c, ok := m[userID]
	return c, ok
}

func (m mapLocator) Connected(except string) []string {
	var out []string
	for uid, c := range m {
		if uid != except {
			out = append(out, c)
		}
	}
	return out
}

type fakeSubscriber map[string]func([]byte)

func (f fakeSubscriber) Subscribe(subject string, handler func([]byte)) error {
	f[subject] = handler
	return nil
}

func newTestFeed(online mapLocator) (*Feed, *store.Memory, *prototest.Recorder) {
	mem := store.NewMemory()
	rec := prototest.NewRecorder()
	pipeline := delivery.NewPipeline(mem, online, rec)
	return NewFeed(mem, pipeline, online, rec), mem, rec
}

func createdEvent(t *testing.T) []byte {
	t.Helper()
	data, err := json.Marshal(MessageCreated{
		MessageID:      "m1",
		ConversationID: "c1",
		SenderID:       "alice",
		ReceiverID:     "bob",
		Message:        json.RawMessage(`{"_id":"m1","content":"hi"}`),
	})
	require.NoError(t, err)
	return data
}

func TestFeed_CreatedForOnlineReceiver(t *testing.T) {
	feed, mem, rec := newTestFeed(mapLocator{"alice": "c-alice", "bob": "c-bob"})
	sub := fakeSubscriber{}
	require.NoError(t, feed.Start(sub))

	sub[SubjectMessageCreated](createdEvent(t))

	pushed := rec.To("c-bob", protocol.TypeReceiveMessage)
	require.Len(t, pushed, 1)
	assert.JSONEq(t, `{"_id":"m1","content":"hi"}`, string(pushed[0].Msg.(protocol.ReceiveMessageMsg).Message))

	msg, err := mem.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusDelivered, msg.Status)

	updates := rec.To("c-alice", protocol.TypeMessageStatusUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, "m1", updates[0].Msg.(protocol.MessageStatusUpdateMsg).MessageID)
}

func TestFeed_CreatedForOfflineReceiver(t *testing.T) {
	feed, mem, rec := newTestFeed(mapLocator{"alice": "c-alice"})
	sub := fakeSubscriber{}
	require.NoError(t, feed.Start(sub))

	sub[SubjectMessageCreated](createdEvent(t))

	assert.Empty(t, rec.All())
	msg, err := mem.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSent, msg.Status)
}

func TestFeed_ReplayDoesNotRegress(t *testing.T) {
	feed, mem, _ := newTestFeed(mapLocator{"bob": "c-bob"})
	ctx := context.Background()
	require.NoError(t, mem.Insert(ctx, store.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob", Status: store.StatusRead}))

	require.NoError(t, feed.Created(ctx, MessageCreated{MessageID: "m1", SenderID: "alice", ReceiverID: "bob"}))
	msg, err := mem.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRead, msg.Status)
}

func TestFeed_CreatedRejectsIncompleteEvent(t *testing.T) {
	feed, _, _ := newTestFeed(mapLocator{})
	assert.Error(t, feed.Created(context.Background(), MessageCreated{MessageID: "m1"}))
}

func TestFeed_BadPayloadIgnored(t *testing.T) {
	feed, _, rec := newTestFeed(mapLocator{"bob": "c-bob"})
	sub := fakeSubscriber{}
	require.NoError(t, feed.Start(sub))

	sub[SubjectMessageCreated]([]byte("{"))
	sub[SubjectMessageDeleted]([]byte("nope"))
	assert.Empty(t, rec.All())
}

func TestFeed_DeletedNotifiesConnectedParties(t *testing.T) {
	feed, _, rec := newTestFeed(mapLocator{"alice": "c-alice", "bob": "c-bob"})
	sub := fakeSubscriber{}
	require.NoError(t, feed.Start(sub))

	data, _ := json.Marshal(MessageDeleted{MessageID: "m1", SenderID: "alice", ReceiverID: "bob"})
	sub[SubjectMessageDeleted](data)

	for _, conn := range []string{"c-alice", "c-bob"} {
		got := rec.To(conn, protocol.TypeMessageDeleted)
		require.Len(t, got, 1, conn)
		assert.Equal(t, "m1", got[0].Msg.(protocol.MessageDeletedMsg).MessageID)
	}
}

func TestFeed_DeletedSkipsOffline(t *testing.T) {
	feed, _, rec := newTestFeed(mapLocator{"alice": "c-alice"})
	feed.Deleted(MessageDeleted{MessageID: "m1", SenderID: "alice", ReceiverID: "bob"})
	assert.Len(t, rec.All(), 1)
}

func TestFeed_NewStatusSkipsAuthor(t *testing.T) {
	feed, _, rec := newTestFeed(mapLocator{"alice": "c-alice", "bob": "c-bob", "carol": "c-carol"})
	sub := fakeSubscriber{}
	require.NoError(t, feed.Start(sub))

	data, err := json.Marshal(StatusCreated{StatusID: "s1", UserID: "alice", Status: json.RawMessage(`{"_id":"s1","text":"hello"}`)})
	require.NoError(t, err)
	sub[SubjectStatusCreated](data)

	assert.Empty(t, rec.To("c-alice"))
	for _, conn := range []string{"c-bob", "c-carol"} {
		got := rec.To(conn, protocol.TypeNewStatus)
		require.Len(t, got, 1, conn)
		assert.JSONEq(t, `{"_id":"s1","text":"hello"}`, string(got[0].Msg.(protocol.NewStatusMsg).Status))
	}
}

func TestFeed_StatusViewedGoesToOwnerAndViewer(t *testing.T) {
	feed, _, rec := newTestFeed(mapLocator{"alice": "c-alice", "bob": "c-bob", "carol": "c-carol"})
	sub := fakeSubscriber{}
	require.NoError(t, feed.Start(sub))

	data, err := json.Marshal(StatusViewed{StatusID: "s1", OwnerID: "alice", ViewerID: "bob", TotalViews: 2})
	require.NoError(t, err)
	sub[SubjectStatusViewed](data)

	assert.Empty(t, rec.To("c-carol"))
	for _, conn := range []string{"c-alice", "c-bob"} {
		got := rec.To(conn, protocol.TypeStatusViewed)
		require.Len(t, got, 1, conn)
		viewed := got[0].Msg.(protocol.StatusViewedMsg)
		assert.Equal(t, "s1", viewed.StatusID)
		assert.Equal(t, "bob", viewed.ViewerID)
		assert.Equal(t, 2, viewed.TotalViews)
	}
}

func TestFeed_OwnerViewingOwnStatusGetsOneFrame(t *testing.T) {
	feed, _, rec := newTestFeed(mapLocator{"alice": "c-alice"})
	feed.StatusViewed(StatusViewed{StatusID: "s1", OwnerID: "alice", ViewerID: "alice", TotalViews: 1})
	assert.Len(t, rec.To("c-alice", protocol.TypeStatusViewed), 1)
}

func TestFeed_StatusLikedAndDeletedSkipActor(t *testing.T) {
	feed, _, rec := newTestFeed(mapLocator{"alice": "c-alice", "bob": "c-bob"})
	sub := fakeSubscriber{}
	require.NoError(t, feed.Start(sub))

	liked, err := json.Marshal(StatusLiked{StatusID: "s1", UserID: "bob", LikedBy: json.RawMessage(`["bob"]`)})
	require.NoError(t, err)
	sub[SubjectStatusLiked](liked)

	deleted, err := json.Marshal(StatusDeleted{StatusID: "s1", UserID: "alice"})
	require.NoError(t, err)
	sub[SubjectStatusDeleted](deleted)

	assert.Empty(t, rec.To("c-bob", protocol.TypeStatusLiked))
	likes := rec.To("c-alice", protocol.TypeStatusLiked)
	require.Len(t, likes, 1)
	assert.JSONEq(t, `["bob"]`, string(likes[0].Msg.(protocol.StatusLikedMsg).LikedBy))

	assert.Empty(t, rec.To("c-alice", protocol.TypeStatusDeleted))
	gone := rec.To("c-bob", protocol.TypeStatusDeleted)
	require.Len(t, gone, 1)
	assert.Equal(t, "s1", gone[0].Msg.(protocol.StatusDeletedMsg).StatusID)
}

func TestFeed_BadStatusPayloadIgnored(t *testing.T) {
	feed, _, rec := newTestFeed(mapLocator{"bob": "c-bob"})
	sub := fakeSubscriber{}
	require.NoError(t, feed.Start(sub))

	for _, subject := range []string{SubjectStatusCreated, SubjectStatusViewed, SubjectStatusLiked, SubjectStatusDeleted} {
		require.Contains(t, sub, subject)
		sub[subject]([]byte("{"))
	}
	assert.Empty(t, rec.All())
}
