package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/rtchat/internal/auth"
	"github.com/whisper/rtchat/internal/delivery"
	"github.com/whisper/rtchat/internal/presence"
	"github.com/whisper/rtchat/internal/protocol"
	"github.com/whisper/rtchat/internal/protocol/prototest"
	"github.com/whisper/rtchat/internal/ratelimit"
	"github.com/whisper/rtchat/internal/reaction"
	"github.com/whisper/rtchat/internal/signaling"
	"github.com/whisper/rtchat/internal/store"
	"github.com/whisper/rtchat/internal/typing"
	"github.com/whisper/rtchat/internal/ws"
)

type env struct {
	gw       *Gateway
	rec      *prototest.Recorder
	messages *store.Memory
	registry *presence.Registry
	dispatch *ws.MessageDispatcher
}

func newEnv(t *testing.T, opts ...func(*Deps)) *env {
	t.Helper()
	rec := prototest.NewRecorder()
	messages := store.NewMemory()
	registry := presence.NewRegistry(rec, presence.NewMemoryStore())

	d := Deps{
		Sender:    rec,
		Registry:  registry,
		Typing:    typing.NewCoordinator(registry, rec, time.Minute),
		Delivery:  delivery.NewPipeline(messages, registry, rec),
		Reactions: reaction.NewCoordinator(messages, registry, rec),
		Relay:     signaling.NewRelay(registry, rec),
	}
	for _, o := range opts {
		o(&d)
	}
	gw := New(d)
	dispatch := ws.NewMessageDispatcher()
	gw.Register(dispatch)
	return &env{gw: gw, rec: rec, messages: messages, registry: registry, dispatch: dispatch}
}

func (e *env) send(t *testing.T, conn *ws.Connection, msgType string, payload interface{}) {
	t.Helper()
	data, err := protocol.NewClientMessage(msgType, payload)
	require.NoError(t, err)
	e.dispatch.Dispatch(conn, data)
}

func (e *env) connect(t *testing.T, userID string) *ws.Connection {
	t.Helper()
	conn := &ws.Connection{ID: "c-" + userID}
	e.send(t, conn, protocol.TypeUserConnected, protocol.UserConnectedMsg{UserID: userID})
	return conn
}

func errorCodes(rec *prototest.Recorder, connID string) []string {
	var out []string
	for _, s := range rec.To(connID, protocol.TypeError) {
		out = append(out, s.Msg.(protocol.ErrorMsg).Code)
	}
	return out
}

func TestEventsRequireIdentity(t *testing.T) {
	e := newEnv(t)
	conn := &ws.Connection{ID: "c-anon"}

	e.send(t, conn, protocol.TypeTypingStart, protocol.TypingMsg{ConversationID: "k", ReceiverID: "bob"})
	assert.Equal(t, []string{CodeNotIdentified}, errorCodes(e.rec, "c-anon"))
}

func TestUserConnected_PresenceAndFlush(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.messages.Insert(ctx, store.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob"}))

	alice := e.connect(t, "alice")
	assert.Equal(t, "alice", alice.UserID())
	assert.Empty(t, e.rec.To("c-alice", protocol.TypeMessageStatusUpdate))

	e.connect(t, "bob")

	online := e.rec.To("c-alice", protocol.TypeUserStatus)
	require.Len(t, online, 1)
	assert.Equal(t, "bob", online[0].Msg.(protocol.UserStatusMsg).UserID)

	updates := e.rec.To("c-alice", protocol.TypeMessageStatusUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, protocol.MessageStatusUpdateMsg{
		Type:          protocol.TypeMessageStatusUpdate,
		MessageID:     "m1",
		MessageStatus: string(store.StatusDelivered),
	}, updates[0].Msg)
}

func TestUserConnected_RejectsBadToken(t *testing.T) {
	v := auth.NewVerifier("secret")
	e := newEnv(t, func(d *Deps) { d.Verifier = v })

	conn := &ws.Connection{ID: "c-alice"}
	e.send(t, conn, protocol.TypeUserConnected, protocol.UserConnectedMsg{UserID: "alice", Token: "garbage"})
	assert.Equal(t, []string{CodeUnauthorized}, errorCodes(e.rec, "c-alice"))
	assert.Empty(t, conn.UserID())
	_, online := e.registry.Lookup("alice")
	assert.False(t, online)

	token, err := v.Issue("alice", time.Hour)
	require.NoError(t, err)
	e.send(t, conn, protocol.TypeUserConnected, protocol.UserConnectedMsg{UserID: "alice", Token: token})
	assert.Equal(t, "alice", conn.UserID())
}

func TestGetUserStatus(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	e.connect(t, "bob")

	e.send(t, alice, protocol.TypeGetUserStatus, protocol.GetUserStatusMsg{UserID: "bob", RequestID: "r1"})
	e.send(t, alice, protocol.TypeGetUserStatus, protocol.GetUserStatusMsg{UserID: "carol", RequestID: "r2"})

	results := e.rec.To("c-alice", protocol.TypeUserStatusResult)
	require.Len(t, results, 2)
	bob := results[0].Msg.(protocol.UserStatusResultMsg)
	assert.Equal(t, "r1", bob.RequestID)
	assert.True(t, bob.IsOnline)
	carol := results[1].Msg.(protocol.UserStatusResultMsg)
	assert.Equal(t, "r2", carol.RequestID)
	assert.False(t, carol.IsOnline)
	assert.Nil(t, carol.LastSeen)
}

func TestTypingClearedOnDisconnect(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	e.connect(t, "bob")

	e.send(t, alice, protocol.TypeTypingStart, protocol.TypingMsg{ConversationID: "k", ReceiverID: "bob"})
	e.gw.Disconnect(alice)

	var flags []bool
	for _, s := range e.rec.To("c-bob", protocol.TypeUserTyping) {
		flags = append(flags, s.Msg.(protocol.UserTypingMsg).IsTyping)
	}
	assert.Equal(t, []bool{true, false}, flags)

	offline := e.rec.To("c-bob", protocol.TypeUserStatus)
	last := offline[len(offline)-1].Msg.(protocol.UserStatusMsg)
	assert.Equal(t, "alice", last.UserID)
	assert.False(t, last.IsOnline)
	assert.NotNil(t, last.LastSeen)
}

func TestStaleDisconnectKeepsUserOnline(t *testing.T) {
	e := newEnv(t)
	first := e.connect(t, "alice")
	second := &ws.Connection{ID: "c-alice-2"}
	e.send(t, second, protocol.TypeUserConnected, protocol.UserConnectedMsg{UserID: "alice"})

	e.gw.Disconnect(first)
	connID, ok := e.registry.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "c-alice-2", connID)
}

func TestDeliveryAndRead(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.connect(t, "alice")
	bob := e.connect(t, "bob")
	for _, id := range []string{"m1", "m2"} {
		require.NoError(t, e.messages.Insert(ctx, store.Message{ID: id, SenderID: "alice", ReceiverID: "bob"}))
	}

	e.send(t, bob, protocol.TypeMessageDelivered, protocol.MessageDeliveredMsg{MessageID: "m1", SenderID: "alice"})
	e.send(t, bob, protocol.TypeMessageRead, protocol.MessageReadMsg{MessageIDs: []string{"m1", "m2"}, SenderID: "alice"})

	updates := e.rec.To("c-alice", protocol.TypeMessageStatusUpdate)
	require.Len(t, updates, 2)
	assert.Equal(t, string(store.StatusDelivered), updates[0].Msg.(protocol.MessageStatusUpdateMsg).MessageStatus)
	read := updates[1].Msg.(protocol.MessageStatusUpdateMsg)
	assert.Equal(t, string(store.StatusRead), read.MessageStatus)
	assert.ElementsMatch(t, []string{"m1", "m2"}, read.MessageIDs)
}

func TestAddReactionErrors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	carol := e.connect(t, "carol")
	require.NoError(t, e.messages.Insert(ctx, store.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob"}))

	e.send(t, carol, protocol.TypeAddReaction, protocol.AddReactionMsg{MessageID: "missing", Emoji: "👍", UserID: "carol"})
	e.send(t, carol, protocol.TypeAddReaction, protocol.AddReactionMsg{MessageID: "m1", Emoji: "👍", UserID: "carol"})
	assert.Equal(t, []string{CodeNotFound, CodeForbidden}, errorCodes(e.rec, "c-carol"))
}

func TestAddReactionBroadcast(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.connect(t, "alice")
	bob := e.connect(t, "bob")
	require.NoError(t, e.messages.Insert(ctx, store.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob"}))

	e.send(t, bob, protocol.TypeAddReaction, protocol.AddReactionMsg{MessageID: "m1", Emoji: "👍", UserID: "bob"})
	for _, conn := range []string{"c-alice", "c-bob"} {
		got := e.rec.To(conn, protocol.TypeReactionUpdated)
		require.Len(t, got, 1, conn)
		assert.Equal(t, []protocol.Reaction{{UserID: "bob", Emoji: "👍"}}, got[0].Msg.(protocol.ReactionUpdatedMsg).Reactions)
	}
}

func TestCallToOfflineUser(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")

	e.send(t, alice, protocol.TypeInitiateCall, protocol.InitiateCallMsg{ReceiverID: "bob", CallType: protocol.CallTypeAudio})
	failed := e.rec.To("c-alice", protocol.TypeCallFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, signaling.ReasonOffline, failed[0].Msg.(protocol.CallFailedMsg).Reason)
	assert.Empty(t, e.rec.OfType(protocol.TypeCallInitiated))
}

func TestCallSignalingUsesBoundIdentity(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	e.connect(t, "bob")

	e.send(t, alice, protocol.TypeInitiateCall, protocol.InitiateCallMsg{
		CallerID: "mallory", ReceiverID: "bob", CallType: protocol.CallTypeVideo,
	})
	initiated := e.rec.To("c-bob", protocol.TypeCallInitiated)
	require.Len(t, initiated, 1)
	assert.Equal(t, "alice", initiated[0].Msg.(protocol.CallInitiatedMsg).CallerID)

	e.send(t, alice, protocol.TypeMediaStatusChange, protocol.MediaStatusMsg{Media: protocol.MediaAudio, Enabled: false, ReceiverID: "bob"})
	status := e.rec.To("c-bob", protocol.TypeMediaStatusChange)
	require.Len(t, status, 1)
	assert.Equal(t, "alice", status[0].Msg.(protocol.RelayedMediaStatusMsg).SenderID)
}

func TestCallRateLimited(t *testing.T) {
	e := newEnv(t, func(d *Deps) { d.Limiter = ratelimit.NewMemory() })
	alice := e.connect(t, "alice")

	for i := 0; i <= ratelimit.RuleCall.Limit; i++ {
		e.send(t, alice, protocol.TypeInitiateCall, protocol.InitiateCallMsg{ReceiverID: "bob", CallType: protocol.CallTypeAudio})
	}
	assert.Len(t, e.rec.To("c-alice", protocol.TypeCallFailed), ratelimit.RuleCall.Limit)
	limited := e.rec.To("c-alice", protocol.TypeRateLimited)
	require.Len(t, limited, 1)
	assert.Positive(t, limited[0].Msg.(protocol.RateLimitedMsg).RetryAfter)
}
