package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Test: Parsing valid client messages
// ---------------------------------------------------------------------------

func TestParseClientMessage_UserConnected(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"user_connected","userId":"u1","token":"t"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeUserConnected, msgType)

	uc, ok := msg.(UserConnectedMsg)
	require.True(t, ok, "expected UserConnectedMsg, got %T", msg)
	assert.Equal(t, "u1", uc.UserID)
	assert.Equal(t, "t", uc.Token)
}

func TestParseClientMessage_TypingStartAndStop(t *testing.T) {
	for _, typ := range []string{TypeTypingStart, TypeTypingStop} {
		input := []byte(`{"type":"` + typ + `","conversationId":"c1","receiverId":"u2"}`)
		msgType, msg, err := ParseClientMessage(input)
		require.NoError(t, err)
		assert.Equal(t, typ, msgType)

		tm, ok := msg.(TypingMsg)
		require.True(t, ok)
		assert.Equal(t, "c1", tm.ConversationID)
		assert.Equal(t, "u2", tm.ReceiverID)
	}
}

func TestParseClientMessage_MessageRead(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"message_read","messageIds":["m1","m2"],"senderId":"u1"}`))
	require.NoError(t, err)

	mr := msg.(MessageReadMsg)
	assert.Equal(t, []string{"m1", "m2"}, mr.MessageIDs)
	assert.Equal(t, "u1", mr.SenderID)
}

func TestParseClientMessage_InitiateCall(t *testing.T) {
	input := []byte(`{"type":"initiate_call","callerId":"a","receiverId":"b","callType":"video",` +
		`"callerInfo":{"username":"alice","profilePicture":"p.png"},"callId":"a-b-1"}`)
	_, msg, err := ParseClientMessage(input)
	require.NoError(t, err)

	ic := msg.(InitiateCallMsg)
	assert.Equal(t, "b", ic.ReceiverID)
	assert.Equal(t, CallTypeVideo, ic.CallType)
	assert.Equal(t, "alice", ic.CallerInfo.Username)
	assert.Equal(t, "a-b-1", ic.CallID)
}

func TestParseClientMessage_OfferKeepsPayloadOpaque(t *testing.T) {
	input := []byte(`{"type":"webrtc_offer","offer":{"type":"offer","sdp":"v=0"},"receiverId":"b","callId":"c"}`)
	_, msg, err := ParseClientMessage(input)
	require.NoError(t, err)

	om := msg.(OfferMsg)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(om.Offer))
}

func TestParseClientMessage_MediaStatus(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"media_status_change","media":"audio","enabled":false,"receiverId":"b"}`))
	require.NoError(t, err)

	ms := msg.(MediaStatusMsg)
	assert.Equal(t, MediaAudio, ms.Media)
	assert.False(t, ms.Enabled)
}

func TestParseClientMessage_Ping(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, TypePing, msgType)
	assert.IsType(t, PingMsg{}, msg)
}

// ---------------------------------------------------------------------------
// Test: Rejected client messages
// ---------------------------------------------------------------------------

func TestParseClientMessage_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"malformed json", `{not json`},
		{"missing type", `{"userId":"u1"}`},
		{"unknown type", `{"type":"does_not_exist"}`},
		{"server only type", `{"type":"call_ended","callId":"c","reason":"x"}`},
		{"user_connected without user", `{"type":"user_connected"}`},
		{"typing without receiver", `{"type":"typing_start","conversationId":"c1"}`},
		{"read without ids", `{"type":"message_read","messageIds":[],"senderId":"u1"}`},
		{"reaction without emoji", `{"type":"add_reaction","messageId":"m1","emoji":""}`},
		{"bad call type", `{"type":"initiate_call","receiverId":"b","callType":"screen"}`},
		{"accept without call id", `{"type":"accept_call","callerId":"a"}`},
		{"offer without receiver", `{"type":"webrtc_offer","offer":{"sdp":"x"}}`},
		{"bad media kind", `{"type":"media_status_change","media":"screen","enabled":true,"receiverId":"b"}`},
		{"wrong field type", `{"type":"message_read","messageIds":"m1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, msg, err := ParseClientMessage([]byte(tt.input))
			assert.Error(t, err)
			assert.Nil(t, msg)
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing server messages on the client side
// ---------------------------------------------------------------------------

func TestParseServerMessage_RelayedCandidate(t *testing.T) {
	input := []byte(`{"type":"webrtc_ice_candidate","candidate":{"candidate":"candidate:1"},"senderId":"a","callId":"c"}`)
	msgType, msg, err := ParseServerMessage(input)
	require.NoError(t, err)
	assert.Equal(t, TypeWebRTCICE, msgType)

	rc := msg.(RelayedICECandidateMsg)
	assert.Equal(t, "a", rc.SenderID)
	assert.Equal(t, "c", rc.CallID)
}

func TestParseServerMessage_UnknownTypeIsIgnored(t *testing.T) {
	msgType, msg, err := ParseServerMessage([]byte(`{"type":"something_new","x":1}`))
	require.NoError(t, err)
	assert.Equal(t, "something_new", msgType)
	assert.Nil(t, msg)
}

// ---------------------------------------------------------------------------
// Test: Building outbound messages
// ---------------------------------------------------------------------------

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeUserTyping, UserTypingMsg{
		UserID:         "u1",
		ConversationID: "c1",
		IsTyping:       true,
	})
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "user_typing", m["type"])
	assert.Equal(t, "u1", m["userId"])
	assert.Equal(t, "c1", m["conversationId"])
	assert.Equal(t, true, m["isTyping"])
}

func TestNewServerMessage_OverridesWrongType(t *testing.T) {
	data, err := NewServerMessage(TypeCallEnded, CallEndedMsg{Type: "bogus", CallID: "c", Reason: "r"})
	require.NoError(t, err)

	msgType, msg, err := ParseServerMessage(data)
	require.NoError(t, err)
	assert.Equal(t, TypeCallEnded, msgType)
	assert.Equal(t, "c", msg.(CallEndedMsg).CallID)
}

func TestUserStatus_LastSeenOmittedWhenOnline(t *testing.T) {
	data, err := NewServerMessage(TypeUserStatus, UserStatusMsg{UserID: "u1", IsOnline: true})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "lastSeen")

	seen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	data, err = NewServerMessage(TypeUserStatus, UserStatusMsg{UserID: "u1", LastSeen: &seen})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"lastSeen":"2024-05-01T12:00:00Z"`)
}

func TestNewClientMessage_ParsesBack(t *testing.T) {
	data, err := NewClientMessage(TypeRejectCall, RejectCallMsg{CallerID: "a", CallID: "c", Reason: "busy"})
	require.NoError(t, err)

	msgType, msg, err := ParseClientMessage(data)
	require.NoError(t, err)
	assert.Equal(t, TypeRejectCall, msgType)
	assert.Equal(t, "busy", msg.(RejectCallMsg).Reason)
}

func TestRateLimited_CamelCaseRetryAfter(t *testing.T) {
	data, err := NewServerMessage(TypeRateLimited, RateLimitedMsg{RetryAfter: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"rate_limited","retryAfter":3}`, string(data))
}

func TestParseServerMessage_StatusPosts(t *testing.T) {
	_, msg, err := ParseServerMessage([]byte(`{"type":"status_viewed","statusId":"s1","viewerId":"u2","totalViews":2,"viewers":[{"_id":"u2"}]}`))
	require.NoError(t, err)
	sv := msg.(StatusViewedMsg)
	assert.Equal(t, "s1", sv.StatusID)
	assert.Equal(t, 2, sv.TotalViews)
	assert.JSONEq(t, `[{"_id":"u2"}]`, string(sv.Viewers))

	_, msg, err = ParseServerMessage([]byte(`{"type":"status_deleted","statusId":"s1"}`))
	require.NoError(t, err)
	assert.Equal(t, "s1", msg.(StatusDeletedMsg).StatusID)
}
