// Package protocol defines the WebSocket message types and structures used for
// communication between chat clients and the real-time gateway. All messages
// are serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeUserConnected     = "user_connected"
	TypeGetUserStatus     = "get_user_status"
	TypeTypingStart       = "typing_start"
	TypeTypingStop        = "typing_stop"
	TypeMessageDelivered  = "message_delivered"
	TypeMessageRead       = "message_read"
	TypeAddReaction       = "add_reaction"
	TypeInitiateCall      = "initiate_call"
	TypeAcceptCall        = "accept_call"
	TypeRejectCall        = "reject_call"
	TypeEndCall           = "end_call"
	TypeWebRTCOffer       = "webrtc_offer"
	TypeWebRTCAnswer      = "webrtc_answer"
	TypeWebRTCICE         = "webrtc_ice_candidate"
	TypeMediaStatusChange = "media_status_change"
	TypePing              = "ping"
)

// Server -> Client message types. The negotiation and media status types are
// shared with the client direction; only the payload shape differs.
const (
	TypeSessionCreated      = "session_created"
	TypeUserStatus          = "user_status"
	TypeUserStatusResult    = "user_status_result"
	TypeUserTyping          = "user_typing"
	TypeMessageStatusUpdate = "message_status_update"
	TypeReactionUpdated     = "reaction_updated"
	TypeReceiveMessage      = "receive_message"
	TypeMessageDeleted      = "message_deleted"
	TypeNewStatus           = "new_status"
	TypeStatusViewed        = "status_viewed"
	TypeStatusLiked         = "status_liked"
	TypeStatusDeleted       = "status_deleted"
	TypeCallInitiated       = "call_initiated"
	TypeCallFailed          = "call_failed"
	TypeCallAccepted        = "call_accepted"
	TypeCallRejected        = "call_rejected"
	TypeCallEnded           = "call_ended"
	TypeRateLimited         = "rate_limited"
	TypeError               = "error"
	TypePong                = "pong"
)

// Call types.
const (
	CallTypeAudio = "audio"
	CallTypeVideo = "video"
)

// Media kinds carried by media_status_change.
const (
	MediaAudio = "audio"
	MediaVideo = "video"
)

// ---------------------------------------------------------------------------
// Envelope (used for initial JSON parsing to extract the type discriminator)
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// UserConnectedMsg binds the connection to a user identity. Token is checked
// when the gateway runs with an identity verifier.
type UserConnectedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

func (m UserConnectedMsg) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.UserID, validation.Required),
	)
}

// GetUserStatusMsg asks for the presence of a single user. The reply carries
// the same RequestID.
type GetUserStatusMsg struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	RequestID string `json:"requestId,omitempty"`
}

func (m GetUserStatusMsg) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.UserID, validation.Required),
	)
}

// TypingMsg is used by both typing_start and typing_stop.
type TypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	ReceiverID     string `json:"receiverId"`
}

func (m TypingMsg) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.ConversationID, validation.Required),
		validation.Field(&m.ReceiverID, validation.Required),
	)
}

// MessageDeliveredMsg acknowledges delivery of a single message.
type MessageDeliveredMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
}

func (m MessageDeliveredMsg) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.MessageID, validation.Required),
	)
}

// MessageReadMsg acknowledges a batch of messages as read.
type MessageReadMsg struct {
	Type       string   `json:"type"`
	MessageIDs []string `json:"messageIds"`
	SenderID   string   `json:"senderId"`
}

func (m MessageReadMsg) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.MessageIDs, validation.Required),
	)
}

// AddReactionMsg toggles or replaces the caller's reaction on a message.
type AddReactionMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
}

func (m AddReactionMsg) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.MessageID, validation.Required),
		validation.Field(&m.Emoji, validation.Required, validation.RuneLength(1, 16)),
	)
}

// CallerInfo is the display information attached to a call invitation.
type CallerInfo struct {
	Username       string `json:"username,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

// InitiateCallMsg starts a call attempt. CallID is optional; when present it
// must be the id the caller generated for its own state machine.
type InitiateCallMsg struct {
	Type       string     `json:"type"`
	CallerID   string     `json:"callerId"`
	ReceiverID string     `json:"receiverId"`
	CallType   string     `json:"callType"`
	CallerInfo CallerInfo `json:"callerInfo"`
	CallID     string     `json:"callId,omitempty"`
}

func (m InitiateCallMsg) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.ReceiverID, validation.Required),
		validation.Field(&m.CallType, validation.Required, validation.In(CallTypeAudio, CallTypeVideo)),
	)
}

// AcceptCallMsg is sent by the receiver to accept an incoming call.
type AcceptCallMsg struct {
	Type         string     `json:"type"`
	CallerID     string     `json:"callerId"`
	CallID       string     `json:"callId"`
	ReceiverInfo CallerInfo `json:"receiverInfo"`
}

func (m AcceptCallMsg) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.CallerID, validation.Required),
		validation.Field(&m.CallID, validation.Required),
	)
}

// RejectCallMsg is sent by the receiver to decline an incoming call.
type RejectCallMsg struct {
	Type     string `json:"type"`
	CallerID string `json:"callerId"`
	CallID   string `json:"callId"`
	Reason   string `json:"reason,omitempty"`
}

func (m RejectCallMsg) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.CallerID, validation.Required),
		validation.Field(&m.CallID, validation.Required),
	)
}

// EndCallMsg is sent by either participant to hang up.
type EndCallMsg struct {
	Type          string `json:"type"`
	CallID        string `json:"callId"`
	ParticipantID string `json:"participantId"`
}

func (m EndCallMsg) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.CallID, validation.Required),
		validation.Field(&m.ParticipantID, validation.Required),
	)
}

// OfferMsg carries an SDP offer to the receiver. The offer is opaque.
type OfferMsg struct {
	Type       string          `json:"type"`
	Offer      json.RawMessage `json:"offer"`
	ReceiverID string          `json:"receiverId"`
	CallID     string          `json:"callId"`
}

func (m OfferMsg) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Offer, validation.Required),
		validation.Field(&m.ReceiverID, validation.Required),
	)
}

// AnswerMsg carries an SDP answer back to the caller.
type AnswerMsg struct {
	Type       string          `json:"type"`
	Answer     json.RawMessage `json:"answer"`
	ReceiverID string          `json:"receiverId"`
	CallID     string          `json:"callId"`
}

func (m AnswerMsg) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Answer, validation.Required),
		validation.Field(&m.ReceiverID, validation.Required),
	)
}

// ICECandidateMsg carries one trickled ICE candidate.
type ICECandidateMsg struct {
	Type       string          `json:"type"`
	Candidate  json.RawMessage `json:"candidate"`
	ReceiverID string          `json:"receiverId"`
	CallID     string          `json:"callId"`
}

func (m ICECandidateMsg) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Candidate, validation.Required),
		validation.Field(&m.ReceiverID, validation.Required),
	)
}

// MediaStatusMsg announces a local mute/unmute or camera on/off. The media
// kind travels as "media" because "type" is the envelope discriminator.
type MediaStatusMsg struct {
	Type       string `json:"type"`
	Media      string `json:"media"`
	Enabled    bool   `json:"enabled"`
	ReceiverID string `json:"receiverId"`
}

func (m MediaStatusMsg) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Media, validation.Required, validation.In(MediaAudio, MediaVideo)),
		validation.Field(&m.ReceiverID, validation.Required),
	)
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new connection is established.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// UserStatusMsg is the presence broadcast. LastSeen is only set when the user
// went offline.
type UserStatusMsg struct {
	Type     string     `json:"type"`
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// UserStatusResultMsg answers get_user_status.
type UserStatusResultMsg struct {
	Type      string     `json:"type"`
	RequestID string     `json:"requestId,omitempty"`
	UserID    string     `json:"userId"`
	IsOnline  bool       `json:"isOnline"`
	LastSeen  *time.Time `json:"lastSeen"`
}

// UserTypingMsg relays a typing indicator to the conversation partner.
type UserTypingMsg struct {
	Type           string `json:"type"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// MessageStatusUpdateMsg tells the sender about a status change. A single
// message is named by MessageID; a read acknowledgement covering several
// messages of the same sender is reported once, with every id in MessageIDs.
type MessageStatusUpdateMsg struct {
	Type          string   `json:"type"`
	MessageID     string   `json:"messageId,omitempty"`
	MessageIDs    []string `json:"messageIds,omitempty"`
	MessageStatus string   `json:"messageStatus"`
}

// Reaction is one entry of a message's reaction list.
type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// ReactionUpdatedMsg carries the consolidated reaction list of a message.
type ReactionUpdatedMsg struct {
	Type      string     `json:"type"`
	MessageID string     `json:"messageId"`
	Reactions []Reaction `json:"reactions"`
}

// ReceiveMessageMsg forwards a message created through the REST API.
type ReceiveMessageMsg struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
}

// MessageDeletedMsg tells both parties a message was deleted.
type MessageDeletedMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

// NewStatusMsg announces a status post. Status is the full post document.
type NewStatusMsg struct {
	Type   string          `json:"type"`
	Status json.RawMessage `json:"status"`
}

// StatusViewedMsg tells the owner and the viewer that a post was viewed.
type StatusViewedMsg struct {
	Type       string          `json:"type"`
	StatusID   string          `json:"statusId"`
	ViewerID   string          `json:"viewerId"`
	TotalViews int             `json:"totalViews"`
	Viewers    json.RawMessage `json:"viewers,omitempty"`
}

// StatusLikedMsg carries the like set of a post after a like or unlike.
type StatusLikedMsg struct {
	Type     string          `json:"type"`
	StatusID string          `json:"statusId"`
	LikedBy  json.RawMessage `json:"likedBy"`
}

// StatusDeletedMsg tells connected users a post is gone.
type StatusDeletedMsg struct {
	Type     string `json:"type"`
	StatusID string `json:"statusId"`
}

// CallInitiatedMsg is the incoming call notification sent to the receiver.
type CallInitiatedMsg struct {
	Type         string `json:"type"`
	CallerID     string `json:"callerId"`
	CallerName   string `json:"callerName,omitempty"`
	CallerAvatar string `json:"callerAvatar,omitempty"`
	CallID       string `json:"callId"`
	CallType     string `json:"callType"`
}

// CallFailedMsg is sent to the initiator when the target is not connected.
type CallFailedMsg struct {
	Type   string `json:"type"`
	CallID string `json:"callId,omitempty"`
	Reason string `json:"reason"`
}

// CallAcceptedMsg is sent to the caller when the receiver accepted.
type CallAcceptedMsg struct {
	Type           string `json:"type"`
	CallID         string `json:"callId"`
	ReceiverID     string `json:"receiverId"`
	ReceiverName   string `json:"receiverName,omitempty"`
	ReceiverAvatar string `json:"receiverAvatar,omitempty"`
}

// CallRejectedMsg is sent to the caller when the receiver declined.
type CallRejectedMsg struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
	Reason string `json:"reason"`
}

// CallEndedMsg is sent to the other participant when a call was hung up.
type CallEndedMsg struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
	Reason string `json:"reason"`
}

// RelayedOfferMsg is an offer forwarded to its receiver.
type RelayedOfferMsg struct {
	Type     string          `json:"type"`
	Offer    json.RawMessage `json:"offer"`
	SenderID string          `json:"senderId"`
	CallID   string          `json:"callId"`
}

// RelayedAnswerMsg is an answer forwarded to the caller.
type RelayedAnswerMsg struct {
	Type     string          `json:"type"`
	Answer   json.RawMessage `json:"answer"`
	SenderID string          `json:"senderId"`
	CallID   string          `json:"callId"`
}

// RelayedICECandidateMsg is a candidate forwarded to the other participant.
type RelayedICECandidateMsg struct {
	Type      string          `json:"type"`
	Candidate json.RawMessage `json:"candidate"`
	SenderID  string          `json:"senderId"`
	CallID    string          `json:"callId"`
}

// RelayedMediaStatusMsg is a media status change forwarded to the peer.
type RelayedMediaStatusMsg struct {
	Type     string `json:"type"`
	Media    string `json:"media"`
	Enabled  bool   `json:"enabled"`
	SenderID string `json:"senderId"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retryAfter"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

func decode[T any](raw json.RawMessage) (interface{}, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing or validation. An error is returned for unknown
// or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeUserConnected:
		msg, err = decode[UserConnectedMsg](env.Raw)
	case TypeGetUserStatus:
		msg, err = decode[GetUserStatusMsg](env.Raw)
	case TypeTypingStart, TypeTypingStop:
		msg, err = decode[TypingMsg](env.Raw)
	case TypeMessageDelivered:
		msg, err = decode[MessageDeliveredMsg](env.Raw)
	case TypeMessageRead:
		msg, err = decode[MessageReadMsg](env.Raw)
	case TypeAddReaction:
		msg, err = decode[AddReactionMsg](env.Raw)
	case TypeInitiateCall:
		msg, err = decode[InitiateCallMsg](env.Raw)
	case TypeAcceptCall:
		msg, err = decode[AcceptCallMsg](env.Raw)
	case TypeRejectCall:
		msg, err = decode[RejectCallMsg](env.Raw)
	case TypeEndCall:
		msg, err = decode[EndCallMsg](env.Raw)
	case TypeWebRTCOffer:
		msg, err = decode[OfferMsg](env.Raw)
	case TypeWebRTCAnswer:
		msg, err = decode[AnswerMsg](env.Raw)
	case TypeWebRTCICE:
		msg, err = decode[ICECandidateMsg](env.Raw)
	case TypeMediaStatusChange:
		msg, err = decode[MediaStatusMsg](env.Raw)
	case TypePing:
		msg, err = decode[PingMsg](env.Raw)
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	if v, ok := msg.(validation.Validatable); ok {
		if err := v.Validate(); err != nil {
			return env.Type, nil, fmt.Errorf("protocol: invalid %q payload: %w", env.Type, err)
		}
	}
	return env.Type, msg, nil
}

// ParseServerMessage is the client-side counterpart of ParseClientMessage.
// Unknown server message types are returned with a nil message and no error
// so that newer servers stay compatible with older clients.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSessionCreated:
		msg, err = decode[SessionCreatedMsg](env.Raw)
	case TypeUserStatus:
		msg, err = decode[UserStatusMsg](env.Raw)
	case TypeUserStatusResult:
		msg, err = decode[UserStatusResultMsg](env.Raw)
	case TypeUserTyping:
		msg, err = decode[UserTypingMsg](env.Raw)
	case TypeMessageStatusUpdate:
		msg, err = decode[MessageStatusUpdateMsg](env.Raw)
	case TypeReactionUpdated:
		msg, err = decode[ReactionUpdatedMsg](env.Raw)
	case TypeReceiveMessage:
		msg, err = decode[ReceiveMessageMsg](env.Raw)
	case TypeMessageDeleted:
		msg, err = decode[MessageDeletedMsg](env.Raw)
	case TypeNewStatus:
		msg, err = decode[NewStatusMsg](env.Raw)
	case TypeStatusViewed:
		msg, err = decode[StatusViewedMsg](env.Raw)
	case TypeStatusLiked:
		msg, err = decode[StatusLikedMsg](env.Raw)
	case TypeStatusDeleted:
		msg, err = decode[StatusDeletedMsg](env.Raw)
	case TypeCallInitiated:
		msg, err = decode[CallInitiatedMsg](env.Raw)
	case TypeCallFailed:
		msg, err = decode[CallFailedMsg](env.Raw)
	case TypeCallAccepted:
		msg, err = decode[CallAcceptedMsg](env.Raw)
	case TypeCallRejected:
		msg, err = decode[CallRejectedMsg](env.Raw)
	case TypeCallEnded:
		msg, err = decode[CallEndedMsg](env.Raw)
	case TypeWebRTCOffer:
		msg, err = decode[RelayedOfferMsg](env.Raw)
	case TypeWebRTCAnswer:
		msg, err = decode[RelayedAnswerMsg](env.Raw)
	case TypeWebRTCICE:
		msg, err = decode[RelayedICECandidateMsg](env.Raw)
	case TypeMediaStatusChange:
		msg, err = decode[RelayedMediaStatusMsg](env.Raw)
	case TypeRateLimited:
		msg, err = decode[RateLimitedMsg](env.Raw)
	case TypeError:
		msg, err = decode[ErrorMsg](env.Raw)
	case TypePong:
		msg, err = decode[PongMsg](env.Raw)
	default:
		return env.Type, nil, nil
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	return encode(msgType, payload)
}

// NewClientMessage creates a JSON-encoded client message with the type
// discriminator injected, mirroring NewServerMessage.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	return encode(msgType, payload)
}

func encode(msgType string, payload interface{}) ([]byte, error) {
	// Round-trip through a map so the "type" field is always present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}
