// Package signaling forwards call lifecycle and WebRTC negotiation events
// between the two participants of a call. The relay keeps no call state: it
// resolves the target through the presence registry, forwards the event
// tagged with the authenticated sender, and never buffers.
package signaling

import (
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/whisper/rtchat/internal/metrics"
	"github.com/whisper/rtchat/internal/protocol"
)

// Failure and termination reasons sent to clients.
const (
	ReasonOffline  = "user is offline"
	ReasonRejected = "User rejected the call"
	ReasonEnded    = "Call ended by the other participant"
)

// Sender delivers a server message to a connection.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Locator resolves a user to its current connection.
type Locator interface {
	Lookup(userID string) (string, bool)
}

// Relay forwards call events.
type Relay struct {
	locator Locator
	sender  Sender
	now     func() time.Time
}

// NewRelay creates a Relay.
func NewRelay(locator Locator, sender Sender) *Relay {
	return &Relay{locator: locator, sender: sender, now: time.Now}
}

// CallID builds the identifier of a call placed by callerID to receiverID.
func CallID(callerID, receiverID string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%d", callerID, receiverID, at.UnixMilli())
}

// Initiate sends call_initiated to the receiver, or call_failed to the
// caller when the receiver is not connected. A call id proposed by the
// caller is kept when it belongs to this caller/receiver pair so both state
// machines agree on it; otherwise a new one is generated. It returns the call
// id and whether the receiver was reached.
func (r *Relay) Initiate(callerID, callerConn string, m protocol.InitiateCallMsg) (string, bool) {
	callID := m.CallID
	if !strings.HasPrefix(callID, callerID+"-"+m.ReceiverID+"-") {
		callID = CallID(callerID, m.ReceiverID, r.now())
	}

	delivered := r.forward(m.ReceiverID, protocol.TypeCallInitiated, protocol.CallInitiatedMsg{
		CallerID:     callerID,
		CallerName:   m.CallerInfo.Username,
		CallerAvatar: m.CallerInfo.ProfilePicture,
		CallID:       callID,
		CallType:     m.CallType,
	})
	if !delivered {
		r.fail(callerConn, callID)
	}
	log.WithFields(log.Fields{"call": callID, "caller": callerID, "receiver": m.ReceiverID}).
		Infof("[signaling] initiate delivered=%v", delivered)
	return callID, delivered
}

// Accept tells the caller that receiverID accepted.
func (r *Relay) Accept(receiverID string, m protocol.AcceptCallMsg) bool {
	return r.forward(m.CallerID, protocol.TypeCallAccepted, protocol.CallAcceptedMsg{
		CallID:         m.CallID,
		ReceiverID:     receiverID,
		ReceiverName:   m.ReceiverInfo.Username,
		ReceiverAvatar: m.ReceiverInfo.ProfilePicture,
	})
}

// Reject tells the caller that the call was declined.
func (r *Relay) Reject(m protocol.RejectCallMsg) bool {
	reason := m.Reason
	if reason == "" {
		reason = ReasonRejected
	}
	return r.forward(m.CallerID, protocol.TypeCallRejected, protocol.CallRejectedMsg{
		CallID: m.CallID,
		Reason: reason,
	})
}

// End tells the other participant that the call was hung up.
func (r *Relay) End(m protocol.EndCallMsg) bool {
	return r.forward(m.ParticipantID, protocol.TypeCallEnded, protocol.CallEndedMsg{
		CallID: m.CallID,
		Reason: ReasonEnded,
	})
}

// Offer forwards an SDP offer. An unreachable receiver ends the attempt with
// call_failed to the sender.
func (r *Relay) Offer(senderID, senderConn string, m protocol.OfferMsg) bool {
	ok := r.forward(m.ReceiverID, protocol.TypeWebRTCOffer, protocol.RelayedOfferMsg{
		Offer:    m.Offer,
		SenderID: senderID,
		CallID:   m.CallID,
	})
	if !ok {
		r.fail(senderConn, m.CallID)
	}
	return ok
}

// Answer forwards an SDP answer. An unreachable caller ends the attempt with
// call_failed to the sender.
func (r *Relay) Answer(senderID, senderConn string, m protocol.AnswerMsg) bool {
	ok := r.forward(m.ReceiverID, protocol.TypeWebRTCAnswer, protocol.RelayedAnswerMsg{
		Answer:   m.Answer,
		SenderID: senderID,
		CallID:   m.CallID,
	})
	if !ok {
		r.fail(senderConn, m.CallID)
	}
	return ok
}

// Candidate forwards a trickled ICE candidate; candidates for an unreachable
// peer are dropped.
func (r *Relay) Candidate(senderID string, m protocol.ICECandidateMsg) bool {
	return r.forward(m.ReceiverID, protocol.TypeWebRTCICE, protocol.RelayedICECandidateMsg{
		Candidate: m.Candidate,
		SenderID:  senderID,
		CallID:    m.CallID,
	})
}

// MediaStatus forwards a mute/camera change to the peer.
func (r *Relay) MediaStatus(senderID string, m protocol.MediaStatusMsg) bool {
	return r.forward(m.ReceiverID, protocol.TypeMediaStatusChange, protocol.RelayedMediaStatusMsg{
		Media:    m.Media,
		Enabled:  m.Enabled,
		SenderID: senderID,
	})
}

func (r *Relay) forward(userID, msgType string, payload interface{}) bool {
	connID, ok := r.locator.Lookup(userID)
	if !ok {
		metrics.SignalingRelayed.WithLabelValues(msgType, "offline").Inc()
		return false
	}
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Errorf("[signaling] build %s: %v", msgType, err)
		return false
	}
	if err := r.sender.SendMessage(connID, data); err != nil {
		log.WithField("conn", connID).Debugf("[signaling] send %s: %v", msgType, err)
		metrics.SignalingRelayed.WithLabelValues(msgType, "offline").Inc()
		return false
	}
	metrics.SignalingRelayed.WithLabelValues(msgType, "forwarded").Inc()
	return true
}

func (r *Relay) fail(connID, callID string) {
	data, err := protocol.NewServerMessage(protocol.TypeCallFailed, protocol.CallFailedMsg{
		CallID: callID,
		Reason: ReasonOffline,
	})
	if err != nil {
		return
	}
	if err := r.sender.SendMessage(connID, data); err != nil {
		log.WithField("conn", connID).Debugf("[signaling] send call_failed: %v", err)
	}
}
