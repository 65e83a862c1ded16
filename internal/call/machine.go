// Package call implements the client side of a one-to-one call: the state
// machine that reacts to signaling events, drives the negotiation object and
// owns the local media of the current call.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/whisper/rtchat/internal/protocol"
	"github.com/whisper/rtchat/internal/signaling"
)

// State is the phase of the current call.
type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
	StateEnded     State = "ended"
	StateFailed    State = "failed"
	StateRejected  State = "rejected"
)

// Terminal reports whether s ends a call.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed || s == StateRejected
}

// ReasonBusy is sent when an incoming call arrives while another call is
// in progress.
const ReasonBusy = "busy"

// DefaultLinger is how long a terminal state is kept before returning to idle.
const DefaultLinger = 2 * time.Second

var (
	ErrBusy      = errors.New("call: another call is in progress")
	ErrNoCall    = errors.New("call: no call in a compatible state")
	ErrNoSession = errors.New("call: not connected")
)

// Config identifies the local participant.
type Config struct {
	UserID string
	Info   protocol.CallerInfo
	Linger time.Duration
}

// Snapshot is a copy of the machine's observable state.
type Snapshot struct {
	State       State
	CallID      string
	PeerID      string
	CallType    string
	Outgoing    bool
	Reason      string
	RemoteAudio bool
	RemoteVideo bool
	LocalAudio  bool
	LocalVideo  bool
}

type session struct {
	id       string
	peerID   string
	callType string
	outgoing bool
	accepted bool

	pc        PeerConnection
	media     Media
	remoteSet bool
	queue     []json.RawMessage

	remoteTrack bool
	remoteAudio bool
	remoteVideo bool
	localAudio  bool
	localVideo  bool
}

// Machine is the call state machine of one client. All transitions happen
// under a single lock; observer callbacks run after it is released.
type Machine struct {
	cfg    Config
	sig    Signaler
	source MediaSource
	peers  PeerFactory
	now    func() time.Time

	mu      sync.Mutex
	state   State
	reason  string
	cur     *session
	pending []func()

	onState    func(Snapshot)
	onIncoming func(Snapshot)
}

// NewMachine creates an idle Machine.
func NewMachine(cfg Config, sig Signaler, source MediaSource, peers PeerFactory) *Machine {
	if cfg.Linger <= 0 {
		cfg.Linger = DefaultLinger
	}
	return &Machine{
		cfg:    cfg,
		sig:    sig,
		source: source,
		peers:  peers,
		now:    time.Now,
		state:  StateIdle,
	}
}

// OnStateChange registers a callback invoked after every transition.
func (m *Machine) OnStateChange(fn func(Snapshot)) { m.onState = fn }

// OnIncoming registers a callback invoked when a call starts ringing.
func (m *Machine) OnIncoming(fn func(Snapshot)) { m.onIncoming = fn }

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{State: m.state, Reason: m.reason}
	if c := m.cur; c != nil {
		s.CallID = c.id
		s.PeerID = c.peerID
		s.CallType = c.callType
		s.Outgoing = c.outgoing
		s.RemoteAudio = c.remoteAudio
		s.RemoteVideo = c.remoteVideo
		s.LocalAudio = c.localAudio
		s.LocalVideo = c.localVideo
	}
	return s
}

func (m *Machine) lock() { m.mu.Lock() }

// unlock releases the lock and runs the callbacks queued during the
// transition.
func (m *Machine) unlock() {
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (m *Machine) setState(s State) {
	m.state = s
	if m.onState != nil {
		snap := m.snapshotLocked()
		m.pending = append(m.pending, func() { m.onState(snap) })
	}
}

// Call places a call to receiverID.
func (m *Machine) Call(ctx context.Context, receiverID, callType string) (string, error) {
	m.lock()
	defer m.unlock()

	if m.state != StateIdle {
		return "", ErrBusy
	}
	c := &session{
		id:          signaling.CallID(m.cfg.UserID, receiverID, m.now()),
		peerID:      receiverID,
		callType:    callType,
		outgoing:    true,
		remoteAudio: true,
		remoteVideo: true,
	}
	if err := m.sig.Send(protocol.TypeInitiateCall, protocol.InitiateCallMsg{
		CallerID:   m.cfg.UserID,
		ReceiverID: receiverID,
		CallType:   callType,
		CallerInfo: m.cfg.Info,
		CallID:     c.id,
	}); err != nil {
		return "", fmt.Errorf("call: initiate: %w", err)
	}
	m.cur = c
	m.reason = ""
	m.setState(StateCalling)
	log.WithFields(log.Fields{"call": c.id, "to": receiverID}).Info("[call] calling")
	return c.id, nil
}

// Accept answers the ringing call: local media is acquired and the peer
// connection created, then the caller is told to send its offer.
func (m *Machine) Accept(ctx context.Context) error {
	m.lock()
	defer m.unlock()

	c := m.cur
	if m.state != StateRinging || c == nil || c.accepted {
		return ErrNoCall
	}
	if err := m.preparePeer(ctx, c); err != nil {
		m.terminate(c, StateFailed, err.Error(), true)
		return err
	}
	c.accepted = true
	if err := m.sig.Send(protocol.TypeAcceptCall, protocol.AcceptCallMsg{
		CallerID:     c.peerID,
		CallID:       c.id,
		ReceiverInfo: m.cfg.Info,
	}); err != nil {
		m.terminate(c, StateFailed, "signaling unavailable", false)
		return fmt.Errorf("call: accept: %w", err)
	}
	log.WithField("call", c.id).Info("[call] accepted")
	return nil
}

// Reject declines the ringing call.
func (m *Machine) Reject(ctx context.Context, reason string) error {
	m.lock()
	defer m.unlock()

	c := m.cur
	if m.state != StateRinging || c == nil {
		return ErrNoCall
	}
	if err := m.sig.Send(protocol.TypeRejectCall, protocol.RejectCallMsg{
		CallerID: c.peerID,
		CallID:   c.id,
		Reason:   reason,
	}); err != nil {
		log.WithField("call", c.id).Warnf("[call] send reject: %v", err)
	}
	m.terminate(c, StateRejected, reason, false)
	return nil
}

// Hangup ends the current call and tells the other participant. Calling it
// again, or after the call already ended, has no effect.
func (m *Machine) Hangup(ctx context.Context) {
	m.lock()
	defer m.unlock()
	if c := m.cur; c != nil {
		m.terminate(c, StateEnded, "hung up", true)
	}
}

// SetLocalMedia mutes or unmutes a local track and announces it to the peer.
func (m *Machine) SetLocalMedia(kind string, enabled bool) error {
	m.lock()
	defer m.unlock()

	c := m.cur
	if m.state != StateConnected || c == nil || c.media == nil {
		return ErrNoSession
	}
	c.media.SetEnabled(kind, enabled)
	switch kind {
	case KindAudio:
		c.localAudio = enabled
	case KindVideo:
		c.localVideo = enabled
	}
	return m.sig.Send(protocol.TypeMediaStatusChange, protocol.MediaStatusMsg{
		Media:      kind,
		Enabled:    enabled,
		ReceiverID: c.peerID,
	})
}

// Handle applies one server message. Messages that do not concern the call
// machine are ignored; events for a call that is not current are dropped.
func (m *Machine) Handle(ctx context.Context, msgType string, msg interface{}) {
	switch v := msg.(type) {
	case protocol.CallInitiatedMsg:
		m.incoming(v)
	case protocol.CallAcceptedMsg:
		m.accepted(ctx, v)
	case protocol.CallRejectedMsg:
		m.remoteTerminal(v.CallID, StateRejected, v.Reason)
	case protocol.CallEndedMsg:
		m.remoteTerminal(v.CallID, StateEnded, v.Reason)
	case protocol.CallFailedMsg:
		m.remoteTerminal(v.CallID, StateFailed, v.Reason)
	case protocol.RelayedOfferMsg:
		m.offer(ctx, v)
	case protocol.RelayedAnswerMsg:
		m.answer(v)
	case protocol.RelayedICECandidateMsg:
		m.candidate(v)
	case protocol.RelayedMediaStatusMsg:
		m.mediaStatus(v)
	}
}

func (m *Machine) incoming(v protocol.CallInitiatedMsg) {
	m.lock()
	defer m.unlock()

	if m.state != StateIdle {
		log.WithFields(log.Fields{"call": v.CallID, "from": v.CallerID}).Info("[call] busy, rejecting")
		if err := m.sig.Send(protocol.TypeRejectCall, protocol.RejectCallMsg{
			CallerID: v.CallerID,
			CallID:   v.CallID,
			Reason:   ReasonBusy,
		}); err != nil {
			log.Warnf("[call] send busy reject: %v", err)
		}
		return
	}
	m.cur = &session{
		id:          v.CallID,
		peerID:      v.CallerID,
		callType:    v.CallType,
		remoteAudio: true,
		remoteVideo: true,
	}
	m.reason = ""
	m.setState(StateRinging)
	if m.onIncoming != nil {
		snap := m.snapshotLocked()
		m.pending = append(m.pending, func() { m.onIncoming(snap) })
	}
}

func (m *Machine) accepted(ctx context.Context, v protocol.CallAcceptedMsg) {
	m.lock()
	defer m.unlock()

	c := m.current(v.CallID, StateCalling)
	if c == nil || c.pc != nil {
		m.stale(protocol.TypeCallAccepted, v.CallID)
		return
	}
	if err := m.preparePeer(ctx, c); err != nil {
		m.terminate(c, StateFailed, err.Error(), true)
		return
	}
	offer, err := c.pc.CreateOffer(ctx)
	if err != nil {
		m.terminate(c, StateFailed, "negotiation failed", true)
		return
	}
	if err := m.sig.Send(protocol.TypeWebRTCOffer, protocol.OfferMsg{
		Offer:      offer,
		ReceiverID: c.peerID,
		CallID:     c.id,
	}); err != nil {
		m.terminate(c, StateFailed, "signaling unavailable", false)
	}
}

func (m *Machine) offer(ctx context.Context, v protocol.RelayedOfferMsg) {
	m.lock()
	defer m.unlock()

	c := m.current(v.CallID, StateRinging)
	if c == nil || !c.accepted || c.pc == nil || c.peerID != v.SenderID {
		m.stale(protocol.TypeWebRTCOffer, v.CallID)
		return
	}
	if c.remoteSet {
		log.WithField("call", c.id).Warn("[call] offer ignored, remote description already set")
		return
	}
	if err := c.pc.SetRemoteDescription(v.Offer); err != nil {
		log.WithField("call", c.id).Warnf("[call] set offer: %v", err)
		m.terminate(c, StateFailed, "negotiation failed", true)
		return
	}
	c.remoteSet = true
	m.drain(c)

	answer, err := c.pc.CreateAnswer(ctx)
	if err != nil {
		log.WithField("call", c.id).Warnf("[call] create answer: %v", err)
		m.terminate(c, StateFailed, "negotiation failed", true)
		return
	}
	if err := m.sig.Send(protocol.TypeWebRTCAnswer, protocol.AnswerMsg{
		Answer:     answer,
		ReceiverID: c.peerID,
		CallID:     c.id,
	}); err != nil {
		m.terminate(c, StateFailed, "signaling unavailable", false)
	}
}

func (m *Machine) answer(v protocol.RelayedAnswerMsg) {
	m.lock()
	defer m.unlock()

	c := m.current(v.CallID, StateCalling)
	if c == nil || c.pc == nil || c.remoteSet || c.peerID != v.SenderID {
		m.stale(protocol.TypeWebRTCAnswer, v.CallID)
		return
	}
	if err := c.pc.SetRemoteDescription(v.Answer); err != nil {
		log.WithField("call", c.id).Warnf("[call] set answer: %v", err)
		m.terminate(c, StateFailed, "negotiation failed", true)
		return
	}
	c.remoteSet = true
	m.drain(c)
}

func (m *Machine) candidate(v protocol.RelayedICECandidateMsg) {
	m.lock()
	defer m.unlock()

	c := m.current(v.CallID, StateCalling, StateRinging, StateConnected)
	if c == nil || c.peerID != v.SenderID {
		m.stale(protocol.TypeWebRTCICE, v.CallID)
		return
	}
	if c.pc == nil || !c.remoteSet {
		c.queue = append(c.queue, v.Candidate)
		return
	}
	if err := c.pc.AddICECandidate(v.Candidate); err != nil {
		log.WithField("call", c.id).Warnf("[call] add candidate: %v", err)
	}
}

func (m *Machine) mediaStatus(v protocol.RelayedMediaStatusMsg) {
	m.lock()
	defer m.unlock()

	c := m.cur
	if m.state != StateConnected || c == nil || c.peerID != v.SenderID {
		return
	}
	switch v.Media {
	case KindAudio:
		c.remoteAudio = v.Enabled
	case KindVideo:
		c.remoteVideo = v.Enabled
	default:
		return
	}
	m.setState(StateConnected)
}

func (m *Machine) remoteTerminal(callID string, to State, reason string) {
	m.lock()
	defer m.unlock()

	c := m.cur
	if c == nil || m.state.Terminal() || (callID != "" && callID != c.id) {
		m.stale("terminal", callID)
		return
	}
	m.terminate(c, to, reason, false)
}

// drain applies the candidates that arrived before the remote description,
// in arrival order. Called exactly once per call, right after the remote
// description is set.
func (m *Machine) drain(c *session) {
	queued := c.queue
	c.queue = nil
	for _, cand := range queued {
		if err := c.pc.AddICECandidate(cand); err != nil {
			log.WithField("call", c.id).Warnf("[call] add queued candidate: %v", err)
		}
	}
	if len(queued) > 0 {
		log.WithField("call", c.id).Debugf("[call] applied %d queued candidates", len(queued))
	}
}

// preparePeer acquires local media, falling back to audio only, and creates
// the peer connection for c.
func (m *Machine) preparePeer(ctx context.Context, c *session) error {
	video := c.callType == protocol.CallTypeVideo
	media, err := m.source.Acquire(ctx, video)
	if err != nil && video {
		log.WithField("call", c.id).Warnf("[call] video unavailable, falling back to audio: %v", err)
		media, err = m.source.Acquire(ctx, false)
	}
	if err != nil {
		return fmt.Errorf("call: acquire media: %w", err)
	}

	pc, err := m.peers.NewPeer(ctx, media, PeerEvents{
		OnCandidate: func(cand json.RawMessage) { m.localCandidate(c, cand) },
		OnTrack:     func(kind string) { m.remoteTrack(c, kind) },
		OnFailed:    func(err error) { m.peerFailed(c, err) },
	})
	if err != nil {
		media.Stop()
		return fmt.Errorf("call: create peer: %w", err)
	}
	c.media = media
	c.pc = pc
	c.localAudio = true
	c.localVideo = media.Video()
	return nil
}

func (m *Machine) localCandidate(c *session, cand json.RawMessage) {
	m.lock()
	defer m.unlock()
	if m.cur != c || m.state.Terminal() {
		return
	}
	if err := m.sig.Send(protocol.TypeWebRTCICE, protocol.ICECandidateMsg{
		Candidate:  cand,
		ReceiverID: c.peerID,
		CallID:     c.id,
	}); err != nil {
		log.WithField("call", c.id).Debugf("[call] send candidate: %v", err)
	}
}

// remoteTrack moves the call to connected on the first remote track. The
// remote audio/video flags are left alone; only media_status_change moves
// them.
func (m *Machine) remoteTrack(c *session, kind string) {
	m.lock()
	defer m.unlock()
	if m.cur != c || m.state.Terminal() {
		return
	}
	if c.remoteTrack {
		return
	}
	c.remoteTrack = true
	log.WithFields(log.Fields{"call": c.id, "kind": kind}).Info("[call] connected")
	m.setState(StateConnected)
}

func (m *Machine) peerFailed(c *session, err error) {
	m.lock()
	defer m.unlock()
	if m.cur != c || m.state.Terminal() {
		return
	}
	log.WithField("call", c.id).Warnf("[call] peer connection failed: %v", err)
	m.terminate(c, StateFailed, "connection failed", true)
}

// terminate moves c to a terminal state and releases everything it holds in
// the same step. notify sends end_call to the other participant. Only the
// first terminal transition of a call has any effect.
func (m *Machine) terminate(c *session, to State, reason string, notify bool) {
	if m.cur != c || m.state.Terminal() || m.state == StateIdle {
		return
	}

	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			log.WithField("call", c.id).Debugf("[call] close peer: %v", err)
		}
		c.pc = nil
	}
	if c.media != nil {
		c.media.Stop()
		c.media = nil
	}
	c.remoteTrack = false
	c.remoteAudio = false
	c.remoteVideo = false
	c.queue = nil

	if notify {
		if err := m.sig.Send(protocol.TypeEndCall, protocol.EndCallMsg{
			CallID:        c.id,
			ParticipantID: c.peerID,
		}); err != nil {
			log.WithField("call", c.id).Debugf("[call] send end: %v", err)
		}
	}

	m.reason = reason
	m.setState(to)
	log.WithFields(log.Fields{"call": c.id, "state": to, "reason": reason}).Info("[call] terminated")

	time.AfterFunc(m.cfg.Linger, func() { m.reset(c) })
}

func (m *Machine) reset(c *session) {
	m.lock()
	defer m.unlock()
	if m.cur != c || !m.state.Terminal() {
		return
	}
	m.cur = nil
	m.reason = ""
	m.setState(StateIdle)
}

// current returns the current call when it has the given id and the machine
// is in one of states.
func (m *Machine) current(callID string, states ...State) *session {
	c := m.cur
	if c == nil || c.id != callID {
		return nil
	}
	for _, s := range states {
		if m.state == s {
			return c
		}
	}
	return nil
}

func (m *Machine) stale(event, callID string) {
	log.WithFields(log.Fields{"event": event, "call": callID, "state": m.state}).
		Warn("[call] dropping stale signaling event")
}
