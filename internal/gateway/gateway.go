// Package gateway binds the client protocol to the coordination services.
// It registers one handler per client message type on the ws dispatcher,
// identifies connections on user_connected and cleans up on disconnect.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/whisper/rtchat/internal/auth"
	"github.com/whisper/rtchat/internal/delivery"
	"github.com/whisper/rtchat/internal/metrics"
	"github.com/whisper/rtchat/internal/presence"
	"github.com/whisper/rtchat/internal/protocol"
	"github.com/whisper/rtchat/internal/ratelimit"
	"github.com/whisper/rtchat/internal/reaction"
	"github.com/whisper/rtchat/internal/signaling"
	"github.com/whisper/rtchat/internal/store"
	"github.com/whisper/rtchat/internal/typing"
	"github.com/whisper/rtchat/internal/ws"
)

// Error codes sent in error messages.
const (
	CodeUnauthorized  = "unauthorized"
	CodeNotIdentified = "not_identified"
	CodeNotFound      = "not_found"
	CodeForbidden     = "forbidden"
	CodeInternal      = "internal_error"
)

// Sender delivers a server message to a connection.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Deps are the services the gateway drives. Limiter and Verifier are
// optional.
type Deps struct {
	Sender    Sender
	Registry  *presence.Registry
	Typing    *typing.Coordinator
	Delivery  *delivery.Pipeline
	Reactions *reaction.Coordinator
	Relay     *signaling.Relay
	Limiter   ratelimit.Checker
	Verifier  *auth.Verifier
	Timeout   time.Duration
}

// Gateway handles client events.
type Gateway struct {
	Deps
}

// New creates a Gateway and hooks delivery flushing and typing cleanup into
// the presence registry.
func New(d Deps) *Gateway {
	if d.Timeout <= 0 {
		d.Timeout = 5 * time.Second
	}
	g := &Gateway{Deps: d}

	d.Registry.OnRegister(func(ctx context.Context, userID string) {
		if err := d.Delivery.Flush(ctx, userID); err != nil {
			log.WithField("user", userID).Errorf("[gateway] flush pending messages: %v", err)
		}
	})
	d.Registry.OnUnregister(func(_ context.Context, userID string) {
		d.Typing.StopAll(userID)
	})
	return g
}

// Register installs the handlers on the dispatcher.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeUserConnected, g.handleUserConnected)
	d.Register(protocol.TypeGetUserStatus, g.identified(g.handleGetUserStatus))
	d.Register(protocol.TypeTypingStart, g.identified(g.handleTypingStart))
	d.Register(protocol.TypeTypingStop, g.identified(g.handleTypingStop))
	d.Register(protocol.TypeMessageDelivered, g.identified(g.handleMessageDelivered))
	d.Register(protocol.TypeMessageRead, g.identified(g.handleMessageRead))
	d.Register(protocol.TypeAddReaction, g.identified(g.handleAddReaction))
	d.Register(protocol.TypeInitiateCall, g.identified(g.handleInitiateCall))
	d.Register(protocol.TypeAcceptCall, g.identified(g.handleAcceptCall))
	d.Register(protocol.TypeRejectCall, g.identified(g.handleRejectCall))
	d.Register(protocol.TypeEndCall, g.identified(g.handleEndCall))
	d.Register(protocol.TypeWebRTCOffer, g.identified(g.handleOffer))
	d.Register(protocol.TypeWebRTCAnswer, g.identified(g.handleAnswer))
	d.Register(protocol.TypeWebRTCICE, g.identified(g.handleCandidate))
	d.Register(protocol.TypeMediaStatusChange, g.identified(g.handleMediaStatus))
}

// Disconnect is the ws.Server disconnect callback.
func (g *Gateway) Disconnect(conn *ws.Connection) {
	userID := conn.UserID()
	if userID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.Timeout)
	defer cancel()
	if !g.Registry.Unregister(ctx, userID, conn.ID) {
		log.WithFields(log.Fields{"user": userID, "conn": conn.ID}).Debug("[gateway] stale connection closed")
	}
}

// request carries the identity of the connection an event came from.
type request struct {
	ctx    context.Context
	conn   *ws.Connection
	userID string
}

type handlerFunc func(r request, msg interface{})

// identified wraps a handler that requires a bound user.
func (g *Gateway) identified(h handlerFunc) ws.MessageHandler {
	return func(conn *ws.Connection, msg interface{}) {
		userID := conn.UserID()
		if userID == "" {
			g.sendError(conn.ID, CodeNotIdentified, "send user_connected first")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), g.Timeout)
		defer cancel()
		h(request{ctx: ctx, conn: conn, userID: userID}, msg)
	}
}

func (g *Gateway) handleUserConnected(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.UserConnectedMsg)
	if !ok {
		return
	}
	if g.Verifier != nil {
		if err := g.Verifier.VerifyUser(m.Token, m.UserID); err != nil {
			log.WithFields(log.Fields{"conn": conn.ID, "user": m.UserID}).Warnf("[gateway] %v", err)
			g.sendError(conn.ID, CodeUnauthorized, "invalid token")
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.Timeout)
	defer cancel()

	if prev := conn.UserID(); prev != "" && prev != m.UserID {
		g.Registry.Unregister(ctx, prev, conn.ID)
	}
	conn.BindUser(m.UserID)
	g.Registry.Register(ctx, m.UserID, conn.ID)
	log.WithFields(log.Fields{"conn": conn.ID, "user": m.UserID}).Info("[gateway] user connected")
}

func (g *Gateway) handleGetUserStatus(r request, msg interface{}) {
	m, ok := msg.(protocol.GetUserStatusMsg)
	if !ok {
		return
	}
	res := g.Registry.Status(r.ctx, m.UserID)
	res.RequestID = m.RequestID
	g.reply(r.conn.ID, protocol.TypeUserStatusResult, res)
}

func (g *Gateway) handleTypingStart(r request, msg interface{}) {
	m, ok := msg.(protocol.TypingMsg)
	if !ok || !g.allow(r, protocol.TypeTypingStart, ratelimit.RuleTyping) {
		return
	}
	g.Typing.Start(r.userID, m.ConversationID, m.ReceiverID)
}

func (g *Gateway) handleTypingStop(r request, msg interface{}) {
	m, ok := msg.(protocol.TypingMsg)
	if !ok {
		return
	}
	g.Typing.Stop(r.userID, m.ConversationID, m.ReceiverID)
}

func (g *Gateway) handleMessageDelivered(r request, msg interface{}) {
	m, ok := msg.(protocol.MessageDeliveredMsg)
	if !ok {
		return
	}
	if err := g.Delivery.Delivered(r.ctx, r.userID, m.MessageID); err != nil {
		log.WithFields(log.Fields{"user": r.userID, "message": m.MessageID}).Errorf("[gateway] %v", err)
	}
}

func (g *Gateway) handleMessageRead(r request, msg interface{}) {
	m, ok := msg.(protocol.MessageReadMsg)
	if !ok {
		return
	}
	if err := g.Delivery.Read(r.ctx, r.userID, m.MessageIDs); err != nil {
		log.WithField("user", r.userID).Errorf("[gateway] %v", err)
	}
}

func (g *Gateway) handleAddReaction(r request, msg interface{}) {
	m, ok := msg.(protocol.AddReactionMsg)
	if !ok || !g.allow(r, protocol.TypeAddReaction, ratelimit.RuleReaction) {
		return
	}
	_, err := g.Reactions.React(r.ctx, m.MessageID, r.userID, m.Emoji)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		g.sendError(r.conn.ID, CodeNotFound, "message not found")
	case errors.Is(err, reaction.ErrNotParticipant):
		g.sendError(r.conn.ID, CodeForbidden, "not a participant of this message")
	default:
		log.WithFields(log.Fields{"user": r.userID, "message": m.MessageID}).Errorf("[gateway] %v", err)
		g.sendError(r.conn.ID, CodeInternal, "reaction failed")
	}
}

func (g *Gateway) handleInitiateCall(r request, msg interface{}) {
	m, ok := msg.(protocol.InitiateCallMsg)
	if !ok || !g.allow(r, protocol.TypeInitiateCall, ratelimit.RuleCall) {
		return
	}
	g.Relay.Initiate(r.userID, r.conn.ID, m)
}

func (g *Gateway) handleAcceptCall(r request, msg interface{}) {
	if m, ok := msg.(protocol.AcceptCallMsg); ok {
		g.Relay.Accept(r.userID, m)
	}
}

func (g *Gateway) handleRejectCall(r request, msg interface{}) {
	if m, ok := msg.(protocol.RejectCallMsg); ok {
		g.Relay.Reject(m)
	}
}

func (g *Gateway) handleEndCall(r request, msg interface{}) {
	if m, ok := msg.(protocol.EndCallMsg); ok {
		g.Relay.End(m)
	}
}

func (g *Gateway) handleOffer(r request, msg interface{}) {
	if m, ok := msg.(protocol.OfferMsg); ok {
		g.Relay.Offer(r.userID, r.conn.ID, m)
	}
}

func (g *Gateway) handleAnswer(r request, msg interface{}) {
	if m, ok := msg.(protocol.AnswerMsg); ok {
		g.Relay.Answer(r.userID, r.conn.ID, m)
	}
}

func (g *Gateway) handleCandidate(r request, msg interface{}) {
	if m, ok := msg.(protocol.ICECandidateMsg); ok {
		g.Relay.Candidate(r.userID, m)
	}
}

func (g *Gateway) handleMediaStatus(r request, msg interface{}) {
	if m, ok := msg.(protocol.MediaStatusMsg); ok {
		g.Relay.MediaStatus(r.userID, m)
	}
}

// allow applies rule to the user. A denied event is answered with
// rate_limited and dropped.
func (g *Gateway) allow(r request, msgType string, rule ratelimit.Rule) bool {
	if g.Limiter == nil {
		return true
	}
	d, err := g.Limiter.Allow(r.ctx, r.userID, rule)
	if err != nil || d.Allowed {
		return true
	}
	log.WithFields(log.Fields{"user": r.userID, "rule": rule.Key}).Debug("[gateway] rate limited")
	metrics.EventsTotal.WithLabelValues(msgType, "rate_limited").Inc()
	g.reply(r.conn.ID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(math.Ceil(d.RetryAfter.Seconds())),
	})
	return false
}

func (g *Gateway) reply(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Errorf("[gateway] build %s: %v", msgType, err)
		return
	}
	if err := g.Sender.SendMessage(connID, data); err != nil {
		log.WithField("conn", connID).Debugf("[gateway] send %s: %v", msgType, err)
	}
}

func (g *Gateway) sendError(connID, code, message string) {
	g.reply(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// String describes the optional features in use, for the startup log.
func (g *Gateway) String() string {
	return fmt.Sprintf("gateway(auth=%v, ratelimit=%v)", g.Verifier != nil, g.Limiter != nil)
}
