package ws

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/whisper/rtchat/internal/metrics"
	"github.com/whisper/rtchat/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.TypingMsg, protocol.OfferMsg, etc.).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers ping itself and sends structured
// error responses for malformed or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced. Handlers
// must all be registered before the server starts.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler. A panicking handler is logged and answered with an
// internal_error; the connection stays open.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.WithField("conn", conn.ID).Warnf("ws: dispatch parse error: %v", err)
		metrics.EventsTotal.WithLabelValues("invalid", "rejected").Inc()
		SendError(conn, "parse_error", err.Error())
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.WithField("conn", conn.ID).Warnf("ws: unsupported message type=%q", msgType)
		metrics.EventsTotal.WithLabelValues(msgType, "rejected").Inc()
		SendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"conn": conn.ID, "type": msgType}).
				Errorf("ws: handler panic: %v", r)
			SendError(conn, "internal_error", "internal error")
		}
		metrics.EventLatency.WithLabelValues(msgType).Observe(time.Since(start).Seconds())
	}()

	handler(conn, msg)
	metrics.EventsTotal.WithLabelValues(msgType, "handled").Inc()
}

// SendError sends a structured error message to the client. Errors during
// message construction or transmission are logged but not propagated.
func SendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.WithField("conn", conn.ID).Errorf("ws: failed to build error message: %v", err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.WithField("conn", conn.ID).Debugf("ws: failed to send error message: %v", err)
	}
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.WithField("conn", conn.ID).Errorf("ws: failed to build pong message: %v", err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.WithField("conn", conn.ID).Debugf("ws: failed to send pong message: %v", err)
	}
}
