// Package client is a WebSocket client for the real-time gateway. It sends
// typed client messages, completes the session_created -> user_connected
// handshake and hands every decoded server message to a handler.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/whisper/rtchat/internal/protocol"
)

// Handler receives one decoded server message. Handlers run on the read
// loop goroutine.
type Handler func(msgType string, msg interface{})

// Config describes the identity the client announces after connecting.
type Config struct {
	URL          string
	UserID       string
	Token        string
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Client is one connection to the gateway.
type Client struct {
	cfg  Config
	conn *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	handler   Handler

	session   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to the gateway and starts reading. The user_connected
// announcement is sent as soon as the server assigns a session.
func Dial(ctx context.Context, cfg Config, handler Handler) (*Client, error) {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", cfg.URL, err)
	}

	c := &Client{
		cfg:     cfg,
		conn:    conn,
		handler: handler,
		session: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Send writes a client message. It is goroutine-safe.
func (c *Client) Send(msgType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("client: write %s: %w", msgType, err)
	}
	return nil
}

// WaitForSession blocks until the server has assigned a session and the
// user_connected announcement was sent.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-c.session:
		return nil
	case <-c.done:
		return errors.New("client: connection closed before session was created")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SessionID returns the id assigned by the server, or "" before the
// handshake.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the read loop, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a close frame and closes the connection. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
				log.Debugf("[client] read: %v", err)
			}
			return
		}

		msgType, msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			log.Warnf("[client] %v", err)
			continue
		}
		if msg == nil {
			log.Debugf("[client] ignoring message type=%q", msgType)
			continue
		}

		if s, ok := msg.(protocol.SessionCreatedMsg); ok {
			c.onSession(s.SessionID)
			continue
		}
		if c.handler != nil {
			c.handler(msgType, msg)
		}
	}
}

func (c *Client) onSession(id string) {
	c.mu.Lock()
	first := c.sessionID == ""
	c.sessionID = id
	c.mu.Unlock()
	if !first {
		return
	}

	if err := c.Send(protocol.TypeUserConnected, protocol.UserConnectedMsg{
		UserID: c.cfg.UserID,
		Token:  c.cfg.Token,
	}); err != nil {
		log.Warnf("[client] announce user: %v", err)
		return
	}
	log.WithFields(log.Fields{"session": id, "user": c.cfg.UserID}).Info("[client] connected")
	close(c.session)
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Send(protocol.TypePing, protocol.PingMsg{}); err != nil {
				log.Debugf("[client] ping: %v", err)
			}
		}
	}
}
