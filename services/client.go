package services

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"openbingo/utils/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512

	sendBufferSize = 256
)

var (
	errSessionClosed  = errors.New("session closed")
	errSendBufferFull = errors.New("send buffer full")
)

// Client is a websocket session attached to one game.
type Client struct {
	hub    *Hub
	id     string
	conn   *websocket.Conn
	send   chan []byte
	gameID uint
	userID uint

	mutex  sync.Mutex
	closed bool
}

func NewClient(hub *Hub, conn *websocket.Conn, gameID, userID uint) *Client {
	return &Client{
		hub:    hub,
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		gameID: gameID,
		userID: userID,
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Send(data []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return errSessionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close stops the write pump, which sends a close frame and drops the
// connection. Safe to call more than once.
func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}

// Start attaches the client to its game and runs the pumps.
func (c *Client) Start() {
	c.hub.Attach(c.gameID, c)
	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Detach(c.gameID, c)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warnf("websocket read error for session %s (user %d): %v", c.id, c.userID, err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debugf("ignoring malformed message from session %s: %v", c.id, err)
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg Message) {
	switch msg.Type {
	case "ping":
		if err := c.hub.SendTo(c, EventPong, "pong"); err != nil {
			logger.Debugf("failed to answer ping on session %s: %v", c.id, err)
		}
	default:
		logger.Debugf("unknown message type %q from session %s (user %d)", msg.Type, c.id, c.userID)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debugf("websocket write error for session %s: %v", c.id, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
