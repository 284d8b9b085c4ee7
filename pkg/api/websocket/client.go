package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/0xmhha/wsrelay-go/internal/constants"
	"github.com/0xmhha/wsrelay-go/pkg/api/jsonrpc"
	"github.com/0xmhha/wsrelay-go/pkg/limiter"
)

var (
	// ErrConnectionClosed is returned when writing to or closing a closed connection
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSendBufferFull is returned when a slow client falls too far behind
	ErrSendBufferFull = errors.New("send buffer full")
)

// Time allowed to write a message to the peer
const writeWait = 10 * time.Second

// ClientConfig holds per-connection transport settings
type ClientConfig struct {
	// PingInterval between keep-alive pings; 0 disables pings and the read deadline
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBufferSize int
}

// DefaultClientConfig returns the default connection settings
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		PingInterval:   constants.DefaultPingInterval,
		MaxMessageSize: constants.DefaultMaxMessageSize,
		SendBufferSize: constants.DefaultSendBufferSize,
	}
}

// closeFrame is what the write pump sends before closing the socket
type closeFrame struct {
	code    int
	text    string
	message []byte
}

// Client represents a WebSocket client connection
type Client struct {
	id        string
	requestID string
	remoteIP  string
	openedAt  time.Time

	conn   *websocket.Conn
	config *ClientConfig
	send   chan []byte

	// closing is closed once; frame is set before that
	closing   chan struct{}
	closeOnce sync.Once
	frame     closeFrame

	logger *zap.Logger
}

func newClient(conn *websocket.Conn, id, requestID, remoteIP string, config *ClientConfig, logger *zap.Logger) *Client {
	bufferSize := config.SendBufferSize
	if bufferSize <= 0 {
		bufferSize = constants.DefaultSendBufferSize
	}
	return &Client{
		id:        id,
		requestID: requestID,
		remoteIP:  remoteIP,
		openedAt:  time.Now(),
		conn:      conn,
		config:    config,
		send:      make(chan []byte, bufferSize),
		closing:   make(chan struct{}),
		logger:    logger,
	}
}

// ID returns the connection id
func (c *Client) ID() string {
	return c.id
}

// RequestID returns the id correlating this connection's log lines
func (c *Client) RequestID() string {
	return c.requestID
}

// RemoteIP returns the client address the connection was accepted from
func (c *Client) RemoteIP() string {
	return c.remoteIP
}

// Closed is closed when the connection starts shutting down
func (c *Client) Closed() <-chan struct{} {
	return c.closing
}

// Send queues a text frame. A client whose buffer is full is disconnected.
func (c *Client) Send(message []byte) error {
	select {
	case <-c.closing:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- message:
		return nil
	case <-c.closing:
		return ErrConnectionClosed
	default:
		c.logger.Warn("client send buffer full, closing connection")
		c.close(closeFrame{code: websocket.ClosePolicyViolation, text: "send buffer full"})
		return ErrSendBufferFull
	}
}

// CloseWithReason sends reason as a JSON-RPC error frame, then closes the
// socket with reason's code and message.
func (c *Client) CloseWithReason(reason limiter.CloseReason) error {
	message, err := json.Marshal(jsonrpc.NewErrorResponse(nil, jsonrpc.NewError(reason.Code, reason.Message, reason.Data)))
	if err != nil {
		return err
	}
	if !c.close(closeFrame{code: reason.Code, text: reason.Message, message: message}) {
		return ErrConnectionClosed
	}
	return nil
}

// Close closes the connection with the given close code
func (c *Client) Close(code int, text string) error {
	if !c.close(closeFrame{code: code, text: text}) {
		return ErrConnectionClosed
	}
	return nil
}

func (c *Client) close(frame closeFrame) bool {
	closed := false
	c.closeOnce.Do(func() {
		c.frame = frame
		close(c.closing)
		closed = true
	})
	return closed
}

// readPump pumps frames from the WebSocket connection to handle.
// It returns when the connection fails or is closed.
func (c *Client) readPump(handle func(message []byte)) {
	defer c.close(closeFrame{code: websocket.CloseNormalClosure})

	if c.config.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.config.MaxMessageSize)
	}
	if c.config.PingInterval > 0 {
		pongWait := c.config.PingInterval * 10 / 9
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		handle(message)
	}
}

// writePump pumps queued frames and pings to the WebSocket connection
func (c *Client) writePump() {
	var ping <-chan time.Time
	if c.config.PingInterval > 0 {
		ticker := time.NewTicker(c.config.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer c.conn.Close()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write error", zap.Error(err))
				c.close(closeFrame{code: websocket.CloseAbnormalClosure})
				return
			}

		case <-ping:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(closeFrame{code: websocket.CloseAbnormalClosure})
				return
			}

		case <-c.closing:
			c.writeClose()
			return
		}
	}
}

func (c *Client) writeClose() {
	frame := c.frame
	deadline := time.Now().Add(writeWait)
	_ = c.conn.SetWriteDeadline(deadline)

	if frame.message != nil {
		if err := c.conn.WriteMessage(websocket.TextMessage, frame.message); err != nil {
			return
		}
	}
	if frame.code == websocket.CloseAbnormalClosure {
		return
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(frame.code, frame.text), deadline)
}
