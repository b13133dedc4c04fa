package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a Relay over a WebSocket connection to the relay server. Each
// client is bound to one device id; Subscribe ignores its argument and
// returns the connection's inbound stream.
type Client struct {
	deviceID string
	conn     *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[int]chan Message
	nextID int

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the relay server at baseURL (http:// or ws:// scheme) as
// deviceID and starts the read pump.
func Dial(ctx context.Context, baseURL, deviceID string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse relay url: %v", ErrSignalingFailure, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("%w: unsupported relay url scheme %q", ErrSignalingFailure, u.Scheme)
	}
	u.Path = "/signal"
	q := u.Query()
	q.Set("device", deviceID)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial relay: %v", ErrSignalingFailure, err)
	}

	c := &Client{
		deviceID: deviceID,
		conn:     conn,
		subs:     make(map[int]chan Message),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) DeviceID() string { return c.deviceID }

func (c *Client) Publish(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrSignalingFailure, err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignalingFailure, err)
	}

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write: %v", ErrSignalingFailure, err)
	}
	return nil
}

func (c *Client) Subscribe(receiverDeviceID string) (<-chan Message, func()) {
	ch := make(chan Message, signalSubscribeBuffer)

	c.mu.Lock()
	if c.subs == nil {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.subs != nil {
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		}
	}
	return ch, cancel
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()

		c.mu.Lock()
		for id, ch := range c.subs {
			delete(c.subs, id)
			close(ch)
		}
		c.subs = nil
		c.mu.Unlock()
	})
	return nil
}

const signalSubscribeBuffer = 64

func (c *Client) readLoop() {
	defer c.Close()
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := ParseMessage(data)
		if err != nil {
			slog.Warn("dropping malformed relay message", "device_id", c.deviceID, "err", err)
			continue
		}

		c.mu.Lock()
		for _, ch := range c.subs {
			select {
			case ch <- msg:
			default:
				slog.Warn("dropping relay message on slow subscriber", "device_id", c.deviceID, "kind", msg.Kind)
			}
		}
		c.mu.Unlock()
	}
}
