package console

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Client drives the /console channel of a running instance.
type Client struct {
	conn *websocket.Conn

	// OnLog receives pushed console_log frames while waiting for replies.
	OnLog func(level, message string)
}

// Dial connects to the console channel at host:port.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/console"}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to reach console at %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close shuts the console connection down.
func (c *Client) Close() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = c.conn.Close()
}

// Send writes one command without waiting for a reply.
func (c *Client) Send(command string, args ...string) error {
	f := Frame{Type: TypeCommand, Command: command, Args: args, Timestamp: time.Now().UnixMilli()}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Run sends a command and waits for its reply, surfacing pushed log lines
// through OnLog in the meantime.
func (c *Client) Run(command string, args ...string) (Frame, error) {
	if err := c.Send(command, args...); err != nil {
		return Frame{}, err
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return Frame{}, fmt.Errorf("console read failed: %w", err)
		}
		f, err := DecodeFrame(data)
		if err != nil {
			return Frame{}, err
		}
		if f.Type == TypeLog {
			if c.OnLog != nil {
				c.OnLog(f.Level, f.Message)
			}
			continue
		}
		return f, nil
	}
}

// Next blocks for the next pushed frame. Used by the interactive console.
func (c *Client) Next() (Frame, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	return DecodeFrame(data)
}
