// Package websocket connects to the acquisition device gateway.
//
// Binary messages start with a kind byte. Sample frames are protobuf wire
// encoded, control messages are msgpack.
package websocket

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one websocket connection to the gateway
type Client struct {
	url        string
	conn       *websocket.Conn
	header     http.Header
	writeMu    sync.Mutex
	pingCancel context.CancelFunc
}

// NewClient creates a client for url. clientName is sent as the User-Agent.
func NewClient(url, clientName string) *Client {
	header := make(http.Header)
	header.Set("User-Agent", clientName)

	return &Client{
		url:    url,
		header: header,
	}
}

// Connect establishes the websocket connection
func (c *Client) Connect() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.Dial(c.url, c.header)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}

	c.conn = conn
	log.Printf("✅ Connected to %s", c.url)
	return nil
}

// StartPing sends websocket pings at interval until Close
func (c *Client) StartPing(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	c.pingCancel = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.writeMu.Lock()
				err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				c.writeMu.Unlock()
				if err != nil {
					log.Println("Failed to send ping:", err)
					return
				}
			}
		}
	}()
}

// WriteBinaryMessage sends a binary message thread-safely
func (c *Client) WriteBinaryMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("connection is nil")
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// SendControl encodes and sends a control message
func (c *Client) SendControl(msg Control) error {
	data, err := EncodeControl(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal control: %w", err)
	}
	return c.WriteBinaryMessage(data)
}

// ReadFrame reads one binary message and splits off its kind byte
func (c *Client) ReadFrame() (byte, []byte, error) {
	if c.conn == nil {
		return 0, nil, fmt.Errorf("connection is nil")
	}
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		return 0, nil, err
	}
	if mt != websocket.BinaryMessage || len(data) == 0 {
		return 0, nil, fmt.Errorf("%w: empty or text message", ErrBadFrame)
	}
	return data[0], data[1:], nil
}

// Close closes the connection
func (c *Client) Close() error {
	if c.pingCancel != nil {
		c.pingCancel()
	}

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
