package websocket

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Reconnect backoff bounds
const (
	MinBackoff = 5 * time.Second
	MaxBackoff = 60 * time.Second
)

// ErrNotConnected is returned by Request while no connection is up
var ErrNotConnected = errors.New("gateway not connected")

// SampleHandler receives every decoded sample frame
type SampleHandler func(SampleFrame)

// ConnectionManager owns the gateway connection: it reads frames, matches
// control responses to requests, and reconnects with backoff.
type ConnectionManager struct {
	url        string
	clientName string
	onSamples  SampleHandler
	onStatus   func(Control)

	mu          sync.Mutex
	client      *Client
	connected   bool
	lastMsgTime time.Time
	pending     map[uint64]chan Control

	nextID atomic.Uint64
}

// NewConnectionManager creates a manager. onSamples and onStatus run on the reader goroutine.
func NewConnectionManager(url, clientName string, onSamples SampleHandler, onStatus func(Control)) *ConnectionManager {
	return &ConnectionManager{
		url:         url,
		clientName:  clientName,
		onSamples:   onSamples,
		onStatus:    onStatus,
		lastMsgTime: time.Now(),
		pending:     make(map[uint64]chan Control),
	}
}

// Connect dials the gateway once
func (cm *ConnectionManager) Connect() error {
	client := NewClient(cm.url, cm.clientName)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("gateway connection failed: %w", err)
	}
	client.StartPing(25 * time.Second)

	cm.mu.Lock()
	cm.client = client
	cm.connected = true
	cm.lastMsgTime = time.Now()
	cm.mu.Unlock()
	return nil
}

// Connected reports whether a connection is up
func (cm *ConnectionManager) Connected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.connected
}

// Run reads frames until ctx is done, reconnecting with backoff after failures
func (cm *ConnectionManager) Run(ctx context.Context) {
	backoff := MinBackoff
	for {
		if !cm.Connected() {
			if err := cm.Connect(); err != nil {
				log.Printf("❌ %v, retrying in %v", err, backoff)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > MaxBackoff {
					backoff = MaxBackoff
				}
				continue
			}
			backoff = MinBackoff
		}

		err := cm.readLoop(ctx)
		cm.disconnect()
		if ctx.Err() != nil {
			return
		}
		log.Printf("⚠️  Gateway connection lost: %v", err)
	}
}

func (cm *ConnectionManager) readLoop(ctx context.Context) error {
	cm.mu.Lock()
	client := cm.client
	cm.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	for {
		kind, body, err := client.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrBadFrame) {
				continue
			}
			return err
		}
		cm.mu.Lock()
		cm.lastMsgTime = time.Now()
		cm.mu.Unlock()

		switch kind {
		case KindSamples:
			frame, err := DecodeSampleFrame(body)
			if err != nil {
				log.Printf("⚠️  Dropping sample frame: %v", err)
				continue
			}
			if cm.onSamples != nil {
				cm.onSamples(frame)
			}
		case KindControl:
			msg, err := DecodeControl(body)
			if err != nil {
				log.Printf("⚠️  Dropping control frame: %v", err)
				continue
			}
			cm.route(msg)
		}
	}
}

func (cm *ConnectionManager) route(msg Control) {
	if msg.ID != 0 {
		cm.mu.Lock()
		ch, ok := cm.pending[msg.ID]
		delete(cm.pending, msg.ID)
		cm.mu.Unlock()
		if ok {
			ch <- msg
			return
		}
	}
	if cm.onStatus != nil {
		cm.onStatus(msg)
	}
}

func (cm *ConnectionManager) disconnect() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.client != nil {
		_ = cm.client.Close()
	}
	cm.connected = false
	for id, ch := range cm.pending {
		close(ch)
		delete(cm.pending, id)
	}
}

// Request sends a control message and waits for the matching response
func (cm *ConnectionManager) Request(ctx context.Context, msg Control) (Control, error) {
	msg.ID = cm.nextID.Add(1)
	reply := make(chan Control, 1)

	cm.mu.Lock()
	if !cm.connected {
		cm.mu.Unlock()
		return Control{}, ErrNotConnected
	}
	client := cm.client
	cm.pending[msg.ID] = reply
	cm.mu.Unlock()

	if err := client.SendControl(msg); err != nil {
		cm.mu.Lock()
		delete(cm.pending, msg.ID)
		cm.mu.Unlock()
		return Control{}, err
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return Control{}, ErrNotConnected
		}
		if resp.Error != "" {
			return resp, fmt.Errorf("gateway %s: %s", msg.Op, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		cm.mu.Lock()
		delete(cm.pending, msg.ID)
		cm.mu.Unlock()
		return Control{}, ctx.Err()
	}
}

// RunHealthMonitor forces a reconnect when the gateway has been silent for too long
func (cm *ConnectionManager) RunHealthMonitor(ctx context.Context, silence time.Duration) {
	ticker := time.NewTicker(silence / 2)
	defer ticker.Stop()

	log.Println("💓 Gateway health monitoring started")

	for {
		select {
		case <-ctx.Done():
			log.Println("🛑 Gateway health monitoring stopped")
			return
		case <-ticker.C:
			cm.mu.Lock()
			since := time.Since(cm.lastMsgTime)
			client := cm.client
			connected := cm.connected
			cm.mu.Unlock()

			if connected && since > silence {
				log.Printf("⚠️  No gateway message for %v, reconnecting...", since.Round(time.Second))
				// Closing the socket ends the read loop and Run reconnects
				_ = client.Close()
			}
		}
	}
}

// Close drops the connection
func (cm *ConnectionManager) Close() error {
	cm.disconnect()
	return nil
}
