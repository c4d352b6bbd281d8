package database

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// SegmentEvent announces a committed segment
type SegmentEvent struct {
	ProcedureID int64
	SegmentID   int64
}

// ParseSegmentEvent decodes a NotifyChannel payload
func ParseSegmentEvent(payload string) (SegmentEvent, error) {
	procPart, segPart, ok := strings.Cut(payload, ":")
	if !ok {
		return SegmentEvent{}, fmt.Errorf("malformed segment notification %q", payload)
	}
	procID, err := strconv.ParseInt(procPart, 10, 64)
	if err != nil {
		return SegmentEvent{}, fmt.Errorf("malformed procedure id in %q: %w", payload, err)
	}
	segID, err := strconv.ParseInt(segPart, 10, 64)
	if err != nil {
		return SegmentEvent{}, fmt.Errorf("malformed segment id in %q: %w", payload, err)
	}
	return SegmentEvent{ProcedureID: procID, SegmentID: segID}, nil
}

func formatSegmentEvent(procedureID, segmentID int64) string {
	return fmt.Sprintf("%d:%d", procedureID, segmentID)
}

// Notifier receives segment notifications over a dedicated lib/pq listener connection
type Notifier struct {
	listener *pq.Listener
	events   chan SegmentEvent
	done     chan bool
}

// Listen opens a listener on dsn and subscribes to NotifyChannel
func Listen(dsn string) (*Notifier, error) {
	listener := pq.NewListener(dsn, ListenerMinReconnect, ListenerMaxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			log.Printf("⚠️  Segment listener disconnected: %v", err)
		case pq.ListenerEventReconnected:
			log.Println("🔄 Segment listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			log.Printf("⚠️  Segment listener connection attempt failed: %v", err)
		}
	})

	if err := listener.Listen(NotifyChannel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}
	log.Printf("✅ Listening for %s notifications", NotifyChannel)

	n := &Notifier{
		listener: listener,
		events:   make(chan SegmentEvent, 64),
		done:     make(chan bool),
	}
	go n.run()
	return n, nil
}

// Events delivers parsed notifications. Events are dropped when the reader falls behind.
func (n *Notifier) Events() <-chan SegmentEvent {
	return n.events
}

func (n *Notifier) run() {
	ping := time.NewTicker(ListenerPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-n.done:
			return
		case notification := <-n.listener.Notify:
			// nil after a reconnect; notifications may have been missed
			if notification == nil {
				n.push(SegmentEvent{})
				continue
			}
			ev, err := ParseSegmentEvent(notification.Extra)
			if err != nil {
				log.Printf("⚠️  %v", err)
				continue
			}
			n.push(ev)
		case <-ping.C:
			if err := n.listener.Ping(); err != nil {
				log.Printf("⚠️  Segment listener ping failed: %v", err)
			}
		}
	}
}

func (n *Notifier) push(ev SegmentEvent) {
	select {
	case n.events <- ev:
	default:
	}
}

// Close stops the listener
func (n *Notifier) Close() error {
	close(n.done)
	log.Println("📡 Closing segment listener...")
	return n.listener.Close()
}
