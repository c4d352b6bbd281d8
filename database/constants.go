package database

import "time"

// NotifyChannel is the LISTEN/NOTIFY channel announcing committed segments.
// The payload is "<procedure_id>:<segment_id>".
const NotifyChannel = "segment_inserted"

// Listener reconnect bounds
const (
	ListenerMinReconnect = 1 * time.Second
	ListenerMaxReconnect = 30 * time.Second
	ListenerPingInterval = 90 * time.Second
)

// Query limits
const (
	DefaultLimit = 50
	MaxLimit     = 1000
)
