package protocol

import "strings"

// Event names pushed from the bridge to connected clients.
const (
	EventMessage      = "message"
	EventTyping       = "typing"
	EventBridgeStatus = "bridge_status"

	// Cache invalidation events (internal, not forwarded to clients).
	EventCacheInvalidate = "cache.invalidate"
)

// IsInternalEvent reports whether name stays inside the process. Transports
// and the relay do not forward internal events.
func IsInternalEvent(name string) bool {
	return strings.HasPrefix(name, "cache.")
}

// Bridge status values carried in EventBridgeStatus payloads.
const (
	BridgeStatusConnected    = "connected"
	BridgeStatusDisconnected = "disconnected"
	BridgeStatusStoreError   = "store_error"
)
