package bus

// Event represents a server-side event to broadcast to connected clients.
type Event struct {
	Name    string      `json:"name"` // protocol.Event* constants
	Payload interface{} `json:"payload,omitempty"`
}

// Cache invalidation kind constants.
const (
	CacheKindItems = "items" // keys are message GUIDs
	CacheKindChats = "chats" // keys are chat GUIDs
)

// CacheInvalidatePayload signals cache layers to evict stale entries.
// Used with protocol.EventCacheInvalidate events.
type CacheInvalidatePayload struct {
	Kind string   `json:"kind"` // CacheKind* constants
	Keys []string `json:"keys"` // empty = invalidate all
}

// MessagePayload announces items that appeared in the native store.
// Used with protocol.EventMessage events.
type MessagePayload struct {
	ChatID string   `json:"chat_id"`
	GUIDs  []string `json:"guids"`
}

// TypingPayload is carried by protocol.EventTyping events.
type TypingPayload struct {
	ChatGUID   string `json:"chat_guid"`
	TypingGUID string `json:"typing_guid,omitempty"`
	Typing     bool   `json:"typing"`
}

// StatusPayload is carried by protocol.EventBridgeStatus events.
type StatusPayload struct {
	State string `json:"state"` // protocol.BridgeStatus* constants
	Error string `json:"error,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server and the store watcher to decouple from concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
