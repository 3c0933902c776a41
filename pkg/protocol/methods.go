package protocol

// Command names accepted from the bridging service.
const (
	// Session
	CommandConnect = "connect"
	CommandPing    = "ping"

	// Message queries
	CommandGetMessagesAfter  = "get_messages_after"
	CommandGetMessagesBefore = "get_messages_before"
	CommandGetRecentMessages = "get_recent_messages"
	CommandGetMessagesByGUID = "get_messages_by_guid"

	// Chats
	CommandGetChat           = "get_chat"
	CommandGetChats          = "get_chats"
	CommandResolveIdentifier = "resolve_identifier"

	// Side effects
	CommandSendTyping = "send_typing"
)

// Terminal frame command names written back to the bridging service.
const (
	CommandResponse = "response"
	CommandError    = "error"
)
