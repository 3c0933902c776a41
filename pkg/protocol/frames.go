// Package protocol defines the wire frames exchanged between the bridge and
// the bridging service.
//
// Every frame is a JSON object with a command name, an optional numeric
// request id and a command-specific data object:
//
//	{"command":"get_recent_messages","id":7,"data":{"chat_guid":"iMessage;-;+15555550123","limit":2}}
//	{"command":"response","id":7,"data":{"messages":[...]}}
//	{"command":"error","id":7,"data":{"code":"chat_not_found","message":"unknown chat"}}
package protocol

import (
	"encoding/json"
	"strconv"
)

// ProtocolVersion is reported by /health and the version command.
const ProtocolVersion = 3

// RequestFrame is a decoded inbound command.
type RequestFrame struct {
	Command string          `json:"command"`
	ID      *int64          `json:"id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// RequestID renders the frame id for logs and span attributes ("-" when absent).
func (r *RequestFrame) RequestID() string {
	if r == nil || r.ID == nil {
		return "-"
	}
	return strconv.FormatInt(*r.ID, 10)
}

// ResponseFrame is the single terminal reply to a RequestFrame.
type ResponseFrame struct {
	Command string      `json:"command"`
	ID      *int64      `json:"id,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// OK reports whether the frame is a success response.
func (r *ResponseFrame) OK() bool { return r.Command == CommandResponse }

// EventFrame is an unsolicited server push.
type EventFrame struct {
	Command string      `json:"command"`
	Data    interface{} `json:"data,omitempty"`
}

// NewOKResponse builds a success response correlated to id.
func NewOKResponse(id *int64, data interface{}) *ResponseFrame {
	return &ResponseFrame{Command: CommandResponse, ID: id, Data: data}
}

// NewErrorResponse builds a failure response correlated to id.
func NewErrorResponse(id *int64, strategy Strategy, message string) *ResponseFrame {
	return &ResponseFrame{
		Command: CommandError,
		ID:      id,
		Data:    &ErrorData{Code: strategy, Message: message},
	}
}

// NewEvent builds an event frame.
func NewEvent(name string, data interface{}) *EventFrame {
	return &EventFrame{Command: name, Data: data}
}

// Int64 returns a pointer to v, for building frames in tests and clients.
func Int64(v int64) *int64 { return &v }
