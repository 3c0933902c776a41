package methods

import (
	"context"

	"github.com/nextlevelbuilder/imbridge/internal/gateway"
	"github.com/nextlevelbuilder/imbridge/internal/store"
	"github.com/nextlevelbuilder/imbridge/pkg/protocol"
)

// TypingMethods handles send_typing.
type TypingMethods struct {
	sender store.TypingSender
}

func NewTypingMethods(sender store.TypingSender) *TypingMethods {
	return &TypingMethods{sender: sender}
}

func (m *TypingMethods) Register(d *gateway.Dispatcher) {
	d.Register(gateway.Command{Name: protocol.CommandSendTyping, RequiresChat: true, Handler: m.handleSendTyping})
}

func (m *TypingMethods) handleSendTyping(ctx context.Context, req *gateway.Request) (interface{}, error) {
	var params struct {
		Typing *bool `json:"typing"`
	}
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	typing := params.Typing == nil || *params.Typing

	if err := m.sender.SetTyping(ctx, req.Chat.GUID, typing); err != nil {
		return nil, err
	}
	return map[string]interface{}{"typing": typing}, nil
}
