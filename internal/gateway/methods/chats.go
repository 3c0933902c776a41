package methods

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/imbridge/internal/gateway"
	"github.com/nextlevelbuilder/imbridge/internal/resolver"
	"github.com/nextlevelbuilder/imbridge/internal/store"
	"github.com/nextlevelbuilder/imbridge/pkg/protocol"
)

// IdentifierExplainer is the part of resolver.Resolver used by resolve_identifier.
type IdentifierExplainer interface {
	Explain(ctx context.Context, raw string) (resolver.Result, error)
}

// ChatsMethods handles chat lookup commands.
type ChatsMethods struct {
	chats   store.ChatSource
	explain IdentifierExplainer
}

func NewChatsMethods(chats store.ChatSource, explain IdentifierExplainer) *ChatsMethods {
	return &ChatsMethods{chats: chats, explain: explain}
}

// Register registers all chat commands.
func (m *ChatsMethods) Register(d *gateway.Dispatcher) {
	d.Register(gateway.Command{Name: protocol.CommandGetChat, RequiresChat: true, Handler: m.handleGet})
	d.Register(gateway.Command{Name: protocol.CommandGetChats, Handler: m.handleList})
	d.Register(gateway.Command{Name: protocol.CommandResolveIdentifier, Handler: m.handleResolve})
}

func (m *ChatsMethods) handleGet(_ context.Context, req *gateway.Request) (interface{}, error) {
	return req.Chat, nil
}

func (m *ChatsMethods) handleList(ctx context.Context, req *gateway.Request) (interface{}, error) {
	var params struct {
		MinTimestamp float64 `json:"min_timestamp"`
	}
	if err := req.Bind(&params); err != nil {
		return nil, err
	}

	var since time.Time
	if params.MinTimestamp > 0 {
		since = unixSeconds(params.MinTimestamp)
	}
	chats, err := m.chats.ListChats(ctx, since)
	if err != nil {
		slog.Error("chats.list_failed", "error", err)
		return nil, protocol.Fail(protocol.ErrInternal, "failed to list chats")
	}
	if chats == nil {
		chats = []store.ResolvedChat{}
	}
	return map[string]interface{}{"chats": chats}, nil
}

func (m *ChatsMethods) handleResolve(ctx context.Context, req *gateway.Request) (interface{}, error) {
	var params struct {
		Identifier string `json:"identifier"`
	}
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	if params.Identifier == "" {
		return nil, protocol.Fail(protocol.ErrInvalidRequest, "identifier is required")
	}

	res, err := m.explain.Explain(ctx, params.Identifier)
	if err != nil {
		slog.Error("chats.resolve_failed", "identifier", params.Identifier, "error", err)
		return nil, protocol.Fail(protocol.ErrInternal, "failed to resolve identifier")
	}
	return res, nil
}
