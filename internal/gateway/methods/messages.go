package methods

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nextlevelbuilder/imbridge/internal/gateway"
	"github.com/nextlevelbuilder/imbridge/internal/loader"
	"github.com/nextlevelbuilder/imbridge/internal/store"
	"github.com/nextlevelbuilder/imbridge/pkg/protocol"
)

// ItemLoader is the part of loader.Loader the message commands use.
type ItemLoader interface {
	LoadChat(ctx context.Context, chat loader.ChatRef, q store.Query) ([]store.Item, error)
	LoadGUIDs(ctx context.Context, chat loader.ChatRef, guids []string) ([]store.Item, error)
}

// MessagesMethods handles the message query commands.
type MessagesMethods struct {
	loader ItemLoader
}

func NewMessagesMethods(l ItemLoader) *MessagesMethods {
	return &MessagesMethods{loader: l}
}

// Register registers all message query commands.
func (m *MessagesMethods) Register(d *gateway.Dispatcher) {
	d.Register(gateway.Command{Name: protocol.CommandGetMessagesAfter, RequiresChat: true, Handler: m.handleAfter})
	d.Register(gateway.Command{Name: protocol.CommandGetMessagesBefore, RequiresChat: true, Handler: m.handleBefore})
	d.Register(gateway.Command{Name: protocol.CommandGetRecentMessages, RequiresChat: true, Handler: m.handleRecent})
	d.Register(gateway.Command{Name: protocol.CommandGetMessagesByGUID, RequiresChat: true, Handler: m.handleByGUID})
}

func (m *MessagesMethods) handleAfter(ctx context.Context, req *gateway.Request) (interface{}, error) {
	var params struct {
		Timestamp float64 `json:"timestamp"`
		Limit     *int    `json:"limit"`
	}
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	limit, err := clampLimit(params.Limit, maxLimit)
	if err != nil {
		return nil, err
	}

	after := unixSeconds(params.Timestamp)
	if !req.Chat.HasMessagesAfter(after) {
		slog.Debug("messages.after_skipped", "chat", req.Chat.ID,
			"last_message", req.Chat.LastMessageAt, "after", after)
		return messages(nil), nil
	}

	items, err := m.loader.LoadChat(ctx, loader.RefOf(req.Chat), store.Query{AfterDate: after, Limit: limit})
	if err != nil {
		return nil, loadFailure(req, err)
	}
	return messages(items), nil
}

func (m *MessagesMethods) handleBefore(ctx context.Context, req *gateway.Request) (interface{}, error) {
	var params struct {
		Timestamp  float64 `json:"timestamp"`
		BeforeGUID string  `json:"before_guid"`
		Limit      *int    `json:"limit"`
	}
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	if params.Timestamp == 0 && params.BeforeGUID == "" {
		return nil, protocol.Fail(protocol.ErrInvalidRequest, "timestamp or before_guid is required")
	}
	limit, err := clampLimit(params.Limit, defaultRecentLimit)
	if err != nil {
		return nil, err
	}

	q := store.Query{BeforeGUID: params.BeforeGUID, Limit: limit}
	if params.Timestamp != 0 {
		q.BeforeDate = unixSeconds(params.Timestamp)
	}
	items, err := m.loader.LoadChat(ctx, loader.RefOf(req.Chat), q)
	if err != nil {
		return nil, loadFailure(req, err)
	}
	return messages(items), nil
}

func (m *MessagesMethods) handleRecent(ctx context.Context, req *gateway.Request) (interface{}, error) {
	var params struct {
		Limit *int `json:"limit"`
	}
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	limit, err := clampLimit(params.Limit, defaultRecentLimit)
	if err != nil {
		return nil, err
	}

	items, err := m.loader.LoadChat(ctx, loader.RefOf(req.Chat), store.Query{Limit: limit})
	if err != nil {
		return nil, loadFailure(req, err)
	}
	return messages(items), nil
}

func (m *MessagesMethods) handleByGUID(ctx context.Context, req *gateway.Request) (interface{}, error) {
	var params struct {
		GUIDs []string `json:"guids"`
	}
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	if len(params.GUIDs) == 0 {
		return nil, protocol.Fail(protocol.ErrInvalidRequest, "guids is required")
	}
	if len(params.GUIDs) > maxLimit {
		return nil, protocol.Fail(protocol.ErrInvalidRequest, "at most %d guids per request", maxLimit)
	}

	items, err := m.loader.LoadGUIDs(ctx, loader.RefOf(req.Chat), params.GUIDs)
	if err != nil {
		return nil, loadFailure(req, err)
	}
	return messages(items), nil
}

// loadFailure hides store internals from the caller.
func loadFailure(req *gateway.Request, err error) error {
	if errors.Is(err, store.ErrUnknownGUID) {
		return protocol.Fail(protocol.ErrInvalidRequest, "%v", err)
	}
	if errors.Is(err, loader.ErrStoreQueryFailed) {
		slog.Error("messages.store_query_failed", "command", req.Frame.Command, "chat", req.Chat.ID, "error", err)
		return protocol.Fail(protocol.ErrInternal, "store query failed")
	}
	return err
}
