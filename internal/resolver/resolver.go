// Package resolver turns composite chat identifiers into live chats.
package resolver

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/imbridge/internal/chatid"
	"github.com/nextlevelbuilder/imbridge/internal/store"
)

// Resolver is safe for concurrent use.
type Resolver struct {
	repo  store.ChatRepository
	group singleflight.Group
}

func New(repo store.ChatRepository) *Resolver {
	return &Resolver{repo: repo}
}

// Result describes how an identifier was interpreted.
type Result struct {
	Identifier chatid.Identifier   `json:"identifier"`
	Kind       string              `json:"kind"`
	Chat       *store.ResolvedChat `json:"chat,omitempty"`
	Existing   bool                `json:"existing"`
}

// Resolve returns the chat named by raw. A miss (unknown chat whose local part
// is not a phone, email or business handle) returns false with a nil error;
// only repository failures are errors.
func (r *Resolver) Resolve(ctx context.Context, raw string) (*store.ResolvedChat, bool, error) {
	res, err := r.Explain(ctx, raw)
	if err != nil || res.Chat == nil {
		return nil, false, err
	}
	return res.Chat, true, nil
}

// Explain is Resolve with the intermediate parse and classification exposed.
func (r *Resolver) Explain(ctx context.Context, raw string) (Result, error) {
	if raw == "" {
		return Result{Kind: chatid.KindUnknown.String()}, nil
	}

	chat, err := r.repo.ChatByGUID(ctx, raw)
	if err != nil {
		return Result{}, fmt.Errorf("lookup chat %s: %w", raw, err)
	}
	id, parsed := chatid.Parse(raw)
	if chat != nil {
		return Result{Identifier: id, Kind: chatid.Classify(id.LocalPart).String(), Chat: chat, Existing: true}, nil
	}

	if !parsed {
		slog.Debug("resolver.unparsable", "chat_guid", raw)
		return Result{Kind: chatid.KindUnknown.String()}, nil
	}

	kind := chatid.Classify(id.LocalPart)
	res := Result{Identifier: id, Kind: kind.String()}
	if !kind.Resolvable() {
		return res, nil
	}

	// Concurrent first resolutions of one handle share a single construction.
	key := chatid.DirectGUID(id.Service, id.LocalPart)
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.repo.DirectMessageChat(ctx, id.LocalPart, id.Service)
	})
	if err != nil {
		return Result{}, fmt.Errorf("direct chat %s: %w", key, err)
	}
	if dm, _ := v.(*store.ResolvedChat); dm != nil {
		c := *dm
		res.Chat = &c
	}
	return res, nil
}
