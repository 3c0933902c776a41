package loader

import (
	"github.com/nextlevelbuilder/imbridge/internal/chatid"
	"github.com/nextlevelbuilder/imbridge/internal/store"
)

type graphChat struct {
	id      string
	service chatid.Service
	guids   []string
}

// graph is the ingestion graph of one load: chats in first-encounter order,
// each with its GUIDs in encounter order. Built per call and discarded.
type graph struct {
	chats []*graphChat
	byID  map[string]*graphChat
	owner map[string]*graphChat // guid -> chat
}

func newGraph() *graph {
	return &graph{
		byID:  make(map[string]*graphChat),
		owner: make(map[string]*graphChat),
	}
}

func (g *graph) add(chatID string, service chatid.Service, guid string) {
	if guid == "" {
		return
	}
	if _, seen := g.owner[guid]; seen {
		return
	}
	c, ok := g.byID[chatID]
	if !ok {
		c = &graphChat{id: chatID, service: service}
		g.byID[chatID] = c
		g.chats = append(g.chats, c)
	}
	c.guids = append(c.guids, guid)
	g.owner[guid] = c
}

func (g *graph) empty() bool { return len(g.owner) == 0 }

// keys is the union of all GUIDs, chat by chat.
func (g *graph) keys() []string {
	out := make([]string, 0, len(g.owner))
	for _, c := range g.chats {
		out = append(out, c.guids...)
	}
	return out
}

type subset struct {
	chat    *graphChat
	records []store.RawRecord
}

// subsets splits fetched records back into per-chat batches following graph
// order. Only keys are considered. A record the store attributes to a chat
// other than the graph's is ingested under its own chat: the load is shared
// through the cache, and other callers may be waiting on that chat's item.
func (g *graph) subsets(keys []string, records map[string]store.RawRecord) []subset {
	wanted := make(map[string]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}

	out := make([]subset, 0, len(g.chats))
	var (
		foreign []subset
		byChat  = make(map[string]int)
	)
	for _, c := range g.chats {
		sub := subset{chat: c}
		for _, guid := range c.guids {
			if !wanted[guid] {
				continue
			}
			rec, ok := records[guid]
			if !ok {
				continue
			}
			if rec.ChatID != "" && rec.ChatID != c.id {
				i, seen := byChat[rec.ChatID]
				if !seen {
					i = len(foreign)
					byChat[rec.ChatID] = i
					foreign = append(foreign, subset{chat: &graphChat{
						id:      rec.ChatID,
						service: chatid.ParseService(rec.Service),
					}})
				}
				foreign[i].records = append(foreign[i].records, rec)
				continue
			}
			sub.records = append(sub.records, rec)
		}
		out = append(out, sub)
	}
	return append(out, foreign...)
}

// regroup orders items chat by chat, and by GUID order within a chat. Items
// not owned by a graph chat are dropped.
func (g *graph) regroup(items []store.Item) []store.Item {
	byGUID := make(map[string]store.Item, len(items))
	for _, it := range items {
		if c, ok := g.owner[it.GUID]; ok && c.id == it.ChatID {
			byGUID[it.GUID] = it
		}
	}

	out := make([]store.Item, 0, len(byGUID))
	for _, c := range g.chats {
		for _, guid := range c.guids {
			if it, ok := byGUID[guid]; ok {
				out = append(out, it)
			}
		}
	}
	return out
}
