package methods

import (
	"math"
	"sort"
	"time"

	"github.com/nextlevelbuilder/imbridge/internal/store"
	"github.com/nextlevelbuilder/imbridge/pkg/protocol"
)

const (
	defaultRecentLimit = 50
	maxLimit           = 1000
)

// unixSeconds converts a fractional unix timestamp to time.Time.
func unixSeconds(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// clampLimit applies the default for a missing limit and rejects nonsense.
func clampLimit(limit *int, fallback int) (int, error) {
	if limit == nil {
		return fallback, nil
	}
	switch {
	case *limit < 0:
		return 0, protocol.Fail(protocol.ErrInvalidRequest, "limit must not be negative")
	case *limit == 0 || *limit > maxLimit:
		return maxLimit, nil
	}
	return *limit, nil
}

// newestFirst orders items by time, newest first. Ties keep GUID order so
// responses are deterministic.
func newestFirst(items []store.Item) []store.Item {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].Time.Equal(items[j].Time) {
			return items[i].Time.After(items[j].Time)
		}
		return items[i].GUID > items[j].GUID
	})
	return items
}

// MessagesResult is the data of every message query response.
type MessagesResult struct {
	Messages []store.Item `json:"messages"`
}

func messages(items []store.Item) MessagesResult {
	if items == nil {
		items = []store.Item{}
	}
	return MessagesResult{Messages: newestFirst(items)}
}
