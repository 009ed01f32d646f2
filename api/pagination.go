package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/jmcleod/secsync/protocol"
)

const (
	defaultChainPageSize = 100
	maxChainPageSize     = 200
)

// errUnknownCursor is returned when "after" names a snapshot that is not
// part of the chain.
var errUnknownCursor = errors.New("unknown snapshot cursor")

// PaginationMeta describes where a page sits inside the full chain.
type PaginationMeta struct {
	TotalCount int    `json:"total_count"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
	HasMore    bool   `json:"has_more"`
	NextAfter  string `json:"next_after,omitempty"`
}

// chainPage is a parsed page request. After, when set, wins over Offset.
type chainPage struct {
	Limit  int
	Offset int
	After  string
}

// parseChainPage reads "limit", "offset" and "after" from the query.
// Unparseable or non-positive numbers fall back to the defaults.
func parseChainPage(r *http.Request) chainPage {
	q := r.URL.Query()
	p := chainPage{
		Limit:  positiveInt(q.Get("limit"), defaultChainPageSize),
		Offset: positiveInt(q.Get("offset"), 0),
		After:  q.Get("after"),
	}
	if p.Limit > maxChainPageSize {
		p.Limit = maxChainPageSize
	}
	return p
}

func positiveInt(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// slice cuts one page out of chain. The returned meta carries the id to
// pass as "after" for the next page.
func (p chainPage) slice(chain []protocol.SnapshotProofChainEntry) ([]protocol.SnapshotProofChainEntry, PaginationMeta, error) {
	start := p.Offset
	if p.After != "" {
		start = -1
		for i, entry := range chain {
			if entry.SnapshotID == p.After {
				start = i + 1
				break
			}
		}
		if start < 0 {
			return nil, PaginationMeta{}, errUnknownCursor
		}
	}
	start = min(start, len(chain))
	end := min(start+p.Limit, len(chain))

	meta := PaginationMeta{
		TotalCount: len(chain),
		Limit:      p.Limit,
		Offset:     start,
		HasMore:    end < len(chain),
	}
	if meta.HasMore && end > 0 {
		meta.NextAfter = chain[end-1].SnapshotID
	}
	return chain[start:end], meta, nil
}
