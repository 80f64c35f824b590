package sm

import "github.com/google/uuid"

// DupCache remembers the responses to recently handled requests so that
// a retried request produces the identical response instead of being
// handled twice. Bounded FIFO eviction.
type DupCache struct {
	limit int
	order []uuid.UUID
	resps map[uuid.UUID]*Msg
}

func NewDupCache(limit int) *DupCache {
	if limit <= 0 {
		limit = 128
	}
	return &DupCache{
		limit: limit,
		resps: make(map[uuid.UUID]*Msg, limit),
	}
}

// Lookup returns the recorded response for token, if any.
func (c *DupCache) Lookup(token uuid.UUID) (*Msg, bool) {
	m, ok := c.resps[token]
	return m, ok
}

// Record stores the response sent for token.
func (c *DupCache) Record(token uuid.UUID, resp *Msg) {
	if _, ok := c.resps[token]; ok {
		c.resps[token] = resp
		return
	}
	if len(c.order) >= c.limit {
		evict := c.order[0]
		c.order = c.order[1:]
		delete(c.resps, evict)
	}
	c.order = append(c.order, token)
	c.resps[token] = resp
}
