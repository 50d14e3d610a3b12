// Package cache provides a memory-bounded cache of materialized B+tree
// nodes. Committed pages are immutable until the freelist reclaims them, so
// nodes can be cached by page id and shared between transactions; the db
// drops entries when their page ids are released for reuse.
package cache

import (
	"github.com/dgraph-io/ristretto/v2"

	"github.com/oda/shadowkv/internal/node"
	"github.com/oda/shadowkv/internal/pager"
)

// countersPerEntry sizes ristretto's frequency counters relative to the
// expected entry count, assuming nodes average around a page.
const countersPerEntry = 10

// NodeCache is a ristretto-backed node.Cache.
type NodeCache struct {
	c *ristretto.Cache[uint64, *node.Node]
}

// New builds a cache bounded to roughly maxBytes of node data.
func New(maxBytes int64, pageSize int) (*NodeCache, error) {
	counters := maxBytes / int64(pageSize) * countersPerEntry
	if counters < 1024 {
		counters = 1024
	}
	c, err := ristretto.NewCache(&ristretto.Config[uint64, *node.Node]{
		NumCounters: counters,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &NodeCache{c: c}, nil
}

// Get returns the cached node for a page id. The node is shared and must
// not be mutated.
func (nc *NodeCache) Get(id pager.Pgid) (*node.Node, bool) {
	return nc.c.Get(uint64(id))
}

// Set caches a node with its serialized size as cost. Admission is
// best-effort.
func (nc *NodeCache) Set(id pager.Pgid, n *node.Node, cost int64) {
	nc.c.Set(uint64(id), n, cost)
}

// Del drops the entry for a page id. Called when the freelist releases the
// page for reuse.
func (nc *NodeCache) Del(id pager.Pgid) {
	nc.c.Del(uint64(id))
}

// Close stops the cache's background goroutines.
func (nc *NodeCache) Close() {
	nc.c.Close()
}
