package node

import (
	"github.com/oda/shadowkv/internal/pager"
)

// PageSource resolves page ids to pages. A transaction's pager implements
// it: shadow pages first, then the mapping.
type PageSource interface {
	Page(id pager.Pgid) (*pager.Page, error)
}

// Allocator hands out shadow pages and accepts freed ones. Implemented by
// the write transaction's pager.
type Allocator interface {
	Allocate(count int) (*pager.Page, error)
	Free(id pager.Pgid, span int)
}

// Cache holds materialized nodes of committed, immutable pages. Cached
// nodes are shared between transactions and must never be mutated.
type Cache interface {
	Get(id pager.Pgid) (*Node, bool)
	Set(id pager.Pgid, n *Node, cost int64)
}

// Tree is one bucket's B+tree within a transaction: a root pgid plus an
// arena of dirty nodes keyed by the page id they were materialized from.
// Parent/child links are pgids, never pointers.
type Tree struct {
	root     pager.Pgid
	src      PageSource
	cache    Cache // may be nil
	populate bool  // read txs fill the cache; write txs only consult it
	pageSize int

	nodes map[pager.Pgid]*Node
	dirty bool
}

// NewTree opens a bucket tree rooted at root.
func NewTree(root pager.Pgid, src PageSource, cache Cache, populate bool, pageSize int) *Tree {
	return &Tree{
		root:     root,
		src:      src,
		cache:    cache,
		populate: populate,
		pageSize: pageSize,
		nodes:    make(map[pager.Pgid]*Node),
	}
}

// Root returns the current root pgid.
func (t *Tree) Root() pager.Pgid {
	return t.root
}

// Dirty reports whether the tree holds uncommitted edits.
func (t *Tree) Dirty() bool {
	return t.dirty
}

// view returns a read-only node for id: the dirty arena first, then the
// cache, then the page itself.
func (t *Tree) view(id pager.Pgid) (*Node, error) {
	if n, ok := t.nodes[id]; ok {
		return n, nil
	}
	if t.cache != nil {
		if n, ok := t.cache.Get(id); ok {
			return n, nil
		}
	}
	p, err := t.src.Page(id)
	if err != nil {
		return nil, err
	}
	n := &Node{}
	if err := n.read(p); err != nil {
		return nil, err
	}
	if t.cache != nil && t.populate {
		t.cache.Set(id, n, int64(n.size()))
	}
	return n, nil
}

// mutable returns a privately owned node for id, materializing and cloning
// into the dirty arena on first touch.
func (t *Tree) mutable(id pager.Pgid) (*Node, error) {
	if n, ok := t.nodes[id]; ok {
		return n, nil
	}
	base, err := t.view(id)
	if err != nil {
		return nil, err
	}
	n := base.clone()
	t.nodes[id] = n
	t.dirty = true
	return n, nil
}

// Get returns the value stored at key, or (nil, false) if absent.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	n, err := t.view(t.root)
	if err != nil {
		return nil, false, err
	}
	for !n.isLeaf {
		idx := n.childIndex(key)
		if len(n.entries) == 0 {
			return nil, false, nil
		}
		n, err = t.view(n.entries[idx].child)
		if err != nil {
			return nil, false, err
		}
	}
	idx, found := n.leafIndex(key)
	if !found {
		return nil, false, nil
	}
	return n.entries[idx].value, true, nil
}

// Put inserts or replaces key with value. Rebalancing is deferred to Spill.
func (t *Tree) Put(key, value []byte) error {
	n, err := t.mutable(t.root)
	if err != nil {
		return err
	}
	for !n.isLeaf {
		idx := n.childIndex(key)
		n, err = t.mutable(n.entries[idx].child)
		if err != nil {
			return err
		}
	}
	n.put(key, value)
	t.dirty = true
	return nil
}

// Delete removes key. It reports whether the key existed. Only a found key
// dirties the path.
func (t *Tree) Delete(key []byte) (bool, error) {
	// Probe read-only first so a miss leaves the tree clean.
	n, err := t.view(t.root)
	if err != nil {
		return false, err
	}
	for !n.isLeaf {
		if len(n.entries) == 0 {
			return false, nil
		}
		n, err = t.view(n.entries[n.childIndex(key)].child)
		if err != nil {
			return false, err
		}
	}
	if _, found := n.leafIndex(key); !found {
		return false, nil
	}

	m, err := t.mutable(t.root)
	if err != nil {
		return false, err
	}
	for !m.isLeaf {
		m, err = t.mutable(m.entries[m.childIndex(key)].child)
		if err != nil {
			return false, err
		}
	}
	m.del(key)
	t.dirty = true
	return true, nil
}

// childRef names a spilled node: its first key and its new page id.
type childRef struct {
	key  []byte
	pgid pager.Pgid
}

// Spill rebalances the dirty subtrees, splits oversized nodes, writes every
// dirty node into a freshly allocated shadow page, and returns the new root
// pgid. Old pages are freed under the committing txid via the allocator.
func (t *Tree) Spill(alloc Allocator) (pager.Pgid, error) {
	if !t.dirty {
		return t.root, nil
	}

	if err := t.rebalance(alloc); err != nil {
		return 0, err
	}

	root, ok := t.nodes[t.root]
	if !ok {
		// The root collapsed onto a clean child; nothing left to write.
		t.reset()
		return t.root, nil
	}

	refs, err := t.spillNode(root, alloc)
	if err != nil {
		return 0, err
	}

	// The root split: stack new root branches until a single node remains.
	for len(refs) > 1 {
		parent := &Node{isLeaf: false}
		for _, r := range refs {
			parent.entries = append(parent.entries, entry{key: r.key, child: r.pgid})
		}
		refs, err = t.spillNode(parent, alloc)
		if err != nil {
			return 0, err
		}
	}

	t.root = refs[0].pgid
	t.reset()
	return t.root, nil
}

// reset drops the arena after a spill.
func (t *Tree) reset() {
	t.nodes = make(map[pager.Pgid]*Node)
	t.dirty = false
}

// spillNode spills n's dirty children, splits n as needed, and writes the
// resulting sibling group. It returns one ref per written sibling.
func (t *Tree) spillNode(n *Node, alloc Allocator) ([]childRef, error) {
	if !n.isLeaf {
		// Children first: their new pgids replace the old links.
		newEntries := make([]entry, 0, len(n.entries))
		for _, e := range n.entries {
			child, ok := t.nodes[e.child]
			if !ok || child.spilled {
				newEntries = append(newEntries, e)
				continue
			}
			refs, err := t.spillNode(child, alloc)
			if err != nil {
				return nil, err
			}
			for _, r := range refs {
				newEntries = append(newEntries, entry{key: r.key, child: r.pgid})
			}
		}
		n.entries = newEntries
	}

	// The node's old page is replaced wholesale.
	if n.span > 0 {
		alloc.Free(n.pgid, n.span)
		n.span = 0
	}

	siblings := t.split(n)
	refs := make([]childRef, 0, len(siblings))
	for _, s := range siblings {
		span := (s.size() + t.pageSize - 1) / t.pageSize
		p, err := alloc.Allocate(span)
		if err != nil {
			return nil, err
		}
		s.pgid = p.ID()
		s.span = span
		s.spilled = true
		if err := s.write(p); err != nil {
			return nil, err
		}
		refs = append(refs, childRef{key: s.firstKey(), pgid: s.pgid})
	}
	return refs, nil
}

// split breaks n into a group of appropriately sized siblings. The first
// sibling is always n itself.
func (t *Tree) split(n *Node) []*Node {
	var out []*Node
	cur := n
	for {
		a, b := t.splitTwo(cur)
		out = append(out, a)
		if b == nil {
			return out
		}
		cur = b
	}
}

// splitTwo carves a first sibling of at most the fill threshold off n, or
// returns (n, nil) when n fits a page or is too small to split. The split
// point is chosen by cumulative byte size, never inside an entry, so one
// oversized entry simply keeps its whole (overflow) page.
func (t *Tree) splitTwo(n *Node) (*Node, *Node) {
	if len(n.entries) <= minKeysPerPage*2 || n.size() < t.pageSize {
		return n, nil
	}

	threshold := int(float64(t.pageSize) * fillPercent)
	idx := t.splitIndex(n, threshold)

	next := &Node{isLeaf: n.isLeaf}
	next.entries = make([]entry, len(n.entries)-idx)
	copy(next.entries, n.entries[idx:])
	n.entries = n.entries[:idx]
	return n, next
}

// splitIndex finds the position where the first page reaches threshold,
// leaving at least minKeysPerPage entries on each side.
func (t *Tree) splitIndex(n *Node, threshold int) int {
	sz := pager.PageHeaderSize
	idx := 0
	for i := 0; i < len(n.entries)-minKeysPerPage; i++ {
		idx = i
		e := &n.entries[i]
		elsize := branchElemOverhead + len(e.key)
		if n.isLeaf {
			elsize = leafElemOverhead + len(e.key) + len(e.value)
		}
		if i >= minKeysPerPage && sz+elsize > threshold {
			break
		}
		sz += elsize
	}
	if idx < minKeysPerPage {
		idx = minKeysPerPage
	}
	return idx
}

// rebalance merges or removes underfilled dirty nodes bottom-up, then
// collapses the root while a root branch has a single child (or none).
func (t *Tree) rebalance(alloc Allocator) error {
	for {
		root, ok := t.nodes[t.root]
		if !ok {
			return nil
		}
		if err := t.rebalanceChildren(root, alloc); err != nil {
			return err
		}
		if root.isLeaf {
			return nil
		}
		switch len(root.entries) {
		case 0:
			// Everything was deleted; the bucket root degrades to an
			// empty leaf.
			root.isLeaf = true
			root.entries = nil
			return nil
		case 1:
			// Promote the only child.
			child := root.entries[0].child
			if root.span > 0 {
				alloc.Free(root.pgid, root.span)
			}
			delete(t.nodes, t.root)
			t.root = child
			continue
		default:
			return nil
		}
	}
}

// rebalanceChildren recurses into dirty branch children, then merges any
// underfilled dirty child with a sibling and removes empty children.
func (t *Tree) rebalanceChildren(n *Node, alloc Allocator) error {
	if n.isLeaf {
		return nil
	}
	for _, e := range n.entries {
		if c, ok := t.nodes[e.child]; ok && !c.isLeaf {
			if err := t.rebalanceChildren(c, alloc); err != nil {
				return err
			}
		}
	}

	i := 0
	for i < len(n.entries) {
		c, ok := t.nodes[n.entries[i].child]
		if !ok || !c.unbalanced {
			i++
			continue
		}
		c.unbalanced = false

		// Empty nodes are removed outright.
		if len(c.entries) == 0 {
			if c.span > 0 {
				alloc.Free(c.pgid, c.span)
			}
			delete(t.nodes, n.entries[i].child)
			n.removeEntry(i)
			n.unbalanced = true
			continue
		}

		// Above the fill threshold and enough keys: leave it alone.
		if c.size() > t.pageSize/4 && len(c.entries) >= c.minKeys() {
			i++
			continue
		}
		if len(n.entries) < 2 {
			// No sibling to merge with; the root collapse handles it.
			i++
			continue
		}

		// Merge with the left sibling, or the right one for the first
		// child.
		li, ri := i-1, i
		if i == 0 {
			li, ri = 0, 1
		}
		left, err := t.mutable(n.entries[li].child)
		if err != nil {
			return err
		}
		right, err := t.mutable(n.entries[ri].child)
		if err != nil {
			return err
		}

		left.entries = append(left.entries, right.entries...)
		left.unbalanced = true
		if right.span > 0 {
			alloc.Free(right.pgid, right.span)
		}
		delete(t.nodes, n.entries[ri].child)
		n.removeEntry(ri)
		n.unbalanced = true
		i = li
	}
	return nil
}

// FreeAll walks the on-disk tree from root and frees every page under the
// committing txid. Used when a bucket is deleted.
func (t *Tree) FreeAll(alloc Allocator) error {
	return t.freeSubtree(t.root, alloc)
}

func (t *Tree) freeSubtree(id pager.Pgid, alloc Allocator) error {
	p, err := t.src.Page(id)
	if err != nil {
		return err
	}
	if p.Flags()&pager.BranchPage != 0 {
		n := &Node{}
		if err := n.read(p); err != nil {
			return err
		}
		for i := range n.entries {
			if err := t.freeSubtree(n.entries[i].child, alloc); err != nil {
				return err
			}
		}
	}
	alloc.Free(id, p.Span())
	return nil
}
