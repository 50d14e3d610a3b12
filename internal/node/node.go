// Package node implements the in-memory, mutable view of B+tree pages and
// the commit-time spill logic that rebalances, splits, and assigns shadow
// pages to dirty subtrees.
package node

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/oda/shadowkv/internal/pager"
)

const (
	// minKeysPerPage is the fewest entries a node may hold before it is
	// merged with a sibling (branch nodes; leaves may go down to one).
	minKeysPerPage = 2

	// fillPercent is the target fill of a page when splitting.
	fillPercent = 0.5

	// leafElemOverhead is the per-entry cost of the leaf codec:
	// flags:u8 | key_len:u32 | value_len:u32.
	leafElemOverhead = 1 + 4 + 4

	// branchElemOverhead is the per-entry cost of the branch codec:
	// child_pgid:u64 | key_len:u32.
	branchElemOverhead = 8 + 4
)

// Pgid aliases the pager's page identifier.
type Pgid = pager.Pgid

// entry is one element of a node: (key, value) in a leaf, (key, child) in a
// branch. Branch keys equal the first key of the child subtree.
type entry struct {
	flags uint8
	key   []byte
	value []byte
	child pager.Pgid
}

// Node is the mutable materialization of a branch or leaf page. A node is
// owned by the transaction that materialized it and is discarded at tx end.
type Node struct {
	pgid    pager.Pgid
	span    int // physical pages occupied on disk; 0 if never written
	isLeaf  bool
	entries []entry

	spilled    bool
	unbalanced bool
}

// Pgid returns the page the node was materialized from (0 if new).
func (n *Node) Pgid() pager.Pgid {
	return n.pgid
}

// Len returns the number of entries.
func (n *Node) Len() int {
	return len(n.entries)
}

// IsLeaf reports whether the node is a leaf.
func (n *Node) IsLeaf() bool {
	return n.isLeaf
}

// minKeys returns the fewest entries this node may hold before a merge.
func (n *Node) minKeys() int {
	if n.isLeaf {
		return 1
	}
	return minKeysPerPage
}

// firstKey returns the smallest key in the node (nil for an empty node).
func (n *Node) firstKey() []byte {
	if len(n.entries) == 0 {
		return nil
	}
	return n.entries[0].key
}

// size returns the serialized byte size, including the page header.
func (n *Node) size() int {
	sz := pager.PageHeaderSize
	if len(n.entries) >= pager.OverflowCountMarker {
		sz += 8
	}
	for i := range n.entries {
		e := &n.entries[i]
		if n.isLeaf {
			sz += leafElemOverhead + len(e.key) + len(e.value)
		} else {
			sz += branchElemOverhead + len(e.key)
		}
	}
	return sz
}

// clone returns a privately mutable copy. The entry slice is copied; the
// key and value bytes are shared because they are never mutated in place,
// only replaced.
func (n *Node) clone() *Node {
	c := &Node{
		pgid:   n.pgid,
		span:   n.span,
		isLeaf: n.isLeaf,
	}
	c.entries = make([]entry, len(n.entries))
	copy(c.entries, n.entries)
	return c
}

// childIndex returns the index of the child to follow for key: the child
// whose separator is the greatest key not above the search key.
func (n *Node) childIndex(key []byte) int {
	idx := sort.Search(len(n.entries), func(i int) bool {
		return bytes.Compare(n.entries[i].key, key) > 0
	})
	if idx > 0 {
		idx--
	}
	return idx
}

// leafIndex returns the position of key in a leaf and whether it is there.
func (n *Node) leafIndex(key []byte) (int, bool) {
	idx := sort.Search(len(n.entries), func(i int) bool {
		return bytes.Compare(n.entries[i].key, key) >= 0
	})
	found := idx < len(n.entries) && bytes.Equal(n.entries[idx].key, key)
	return idx, found
}

// put inserts a key/value into a leaf at its sorted position, replacing on
// key equality. The caller owns key and value; they are stored as given.
func (n *Node) put(key, value []byte) {
	idx, found := n.leafIndex(key)
	if found {
		n.entries[idx].value = value
		return
	}
	n.entries = append(n.entries, entry{})
	copy(n.entries[idx+1:], n.entries[idx:])
	n.entries[idx] = entry{key: key, value: value}
}

// del removes key from a leaf. Returns false if the key is absent.
func (n *Node) del(key []byte) bool {
	idx, found := n.leafIndex(key)
	if !found {
		return false
	}
	n.entries = append(n.entries[:idx], n.entries[idx+1:]...)
	n.unbalanced = true
	return true
}

// removeEntry drops the entry at idx.
func (n *Node) removeEntry(idx int) {
	n.entries = append(n.entries[:idx], n.entries[idx+1:]...)
}

// read materializes the node from a page, deep-copying keys and values so
// the node stays valid across remaps and page reuse.
func (n *Node) read(p *pager.Page) error {
	switch {
	case p.Flags()&pager.LeafPage != 0:
		n.isLeaf = true
	case p.Flags()&pager.BranchPage != 0:
		n.isLeaf = false
	default:
		return fmt.Errorf("%w: page %d is not a tree page (flags %#x)",
			pager.ErrCorrupt, p.ID(), p.Flags())
	}
	n.pgid = p.ID()
	n.span = p.Span()

	count := p.Count()
	n.entries = make([]entry, 0, count)
	d := pager.NewDeserializer(p)
	for i := 0; i < count; i++ {
		var e entry
		if n.isLeaf {
			flags, err := d.Uint8()
			if err != nil {
				return err
			}
			klen, err := d.Uint32()
			if err != nil {
				return err
			}
			vlen, err := d.Uint32()
			if err != nil {
				return err
			}
			k, err := d.Raw(int(klen))
			if err != nil {
				return err
			}
			v, err := d.Raw(int(vlen))
			if err != nil {
				return err
			}
			e = entry{flags: flags, key: dup(k), value: dup(v)}
		} else {
			child, err := d.Pgid()
			if err != nil {
				return err
			}
			klen, err := d.Uint32()
			if err != nil {
				return err
			}
			k, err := d.Raw(int(klen))
			if err != nil {
				return err
			}
			e = entry{child: child, key: dup(k)}
		}
		n.entries = append(n.entries, e)
	}
	return nil
}

// write serializes the node into a shadow page. The page id must already be
// assigned by the allocator.
func (n *Node) write(p *pager.Page) error {
	if n.isLeaf {
		p.SetFlags(pager.LeafPage)
	} else {
		p.SetFlags(pager.BranchPage)
	}
	p.SetCount(len(n.entries))
	p.SetMagic()

	s := pager.NewSerializer(p)
	for i := range n.entries {
		e := &n.entries[i]
		if n.isLeaf {
			if err := s.PutUint8(e.flags); err != nil {
				return err
			}
			if err := s.PutUint32(uint32(len(e.key))); err != nil {
				return err
			}
			if err := s.PutUint32(uint32(len(e.value))); err != nil {
				return err
			}
			if err := s.PutRaw(e.key); err != nil {
				return err
			}
			if err := s.PutRaw(e.value); err != nil {
				return err
			}
		} else {
			if err := s.PutPgid(e.child); err != nil {
				return err
			}
			if err := s.PutUint32(uint32(len(e.key))); err != nil {
				return err
			}
			if err := s.PutRaw(e.key); err != nil {
				return err
			}
		}
	}
	return nil
}

func dup(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
