package node

import (
	"bytes"
)

// elemRef points at one entry of one node on the descent path.
type elemRef struct {
	n     *Node
	index int
}

// Cursor iterates a tree in ascending byte order of keys. It holds a
// descent stack of (node, index) pairs; nodes are resolved through the
// tree, so a write transaction's cursor observes its own uncommitted edits.
//
// A cursor is only valid while its transaction is open.
type Cursor struct {
	t     *Tree
	stack []elemRef
}

// Cursor returns a cursor positioned before the first key.
func (t *Tree) Cursor() *Cursor {
	return &Cursor{t: t}
}

// First positions the cursor at the smallest key.
// Returns (nil, nil, nil) for an empty tree.
func (c *Cursor) First() ([]byte, []byte, error) {
	c.stack = c.stack[:0]
	if err := c.descendFrom(c.t.root, func(n *Node) int { return 0 }); err != nil {
		return nil, nil, err
	}
	return c.currentOrNext()
}

// Last positions the cursor at the greatest key.
func (c *Cursor) Last() ([]byte, []byte, error) {
	c.stack = c.stack[:0]
	if err := c.descendFrom(c.t.root, func(n *Node) int {
		if len(n.entries) == 0 {
			return 0
		}
		return len(n.entries) - 1
	}); err != nil {
		return nil, nil, err
	}
	return c.current()
}

// Seek positions the cursor at the first key at or after the given key.
func (c *Cursor) Seek(key []byte) ([]byte, []byte, error) {
	c.stack = c.stack[:0]
	if err := c.descendFrom(c.t.root, func(n *Node) int {
		if n.isLeaf {
			idx, _ := n.leafIndex(key)
			return idx
		}
		return n.childIndex(key)
	}); err != nil {
		return nil, nil, err
	}
	return c.currentOrNext()
}

// Next advances to the following key.
// Returns (nil, nil, nil) past the last key.
func (c *Cursor) Next() ([]byte, []byte, error) {
	if len(c.stack) == 0 {
		return nil, nil, nil
	}
	return c.advance()
}

// Prev steps back to the preceding key.
// Returns (nil, nil, nil) before the first key.
func (c *Cursor) Prev() ([]byte, []byte, error) {
	if len(c.stack) == 0 {
		return nil, nil, nil
	}
	for depth := len(c.stack) - 1; depth >= 0; depth-- {
		ref := &c.stack[depth]
		if ref.index > 0 {
			ref.index--
			c.stack = c.stack[:depth+1]
			if !ref.n.isLeaf {
				if err := c.descendFrom(ref.n.entries[ref.index].child,
					func(n *Node) int {
						if len(n.entries) == 0 {
							return 0
						}
						return len(n.entries) - 1
					}); err != nil {
					return nil, nil, err
				}
			}
			return c.current()
		}
	}
	c.stack = c.stack[:0]
	return nil, nil, nil
}

// descendFrom extends the stack downward from the given page.
func (c *Cursor) descendFrom(id Pgid, pick func(*Node) int) error {
	for {
		n, err := c.t.view(id)
		if err != nil {
			return err
		}
		idx := pick(n)
		c.stack = append(c.stack, elemRef{n: n, index: idx})
		if n.isLeaf {
			return nil
		}
		if len(n.entries) == 0 {
			return nil
		}
		id = n.entries[idx].child
	}
}

// current returns the entry under the cursor.
func (c *Cursor) current() ([]byte, []byte, error) {
	if len(c.stack) == 0 {
		return nil, nil, nil
	}
	ref := &c.stack[len(c.stack)-1]
	if !ref.n.isLeaf || ref.index >= len(ref.n.entries) {
		return nil, nil, nil
	}
	e := &ref.n.entries[ref.index]
	return e.key, e.value, nil
}

// currentOrNext returns the current entry, or the next one when the leaf
// index points past the end (Seek landing between leaves, empty leaf).
func (c *Cursor) currentOrNext() ([]byte, []byte, error) {
	if len(c.stack) == 0 {
		return nil, nil, nil
	}
	ref := &c.stack[len(c.stack)-1]
	if ref.n.isLeaf && ref.index < len(ref.n.entries) {
		return c.current()
	}
	// Rewind one position so Next lands on the first following key.
	if ref.index > 0 || len(ref.n.entries) == 0 {
		ref.index--
	}
	return c.advance()
}

// advance pops exhausted nodes and steps to the next entry in order.
func (c *Cursor) advance() ([]byte, []byte, error) {
	for depth := len(c.stack) - 1; depth >= 0; depth-- {
		ref := &c.stack[depth]
		if ref.index < len(ref.n.entries)-1 {
			ref.index++
			c.stack = c.stack[:depth+1]
			if !ref.n.isLeaf {
				if err := c.descendFrom(ref.n.entries[ref.index].child,
					func(n *Node) int { return 0 }); err != nil {
					return nil, nil, err
				}
			}
			return c.current()
		}
	}
	c.stack = c.stack[:0]
	return nil, nil, nil
}

// SeekExact positions at key and reports whether it is present.
func (c *Cursor) SeekExact(key []byte) ([]byte, bool, error) {
	k, v, err := c.Seek(key)
	if err != nil {
		return nil, false, err
	}
	if k == nil || !bytes.Equal(k, key) {
		return nil, false, nil
	}
	return v, true, nil
}
