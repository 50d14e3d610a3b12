package shadowkv

import (
	"github.com/oda/shadowkv/internal/node"
)

// Bucket is a handle on a named B+tree within a transaction. It is only
// valid for the life of the transaction that produced it.
type Bucket struct {
	tx   *Tx
	name string
	meta *bucketMeta
	tree *node.Tree
}

// Name returns the bucket's name.
func (b *Bucket) Name() string {
	return b.name
}

// Tx returns the owning transaction.
func (b *Bucket) Tx() *Tx {
	return b.tx
}

// Writable reports whether the bucket belongs to a writable transaction.
func (b *Bucket) Writable() bool {
	return b.tx.writable
}

// Get returns a copy of the value stored at key, or ErrKeyNotFound.
func (b *Bucket) Get(key []byte) ([]byte, error) {
	if b.tx.done {
		return nil, ErrTxClosed
	}
	if len(key) == 0 {
		return nil, ErrKeyRequired
	}
	v, found, err := b.tree.Get(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put stores value at key, replacing any existing value. The key and value
// are copied; the caller may reuse its buffers.
func (b *Bucket) Put(key, value []byte) error {
	if b.tx.done {
		return ErrTxClosed
	}
	if !b.tx.writable {
		return ErrTxNotWritable
	}
	if len(key) == 0 {
		return ErrKeyRequired
	}
	if len(key) > MaxKeySize {
		return ErrKeyTooLarge
	}
	if len(value) > MaxValueSize {
		return ErrValueTooLarge
	}

	k := make([]byte, len(key))
	copy(k, key)
	v := make([]byte, len(value))
	copy(v, value)
	return b.tree.Put(k, v)
}

// Delete removes key. Deleting an absent key is a no-op.
func (b *Bucket) Delete(key []byte) error {
	if b.tx.done {
		return ErrTxClosed
	}
	if !b.tx.writable {
		return ErrTxNotWritable
	}
	if len(key) == 0 {
		return ErrKeyRequired
	}
	_, err := b.tree.Delete(key)
	return err
}

// NextSequence returns the bucket's next auto-increment value.
func (b *Bucket) NextSequence() (uint64, error) {
	if b.tx.done {
		return 0, ErrTxClosed
	}
	if !b.tx.writable {
		return 0, ErrTxNotWritable
	}
	b.meta.autoID++
	return b.meta.autoID, nil
}

// Sequence returns the bucket's current auto-increment value.
func (b *Bucket) Sequence() uint64 {
	return b.meta.autoID
}

// Cursor returns a cursor over the bucket in ascending key order.
func (b *Bucket) Cursor() *Cursor {
	return &Cursor{bucket: b, inner: b.tree.Cursor()}
}

// ForEach calls fn for every key/value pair in ascending key order. The
// slices passed to fn are the cursor's copies; fn owns them.
func (b *Bucket) ForEach(fn func(k, v []byte) error) error {
	c := b.Cursor()
	for k, v, err := c.First(); k != nil || err != nil; k, v, err = c.Next() {
		if err != nil {
			return err
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Cursor iterates a bucket in key order. The returned key and value slices
// are copies owned by the caller. A cursor is only valid while its
// transaction is open.
type Cursor struct {
	bucket *Bucket
	inner  *node.Cursor
}

// Bucket returns the bucket the cursor ranges over.
func (c *Cursor) Bucket() *Bucket {
	return c.bucket
}

// First moves to the smallest key. Returns (nil, nil, nil) when empty.
func (c *Cursor) First() ([]byte, []byte, error) {
	if c.bucket.tx.done {
		return nil, nil, ErrTxClosed
	}
	return dupPair(c.inner.First())
}

// Last moves to the greatest key.
func (c *Cursor) Last() ([]byte, []byte, error) {
	if c.bucket.tx.done {
		return nil, nil, ErrTxClosed
	}
	return dupPair(c.inner.Last())
}

// Next moves to the following key. Returns (nil, nil, nil) past the end.
func (c *Cursor) Next() ([]byte, []byte, error) {
	if c.bucket.tx.done {
		return nil, nil, ErrTxClosed
	}
	return dupPair(c.inner.Next())
}

// Prev moves to the preceding key. Returns (nil, nil, nil) before the
// start.
func (c *Cursor) Prev() ([]byte, []byte, error) {
	if c.bucket.tx.done {
		return nil, nil, ErrTxClosed
	}
	return dupPair(c.inner.Prev())
}

// Seek moves to the first key at or after the given key.
func (c *Cursor) Seek(key []byte) ([]byte, []byte, error) {
	if c.bucket.tx.done {
		return nil, nil, ErrTxClosed
	}
	return dupPair(c.inner.Seek(key))
}

// dupPair copies a cursor result out of shared node memory.
func dupPair(k, v []byte, err error) ([]byte, []byte, error) {
	if err != nil || k == nil {
		return nil, nil, err
	}
	ck := make([]byte, len(k))
	copy(ck, k)
	cv := make([]byte, len(v))
	copy(cv, v)
	return ck, cv, nil
}
