package shadowkv

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/oda/shadowkv/internal/node"
	"github.com/oda/shadowkv/internal/pager"
)

// Tx is a transaction over the database. A transaction sees the meta that
// was active when it began and, for a writable transaction, accumulates
// edits in shadow pages that become durable only at Commit.
//
// A transaction must end in exactly one call to Commit or Rollback; using
// it afterwards fails with ErrTxClosed. Transactions are not safe for
// concurrent use by multiple goroutines.
type Tx struct {
	db       *DB
	writable bool
	meta     pager.Meta
	registry *bucketRegistry
	trees    map[string]*node.Tree
	pager    *txPager
	done     bool
}

// beginTx constructs a transaction from a meta snapshot. Writable
// transactions immediately work against the next txid.
func beginTx(db *DB, writable bool, meta pager.Meta) (*Tx, error) {
	tx := &Tx{
		db:       db,
		writable: writable,
		meta:     meta,
		trees:    make(map[string]*node.Tree),
	}
	if writable {
		tx.meta.IncrementTxid()
	}
	tx.pager = &txPager{
		db:     db,
		meta:   &tx.meta,
		shadow: make(map[pager.Pgid]*pager.Page),
	}

	p, err := tx.pager.Page(tx.meta.Buckets)
	if err != nil {
		return nil, err
	}
	registry, err := readBuckets(p)
	if err != nil {
		return nil, err
	}
	tx.registry = registry
	db.logger.Debug("transaction started",
		zap.Uint64("txid", tx.meta.Txid), zap.Bool("writable", writable))
	return tx, nil
}

// ID returns the transaction id: the snapshot txid for a read transaction,
// the txid being produced for a writable one.
func (tx *Tx) ID() uint64 {
	return tx.meta.Txid
}

// Writable reports whether the transaction may mutate.
func (tx *Tx) Writable() bool {
	return tx.writable
}

// DB returns the database the transaction belongs to.
func (tx *Tx) DB() *DB {
	return tx.db
}

// Size returns the database size in bytes as seen by this transaction.
func (tx *Tx) Size() int64 {
	return int64(tx.meta.Watermark) * int64(tx.db.pageSize())
}

// GetBucket returns a handle for the named bucket, or ErrBucketNotFound.
func (tx *Tx) GetBucket(name string) (*Bucket, error) {
	if tx.done {
		return nil, ErrTxClosed
	}
	bm := tx.registry.get(name)
	if bm == nil {
		return nil, ErrBucketNotFound
	}
	return &Bucket{tx: tx, name: name, meta: bm, tree: tx.tree(name, bm)}, nil
}

// CreateBucket creates a bucket with an empty root leaf and returns its
// handle.
func (tx *Tx) CreateBucket(name string) (*Bucket, error) {
	if tx.done {
		return nil, ErrTxClosed
	}
	if !tx.writable {
		return nil, ErrTxNotWritable
	}
	if len(name) == 0 {
		return nil, ErrBucketNameRequired
	}
	if tx.registry.get(name) != nil {
		return nil, ErrBucketExists
	}

	p, err := tx.pager.Allocate(1)
	if err != nil {
		return nil, err
	}
	p.SetFlags(pager.LeafPage)

	bm := &bucketMeta{root: p.ID()}
	if err := tx.registry.add(name, bm); err != nil {
		return nil, err
	}
	tx.db.logger.Debug("bucket created",
		zap.String("bucket", name), zap.Uint64("root", uint64(bm.root)))
	return &Bucket{tx: tx, name: name, meta: bm, tree: tx.tree(name, bm)}, nil
}

// DeleteBucket removes the named bucket and frees every page of its tree
// under this transaction's id.
func (tx *Tx) DeleteBucket(name string) error {
	if tx.done {
		return ErrTxClosed
	}
	if !tx.writable {
		return ErrTxNotWritable
	}
	bm := tx.registry.get(name)
	if bm == nil {
		return ErrBucketNotFound
	}

	scrap := node.NewTree(bm.root, tx.pager, nil, false, tx.db.pageSize())
	if err := scrap.FreeAll(tx.pager); err != nil {
		return err
	}
	tx.registry.delete(name)
	delete(tx.trees, name)
	tx.db.logger.Debug("bucket deleted", zap.String("bucket", name))
	return nil
}

// ForEachBucket calls fn with each bucket name in ascending order.
func (tx *Tx) ForEachBucket(fn func(name string) error) error {
	if tx.done {
		return ErrTxClosed
	}
	for _, name := range tx.registry.names() {
		if err := fn(name); err != nil {
			return err
		}
	}
	return nil
}

// tree returns the (lazily created) tree for a bucket.
func (tx *Tx) tree(name string, bm *bucketMeta) *node.Tree {
	if t, ok := tx.trees[name]; ok {
		return t
	}
	var nc node.Cache
	if tx.db.cache != nil {
		nc = tx.db.cache
	}
	t := node.NewTree(bm.root, tx.pager, nc, !tx.writable, tx.db.pageSize())
	tx.trees[name] = t
	return t
}

// Commit makes the transaction's edits durable: dirty trees are spilled
// into shadow pages, the buckets registry and freelist are rewritten, all
// shadow pages are written and synced, and only then is the new meta
// written and synced. A failure before the meta write leaves the previous
// commit intact.
//
// On a read-only transaction Commit simply releases the snapshot.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxClosed
	}
	if !tx.writable {
		tx.close()
		return nil
	}

	disk := tx.db.disk

	// 1. Spill dirty bucket trees bottom-up.
	for name, tree := range tx.trees {
		if !tree.Dirty() {
			continue
		}
		newRoot, err := tree.Spill(tx.pager)
		if err != nil {
			return tx.abort(err)
		}
		tx.registry.m[name].root = newRoot
	}

	// 2. Rewrite the buckets registry into a fresh shadow page.
	oldBuckets, err := tx.pager.Page(tx.meta.Buckets)
	if err != nil {
		return tx.abort(err)
	}
	tx.pager.Free(tx.meta.Buckets, oldBuckets.Span())
	bp, err := tx.pager.Allocate(tx.registry.span(tx.db.pageSize()))
	if err != nil {
		return tx.abort(err)
	}
	if err := tx.registry.write(bp); err != nil {
		return tx.abort(err)
	}
	tx.meta.Buckets = bp.ID()

	// 3. Rewrite the freelist. The old freelist page is freed first so
	// its id is part of the persisted set.
	oldFreelist, err := tx.pager.Page(tx.meta.Freelist)
	if err != nil {
		return tx.abort(err)
	}
	tx.pager.Free(tx.meta.Freelist, oldFreelist.Span())
	fp, err := tx.pager.Allocate(disk.FreelistSpan())
	if err != nil {
		return tx.abort(err)
	}
	if err := disk.WriteFreelist(fp); err != nil {
		return tx.abort(err)
	}
	tx.meta.Freelist = fp.ID()

	// 4. Write every shadow buffer and sync the data before the meta.
	if err := tx.pager.writeDirty(); err != nil {
		return tx.abort(err)
	}

	// 5. Write the new meta to page txid % 2 and sync again. This is the
	// commit point.
	if err := tx.writeMeta(); err != nil {
		return tx.abort(err)
	}

	tx.db.publishMeta(tx.meta)
	tx.db.logger.Debug("transaction committed",
		zap.Uint64("txid", tx.meta.Txid),
		zap.Uint64("watermark", uint64(tx.meta.Watermark)))
	tx.close()
	return nil
}

// Rollback discards every shadow buffer and dirty node. For a read-only
// transaction it releases the snapshot so pending pages can be reclaimed.
func (tx *Tx) Rollback() error {
	if tx.done {
		return ErrTxClosed
	}
	if tx.writable {
		tx.pager.rollback()
		tx.db.logger.Debug("transaction rolled back", zap.Uint64("txid", tx.meta.Txid))
	}
	tx.close()
	return nil
}

// abort rolls back after a failed commit step. Nothing was published: the
// previous meta is still the active one.
func (tx *Tx) abort(err error) error {
	tx.pager.rollback()
	tx.close()
	return fmt.Errorf("shadowkv: commit failed: %w", err)
}

// writeMeta serializes the new meta into a one-page buffer, writes it at
// page txid % 2, and syncs.
func (tx *Tx) writeMeta() error {
	buf := pager.NewPageBuffer(1, tx.db.pageSize())
	p := buf.Page(0)
	tx.meta.Write(p)
	if err := tx.db.disk.WritePage(p); err != nil {
		return err
	}
	return tx.db.disk.Sync()
}

// close ends the transaction and returns its locks and reservations.
func (tx *Tx) close() {
	if tx.done {
		return
	}
	tx.done = true
	tx.db.removeTx(tx)
}

// txPager is the transaction's shadow pager: it allocates shadow pages,
// tracks them for the commit-time write, records freed pages under the
// transaction's id, and resolves page reads (shadow pages first, then the
// mapping).
type txPager struct {
	db     *DB
	meta   *pager.Meta
	shadow map[pager.Pgid]*pager.Page
	bufs   []pager.ShadowPage
	// fromFreelist are ids taken out of the free set; an aborted tx
	// hands them back.
	fromFreelist []pager.Pgid
}

// Page resolves a page id: this tx's shadow pages shadow the mapping.
func (tp *txPager) Page(id pager.Pgid) (*pager.Page, error) {
	if p, ok := tp.shadow[id]; ok {
		return p, nil
	}
	return tp.db.disk.GetPage(id)
}

// Allocate reserves a shadow page of count physical pages and registers it
// for the commit-time write.
func (tp *txPager) Allocate(count int) (*pager.Page, error) {
	sp, reused, err := tp.db.disk.Allocate(tp.meta, count)
	if err != nil {
		return nil, err
	}
	p := sp.Get()
	if reused {
		for i := 0; i < count; i++ {
			tp.fromFreelist = append(tp.fromFreelist, p.ID()+pager.Pgid(i))
		}
		// The page content changes; drop any node cached under this id.
		if tp.db.cache != nil {
			tp.db.cache.Del(p.ID())
		}
	}
	tp.shadow[p.ID()] = p
	tp.bufs = append(tp.bufs, sp)
	return p, nil
}

// Free records pages replaced by this transaction. They stay pending until
// every reader that could reach them has closed.
func (tp *txPager) Free(id pager.Pgid, span int) {
	tp.db.disk.FreePages(tp.meta.Txid, id, span)
}

// writeDirty grows the file to cover the watermark, writes every shadow
// buffer, and syncs the data file.
func (tp *txPager) writeDirty() error {
	disk := tp.db.disk
	if err := disk.EnsureSize(int64(tp.meta.Watermark) * int64(disk.PageSize())); err != nil {
		return err
	}
	for _, sp := range tp.bufs {
		if err := disk.WriteBuffer(sp.Buffer(), sp.Get().ID()); err != nil {
			return err
		}
	}
	return disk.Sync()
}

// rollback discards the pending frees recorded under this txid and returns
// freelist allocations to the free set. Watermark growth disappears with
// the discarded meta copy.
func (tp *txPager) rollback() {
	tp.db.disk.RollbackPages(tp.meta.Txid, tp.fromFreelist)
	tp.shadow = nil
	tp.bufs = nil
	tp.fromFreelist = nil
}
