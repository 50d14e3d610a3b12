// Package shadowkv implements an embedded, single-file, transactional
// key/value store. A process opens one database file and performs read-only
// or read-write transactions over named buckets of key/value pairs.
//
// The engine is a page-oriented, copy-on-write B+tree over a memory-mapped
// file. Commits are made durable by shadow paging: a write transaction
// spills its dirty nodes into freshly allocated pages, syncs them, and only
// then writes the next of the two alternating meta pages. Readers snapshot
// the active meta at Begin and observe it unchanged for their whole life;
// one writer runs at a time.
//
// Example:
//
//	db, err := shadowkv.Open("data.db", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	err = db.Update(func(tx *shadowkv.Tx) error {
//	    b, err := tx.CreateBucket("widgets")
//	    if err != nil {
//	        return err
//	    }
//	    return b.Put([]byte("answer"), []byte("42"))
//	})
package shadowkv

import (
	"fmt"
	"sync"

	"github.com/viney-shih/go-lock"
	"go.uber.org/zap"

	"github.com/oda/shadowkv/internal/cache"
	"github.com/oda/shadowkv/internal/pager"
)

// A fresh file is formatted as two meta pages, an empty freelist page, and
// an empty buckets page; allocation starts at the watermark after them.
const (
	initialFreelistPgid pager.Pgid = 2
	initialBucketsPgid  pager.Pgid = 3
	initialWatermark    pager.Pgid = 4
)

// DB is an open database file. It hands out transactions and enforces the
// many-readers / one-writer concurrency model.
type DB struct {
	path   string
	opts   Options
	logger *zap.Logger

	disk  *pager.Disk
	cache *cache.NodeCache

	// metalock protects meta snapshots, the open-transaction accounting,
	// and the commit-time meta publish.
	metalock sync.Mutex

	// writerlock is held for the whole life of a write transaction.
	writerlock lock.Mutex

	meta    pager.Meta
	readers map[uint64]int // snapshot txid -> open read tx count
	txs     int
	opened  bool
}

// Open opens or creates a database file. Pass nil opts for defaults.
//
// The file is exclusively locked; a concurrent Open of the same path from
// any process fails with ErrLocked. On the first-ever open the file is
// formatted with the initial meta, freelist, and buckets pages.
func Open(path string, opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := opts.withDefaults()

	disk := pager.NewDisk(o.PageSize, o.Logger)
	size, err := disk.Open(path)
	if err != nil {
		return nil, err
	}

	db := &DB{
		path:       path,
		opts:       o,
		logger:     o.Logger,
		disk:       disk,
		writerlock: lock.NewCASMutex(),
		readers:    make(map[uint64]int),
		opened:     true,
	}

	if size == 0 {
		if err := db.format(); err != nil {
			disk.Close()
			return nil, err
		}
		db.logger.Info("formatted new database",
			zap.String("path", path), zap.Int("pageSize", o.PageSize))
	}

	meta, err := db.loadMeta()
	if err != nil {
		disk.Close()
		return nil, err
	}
	db.meta = meta

	if err := disk.LoadFreelist(meta.Freelist); err != nil {
		disk.Close()
		return nil, err
	}

	if o.NodeCacheBytes > 0 {
		nc, err := cache.New(o.NodeCacheBytes, o.PageSize)
		if err != nil {
			disk.Close()
			return nil, err
		}
		db.cache = nc
	}

	db.logger.Info("database open",
		zap.String("path", path),
		zap.Uint64("txid", meta.Txid),
		zap.Uint64("watermark", uint64(meta.Watermark)))
	return db, nil
}

// format writes the initial four pages of a fresh file: meta copies with
// txids 0 and 1, an empty freelist at page 2, and an empty buckets page at
// page 3.
func (db *DB) format() error {
	ps := db.opts.PageSize
	buf := pager.NewPageBuffer(int(initialWatermark), ps)

	meta := pager.Meta{
		PageSize:  uint32(ps),
		Buckets:   initialBucketsPgid,
		Freelist:  initialFreelistPgid,
		Watermark: initialWatermark,
	}
	meta.Txid = 0
	meta.Write(buf.Page(0))
	meta.Txid = 1
	meta.Write(buf.Page(1))

	fp := buf.Page(2)
	fp.Init(initialFreelistPgid, pager.FreelistPage, 0)
	if err := pager.NewFreelist().Write(fp); err != nil {
		return err
	}

	bp := buf.Page(3)
	bp.Init(initialBucketsPgid, pager.BucketsPage, 0)
	if err := newBucketRegistry().write(bp); err != nil {
		return err
	}

	if err := db.disk.WriteBuffer(buf, 0); err != nil {
		return err
	}
	return db.disk.Sync()
}

// loadMeta probes both meta pages through the descriptor and selects the
// one with the highest txid among those with a valid checksum. One corrupt
// copy is recovered from explicitly (and logged); two are fatal.
func (db *DB) loadMeta() (pager.Meta, error) {
	ps := db.opts.PageSize

	var metas [2]pager.Meta
	var errs [2]error
	for i := 0; i < 2; i++ {
		raw, err := db.disk.ReadPhysical(pager.Pgid(i), ps)
		if err != nil {
			errs[i] = err
			continue
		}
		metas[i], errs[i] = pager.DecodeMeta(raw[pager.PageHeaderSize:])
	}

	switch {
	case errs[0] == nil && errs[1] == nil:
		if metas[1].Txid > metas[0].Txid {
			return db.checkMeta(metas[1])
		}
		return db.checkMeta(metas[0])
	case errs[0] == nil:
		db.logger.Warn("meta page 1 invalid, recovering from meta 0",
			zap.Error(errs[1]))
		return db.checkMeta(metas[0])
	case errs[1] == nil:
		db.logger.Warn("meta page 0 invalid, recovering from meta 1",
			zap.Error(errs[0]))
		return db.checkMeta(metas[1])
	default:
		return pager.Meta{}, fmt.Errorf("%w: both meta pages invalid (%v; %v)",
			ErrCorrupt, errs[0], errs[1])
	}
}

// checkMeta validates the selected meta against the configured geometry.
func (db *DB) checkMeta(m pager.Meta) (pager.Meta, error) {
	if int(m.PageSize) != db.opts.PageSize {
		return pager.Meta{}, fmt.Errorf("%w: file page size %d, configured %d",
			ErrVersionMismatch, m.PageSize, db.opts.PageSize)
	}
	return m, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// pageSize returns the configured physical page size.
func (db *DB) pageSize() int {
	return db.opts.PageSize
}

// Begin starts a transaction. A read-only transaction snapshots the active
// meta and holds the mapping shared; a writable transaction snapshots the
// meta and takes the writer lock for its whole life, without holding the
// mapping shared.
//
// With a WriterLockTimeout configured, Begin(true) returns ErrLocked if
// another writer holds the lock past the timeout.
func (db *DB) Begin(writable bool) (*Tx, error) {
	if writable {
		return db.beginRWTx()
	}
	return db.beginRTx()
}

func (db *DB) beginRWTx() (*Tx, error) {
	if t := db.opts.WriterLockTimeout; t > 0 {
		if !db.writerlock.TryLockWithTimeout(t) {
			return nil, ErrLocked
		}
	} else {
		db.writerlock.Lock()
	}

	db.metalock.Lock()
	if !db.opened {
		db.metalock.Unlock()
		db.writerlock.Unlock()
		return nil, ErrDatabaseNotOpen
	}
	meta := db.meta
	db.txs++
	min := db.minOpenTxidLocked()
	db.metalock.Unlock()

	// Reclaim pages that no remaining reader can reach.
	db.releasePages(min)

	tx, err := beginTx(db, true, meta)
	if err != nil {
		db.dropTx(true, 0)
		db.writerlock.Unlock()
		return nil, err
	}
	return tx, nil
}

func (db *DB) beginRTx() (*Tx, error) {
	db.metalock.Lock()
	if !db.opened {
		db.metalock.Unlock()
		return nil, ErrDatabaseNotOpen
	}
	meta := db.meta
	db.readers[meta.Txid]++
	db.txs++
	db.metalock.Unlock()

	// Readers pin the mapping for their whole life; growing it waits for
	// them.
	db.disk.AcquireReader()

	tx, err := beginTx(db, false, meta)
	if err != nil {
		db.disk.ReleaseReader()
		db.dropTx(false, meta.Txid)
		return nil, err
	}
	return tx, nil
}

// View runs fn in a read-only transaction, releasing it when fn returns.
func (db *DB) View(fn func(*Tx) error) error {
	tx, err := db.Begin(false)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Rollback()
}

// Update runs fn in a writable transaction, committing on success and
// rolling back on error.
func (db *DB) Update(fn func(*Tx) error) error {
	tx, err := db.Begin(true)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// publishMeta installs a committed meta as the active one.
func (db *DB) publishMeta(m pager.Meta) {
	db.metalock.Lock()
	db.meta = m
	db.metalock.Unlock()
}

// removeTx ends a transaction's registration and reclaims whatever pages
// its closing unpinned.
func (db *DB) removeTx(tx *Tx) {
	if tx.writable {
		db.dropTx(true, 0)
		db.writerlock.Unlock()
		return
	}
	db.disk.ReleaseReader()
	db.dropTx(false, tx.meta.Txid)
}

// dropTx updates accounting and releases freelist pages that no remaining
// reader can reach.
func (db *DB) dropTx(writable bool, readerTxid uint64) {
	db.metalock.Lock()
	db.txs--
	if !writable {
		db.readers[readerTxid]--
		if db.readers[readerTxid] <= 0 {
			delete(db.readers, readerTxid)
		}
	}
	min := db.minOpenTxidLocked()
	db.metalock.Unlock()

	db.releasePages(min)
}

// minOpenTxidLocked returns the smallest snapshot txid still held by a
// reader, or one past the active txid when no readers are open. Pending
// frees strictly below it are reclaimable.
func (db *DB) minOpenTxidLocked() uint64 {
	min := db.meta.Txid + 1
	for txid := range db.readers {
		if txid < min {
			min = txid
		}
	}
	return min
}

// releasePages merges reclaimable pending frees into the free set and
// drops their cached nodes.
func (db *DB) releasePages(minOpenTxid uint64) {
	released := db.disk.ReleasePages(minOpenTxid)
	if db.cache != nil {
		for _, id := range released {
			db.cache.Del(id)
		}
	}
	if len(released) > 0 {
		db.logger.Debug("released pages", zap.Int("count", len(released)))
	}
}

// Close releases the file lock and unmaps the file. It refuses while any
// transaction is open.
func (db *DB) Close() error {
	db.metalock.Lock()
	if !db.opened {
		db.metalock.Unlock()
		return nil
	}
	if db.txs > 0 {
		db.metalock.Unlock()
		return ErrOpenTransactions
	}
	db.opened = false
	db.metalock.Unlock()

	if db.cache != nil {
		db.cache.Close()
	}
	db.logger.Info("database closed", zap.String("path", db.path))
	return db.disk.Close()
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	Txid         uint64
	OpenTxs      int
	OpenReaders  int
	FreePages    int
	PendingPages int
	Watermark    uint64
	PageSize     int
}

// Stats returns current engine counters.
func (db *DB) Stats() Stats {
	db.metalock.Lock()
	s := Stats{
		Txid:      db.meta.Txid,
		OpenTxs:   db.txs,
		Watermark: uint64(db.meta.Watermark),
		PageSize:  db.opts.PageSize,
	}
	for _, n := range db.readers {
		s.OpenReaders += n
	}
	db.metalock.Unlock()
	s.FreePages, s.PendingPages = db.disk.FreelistStats()
	return s
}
