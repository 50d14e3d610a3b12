package pager

import (
	"errors"
	"fmt"
	"sync"

	"github.com/viney-shih/go-lock"
	"go.uber.org/zap"

	"github.com/oda/shadowkv/internal/mmap"
)

const (
	// InitMmapSize is the initial size of the read-only mapping (1 GiB).
	// The file itself stays small; the mapping is sparse past EOF.
	InitMmapSize = 1 << 30

	// growthFactor determines how the mapping grows when the watermark
	// passes its end.
	growthFactor = 2
)

// ErrLocked is returned when another opener holds the database file lock.
var ErrLocked = errors.New("pager: database file is locked")

// Disk owns the database file: descriptor, advisory lock, read-only
// mapping, and the freelist. Pages returned by GetPage are borrowed views
// into the mapping and are valid while the caller holds the reader lock
// (or, for the single writer, between allocations).
type Disk struct {
	path     string
	file     *mmap.File
	pageSize int
	opened   bool
	logger   *zap.Logger

	// mmaplock: readers hold it shared for the life of their tx; growing
	// the mapping takes it exclusive and therefore waits for all readers.
	mmaplock lock.RWMutex

	// freelistlock protects freelist mutation.
	freelistlock sync.Mutex
	freelist     *Freelist

	// writeHook, when set, runs before every page write. Test
	// instrumentation for crash-injection.
	writeHook func(Pgid) error
}

// NewDisk returns an unopened disk handler.
func NewDisk(pageSize int, logger *zap.Logger) *Disk {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Disk{
		pageSize: pageSize,
		logger:   logger,
		mmaplock: lock.NewCASMutex(),
		freelist: NewFreelist(),
	}
}

// Open opens or creates the file, acquires the exclusive advisory lock, and
// maps at least InitMmapSize bytes. It returns the current file size; a
// size of zero means the caller must format the initial pages.
func (d *Disk) Open(path string) (int64, error) {
	d.logger.Debug("opening db file", zap.String("path", path))

	f, err := mmap.Open(path, InitMmapSize)
	if err != nil {
		if errors.Is(err, mmap.ErrLocked) {
			return 0, ErrLocked
		}
		return 0, fmt.Errorf("open %s: %w", path, err)
	}

	size, err := f.FileSize()
	if err != nil {
		f.Close()
		return 0, err
	}

	d.path = path
	d.file = f
	d.opened = true
	return size, nil
}

// Close unmaps the file, releases the lock, and closes the descriptor.
func (d *Disk) Close() error {
	if !d.opened {
		return nil
	}
	d.opened = false
	return d.file.Close()
}

// PageSize returns the physical page size.
func (d *Disk) PageSize() int {
	return d.pageSize
}

// Path returns the database file path.
func (d *Disk) Path() string {
	return d.path
}

// AcquireReader takes the mapping lock shared. Every read transaction holds
// it for its whole life so the mapping cannot move under it.
func (d *Disk) AcquireReader() {
	d.mmaplock.RLock()
}

// ReleaseReader releases the shared mapping lock.
func (d *Disk) ReleaseReader() {
	d.mmaplock.RUnlock()
}

// GetPage returns a borrowed view of the logical page at id, bounds-checked
// against the mapping and magic-checked.
func (d *Disk) GetPage(id Pgid) (*Page, error) {
	if !d.opened {
		return nil, fmt.Errorf("pager: disk not open")
	}
	off := int64(id) * int64(d.pageSize)
	base := d.file.Slice(off, int64(d.pageSize))
	if base == nil {
		return nil, fmt.Errorf("%w: page %d beyond mapping", ErrCorrupt, id)
	}
	p := NewPage(base, d.pageSize)
	if err := p.CheckMagic(); err != nil {
		return nil, err
	}
	if got := p.ID(); got != id {
		return nil, fmt.Errorf("%w: page %d carries id %d", ErrCorrupt, id, got)
	}
	if ovf := p.Overflow(); ovf > 0 {
		span := d.file.Slice(off, int64(d.pageSize)*int64(ovf+1))
		if span == nil {
			return nil, fmt.Errorf("%w: page %d overflow beyond mapping", ErrCorrupt, id)
		}
		p = NewPage(span, d.pageSize)
	}
	return p, nil
}

// ReadPhysical reads raw bytes at a page-aligned offset through the
// descriptor. Used to probe meta pages before trusting the mapping.
func (d *Disk) ReadPhysical(id Pgid, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := d.file.ReadAt(buf, int64(id)*int64(d.pageSize)); err != nil {
		return nil, fmt.Errorf("pager: short read of page %d: %w", id, err)
	}
	return buf, nil
}

// WritePage writes the page's whole logical span at its id.
func (d *Disk) WritePage(p *Page) error {
	if d.writeHook != nil {
		if err := d.writeHook(p.ID()); err != nil {
			return err
		}
	}
	off := int64(p.ID()) * int64(d.pageSize)
	return d.file.WriteAt(p.Buf(), off)
}

// WriteBuffer writes a whole shadow buffer contiguously starting at
// startPgid.
func (d *Disk) WriteBuffer(buf *PageBuffer, startPgid Pgid) error {
	if d.writeHook != nil {
		if err := d.writeHook(startPgid); err != nil {
			return err
		}
	}
	off := int64(startPgid) * int64(d.pageSize)
	return d.file.WriteAt(buf.Bytes(), off)
}

// Sync flushes the data file.
func (d *Disk) Sync() error {
	return d.file.Sync()
}

// EnsureSize grows the file so every page below the watermark is backed by
// real file bytes before the mapping is read through.
func (d *Disk) EnsureSize(bytes int64) error {
	return d.file.Truncate(bytes)
}

// SetWriteHook installs a hook that runs before every page write. Passing
// nil removes it. Test instrumentation only.
func (d *Disk) SetWriteHook(hook func(Pgid) error) {
	d.writeHook = hook
}

// Allocate returns a fresh shadow page spanning count physical pages. It
// prefers a contiguous run from the freelist; otherwise it bumps the meta
// watermark, growing the mapping first if the new extent passes its end.
// The second return reports whether the pages came from the freelist, so an
// aborted tx can hand them back.
func (d *Disk) Allocate(meta *Meta, count int) (ShadowPage, bool, error) {
	sp := NewShadowPage(NewPageBuffer(count, d.pageSize))
	p := sp.Get()
	p.SetOverflow(count - 1)
	p.SetMagic()

	d.freelistlock.Lock()
	id, ok := d.freelist.Allocate(count)
	d.freelistlock.Unlock()
	if ok {
		p.SetID(id)
		d.logger.Debug("allocated from freelist",
			zap.Uint64("pgid", uint64(id)), zap.Int("count", count))
		return sp, true, nil
	}

	wm := meta.Watermark
	p.SetID(wm)
	minSize := int64(wm+Pgid(count)) * int64(d.pageSize)
	if minSize > d.file.Size() {
		newSize := d.file.Size()
		for newSize < minSize {
			newSize *= growthFactor
		}
		d.logger.Info("growing mapping",
			zap.Int64("from", d.file.Size()), zap.Int64("to", newSize))
		// Growing waits for every open reader to finish.
		d.mmaplock.Lock()
		err := d.file.Grow(newSize)
		d.mmaplock.Unlock()
		if err != nil {
			return ShadowPage{}, false, err
		}
	}
	meta.Watermark = wm + Pgid(count)
	return sp, false, nil
}

// FreePages records pages released by txid, pending until Release.
func (d *Disk) FreePages(txid uint64, id Pgid, span int) {
	d.freelistlock.Lock()
	d.freelist.Free(txid, id, span)
	d.freelistlock.Unlock()
}

// ReleasePages merges pending frees below minOpenTxid into the free set and
// returns the released ids.
func (d *Disk) ReleasePages(minOpenTxid uint64) []Pgid {
	d.freelistlock.Lock()
	released := d.freelist.Release(minOpenTxid)
	d.freelistlock.Unlock()
	return released
}

// RollbackPages discards txid's pending frees and returns freelist
// allocations it took.
func (d *Disk) RollbackPages(txid uint64, allocated []Pgid) {
	d.freelistlock.Lock()
	d.freelist.Rollback(txid, allocated)
	d.freelistlock.Unlock()
}

// LoadFreelist reads the persisted freelist from the given page.
func (d *Disk) LoadFreelist(id Pgid) error {
	p, err := d.GetPage(id)
	if err != nil {
		return err
	}
	d.freelistlock.Lock()
	defer d.freelistlock.Unlock()
	return d.freelist.Read(p)
}

// FreelistSpan returns the physical pages needed to persist the freelist.
func (d *Disk) FreelistSpan() int {
	d.freelistlock.Lock()
	defer d.freelistlock.Unlock()
	return d.freelist.PageSpan(d.pageSize)
}

// WriteFreelist serializes the freelist into a shadow page.
func (d *Disk) WriteFreelist(p *Page) error {
	d.freelistlock.Lock()
	defer d.freelistlock.Unlock()
	return d.freelist.Write(p)
}

// FreelistStats returns the free and pending page counts.
func (d *Disk) FreelistStats() (free, pending int) {
	d.freelistlock.Lock()
	defer d.freelistlock.Unlock()
	return d.freelist.FreeCount(), d.freelist.PendingCount()
}
