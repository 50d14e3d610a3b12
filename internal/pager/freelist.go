package pager

import (
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set"
)

// Freelist tracks pages released by closed transactions. Freed pages stay
// pending under the txid that released them until every reader that could
// still reach them has closed; only then do they become reusable.
//
// Callers serialize access (the db holds a freelist lock).
type Freelist struct {
	ids     []Pgid                // sorted, deduplicated reusable pages
	pending map[uint64]mapset.Set // txid -> set of Pgid freed by that tx
}

// NewFreelist returns an empty freelist.
func NewFreelist() *Freelist {
	return &Freelist{pending: make(map[uint64]mapset.Set)}
}

// FreeCount returns the number of immediately reusable pages.
func (f *Freelist) FreeCount() int {
	return len(f.ids)
}

// PendingCount returns the number of pages awaiting release.
func (f *Freelist) PendingCount() int {
	n := 0
	for _, set := range f.pending {
		n += set.Cardinality()
	}
	return n
}

// Count returns free plus pending pages.
func (f *Freelist) Count() int {
	return f.FreeCount() + f.PendingCount()
}

// Allocate scans for the first run of n contiguous free page ids, removes
// it, and returns the starting id. Returns false if no such run exists.
func (f *Freelist) Allocate(n int) (Pgid, bool) {
	if n <= 0 || len(f.ids) == 0 {
		return 0, false
	}

	var initial Pgid
	var prev Pgid
	for i, id := range f.ids {
		if prev == 0 || id-prev != 1 {
			initial = id
		}
		if int(id-initial)+1 == n {
			f.ids = append(f.ids[:i-n+1], f.ids[i+1:]...)
			return initial, true
		}
		prev = id
	}
	return 0, false
}

// Free records that the tx with the given id released span pages starting
// at id. They become reusable once Release observes no older readers.
func (f *Freelist) Free(txid uint64, id Pgid, span int) {
	set, ok := f.pending[txid]
	if !ok {
		set = mapset.NewThreadUnsafeSet()
		f.pending[txid] = set
	}
	for i := 0; i < span; i++ {
		set.Add(id + Pgid(i))
	}
}

// Release merges pending[t] into the free set for every t strictly below
// minOpenTxid, keeping the free set sorted and deduplicated. It returns the
// released ids so callers can drop derived state (cached nodes).
func (f *Freelist) Release(minOpenTxid uint64) []Pgid {
	var released []Pgid
	for txid, set := range f.pending {
		if txid >= minOpenTxid {
			continue
		}
		set.Each(func(v interface{}) bool {
			released = append(released, v.(Pgid))
			return false
		})
		delete(f.pending, txid)
	}
	if len(released) == 0 {
		return nil
	}

	f.ids = append(f.ids, released...)
	sort.Slice(f.ids, func(i, j int) bool { return f.ids[i] < f.ids[j] })
	f.ids = dedupe(f.ids)
	return released
}

// Rollback discards the pending set of txid and returns reclaimed ids to
// the free set. It undoes both Free calls made by an aborted tx and the
// allocations it took from the free set.
func (f *Freelist) Rollback(txid uint64, allocated []Pgid) {
	delete(f.pending, txid)
	if len(allocated) == 0 {
		return
	}
	f.ids = append(f.ids, allocated...)
	sort.Slice(f.ids, func(i, j int) bool { return f.ids[i] < f.ids[j] })
	f.ids = dedupe(f.ids)
}

// PageSpan returns how many physical pages are needed to persist the list.
func (f *Freelist) PageSpan(pageSize int) int {
	n := f.Count()
	size := PageHeaderSize + n*8
	if n >= OverflowCountMarker {
		size += 8
	}
	return (size + pageSize - 1) / pageSize
}

// Write serializes the freelist into p. Free and pending ids are written as
// one merged sorted vector: any reader of the meta that will reference this
// page has a txid at or past every pending release, and no in-process state
// survives a restart, so the distinction does not need to be persisted.
func (f *Freelist) Write(p *Page) error {
	all := make([]Pgid, 0, f.Count())
	all = append(all, f.ids...)
	for _, set := range f.pending {
		set.Each(func(v interface{}) bool {
			all = append(all, v.(Pgid))
			return false
		})
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	p.SetFlags(FreelistPage)
	p.SetCount(len(all))
	p.SetMagic()
	s := NewSerializer(p)
	for _, id := range all {
		if err := s.PutPgid(id); err != nil {
			return err
		}
	}
	return nil
}

// Read loads the free vector from p. All persisted ids become immediately
// reusable: no readers survive a restart.
func (f *Freelist) Read(p *Page) error {
	if err := p.CheckMagic(); err != nil {
		return err
	}
	if p.Flags()&FreelistPage == 0 {
		return fmt.Errorf("%w: page %d is not a freelist page", ErrCorrupt, p.ID())
	}

	n := p.Count()
	ids := make([]Pgid, 0, n)
	d := NewDeserializer(p)
	for i := 0; i < n; i++ {
		id, err := d.Pgid()
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	f.ids = dedupe(ids)
	f.pending = make(map[uint64]mapset.Set)
	return nil
}

// dedupe removes adjacent duplicates from a sorted slice.
func dedupe(ids []Pgid) []Pgid {
	out := ids[:0]
	var prev Pgid
	for i, id := range ids {
		if i > 0 && id == prev {
			continue
		}
		out = append(out, id)
		prev = id
	}
	return out
}
