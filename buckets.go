package shadowkv

import (
	"fmt"
	"sort"

	"github.com/oda/shadowkv/internal/pager"
)

// bucketMeta is the persisted per-bucket state: the root of its tree and
// the auto-increment sequence.
type bucketMeta struct {
	root   pager.Pgid
	autoID uint64
}

// bucketRegistry is the in-memory view of the buckets page: bucket name to
// bucketMeta. A transaction owns its registry for its whole life; the
// registry is rewritten to a fresh (possibly overflowing) page at commit.
type bucketRegistry struct {
	m map[string]*bucketMeta
}

// newBucketRegistry returns an empty registry.
func newBucketRegistry() *bucketRegistry {
	return &bucketRegistry{m: make(map[string]*bucketMeta)}
}

// readBuckets materializes the registry from a buckets page.
func readBuckets(p *pager.Page) (*bucketRegistry, error) {
	if err := p.CheckMagic(); err != nil {
		return nil, err
	}
	if p.Flags()&pager.BucketsPage == 0 {
		return nil, fmt.Errorf("%w: page %d is not a buckets page", ErrCorrupt, p.ID())
	}

	r := newBucketRegistry()
	d := pager.NewDeserializer(p)
	for i := 0; i < p.Count(); i++ {
		name, err := d.Bytes()
		if err != nil {
			return nil, err
		}
		autoID, err := d.Uint64()
		if err != nil {
			return nil, err
		}
		root, err := d.Pgid()
		if err != nil {
			return nil, err
		}
		r.m[string(name)] = &bucketMeta{root: root, autoID: autoID}
	}
	return r, nil
}

// get returns the meta for name, or nil.
func (r *bucketRegistry) get(name string) *bucketMeta {
	return r.m[name]
}

// add registers a bucket. It fails if the name is empty or taken.
func (r *bucketRegistry) add(name string, meta *bucketMeta) error {
	if len(name) == 0 {
		return ErrBucketNameRequired
	}
	if _, ok := r.m[name]; ok {
		return ErrBucketExists
	}
	r.m[name] = meta
	return nil
}

// delete removes a bucket. It reports whether the bucket existed.
func (r *bucketRegistry) delete(name string) bool {
	if _, ok := r.m[name]; !ok {
		return false
	}
	delete(r.m, name)
	return true
}

// names returns the bucket names in ascending order.
func (r *bucketRegistry) names() []string {
	out := make([]string, 0, len(r.m))
	for name := range r.m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// storageSize returns the serialized byte size, including the page header.
func (r *bucketRegistry) storageSize() int {
	sz := pager.PageHeaderSize
	if len(r.m) >= pager.OverflowCountMarker {
		sz += 8
	}
	for name := range r.m {
		sz += 4 + len(name) + 8 + 8
	}
	return sz
}

// span returns the physical pages needed to persist the registry.
func (r *bucketRegistry) span(pageSize int) int {
	return (r.storageSize() + pageSize - 1) / pageSize
}

// write serializes the registry into a buckets page, names ascending.
func (r *bucketRegistry) write(p *pager.Page) error {
	p.SetFlags(pager.BucketsPage)
	p.SetCount(len(r.m))
	p.SetMagic()

	s := pager.NewSerializer(p)
	for _, name := range r.names() {
		b := r.m[name]
		if err := s.PutBytes([]byte(name)); err != nil {
			return err
		}
		if err := s.PutUint64(b.autoID); err != nil {
			return err
		}
		if err := s.PutPgid(b.root); err != nil {
			return err
		}
	}
	return nil
}
