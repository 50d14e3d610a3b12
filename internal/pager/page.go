// Package pager implements the on-disk page format, the meta pages, the
// freelist, and file I/O for a single-file shadow-paging store.
package pager

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// DefaultPageSize is the standard 4096-byte OS page size. The engine
	// takes its page size from the caller's configuration, not from here.
	DefaultPageSize = 4096

	// PageMagic identifies every page written by this engine. It is
	// asserted on each fetch from the mapping.
	PageMagic uint32 = 0x53484B56 // "SHKV"

	// PageHeaderSize is the fixed size of the page header:
	// id:u64 | flags:u16 | count:u16 | overflow:u32 | magic:u32
	PageHeaderSize = 20

	// OverflowCountMarker is stored in the count field when the real
	// entry count does not fit in 16 bits; the count then lives in the
	// first word of the body.
	OverflowCountMarker = 0xFFFF
)

// Pgid identifies a page. The page starts at file offset id * pageSize.
type Pgid uint64

// PageFlags discriminates the page variants.
type PageFlags uint16

const (
	MetaPage PageFlags = 1 << iota
	FreelistPage
	BucketsPage
	BranchPage
	LeafPage
)

// Errors reported by the page layer.
var (
	// ErrCorrupt means a page or meta failed a magic or checksum
	// assertion, or its body could not be decoded.
	ErrCorrupt = errors.New("pager: corrupted page")

	// ErrOutOfSpace means a serializer cursor would pass the end of the
	// page's logical span.
	ErrOutOfSpace = errors.New("pager: page body exhausted")
)

// Page is a typed view over a contiguous byte block. It never owns the
// bytes; they belong to the mapping or to a transaction's shadow buffer.
// The block spans (Overflow()+1) * pageSize bytes.
type Page struct {
	buf      []byte
	pageSize int
}

// NewPage wraps buf, which must span a whole number of pages.
func NewPage(buf []byte, pageSize int) *Page {
	return &Page{buf: buf, pageSize: pageSize}
}

// ID returns the page identifier.
func (p *Page) ID() Pgid {
	return Pgid(binary.LittleEndian.Uint64(p.buf[0:8]))
}

// SetID sets the page identifier.
func (p *Page) SetID(id Pgid) {
	binary.LittleEndian.PutUint64(p.buf[0:8], uint64(id))
}

// Flags returns the page variant discriminator.
func (p *Page) Flags() PageFlags {
	return PageFlags(binary.LittleEndian.Uint16(p.buf[8:10]))
}

// SetFlags sets the page variant discriminator.
func (p *Page) SetFlags(f PageFlags) {
	binary.LittleEndian.PutUint16(p.buf[8:10], uint16(f))
}

// Count returns the number of logical entries in the body. If the stored
// count is the overflow marker the real count is read from the first body
// word.
func (p *Page) Count() int {
	c := binary.LittleEndian.Uint16(p.buf[10:12])
	if c == OverflowCountMarker {
		return int(binary.LittleEndian.Uint64(p.buf[PageHeaderSize : PageHeaderSize+8]))
	}
	return int(c)
}

// SetCount records the number of logical entries. Counts that do not fit in
// 16 bits store the marker in the header and the count in the first body
// word; the body serializer must then start past that word.
func (p *Page) SetCount(n int) {
	if n >= OverflowCountMarker {
		binary.LittleEndian.PutUint16(p.buf[10:12], OverflowCountMarker)
		binary.LittleEndian.PutUint64(p.buf[PageHeaderSize:PageHeaderSize+8], uint64(n))
		return
	}
	binary.LittleEndian.PutUint16(p.buf[10:12], uint16(n))
}

// CountIsExtended reports whether the count lives in the first body word.
func (p *Page) CountIsExtended() bool {
	return binary.LittleEndian.Uint16(p.buf[10:12]) == OverflowCountMarker
}

// Overflow returns the number of additional contiguous pages belonging to
// this logical page.
func (p *Page) Overflow() int {
	return int(binary.LittleEndian.Uint32(p.buf[12:16]))
}

// SetOverflow sets the number of additional contiguous pages.
func (p *Page) SetOverflow(n int) {
	binary.LittleEndian.PutUint32(p.buf[12:16], uint32(n))
}

// Magic returns the stored page magic.
func (p *Page) Magic() uint32 {
	return binary.LittleEndian.Uint32(p.buf[16:20])
}

// SetMagic stamps the page magic.
func (p *Page) SetMagic() {
	binary.LittleEndian.PutUint32(p.buf[16:20], PageMagic)
}

// CheckMagic validates the stored magic.
func (p *Page) CheckMagic() error {
	if m := p.Magic(); m != PageMagic {
		return fmt.Errorf("%w: page %d has magic %#x", ErrCorrupt, p.ID(), m)
	}
	return nil
}

// Init stamps a fresh header: id, flags, overflow, zero count, magic.
func (p *Page) Init(id Pgid, flags PageFlags, overflow int) {
	p.SetID(id)
	p.SetFlags(flags)
	binary.LittleEndian.PutUint16(p.buf[10:12], 0)
	p.SetOverflow(overflow)
	p.SetMagic()
}

// Span returns the number of physical pages this logical page occupies.
func (p *Page) Span() int {
	return p.Overflow() + 1
}

// Size returns the logical span in bytes.
func (p *Page) Size() int {
	return p.Span() * p.pageSize
}

// PageSize returns the physical page size this view was built with.
func (p *Page) PageSize() int {
	return p.pageSize
}

// Buf returns the raw bytes of the whole logical span.
func (p *Page) Buf() []byte {
	return p.buf
}

// bodyStart returns the offset of the first serializable body byte.
func (p *Page) bodyStart() int {
	if p.CountIsExtended() {
		return PageHeaderSize + 8
	}
	return PageHeaderSize
}

// Serializer writes length-prefixed byte strings, fixed-width little-endian
// integers, and pgids into a page body, maintaining a cursor. It fails with
// ErrOutOfSpace rather than write past the logical span.
type Serializer struct {
	p   *Page
	pos int
}

// NewSerializer positions a write cursor at the start of the body. It must
// be created after SetCount so the extended-count word is accounted for.
func NewSerializer(p *Page) *Serializer {
	return &Serializer{p: p, pos: p.bodyStart()}
}

func (s *Serializer) reserve(n int) ([]byte, error) {
	if s.pos+n > s.p.Size() {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d of %d",
			ErrOutOfSpace, n, s.pos, s.p.Size())
	}
	b := s.p.buf[s.pos : s.pos+n]
	s.pos += n
	return b, nil
}

// PutUint8 writes a single byte.
func (s *Serializer) PutUint8(v uint8) error {
	b, err := s.reserve(1)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

// PutUint16 writes a little-endian uint16.
func (s *Serializer) PutUint16(v uint16) error {
	b, err := s.reserve(2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

// PutUint32 writes a little-endian uint32.
func (s *Serializer) PutUint32(v uint32) error {
	b, err := s.reserve(4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

// PutUint64 writes a little-endian uint64.
func (s *Serializer) PutUint64(v uint64) error {
	b, err := s.reserve(8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// PutPgid writes a page identifier.
func (s *Serializer) PutPgid(id Pgid) error {
	return s.PutUint64(uint64(id))
}

// PutRaw writes bytes without a length prefix.
func (s *Serializer) PutRaw(v []byte) error {
	b, err := s.reserve(len(v))
	if err != nil {
		return err
	}
	copy(b, v)
	return nil
}

// PutBytes writes a uint32 length prefix followed by the bytes.
func (s *Serializer) PutBytes(v []byte) error {
	if err := s.PutUint32(uint32(len(v))); err != nil {
		return err
	}
	return s.PutRaw(v)
}

// Pos returns the cursor offset from the start of the page.
func (s *Serializer) Pos() int {
	return s.pos
}

// Deserializer reads the formats written by Serializer. Byte strings are
// borrowed views into the page; they are valid only as long as the page.
type Deserializer struct {
	p   *Page
	pos int
}

// NewDeserializer positions a read cursor at the start of the body.
func NewDeserializer(p *Page) *Deserializer {
	return &Deserializer{p: p, pos: p.bodyStart()}
}

func (d *Deserializer) take(n int) ([]byte, error) {
	if d.pos+n > d.p.Size() {
		return nil, fmt.Errorf("%w: page %d body truncated at offset %d",
			ErrCorrupt, d.p.ID(), d.pos)
	}
	b := d.p.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// Uint8 reads a single byte.
func (d *Deserializer) Uint8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint16 reads a little-endian uint16.
func (d *Deserializer) Uint16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Uint32 reads a little-endian uint32.
func (d *Deserializer) Uint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Uint64 reads a little-endian uint64.
func (d *Deserializer) Uint64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Pgid reads a page identifier.
func (d *Deserializer) Pgid() (Pgid, error) {
	v, err := d.Uint64()
	return Pgid(v), err
}

// Raw reads n bytes without a length prefix.
func (d *Deserializer) Raw(n int) ([]byte, error) {
	return d.take(n)
}

// Bytes reads a uint32 length prefix followed by that many bytes.
func (d *Deserializer) Bytes() ([]byte, error) {
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	return d.take(int(n))
}
