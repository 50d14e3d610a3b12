package pager

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const (
	// MetaMagic identifies the meta record inside a meta page.
	MetaMagic uint32 = 0x53444B4D // "MKDS"

	// Version of the file format.
	Version uint32 = 1

	// metaPayloadSize is the checksummed prefix of the meta record:
	// magic, version, page_size, flags (4 x u32) followed by
	// buckets_pgid, freelist_pgid, watermark, txid (4 x u64).
	metaPayloadSize = 4*4 + 4*8

	// metaRecordSize adds the trailing u64 checksum.
	metaRecordSize = metaPayloadSize + 8
)

// ErrVersionMismatch is returned when a valid meta carries an unsupported
// format version.
var ErrVersionMismatch = errors.New("pager: unsupported file format version")

// Meta is the database root state. Two copies live at page ids 0 and 1 and
// are written alternately; the copy at txid % 2 is overwritten at commit.
type Meta struct {
	Magic     uint32
	Version   uint32
	PageSize  uint32
	Flags     uint32
	Buckets   Pgid
	Freelist  Pgid
	Watermark Pgid
	Txid      uint64
	Checksum  uint64
}

// MetaPgid returns the page id this meta belongs at for its txid.
func (m *Meta) MetaPgid() Pgid {
	return Pgid(m.Txid % 2)
}

// IncrementTxid advances the transaction id by exactly one.
func (m *Meta) IncrementTxid() {
	m.Txid++
}

// encodePayload writes the checksummed prefix into b.
func (m *Meta) encodePayload(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], m.Magic)
	binary.LittleEndian.PutUint32(b[4:8], m.Version)
	binary.LittleEndian.PutUint32(b[8:12], m.PageSize)
	binary.LittleEndian.PutUint32(b[12:16], m.Flags)
	binary.LittleEndian.PutUint64(b[16:24], uint64(m.Buckets))
	binary.LittleEndian.PutUint64(b[24:32], uint64(m.Freelist))
	binary.LittleEndian.PutUint64(b[32:40], uint64(m.Watermark))
	binary.LittleEndian.PutUint64(b[40:48], m.Txid)
}

// Sum64 computes the checksum over the encoded payload.
func (m *Meta) Sum64() uint64 {
	var b [metaPayloadSize]byte
	m.encodePayload(b[:])
	return xxhash.Sum64(b[:])
}

// Write serializes the meta into p, computing the checksum last. The page
// header is stamped with the meta page id for this txid.
func (m *Meta) Write(p *Page) {
	m.Magic = MetaMagic
	m.Version = Version
	m.Checksum = m.Sum64()

	p.Init(m.MetaPgid(), MetaPage, 0)
	body := p.Buf()[PageHeaderSize:]
	m.encodePayload(body[:metaPayloadSize])
	binary.LittleEndian.PutUint64(body[metaPayloadSize:metaRecordSize], m.Checksum)
}

// Validate checks magic, version, and checksum.
func (m *Meta) Validate() error {
	if m.Magic != MetaMagic {
		return fmt.Errorf("%w: bad meta magic %#x", ErrCorrupt, m.Magic)
	}
	if m.Version != Version {
		return fmt.Errorf("%w: version %d (expected %d)", ErrVersionMismatch, m.Version, Version)
	}
	if sum := m.Sum64(); sum != m.Checksum {
		return fmt.Errorf("%w: meta checksum mismatch (txid %d)", ErrCorrupt, m.Txid)
	}
	return nil
}

// ReadMeta decodes a meta record from the page body and validates it.
func ReadMeta(p *Page) (Meta, error) {
	if err := p.CheckMagic(); err != nil {
		return Meta{}, err
	}
	if p.Flags()&MetaPage == 0 {
		return Meta{}, fmt.Errorf("%w: page %d is not a meta page", ErrCorrupt, p.ID())
	}
	return DecodeMeta(p.Buf()[PageHeaderSize:])
}

// DecodeMeta decodes a meta record from raw body bytes and validates it.
// It is split out from ReadMeta so open can probe a file whose page size is
// not yet known.
func DecodeMeta(body []byte) (Meta, error) {
	if len(body) < metaRecordSize {
		return Meta{}, fmt.Errorf("%w: meta record truncated", ErrCorrupt)
	}
	m := Meta{
		Magic:     binary.LittleEndian.Uint32(body[0:4]),
		Version:   binary.LittleEndian.Uint32(body[4:8]),
		PageSize:  binary.LittleEndian.Uint32(body[8:12]),
		Flags:     binary.LittleEndian.Uint32(body[12:16]),
		Buckets:   Pgid(binary.LittleEndian.Uint64(body[16:24])),
		Freelist:  Pgid(binary.LittleEndian.Uint64(body[24:32])),
		Watermark: Pgid(binary.LittleEndian.Uint64(body[32:40])),
		Txid:      binary.LittleEndian.Uint64(body[40:48]),
		Checksum:  binary.LittleEndian.Uint64(body[48:56]),
	}
	if err := m.Validate(); err != nil {
		return Meta{}, err
	}
	return m, nil
}
