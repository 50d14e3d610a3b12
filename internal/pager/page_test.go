package pager_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oda/shadowkv/internal/pager"
)

func newTestPage(t *testing.T, count int) *pager.Page {
	t.Helper()
	buf := pager.NewPageBuffer(count, pager.DefaultPageSize)
	p := pager.NewPage(buf.Bytes(), pager.DefaultPageSize)
	p.Init(7, pager.LeafPage, count-1)
	return p
}

func TestPageHeader(t *testing.T) {
	p := newTestPage(t, 1)

	require.Equal(t, pager.Pgid(7), p.ID())
	require.Equal(t, pager.LeafPage, p.Flags())
	require.Equal(t, 0, p.Count())
	require.Equal(t, 0, p.Overflow())
	require.Equal(t, 1, p.Span())
	require.NoError(t, p.CheckMagic())

	p.SetCount(42)
	require.Equal(t, 42, p.Count())

	p.SetID(11)
	require.Equal(t, pager.Pgid(11), p.ID())
}

func TestPageBadMagic(t *testing.T) {
	buf := pager.NewPageBuffer(1, pager.DefaultPageSize)
	p := pager.NewPage(buf.Bytes(), pager.DefaultPageSize)
	p.SetID(3)

	err := p.CheckMagic()
	require.ErrorIs(t, err, pager.ErrCorrupt)
}

func TestSerializerRoundTrip(t *testing.T) {
	p := newTestPage(t, 1)

	s := pager.NewSerializer(p)
	require.NoError(t, s.PutUint8(0xAB))
	require.NoError(t, s.PutUint16(0xBEEF))
	require.NoError(t, s.PutUint32(0xDEADBEEF))
	require.NoError(t, s.PutUint64(1<<40))
	require.NoError(t, s.PutPgid(99))
	require.NoError(t, s.PutBytes([]byte("hello")))
	require.NoError(t, s.PutRaw([]byte{1, 2, 3}))

	d := pager.NewDeserializer(p)
	u8, err := d.Uint8()
	require.NoError(t, err)
	require.Equal(t, uint8(0xAB), u8)
	u16, err := d.Uint16()
	require.NoError(t, err)
	require.Equal(t, uint16(0xBEEF), u16)
	u32, err := d.Uint32()
	require.NoError(t, err)
	require.Equal(t, uint32(0xDEADBEEF), u32)
	u64, err := d.Uint64()
	require.NoError(t, err)
	require.Equal(t, uint64(1<<40), u64)
	id, err := d.Pgid()
	require.NoError(t, err)
	require.Equal(t, pager.Pgid(99), id)
	b, err := d.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), b)
	raw, err := d.Raw(3)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, raw)
}

func TestSerializerRespectsSpan(t *testing.T) {
	p := newTestPage(t, 1)

	s := pager.NewSerializer(p)
	big := make([]byte, pager.DefaultPageSize)
	err := s.PutRaw(big)
	require.ErrorIs(t, err, pager.ErrOutOfSpace)

	// The same payload fits on a two-page span.
	p2 := newTestPage(t, 2)
	s2 := pager.NewSerializer(p2)
	require.NoError(t, s2.PutRaw(big))
}

func TestDeserializerTruncated(t *testing.T) {
	p := newTestPage(t, 1)

	s := pager.NewSerializer(p)
	require.NoError(t, s.PutUint32(uint32(pager.DefaultPageSize*2))) // lies about length

	d := pager.NewDeserializer(p)
	_, err := d.Bytes()
	require.ErrorIs(t, err, pager.ErrCorrupt)
}

func TestPageExtendedCount(t *testing.T) {
	p := newTestPage(t, 1)

	p.SetCount(pager.OverflowCountMarker + 5)
	require.True(t, p.CountIsExtended())
	require.Equal(t, pager.OverflowCountMarker+5, p.Count())

	// The serializer must start past the extended count word.
	s := pager.NewSerializer(p)
	require.NoError(t, s.PutUint64(0x1122334455667788))
	d := pager.NewDeserializer(p)
	v, err := d.Uint64()
	require.NoError(t, err)
	require.Equal(t, uint64(0x1122334455667788), v)
	require.Equal(t, pager.OverflowCountMarker+5, p.Count())
}
