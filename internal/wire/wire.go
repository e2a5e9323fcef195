package wire

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/unkn0wn-root/spill/store"
)

const (
	version       byte = 1
	kindEntry     byte = 1
	kindTombstone byte = 2

	flagMetadata byte = 1 << 0
)

var (
	ErrCorrupt        = errors.New("spill: corrupt entry")
	ErrVersionTooLong = errors.New("spill: metadata version longer than 65535 bytes")
	magic4            = [...]byte{'S', 'P', 'I', 'L'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Entry layout:
//
//	magic(4) | ver(1) | kind(1) | flags(1)
//	[flags&meta] lifespan(i64) | maxIdle(i64) | created(i64) | lastUsed(i64) | verLen(u16) | version
//	klen(u32) | key
//	[kind=entry] vlen(u32) | value
//	imlen(u32) | internal metadata
func EncodeEntry(e store.Entry) ([]byte, error) {
	if e.Metadata != nil && len(e.Metadata.Version) > 0xFFFF {
		return nil, ErrVersionTooLong
	}
	total := 4 + 1 + 1 + 1 + 4 + len(e.Key) + 4 + len(e.InternalMetadata)
	if e.Metadata != nil {
		total += 4*8 + 2 + len(e.Metadata.Version)
	}
	if !e.IsTombstone() {
		total += 4 + len(e.Value)
	}

	var buf bytes.Buffer
	buf.Grow(total)

	buf.Write(magic4[:])
	buf.WriteByte(version)
	if e.IsTombstone() {
		buf.WriteByte(kindTombstone)
	} else {
		buf.WriteByte(kindEntry)
	}
	var flags byte
	if e.Metadata != nil {
		flags |= flagMetadata
	}
	buf.WriteByte(flags)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	if md := e.Metadata; md != nil {
		for _, v := range [...]int64{md.LifespanMillis, md.MaxIdleMillis, md.CreatedAt, md.LastUsed} {
			binary.BigEndian.PutUint64(u8[:], uint64(v))
			buf.Write(u8[:])
		}
		binary.BigEndian.PutUint16(u2[:], uint16(len(md.Version)))
		buf.Write(u2[:])
		buf.Write(md.Version)
	}

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Key)))
	buf.Write(u4[:])
	buf.Write(e.Key)

	if !e.IsTombstone() {
		binary.BigEndian.PutUint32(u4[:], uint32(len(e.Value)))
		buf.Write(u4[:])
		buf.Write(e.Value)
	}

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.InternalMetadata)))
	buf.Write(u4[:])
	buf.Write(e.InternalMetadata)

	return buf.Bytes(), nil
}

// DecodeEntry parses b. The returned slices alias b.
func DecodeEntry(b []byte) (store.Entry, error) {
	const hdr = 4 + 1 + 1 + 1
	if len(b) < hdr || !hasMagic(b) || b[4] != version {
		return store.Entry{}, ErrCorrupt
	}
	kind := b[5]
	if kind != kindEntry && kind != kindTombstone {
		return store.Entry{}, ErrCorrupt
	}
	flags := b[6]
	r := reader{b: b, off: hdr}

	var e store.Entry
	if flags&flagMetadata != 0 {
		md := &store.Metadata{}
		md.LifespanMillis = int64(r.u64())
		md.MaxIdleMillis = int64(r.u64())
		md.CreatedAt = int64(r.u64())
		md.LastUsed = int64(r.u64())
		if vl := int(r.u16()); vl > 0 {
			md.Version = r.bytes(vl)
		}
		e.Metadata = md
	}
	e.Key = r.bytes(int(r.u32()))
	if kind == kindEntry {
		e.Value = r.bytes(int(r.u32()))
		if e.Value == nil && !r.bad {
			e.Value = []byte{}
		}
	} else if e.Metadata == nil {
		// tombstones always carry metadata
		return store.Entry{}, ErrCorrupt
	}
	if il := int(r.u32()); il > 0 {
		e.InternalMetadata = r.bytes(il)
	}
	if r.bad || r.off != len(b) {
		return store.Entry{}, ErrCorrupt
	}
	return e, nil
}

type reader struct {
	b   []byte
	off int
	bad bool
}

func (r *reader) need(n int) bool {
	if r.bad || n < 0 || n > len(r.b)-r.off {
		r.bad = true
		return false
	}
	return true
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.b[r.off : r.off+8])
	r.off += 8
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.b[r.off : r.off+4])
	r.off += 4
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.b[r.off : r.off+2])
	r.off += 2
	return v
}

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	if n == 0 {
		return nil
	}
	v := r.b[r.off : r.off+n]
	r.off += n
	return v
}
