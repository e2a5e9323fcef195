package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/unkn0wn-root/spill/store"
)

func mustEncode(t *testing.T, e store.Entry) []byte {
	t.Helper()
	b, err := EncodeEntry(e)
	if err != nil {
		t.Fatalf("EncodeEntry error: %v", err)
	}
	return b
}

func mustDecode(t *testing.T, b []byte) store.Entry {
	t.Helper()
	e, err := DecodeEntry(b)
	if err != nil {
		t.Fatalf("DecodeEntry error: %v", err)
	}
	return e
}

func TestEntryRoundTrip(t *testing.T) {
	md := &store.Metadata{LifespanMillis: 1000, MaxIdleMillis: -1, CreatedAt: 42, LastUsed: 43, Version: []byte{1, 2}}
	cases := []store.Entry{
		store.NewEntry([]byte("k"), []byte("v"), nil),
		store.NewEntry([]byte("k"), nil, md), // empty value, not a tombstone
		store.NewEntry([]byte("key"), []byte{0, 1, 2, 3}, md).WithInternalMetadata([]byte("im")),
		store.NewTombstone([]byte("gone"), md),
	}
	for i, want := range cases {
		got := mustDecode(t, mustEncode(t, want))
		if !got.Equal(want) {
			t.Fatalf("case %d mismatch: got=%+v want=%+v", i, got, want)
		}
		if got.IsTombstone() != want.IsTombstone() {
			t.Fatalf("case %d tombstone flag lost", i)
		}
		if !bytes.Equal(got.InternalMetadata, want.InternalMetadata) {
			t.Fatalf("case %d internal metadata mismatch", i)
		}
	}
}

func TestEntryNegativeMetadataSurvives(t *testing.T) {
	md := &store.Metadata{LifespanMillis: -1, MaxIdleMillis: -1, CreatedAt: -5, LastUsed: 0}
	got := mustDecode(t, mustEncode(t, store.NewEntry([]byte("a"), []byte("b"), md)))
	if got.Metadata.LifespanMillis != -1 || got.Metadata.MaxIdleMillis != -1 || got.Metadata.CreatedAt != -5 {
		t.Fatalf("metadata mismatch: %+v", got.Metadata)
	}
}

func TestEntryRejectsTrailingBytes(t *testing.T) {
	enc := mustEncode(t, store.NewEntry([]byte("k"), []byte("x"), nil))
	enc = append(enc, 0xDE, 0xAD)
	if _, err := DecodeEntry(enc); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt on trailing bytes, got %v", err)
	}
}

func TestEntryCorruptHeadersAndLengths(t *testing.T) {
	enc := mustEncode(t, store.NewEntry([]byte("k"), []byte("abc"), nil))

	badMagic := append([]byte(nil), enc...)
	badMagic[0] = 'X'
	if _, err := DecodeEntry(badMagic); err == nil {
		t.Fatalf("expected error on bad magic")
	}

	badVer := append([]byte(nil), enc...)
	badVer[4] = version + 1
	if _, err := DecodeEntry(badVer); err == nil {
		t.Fatalf("expected error on bad version")
	}

	badKind := append([]byte(nil), enc...)
	badKind[5] = 9
	if _, err := DecodeEntry(badKind); err == nil {
		t.Fatalf("expected error on bad kind")
	}

	// header 7 bytes, klen(4) at 7..11, key(1), vlen(4) at 12..16
	tooLong := append([]byte(nil), enc...)
	binary.BigEndian.PutUint32(tooLong[12:16], uint32(len("abc")+1))
	if _, err := DecodeEntry(tooLong); err == nil {
		t.Fatalf("expected error on vlen beyond buffer")
	}

	badKlen := append([]byte(nil), enc...)
	binary.BigEndian.PutUint32(badKlen[7:11], ^uint32(0))
	if _, err := DecodeEntry(badKlen); err == nil {
		t.Fatalf("expected error on klen beyond buffer")
	}

	trunc := enc[:len(enc)-1]
	if _, err := DecodeEntry(trunc); err == nil {
		t.Fatalf("expected error on truncated buffer")
	}
}

func TestTombstoneWithoutMetadataIsCorrupt(t *testing.T) {
	enc := mustEncode(t, store.NewTombstone([]byte("k"), nil))
	// clear the metadata flag and splice out the 34 metadata bytes
	md := 4*8 + 2
	forged := append([]byte(nil), enc[:7]...)
	forged[6] = 0
	forged = append(forged, enc[7+md:]...)
	if _, err := DecodeEntry(forged); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestVersionLengthValidation(t *testing.T) {
	md := &store.Metadata{LifespanMillis: -1, MaxIdleMillis: -1, Version: []byte(strings.Repeat("v", 0x10000))}
	if _, err := EncodeEntry(store.Entry{Key: []byte("k"), Value: []byte("v"), Metadata: md}); !errors.Is(err, ErrVersionTooLong) {
		t.Fatalf("expected ErrVersionTooLong, got %v", err)
	}
	md.Version = md.Version[:0xFFFF]
	if _, err := EncodeEntry(store.Entry{Key: []byte("k"), Value: []byte("v"), Metadata: md}); err != nil {
		t.Fatalf("boundary version length should succeed: %v", err)
	}
}

func TestEntryZeroCopyValue(t *testing.T) {
	enc := mustEncode(t, store.NewEntry([]byte("k"), []byte("Z"), nil))
	e := mustDecode(t, enc)
	e.Value[0] = 'Q'
	if e2 := mustDecode(t, enc); e2.Value[0] != 'Q' {
		t.Fatalf("expected zero-copy value slice into enc buffer")
	}
}
