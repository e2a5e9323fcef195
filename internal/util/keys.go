package util

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Keyspace maps (segment, key) pairs onto flat string keys of the form
// <prefix><sep>s<segment><sep><hex(key)>. Hex keeps arbitrary key bytes inside
// the character sets accepted by redis patterns, NATS subjects and file names.
type Keyspace struct {
	Prefix string
	Sep    byte
}

// SegmentPrefix returns the common prefix of every key in segment.
func (k Keyspace) SegmentPrefix(segment int) string {
	var b strings.Builder
	b.Grow(len(k.Prefix) + 8)
	if k.Prefix != "" {
		b.WriteString(k.Prefix)
		b.WriteByte(k.Sep)
	}
	b.WriteByte('s')
	b.WriteString(strconv.Itoa(segment))
	b.WriteByte(k.Sep)
	return b.String()
}

// Root returns the prefix shared by every key in the keyspace.
func (k Keyspace) Root() string {
	if k.Prefix == "" {
		return "s"
	}
	return k.Prefix + string(k.Sep) + "s"
}

func (k Keyspace) Key(segment int, key []byte) string {
	return k.SegmentPrefix(segment) + hex.EncodeToString(key)
}

// Parse is the inverse of Key. ok is false for foreign keys.
func (k Keyspace) Parse(s string) (segment int, key []byte, ok bool) {
	root := k.Root()
	if !strings.HasPrefix(s, root) {
		return 0, nil, false
	}
	rest := s[len(root):]
	i := strings.IndexByte(rest, k.Sep)
	if i <= 0 {
		return 0, nil, false
	}
	seg, err := strconv.Atoi(rest[:i])
	if err != nil || seg < 0 {
		return 0, nil, false
	}
	raw, err := hex.DecodeString(rest[i+1:])
	if err != nil {
		return 0, nil, false
	}
	return seg, raw, true
}

// Stripe picks one of n lock stripes for key.
func Stripe(key []byte, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64(key) % uint64(n))
}
