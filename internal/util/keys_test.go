package util

import (
	"testing"
)

func TestKeyspaceParseInvertsKey(t *testing.T) {
	for _, ks := range []Keyspace{{Prefix: "spill", Sep: ':'}, {Sep: '.'}} {
		raw := []byte{0x00, 'a', 0xff, ':'}
		s := ks.Key(17, raw)
		seg, key, ok := ks.Parse(s)
		if !ok {
			t.Fatalf("parse %q failed", s)
		}
		if seg != 17 || string(key) != string(raw) {
			t.Fatalf("got seg=%d key=%x", seg, key)
		}
	}
}

func TestKeyspaceRejectsForeignKeys(t *testing.T) {
	ks := Keyspace{Prefix: "spill", Sep: ':'}
	for _, s := range []string{
		"other:s1:00",
		"spill:s:00",
		"spill:sx:00",
		"spill:s1:zz",
		"spill:s-1:00",
	} {
		if _, _, ok := ks.Parse(s); ok {
			t.Fatalf("expected %q to be rejected", s)
		}
	}
}

func TestSegmentPrefixMatchesKeys(t *testing.T) {
	ks := Keyspace{Prefix: "p", Sep: ':'}
	if got := ks.SegmentPrefix(3); got != "p:s3:" {
		t.Fatalf("prefix = %q", got)
	}
	if got := ks.Key(3, []byte("ab")); got != "p:s3:6162" {
		t.Fatalf("key = %q", got)
	}
}

func TestStripeInRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		s := Stripe([]byte{byte(i), byte(i >> 8)}, 64)
		if s < 0 || s >= 64 {
			t.Fatalf("stripe %d out of range", s)
		}
	}
	if Stripe([]byte("x"), 1) != 0 {
		t.Fatal("single stripe must be 0")
	}
}
