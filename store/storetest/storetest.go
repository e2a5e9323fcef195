// Package storetest is a conformance suite for store.Store implementations.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/spill/store"
)

// Harness builds a fresh started store for each sub-test. Advance moves the
// store's clock forward; it may be nil for stores that use the wall clock, in
// which case expiry tests are skipped.
type Harness struct {
	New     func(t *testing.T) store.Store
	Advance func(d time.Duration)
	Now     func() int64
}

func (h Harness) now() int64 {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UnixMilli()
}

func key(i int) []byte { return []byte(fmt.Sprintf("k%03d", i)) }

// Run executes the whole suite.
func Run(t *testing.T, h Harness) {
	t.Run("LoadMiss", func(t *testing.T) { testLoadMiss(t, h) })
	t.Run("WriteLoadDelete", func(t *testing.T) { testWriteLoadDelete(t, h) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, h) })
	t.Run("MetadataRoundTrip", func(t *testing.T) { testMetadataRoundTrip(t, h) })
	t.Run("Bulk", func(t *testing.T) { testBulk(t, h) })
	t.Run("Publish", func(t *testing.T) { testPublish(t, h) })
	t.Run("PublishCancel", func(t *testing.T) { testPublishCancel(t, h) })
	t.Run("Segments", func(t *testing.T) { testSegments(t, h) })
	t.Run("Clear", func(t *testing.T) { testClear(t, h) })
	if h.Advance != nil {
		t.Run("Expiry", func(t *testing.T) { testExpiry(t, h) })
	}
}

func testLoadMiss(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)
	e, err := s.Load(ctx, 0, []byte("absent"))
	require.NoError(t, err)
	assert.Nil(t, e)

	existed, err := s.Delete(ctx, 0, []byte("absent"))
	require.NoError(t, err)
	assert.False(t, existed)
}

func testWriteLoadDelete(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)
	require.NoError(t, s.Write(ctx, 1, store.NewEntry([]byte("a"), []byte("va"), nil)))

	e, err := s.Load(ctx, 1, []byte("a"))
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, []byte("va"), e.Value)

	existed, err := s.Delete(ctx, 1, []byte("a"))
	require.NoError(t, err)
	assert.True(t, existed)

	e, err = s.Load(ctx, 1, []byte("a"))
	require.NoError(t, err)
	assert.Nil(t, e)
}

func testOverwrite(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)
	require.NoError(t, s.Write(ctx, 2, store.NewEntry([]byte("a"), []byte("v1"), nil)))
	require.NoError(t, s.Write(ctx, 2, store.NewEntry([]byte("a"), []byte("v2"), nil)))
	e, err := s.Load(ctx, 2, []byte("a"))
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, []byte("v2"), e.Value)
}

func testMetadataRoundTrip(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)
	md := store.NewMetadata(h.now(), time.Hour, 30*time.Minute)
	require.NoError(t, s.Write(ctx, 0, store.NewEntry([]byte("m"), []byte("v"), md)))
	e, err := s.Load(ctx, 0, []byte("m"))
	require.NoError(t, err)
	require.NotNil(t, e)
	require.NotNil(t, e.Metadata)
	assert.Equal(t, md.LifespanMillis, e.Metadata.LifespanMillis)
	assert.Equal(t, md.MaxIdleMillis, e.Metadata.MaxIdleMillis)
	assert.Equal(t, md.CreatedAt, e.Metadata.CreatedAt)
}

func testBulk(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)
	var entries []store.Entry
	for i := 0; i < 20; i++ {
		entries = append(entries, store.NewEntry(key(i), []byte("v"), nil))
	}
	require.NoError(t, s.BulkWrite(ctx, 3, store.FromSlice(entries)))
	for i := 0; i < 20; i++ {
		e, err := s.Load(ctx, 3, key(i))
		require.NoError(t, err)
		require.NotNil(t, e, "key %d", i)
	}
	var keys [][]byte
	for i := 0; i < 10; i++ {
		keys = append(keys, key(i))
	}
	require.NoError(t, s.BulkDelete(ctx, 3, store.FromSlice(keys)))
	for i := 0; i < 20; i++ {
		e, err := s.Load(ctx, 3, key(i))
		require.NoError(t, err)
		assert.Equal(t, i >= 10, e != nil, "key %d", i)
	}
}

func testPublish(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)
	for i := 0; i < 6; i++ {
		require.NoError(t, s.Write(ctx, i%2, store.NewEntry(key(i), []byte{byte(i)}, nil)))
	}

	keys, err := s.PublishKeys(store.SegmentSet{}, nil).Collect(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 6)

	odd := store.Filter(func(k []byte) bool { return (k[len(k)-1]-'0')%2 == 1 })
	entries, err := s.PublishEntries(store.SegmentSet{}, odd, true, true).Collect(ctx)
	require.NoError(t, err)
	got := make([]string, 0, len(entries))
	for _, e := range entries {
		got = append(got, string(e.Key))
		assert.NotNil(t, e.Value)
	}
	sort.Strings(got)
	assert.Equal(t, []string{"k001", "k003", "k005"}, got)

	n, err := s.Size(ctx, store.SegmentSet{})
	require.NoError(t, err)
	if n >= 0 {
		assert.Equal(t, int64(6), n)
	}
}

func testPublishCancel(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Write(ctx, 0, store.NewEntry(key(i), []byte("v"), nil)))
	}
	it := s.PublishKeys(store.SegmentSet{}, nil).WithBuffer(1).Iter(ctx)
	require.True(t, it.Next())
	require.NoError(t, it.Close())
	assert.False(t, it.Next())
}

func testSegments(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)
	if !s.Capabilities().Has(store.Segmentable) {
		// non-segmented stores ignore segment hooks and answer for everything
		require.NoError(t, s.Write(ctx, 5, store.NewEntry([]byte("x"), []byte("v"), nil)))
		require.NoError(t, s.RemoveSegments(ctx, store.NewSegmentSet(5)))
		e, err := s.Load(ctx, 9, []byte("x"))
		require.NoError(t, err)
		assert.NotNil(t, e)
		return
	}
	require.NoError(t, s.AddSegments(ctx, store.NewSegmentSet(5, 6)))
	require.NoError(t, s.Write(ctx, 5, store.NewEntry([]byte("five"), []byte("v"), nil)))
	require.NoError(t, s.Write(ctx, 6, store.NewEntry([]byte("six"), []byte("v"), nil)))

	keys, err := s.PublishKeys(store.NewSegmentSet(6), nil).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, []byte("six"), keys[0])

	require.NoError(t, s.RemoveSegments(ctx, store.NewSegmentSet(5)))
	e, err := s.Load(ctx, 5, []byte("five"))
	require.NoError(t, err)
	assert.Nil(t, e)
	e, err = s.Load(ctx, 6, []byte("six"))
	require.NoError(t, err)
	assert.NotNil(t, e)
}

func testClear(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Write(ctx, i, store.NewEntry(key(i), []byte("v"), nil)))
	}
	require.NoError(t, s.Clear(ctx))
	keys, err := s.PublishKeys(store.SegmentSet{}, nil).Collect(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func testExpiry(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)
	now := h.now()
	expiring := map[string]bool{}
	for i := 0; i < 10; i++ {
		md := store.NewMetadata(now, 0, 0)
		if i%3 == 0 {
			md = store.NewMetadata(now, time.Second, 0)
			expiring[string(key(i))] = true
		}
		require.NoError(t, s.Write(ctx, 0, store.NewEntry(key(i), []byte("v"), md)))
	}
	e, err := s.Load(ctx, 0, key(0))
	require.NoError(t, err)
	require.NotNil(t, e, "must not be expired before the boundary")

	h.Advance(time.Second)

	e, err = s.Load(ctx, 0, key(0))
	require.NoError(t, err)
	assert.Nil(t, e, "expired entries load as a miss")

	purged, err := s.Purge().Collect(ctx)
	require.NoError(t, err)
	if !s.Capabilities().Has(store.Expiration) {
		assert.Empty(t, purged)
		return
	}
	got := map[string]bool{}
	for _, p := range purged {
		got[string(p.Key)] = true
	}
	assert.Equal(t, expiring, got)

	keys, err := s.PublishKeys(store.SegmentSet{}, nil).Collect(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 10-len(expiring))
}
