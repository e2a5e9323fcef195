package spill

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/spill/store"
	"github.com/unkn0wn-root/spill/store/file"
	"github.com/unkn0wn-root/spill/store/memory"
)

type fixture struct {
	m     *Manager
	hooks *recHooks
	clock *atomic.Int64
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	h := &recHooks{}
	clock := &atomic.Int64{}
	clock.Store(1_000_000)
	opts.Hooks = h
	if opts.Clock == nil {
		opts.Clock = clock.Load
	}
	if opts.Segments == 0 {
		opts.Segments = 8
	}
	m, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return fixture{m: m, hooks: h, clock: clock}
}

func spec(name string, s store.Store, mut ...func(*StoreConfig)) StoreSpec {
	cfg := StoreConfig{Name: name, AvailabilityInterval: time.Hour}
	for _, f := range mut {
		f(&cfg)
	}
	return StoreSpec{Config: cfg, Store: s}
}

func shared(c *StoreConfig)   { c.Shared = true }
func optional(c *StoreConfig) { c.Optional = true }
func readOnly(c *StoreConfig) { c.ReadOnly = true }

func (f fixture) write(t *testing.T, key, value string) {
	t.Helper()
	e := entry(key, value)
	require.NoError(t, f.m.WriteToAllStores(context.Background(), e, f.m.SegmentOf(e.Key), AccessBoth))
}

func TestNewValidatesChain(t *testing.T) {
	cases := []struct {
		name string
		opts Options
	}{
		{"passivation with shared store", Options{Passivation: true, Stores: []StoreSpec{spec("s", newFlaky(false), shared)}}},
		{"segmented without capability", Options{Stores: []StoreSpec{spec("s", newFlaky(false), func(c *StoreConfig) { c.Segmented = true })}}},
		{"duplicate names", Options{Stores: []StoreSpec{spec("a", newFlaky(false)), spec("a", newFlaky(false))}}},
		{"nil store", Options{Stores: []StoreSpec{{Config: StoreConfig{Name: "x"}}}}},
		{"negative segments", Options{Segments: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.opts)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestUnnamedStoresGetUUIDv7(t *testing.T) {
	m, err := New(Options{Stores: []StoreSpec{{Store: newFlaky(false)}}})
	require.NoError(t, err)
	stores := m.Stores()
	require.Len(t, stores, 1)
	assert.Len(t, stores[0].Name, 36)
}

func TestOperationsBeforeStartAndAfterStop(t *testing.T) {
	ctx := context.Background()
	m, err := New(Options{Stores: []StoreSpec{spec("a", newFlaky(false))}})
	require.NoError(t, err)
	_, err = m.Load(ctx, []byte("k"))
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Stop(ctx))
	_, err = m.Load(ctx, []byte("k"))
	assert.ErrorIs(t, err, ErrStopped)
	assert.NoError(t, m.Stop(ctx))

	require.NoError(t, m.Start(ctx), "a stopped manager starts again")
	_, err = m.Load(ctx, []byte("k"))
	assert.NoError(t, err)
	require.NoError(t, m.Stop(ctx))
}

func TestLoadPrefersPrivateOverShared(t *testing.T) {
	ctx := context.Background()
	priv, shr := newFlaky(false), newFlaky(false)
	require.NoError(t, shr.Start(ctx))
	require.NoError(t, shr.Write(ctx, 0, entry("k", "shared")))
	require.NoError(t, shr.Write(ctx, 0, entry("only-shared", "x")))
	require.NoError(t, priv.Start(ctx))
	require.NoError(t, priv.Write(ctx, 0, entry("k", "private")))

	// shared store configured first; private still wins
	f := newFixture(t, Options{Stores: []StoreSpec{spec("shr", shr, shared), spec("priv", priv)}})

	e, err := f.m.Load(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "private", string(e.Value))

	e, err = f.m.Load(ctx, []byte("only-shared"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(e.Value))

	e, err = f.m.LoadFrom(ctx, []byte("k"), AccessShared)
	require.NoError(t, err)
	assert.Equal(t, "shared", string(e.Value))

	e, err = f.m.LoadFrom(ctx, []byte("only-shared"), AccessPrivate)
	require.NoError(t, err)
	assert.Nil(t, e)
}

// failingLoad is a store whose Load always fails.
type failingLoad struct{ *flakyStore }

func (failingLoad) Load(context.Context, int, []byte) (*store.Entry, error) {
	return nil, errInjected
}

func TestLoadErrorSurfacesOnlyForSoleCandidate(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, Options{Stores: []StoreSpec{spec("bad", failingLoad{newFlaky(false)})}})
	_, err := f.m.Load(ctx, []byte("k"))
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "bad", pe.Store)
	assert.ErrorIs(t, err, errInjected)

	good := newFlaky(false)
	g := newFixture(t, Options{Stores: []StoreSpec{spec("bad", failingLoad{newFlaky(false)}), spec("good", good)}})
	e, err := g.m.Load(ctx, []byte("k"))
	assert.NoError(t, err)
	assert.Nil(t, e)

	g.write(t, "k", "v")
	e, err = g.m.Load(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v", string(e.Value))
}

func TestLoadSkipsExpiredHits(t *testing.T) {
	ctx := context.Background()
	a, b := newFlaky(false), newFlaky(false)
	f := newFixture(t, Options{Stores: []StoreSpec{spec("a", a), spec("b", b)}})

	now := f.clock.Load()
	expired := store.NewEntry([]byte("k"), []byte("old"), store.NewMetadata(now-10_000, time.Second, 0))
	require.NoError(t, a.Write(ctx, 0, expired))
	require.NoError(t, b.Write(ctx, 0, entry("k", "fresh")))

	e, err := f.m.Load(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(e.Value))
}

func TestWriteFanOutRespectsFlagsAndModes(t *testing.T) {
	ctx := context.Background()
	priv, shr, ro, ign := newFlaky(false), newFlaky(false), newFlaky(false), newFlaky(false)
	f := newFixture(t, Options{Stores: []StoreSpec{
		spec("priv", priv),
		spec("shr", shr, shared),
		spec("ro", ro, readOnly),
		spec("ign", ign, func(c *StoreConfig) { c.IgnoreModifications = true }),
	}})

	f.write(t, "k", "v")
	assert.Equal(t, int64(1), priv.writeCalls.Load())
	assert.Equal(t, int64(1), shr.writeCalls.Load(), "shared store receives exactly one write")
	assert.Zero(t, ro.writeCalls.Load())
	assert.Zero(t, ign.writeCalls.Load())

	e := entry("p", "v")
	require.NoError(t, f.m.WriteToAllStores(ctx, e, f.m.SegmentOf(e.Key), AccessPrivate))
	assert.Equal(t, int64(2), priv.writeCalls.Load())
	assert.Equal(t, int64(1), shr.writeCalls.Load())

	existed, err := f.m.Delete(ctx, []byte("k"), f.m.SegmentOf([]byte("k")), AccessBoth)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, int64(1), shr.Stats().Deletes)
	assert.Equal(t, int64(1), priv.Stats().Deletes)

	existed, err = f.m.Delete(ctx, []byte("k"), f.m.SegmentOf([]byte("k")), AccessBoth)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestWriteAttemptsAllStoresAndReportsFirstError(t *testing.T) {
	ctx := context.Background()
	a, b, c := newFlaky(false), newFlaky(false), newFlaky(false)
	a.failWrites.Store(true)
	c.failWrites.Store(true)
	f := newFixture(t, Options{Stores: []StoreSpec{spec("a", a), spec("b", b), spec("c", c)}})

	e := entry("k", "v")
	err := f.m.WriteToAllStores(ctx, e, f.m.SegmentOf(e.Key), AccessBoth)
	var fe *FanOutError
	require.ErrorAs(t, err, &fe)
	require.Len(t, fe.Errs, 2)
	var pe *PersistenceError
	require.ErrorAs(t, fe.Errs[0], &pe)
	assert.Equal(t, "a", pe.Store)
	assert.ErrorIs(t, err, errInjected)

	got, err := b.Load(ctx, 0, []byte("k"))
	require.NoError(t, err)
	assert.NotNil(t, got, "healthy store still written")
}

func TestOptionalStoreFailuresAreTolerated(t *testing.T) {
	ctx := context.Background()
	opt := newFlaky(false)
	opt.failWrites.Store(true)
	f := newFixture(t, Options{Stores: []StoreSpec{spec("main", newFlaky(false)), spec("opt", opt, optional)}})
	e := entry("k", "v")
	assert.NoError(t, f.m.WriteToAllStores(ctx, e, f.m.SegmentOf(e.Key), AccessBoth))
}

func TestSegmentOwnership(t *testing.T) {
	ctx := context.Background()
	seg := newFlaky(true)
	flat := newFlaky(false)
	f := newFixture(t, Options{
		Segments:  4,
		SegmentOf: func(k []byte) int { return int(k[0]-'0') % 4 },
		Stores: []StoreSpec{
			spec("seg", seg, func(c *StoreConfig) { c.Segmented = true }),
			spec("flat", flat),
		},
	})

	f.write(t, "1a", "v")
	f.write(t, "2a", "v")
	require.NoError(t, f.m.RemoveSegments(ctx, store.NewSegmentSet(1)))
	assert.False(t, f.m.OwnedSegments().Contains(1))

	f.write(t, "1b", "v")
	got, err := seg.Load(ctx, 1, []byte("1b"))
	require.NoError(t, err)
	assert.Nil(t, got, "segmented store skipped for unowned segment")
	got, _ = flat.Load(ctx, 0, []byte("1b"))
	assert.NotNil(t, got)
	got, _ = seg.Load(ctx, 1, []byte("1a"))
	assert.Nil(t, got, "removed segment data dropped")

	keys, err := f.m.PublishKeys(store.NewSegmentSet(2), nil, AccessBoth).Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("2a")}, keys)

	n, err := f.m.Size(ctx, store.NewSegmentSet(2))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, f.m.AddSegments(ctx, store.NewSegmentSet(1)))
	assert.True(t, f.m.OwnedSegments().Contains(1))
}

func TestPublishDeduplicatesAcrossStores(t *testing.T) {
	ctx := context.Background()
	a, b := newFlaky(false), newFlaky(false)
	f := newFixture(t, Options{Stores: []StoreSpec{spec("a", a), spec("b", b)}})
	require.NoError(t, a.Write(ctx, 0, entry("x", "from-a")))
	require.NoError(t, b.Write(ctx, 0, entry("x", "from-b")))
	require.NoError(t, b.Write(ctx, 0, entry("y", "from-b")))
	now := f.clock.Load()
	require.NoError(t, b.Write(ctx, 0, store.NewEntry([]byte("z"), []byte("old"), store.NewMetadata(now-5000, time.Second, 0))))

	got, err := f.m.PublishEntries(store.SegmentSet{}, nil, true, false, AccessBoth).Collect(ctx)
	require.NoError(t, err)
	vals := map[string]string{}
	for _, e := range got {
		assert.Nil(t, e.Metadata)
		vals[string(e.Key)] = string(e.Value)
	}
	assert.Equal(t, map[string]string{"x": "from-a", "y": "from-b"}, vals)

	it := f.m.PublishKeys(store.SegmentSet{}, nil, AccessBoth).Iter(ctx)
	require.True(t, it.Next())
	require.NoError(t, it.Close())
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	clock := &atomic.Int64{}
	clock.Store(1_000_000)
	a := memory.New(memory.Config{Clock: clock.Load})
	ro := memory.New(memory.Config{Clock: clock.Load})
	f := newFixture(t, Options{Clock: clock.Load, Stores: []StoreSpec{spec("a", a), spec("ro", ro, readOnly)}})
	now := clock.Load()
	short := store.NewEntry([]byte("short"), []byte("v"), store.NewMetadata(now, time.Second, 0))
	require.NoError(t, a.Write(ctx, 0, short))
	require.NoError(t, ro.Write(ctx, 0, short))
	f.write(t, "long", "v")

	n, err := f.m.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Add(2000)
	n, err = f.m.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []event{{kind: "purged", store: "a", key: "short"}}, f.hooks.of("purged"))
	assert.Equal(t, int64(0), ro.Stats().Purged)
}

func TestScheduledPurge(t *testing.T) {
	ctx := context.Background()
	a := memory.New(memory.Config{})
	newFixture(t, Options{PurgeInterval: 10 * time.Millisecond, Clock: wallClock, Stores: []StoreSpec{spec("a", a)}})
	require.NoError(t, a.Write(ctx, 0, store.NewEntry([]byte("k"), []byte("v"), store.NewMetadata(wallClock()-5000, time.Second, 0))))
	assert.True(t, eventually(func() bool { return a.Stats().Purged == 1 }))
}

func TestStartFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("exceeded", func(t *testing.T) {
		ok, bad := newFlaky(false), newFlaky(false)
		bad.failStarts.Store(1)
		m, err := New(Options{Stores: []StoreSpec{spec("ok", ok), spec("bad", bad)}})
		require.NoError(t, err)
		err = m.Start(ctx)
		var ie *InitError
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, "bad", ie.Store)
		assert.Equal(t, int64(1), ok.Stats().Stops, "started stores are stopped again")
	})

	t.Run("tolerated", func(t *testing.T) {
		bad := newFlaky(false)
		bad.failStarts.Store(1)
		f := newFixture(t, Options{Stores: []StoreSpec{spec("bad", bad, func(c *StoreConfig) {
			c.StartFailures = 3
			c.AvailabilityInterval = 5 * time.Millisecond
		})}})
		st, err := f.m.StoreAvailability("bad")
		require.NoError(t, err)
		if !st.Started {
			assert.False(t, f.m.IsAvailable())
			e := entry("k", "v")
			assert.ErrorIs(t, f.m.WriteToAllStores(ctx, e, 0, AccessBoth), ErrStoreUnavailable)
		}
		require.True(t, eventually(f.m.IsAvailable))
		st, _ = f.m.StoreAvailability("bad")
		assert.True(t, st.Started)
		f.write(t, "k", "v")
	})
}

func TestUnavailableAggregate(t *testing.T) {
	ctx := context.Background()
	for _, degraded := range []bool{false, true} {
		a, b := newFlaky(false), newFlaky(false)
		f := newFixture(t, Options{AllowDegradedReads: degraded, Stores: []StoreSpec{spec("a", a), spec("b", b)}})
		f.write(t, "k", "v")

		b.SetAvailable(false)
		f.m.monitor.probeAll(ctx)
		require.False(t, f.m.IsAvailable())

		e := entry("k2", "v")
		assert.ErrorIs(t, f.m.WriteToAllStores(ctx, e, 0, AccessBoth), ErrStoreUnavailable)
		_, err := f.m.Delete(ctx, []byte("k"), 0, AccessBoth)
		assert.ErrorIs(t, err, ErrStoreUnavailable)

		got, err := f.m.Load(ctx, []byte("k"))
		if degraded {
			require.NoError(t, err)
			assert.Equal(t, "v", string(got.Value))
		} else {
			assert.ErrorIs(t, err, ErrStoreUnavailable)
		}
		assert.Equal(t, []event{{kind: "availability", available: false}}, f.hooks.of("availability"))
	}
}

func TestStopWaitsForIterationsUpToTimeout(t *testing.T) {
	ctx := context.Background()
	a := newFlaky(false)
	m, err := New(Options{StopTimeout: 30 * time.Millisecond, Stores: []StoreSpec{spec("a", a)}})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, a.Write(ctx, 0, entry(k, "v")))
	}

	it := m.PublishKeys(store.SegmentSet{}, nil, AccessBoth).WithBuffer(1).Iter(ctx)
	require.True(t, it.Next())

	err = m.Stop(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, int64(1), a.Stats().Stops)
	_ = it.Close()
}

func TestSharedStoreSurvivesOneManagerStopping(t *testing.T) {
	ctx := context.Background()
	backend := newFlaky(false)
	ss := NewSharedStore(backend)
	m1, err := New(Options{Stores: []StoreSpec{spec("s", ss, shared)}})
	require.NoError(t, err)
	m2, err := New(Options{Stores: []StoreSpec{spec("s", ss, shared)}})
	require.NoError(t, err)
	require.NoError(t, m1.Start(ctx))
	require.NoError(t, m2.Start(ctx))
	assert.Equal(t, 2, ss.Refs())

	require.NoError(t, m1.Stop(ctx))
	assert.Equal(t, int64(0), backend.Stats().Stops)
	require.NoError(t, m2.Stop(ctx))
	assert.Equal(t, int64(1), backend.Stats().Stops)
}

func TestPurgeOnStartupAndPreload(t *testing.T) {
	ctx := context.Background()
	purged, pre := newFlaky(false), newFlaky(false)
	for _, s := range []*flakyStore{purged, pre} {
		require.NoError(t, s.Start(ctx))
		require.NoError(t, s.Write(ctx, 0, entry("k", "v")))
	}
	f := newFixture(t, Options{Stores: []StoreSpec{
		spec("purged", purged, func(c *StoreConfig) { c.PurgeOnStartup = true }),
		spec("pre", pre, func(c *StoreConfig) { c.Preload = true }),
	}})
	n, _ := purged.Size(ctx, store.SegmentSet{})
	assert.Zero(t, n)

	var got []string
	count, err := f.m.Preload(ctx, func(e store.Entry) error {
		got = append(got, string(e.Key))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, []string{"k"}, got)
}

func TestAddStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{Stores: []StoreSpec{spec("a", newFlaky(false))}})
	mem := NewMapContainer()
	mem.Put("k", entry("k", "v"))

	assert.ErrorIs(t, f.m.AddStore(ctx, spec("b", newFlaky(false)), mem, false), ErrCacheNonEmpty)

	b := newFlaky(false)
	require.NoError(t, f.m.AddStore(ctx, spec("b", b), mem, true))
	got, err := b.Load(ctx, 0, []byte("k"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, f.m.Stores(), 2)

	assert.ErrorIs(t, f.m.AddStore(ctx, spec("b", newFlaky(false)), nil, false), ErrInvalidConfig)
	require.NoError(t, f.m.AddStore(ctx, spec("c", newFlaky(false)), NewMapContainer(), false))
}

func TestDisableStoreDrainsWriteBehind(t *testing.T) {
	ctx := context.Background()
	a := newFlaky(false)
	f := newFixture(t, Options{Stores: []StoreSpec{spec("a", a, func(c *StoreConfig) {
		c.Async = AsyncConfig{Enabled: true, FlushInterval: time.Hour}
	})}})
	f.write(t, "k", "v")
	stats, ok := f.m.AsyncStats("a")
	require.True(t, ok)
	assert.Equal(t, 1, stats.Queued)

	require.NoError(t, f.m.DisableStore(ctx, "a"))
	got, err := a.Load(ctx, 0, []byte("k"))
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, f.m.Stores())
	assert.ErrorIs(t, f.m.DisableStore(ctx, "a"), ErrUnknownStore)
	_, err = f.m.StoreAvailability("a")
	assert.ErrorIs(t, err, ErrUnknownStore)
}

func TestWriteAndDeleteBatch(t *testing.T) {
	ctx := context.Background()
	bulk := newFlaky(true)
	plain := newFlaky(false)
	plain.caps = store.Expiration
	f := newFixture(t, Options{Stores: []StoreSpec{
		spec("bulk", bulk, func(c *StoreConfig) { c.Segmented = true }),
		spec("plain", plain),
	}})

	var entries []store.Entry
	var keys [][]byte
	for i := 0; i < 300; i++ {
		k := []byte{byte('a' + i%26), byte(i), byte(i >> 8)}
		entries = append(entries, store.NewEntry(k, []byte("v"), nil))
		keys = append(keys, k)
	}
	require.NoError(t, f.m.WriteBatch(ctx, store.FromSlice(entries), AccessBoth))
	assert.Positive(t, bulk.bulkCalls.Load())
	assert.Zero(t, plain.bulkCalls.Load())
	assert.Equal(t, int64(300), plain.writeCalls.Load())

	n, err := bulk.Size(ctx, store.SegmentSet{})
	require.NoError(t, err)
	assert.Equal(t, int64(300), n)

	require.NoError(t, f.m.DeleteBatch(ctx, store.FromSlice(keys), AccessBoth))
	n, _ = bulk.Size(ctx, store.SegmentSet{})
	assert.Zero(t, n)
	n, _ = plain.Size(ctx, store.SegmentSet{})
	assert.Zero(t, n)
}

func TestStateTransferUsesMarkedStores(t *testing.T) {
	ctx := context.Background()
	src, other := newFlaky(false), newFlaky(false)
	f := newFixture(t, Options{Stores: []StoreSpec{
		spec("other", other),
		spec("src", src, func(c *StoreConfig) { c.FetchPersistentState = true }),
	}})
	require.NoError(t, other.Write(ctx, 0, entry("o", "v")))
	require.NoError(t, src.Write(ctx, 0, entry("s", "v")))

	got, err := f.m.StateTransfer(store.SegmentSet{}).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s", string(got[0].Key))
	assert.NotNil(t, got[0].Value)
}

func TestClearSkipsReadOnly(t *testing.T) {
	ctx := context.Background()
	a := newFlaky(false)
	ro := newFlaky(false)
	require.NoError(t, ro.Start(ctx))
	require.NoError(t, ro.Write(ctx, 0, entry("k", "v")))
	f := newFixture(t, Options{Stores: []StoreSpec{spec("a", a), spec("ro", ro, readOnly)}})
	f.write(t, "x", "v")
	require.NoError(t, f.m.Clear(ctx))
	n, _ := a.Size(ctx, store.SegmentSet{})
	assert.Zero(t, n)
	n, _ = ro.Size(ctx, store.SegmentSet{})
	assert.Equal(t, int64(1), n)
}

func TestStopReportsStoreErrors(t *testing.T) {
	ctx := context.Background()
	m, err := New(Options{Stores: []StoreSpec{spec("bad", stopFails{newFlaky(false)})}})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	err = m.Stop(ctx)
	assert.True(t, errors.Is(err, errInjected))
}

type stopFails struct{ *flakyStore }

func (stopFails) Stop(context.Context) error { return errInjected }

func TestSilentWriteBehindStoreAcceptsModificationsWhileUnavailable(t *testing.T) {
	ctx := context.Background()
	down := newFlaky(false)
	f := newFixture(t, Options{Stores: []StoreSpec{spec("wb", down, func(c *StoreConfig) {
		c.Async = AsyncConfig{
			Enabled:       true,
			FailSilently:  true,
			QueueSize:     1,
			FlushInterval: 5 * time.Millisecond,
			StopTimeout:   20 * time.Millisecond,
		}
	})}})
	down.SetAvailable(false)
	f.m.monitor.probeAll(ctx)
	require.False(t, f.m.IsAvailable())

	f.write(t, "a", "1")
	f.write(t, "b", "2") // queue full, dropped
	_, err := f.m.Delete(ctx, []byte("c"), f.m.SegmentOf([]byte("c")), AccessBoth)
	require.NoError(t, err)
	require.NoError(t, f.m.WriteBatch(ctx, store.FromSlice([]store.Entry{entry("d", "4")}), AccessBoth))

	stats, ok := f.m.AsyncStats("wb")
	require.True(t, ok)
	assert.Equal(t, 1, stats.Queued)
	assert.Equal(t, uint64(3), stats.Dropped)

	_, err = f.m.Load(ctx, []byte("a"))
	assert.ErrorIs(t, err, ErrStoreUnavailable, "reads still follow the aggregate")
}

func TestStrictStoreStillRejectsModificationsNextToSilentOne(t *testing.T) {
	ctx := context.Background()
	strict, silent := newFlaky(false), newFlaky(false)
	f := newFixture(t, Options{Stores: []StoreSpec{
		spec("strict", strict),
		spec("silent", silent, func(c *StoreConfig) {
			c.Async = AsyncConfig{Enabled: true, FailSilently: true, StopTimeout: 20 * time.Millisecond}
		}),
	}})
	silent.SetAvailable(false)
	f.m.monitor.probeAll(ctx)
	f.write(t, "a", "1")

	strict.SetAvailable(false)
	f.m.monitor.probeAll(ctx)
	err := f.m.WriteToAllStores(ctx, entry("b", "2"), 0, AccessBoth)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestRestartKeepsPersistedEntries(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	open := func() *Manager {
		fs, err := file.New(file.Config{Root: root, Segmented: true})
		require.NoError(t, err)
		m, err := New(Options{Segments: 8, Stores: []StoreSpec{spec("disk", fs, func(c *StoreConfig) { c.Segmented = true })}})
		require.NoError(t, err)
		return m
	}
	key := func(i int) []byte { return []byte(fmt.Sprintf("k%d", i)) }
	check := func(m *Manager) {
		t.Helper()
		for i := 0; i < 10; i++ {
			e, err := m.Load(ctx, key(i))
			require.NoError(t, err)
			if i%2 == 0 {
				require.NotNil(t, e, "k%d", i)
				assert.Equal(t, fmt.Sprintf("v%d", i), string(e.Value))
			} else {
				assert.Nil(t, e, "k%d", i)
			}
		}
	}

	m := open()
	require.NoError(t, m.Start(ctx))
	for i := 0; i < 10; i += 2 {
		e := store.NewEntry(key(i), []byte(fmt.Sprintf("v%d", i)), nil)
		require.NoError(t, m.WriteToAllStores(ctx, e, m.SegmentOf(e.Key), AccessBoth))
	}
	check(m)
	require.NoError(t, m.Stop(ctx))

	require.NoError(t, m.Start(ctx))
	check(m)
	require.NoError(t, m.Stop(ctx))

	fresh := open()
	require.NoError(t, fresh.Start(ctx))
	t.Cleanup(func() { _ = fresh.Stop(ctx) })
	check(fresh)
}

func TestSharedStoreSeesEachModificationOnce(t *testing.T) {
	ctx := context.Background()
	sh := newFlaky(false)
	privates := []*flakyStore{newFlaky(false), newFlaky(false), newFlaky(false)}
	specs := []StoreSpec{spec("shared", sh, shared)}
	for i, p := range privates {
		specs = append(specs, spec(fmt.Sprintf("p%d", i), p))
	}
	f := newFixture(t, Options{Stores: specs})

	f.write(t, "k", "v")
	assert.Equal(t, int64(1), sh.writeCalls.Load())
	for _, p := range privates {
		assert.Equal(t, int64(1), p.writeCalls.Load())
	}

	existed, err := f.m.Delete(ctx, []byte("k"), f.m.SegmentOf([]byte("k")), AccessBoth)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, int64(1), sh.Stats().Deletes)
	for _, p := range privates {
		assert.Equal(t, int64(1), p.Stats().Deletes)
	}
}
