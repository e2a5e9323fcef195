package stores

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/spill"
	"github.com/unkn0wn-root/spill/store"
	"github.com/unkn0wn-root/spill/store/file"
	"github.com/unkn0wn-root/spill/store/memory"
)

func TestRegistryKnowsBundledTypes(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{BigCache, File, Memory, NatsKV, Postgres, Redis, Ristretto}, r.Types())
}

func TestBuildFromYAML(t *testing.T) {
	root := filepath.Join(t.TempDir(), "spill")
	cfg, err := spill.ParseConfig([]byte(`
passivation: true
segments: 16
stores:
  - name: mem
    type: memory
    segmented: true
  - name: disk
    type: file
    async:
      enabled: true
      queue_size: 8
    properties:
      root: ` + root + `
  - name: hot
    type: ristretto
    optional: true
`))
	require.NoError(t, err)

	opts, err := cfg.Options(NewRegistry())
	require.NoError(t, err)
	require.Len(t, opts.Stores, 3)
	assert.IsType(t, &memory.Store{}, opts.Stores[0].Store)
	assert.IsType(t, &file.Store{}, opts.Stores[1].Store)
	assert.True(t, opts.Stores[0].Store.Capabilities().Has(store.Segmentable))

	m, err := spill.New(opts)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	e := store.NewEntry([]byte("k"), []byte("v"), nil)
	require.NoError(t, m.WriteToAllStores(ctx, e, m.SegmentOf(e.Key), spill.AccessBoth))
	require.NoError(t, m.Flush(ctx))
	got, err := m.Load(ctx, []byte("k"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v", string(got.Value))
	require.NoError(t, m.Stop(ctx))
}

func TestRequiredProperties(t *testing.T) {
	r := NewRegistry()
	for _, typ := range []string{File, Postgres, NatsKV} {
		_, err := r.Build(spill.StoreConfig{Name: typ, Type: typ})
		assert.ErrorIs(t, err, spill.ErrInvalidConfig, typ)
	}
	_, err := r.Build(spill.StoreConfig{Type: "nope"})
	assert.ErrorIs(t, err, spill.ErrInvalidConfig)
}

func TestSharedStoresAreBuiltOnce(t *testing.T) {
	r := NewRegistry()
	cfg := spill.StoreConfig{Name: "shared", Type: Memory, Shared: true}
	a, err := r.Build(cfg)
	require.NoError(t, err)
	b, err := r.Build(cfg)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.IsType(t, &spill.SharedStore{}, a)
}
