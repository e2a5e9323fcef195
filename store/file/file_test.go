package file

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/spill/store"
	"github.com/unkn0wn-root/spill/store/storetest"
)

func harness(segmented bool) storetest.Harness {
	var clock atomic.Int64
	clock.Store(1_000_000)
	return storetest.Harness{
		New: func(t *testing.T) store.Store {
			s, err := New(Config{Root: t.TempDir(), Segmented: segmented, Clock: clock.Load})
			require.NoError(t, err)
			require.NoError(t, s.Start(context.Background()))
			return s
		},
		Advance: func(d time.Duration) { clock.Add(d.Milliseconds()) },
		Now:     clock.Load,
	}
}

func TestConformanceSegmented(t *testing.T)    { storetest.Run(t, harness(true)) }
func TestConformanceNonSegmented(t *testing.T) { storetest.Run(t, harness(false)) }

func TestNewRequiresRoot(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoRoot)
}

func TestLongKeysAreHashed(t *testing.T) {
	ctx := context.Background()
	s, err := New(Config{Root: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))

	key := bytes.Repeat([]byte("k"), 500)
	require.NoError(t, s.Write(ctx, 0, store.NewEntry(key, []byte("v"), nil)))
	e, err := s.Load(ctx, 0, key)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, key, e.Key)

	keys, err := s.PublishKeys(store.SegmentSet{}, nil).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key, keys[0])
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := New(Config{Root: root})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Write(ctx, 0, store.NewEntry([]byte{byte(i)}, []byte("v"), nil)))
	}
	des, err := os.ReadDir(filepath.Join(root, flatDir))
	require.NoError(t, err)
	assert.Len(t, des, 10)
	for _, de := range des {
		assert.NotContains(t, de.Name(), ".tmp-")
	}
}

func TestCorruptFileSurfacesError(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := New(Config{Root: root})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	require.NoError(t, os.MkdirAll(filepath.Join(root, flatDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, flatDir, fileName([]byte("bad"))), []byte("garbage"), 0o644))

	_, err = s.Load(ctx, 0, []byte("bad"))
	assert.ErrorIs(t, err, ErrLoadFailed)
}

func TestCheckAvailableFollowsRoot(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "data")
	s, err := New(Config{Root: root})
	require.NoError(t, err)
	assert.False(t, s.CheckAvailable(ctx))
	require.NoError(t, s.Start(ctx))
	assert.True(t, s.CheckAvailable(ctx))
}

func TestReadOnly(t *testing.T) {
	ctx := context.Background()
	s, err := New(Config{Root: t.TempDir(), ReadOnly: true})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Write(ctx, 0, store.NewEntry([]byte("k"), nil, nil)), store.ErrReadOnly)
	assert.ErrorIs(t, s.Clear(ctx), store.ErrReadOnly)
}
