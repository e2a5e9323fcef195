package postgres

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/spill/store"
)

func TestNewRequiresDatabase(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoDatabase)
}

func TestTableNameIsQuoted(t *testing.T) {
	s, err := New(Config{URL: "postgres://localhost/db", Table: `odd"name`})
	require.NoError(t, err)
	assert.Equal(t, `"odd""name"`, s.table)
	assert.True(t, strings.Contains(s.q.upsert, `"odd""name"`))
}

func TestSegmentArgument(t *testing.T) {
	seg, err := New(Config{URL: "postgres://x", Segmented: true})
	require.NoError(t, err)
	assert.Nil(t, seg.segArg(store.SegmentSet{}))
	assert.Equal(t, []int32{2, 9}, seg.segArg(store.NewSegmentSet(9, 2)))
	assert.Equal(t, int32(9), seg.seg(9))

	flat, err := New(Config{URL: "postgres://x"})
	require.NoError(t, err)
	assert.Nil(t, flat.segArg(store.NewSegmentSet(9)))
	assert.Equal(t, int32(0), flat.seg(9))
	assert.False(t, flat.Capabilities().Has(store.Segmentable))
	assert.True(t, flat.Capabilities().Has(store.Expiration))
}

func TestExpiresAt(t *testing.T) {
	assert.Nil(t, expiresAt(nil))
	assert.Nil(t, expiresAt(store.NewMetadata(100, 0, 0)))
	exp := expiresAt(store.NewMetadata(100, time.Second, 0))
	require.NotNil(t, exp)
	assert.Equal(t, int64(1100), *exp)
}

func TestOperationsBeforeStart(t *testing.T) {
	s, err := New(Config{URL: "postgres://x"})
	require.NoError(t, err)
	_, err = s.Load(context.Background(), 0, []byte("k"))
	assert.ErrorIs(t, err, store.ErrNotStarted)
	assert.False(t, s.CheckAvailable(context.Background()))
}
