package asynchook

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/unkn0wn-root/spill"
)

type counting struct {
	spill.NopHooks
	mu   sync.Mutex
	keys []string
	gate chan struct{}
}

func (c *counting) Activated(key string) {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	c.keys = append(c.keys, key)
	c.mu.Unlock()
}

func (c *counting) EntryPurged(_ string, key []byte) {
	c.mu.Lock()
	c.keys = append(c.keys, string(key))
	c.mu.Unlock()
}

func TestDeliversBeforeClose(t *testing.T) {
	inner := &counting{}
	h := New(inner, 2, 16)
	h.Activated("a")
	h.Activated("b")
	h.Close()
	assert.ElementsMatch(t, []string{"a", "b"}, inner.keys)
	assert.Zero(t, h.Dropped())

	h.Activated("late")
	assert.Equal(t, uint64(1), h.Dropped())
	h.Close()
}

func TestDropsWhenFull(t *testing.T) {
	inner := &counting{gate: make(chan struct{})}
	h := New(inner, 1, 1)
	for i := 0; i < 10; i++ {
		h.Activated("k")
	}
	close(inner.gate)
	h.Close()
	assert.Positive(t, h.Dropped())
	assert.Equal(t, uint64(10), h.Dropped()+uint64(len(inner.keys)))
}

func TestCopiesPurgedKey(t *testing.T) {
	inner := &counting{}
	h := New(inner, 1, 4)
	key := []byte("abc")
	h.EntryPurged("s", key)
	key[0] = 'x'
	h.Close()
	assert.Equal(t, []string{"abc"}, inner.keys)
}
