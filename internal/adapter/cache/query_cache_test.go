package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finrag/internal/domain"
)

func results(ids ...string) []domain.ScoredChunk {
	out := make([]domain.ScoredChunk, len(ids))
	for i, id := range ids {
		out[i] = domain.ScoredChunk{Chunk: domain.Chunk{ID: id}, Score: float64(len(ids) - i), Rank: i}
	}
	return out
}

func TestKeyDistinguishesInputs(t *testing.T) {
	base := Key("apple revenue", `{"ticker":{"$eq":"AAPL"}}`, 5)
	assert.Equal(t, base, Key("apple revenue", `{"ticker":{"$eq":"AAPL"}}`, 5))
	assert.NotEqual(t, base, Key("apple revenue", `{"ticker":{"$eq":"MSFT"}}`, 5))
	assert.NotEqual(t, base, Key("apple revenue", `{"ticker":{"$eq":"AAPL"}}`, 6))
	assert.NotEqual(t, base, Key("apple revenues", `{"ticker":{"$eq":"AAPL"}}`, 5))
	assert.NotEqual(t, Key("ab", "c", 1), Key("a", "bc", 1))
}

func TestGetPut(t *testing.T) {
	c := NewQueryCache(10, time.Minute)
	key := Key("q", "", 3)

	_, ok := c.Get(key)
	assert.False(t, ok)

	c.Put(key, results("a", "b"))
	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Len(t, got, 2)

	got[0].Score = 99
	again, _ := c.Get(key)
	assert.NotEqual(t, 99.0, again[0].Score, "cached results must not alias callers")
}

func TestTTLExpiry(t *testing.T) {
	c := NewQueryCache(10, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Put("k", results("a"))
	now = now.Add(30 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Size())
}

func TestLRUEviction(t *testing.T) {
	c := NewQueryCache(2, time.Minute)
	c.Put("a", results("1"))
	c.Put("b", results("2"))

	// Touch a so b becomes the oldest.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("c", results("3"))
	assert.Equal(t, 2, c.Size())
	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestInvalidate(t *testing.T) {
	c := NewQueryCache(0, 0)
	c.Put("a", results("1"))
	c.Put("b", results("2"))
	c.Invalidate()

	assert.Zero(t, c.Size())
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Put("a", results("1"))
	_, ok = c.Get("a")
	assert.True(t, ok)
}
