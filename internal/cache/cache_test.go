package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetSet(t *testing.T) {
	c := New()

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("servers:list", []int{1, 2, 3}, time.Minute)
	got, ok := c.Get("servers:list")
	assert.True(t, ok)
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestExpiry(t *testing.T) {
	c := New()
	c.Set("k", "v", 10*time.Millisecond)

	_, ok := c.Get("k")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestInvalidatePrefix(t *testing.T) {
	c := New()
	c.Set("servers:list", 1, time.Minute)
	c.Set("servers:42", 2, time.Minute)
	c.Set("stats:overview", 3, time.Minute)

	c.InvalidatePrefix("servers:")

	_, ok := c.Get("servers:list")
	assert.False(t, ok)
	_, ok = c.Get("servers:42")
	assert.False(t, ok)
	_, ok = c.Get("stats:overview")
	assert.True(t, ok)
}

func TestSweepRemovesExpired(t *testing.T) {
	c := New()
	c.Set("dead", 1, -time.Second)
	c.Set("live", 2, time.Minute)
	assert.Equal(t, 2, c.Len())

	c.sweep()
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get("live")
	assert.True(t, ok)
}

func TestFlush(t *testing.T) {
	c := New()
	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)
	c.Flush()
	assert.Equal(t, 0, c.Len())
}
