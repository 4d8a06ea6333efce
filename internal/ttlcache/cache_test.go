package ttlcache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newCache(ttl time.Duration) (*Cache[string, int], *clock) {
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New[string, int](ttl)
	c.Now = clk.Now
	return c, clk
}

func TestCache_GetBeforeAndAfterExpiry(t *testing.T) {
	c, clk := newCache(time.Minute)
	c.Set("a", 1)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	clk.Advance(59 * time.Second)
	_, ok = c.Get("a")
	assert.True(t, ok)

	clk.Advance(time.Second)
	v, ok = c.Get("a")
	assert.False(t, ok)
	assert.Zero(t, v)
	assert.Equal(t, 0, c.Len())
}

func TestCache_SetRefreshesExpiry(t *testing.T) {
	c, clk := newCache(time.Minute)
	c.Set("a", 1)
	clk.Advance(50 * time.Second)
	c.Set("a", 2)
	clk.Advance(50 * time.Second)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestCache_Delete(t *testing.T) {
	c, _ := newCache(time.Minute)
	c.Set("a", 1)
	c.Delete("a")
	c.Delete("missing")

	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestCache_Sweep(t *testing.T) {
	c, clk := newCache(time.Minute)
	c.Set("old1", 1)
	c.Set("old2", 2)
	clk.Advance(30 * time.Second)
	c.Set("new", 3)
	clk.Advance(45 * time.Second)

	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("new")
	assert.True(t, ok)
}

func TestCache_ConcurrentUse(t *testing.T) {
	c, _ := newCache(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%5)
			c.Set(key, i)
			c.Get(key)
			c.Sweep()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 5, c.Len())
}
