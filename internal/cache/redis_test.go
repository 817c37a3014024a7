package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, time.Minute, time.Second), mr
}

func TestRedis_MissThenHit(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestRedis(t)
	key := TodoKey(1)

	_, v, err := c.Get(ctx, key)
	require.ErrorIs(t, err, ErrMiss)
	assert.Equal(t, Version(0), v)

	require.NoError(t, c.Set(ctx, key, v, []byte(`{"id":1}`)))

	got, v2, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, v, v2)
	assert.JSONEq(t, `{"id":1}`, string(got))
}

func TestRedis_InvalidateRetiresGeneration(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestRedis(t)
	key := TodoKey(1)

	require.NoError(t, c.Set(ctx, key, 0, []byte("old")))
	require.NoError(t, c.Invalidate(ctx, key))

	_, v, err := c.Get(ctx, key)
	assert.ErrorIs(t, err, ErrMiss)
	assert.Equal(t, Version(1), v)
}

func TestRedis_StaleFillIsNeverServed(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestRedis(t)
	key := TodoKey(7)

	// A reader misses and goes to the store...
	_, readVersion, err := c.Get(ctx, key)
	require.ErrorIs(t, err, ErrMiss)

	// ...meanwhile a write commits and invalidates...
	require.NoError(t, c.Invalidate(ctx, key))

	// ...then the reader fills with what it read before the write.
	require.NoError(t, c.Set(ctx, key, readVersion, []byte("pre-update")))

	_, _, err = c.Get(ctx, key)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedis_InvalidateScopesAreIndependent(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestRedis(t)

	page := ListKey(50, 0)
	require.NoError(t, c.Set(ctx, TodoKey(1), 0, []byte("one")))
	require.NoError(t, c.Set(ctx, TodoKey(2), 0, []byte("two")))
	require.NoError(t, c.Set(ctx, page, 0, []byte("[]")))

	require.NoError(t, c.Invalidate(ctx, TodoKey(1), ListKey(10, 0), page))

	_, _, err := c.Get(ctx, TodoKey(1))
	assert.ErrorIs(t, err, ErrMiss)
	_, _, err = c.Get(ctx, page)
	assert.ErrorIs(t, err, ErrMiss)
	got, _, err := c.Get(ctx, TodoKey(2))
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))
}

func TestRedis_TTLs(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)
	key := TodoKey(3)

	require.NoError(t, c.Set(ctx, key, 0, []byte("x")))
	assert.Equal(t, time.Minute, mr.TTL(key.dataKey(0)))

	require.NoError(t, c.Invalidate(ctx, key))
	assert.Equal(t, minGenerationTTL, mr.TTL(key.genKey()))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists(key.dataKey(0)))
}

func TestRedis_ServerDown(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)
	mr.SetError("LOADING server is loading")

	_, _, err := c.Get(ctx, TodoKey(1))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMiss)
	assert.Error(t, c.Invalidate(ctx, TodoKey(1)))
	assert.Error(t, c.Ping(ctx))
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)
	key := TodoKey(9)

	type item struct {
		ID    int64  `json:"id"`
		Title string `json:"title"`
	}
	require.NoError(t, SetJSON(ctx, c, key, 0, item{ID: 9, Title: "Buy milk"}))

	got, _, err := GetJSON[item](ctx, c, key)
	require.NoError(t, err)
	assert.Equal(t, item{ID: 9, Title: "Buy milk"}, got)

	require.NoError(t, mr.Set(key.dataKey(0), "{not json"))
	_, _, err = GetJSON[item](ctx, c, key)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestNoop(t *testing.T) {
	ctx := context.Background()
	var c Cache = Noop{}

	require.NoError(t, c.Set(ctx, TodoKey(1), 0, []byte("x")))
	_, _, err := c.Get(ctx, TodoKey(1))
	assert.ErrorIs(t, err, ErrMiss)
	assert.NoError(t, c.Invalidate(ctx, TodoKey(1)))
	assert.NoError(t, c.Ping(ctx))
}
