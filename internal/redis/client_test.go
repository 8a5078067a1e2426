package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := NewClient(&Config{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNewClient_RequiresConfig(t *testing.T) {
	_, err := NewClient(nil)
	assert.Error(t, err)
}

func TestNewClient_UnreachableServer(t *testing.T) {
	_, err := NewClient(&Config{Address: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestSetGet_String(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "k", "v", 0))
	got, err := client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestSetGet_JSON(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, client.Set(ctx, "doc", doc{Name: "x", Count: 2}, 0))

	var got doc
	require.NoError(t, client.GetJSON(ctx, "doc", &got))
	assert.Equal(t, doc{Name: "x", Count: 2}, got)
}

func TestGet_MissingKeyIsNil(t *testing.T) {
	client := newTestClient(t)

	_, err := client.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, Nil)
}

func TestDeleteAndExists(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "k", "v", 0))
	exists, err := client.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, client.Delete(ctx, "k"))
	exists, err = client.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestListOperations(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.LPush(ctx, "l", "a"))
	require.NoError(t, client.LPush(ctx, "l", "b"))
	require.NoError(t, client.LPush(ctx, "l", "c"))

	n, err := client.LLen(ctx, "l")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	items, err := client.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, items)

	require.NoError(t, client.LRem(ctx, "l", 0, "b"))
	items, err = client.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, items)
}

func TestHealth(t *testing.T) {
	client := newTestClient(t)
	assert.NoError(t, client.Health(context.Background()))
}
