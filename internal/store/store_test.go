package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetNXRejectsDuplicate(t *testing.T) {
	m := NewMemStore(time.Hour)
	defer m.Stop()
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "k1", "v1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetNX(ctx, "k1", "v2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second SetNX on the same key must fail")

	v, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", v, "original value preserved")
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	m := NewMemStore(time.Hour)
	defer m.Stop()
	_, err := m.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestExpiredEntryTreatedAsAbsent(t *testing.T) {
	m := NewMemStore(time.Hour)
	defer m.Stop()
	m.now = func() time.Time { return time.Unix(0, 0) }

	ctx := context.Background()
	ok, err := m.SetNX(ctx, "k1", "v1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	m.now = func() time.Time { return time.Unix(10, 0) }
	_, err = m.Get(ctx, "k1")
	assert.True(t, errors.Is(err, ErrNotFound))

	// expired key is available for SetNX again.
	ok, err = m.SetNX(ctx, "k1", "v2", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteRemovesKey(t *testing.T) {
	m := NewMemStore(time.Hour)
	defer m.Stop()
	ctx := context.Background()
	_, _ = m.SetNX(ctx, "k1", "v1", time.Minute)
	require.NoError(t, m.Delete(ctx, "k1"))
	_, err := m.Get(ctx, "k1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestExpireUpdatesTTL(t *testing.T) {
	m := NewMemStore(time.Hour)
	defer m.Stop()
	cur := time.Unix(0, 0)
	m.now = func() time.Time { return cur }
	ctx := context.Background()

	_, _ = m.SetNX(ctx, "k1", "v1", time.Second)
	require.NoError(t, m.Expire(ctx, "k1", time.Hour))

	cur = time.Unix(10, 0)
	v, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", v, "extended TTL kept the key alive past the original expiry")
}

func TestExpireOnMissingKeyReturnsErrNotFound(t *testing.T) {
	m := NewMemStore(time.Hour)
	defer m.Stop()
	err := m.Expire(context.Background(), "missing", time.Minute)
	assert.True(t, errors.Is(err, ErrNotFound))
}
