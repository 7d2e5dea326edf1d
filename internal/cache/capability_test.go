package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilityCacheHitAndMiss(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewCapabilityCache(db, 30*time.Second)
	ctx := context.Background()

	mock.ExpectGet("payout:capable:acct_1").RedisNil()
	_, found, err := c.Get(ctx, "acct_1")
	require.NoError(t, err)
	assert.False(t, found)

	mock.ExpectSet("payout:capable:acct_1", "1", 30*time.Second).SetVal("OK")
	require.NoError(t, c.Set(ctx, "acct_1", true))

	mock.ExpectGet("payout:capable:acct_1").SetVal("1")
	capable, found, err := c.Get(ctx, "acct_1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, capable)

	mock.ExpectDel("payout:capable:acct_1").SetVal(1)
	require.NoError(t, c.Invalidate(ctx, "acct_1"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCapabilityCacheError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewCapabilityCache(db, time.Minute)

	mock.ExpectGet("payout:capable:acct_2").SetErr(errors.New("connection refused"))
	_, _, err := c.Get(context.Background(), "acct_2")
	assert.Error(t, err)
}

func TestCapabilityCacheDisabled(t *testing.T) {
	c := NewCapabilityCache(nil, time.Minute)
	_, found, err := c.Get(context.Background(), "acct_3")
	assert.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, c.Set(context.Background(), "acct_3", true))
}
