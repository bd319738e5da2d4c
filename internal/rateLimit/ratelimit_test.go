package rateLimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	redisadapter "github.com/robertarktes/parchi/internal/adapters/redis"
	"github.com/robertarktes/parchi/internal/rateLimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Allow(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	rl := rateLimit.NewRateLimiter(redisadapter.NewCache(db, time.Minute))

	mock.ExpectIncr("rl:user:alice").SetVal(2)
	mock.ExpectExpireNX("rl:user:alice", time.Minute).SetVal(false)
	ok, err := rl.Allow(ctx, rateLimit.UserKey("alice"), 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectIncr("rl:user:alice").SetVal(3)
	mock.ExpectExpireNX("rl:user:alice", time.Minute).SetVal(false)
	ok, err = rl.Allow(ctx, rateLimit.UserKey("alice"), 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimiter_RedisError(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	rl := rateLimit.NewRateLimiter(redisadapter.NewCache(db, time.Minute))

	mock.ExpectIncr("rl:ip:10.0.0.1").SetErr(assert.AnError)
	_, err := rl.Allow(ctx, rateLimit.IPKey("10.0.0.1"), 5, time.Minute)
	assert.Error(t, err)
}
