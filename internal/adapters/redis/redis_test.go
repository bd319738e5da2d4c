package redis_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	redisadapter "github.com/robertarktes/parchi/internal/adapters/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotency_LockAndStore(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	idem := redisadapter.NewIdempotency(db)

	mock.ExpectGet("idemp:key-1").RedisNil()
	resp, err := idem.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.Nil(t, resp)

	mock.ExpectSetNX("idemp:lock:key-1", 1, time.Minute).SetVal(true)
	ok, err := idem.Lock(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	stored := redisadapter.IdempResponse{Status: 201, Result: []byte(`{"id":1}`), Fingerprint: "abc"}
	data, err := json.Marshal(stored)
	require.NoError(t, err)
	mock.ExpectSet("idemp:key-1", data, time.Hour).SetVal("OK")
	require.NoError(t, idem.Set(ctx, "key-1", stored, time.Hour))

	mock.ExpectDel("idemp:lock:key-1").SetVal(1)
	require.NoError(t, idem.Unlock(ctx, "key-1"))

	mock.ExpectGet("idemp:key-1").SetVal(string(data))
	resp, err = idem.Get(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, stored, *resp)

	assert.NoError(t, mock.ExpectationsWereMet())
}
