package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/robertarktes/parchi/internal/domain"
)

// setEventScript writes an event unless the cached copy is newer. Versions
// compare by updated_at (ms) and then issued_count, both monotonic per event.
var setEventScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'u', 'n')
if cur[1] then
	local cu, cn = tonumber(cur[1]), tonumber(cur[2])
	local u, n = tonumber(ARGV[1]), tonumber(ARGV[2])
	if u < cu or (u == cu and n < cn) then
		return 0
	end
end
redis.call('HSET', KEYS[1], 'u', ARGV[1], 'n', ARGV[2], 'd', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// Cache holds short-lived copies of events. Writes never replace a newer copy,
// so a slow read cannot overwrite the state a committed write cached.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

func eventKey(id uint64) string {
	return "cache:event:" + strconv.FormatUint(id, 10)
}

// GetEvent reports false on a miss.
func (c *Cache) GetEvent(ctx context.Context, id uint64) (domain.Event, bool, error) {
	val, err := c.client.HGet(ctx, eventKey(id), "d").Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Event{}, false, nil
	}
	if err != nil {
		return domain.Event{}, false, errors.Wrap(err, "cache get event")
	}
	var event domain.Event
	if err := json.Unmarshal(val, &event); err != nil {
		return domain.Event{}, false, errors.Wrap(err, "cache decode event")
	}
	return event, true, nil
}

// SetEvent reports whether the cache took the event.
func (c *Cache) SetEvent(ctx context.Context, event domain.Event) (bool, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return false, errors.Wrap(err, "cache encode event")
	}
	stored, err := setEventScript.Run(ctx, c.client, []string{eventKey(event.ID)},
		event.UpdatedAt.UnixMilli(), int64(event.IssuedCount), string(data), c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.Wrap(err, "cache set event")
	}
	return stored == 1, nil
}

func (c *Cache) InvalidateEvent(ctx context.Context, id uint64) error {
	return errors.Wrap(c.client.Del(ctx, eventKey(id)).Err(), "cache invalidate event")
}
