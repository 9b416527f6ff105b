package guard

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrDuplicate means an identical request for the same channel is already
// being processed somewhere in the fleet.
var ErrDuplicate = errors.New("request already in flight")

// The contains-check and the push must be one atomic step, otherwise two
// workers racing on the same text both pass the check.
var acquireScript = redis.NewScript(`
local items = redis.call("LRANGE", KEYS[1], 0, -1)
for _, v in ipairs(items) do
  if v == ARGV[1] then
    return 0
  end
end
redis.call("LPUSH", KEYS[1], ARGV[1])
if tonumber(ARGV[2]) > 0 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return 1
`)

// InFlight de-duplicates concurrent identical requests across process
// instances. One redis list per channel holds the raw texts currently being
// processed.
type InFlight struct {
	redis  *redis.Client
	prefix string
	ttlSec int64
}

func New(rdb *redis.Client, prefix string) *InFlight {
	if prefix == "" {
		prefix = "convobot:inflight"
	}
	// The TTL is a safety net for keys orphaned by a hard crash, not part
	// of the release contract.
	return &InFlight{redis: rdb, prefix: prefix, ttlSec: 30 * 60}
}

func (g *InFlight) key(chatID string) string {
	return fmt.Sprintf("%s:%s", g.prefix, chatID)
}

// Acquire registers (chatID, text) or fails with ErrDuplicate when the exact
// text is already registered for that channel.
func (g *InFlight) Acquire(ctx context.Context, chatID, text string) error {
	ok, err := acquireScript.Run(ctx, g.redis, []string{g.key(chatID)}, text, g.ttlSec).Int64()
	if err != nil {
		return fmt.Errorf("in-flight acquire: %w", err)
	}
	if ok == 0 {
		return ErrDuplicate
	}
	return nil
}

// Release removes one registration of (chatID, text). Releasing a key that
// was never acquired is a no-op.
func (g *InFlight) Release(ctx context.Context, chatID, text string) error {
	if err := g.redis.LRem(ctx, g.key(chatID), 1, text).Err(); err != nil {
		return fmt.Errorf("in-flight release: %w", err)
	}
	return nil
}
