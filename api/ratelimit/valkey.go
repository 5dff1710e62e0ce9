package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"
)

// incrScript runs INCR and the first-hit PEXPIRE as one atomic step. A key
// that somehow lost its expiry gets it back instead of living forever.
const incrScript = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`

type ValkeyCounter struct {
	client valkey.Client
	script *valkey.Lua
}

func NewValkeyCounter(client valkey.Client) *ValkeyCounter {
	return &ValkeyCounter{client: client, script: valkey.NewLuaScript(incrScript)}
}

func (c *ValkeyCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	windowMs := strconv.FormatInt(window.Milliseconds(), 10)
	vals, err := c.script.Exec(ctx, c.client, []string{key}, []string{windowMs}).AsIntSlice()
	if err != nil {
		return 0, 0, fmt.Errorf("rate limit incr %s: %w", key, err)
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("rate limit incr %s: unexpected reply length %d", key, len(vals))
	}
	return vals[0], time.Duration(vals[1]) * time.Millisecond, nil
}
