// Package jobstore holds completion events for poll-based retrieval. Records
// expire after a fixed TTL; a missing record reads as pending whether the job
// is still running, expired, or never existed.
//
// A correlation id can also be reserved before its task is queued. The
// reservation reads as pending and blocks a second reservation of the same
// id until the record expires.
package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"

	"skuld/api/model"
)

const (
	keyPrefix     = "job:"
	pendingMarker = "pending"
)

const reserveScript = `
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  return 1
end
return 0
`

// releaseScript drops the key only while it still holds the reservation, so
// a completion that raced in is kept.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

type Store interface {
	// Put upserts the record. The last write wins.
	Put(ctx context.Context, correlationID string, evt *model.CompletionEvent, ttl time.Duration) error
	// Get returns ok == false while no completion is stored, reserved or not.
	Get(ctx context.Context, correlationID string) (evt *model.CompletionEvent, ok bool, err error)
}

// Reserver claims correlation ids ahead of dispatch.
type Reserver interface {
	// Reserve reports false when the id already has a reservation or a
	// stored completion.
	Reserve(ctx context.Context, correlationID string, ttl time.Duration) (bool, error)
	// Release drops a reservation that never led to a queued task. A stored
	// completion is left alone.
	Release(ctx context.Context, correlationID string) error
}

type Valkey struct {
	client  valkey.Client
	reserve *valkey.Lua
	release *valkey.Lua
}

func NewValkey(client valkey.Client) *Valkey {
	return &Valkey{
		client:  client,
		reserve: valkey.NewLuaScript(reserveScript),
		release: valkey.NewLuaScript(releaseScript),
	}
}

func (s *Valkey) Reserve(ctx context.Context, correlationID string, ttl time.Duration) (bool, error) {
	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	n, err := s.reserve.Exec(ctx, s.client, []string{keyPrefix + correlationID},
		[]string{pendingMarker, strconv.FormatInt(ms, 10)}).AsInt64()
	if err != nil {
		return false, fmt.Errorf("reserve job %s: %w", correlationID, err)
	}
	return n == 1, nil
}

func (s *Valkey) Release(ctx context.Context, correlationID string) error {
	err := s.release.Exec(ctx, s.client, []string{keyPrefix + correlationID}, []string{pendingMarker}).Error()
	if err != nil {
		return fmt.Errorf("release job %s: %w", correlationID, err)
	}
	return nil
}

func (s *Valkey) Put(ctx context.Context, correlationID string, evt *model.CompletionEvent, ttl time.Duration) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	cmd := s.client.B().Set().Key(keyPrefix + correlationID).Value(string(data)).ExSeconds(secs).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("put job %s: %w", correlationID, err)
	}
	return nil
}

func (s *Valkey) Get(ctx context.Context, correlationID string) (*model.CompletionEvent, bool, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(keyPrefix+correlationID).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get job %s: %w", correlationID, err)
	}
	if string(data) == pendingMarker {
		return nil, false, nil
	}

	var evt model.CompletionEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, false, fmt.Errorf("decode job %s: %w", correlationID, err)
	}
	return &evt, true, nil
}
