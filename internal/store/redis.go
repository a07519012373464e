package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout. Addresses and tokens use different prefixes so the two
// namespaces can never collide.
const (
	redisAddrPrefix   = "carrier:addr:"
	redisTokensPrefix = "carrier:tokens:"
	redisTokenPrefix  = "carrier:token:"
)

// putScript replaces a masked address and its token index in one step.
// Returns 0 when one of the new tokens is owned by another address.
var putScript = redis.NewScript(`
for i = 6, #ARGV, 2 do
  local owner = redis.call('GET', ARGV[5] .. ARGV[i])
  if owner and owner ~= ARGV[1] then return 0 end
end
local old = redis.call('HKEYS', KEYS[2])
for _, t in ipairs(old) do redis.call('DEL', ARGV[5] .. t) end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('HSET', KEYS[1], 'address', ARGV[1], 'destination', ARGV[2], 'id', ARGV[3], 'created_at', ARGV[4])
for i = 6, #ARGV, 2 do
  redis.call('HSET', KEYS[2], ARGV[i], ARGV[i+1])
  redis.call('SET', ARGV[5] .. ARGV[i], ARGV[1])
end
return 1
`)

var deleteScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return false end
local rec = redis.call('HMGET', KEYS[1], 'address', 'destination', 'id', 'created_at')
local toks = redis.call('HGETALL', KEYS[2])
for i = 1, #toks, 2 do redis.call('DEL', ARGV[1] .. toks[i]) end
redis.call('DEL', KEYS[1], KEYS[2])
local out = {rec[1], rec[2], rec[3], rec[4]}
for i = 1, #toks do out[#out + 1] = toks[i] end
return out
`)

// addTokenScript returns 1 on success, 0 when the owner is gone, -1 when the
// owner was replaced and -2 when the token already exists.
var addTokenScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
if redis.call('HGET', KEYS[1], 'id') ~= ARGV[1] then return -1 end
if redis.call('EXISTS', KEYS[3]) == 1 then return -2 end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
redis.call('SET', KEYS[3], ARGV[4])
return 1
`)

var consumeScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[1])
if not owner then return false end
redis.call('DEL', KEYS[1])
local tkey = ARGV[3] .. owner
local corr = redis.call('HGET', tkey, ARGV[1])
redis.call('HDEL', tkey, ARGV[1])
local akey = ARGV[2] .. owner
if not corr or redis.call('EXISTS', akey) == 0 then return false end
local rec = redis.call('HMGET', akey, 'address', 'destination', 'id', 'created_at')
local toks = redis.call('HGETALL', tkey)
local out = {corr, rec[1], rec[2], rec[3], rec[4]}
for i = 1, #toks do out[#out + 1] = toks[i] end
return out
`)

// RedisStore is a Store backed by Redis. Every mutation is a single Lua
// script, which Redis executes atomically.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the Redis server at url (redis://host:port/db).
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// FindByAddress implements Store.
func (s *RedisStore) FindByAddress(ctx context.Context, address string) (MaskedAddress, error) {
	address = Canonical(address)

	var rec, toks *redis.MapStringStringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rec = pipe.HGetAll(ctx, redisAddrPrefix+address)
		toks = pipe.HGetAll(ctx, redisTokensPrefix+address)
		return nil
	})
	if err != nil {
		return MaskedAddress{}, fmt.Errorf("redis: %w", err)
	}

	fields := rec.Val()
	if len(fields) == 0 {
		return MaskedAddress{}, ErrNotFound
	}

	m := MaskedAddress{
		ID:          fields["id"],
		Address:     fields["address"],
		Destination: fields["destination"],
		ReplyTokens: toks.Val(),
		CreatedAt:   parseRedisTime(fields["created_at"]),
	}
	if m.ReplyTokens == nil {
		m.ReplyTokens = make(map[string]string)
	}
	return m, nil
}

// FindByToken implements Store.
func (s *RedisStore) FindByToken(ctx context.Context, token string) (MaskedAddress, error) {
	token = Canonical(token)

	owner, err := s.client.Get(ctx, redisTokenPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return MaskedAddress{}, ErrNotFound
	}
	if err != nil {
		return MaskedAddress{}, fmt.Errorf("redis: %w", err)
	}

	m, err := s.FindByAddress(ctx, owner)
	if err != nil {
		return MaskedAddress{}, err
	}
	// The token may have been consumed between the two reads.
	if _, ok := m.ReplyTokens[token]; !ok {
		return MaskedAddress{}, ErrNotFound
	}
	return m, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, m MaskedAddress) error {
	address := Canonical(m.Address)
	args := []any{
		address,
		Canonical(m.Destination),
		m.ID,
		m.CreatedAt.UTC().Format(time.RFC3339Nano),
		redisTokenPrefix,
	}
	for token, correspondent := range m.ReplyTokens {
		args = append(args, Canonical(token), correspondent)
	}

	keys := []string{redisAddrPrefix + address, redisTokensPrefix + address}
	n, err := putScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if n == 0 {
		return ErrTokenExists
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, address string) (MaskedAddress, error) {
	address = Canonical(address)

	keys := []string{redisAddrPrefix + address, redisTokensPrefix + address}
	vals, err := deleteScript.Run(ctx, s.client, keys, redisTokenPrefix).StringSlice()
	if errors.Is(err, redis.Nil) {
		return MaskedAddress{}, ErrNotFound
	}
	if err != nil {
		return MaskedAddress{}, fmt.Errorf("redis: %w", err)
	}
	return decodeRedisRecord(vals)
}

// AddToken implements Store.
func (s *RedisStore) AddToken(ctx context.Context, owner, ownerID, token, correspondent string) error {
	owner = Canonical(owner)
	token = Canonical(token)

	keys := []string{redisAddrPrefix + owner, redisTokensPrefix + owner, redisTokenPrefix + token}
	n, err := addTokenScript.Run(ctx, s.client, keys, ownerID, token, correspondent, owner).Int()
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	switch n {
	case 1:
		return nil
	case 0:
		return ErrNotFound
	case -1:
		return ErrStale
	default:
		return ErrTokenExists
	}
}

// ConsumeToken implements Store.
func (s *RedisStore) ConsumeToken(ctx context.Context, token string) (MaskedAddress, string, error) {
	token = Canonical(token)

	keys := []string{redisTokenPrefix + token}
	vals, err := consumeScript.Run(ctx, s.client, keys, token, redisAddrPrefix, redisTokensPrefix).StringSlice()
	if errors.Is(err, redis.Nil) {
		return MaskedAddress{}, "", ErrNotFound
	}
	if err != nil {
		return MaskedAddress{}, "", fmt.Errorf("redis: %w", err)
	}
	if len(vals) < 1 {
		return MaskedAddress{}, "", fmt.Errorf("redis: short reply")
	}

	m, err := decodeRedisRecord(vals[1:])
	if err != nil {
		return MaskedAddress{}, "", err
	}
	return m, vals[0], nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// decodeRedisRecord decodes {address, destination, id, created_at, token, correspondent, ...}.
func decodeRedisRecord(vals []string) (MaskedAddress, error) {
	if len(vals) < 4 || len(vals)%2 != 0 {
		return MaskedAddress{}, fmt.Errorf("redis: malformed record reply (%d fields)", len(vals))
	}

	m := MaskedAddress{
		Address:     vals[0],
		Destination: vals[1],
		ID:          vals[2],
		CreatedAt:   parseRedisTime(vals[3]),
		ReplyTokens: make(map[string]string, (len(vals)-4)/2),
	}
	for i := 4; i < len(vals); i += 2 {
		m.ReplyTokens[vals[i]] = vals[i+1]
	}
	return m, nil
}

func parseRedisTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
