package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adred-codev/comet/internal/config"
	"github.com/adred-codev/comet/internal/monitoring"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configure the Redis backend. Any server speaking the Redis
// protocol with sorted sets and Lua (Redis, KeyDB, SSDB's redis port) works.
type RedisOptions struct {
	Options
	Addr     string
	Password string
	DB       int
	Prefix   string // key prefix, default "comet"
}

// Redis stores each backlog as a sorted set scored by seq.
//
//	<prefix>:{uid}:msgs    ZSET seq -> JSON entry
//	<prefix>:{uid}:maxseq  STRING
//	<prefix>:{uid}:ack     STRING
//	<prefix>:{uid}:chans   SET of cids
//	<prefix>:chan:<cid>    SET of uids
//
// The {uid} hash tag keeps one user's keys on one cluster slot so the Lua
// scripts stay single-slot.
type Redis struct {
	client *redis.Client
	opts   RedisOptions
	now    func() time.Time
}

// saveScript inserts one entry, enforces capacity and raises maxseq.
// ARGV[5] is the stored form of the entry up to its data, used to tell a
// repeated save from a different message under the same seq. Returns -1
// when rejected, -2 on a seq conflict, 0 when already acked or already
// stored, 1 when inserted, 2 when inserted after evicting the oldest and 3
// when the entry was older than everything retained and dropped itself.
var saveScript = redis.NewScript(`
local seq = tonumber(ARGV[1])
local ack = tonumber(redis.call('GET', KEYS[3]) or '0')
local cur = tonumber(redis.call('GET', KEYS[2]) or '0')
if seq > cur then redis.call('SET', KEYS[2], seq) end
if seq <= ack then return 0 end
local same = redis.call('ZRANGEBYSCORE', KEYS[1], seq, seq)
if #same > 0 then
  local prefix = ARGV[5]
  local tail = string.sub(same[1], #prefix + 1, #prefix + 1)
  if string.sub(same[1], 1, #prefix) == prefix and (tail == ',' or tail == '}') then
    return 0
  end
  return -2
end
local n = redis.call('ZCARD', KEYS[1])
local cap = tonumber(ARGV[3])
local result = 1
if n >= cap then
  if ARGV[4] == 'reject_new' then return -1 end
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  if tonumber(oldest[2]) > seq then return 3 end
  redis.call('ZREMRANGEBYRANK', KEYS[1], 0, n - cap)
  result = 2
end
redis.call('ZADD', KEYS[1], seq, ARGV[2])
return result
`)

// ackScript raises ack, trims acked entries and keeps maxseq >= ack.
var ackScript = redis.NewScript(`
local seq = tonumber(ARGV[1])
local ack = tonumber(redis.call('GET', KEYS[1]) or '0')
if seq > ack then
  redis.call('SET', KEYS[1], seq)
  ack = seq
end
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ack)
local cur = tonumber(redis.call('GET', KEYS[3]) or '0')
if ack > cur then redis.call('SET', KEYS[3], ack) end
return ack
`)

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	opts.Options = opts.Options.withDefaults()
	if opts.Prefix == "" {
		opts.Prefix = "comet"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("storage: redis ping %s: %w", opts.Addr, err)
	}

	opts.Logger.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("Redis storage connected")
	return &Redis{client: client, opts: opts, now: time.Now}, nil
}

func (r *Redis) msgsKey(uid string) string      { return r.opts.Prefix + ":{" + uid + "}:msgs" }
func (r *Redis) maxSeqKey(uid string) string    { return r.opts.Prefix + ":{" + uid + "}:maxseq" }
func (r *Redis) ackKey(uid string) string       { return r.opts.Prefix + ":{" + uid + "}:ack" }
func (r *Redis) userChansKey(uid string) string { return r.opts.Prefix + ":{" + uid + "}:chans" }
func (r *Redis) chanKey(cid string) string      { return r.opts.Prefix + ":chan:" + cid }

func (r *Redis) SaveMessage(ctx context.Context, uid string, seq int64, data []byte, ttl time.Duration) (err error) {
	started := time.Now()
	defer func() { monitoring.ObserveStorageOp("save_message", started, err) }()

	if len(data) == 0 {
		data = []byte("null")
	}
	member, err := json.Marshal(Entry{
		Seq:      seq,
		Data:     json.RawMessage(data),
		ExpireAt: expireAt(r.now(), r.opts.ttl(ttl)),
	})
	if err != nil {
		return fmt.Errorf("storage: encode entry: %w", err)
	}
	// Without expire_at the encoding ends right after data.
	bare, err := json.Marshal(Entry{Seq: seq, Data: json.RawMessage(data)})
	if err != nil {
		return fmt.Errorf("storage: encode entry: %w", err)
	}

	res, err := saveScript.Run(ctx, r.client,
		[]string{r.msgsKey(uid), r.maxSeqKey(uid), r.ackKey(uid)},
		seq, member, r.opts.Capacity, r.opts.Policy, bare[:len(bare)-1],
	).Int64()
	if err != nil {
		return fmt.Errorf("storage: redis save %s/%d: %w", uid, seq, err)
	}

	switch res {
	case -1:
		monitoring.RecordBacklogOverflow(config.OverflowRejectNew)
		return fmt.Errorf("%w: user %s", ErrBacklogFull, uid)
	case -2:
		return fmt.Errorf("%w: user %s seq %d", ErrSeqConflict, uid, seq)
	case 2, 3:
		monitoring.RecordBacklogOverflow(config.OverflowDropOldest)
	}
	return nil
}

func (r *Redis) GetMessages(ctx context.Context, uid string) (MessageIterator, error) {
	started := time.Now()
	ack, err := r.getInt(ctx, r.ackKey(uid))
	monitoring.ObserveStorageOp("get_messages", started, err)
	if err != nil {
		return nil, err
	}
	return &redisIterator{
		ctx:    ctx,
		client: r.client,
		key:    r.msgsKey(uid),
		min:    "(" + strconv.FormatInt(ack, 10),
		page:   redisPageSize,
		now:    r.now(),
	}, nil
}

func (r *Redis) GetMaxSeq(ctx context.Context, uid string) (int64, error) {
	started := time.Now()
	seq, err := r.getInt(ctx, r.maxSeqKey(uid))
	monitoring.ObserveStorageOp("get_max_seq", started, err)
	return seq, err
}

func (r *Redis) UpdateAck(ctx context.Context, uid string, seq int64) error {
	started := time.Now()
	err := ackScript.Run(ctx, r.client,
		[]string{r.ackKey(uid), r.msgsKey(uid), r.maxSeqKey(uid)}, seq).Err()
	monitoring.ObserveStorageOp("update_ack", started, err)
	if err != nil {
		return fmt.Errorf("storage: redis ack %s/%d: %w", uid, seq, err)
	}
	return nil
}

// AddUserToChannel writes both directions of the membership. The two keys
// live on different slots, so this is a pipeline rather than a script.
func (r *Redis) AddUserToChannel(ctx context.Context, cid, uid string) error {
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, r.chanKey(cid), uid)
		p.SAdd(ctx, r.userChansKey(uid), cid)
		return nil
	})
	return err
}

func (r *Redis) RemoveUserFromChannel(ctx context.Context, cid, uid string) error {
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, r.chanKey(cid), uid)
		p.SRem(ctx, r.userChansKey(uid), cid)
		return nil
	})
	return err
}

func (r *Redis) GetChannelUsers(ctx context.Context, cid string) ([]string, error) {
	return r.client.SMembers(ctx, r.chanKey(cid)).Result()
}

func (r *Redis) GetUserChannels(ctx context.Context, uid string) ([]string, error) {
	return r.client.SMembers(ctx, r.userChansKey(uid)).Result()
}

func (r *Redis) Close(ctx context.Context) error {
	return r.client.Close()
}

func (r *Redis) getInt(ctx context.Context, key string) (int64, error) {
	v, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("storage: redis get %s: %w", key, err)
	}
	return v, nil
}

const redisPageSize = 50

// redisIterator pages through the sorted set lazily.
type redisIterator struct {
	ctx    context.Context
	client *redis.Client
	key    string
	min    string
	page   int64
	now    time.Time

	offset int64
	buf    []string
	pos    int
	last   bool
	done   bool
	err    error
}

func (it *redisIterator) Next() (Entry, bool) {
	for !it.done {
		if it.pos >= len(it.buf) {
			if it.last {
				it.done = true
				break
			}
			it.fetch()
			continue
		}
		raw := it.buf[it.pos]
		it.pos++

		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			it.err = fmt.Errorf("storage: decode entry in %s: %w", it.key, err)
			it.done = true
			break
		}
		if e.expired(it.now) {
			continue
		}
		return e, true
	}
	return Entry{}, false
}

func (it *redisIterator) fetch() {
	vals, err := it.client.ZRangeByScore(it.ctx, it.key, &redis.ZRangeBy{
		Min:    it.min,
		Max:    "+inf",
		Offset: it.offset,
		Count:  it.page,
	}).Result()
	if err != nil {
		it.err = fmt.Errorf("storage: redis range %s: %w", it.key, err)
		it.done = true
		return
	}
	it.buf = vals
	it.pos = 0
	it.offset += int64(len(vals))
	if int64(len(vals)) < it.page {
		it.last = true
	}
}

func (it *redisIterator) Err() error { return it.err }

func (it *redisIterator) Close() error {
	it.done = true
	it.buf = nil
	return nil
}
