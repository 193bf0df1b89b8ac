package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/decred/slog"
	"github.com/redis/go-redis/v9"

	"github.com/Kaligetsagency/dama/match"
)

const (
	challengeKeyPrefix = "dama:challenge:"
	challengeIndexKey  = "dama:challenges"
	roomKeyPrefix      = "dama:room:"
	lobbyChannel       = "dama:lobby"
	roomChannelPrefix  = "dama:roomch:"
)

// claimScript removes a challenge and returns its payload in one atomic
// step. Only one of any number of concurrent callers sees the payload.
// KEYS[1] = challenge key, KEYS[2] = challenge index set, ARGV[1] = room id.
var claimScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
	return false
end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
return v
`)

// settleScript is the settlement CAS: open -> settled exactly once.
// KEYS[1] = room key.
var settleScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "status") == "open" then
	redis.call("HSET", KEYS[1], "status", "settled")
	return 1
end
return 0
`)

// touchScript refreshes the turn clock only while the room is still open,
// so a late touch can never resurrect a settled or removed room.
// KEYS[1] = room key, ARGV[1] = slot to move, ARGV[2] = unix deadline.
var touchScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "status") == "open" then
	redis.call("HSET", KEYS[1], "tomove", ARGV[1], "deadline", ARGV[2])
	return 1
end
return 0
`)

// RedisRegistry implements Registry on a Redis reachable by every instance.
// A second client is held for subscriptions so blocking pub/sub reads never
// starve regular commands (separate connections, same addr).
type RedisRegistry struct {
	rdb *redis.Client
	sub *redis.Client
	log slog.Logger
}

var _ Registry = (*RedisRegistry)(nil)

func NewRedisRegistry(opts *redis.Options, log slog.Logger) (*RedisRegistry, error) {
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	sub := redis.NewClient(opts)
	return &RedisRegistry{rdb: rdb, sub: sub, log: log}, nil
}

// wrapErr folds transport failures into ErrUnavailable and keeps redis.Nil
// as ErrNotFound so callers only ever see the registry's own sentinels.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func challengeKey(roomID string) string { return challengeKeyPrefix + roomID }
func roomKey(roomID string) string      { return roomKeyPrefix + roomID }

func (r *RedisRegistry) PutChallenge(ctx context.Context, ch *match.Challenge) error {
	b, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, challengeKey(ch.RoomID), b, 0)
	pipe.SAdd(ctx, challengeIndexKey, ch.RoomID)
	_, err = pipe.Exec(ctx)
	return wrapErr(err)
}

func (r *RedisRegistry) GetChallenge(ctx context.Context, roomID string) (*match.Challenge, error) {
	b, err := r.rdb.Get(ctx, challengeKey(roomID)).Bytes()
	if err != nil {
		return nil, wrapErr(err)
	}
	var ch match.Challenge
	if err := json.Unmarshal(b, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (r *RedisRegistry) ListChallenges(ctx context.Context) ([]*match.Challenge, error) {
	ids, err := r.rdb.SMembers(ctx, challengeIndexKey).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([]*match.Challenge, 0, len(ids))
	for _, id := range ids {
		ch, err := r.GetChallenge(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Claimed between SMEMBERS and GET; drop the stale index entry.
			r.rdb.SRem(ctx, challengeIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

func (r *RedisRegistry) ClaimChallenge(ctx context.Context, roomID string) (*match.Challenge, error) {
	res, err := claimScript.Run(ctx, r.rdb,
		[]string{challengeKey(roomID), challengeIndexKey}, roomID).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	raw, ok := res.(string)
	if !ok {
		return nil, ErrNotFound
	}
	var ch match.Challenge
	if err := json.Unmarshal([]byte(raw), &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (r *RedisRegistry) PutRoom(ctx context.Context, room *match.ActiveRoom) error {
	b, err := json.Marshal(room)
	if err != nil {
		return err
	}
	var deadline int64
	if !room.Deadline.IsZero() {
		deadline = room.Deadline.Unix()
	}
	err = r.rdb.HSet(ctx, roomKey(room.ID),
		"status", string(room.Status),
		"data", b,
		"tomove", int(room.ToMove),
		"deadline", deadline,
	).Err()
	return wrapErr(err)
}

func (r *RedisRegistry) GetRoom(ctx context.Context, roomID string) (*match.ActiveRoom, error) {
	vals, err := r.rdb.HMGet(ctx, roomKey(roomID), "status", "data", "tomove", "deadline").Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	if vals[0] == nil || vals[1] == nil {
		return nil, ErrNotFound
	}
	var room match.ActiveRoom
	if err := json.Unmarshal([]byte(vals[1].(string)), &room); err != nil {
		return nil, err
	}
	// The individual fields are the authority; the JSON snapshot is written
	// once at creation and never updated by the CAS or the clock.
	room.Status = match.RoomStatus(vals[0].(string))
	if v, ok := vals[2].(string); ok {
		if n, err := strconv.Atoi(v); err == nil {
			room.ToMove = match.PlayerSlot(n)
		}
	}
	if v, ok := vals[3].(string); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			room.Deadline = time.Unix(n, 0).UTC()
		}
	}
	return &room, nil
}

func (r *RedisRegistry) ListRooms(ctx context.Context) ([]*match.ActiveRoom, error) {
	out := []*match.ActiveRoom{}
	iter := r.rdb.Scan(ctx, 0, roomKeyPrefix+"*", 64).Iterator()
	for iter.Next(ctx) {
		room, err := r.GetRoom(ctx, strings.TrimPrefix(iter.Val(), roomKeyPrefix))
		if errors.Is(err, ErrNotFound) {
			// Removed between SCAN and HMGET.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, room)
	}
	return out, wrapErr(iter.Err())
}

func (r *RedisRegistry) TouchRoom(ctx context.Context, roomID string, toMove match.PlayerSlot, deadline time.Time) error {
	err := touchScript.Run(ctx, r.rdb, []string{roomKey(roomID)},
		int(toMove), deadline.Unix()).Err()
	return wrapErr(err)
}

func (r *RedisRegistry) SettleRoom(ctx context.Context, roomID string) (bool, error) {
	res, err := settleScript.Run(ctx, r.rdb, []string{roomKey(roomID)}).Int()
	if err != nil {
		return false, wrapErr(err)
	}
	return res == 1, nil
}

func (r *RedisRegistry) RemoveRoom(ctx context.Context, roomID string) error {
	return wrapErr(r.rdb.Del(ctx, roomKey(roomID)).Err())
}

func (r *RedisRegistry) PublishLobby(ctx context.Context) error {
	return wrapErr(r.rdb.Publish(ctx, lobbyChannel, "changed").Err())
}

func (r *RedisRegistry) SubscribeLobby(ctx context.Context) (Subscription, error) {
	return r.subscribe(ctx, lobbyChannel)
}

func (r *RedisRegistry) PublishRoom(ctx context.Context, roomID string, ev *RoomEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return wrapErr(r.rdb.Publish(ctx, roomChannelPrefix+roomID, b).Err())
}

func (r *RedisRegistry) SubscribeRoom(ctx context.Context, roomID string) (Subscription, error) {
	return r.subscribe(ctx, roomChannelPrefix+roomID)
}

func (r *RedisRegistry) subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.sub.Subscribe(ctx, channel)
	// Force the SUBSCRIBE round trip so an unreachable registry surfaces
	// here instead of as a silent dead feed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, wrapErr(err)
	}
	s := &redisSubscription{ps: ps, ch: make(chan []byte, 64)}
	go s.run()
	return s, nil
}

func (r *RedisRegistry) Close() error {
	if err := r.sub.Close(); err != nil {
		r.log.Warnf("closing subscribe client: %v", err)
	}
	return r.rdb.Close()
}

type redisSubscription struct {
	ps *redis.PubSub
	ch chan []byte
}

func (s *redisSubscription) run() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		select {
		case s.ch <- []byte(msg.Payload):
		default:
			// Receiver is not draining; drop rather than block the feed.
		}
	}
}

func (s *redisSubscription) C() <-chan []byte { return s.ch }

func (s *redisSubscription) Close() error { return s.ps.Close() }
