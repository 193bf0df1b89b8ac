package registry

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/decred/slog"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kaligetsagency/dama/match"
)

func createTestRegistry(t *testing.T) *RedisRegistry {
	t.Helper()
	mr := miniredis.RunT(t)
	reg, err := NewRedisRegistry(&redis.Options{Addr: mr.Addr()},
		slog.NewBackend(os.Stderr).Logger("TEST"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func createTestChallenge(roomID string) *match.Challenge {
	return &match.Challenge{
		RoomID:        roomID,
		HostConnID:    "conn-host",
		HostAccountID: "acct-host",
		HostName:      "alice",
		Stake:         100,
		Mode:          match.ModeReal,
		Visibility:    match.VisibilityPublic,
		HostRating:    match.DefaultRating,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestRegistry_ChallengeRoundTrip(t *testing.T) {
	reg := createTestRegistry(t)
	ctx := context.Background()

	ch := createTestChallenge("r1")
	require.NoError(t, reg.PutChallenge(ctx, ch))

	got, err := reg.GetChallenge(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, ch.HostAccountID, got.HostAccountID)
	assert.Equal(t, ch.Stake, got.Stake)
	assert.Equal(t, ch.Mode, got.Mode)

	list, err := reg.ListChallenges(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = reg.GetChallenge(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_ClaimChallengeOnce(t *testing.T) {
	reg := createTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.PutChallenge(ctx, createTestChallenge("r2")))

	got, err := reg.ClaimChallenge(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, "r2", got.RoomID)

	// A second claim loses the race.
	_, err = reg.ClaimChallenge(ctx, "r2")
	assert.ErrorIs(t, err, ErrNotFound)

	// And the listing no longer shows it.
	list, err := reg.ListChallenges(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 0)
}

func TestRegistry_ClaimChallengeConcurrent(t *testing.T) {
	reg := createTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.PutChallenge(ctx, createTestChallenge("r3")))

	const callers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.ClaimChallenge(ctx, "r3"); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one concurrent claim may win")
}

func createTestRoom(id string) *match.ActiveRoom {
	return &match.ActiveRoom{
		ID:        id,
		P1:        match.PlayerInfo{ConnID: "c1", AccountID: "a1", Name: "alice", Rating: 1200},
		P2:        match.PlayerInfo{ConnID: "c2", AccountID: "a2", Name: "bob", Rating: 1250},
		Stake:     100,
		Mode:      match.ModeReal,
		Status:    match.StatusOpen,
		CreatedAt: time.Now().UTC(),
	}
}

func TestRegistry_RoomRoundTrip(t *testing.T) {
	reg := createTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.PutRoom(ctx, createTestRoom("room1")))

	room, err := reg.GetRoom(ctx, "room1")
	require.NoError(t, err)
	assert.Equal(t, match.StatusOpen, room.Status)
	assert.Equal(t, "a2", room.P2.AccountID)

	_, err = reg.GetRoom(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, reg.RemoveRoom(ctx, "room1"))
	_, err = reg.GetRoom(ctx, "room1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_SettleRoomCAS(t *testing.T) {
	reg := createTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.PutRoom(ctx, createTestRoom("room2")))

	won, err := reg.SettleRoom(ctx, "room2")
	require.NoError(t, err)
	assert.True(t, won)

	// Every later signal is a no-op.
	won, err = reg.SettleRoom(ctx, "room2")
	require.NoError(t, err)
	assert.False(t, won)

	room, err := reg.GetRoom(ctx, "room2")
	require.NoError(t, err)
	assert.Equal(t, match.StatusSettled, room.Status)
}

func TestRegistry_SettleRoomConcurrent(t *testing.T) {
	reg := createTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.PutRoom(ctx, createTestRoom("room3")))

	const signals = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < signals; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := reg.SettleRoom(ctx, "room3")
			if err == nil && won {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners, "exactly one settlement signal may win the CAS")
}

func TestRegistry_TouchRoomAdvancesClock(t *testing.T) {
	reg := createTestRegistry(t)
	ctx := context.Background()

	room := createTestRoom("room4")
	room.ToMove = match.Slot1
	room.Deadline = time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	require.NoError(t, reg.PutRoom(ctx, room))

	next := time.Now().UTC().Add(2 * time.Minute).Truncate(time.Second)
	require.NoError(t, reg.TouchRoom(ctx, "room4", match.Slot2, next))

	got, err := reg.GetRoom(ctx, "room4")
	require.NoError(t, err)
	assert.Equal(t, match.Slot2, got.ToMove)
	assert.True(t, got.Deadline.Equal(next))
}

func TestRegistry_TouchRoomAfterSettleIsNoOp(t *testing.T) {
	reg := createTestRegistry(t)
	ctx := context.Background()

	room := createTestRoom("room5")
	room.ToMove = match.Slot2
	room.Deadline = time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	require.NoError(t, reg.PutRoom(ctx, room))

	won, err := reg.SettleRoom(ctx, "room5")
	require.NoError(t, err)
	require.True(t, won)

	// A late touch cannot reopen the clock.
	require.NoError(t, reg.TouchRoom(ctx, "room5", match.Slot1, time.Now().UTC().Add(time.Hour)))
	got, err := reg.GetRoom(ctx, "room5")
	require.NoError(t, err)
	assert.Equal(t, match.Slot2, got.ToMove)
	assert.Equal(t, match.StatusSettled, got.Status)
}

func TestRegistry_ListRooms(t *testing.T) {
	reg := createTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.PutRoom(ctx, createTestRoom("room6")))
	require.NoError(t, reg.PutRoom(ctx, createTestRoom("room7")))

	rooms, err := reg.ListRooms(ctx)
	require.NoError(t, err)
	assert.Len(t, rooms, 2)

	require.NoError(t, reg.RemoveRoom(ctx, "room6"))
	rooms, err = reg.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "room7", rooms[0].ID)
}

func TestRegistry_LobbyPubSub(t *testing.T) {
	reg := createTestRegistry(t)
	ctx := context.Background()

	sub, err := reg.SubscribeLobby(ctx)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, reg.PublishLobby(ctx))

	select {
	case <-sub.C():
	case <-time.After(2 * time.Second):
		t.Fatal("lobby notification not delivered")
	}
}

func TestRegistry_RoomPubSub(t *testing.T) {
	reg := createTestRegistry(t)
	ctx := context.Background()

	sub, err := reg.SubscribeRoom(ctx, "roomX")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, reg.PublishRoom(ctx, "roomX", &registryTestEvent))

	select {
	case b := <-sub.C():
		assert.Contains(t, string(b), RoomEventMove)
	case <-time.After(2 * time.Second):
		t.Fatal("room event not delivered")
	}
}

var registryTestEvent = RoomEvent{Type: RoomEventMove, From: "c1", Payload: []byte(`{"sq":12}`)}
