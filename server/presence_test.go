package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kaligetsagency/dama/match"
	"github.com/Kaligetsagency/dama/registry"
)

func TestDisconnectWithOpenChallengeRefunds(t *testing.T) {
	srv, lg, reg := createTestServer(t)
	ctx := context.Background()

	host := createTestSession(srv, "alice", "alice")
	lg.setBalance("alice", match.ModeReal, 1000)

	srv.handleCreateChallenge(ctx, host, &CreateChallengeReq{
		AccountID: "alice", Name: "alice", Stake: 100, Mode: match.ModeReal,
	})
	var ntfn GameCreatedNtfn
	require.NoError(t, unmarshalPayload(nextEvent(t, host, EvGameCreated), &ntfn))
	assert.EqualValues(t, 900, lg.balance("alice", match.ModeReal))

	srv.handleDisconnect(host)

	assert.EqualValues(t, 1000, lg.balance("alice", match.ModeReal))
	_, err := reg.GetChallenge(ctx, ntfn.RoomID)
	assert.ErrorIs(t, err, registry.ErrNotFound)

	srv.RLock()
	_, stillThere := srv.sessions[host.id]
	srv.RUnlock()
	assert.False(t, stillThere)
}

func TestDisconnectMidGameIsAbandonLoss(t *testing.T) {
	srv, lg, reg := createTestServer(t)
	ctx := context.Background()

	host := createTestSession(srv, "alice", "alice")
	joiner := createTestSession(srv, "bob", "bob")
	lg.setBalance("alice", match.ModeReal, 1000)
	lg.setBalance("bob", match.ModeReal, 500)

	roomID := startGame(t, srv, host, joiner, 100, match.ModeReal)

	srv.handleDisconnect(host)

	var res MatchResultNtfn
	env := nextEvent(t, joiner, EvMatchResult)
	require.NoError(t, unmarshalPayload(env, &res))
	assert.Equal(t, "bob", res.WinnerID)
	assert.Equal(t, string(match.ReasonAbandon), res.Reason)

	assert.EqualValues(t, 900, lg.balance("alice", match.ModeReal))
	assert.EqualValues(t, 580, lg.balance("bob", match.ModeReal))
	assert.Equal(t, 1216, lg.rating("bob"))
	assert.Equal(t, 1184, lg.rating("alice"))

	_, err := reg.GetRoom(ctx, roomID)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestDisconnectAfterSettlementIsQuiet(t *testing.T) {
	srv, lg, _ := createTestServer(t)
	ctx := context.Background()

	host := createTestSession(srv, "alice", "alice")
	joiner := createTestSession(srv, "bob", "bob")
	lg.setBalance("alice", match.ModeReal, 1000)
	lg.setBalance("bob", match.ModeReal, 500)

	startGame(t, srv, host, joiner, 100, match.ModeReal)
	srv.handleGameOver(ctx, host, &GameOverReq{Winner: WinnerMe})
	nextEvent(t, host, EvMatchResult)
	nextEvent(t, joiner, EvMatchResult)

	aliceBefore := lg.balance("alice", match.ModeReal)
	bobBefore := lg.balance("bob", match.ModeReal)

	// The room already resolved; dropping now must not move money again.
	srv.handleDisconnect(joiner)
	srv.handleDisconnect(host)

	assert.EqualValues(t, aliceBefore, lg.balance("alice", match.ModeReal))
	assert.EqualValues(t, bobBefore, lg.balance("bob", match.ModeReal))
}
