package server

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/decred/slog"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Kaligetsagency/dama/ledger"
	"github.com/Kaligetsagency/dama/match"
	"github.com/Kaligetsagency/dama/registry"
)

// fakeLedger is an in-memory Gateway with the same contract as the real
// one: conditional debits, unconditional credits, an append-only log.
type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	ratings  map[string]int
	fees     map[match.Mode]int64
	txs      []fakeTx

	failCredit bool
}

type fakeTx struct {
	accountID string
	typ       ledger.TxType
	amount    int64
	status    ledger.TxStatus
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances: make(map[string]int64),
		ratings:  make(map[string]int),
		fees:     make(map[match.Mode]int64),
	}
}

func balKey(accountID string, mode match.Mode) string {
	return accountID + "/" + string(mode)
}

func (f *fakeLedger) setBalance(accountID string, mode match.Mode, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[balKey(accountID, mode)] = amount
}

func (f *fakeLedger) balance(accountID string, mode match.Mode) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[balKey(accountID, mode)]
}

func (f *fakeLedger) fee(mode match.Mode) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fees[mode]
}

func (f *fakeLedger) rating(accountID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.ratings[accountID]; ok {
		return r
	}
	return match.DefaultRating
}

func (f *fakeLedger) txCount(typ ledger.TxType, status ledger.TxStatus) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, tx := range f.txs {
		if tx.typ == typ && tx.status == status {
			n++
		}
	}
	return n
}

func (f *fakeLedger) Debit(_ context.Context, accountID string, mode match.Mode, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := balKey(accountID, mode)
	if f.balances[key] < amount {
		return ledger.ErrInsufficientFunds
	}
	f.balances[key] -= amount
	return nil
}

func (f *fakeLedger) Credit(_ context.Context, accountID string, mode match.Mode, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCredit {
		return errors.New("ledger down")
	}
	f.balances[balKey(accountID, mode)] += amount
	return nil
}

func (f *fakeLedger) CreditPlatformFee(_ context.Context, mode match.Mode, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fees[mode] += amount
	return nil
}

func (f *fakeLedger) RecordTransaction(_ context.Context, accountID string, typ ledger.TxType, amount int64, status ledger.TxStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = append(f.txs, fakeTx{accountID: accountID, typ: typ, amount: amount, status: status})
	return nil
}

func (f *fakeLedger) UpdateRatings(_ context.Context, winnerID string, winnerRating int, loserID string, loserRating int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ratings[winnerID] = winnerRating
	f.ratings[loserID] = loserRating
	return nil
}

func (f *fakeLedger) Rating(_ context.Context, accountID string) (int, error) {
	return f.rating(accountID), nil
}

func (f *fakeLedger) Close() error { return nil }

var _ ledger.Gateway = (*fakeLedger)(nil)

func createTestServer(t *testing.T) (*Server, *fakeLedger, registry.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	log := slog.NewBackend(os.Stderr).Logger("TEST")
	reg, err := registry.NewRedisRegistry(&redis.Options{Addr: mr.Addr()}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	lg := newFakeLedger()
	srv := NewServer(&Config{Addr: "127.0.0.1:0", TurnTimeout: time.Minute, Log: log}, reg, lg)
	return srv, lg, reg
}

// flakyRegistry lets tests fail chosen registry writes while everything
// else keeps working, to exercise the refusal-and-refund branches.
type flakyRegistry struct {
	registry.Registry
	failPutChallenge bool
	failClaim        bool
	failPutRoom      bool
}

func (f *flakyRegistry) PutChallenge(ctx context.Context, ch *match.Challenge) error {
	if f.failPutChallenge {
		return registry.ErrUnavailable
	}
	return f.Registry.PutChallenge(ctx, ch)
}

func (f *flakyRegistry) ClaimChallenge(ctx context.Context, roomID string) (*match.Challenge, error) {
	if f.failClaim {
		return nil, registry.ErrUnavailable
	}
	return f.Registry.ClaimChallenge(ctx, roomID)
}

func (f *flakyRegistry) PutRoom(ctx context.Context, room *match.ActiveRoom) error {
	if f.failPutRoom {
		return registry.ErrUnavailable
	}
	return f.Registry.PutRoom(ctx, room)
}

func createFlakyServer(t *testing.T) (*Server, *fakeLedger, *flakyRegistry) {
	t.Helper()
	mr := miniredis.RunT(t)
	log := slog.NewBackend(os.Stderr).Logger("TEST")
	inner, err := registry.NewRedisRegistry(&redis.Options{Addr: mr.Addr()}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inner.Close() })

	lg := newFakeLedger()
	flaky := &flakyRegistry{Registry: inner}
	srv := NewServer(&Config{Addr: "127.0.0.1:0", TurnTimeout: time.Minute, Log: log}, flaky, lg)
	return srv, lg, flaky
}

// waitDetached polls until the session holds no challenge or room, for
// flows where the relay loop clears the association asynchronously.
func waitDetached(t *testing.T, sess *session) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		chID, att := sess.snapshot()
		if chID == "" && att == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session never released its challenge/room association")
}

// createTestSession registers a session with no real websocket behind it.
// Tests read outbound frames straight off the queue.
func createTestSession(s *Server, accountID, name string) *session {
	sess := newSession(nil)
	sess.accountID = accountID
	sess.name = name
	s.Lock()
	s.sessions[sess.id] = sess
	s.Unlock()
	return sess
}

func unmarshalPayload(env Envelope, v interface{}) error {
	return json.Unmarshal(env.Payload, v)
}

// nextEvent waits for the next outbound frame of the given type, skipping
// frames of other types along the way.
func nextEvent(t *testing.T, sess *session, typ string) Envelope {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-sess.out:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

// startGame runs the create/join flow and waits until both sides have seen
// game_start, returning the room id.
func startGame(t *testing.T, s *Server, host, joiner *session, stake int64, mode match.Mode) string {
	t.Helper()
	ctx := context.Background()

	s.handleCreateChallenge(ctx, host, &CreateChallengeReq{
		AccountID: host.accountID, Name: host.name, Stake: stake, Mode: mode,
	})
	created := nextEvent(t, host, EvGameCreated)
	var ntfn GameCreatedNtfn
	require.NoError(t, unmarshalPayload(created, &ntfn))

	s.handleJoinChallenge(ctx, joiner, &JoinChallengeReq{
		RoomID: ntfn.RoomID, AccountID: joiner.accountID, Name: joiner.name,
	})
	nextEvent(t, host, EvGameStart)
	nextEvent(t, joiner, EvGameStart)
	return ntfn.RoomID
}
