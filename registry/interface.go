package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Kaligetsagency/dama/match"
)

var (
	// ErrNotFound is returned when the referenced challenge or room does not
	// exist in the registry (stale id, or already consumed/settled).
	ErrNotFound = errors.New("entry not found in registry")

	// ErrUnavailable means the shared registry cannot be reached. Matchmaking
	// must refuse new work instead of falling back to per-instance memory.
	ErrUnavailable = errors.New("match registry unavailable")
)

// Room event types carried over the per-room channel.
const (
	RoomEventStart  = "start"
	RoomEventMove   = "move"
	RoomEventDraw   = "draw_offer"
	RoomEventResult = "result"
	RoomEventCancel = "cancelled"
)

// RoomEvent is the fan-out unit for an active room. From carries the origin
// connection id so instances can skip echoing back to the sender.
type RoomEvent struct {
	Type    string          `json:"type"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Subscription is a live pub/sub feed. C is closed after Close returns.
type Subscription interface {
	C() <-chan []byte
	Close() error
}

// Registry is the shared store that makes server instances interchangeable:
// open challenges, active rooms and change fan-out all live here, visible to
// every instance. Mutations of shared state are atomic single operations;
// there is no read-then-write anywhere in this contract.
type Registry interface {
	PutChallenge(ctx context.Context, ch *match.Challenge) error
	GetChallenge(ctx context.Context, roomID string) (*match.Challenge, error)
	ListChallenges(ctx context.Context) ([]*match.Challenge, error)
	// ClaimChallenge atomically removes and returns the challenge. Under
	// concurrent claims for the same room id exactly one caller gets the
	// challenge; the rest get ErrNotFound. Both join and cancel go through
	// this, which is what keeps a challenge from being consumed twice.
	ClaimChallenge(ctx context.Context, roomID string) (*match.Challenge, error)

	PutRoom(ctx context.Context, room *match.ActiveRoom) error
	GetRoom(ctx context.Context, roomID string) (*match.ActiveRoom, error)
	// ListRooms returns every room currently in the registry, including
	// settled ones not yet removed. Used by the expiry sweep.
	ListRooms(ctx context.Context) ([]*match.ActiveRoom, error)
	// TouchRoom advances the turn clock while the room is still open. A
	// touch against a settled or missing room changes nothing.
	TouchRoom(ctx context.Context, roomID string, toMove match.PlayerSlot, deadline time.Time) error
	// SettleRoom flips the room's status from open to settled. It reports
	// whether this caller performed the transition; false means another
	// completion signal already won and the caller must not touch funds.
	SettleRoom(ctx context.Context, roomID string) (bool, error)
	RemoveRoom(ctx context.Context, roomID string) error

	// PublishLobby signals that the public challenge list changed. Receivers
	// re-read the list; the notification itself carries no state.
	PublishLobby(ctx context.Context) error
	SubscribeLobby(ctx context.Context) (Subscription, error)

	PublishRoom(ctx context.Context, roomID string, ev *RoomEvent) error
	SubscribeRoom(ctx context.Context, roomID string) (Subscription, error)

	Close() error
}
