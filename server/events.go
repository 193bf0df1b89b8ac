package server

import (
	"encoding/json"

	"github.com/Kaligetsagency/dama/match"
)

// Envelope is the websocket frame format in both directions: a type tag and
// an opaque payload interpreted per type.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client -> server event types.
const (
	EvCreateChallenge = "create_challenge"
	EvJoinChallenge   = "join_challenge"
	EvCancelChallenge = "cancel_challenge"
	EvMakeMove        = "make_move"
	EvGameOver        = "game_over"
	EvTimeoutLoss     = "timeout_loss"
	EvOfferDraw       = "offer_draw"
	EvAcceptDraw      = "accept_draw"
)

// Server -> client event types.
const (
	EvLobbyUpdate        = "lobby_update"
	EvGameCreated        = "game_created"
	EvError              = "error"
	EvGameStart          = "game_start"
	EvOpponentMove       = "opponent_move"
	EvDrawOffered        = "draw_offered"
	EvMatchResult        = "match_result"
	EvChallengeCancelled = "challenge_cancelled"
)

// CreateChallengeReq opens a new challenge with the sender as host. The
// account fields identify the player to the ledger; the game core performs
// no authentication of its own.
type CreateChallengeReq struct {
	AccountID string     `json:"accountId"`
	Name      string     `json:"displayName"`
	Stake     int64      `json:"stake"`
	Mode      match.Mode `json:"mode"`
	Private   bool       `json:"isPrivate"`
	Rating    int        `json:"rating"`
}

type JoinChallengeReq struct {
	RoomID    string `json:"roomId"`
	AccountID string `json:"accountId"`
	Name      string `json:"displayName"`
	Rating    int    `json:"rating"`
}

// GameOverReq is a completion signal from one client's local game logic.
// Winner is relative to the sender.
type GameOverReq struct {
	Winner string `json:"winner"`
}

const (
	WinnerMe       = "me"
	WinnerOpponent = "opponent"
)

// ChallengeSummary is one row of a lobby_update. Private challenges are
// never listed.
type ChallengeSummary struct {
	RoomID     string     `json:"roomId"`
	HostName   string     `json:"hostName"`
	Stake      int64      `json:"stake"`
	Mode       match.Mode `json:"mode"`
	HostRating int        `json:"hostRating"`
}

type LobbyUpdateNtfn struct {
	Challenges []ChallengeSummary `json:"challenges"`
}

type GameCreatedNtfn struct {
	RoomID    string `json:"roomId"`
	IsPrivate bool   `json:"isPrivate"`
}

type ErrorNtfn struct {
	Message string `json:"message"`
}

// GameStartNtfn is published once per room through the shared registry so
// both players receive it regardless of which instance they sit on.
type GameStartNtfn struct {
	RoomID  string     `json:"roomId"`
	Players [2]string  `json:"players"`
	Names   [2]string  `json:"usernames"`
	Stake   int64      `json:"stake"`
	Mode    match.Mode `json:"mode"`
}

// MatchResultNtfn announces the settlement outcome to both players. For a
// draw Refund is set; otherwise WinnerID and Payout are.
type MatchResultNtfn struct {
	IsDraw   bool   `json:"isDraw"`
	WinnerID string `json:"winnerId,omitempty"`
	Payout   int64  `json:"payout,omitempty"`
	Refund   int64  `json:"refund,omitempty"`
	Reason   string `json:"reason"`
}

// envelope marshals a typed payload into a frame. Marshaling our own types
// cannot fail, so the error is dropped here once instead of at every caller.
func envelope(typ string, payload interface{}) Envelope {
	if payload == nil {
		return Envelope{Type: typ}
	}
	b, _ := json.Marshal(payload)
	return Envelope{Type: typ, Payload: b}
}
