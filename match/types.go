package match

import "time"

// Mode selects which of a player's two balances a stake affects.
type Mode string

const (
	ModeReal Mode = "real"
	ModeDemo Mode = "demo"
)

func (m Mode) Valid() bool {
	return m == ModeReal || m == ModeDemo
}

// Visibility controls whether a challenge shows up in the public lobby list.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// PlayerSlot labels the two participants of an active room. The labels are
// arbitrary; slot 1 is always the challenge host.
type PlayerSlot int32

const (
	SlotNone PlayerSlot = 0
	Slot1    PlayerSlot = 1
	Slot2    PlayerSlot = 2
)

// Other returns the opposing slot, or SlotNone for SlotNone.
func (s PlayerSlot) Other() PlayerSlot {
	switch s {
	case Slot1:
		return Slot2
	case Slot2:
		return Slot1
	}
	return SlotNone
}

// Reason records which completion signal won the settlement race.
type Reason string

const (
	ReasonRegular Reason = "regular"
	ReasonTimeout Reason = "timeout"
	ReasonDraw    Reason = "draw"
	ReasonAbandon Reason = "abandon"
)

// RoomStatus is the settlement state of an active room. The only transition
// is open -> settled and it happens at most once.
type RoomStatus string

const (
	StatusOpen    RoomStatus = "open"
	StatusSettled RoomStatus = "settled"
)

// Challenge is an open, unmatched wager offer. It exists in the shared
// registry if and only if the host's stake has been escrowed and not yet
// returned or forwarded into a room.
type Challenge struct {
	RoomID        string     `json:"room_id"`
	HostConnID    string     `json:"host_conn_id"`
	HostAccountID string     `json:"host_account_id"`
	HostName      string     `json:"host_name"`
	Stake         int64      `json:"stake"`
	Mode          Mode       `json:"mode"`
	Visibility    Visibility `json:"visibility"`
	HostRating    int        `json:"host_rating"`
	CreatedAt     time.Time  `json:"created_at"`
}

// PlayerInfo describes one participant of an active room.
type PlayerInfo struct {
	ConnID    string `json:"conn_id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	Rating    int    `json:"rating"`
}

// ActiveRoom is a matched pair of players with both stakes escrowed,
// pending settlement. While Status is open the escrowed total is 2*Stake.
// ToMove and Deadline track the turn clock in the shared registry so any
// instance can forfeit a stalled room, not just the ones holding its
// sockets.
type ActiveRoom struct {
	ID        string     `json:"id"`
	P1        PlayerInfo `json:"p1"`
	P2        PlayerInfo `json:"p2"`
	Stake     int64      `json:"stake"`
	Mode      Mode       `json:"mode"`
	Status    RoomStatus `json:"status"`
	ToMove    PlayerSlot `json:"to_move"`
	Deadline  time.Time  `json:"deadline"`
	CreatedAt time.Time  `json:"created_at"`
}

// Player returns the participant in the given slot.
func (r *ActiveRoom) Player(slot PlayerSlot) PlayerInfo {
	if slot == Slot2 {
		return r.P2
	}
	return r.P1
}

// SlotOf returns the slot occupied by the given connection, or SlotNone.
func (r *ActiveRoom) SlotOf(connID string) PlayerSlot {
	switch connID {
	case r.P1.ConnID:
		return Slot1
	case r.P2.ConnID:
		return Slot2
	}
	return SlotNone
}
