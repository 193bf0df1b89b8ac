package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Kaligetsagency/dama/match"
	"github.com/Kaligetsagency/dama/registry"
)

// attachRoom subscribes the session to a room's event feed and starts its
// relay loop. The subscription is per session, not per room, so two players
// on the same instance still each get their own feed.
func (s *Server) attachRoom(sess *session, roomID string, slot match.PlayerSlot) error {
	sub, err := s.reg.SubscribeRoom(context.Background(), roomID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	att := &roomAttachment{roomID: roomID, slot: slot, sub: sub, cancel: cancel}
	sess.mu.Lock()
	sess.room = att
	sess.mu.Unlock()
	go s.roomLoop(ctx, sess, att)
	return nil
}

func (s *Server) detachRoom(sess *session) {
	sess.mu.Lock()
	att := sess.room
	sess.room = nil
	sess.mu.Unlock()
	if att != nil {
		att.cancel()
		_ = att.sub.Close()
	}
}

// roomLoop relays the shared room feed to one session and keeps the turn
// clock. It runs from attach until the room resolves or the session detaches.
func (s *Server) roomLoop(ctx context.Context, sess *session, att *roomAttachment) {
	defer att.sub.Close()

	timer := time.NewTimer(s.turnTimeout)
	stopTimer(timer)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case b, ok := <-att.sub.C():
			if !ok {
				return
			}
			var ev registry.RoomEvent
			if err := json.Unmarshal(b, &ev); err != nil {
				s.log.Warnf("room %s: dropping malformed event: %v", att.roomID, err)
				continue
			}
			switch ev.Type {
			case registry.RoomEventStart:
				att.started = true
				stopTimer(timer)
				timer.Reset(s.turnTimeout)
				sess.mu.Lock()
				sess.challengeID = ""
				sess.mu.Unlock()
				sess.enqueue(s.log, Envelope{Type: EvGameStart, Payload: ev.Payload})

			case registry.RoomEventMove:
				att.sawMove = true
				att.lastMoverMe = ev.From == sess.id
				stopTimer(timer)
				timer.Reset(s.turnTimeout)
				if ev.From != sess.id {
					sess.enqueue(s.log, Envelope{Type: EvOpponentMove, Payload: ev.Payload})
				}

			case registry.RoomEventDraw:
				if ev.From != sess.id {
					sess.enqueue(s.log, envelope(EvDrawOffered, nil))
				}

			case registry.RoomEventResult:
				sess.enqueue(s.log, Envelope{Type: EvMatchResult, Payload: ev.Payload})
				s.clearRoom(sess, att)
				return

			case registry.RoomEventCancel:
				// The room could not be formed after the challenge was
				// consumed; the stake is already back.
				sess.enqueue(s.log, envelope(EvChallengeCancelled, nil))
				s.clearRoom(sess, att)
				return
			}

		case <-timer.C:
			if !att.started {
				continue
			}
			if att.fired {
				// This loop already settled on a previous firing and no
				// result frame arrived. The room is resolved either way, so
				// stop relaying instead of firing forever.
				s.clearRoom(sess, att)
				return
			}
			// The side to move is whichever did not make the last move; before
			// any move the host moves first. That side is out of time. Both
			// players' loops fire this independently and the settlement CAS
			// keeps the payout single.
			winner := match.Slot2
			if att.sawMove {
				if att.lastMoverMe {
					winner = att.slot
				} else {
					winner = att.slot.Other()
				}
			}
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.settleRoom(sctx, att.roomID, winner, match.ReasonTimeout); err != nil {
				s.log.Errorf("turn timeout settlement for room %s: %v", att.roomID, err)
			}
			cancel()
			att.fired = true
			// One more period of grace to receive the result frame.
			timer.Reset(s.turnTimeout)
		}
	}
}

// clearRoom drops the session's room association and stops its relay loop.
func (s *Server) clearRoom(sess *session, att *roomAttachment) {
	sess.mu.Lock()
	sess.challengeID = ""
	if sess.room == att {
		sess.room = nil
	}
	sess.mu.Unlock()
	att.cancel()
}

// handleMakeMove relays an opaque move. The payload is never interpreted
// here; game rules live entirely in the clients.
func (s *Server) handleMakeMove(ctx context.Context, sess *session, payload json.RawMessage) {
	_, att := sess.snapshot()
	if att == nil {
		sess.sendError(s.log, "not in an active game")
		return
	}
	ev := &registry.RoomEvent{Type: registry.RoomEventMove, From: sess.id, Payload: payload}
	if err := s.reg.PublishRoom(ctx, att.roomID, ev); err != nil {
		s.log.Warnf("relaying move in room %s: %v", att.roomID, err)
	}
	// Hand the turn clock to the opponent in the shared registry too, so the
	// expiry sweep on any instance sees the same deadline the local timers
	// run on.
	deadline := time.Now().UTC().Add(s.turnTimeout)
	if err := s.reg.TouchRoom(ctx, att.roomID, att.slot.Other(), deadline); err != nil {
		s.log.Debugf("refreshing turn clock for room %s: %v", att.roomID, err)
	}
}

func (s *Server) handleOfferDraw(ctx context.Context, sess *session) {
	_, att := sess.snapshot()
	if att == nil {
		sess.sendError(s.log, "not in an active game")
		return
	}
	ev := &registry.RoomEvent{Type: registry.RoomEventDraw, From: sess.id}
	if err := s.reg.PublishRoom(ctx, att.roomID, ev); err != nil {
		s.log.Warnf("relaying draw offer in room %s: %v", att.roomID, err)
	}
}

func (s *Server) handleGameOver(ctx context.Context, sess *session, req *GameOverReq) {
	_, att := sess.snapshot()
	if att == nil {
		sess.sendError(s.log, "not in an active game")
		return
	}
	var winner match.PlayerSlot
	switch req.Winner {
	case WinnerMe:
		winner = att.slot
	case WinnerOpponent:
		winner = att.slot.Other()
	default:
		sess.sendError(s.log, "invalid winner value")
		return
	}
	if err := s.settleRoom(ctx, att.roomID, winner, match.ReasonRegular); err != nil {
		s.log.Errorf("settling room %s: %v", att.roomID, err)
		sess.sendError(s.log, "settlement failed, try again")
	}
}

// handleTimeoutLoss is the client conceding on its own clock. The sender
// loses.
func (s *Server) handleTimeoutLoss(ctx context.Context, sess *session) {
	_, att := sess.snapshot()
	if att == nil {
		sess.sendError(s.log, "not in an active game")
		return
	}
	if err := s.settleRoom(ctx, att.roomID, att.slot.Other(), match.ReasonTimeout); err != nil {
		s.log.Errorf("settling room %s: %v", att.roomID, err)
		sess.sendError(s.log, "settlement failed, try again")
	}
}

// handleCompletion settles with an absolute outcome, used for signals that
// are not relative to the sender (draw agreement).
func (s *Server) handleCompletion(ctx context.Context, sess *session, winner match.PlayerSlot, reason match.Reason) {
	_, att := sess.snapshot()
	if att == nil {
		sess.sendError(s.log, "not in an active game")
		return
	}
	if err := s.settleRoom(ctx, att.roomID, winner, reason); err != nil {
		s.log.Errorf("settling room %s: %v", att.roomID, err)
		sess.sendError(s.log, "settlement failed, try again")
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
