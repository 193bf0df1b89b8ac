package server

import (
	"context"
	"errors"

	"github.com/Kaligetsagency/dama/ledger"
	"github.com/Kaligetsagency/dama/match"
	"github.com/Kaligetsagency/dama/registry"
)

// settleRoom runs the exactly-once settlement: whichever completion signal
// wins the registry CAS performs all money and rating effects, every other
// signal for the same room becomes a no-op. Ledger failures after a won CAS
// never reopen the room; they are flagged for manual reconciliation so the
// failure mode is a delayed payout, not a doubled one.
func (s *Server) settleRoom(ctx context.Context, roomID string, winner match.PlayerSlot, reason match.Reason) error {
	room, err := s.reg.GetRoom(ctx, roomID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	won, err := s.reg.SettleRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if !won {
		s.log.Debugf("room %s: settlement already performed, ignoring %s signal", roomID, reason)
		return nil
	}

	pot := match.Pot(room.Stake)
	fee := match.Fee(pot)
	result := &MatchResultNtfn{Reason: string(reason)}

	if winner == match.SlotNone {
		refund := match.DrawRefund(room.Stake)
		for _, p := range []match.PlayerInfo{room.P1, room.P2} {
			if err := s.ledger.Credit(ctx, p.AccountID, room.Mode, refund); err != nil {
				s.flagReconciliation(ctx, p.AccountID, ledger.TxRefund, refund, err)
			} else if room.Mode == match.ModeReal {
				if err := s.ledger.RecordTransaction(ctx, p.AccountID, ledger.TxRefund,
					refund, ledger.StatusSuccess); err != nil {
					s.log.Warnf("recording draw refund for %s: %v", p.AccountID, err)
				}
			}
		}
		result.IsDraw = true
		result.Refund = refund
		s.log.Infof("room %s settled as draw (%s), refund %d each", roomID, reason, refund)
	} else {
		w := room.Player(winner)
		l := room.Player(winner.Other())
		take := match.WinnerTake(room.Stake)
		if err := s.ledger.Credit(ctx, w.AccountID, room.Mode, take); err != nil {
			s.flagReconciliation(ctx, w.AccountID, ledger.TxPayout, take, err)
		} else if room.Mode == match.ModeReal {
			if err := s.ledger.RecordTransaction(ctx, w.AccountID, ledger.TxPayout,
				take, ledger.StatusSuccess); err != nil {
				s.log.Warnf("recording payout for %s: %v", w.AccountID, err)
			}
		}

		// Ratings move in every mode; only money is mode-scoped.
		nw, nl := match.EloUpdate(w.Rating, l.Rating)
		if err := s.ledger.UpdateRatings(ctx, w.AccountID, nw, l.AccountID, nl); err != nil {
			s.log.Errorf("updating ratings for room %s: %v", roomID, err)
		}

		result.WinnerID = w.AccountID
		result.Payout = take
		s.log.Infof("room %s settled (%s): %s wins %d", roomID, reason, w.Name, take)
	}

	// Demo pots still lose the fee to the payout math, but only real money
	// lands in the operator wallet.
	if room.Mode == match.ModeReal {
		if err := s.ledger.CreditPlatformFee(ctx, room.Mode, fee); err != nil {
			s.log.Errorf("accruing platform fee for room %s: %v", roomID, err)
		}
	}

	ev := &registry.RoomEvent{Type: registry.RoomEventResult, Payload: mustJSON(result)}
	if err := s.reg.PublishRoom(ctx, roomID, ev); err != nil {
		s.log.Errorf("publishing result for room %s: %v", roomID, err)
	}
	if err := s.reg.RemoveRoom(ctx, roomID); err != nil {
		s.log.Warnf("removing settled room %s: %v", roomID, err)
	}
	return nil
}
