package server

import (
	"context"
	"errors"
	"time"

	"github.com/Kaligetsagency/dama/ledger"
	"github.com/Kaligetsagency/dama/match"
	"github.com/Kaligetsagency/dama/registry"
)

// handleDisconnect releases whatever the dropped session was holding: an
// unmatched challenge turns back into the host's money, an active game
// settles as an abandon loss. There is no reconnect grace period.
func (s *Server) handleDisconnect(sess *session) {
	s.Lock()
	delete(s.sessions, sess.id)
	s.Unlock()

	chID, att := sess.snapshot()
	if chID == "" && att == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if chID != "" {
		ch, err := s.reg.ClaimChallenge(ctx, chID)
		switch {
		case err == nil:
			s.refund(ctx, ch.HostAccountID, ch.Mode, ch.Stake)
			if ch.Mode == match.ModeReal {
				if err := s.ledger.RecordTransaction(ctx, ch.HostAccountID, ledger.TxRefund,
					ch.Stake, ledger.StatusSuccess); err != nil {
					s.log.Warnf("recording disconnect refund for %s: %v", ch.HostAccountID, err)
				}
			}
			s.log.Infof("challenge %s withdrawn, host disconnected", chID)
			s.publishLobby(ctx)
		case errors.Is(err, registry.ErrNotFound):
			// A join got there first; the abandon path below covers the room.
		default:
			s.log.Errorf("claiming challenge %s on disconnect: %v", chID, err)
		}
	}

	if att != nil {
		// No-ops harmlessly if the room never came to exist or is already
		// settled; the claim above and the CAS both guard the money.
		if err := s.settleRoom(ctx, att.roomID, att.slot.Other(), match.ReasonAbandon); err != nil {
			s.log.Errorf("abandon settlement for room %s: %v", att.roomID, err)
		}
	}

	s.detachRoom(sess)
}
