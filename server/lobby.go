package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Kaligetsagency/dama/ledger"
	"github.com/Kaligetsagency/dama/match"
	"github.com/Kaligetsagency/dama/registry"
)

func (s *Server) handleCreateChallenge(ctx context.Context, sess *session, req *CreateChallengeReq) {
	if req.Stake <= 0 {
		sess.sendError(s.log, "stake must be positive")
		return
	}
	if !req.Mode.Valid() {
		sess.sendError(s.log, "invalid balance mode")
		return
	}
	if req.AccountID == "" {
		sess.sendError(s.log, "missing account id")
		return
	}
	if chID, att := sess.snapshot(); chID != "" || att != nil {
		sess.sendError(s.log, "already hosting a challenge or playing")
		return
	}

	rating := s.resolveRating(ctx, req.AccountID, req.Rating)

	// Escrow first. The challenge record only ever exists with the stake
	// already held.
	if err := s.ledger.Debit(ctx, req.AccountID, req.Mode, req.Stake); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			sess.sendError(s.log, "insufficient funds")
		} else {
			s.log.Errorf("escrow debit for %s: %v", req.AccountID, err)
			sess.sendError(s.log, "ledger unavailable, try again")
		}
		return
	}

	roomID := uuid.NewString()
	if req.Private {
		roomID = newInviteCode()
	}

	sess.setIdentity(req.AccountID, req.Name, rating)

	// The room id is fixed now, so the host can subscribe to the room feed
	// before anyone can possibly join. A joiner on another instance then
	// starts the game by publish alone.
	if err := s.attachRoom(sess, roomID, match.Slot1); err != nil {
		s.refund(ctx, req.AccountID, req.Mode, req.Stake)
		s.log.Errorf("room subscribe for challenge %s: %v", roomID, err)
		sess.sendError(s.log, "matchmaking unavailable, try again")
		return
	}

	visibility := match.VisibilityPublic
	if req.Private {
		visibility = match.VisibilityPrivate
	}
	ch := &match.Challenge{
		RoomID:        roomID,
		HostConnID:    sess.id,
		HostAccountID: req.AccountID,
		HostName:      req.Name,
		Stake:         req.Stake,
		Mode:          req.Mode,
		Visibility:    visibility,
		HostRating:    rating,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.reg.PutChallenge(ctx, ch); err != nil {
		s.detachRoom(sess)
		s.refund(ctx, req.AccountID, req.Mode, req.Stake)
		s.log.Errorf("storing challenge %s: %v", roomID, err)
		sess.sendError(s.log, "matchmaking unavailable, try again")
		return
	}

	if req.Mode == match.ModeReal {
		if err := s.ledger.RecordTransaction(ctx, req.AccountID, ledger.TxEntryFee,
			req.Stake, ledger.StatusPending); err != nil {
			s.log.Warnf("recording entry fee for %s: %v", req.AccountID, err)
		}
	}

	sess.mu.Lock()
	sess.challengeID = roomID
	sess.mu.Unlock()

	s.log.Infof("challenge %s opened by %s (stake %d %s)", roomID, req.Name, req.Stake, req.Mode)
	sess.enqueue(s.log, envelope(EvGameCreated, &GameCreatedNtfn{RoomID: roomID, IsPrivate: req.Private}))
	s.publishLobby(ctx)
}

func (s *Server) handleJoinChallenge(ctx context.Context, sess *session, req *JoinChallengeReq) {
	if req.AccountID == "" {
		sess.sendError(s.log, "missing account id")
		return
	}
	if chID, att := sess.snapshot(); chID != "" || att != nil {
		sess.sendError(s.log, "already hosting a challenge or playing")
		return
	}

	ch, err := s.reg.GetChallenge(ctx, req.RoomID)
	if errors.Is(err, registry.ErrNotFound) {
		sess.sendError(s.log, "challenge not found")
		return
	}
	if err != nil {
		s.log.Errorf("reading challenge %s: %v", req.RoomID, err)
		sess.sendError(s.log, "matchmaking unavailable, try again")
		return
	}
	if ch.HostAccountID == req.AccountID {
		sess.sendError(s.log, "cannot join your own challenge")
		return
	}

	rating := s.resolveRating(ctx, req.AccountID, req.Rating)

	if err := s.ledger.Debit(ctx, req.AccountID, ch.Mode, ch.Stake); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			sess.sendError(s.log, "insufficient funds")
		} else {
			s.log.Errorf("escrow debit for %s: %v", req.AccountID, err)
			sess.sendError(s.log, "ledger unavailable, try again")
		}
		return
	}

	sess.setIdentity(req.AccountID, req.Name, rating)

	if err := s.attachRoom(sess, ch.RoomID, match.Slot2); err != nil {
		s.refund(ctx, req.AccountID, ch.Mode, ch.Stake)
		s.log.Errorf("room subscribe for %s: %v", ch.RoomID, err)
		sess.sendError(s.log, "matchmaking unavailable, try again")
		return
	}

	// The claim is the moment the match becomes exclusive: exactly one of any
	// number of racing joins (or a racing cancel) gets the challenge.
	claimed, err := s.reg.ClaimChallenge(ctx, ch.RoomID)
	if err != nil {
		s.detachRoom(sess)
		s.refund(ctx, req.AccountID, ch.Mode, ch.Stake)
		if errors.Is(err, registry.ErrNotFound) {
			sess.sendError(s.log, "challenge no longer available")
		} else {
			s.log.Errorf("claiming challenge %s: %v", ch.RoomID, err)
			sess.sendError(s.log, "matchmaking unavailable, try again")
		}
		return
	}

	room := &match.ActiveRoom{
		ID: claimed.RoomID,
		P1: match.PlayerInfo{
			ConnID:    claimed.HostConnID,
			AccountID: claimed.HostAccountID,
			Name:      claimed.HostName,
			Rating:    claimed.HostRating,
		},
		P2: match.PlayerInfo{
			ConnID:    sess.id,
			AccountID: req.AccountID,
			Name:      req.Name,
			Rating:    rating,
		},
		Stake:     claimed.Stake,
		Mode:      claimed.Mode,
		Status:    match.StatusOpen,
		ToMove:    match.Slot1,
		Deadline:  time.Now().UTC().Add(s.turnTimeout),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.reg.PutRoom(ctx, room); err != nil {
		// The challenge is already consumed and cannot be restored safely, so
		// both escrows go back and the host is told its challenge is gone.
		s.detachRoom(sess)
		s.refund(ctx, req.AccountID, claimed.Mode, claimed.Stake)
		s.refund(ctx, claimed.HostAccountID, claimed.Mode, claimed.Stake)
		cancelEv := &registry.RoomEvent{Type: registry.RoomEventCancel}
		if perr := s.reg.PublishRoom(ctx, claimed.RoomID, cancelEv); perr != nil {
			s.log.Warnf("notifying host of aborted room %s: %v", claimed.RoomID, perr)
		}
		s.log.Errorf("storing room %s: %v", claimed.RoomID, err)
		sess.sendError(s.log, "matchmaking unavailable, try again")
		s.publishLobby(ctx)
		return
	}

	if claimed.Mode == match.ModeReal {
		if err := s.ledger.RecordTransaction(ctx, req.AccountID, ledger.TxEntryFee,
			claimed.Stake, ledger.StatusPending); err != nil {
			s.log.Warnf("recording entry fee for %s: %v", req.AccountID, err)
		}
	}

	start := &GameStartNtfn{
		RoomID:  room.ID,
		Players: [2]string{room.P1.AccountID, room.P2.AccountID},
		Names:   [2]string{room.P1.Name, room.P2.Name},
		Stake:   room.Stake,
		Mode:    room.Mode,
	}
	ev := &registry.RoomEvent{Type: registry.RoomEventStart, Payload: mustJSON(start)}
	if err := s.reg.PublishRoom(ctx, room.ID, ev); err != nil {
		s.log.Errorf("publishing start for room %s: %v", room.ID, err)
	}

	s.log.Infof("room %s started: %s vs %s (stake %d %s)",
		room.ID, room.P1.Name, room.P2.Name, room.Stake, room.Mode)
	s.publishLobby(ctx)
}

// handleCancelChallenge withdraws the session's open challenge. Against a
// concurrent join the claim decides: whoever loses it treats the challenge
// as gone and leaves the money alone.
func (s *Server) handleCancelChallenge(ctx context.Context, sess *session) {
	chID, _ := sess.snapshot()
	if chID == "" {
		s.log.Debugf("session %s canceled with no open challenge", sess.id)
		return
	}

	ch, err := s.reg.ClaimChallenge(ctx, chID)
	if errors.Is(err, registry.ErrNotFound) {
		// A join won the race; the game is starting and the stake rides on it.
		sess.mu.Lock()
		sess.challengeID = ""
		sess.mu.Unlock()
		return
	}
	if err != nil {
		s.log.Errorf("claiming challenge %s for cancel: %v", chID, err)
		sess.sendError(s.log, "matchmaking unavailable, try again")
		return
	}

	s.refund(ctx, ch.HostAccountID, ch.Mode, ch.Stake)
	if ch.Mode == match.ModeReal {
		if err := s.ledger.RecordTransaction(ctx, ch.HostAccountID, ledger.TxRefund,
			ch.Stake, ledger.StatusSuccess); err != nil {
			s.log.Warnf("recording cancel refund for %s: %v", ch.HostAccountID, err)
		}
	}

	s.detachRoom(sess)
	sess.mu.Lock()
	sess.challengeID = ""
	sess.mu.Unlock()

	s.log.Infof("challenge %s canceled by host", chID)
	sess.enqueue(s.log, envelope(EvChallengeCancelled, nil))
	s.publishLobby(ctx)
}

// resolveRating prefers the client-supplied rating and falls back to the
// ledger's record, then the starting value. The rating only seeds the Elo
// math; money never depends on it.
func (s *Server) resolveRating(ctx context.Context, accountID string, claimed int) int {
	if claimed > 0 {
		return claimed
	}
	rating, err := s.ledger.Rating(ctx, accountID)
	if err != nil {
		s.log.Warnf("rating lookup for %s: %v", accountID, err)
		return match.DefaultRating
	}
	return rating
}

// refund returns an escrowed stake. A failure here cannot be retried blindly
// (the credit may have landed), so it is flagged for reconciliation instead.
func (s *Server) refund(ctx context.Context, accountID string, mode match.Mode, amount int64) {
	if err := s.ledger.Credit(ctx, accountID, mode, amount); err != nil {
		s.flagReconciliation(ctx, accountID, ledger.TxRefund, amount, err)
	}
}

func (s *Server) flagReconciliation(ctx context.Context, accountID string, typ ledger.TxType, amount int64, cause error) {
	s.log.Errorf("ledger write failed for %s (%s %d): %v; flagged for reconciliation",
		accountID, typ, amount, cause)
	if err := s.ledger.RecordTransaction(ctx, accountID, typ, amount, ledger.StatusReconcile); err != nil {
		s.log.Errorf("recording reconciliation marker for %s: %v", accountID, err)
	}
}
