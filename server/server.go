package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/Kaligetsagency/dama/ledger"
	"github.com/Kaligetsagency/dama/match"
	"github.com/Kaligetsagency/dama/registry"
)

const defaultTurnTimeout = 60 * time.Second

// Config bundles the knobs the daemon wires in from flags and env.
type Config struct {
	Addr        string
	TurnTimeout time.Duration
	Log         slog.Logger
}

// Server is one stateless instance of the realtime core. Everything a rival
// instance might need lives in the shared registry and the ledger; the only
// local state is the set of websocket sessions physically connected here.
type Server struct {
	sync.RWMutex
	sessions map[string]*session

	reg         registry.Registry
	ledger      ledger.Gateway
	log         slog.Logger
	turnTimeout time.Duration
	upgrader    websocket.Upgrader
	httpSrv     *http.Server
}

func NewServer(cfg *Config, reg registry.Registry, lg ledger.Gateway) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	tt := cfg.TurnTimeout
	if tt <= 0 {
		tt = defaultTurnTimeout
	}
	s := &Server{
		sessions:    make(map[string]*session),
		reg:         reg,
		ledger:      lg,
		log:         log,
		turnTimeout: tt,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The account service fronts this core; origin policy is enforced
			// there, not here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpSrv = &http.Server{Addr: cfg.Addr, Handler: mux}
	return s
}

// Run serves websocket clients and relays lobby invalidations until ctx is
// canceled.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Infof("listening on %s", s.httpSrv.Addr)
		err := s.httpSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error { return s.lobbyLoop(gctx) })

	g.Go(func() error { return s.reapLoop(gctx) })

	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown stops accepting connections and drops the live sessions. Pending
// settlements are not waited for; the CAS makes a rerun of any interrupted
// signal harmless.
func (s *Server) Shutdown(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.httpSrv.Shutdown(sctx)

	s.RLock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.RUnlock()
	for _, sess := range sessions {
		_ = sess.conn.Close()
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("websocket upgrade failed: %v", err)
		return
	}
	sess := newSession(conn)

	s.Lock()
	s.sessions[sess.id] = sess
	s.Unlock()
	s.log.Debugf("session %s connected from %s", sess.id, r.RemoteAddr)

	go sess.writePump(s.log)
	s.sendLobbySnapshot(r.Context(), sess)

	s.readLoop(sess)

	s.handleDisconnect(sess)
	sess.close()
	_ = conn.Close()
	s.log.Debugf("session %s disconnected", sess.id)
}

func (s *Server) readLoop(sess *session) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			sess.sendError(s.log, "malformed message")
			continue
		}
		s.dispatch(sess, &env)
	}
}

// dispatch runs one inbound event to completion on the read goroutine, so a
// session's own events are always handled in arrival order.
func (s *Server) dispatch(sess *session, env *Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch env.Type {
	case EvCreateChallenge:
		var req CreateChallengeReq
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			sess.sendError(s.log, "malformed create_challenge payload")
			return
		}
		s.handleCreateChallenge(ctx, sess, &req)
	case EvJoinChallenge:
		var req JoinChallengeReq
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			sess.sendError(s.log, "malformed join_challenge payload")
			return
		}
		s.handleJoinChallenge(ctx, sess, &req)
	case EvCancelChallenge:
		s.handleCancelChallenge(ctx, sess)
	case EvMakeMove:
		s.handleMakeMove(ctx, sess, env.Payload)
	case EvOfferDraw:
		s.handleOfferDraw(ctx, sess)
	case EvAcceptDraw:
		s.handleCompletion(ctx, sess, match.SlotNone, match.ReasonDraw)
	case EvGameOver:
		var req GameOverReq
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			sess.sendError(s.log, "malformed game_over payload")
			return
		}
		s.handleGameOver(ctx, sess, &req)
	case EvTimeoutLoss:
		s.handleTimeoutLoss(ctx, sess)
	default:
		sess.sendError(s.log, "unknown event type "+env.Type)
	}
}

// lobbyLoop re-broadcasts the public challenge list whenever any instance
// signals a change. The signal carries no state; the list is re-read so
// instances never diverge.
func (s *Server) lobbyLoop(ctx context.Context) error {
	sub, err := s.reg.SubscribeLobby(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-sub.C():
			if !ok {
				return errors.New("lobby subscription closed")
			}
			s.broadcastLobby(ctx)
		}
	}
}

func (s *Server) broadcastLobby(ctx context.Context) {
	env, err := s.lobbyEnvelope(ctx)
	if err != nil {
		s.log.Errorf("listing challenges for lobby broadcast: %v", err)
		return
	}

	s.RLock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.RUnlock()
	for _, sess := range sessions {
		sess.enqueue(s.log, env)
	}
}

func (s *Server) sendLobbySnapshot(ctx context.Context, sess *session) {
	env, err := s.lobbyEnvelope(ctx)
	if err != nil {
		s.log.Warnf("lobby snapshot for session %s: %v", sess.id, err)
		return
	}
	sess.enqueue(s.log, env)
}

func (s *Server) lobbyEnvelope(ctx context.Context) (Envelope, error) {
	list, err := s.reg.ListChallenges(ctx)
	if err != nil {
		return Envelope{}, err
	}
	ntfn := LobbyUpdateNtfn{Challenges: make([]ChallengeSummary, 0, len(list))}
	for _, ch := range list {
		if ch.Visibility == match.VisibilityPrivate {
			continue
		}
		ntfn.Challenges = append(ntfn.Challenges, ChallengeSummary{
			RoomID:     ch.RoomID,
			HostName:   ch.HostName,
			Stake:      ch.Stake,
			Mode:       ch.Mode,
			HostRating: ch.HostRating,
		})
	}
	return envelope(EvLobbyUpdate, &ntfn), nil
}

// reapLoop periodically forfeits rooms whose turn deadline lapsed in the
// shared registry. The local timers handle the common case; this sweep is
// the backstop for rooms orphaned by a crashed instance, where no goroutine
// holding either socket survives to settle. Every instance runs it and the
// settlement CAS keeps concurrent sweeps single-shot.
func (s *Server) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.turnTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.reapExpiredRooms(ctx)
		}
	}
}

func (s *Server) reapExpiredRooms(ctx context.Context) {
	rooms, err := s.reg.ListRooms(ctx)
	if err != nil {
		s.log.Warnf("scanning rooms for expiry: %v", err)
		return
	}
	now := time.Now().UTC()
	for _, room := range rooms {
		if room.Status != match.StatusOpen || room.Deadline.IsZero() || now.Before(room.Deadline) {
			continue
		}
		loser := room.ToMove
		if loser == match.SlotNone {
			loser = match.Slot1
		}
		s.log.Infof("room %s expired at %s with %s to move, forfeiting",
			room.ID, room.Deadline.Format(time.RFC3339), room.Player(loser).Name)
		if err := s.settleRoom(ctx, room.ID, loser.Other(), match.ReasonTimeout); err != nil {
			s.log.Errorf("reaping room %s: %v", room.ID, err)
		}
	}
}

// publishLobby is fire and forget: a missed invalidation only delays the
// next lobby_update, it cannot corrupt state.
func (s *Server) publishLobby(ctx context.Context) {
	if err := s.reg.PublishLobby(ctx); err != nil {
		s.log.Warnf("publishing lobby change: %v", err)
	}
}
