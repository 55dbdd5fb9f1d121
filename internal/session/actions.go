package session

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vetohub/veto-backend/internal/engine"
	"github.com/vetohub/veto-backend/internal/errs"
	"github.com/vetohub/veto-backend/internal/store"
	"github.com/vetohub/veto-backend/internal/timer"
)

// ActionRequest is a turn action submitted with a player token. ByAdmin
// marks a vote an admin casts on the player's behalf.
type ActionRequest struct {
	Type    string `json:"type"` // "ban" | "vote"
	MapID   string `json:"map_id"`
	ByAdmin bool   `json:"-"`
	AdminID string `json:"-"`
}

// SubmitAction validates and applies one turn action. The session state
// read here is re-validated at commit; a concurrent writer causes a
// conflict error and no mutation.
func (s *Service) SubmitAction(ctx context.Context, token string, req ActionRequest) (View, error) {
	player, err := s.resolveToken(ctx, token)
	if err != nil {
		return View{}, err
	}

	sess, err := s.store.GetSession(ctx, player.SessionID)
	if err != nil {
		return View{}, err
	}
	if sess.Status != store.StatusInProgress {
		return View{}, errs.State("session %s is %s, expected IN_PROGRESS", sess.ID, sess.Status)
	}

	var actionType engine.ActionType
	switch req.Type {
	case "ban":
		actionType = engine.ActionBan
	case "vote":
		actionType = engine.ActionVote
	default:
		return View{}, errs.Validation("unknown action type %q", req.Type)
	}

	action := engine.Action{
		Type:     actionType,
		PlayerID: player.ID,
		MapID:    req.MapID,
		ByAdmin:  req.ByAdmin,
	}
	actor := Actor{Type: store.ActorPlayer, ID: player.ID}
	if req.ByAdmin {
		actor = Actor{Type: store.ActorAdmin, ID: req.AdminID}
	}

	if err := s.applyAction(ctx, sess, action, actor); err != nil {
		return View{}, err
	}
	s.publishView(ctx, sess.ID)
	return s.State(ctx, sess.ID)
}

// HandleTimeouts runs the auto-action path for every IN_PROGRESS
// session whose turn deadline has passed. Individual failures are
// logged and skipped; the sweep is safe to re-run. Returns the number
// of sessions acted on.
func (s *Service) HandleTimeouts(ctx context.Context) (int, error) {
	sessions, err := s.store.ListSessionsByStatus(ctx, store.StatusInProgress)
	if err != nil {
		return 0, err
	}
	now := s.now()
	acted := 0
	for _, sess := range sessions {
		if !timer.Expired(sess, now) {
			continue
		}
		state, _, _, err := s.loadEngineState(ctx, sess)
		if err != nil {
			s.log.Warn("timeout sweep: load failed", zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		proto, err := engine.ForFormat(sess.Format)
		if err != nil {
			s.log.Warn("timeout sweep: bad format", zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		auto := proto.AutoAction(state)
		if err := s.applyAction(ctx, sess, auto, SystemActor()); err != nil {
			s.log.Warn("timeout sweep: auto-action failed", zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		s.log.Info("timer expired, auto-action applied",
			zap.String("session_id", sess.ID),
			zap.String("action", string(auto.Type)))
		s.publishView(ctx, sess.ID)
		acted++
	}
	return acted, nil
}

// applyAction runs the protocol on the current projection and commits
// every resulting mutation plus audit entries as one atomic unit.
func (s *Service) applyAction(ctx context.Context, sess *store.Session, action engine.Action, actor Actor) error {
	state, players, maps, err := s.loadEngineState(ctx, sess)
	if err != nil {
		return err
	}
	proto, err := engine.ForFormat(sess.Format)
	if err != nil {
		return err
	}
	events, next, err := proto.Apply(state, action)
	if err != nil {
		return err
	}

	playerByID := make(map[string]*store.SessionPlayer, len(players))
	for _, p := range players {
		playerByID[p.ID] = p
	}
	mapByID := make(map[string]*store.SessionMap, len(maps))
	for _, m := range maps {
		mapByID[m.ID] = m
	}
	votedBefore := make(map[string]bool, len(players))
	for _, p := range players {
		votedBefore[p.ID] = p.HasVoted
	}

	now := s.now()
	return s.store.Transact(ctx, func(tx store.Store) error {
		changedMaps := map[string]bool{}
		completed := false

		for _, e := range events {
			switch e.Type {
			case engine.EvtMapBanned:
				m := mapByID[e.MapID]
				m.State = engine.MapBanned
				if e.PlayerID != "" {
					id := e.PlayerID
					m.BannedBy = &id
				}
				t, r := e.Turn, e.Round
				m.BannedTurn = &t
				m.BannedRound = &r
				changedMaps[m.ID] = true

				detail := auditDetail{MapID: m.ID, MapName: m.Name, Turn: &t, Round: &r}
				if p, ok := playerByID[e.PlayerID]; ok {
					detail.TeamName = p.TeamName
				}
				if e.System {
					detail.Reason = "turn timer expired"
				}
				if err := s.audit(ctx, tx, sess.ID, store.AuditMapBanned, actorFor(e, actor), detail); err != nil {
					return err
				}

			case engine.EvtVoteCast:
				m := mapByID[e.MapID]
				m.VoteCount++
				changedMaps[m.ID] = true
				r := e.Round
				if err := tx.CreateVote(ctx, &store.Vote{
					ID:           uuid.NewString(),
					SessionID:    sess.ID,
					Round:        e.Round,
					PlayerID:     e.PlayerID,
					SessionMapID: e.MapID,
					CastByAdmin:  e.ByAdmin,
					CreatedAt:    now,
				}); err != nil {
					return err
				}
				detail := auditDetail{MapID: m.ID, MapName: m.Name, Round: &r}
				if p, ok := playerByID[e.PlayerID]; ok {
					detail.TeamName = p.TeamName
				}
				if err := s.audit(ctx, tx, sess.ID, store.AuditVoteCast, actor, detail); err != nil {
					return err
				}

			case engine.EvtRoundClosed:
				r := e.Round
				detail := auditDetail{Round: &r}
				if e.System {
					detail.Reason = "round timer expired"
				}
				if e.TieBroken {
					detail.Reason = joinReason(detail.Reason, "tie broken by map order")
				}
				if err := s.audit(ctx, tx, sess.ID, store.AuditRoundClosed, actorFor(e, actor), detail); err != nil {
					return err
				}

			case engine.EvtWinnerDecided:
				m := mapByID[e.MapID]
				m.State = engine.MapWinner
				changedMaps[m.ID] = true
				completed = true

				winnerID := m.ID
				sess.WinnerMapID = &winnerID
				sess.Status = store.StatusComplete
				sess.CompletedAt = &now
				sess.TimerStartedAt = nil
				sess.TimerPausedAt = nil
				sess.PausedSec = 0

				if _, err := tx.ClearPlayerIPs(ctx, sess.ID); err != nil {
					return err
				}
				detail := auditDetail{MapID: m.ID, MapName: m.Name}
				if err := s.audit(ctx, tx, sess.ID, store.AuditSessionCompleted, actor, detail); err != nil {
					return err
				}
			}
		}

		for id := range changedMaps {
			if err := tx.UpdateMap(ctx, mapByID[id]); err != nil {
				return err
			}
		}
		for _, np := range next.Players {
			if votedBefore[np.ID] == np.HasVoted {
				continue
			}
			p := playerByID[np.ID]
			p.HasVoted = np.HasVoted
			if err := tx.UpdatePlayer(ctx, p); err != nil {
				return err
			}
		}

		sess.CurrentTurn = next.Turn
		sess.CurrentRound = next.Round
		if !completed && advancesClock(events) {
			sess.TimerStartedAt = &now
			sess.TimerPausedAt = nil
			sess.PausedSec = 0
		}
		return tx.UpdateSession(ctx, sess)
	})
}

// loadEngineState builds the protocol projection for the session's
// current round.
func (s *Service) loadEngineState(ctx context.Context, sess *store.Session) (engine.State, []*store.SessionPlayer, []*store.SessionMap, error) {
	players, err := s.store.ListPlayers(ctx, sess.ID)
	if err != nil {
		return engine.State{}, nil, nil, err
	}
	maps, err := s.store.ListMaps(ctx, sess.ID)
	if err != nil {
		return engine.State{}, nil, nil, err
	}
	votes, err := s.store.ListVotes(ctx, sess.ID, sess.CurrentRound)
	if err != nil {
		return engine.State{}, nil, nil, err
	}

	votesByMap := map[string]int{}
	for _, v := range votes {
		votesByMap[v.SessionMapID]++
	}

	state := engine.State{Turn: sess.CurrentTurn, Round: sess.CurrentRound}
	for _, m := range maps {
		state.Maps = append(state.Maps, engine.MapSlot{
			ID:       m.ID,
			Position: m.Position,
			State:    m.State,
			Votes:    votesByMap[m.ID],
		})
	}
	for _, p := range players {
		state.Players = append(state.Players, engine.PlayerSlot{
			ID:        p.ID,
			Slot:      p.Slot,
			Connected: p.Connected,
			HasVoted:  p.HasVoted,
		})
	}
	return state, players, maps, nil
}

// advancesClock reports whether the action moved the session to a new
// turn or round, which restarts the timer.
func advancesClock(events []engine.Event) bool {
	for _, e := range events {
		if e.Type == engine.EvtTurnAdvanced || e.Type == engine.EvtRoundClosed {
			return true
		}
	}
	return false
}

// actorFor substitutes the SYSTEM actor for timer-driven events.
func actorFor(e engine.Event, fallback Actor) Actor {
	if e.System {
		return SystemActor()
	}
	return fallback
}

func joinReason(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

type auditDetail struct {
	MapID    string `json:"mapId,omitempty"`
	MapName  string `json:"mapName,omitempty"`
	TeamName string `json:"teamName,omitempty"`
	Turn     *int   `json:"turn,omitempty"`
	Round    *int   `json:"round,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Service) audit(ctx context.Context, tx store.Store, sessionID string, action store.AuditAction, actor Actor, detail auditDetail) error {
	payload, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	entry := &store.AuditLog{
		SessionID: sessionID,
		Action:    action,
		ActorType: actor.Type,
		Detail:    payload,
		CreatedAt: s.now(),
	}
	if actor.ID != "" {
		id := actor.ID
		entry.ActorID = &id
	}
	return tx.AppendAudit(ctx, entry)
}
