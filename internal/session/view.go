package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/vetohub/veto-backend/internal/engine"
	"github.com/vetohub/veto-backend/internal/store"
	"github.com/vetohub/veto-backend/internal/timer"
)

// View is the live session snapshot served to clients and pushed to
// feed subscribers. Version mirrors the store's optimistic version so
// clients can discard stale snapshots.
type View struct {
	ID           string        `json:"id"`
	MatchName    string        `json:"match_name"`
	Format       engine.Format `json:"format"`
	Status       store.Status  `json:"status"`
	Turn         int           `json:"turn"`
	Round        int           `json:"round"`
	RemainingSec int           `json:"remaining_sec"`
	WinnerMapID  string        `json:"winner_map_id,omitempty"`
	Version      int           `json:"version"`
	Maps         []MapView     `json:"maps"`
	Players      []PlayerView  `json:"players"`
}

type MapView struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	State engine.MapState `json:"state"`
	Votes int             `json:"votes"`
}

type PlayerView struct {
	Slot      int    `json:"slot"`
	RoleLabel string `json:"role_label"`
	TeamName  string `json:"team_name"`
	Connected bool   `json:"connected"`
	HasVoted  bool   `json:"has_voted"`
}

// State assembles the current view of a session.
func (s *Service) State(ctx context.Context, sessionID string) (View, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return View{}, err
	}
	maps, err := s.store.ListMaps(ctx, sessionID)
	if err != nil {
		return View{}, err
	}
	players, err := s.store.ListPlayers(ctx, sessionID)
	if err != nil {
		return View{}, err
	}

	v := View{
		ID:           sess.ID,
		MatchName:    sess.MatchName,
		Format:       sess.Format,
		Status:       sess.Status,
		Turn:         sess.CurrentTurn,
		Round:        sess.CurrentRound,
		RemainingSec: int(timer.Remaining(sess, s.now()).Seconds()),
		Version:      sess.Version,
	}
	if sess.WinnerMapID != nil {
		v.WinnerMapID = *sess.WinnerMapID
	}
	for _, m := range maps {
		v.Maps = append(v.Maps, MapView{ID: m.ID, Name: m.Name, State: m.State, Votes: m.VoteCount})
	}
	for _, p := range players {
		v.Players = append(v.Players, PlayerView{
			Slot:      p.Slot,
			RoleLabel: p.RoleLabel,
			TeamName:  p.TeamName,
			Connected: p.Connected,
			HasVoted:  p.HasVoted,
		})
	}
	return v, nil
}

// AuditTrail returns audit entries for a session, newest first. A zero
// limit defaults to 50.
func (s *Service) AuditTrail(ctx context.Context, sessionID string, page store.Page) ([]*store.AuditLog, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if page.Limit <= 0 {
		page.Limit = 50
	}
	return s.store.ListAudit(ctx, sessionID, page)
}

// publishView pushes a fresh snapshot to the live feed, best effort.
func (s *Service) publishView(ctx context.Context, sessionID string) {
	if s.publish == nil {
		return
	}
	v, err := s.State(ctx, sessionID)
	if err != nil {
		s.log.Warn("publish view failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	s.publish(v)
}
