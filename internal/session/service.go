// Package session implements the lifecycle manager: every status
// transition, turn action, and audit append for a session goes through
// Service. Reads happen at operation start; the commit re-validates the
// session version so concurrent writers fail with a conflict instead of
// overwriting each other.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vetohub/veto-backend/internal/catalog"
	"github.com/vetohub/veto-backend/internal/engine"
	"github.com/vetohub/veto-backend/internal/errs"
	"github.com/vetohub/veto-backend/internal/store"
)

// Actor identifies who initiated an operation for audit attribution.
type Actor struct {
	Type store.ActorType
	ID   string
}

func SystemActor() Actor { return Actor{Type: store.ActorSystem} }

// Options tune the service; zero values get sane defaults.
type Options struct {
	TokenTTL time.Duration
	Clock    func() time.Time
	// Publish is invoked with the fresh session view after every
	// committed transition; used by the live feed.
	Publish func(View)
}

type Service struct {
	store    store.Store
	catalog  catalog.Catalog
	log      *zap.Logger
	tokenTTL time.Duration
	now      func() time.Time
	publish  func(View)
}

func New(st store.Store, cat catalog.Catalog, log *zap.Logger, opts Options) *Service {
	if opts.TokenTTL == 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:    st,
		catalog:  cat,
		log:      log,
		tokenTTL: opts.TokenTTL,
		now:      opts.Clock,
		publish:  opts.Publish,
	}
}

// PlayerSpec describes one seat when opening a session.
type PlayerSpec struct {
	RoleLabel string
	TeamName  string
}

// Open moves a configured DRAFT session to WAITING and mints one
// tokened seat per spec. The returned players carry the access tokens
// to hand out.
func (s *Service) Open(ctx context.Context, sessionID string, specs []PlayerSpec, actor Actor) ([]*store.SessionPlayer, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != store.StatusDraft {
		return nil, errs.State("session %s is %s, expected DRAFT", sessionID, sess.Status)
	}
	if err := engine.ValidatePlayerCount(sess.Format, len(specs)); err != nil {
		return nil, err
	}
	if sess.PlayerCount > 0 && sess.PlayerCount != len(specs) {
		return nil, errs.Validation("session expects %d players, got %d", sess.PlayerCount, len(specs))
	}

	now := s.now()
	players := make([]*store.SessionPlayer, 0, len(specs))
	for i, spec := range specs {
		token, err := newToken()
		if err != nil {
			return nil, err
		}
		players = append(players, &store.SessionPlayer{
			ID:             uuid.NewString(),
			SessionID:      sess.ID,
			Slot:           i,
			RoleLabel:      spec.RoleLabel,
			TeamName:       spec.TeamName,
			Token:          token,
			TokenExpiresAt: now.Add(s.tokenTTL),
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	err = s.store.Transact(ctx, func(tx store.Store) error {
		if err := tx.CreatePlayers(ctx, players); err != nil {
			return err
		}
		sess.Status = store.StatusWaiting
		sess.PlayerCount = len(players)
		return tx.UpdateSession(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("session opened",
		zap.String("session_id", sess.ID),
		zap.Int("players", len(players)))
	return players, nil
}

// Connect marks a player present and records their address and
// heartbeat. Safe to call repeatedly; also serves as the heartbeat.
func (s *Service) Connect(ctx context.Context, token, ip string) (*store.SessionPlayer, error) {
	player, err := s.resolveToken(ctx, token)
	if err != nil {
		return nil, err
	}
	sess, err := s.store.GetSession(ctx, player.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, errs.State("session %s is %s", sess.ID, sess.Status)
	}
	now := s.now()
	player.Connected = true
	player.LastSeenAt = &now
	if ip != "" {
		player.LastIP = ip
	}
	if err := s.store.UpdatePlayer(ctx, player); err != nil {
		return nil, err
	}
	s.publishView(ctx, sess.ID)
	return player, nil
}

// Start snapshots the map pool from the catalog and begins the first
// turn. Requires WAITING status and every seat connected.
func (s *Service) Start(ctx context.Context, sessionID string, actor Actor) (*store.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != store.StatusWaiting {
		return nil, errs.State("session %s is %s, expected WAITING", sessionID, sess.Status)
	}
	players, err := s.store.ListPlayers(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := engine.ValidatePlayerCount(sess.Format, len(players)); err != nil {
		return nil, err
	}
	for _, p := range players {
		if !p.Connected {
			return nil, errs.State("player slot %d has not connected", p.Slot)
		}
	}

	active, err := s.catalog.ActiveMaps(ctx)
	if err != nil {
		return nil, err
	}
	pool := active
	if sess.MapPoolSize > 0 {
		if len(active) < sess.MapPoolSize {
			return nil, errs.Validation("catalog offers %d maps, session needs %d", len(active), sess.MapPoolSize)
		}
		pool = active[:sess.MapPoolSize]
	}
	if len(pool) < 2 {
		return nil, errs.Validation("map pool needs at least 2 maps, got %d", len(pool))
	}

	now := s.now()
	rows := make([]*store.SessionMap, 0, len(pool))
	for i, m := range pool {
		rows = append(rows, &store.SessionMap{
			ID:        uuid.NewString(),
			SessionID: sess.ID,
			Position:  i,
			Name:      m.Name,
			ImageURL:  m.ImageURL,
			State:     engine.MapAvailable,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	err = s.store.Transact(ctx, func(tx store.Store) error {
		if err := tx.CreateMaps(ctx, rows); err != nil {
			return err
		}
		sess.Status = store.StatusInProgress
		sess.CurrentTurn = 0
		sess.CurrentRound = 1
		sess.TimerStartedAt = &now
		sess.TimerPausedAt = nil
		sess.PausedSec = 0
		sess.StartedAt = &now
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return err
		}
		return s.audit(ctx, tx, sess.ID, store.AuditSessionStarted, actor, auditDetail{})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("session started",
		zap.String("session_id", sess.ID),
		zap.String("format", string(sess.Format)),
		zap.Int("pool", len(rows)))
	s.publishView(ctx, sess.ID)
	return sess, nil
}

// Pause freezes the turn timer. Only legal from IN_PROGRESS.
func (s *Service) Pause(ctx context.Context, sessionID string, actor Actor) (*store.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != store.StatusInProgress {
		return nil, errs.State("session %s is %s, expected IN_PROGRESS", sessionID, sess.Status)
	}
	now := s.now()
	err = s.store.Transact(ctx, func(tx store.Store) error {
		sess.Status = store.StatusPaused
		sess.TimerPausedAt = &now
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return err
		}
		return s.audit(ctx, tx, sess.ID, store.AuditSessionPaused, actor, auditDetail{})
	})
	if err != nil {
		return nil, err
	}
	s.publishView(ctx, sess.ID)
	return sess, nil
}

// Resume unfreezes the timer, shifting the deadline forward by the
// paused duration. Only legal from PAUSED.
func (s *Service) Resume(ctx context.Context, sessionID string, actor Actor) (*store.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != store.StatusPaused {
		return nil, errs.State("session %s is %s, expected PAUSED", sessionID, sess.Status)
	}
	now := s.now()
	err = s.store.Transact(ctx, func(tx store.Store) error {
		if sess.TimerPausedAt != nil {
			sess.PausedSec += int(now.Sub(*sess.TimerPausedAt) / time.Second)
			sess.TimerPausedAt = nil
		}
		sess.Status = store.StatusInProgress
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return err
		}
		return s.audit(ctx, tx, sess.ID, store.AuditSessionResumed, actor, auditDetail{})
	})
	if err != nil {
		return nil, err
	}
	s.publishView(ctx, sess.ID)
	return sess, nil
}

// Disconnect clears a player's presence when their live connection
// drops. Token expiry is deliberately not checked here: a stale token
// must still be able to release its seat.
func (s *Service) Disconnect(ctx context.Context, token string) error {
	player, err := s.store.GetPlayerByToken(ctx, token)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeNotFound {
			return errs.Authorization("invalid token")
		}
		return err
	}
	now := s.now()
	player.Connected = false
	player.LastSeenAt = &now
	if err := s.store.UpdatePlayer(ctx, player); err != nil {
		return err
	}
	s.publishView(ctx, player.SessionID)
	return nil
}

func (s *Service) resolveToken(ctx context.Context, token string) (*store.SessionPlayer, error) {
	player, err := s.store.GetPlayerByToken(ctx, token)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeNotFound {
			return nil, errs.Authorization("invalid token")
		}
		return nil, err
	}
	if s.now().After(player.TokenExpiresAt) {
		return nil, errs.Authorization("token expired")
	}
	return player, nil
}

// ResolveToken validates a player token for collaborators (e.g. the
// websocket feed) without mutating anything.
func (s *Service) ResolveToken(ctx context.Context, token string) (*store.SessionPlayer, error) {
	return s.resolveToken(ctx, token)
}

func newToken() (string, error) {
	var b [18]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b[:]), nil
}
