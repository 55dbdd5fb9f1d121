// Package postgres implements the store contract on gorm over
// postgres.
package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vetohub/veto-backend/internal/errs"
	"github.com/vetohub/veto-backend/internal/store"
)

type Store struct {
	db *gorm.DB
}

// Open connects to postgres and runs schema migration.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		// Map driver errors (unique violations and friends) onto gorm's
		// sentinel errors so the typed conflict mapping below can fire.
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// New wraps an existing gorm handle; used by Transact.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for read-only collaborators that
// share the connection, like the catalog reader.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&store.Session{},
		&store.SessionPlayer{},
		&store.SessionMap{},
		&store.Vote{},
		&store.AuditLog{},
	)
}

func (s *Store) Transact(ctx context.Context, fn func(store.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(New(tx))
	})
}

func (s *Store) CreateSession(ctx context.Context, sess *store.Session) error {
	err := s.db.WithContext(ctx).Create(sess).Error
	return translateDuplicate(err, errs.Conflict("session %s already exists", sess.ID))
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	var sess store.Session
	err := s.db.WithContext(ctx).First(&sess, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("session %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *store.Session) error {
	prev := sess.Version
	sess.Version = prev + 1
	sess.UpdatedAt = time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&store.Session{}).
		Where("id = ? AND version = ?", sess.ID, prev).
		Select("*").
		Omit("id", "created_at").
		Updates(sess)
	if res.Error != nil {
		sess.Version = prev
		return res.Error
	}
	if res.RowsAffected == 0 {
		sess.Version = prev
		return errs.Conflict("session %s modified concurrently", sess.ID)
	}
	return nil
}

func (s *Store) ListSessionsByStatus(ctx context.Context, statuses ...store.Status) ([]*store.Session, error) {
	var out []*store.Session
	err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("id").
		Find(&out).Error
	return out, err
}

func (s *Store) ListStaleSessions(ctx context.Context, now time.Time) ([]*store.Session, error) {
	var out []*store.Session
	err := s.db.WithContext(ctx).
		Where("status IN ? AND expires_at < ?", []store.Status{store.StatusDraft, store.StatusWaiting}, now).
		Order("id").
		Find(&out).Error
	return out, err
}

func (s *Store) CreatePlayers(ctx context.Context, players []*store.SessionPlayer) error {
	err := s.db.WithContext(ctx).Create(players).Error
	return translateDuplicate(err, errs.Conflict("token already in use"))
}

func (s *Store) GetPlayerByToken(ctx context.Context, token string) (*store.SessionPlayer, error) {
	var p store.SessionPlayer
	err := s.db.WithContext(ctx).First(&p, "token = ?", token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("unknown token")
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPlayers(ctx context.Context, sessionID string) ([]*store.SessionPlayer, error) {
	var out []*store.SessionPlayer
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("slot").
		Find(&out).Error
	return out, err
}

func (s *Store) UpdatePlayer(ctx context.Context, p *store.SessionPlayer) error {
	p.UpdatedAt = time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&store.SessionPlayer{}).
		Where("id = ?", p.ID).
		Select("*").
		Omit("id", "created_at").
		Updates(p)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.NotFound("player %s not found", p.ID)
	}
	return nil
}

func (s *Store) ClearPlayerIPs(ctx context.Context, sessionID string) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&store.SessionPlayer{}).
		Where("session_id = ? AND last_ip <> ''", sessionID).
		Update("last_ip", "")
	return res.RowsAffected, res.Error
}

func (s *Store) CreateMaps(ctx context.Context, maps []*store.SessionMap) error {
	return s.db.WithContext(ctx).Create(maps).Error
}

func (s *Store) ListMaps(ctx context.Context, sessionID string) ([]*store.SessionMap, error) {
	var out []*store.SessionMap
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("position").
		Find(&out).Error
	return out, err
}

func (s *Store) UpdateMap(ctx context.Context, m *store.SessionMap) error {
	m.UpdatedAt = time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&store.SessionMap{}).
		Where("id = ?", m.ID).
		Select("*").
		Omit("id", "created_at").
		Updates(m)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.NotFound("map %s not found", m.ID)
	}
	return nil
}

func (s *Store) CreateVote(ctx context.Context, v *store.Vote) error {
	err := s.db.WithContext(ctx).Create(v).Error
	return translateDuplicate(err, errs.Conflict("player %s already voted in round %d", v.PlayerID, v.Round))
}

// translateDuplicate swaps gorm's duplicated-key sentinel for the
// domain conflict; any other error passes through untouched.
func translateDuplicate(err error, conflict *errs.Error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return conflict
	}
	return err
}

func (s *Store) ListVotes(ctx context.Context, sessionID string, round int) ([]*store.Vote, error) {
	var out []*store.Vote
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND round = ?", sessionID, round).
		Order("created_at").
		Find(&out).Error
	return out, err
}

func (s *Store) AppendAudit(ctx context.Context, entry *store.AuditLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *Store) ListAudit(ctx context.Context, sessionID string, page store.Page) ([]*store.AuditLog, error) {
	q := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC")
	if page.Limit > 0 {
		q = q.Limit(page.Limit)
	}
	if page.Offset > 0 {
		q = q.Offset(page.Offset)
	}
	var out []*store.AuditLog
	err := q.Find(&out).Error
	return out, err
}
