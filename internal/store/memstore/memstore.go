// Package memstore is an in-memory Store used by service and sweeper
// tests. It honors the same version-checked update and transactional
// rollback semantics as the postgres store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vetohub/veto-backend/internal/errs"
	"github.com/vetohub/veto-backend/internal/store"
)

type data struct {
	sessions map[string]store.Session
	players  map[string]store.SessionPlayer
	maps     map[string]store.SessionMap
	votes    map[string]store.Vote
	audits   []store.AuditLog
	auditSeq uint
}

func (d *data) clone() *data {
	out := &data{
		sessions: make(map[string]store.Session, len(d.sessions)),
		players:  make(map[string]store.SessionPlayer, len(d.players)),
		maps:     make(map[string]store.SessionMap, len(d.maps)),
		votes:    make(map[string]store.Vote, len(d.votes)),
		audits:   make([]store.AuditLog, len(d.audits)),
		auditSeq: d.auditSeq,
	}
	for k, v := range d.sessions {
		out.sessions[k] = v
	}
	for k, v := range d.players {
		out.players[k] = v
	}
	for k, v := range d.maps {
		out.maps[k] = v
	}
	for k, v := range d.votes {
		out.votes[k] = v
	}
	copy(out.audits, d.audits)
	return out
}

// Store is safe for concurrent use.
type Store struct {
	mu sync.Mutex
	d  *data
}

func New() *Store {
	return &Store{d: &data{
		sessions: map[string]store.Session{},
		players:  map[string]store.SessionPlayer{},
		maps:     map[string]store.SessionMap{},
		votes:    map[string]store.Vote{},
	}}
}

func (s *Store) Transact(ctx context.Context, fn func(store.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.d.clone()
	if err := fn(&txStore{d: s.d}); err != nil {
		s.d = snapshot
		return err
	}
	return nil
}

// Every non-transactional method takes the lock and delegates to the
// unlocked tx view.
func (s *Store) run(fn func(*txStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&txStore{d: s.d})
}

func (s *Store) CreateSession(ctx context.Context, sess *store.Session) error {
	return s.run(func(t *txStore) error { return t.CreateSession(ctx, sess) })
}

func (s *Store) GetSession(ctx context.Context, id string) (out *store.Session, err error) {
	err = s.run(func(t *txStore) error { out, err = t.GetSession(ctx, id); return err })
	return
}

func (s *Store) UpdateSession(ctx context.Context, sess *store.Session) error {
	return s.run(func(t *txStore) error { return t.UpdateSession(ctx, sess) })
}

func (s *Store) ListSessionsByStatus(ctx context.Context, statuses ...store.Status) (out []*store.Session, err error) {
	err = s.run(func(t *txStore) error { out, err = t.ListSessionsByStatus(ctx, statuses...); return err })
	return
}

func (s *Store) ListStaleSessions(ctx context.Context, now time.Time) (out []*store.Session, err error) {
	err = s.run(func(t *txStore) error { out, err = t.ListStaleSessions(ctx, now); return err })
	return
}

func (s *Store) CreatePlayers(ctx context.Context, players []*store.SessionPlayer) error {
	return s.run(func(t *txStore) error { return t.CreatePlayers(ctx, players) })
}

func (s *Store) GetPlayerByToken(ctx context.Context, token string) (out *store.SessionPlayer, err error) {
	err = s.run(func(t *txStore) error { out, err = t.GetPlayerByToken(ctx, token); return err })
	return
}

func (s *Store) ListPlayers(ctx context.Context, sessionID string) (out []*store.SessionPlayer, err error) {
	err = s.run(func(t *txStore) error { out, err = t.ListPlayers(ctx, sessionID); return err })
	return
}

func (s *Store) UpdatePlayer(ctx context.Context, p *store.SessionPlayer) error {
	return s.run(func(t *txStore) error { return t.UpdatePlayer(ctx, p) })
}

func (s *Store) ClearPlayerIPs(ctx context.Context, sessionID string) (n int64, err error) {
	err = s.run(func(t *txStore) error { n, err = t.ClearPlayerIPs(ctx, sessionID); return err })
	return
}

func (s *Store) CreateMaps(ctx context.Context, maps []*store.SessionMap) error {
	return s.run(func(t *txStore) error { return t.CreateMaps(ctx, maps) })
}

func (s *Store) ListMaps(ctx context.Context, sessionID string) (out []*store.SessionMap, err error) {
	err = s.run(func(t *txStore) error { out, err = t.ListMaps(ctx, sessionID); return err })
	return
}

func (s *Store) UpdateMap(ctx context.Context, m *store.SessionMap) error {
	return s.run(func(t *txStore) error { return t.UpdateMap(ctx, m) })
}

func (s *Store) CreateVote(ctx context.Context, v *store.Vote) error {
	return s.run(func(t *txStore) error { return t.CreateVote(ctx, v) })
}

func (s *Store) ListVotes(ctx context.Context, sessionID string, round int) (out []*store.Vote, err error) {
	err = s.run(func(t *txStore) error { out, err = t.ListVotes(ctx, sessionID, round); return err })
	return
}

func (s *Store) AppendAudit(ctx context.Context, entry *store.AuditLog) error {
	return s.run(func(t *txStore) error { return t.AppendAudit(ctx, entry) })
}

func (s *Store) ListAudit(ctx context.Context, sessionID string, page store.Page) (out []*store.AuditLog, err error) {
	err = s.run(func(t *txStore) error { out, err = t.ListAudit(ctx, sessionID, page); return err })
	return
}

// txStore operates on shared data without locking; it only exists
// inside Transact or behind Store's lock.
type txStore struct {
	d *data
}

func (t *txStore) Transact(ctx context.Context, fn func(store.Store) error) error {
	// Already inside the atomic unit.
	return fn(t)
}

func (t *txStore) CreateSession(ctx context.Context, s *store.Session) error {
	if _, ok := t.d.sessions[s.ID]; ok {
		return errs.Conflict("session %s already exists", s.ID)
	}
	t.d.sessions[s.ID] = *s
	return nil
}

func (t *txStore) GetSession(ctx context.Context, id string) (*store.Session, error) {
	s, ok := t.d.sessions[id]
	if !ok {
		return nil, errs.NotFound("session %s not found", id)
	}
	return &s, nil
}

func (t *txStore) UpdateSession(ctx context.Context, s *store.Session) error {
	cur, ok := t.d.sessions[s.ID]
	if !ok {
		return errs.NotFound("session %s not found", s.ID)
	}
	if cur.Version != s.Version {
		return errs.Conflict("session %s modified concurrently", s.ID)
	}
	s.Version++
	s.UpdatedAt = time.Now().UTC()
	t.d.sessions[s.ID] = *s
	return nil
}

func (t *txStore) ListSessionsByStatus(ctx context.Context, statuses ...store.Status) ([]*store.Session, error) {
	var out []*store.Session
	for _, s := range t.d.sessions {
		for _, st := range statuses {
			if s.Status == st {
				c := s
				out = append(out, &c)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *txStore) ListStaleSessions(ctx context.Context, now time.Time) ([]*store.Session, error) {
	var out []*store.Session
	for _, s := range t.d.sessions {
		if (s.Status == store.StatusDraft || s.Status == store.StatusWaiting) && s.ExpiresAt.Before(now) {
			c := s
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *txStore) CreatePlayers(ctx context.Context, players []*store.SessionPlayer) error {
	for _, p := range players {
		for _, cur := range t.d.players {
			if cur.Token == p.Token {
				return errs.Conflict("token already in use")
			}
		}
		t.d.players[p.ID] = *p
	}
	return nil
}

func (t *txStore) GetPlayerByToken(ctx context.Context, token string) (*store.SessionPlayer, error) {
	for _, p := range t.d.players {
		if p.Token == token {
			c := p
			return &c, nil
		}
	}
	return nil, errs.NotFound("unknown token")
}

func (t *txStore) ListPlayers(ctx context.Context, sessionID string) ([]*store.SessionPlayer, error) {
	var out []*store.SessionPlayer
	for _, p := range t.d.players {
		if p.SessionID == sessionID {
			c := p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, nil
}

func (t *txStore) UpdatePlayer(ctx context.Context, p *store.SessionPlayer) error {
	if _, ok := t.d.players[p.ID]; !ok {
		return errs.NotFound("player %s not found", p.ID)
	}
	p.UpdatedAt = time.Now().UTC()
	t.d.players[p.ID] = *p
	return nil
}

func (t *txStore) ClearPlayerIPs(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	for id, p := range t.d.players {
		if p.SessionID == sessionID && p.LastIP != "" {
			p.LastIP = ""
			t.d.players[id] = p
			n++
		}
	}
	return n, nil
}

func (t *txStore) CreateMaps(ctx context.Context, maps []*store.SessionMap) error {
	for _, m := range maps {
		t.d.maps[m.ID] = *m
	}
	return nil
}

func (t *txStore) ListMaps(ctx context.Context, sessionID string) ([]*store.SessionMap, error) {
	var out []*store.SessionMap
	for _, m := range t.d.maps {
		if m.SessionID == sessionID {
			c := m
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (t *txStore) UpdateMap(ctx context.Context, m *store.SessionMap) error {
	if _, ok := t.d.maps[m.ID]; !ok {
		return errs.NotFound("map %s not found", m.ID)
	}
	m.UpdatedAt = time.Now().UTC()
	t.d.maps[m.ID] = *m
	return nil
}

func (t *txStore) CreateVote(ctx context.Context, v *store.Vote) error {
	for _, cur := range t.d.votes {
		if cur.SessionID == v.SessionID && cur.Round == v.Round && cur.PlayerID == v.PlayerID {
			return errs.Conflict("player %s already voted in round %d", v.PlayerID, v.Round)
		}
	}
	t.d.votes[v.ID] = *v
	return nil
}

func (t *txStore) ListVotes(ctx context.Context, sessionID string, round int) ([]*store.Vote, error) {
	var out []*store.Vote
	for _, v := range t.d.votes {
		if v.SessionID == sessionID && v.Round == round {
			c := v
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *txStore) AppendAudit(ctx context.Context, entry *store.AuditLog) error {
	t.d.auditSeq++
	entry.ID = t.d.auditSeq
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	t.d.audits = append(t.d.audits, *entry)
	return nil
}

func (t *txStore) ListAudit(ctx context.Context, sessionID string, page store.Page) ([]*store.AuditLog, error) {
	var all []*store.AuditLog
	for i := range t.d.audits {
		if t.d.audits[i].SessionID == sessionID {
			c := t.d.audits[i]
			all = append(all, &c)
		}
	}
	// Newest first.
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	if page.Offset > 0 {
		if page.Offset >= len(all) {
			return nil, nil
		}
		all = all[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(all) {
		all = all[:page.Limit]
	}
	return all, nil
}
