// Package sweeper holds the periodic batch duties: expiring stale
// sessions, retiring personal data on terminal sessions, and reclaiming
// orphaned uploaded assets. Every duty is idempotent and keeps going
// past individual record failures.
package sweeper

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/vetohub/veto-backend/internal/assets"
	"github.com/vetohub/veto-backend/internal/catalog"
	"github.com/vetohub/veto-backend/internal/store"
)

type Sweeper struct {
	store   store.Store
	catalog catalog.Catalog
	assets  assets.Storage
	log     *zap.Logger
	grace   time.Duration
	now     func() time.Time
}

type Options struct {
	// AssetGracePeriod protects in-flight uploads from reclamation.
	AssetGracePeriod time.Duration
	Clock            func() time.Time
}

func New(st store.Store, cat catalog.Catalog, as assets.Storage, log *zap.Logger, opts Options) *Sweeper {
	if opts.AssetGracePeriod == 0 {
		opts.AssetGracePeriod = 24 * time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		store:   st,
		catalog: cat,
		assets:  as,
		log:     log,
		grace:   opts.AssetGracePeriod,
		now:     opts.Clock,
	}
}

// ExpireStaleSessions transitions DRAFT and WAITING sessions past their
// expiry to EXPIRED, clears their players' IPs, and writes one
// SESSION_EXPIRED entry each. Returns the number of sessions expired.
func (s *Sweeper) ExpireStaleSessions(ctx context.Context) (int, error) {
	stale, err := s.store.ListStaleSessions(ctx, s.now())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, sess := range stale {
		err := s.store.Transact(ctx, func(tx store.Store) error {
			sess.Status = store.StatusExpired
			if err := tx.UpdateSession(ctx, sess); err != nil {
				return err
			}
			if _, err := tx.ClearPlayerIPs(ctx, sess.ID); err != nil {
				return err
			}
			detail, err := json.Marshal(map[string]string{"reason": "expiry deadline passed"})
			if err != nil {
				return err
			}
			return tx.AppendAudit(ctx, &store.AuditLog{
				SessionID: sess.ID,
				Action:    store.AuditSessionExpired,
				ActorType: store.ActorSystem,
				Detail:    detail,
				CreatedAt: s.now(),
			})
		})
		if err != nil {
			s.log.Warn("expire sweep: session skipped", zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		expired++
	}
	if expired > 0 {
		s.log.Info("expired stale sessions", zap.Int("count", expired))
	}
	return expired, nil
}

// ClearCompletedSessionIPs is the catch-all privacy sweep: it clears
// any IP still stored on players of terminal sessions. Returns the
// number of player rows cleared.
func (s *Sweeper) ClearCompletedSessionIPs(ctx context.Context) (int, error) {
	terminal, err := s.store.ListSessionsByStatus(ctx, store.StatusComplete, store.StatusExpired)
	if err != nil {
		return 0, err
	}
	cleared := 0
	for _, sess := range terminal {
		n, err := s.store.ClearPlayerIPs(ctx, sess.ID)
		if err != nil {
			s.log.Warn("ip sweep: session skipped", zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		cleared += int(n)
	}
	if cleared > 0 {
		s.log.Info("cleared leftover player ips", zap.Int("count", cleared))
	}
	return cleared, nil
}

// ReclaimOrphanedAssets deletes uploaded assets no catalog map or team
// references anymore, once they are older than the grace period.
// Returns the number of assets deleted.
func (s *Sweeper) ReclaimOrphanedAssets(ctx context.Context) (int, error) {
	referenced, err := s.catalog.ReferencedAssetIDs(ctx)
	if err != nil {
		return 0, err
	}
	inUse := make(map[string]bool, len(referenced))
	for _, id := range referenced {
		inUse[id] = true
	}

	all, err := s.assets.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.grace)
	deleted := 0
	for _, a := range all {
		if inUse[a.ID] || a.CreatedAt.After(cutoff) {
			continue
		}
		if err := s.assets.Delete(ctx, a.ID); err != nil {
			s.log.Warn("asset sweep: delete failed", zap.String("asset_id", a.ID), zap.Error(err))
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.log.Info("reclaimed orphaned assets", zap.Int("count", deleted))
	}
	return deleted, nil
}

// Run executes all duties on a fixed interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.ExpireStaleSessions(ctx); err != nil {
				s.log.Error("expire sweep failed", zap.Error(err))
			}
			if _, err := s.ClearCompletedSessionIPs(ctx); err != nil {
				s.log.Error("ip sweep failed", zap.Error(err))
			}
			if _, err := s.ReclaimOrphanedAssets(ctx); err != nil {
				s.log.Error("asset sweep failed", zap.Error(err))
			}
		}
	}
}
