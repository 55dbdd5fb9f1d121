package sweeper_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vetohub/veto-backend/internal/assets"
	"github.com/vetohub/veto-backend/internal/catalog"
	"github.com/vetohub/veto-backend/internal/store"
	"github.com/vetohub/veto-backend/internal/store/memstore"
	"github.com/vetohub/veto-backend/internal/sweeper"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeCatalog struct {
	assetIDs []string
}

func (f fakeCatalog) ActiveMaps(ctx context.Context) ([]catalog.Map, error) {
	return nil, nil
}

func (f fakeCatalog) ReferencedAssetIDs(ctx context.Context) ([]string, error) {
	return f.assetIDs, nil
}

type fakeAssets struct {
	items   []assets.Asset
	deleted []string
}

func (f *fakeAssets) ListAll(ctx context.Context) ([]assets.Asset, error) {
	return f.items, nil
}

func (f *fakeAssets) Delete(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func seedSession(t *testing.T, st store.Store, id string, status store.Status, expires time.Time, ips ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateSession(ctx, &store.Session{
		ID:        id,
		MatchName: "match " + id,
		Status:    status,
		ExpiresAt: expires,
	}))
	var players []*store.SessionPlayer
	for i, ip := range ips {
		players = append(players, &store.SessionPlayer{
			ID:        fmt.Sprintf("%s-p%d", id, i),
			SessionID: id,
			Slot:      i,
			Token:     fmt.Sprintf("tok-%s-%d", id, i),
			LastIP:    ip,
		})
	}
	if len(players) > 0 {
		require.NoError(t, st.CreatePlayers(ctx, players))
	}
}

func TestExpireStaleSessions(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	sw := sweeper.New(st, fakeCatalog{}, &fakeAssets{}, nil, sweeper.Options{
		Clock: func() time.Time { return base },
	})

	seedSession(t, st, "stale-draft", store.StatusDraft, base.Add(-time.Hour))
	seedSession(t, st, "stale-waiting", store.StatusWaiting, base.Add(-time.Minute), "198.51.100.1", "198.51.100.2")
	seedSession(t, st, "fresh-draft", store.StatusDraft, base.Add(time.Hour))
	seedSession(t, st, "running", store.StatusInProgress, base.Add(-time.Hour))

	expired, err := sw.ExpireStaleSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, expired)

	for id, want := range map[string]store.Status{
		"stale-draft":   store.StatusExpired,
		"stale-waiting": store.StatusExpired,
		"fresh-draft":   store.StatusDraft,
		"running":       store.StatusInProgress,
	} {
		sess, err := st.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Equalf(t, want, sess.Status, "session %s", id)
	}

	players, err := st.ListPlayers(ctx, "stale-waiting")
	require.NoError(t, err)
	for _, p := range players {
		assert.Empty(t, p.LastIP)
	}

	trail, err := st.ListAudit(ctx, "stale-waiting", store.Page{})
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, store.AuditSessionExpired, trail[0].Action)
	assert.Equal(t, store.ActorSystem, trail[0].ActorType)

	// Re-running finds nothing and appends nothing.
	expired, err = sw.ExpireStaleSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
	trail, err = st.ListAudit(ctx, "stale-waiting", store.Page{})
	require.NoError(t, err)
	assert.Len(t, trail, 1)
}

func TestClearCompletedSessionIPs(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	sw := sweeper.New(st, fakeCatalog{}, &fakeAssets{}, nil, sweeper.Options{
		Clock: func() time.Time { return base },
	})

	seedSession(t, st, "done", store.StatusComplete, base.Add(time.Hour), "198.51.100.1", "198.51.100.2")
	seedSession(t, st, "expired", store.StatusExpired, base.Add(-time.Hour), "198.51.100.3")
	seedSession(t, st, "live", store.StatusInProgress, base.Add(time.Hour), "198.51.100.4")

	cleared, err := sw.ClearCompletedSessionIPs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, cleared)

	live, err := st.ListPlayers(ctx, "live")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "198.51.100.4", live[0].LastIP)

	cleared, err = sw.ClearCompletedSessionIPs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, cleared)
}

func TestReclaimOrphanedAssets(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	fa := &fakeAssets{items: []assets.Asset{
		{ID: "referenced.png", CreatedAt: base.Add(-48 * time.Hour)},
		{ID: "orphan-old.png", CreatedAt: base.Add(-48 * time.Hour)},
		{ID: "orphan-new.png", CreatedAt: base.Add(-time.Hour)},
	}}
	sw := sweeper.New(st, fakeCatalog{assetIDs: []string{"referenced.png"}}, fa, nil, sweeper.Options{
		AssetGracePeriod: 24 * time.Hour,
		Clock:            func() time.Time { return base },
	})

	deleted, err := sw.ReclaimOrphanedAssets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, []string{"orphan-old.png"}, fa.deleted)
}
