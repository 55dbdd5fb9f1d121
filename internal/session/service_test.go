package session_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vetohub/veto-backend/internal/catalog"
	"github.com/vetohub/veto-backend/internal/engine"
	"github.com/vetohub/veto-backend/internal/errs"
	"github.com/vetohub/veto-backend/internal/session"
	"github.com/vetohub/veto-backend/internal/store"
	"github.com/vetohub/veto-backend/internal/store/memstore"
	"github.com/vetohub/veto-backend/internal/timer"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeCatalog struct {
	maps   []catalog.Map
	assets []string
}

func (f fakeCatalog) ActiveMaps(ctx context.Context) ([]catalog.Map, error) {
	return f.maps, nil
}

func (f fakeCatalog) ReferencedAssetIDs(ctx context.Context) ([]string, error) {
	return f.assets, nil
}

func catalogOf(n int) fakeCatalog {
	c := fakeCatalog{}
	for i := 0; i < n; i++ {
		c.maps = append(c.maps, catalog.Map{
			ID:   fmt.Sprintf("cat-%d", i),
			Name: fmt.Sprintf("Map %d", i+1),
		})
	}
	return c
}

var admin = session.Actor{Type: store.ActorAdmin, ID: "admin-1"}

func newService(st store.Store, clk *clock, nMaps int) *session.Service {
	return session.New(st, catalogOf(nMaps), zap.NewNop(), session.Options{Clock: clk.Now})
}

func draftSession(id string, format engine.Format, expires time.Time) *store.Session {
	return &store.Session{
		ID:           id,
		MatchName:    "grand final",
		Format:       format,
		Status:       store.StatusDraft,
		TurnTimerSec: 30,
		ExpiresAt:    expires,
	}
}

// startSession takes a fresh session all the way to IN_PROGRESS and
// returns the player tokens in slot order.
func startSession(t *testing.T, svc *session.Service, st store.Store, clk *clock, format engine.Format, teams []string) (string, []string) {
	t.Helper()
	ctx := context.Background()
	id := "s-" + string(format)
	require.NoError(t, st.CreateSession(ctx, draftSession(id, format, clk.Now().Add(time.Hour))))

	specs := make([]session.PlayerSpec, 0, len(teams))
	for _, team := range teams {
		specs = append(specs, session.PlayerSpec{RoleLabel: "captain", TeamName: team})
	}
	players, err := svc.Open(ctx, id, specs, admin)
	require.NoError(t, err)
	require.Len(t, players, len(teams))

	tokens := make([]string, len(players))
	for i, p := range players {
		tokens[i] = p.Token
		_, err := svc.Connect(ctx, p.Token, fmt.Sprintf("198.51.100.%d", i+1))
		require.NoError(t, err)
	}
	_, err = svc.Start(ctx, id, admin)
	require.NoError(t, err)
	return id, tokens
}

// firstAvailable returns the id of the lowest-position available map.
func firstAvailable(t *testing.T, st store.Store, sessionID string) string {
	t.Helper()
	maps, err := st.ListMaps(context.Background(), sessionID)
	require.NoError(t, err)
	for _, m := range maps {
		if m.State == engine.MapAvailable {
			return m.ID
		}
	}
	t.Fatalf("no available map in session %s", sessionID)
	return ""
}

func TestAlternatingBan_FullSevenMapSession(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	st := memstore.New()
	svc := newService(st, clk, 7)

	id, tokens := startSession(t, svc, st, clk, engine.FormatAlternatingBan, []string{"Alpha", "Bravo"})

	// A, B, B, A, A, B — six bans leave one map standing.
	order := []int{0, 1, 1, 0, 0, 1}
	for i, slot := range order {
		view, err := svc.SubmitAction(ctx, tokens[slot], session.ActionRequest{
			Type:  "ban",
			MapID: firstAvailable(t, st, id),
		})
		require.NoErrorf(t, err, "ban %d", i)
		if i < len(order)-1 {
			assert.Equal(t, store.StatusInProgress, view.Status)
		}
	}

	sess, err := st.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusComplete, sess.Status)
	require.NotNil(t, sess.WinnerMapID)
	assert.Nil(t, sess.TimerStartedAt)

	maps, err := st.ListMaps(ctx, id)
	require.NoError(t, err)
	winners := 0
	for _, m := range maps {
		if m.State == engine.MapWinner {
			winners++
			assert.Equal(t, *sess.WinnerMapID, m.ID)
			assert.Equal(t, "Map 7", m.Name)
		}
	}
	assert.Equal(t, 1, winners)

	// Player addresses are scrubbed on completion.
	players, err := st.ListPlayers(ctx, id)
	require.NoError(t, err)
	for _, p := range players {
		assert.Empty(t, p.LastIP)
	}

	// One started marker, six bans, one completed marker, newest first.
	trail, err := svc.AuditTrail(ctx, id, store.Page{})
	require.NoError(t, err)
	require.Len(t, trail, 8)
	assert.Equal(t, store.AuditSessionCompleted, trail[0].Action)
	assert.Equal(t, store.AuditSessionStarted, trail[7].Action)
	bans := 0
	for _, e := range trail {
		if e.Action == store.AuditMapBanned {
			bans++
			assert.Equal(t, store.ActorPlayer, e.ActorType)
		}
	}
	assert.Equal(t, 6, bans)

	var detail struct {
		MapName  string `json:"mapName"`
		TeamName string `json:"teamName"`
	}
	require.NoError(t, json.Unmarshal(trail[1].Detail, &detail))
	assert.Equal(t, "Map 6", detail.MapName)
	assert.Equal(t, "Bravo", detail.TeamName)

	// No actions after completion.
	_, err = svc.SubmitAction(ctx, tokens[0], session.ActionRequest{Type: "ban", MapID: *sess.WinnerMapID})
	assert.Equal(t, errs.CodeState, errs.CodeOf(err))
}

func TestRoundVote_EliminatesFewestAndResetsBallots(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	st := memstore.New()
	svc := newService(st, clk, 3)

	id, tokens := startSession(t, svc, st, clk, engine.FormatRoundVote, []string{"Alpha", "Bravo", "Charlie"})

	maps, err := st.ListMaps(ctx, id)
	require.NoError(t, err)
	require.Len(t, maps, 3)

	// Two votes for the first map, one for the second: the second map
	// is eliminated and the unvoted third survives.
	picks := []string{maps[0].ID, maps[0].ID, maps[1].ID}
	for i, token := range tokens {
		_, err := svc.SubmitAction(ctx, token, session.ActionRequest{Type: "vote", MapID: picks[i]})
		require.NoErrorf(t, err, "vote %d", i)
	}

	sess, err := st.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, sess.Status)
	assert.Equal(t, 2, sess.CurrentRound)

	maps, err = st.ListMaps(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, engine.MapAvailable, maps[0].State)
	assert.Equal(t, engine.MapBanned, maps[1].State)
	assert.Equal(t, engine.MapAvailable, maps[2].State)

	players, err := st.ListPlayers(ctx, id)
	require.NoError(t, err)
	for _, p := range players {
		assert.Falsef(t, p.HasVoted, "slot %d still marked voted", p.Slot)
	}

	// Ballots carry over: a round-1 vote must not block round 2.
	_, err = svc.SubmitAction(ctx, tokens[0], session.ActionRequest{Type: "vote", MapID: maps[0].ID})
	require.NoError(t, err)

	trail, err := svc.AuditTrail(ctx, id, store.Page{})
	require.NoError(t, err)
	// started + 3 votes + elimination + round close + the round-2 vote.
	require.Len(t, trail, 7)
	assert.Equal(t, store.AuditVoteCast, trail[0].Action)
	assert.Equal(t, store.AuditRoundClosed, trail[1].Action)
	assert.Equal(t, store.AuditMapBanned, trail[2].Action)
}

// raceStore injects a competing write right before the service's
// transaction commits, simulating two submits hitting the same version.
type raceStore struct {
	store.Store
	mu        sync.Mutex
	interfere func()
}

func (r *raceStore) Transact(ctx context.Context, fn func(store.Store) error) error {
	r.mu.Lock()
	f := r.interfere
	r.interfere = nil
	r.mu.Unlock()
	if f != nil {
		f()
	}
	return r.Store.Transact(ctx, fn)
}

func TestSubmitAction_ConcurrentWriteConflicts(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	base := memstore.New()
	race := &raceStore{Store: base}
	svc := newService(race, clk, 5)

	id, tokens := startSession(t, svc, race, clk, engine.FormatAlternatingBan, []string{"Alpha", "Bravo"})

	race.mu.Lock()
	race.interfere = func() {
		s, err := base.GetSession(ctx, id)
		require.NoError(t, err)
		require.NoError(t, base.UpdateSession(ctx, s))
	}
	race.mu.Unlock()

	target := firstAvailable(t, race, id)
	_, err := svc.SubmitAction(ctx, tokens[0], session.ActionRequest{Type: "ban", MapID: target})
	assert.Equal(t, errs.CodeConflict, errs.CodeOf(err))

	// The losing submit must leave nothing behind.
	maps, err := race.ListMaps(ctx, id)
	require.NoError(t, err)
	for _, m := range maps {
		assert.Equal(t, engine.MapAvailable, m.State)
	}
	trail, err := svc.AuditTrail(ctx, id, store.Page{})
	require.NoError(t, err)
	for _, e := range trail {
		assert.NotEqual(t, store.AuditMapBanned, e.Action)
	}

	// A retry against the fresh version goes through.
	_, err = svc.SubmitAction(ctx, tokens[0], session.ActionRequest{Type: "ban", MapID: target})
	require.NoError(t, err)
}

func TestPauseResume_ShiftsDeadline(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	st := memstore.New()
	svc := newService(st, clk, 5)

	id, _ := startSession(t, svc, st, clk, engine.FormatAlternatingBan, []string{"Alpha", "Bravo"})

	clk.Advance(10 * time.Second)
	_, err := svc.Pause(ctx, id, admin)
	require.NoError(t, err)

	// Frozen: a long pause does not burn timer budget.
	clk.Advance(20 * time.Second)
	sess, err := st.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaused, sess.Status)
	assert.Equal(t, 20*time.Second, timer.Remaining(sess, clk.Now()))

	acted, err := svc.HandleTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, acted)

	_, err = svc.Resume(ctx, id, admin)
	require.NoError(t, err)
	sess, err = st.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, sess.Status)
	assert.Equal(t, 20, sess.PausedSec)
	assert.Equal(t, 20*time.Second, timer.Remaining(sess, clk.Now()))

	view, err := svc.State(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 20, view.RemainingSec)

	// Illegal transitions.
	_, err = svc.Resume(ctx, id, admin)
	assert.Equal(t, errs.CodeState, errs.CodeOf(err))
	_, err = svc.Pause(ctx, "missing", admin)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestHandleTimeouts_AutoBansAsSystem(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	st := memstore.New()
	svc := newService(st, clk, 5)

	id, _ := startSession(t, svc, st, clk, engine.FormatAlternatingBan, []string{"Alpha", "Bravo"})

	clk.Advance(31 * time.Second)
	acted, err := svc.HandleTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, acted)

	maps, err := st.ListMaps(ctx, id)
	require.NoError(t, err)
	banned := 0
	for _, m := range maps {
		if m.State == engine.MapBanned {
			banned++
		}
	}
	assert.Equal(t, 1, banned)

	trail, err := svc.AuditTrail(ctx, id, store.Page{Limit: 1})
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, store.AuditMapBanned, trail[0].Action)
	assert.Equal(t, store.ActorSystem, trail[0].ActorType)
	var detail struct {
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(trail[0].Detail, &detail))
	assert.Equal(t, "turn timer expired", detail.Reason)

	// The auto-action restarted the timer; the sweep is idempotent.
	acted, err = svc.HandleTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, acted)
}

func TestHandleTimeouts_ClosesVoteRoundWithoutBallots(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	st := memstore.New()
	svc := newService(st, clk, 2)

	id, _ := startSession(t, svc, st, clk, engine.FormatRoundVote, []string{"Alpha", "Bravo"})

	clk.Advance(31 * time.Second)
	acted, err := svc.HandleTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, acted)

	// Two maps tied at zero votes: the first by position survives.
	sess, err := st.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusComplete, sess.Status)
	require.NotNil(t, sess.WinnerMapID)

	maps, err := st.ListMaps(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, engine.MapWinner, maps[0].State)

	trail, err := svc.AuditTrail(ctx, id, store.Page{Limit: 2})
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, store.AuditSessionCompleted, trail[0].Action)
	assert.Equal(t, store.AuditRoundClosed, trail[1].Action)
	var detail struct {
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(trail[1].Detail, &detail))
	assert.Contains(t, detail.Reason, "round timer expired")
	assert.Contains(t, detail.Reason, "tie broken by map order")
}

func TestTokenValidation(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	st := memstore.New()
	svc := newService(st, clk, 5)

	_, tokens := startSession(t, svc, st, clk, engine.FormatAlternatingBan, []string{"Alpha", "Bravo"})

	_, err := svc.SubmitAction(ctx, "bogus", session.ActionRequest{Type: "ban", MapID: "x"})
	assert.Equal(t, errs.CodeAuthorization, errs.CodeOf(err))

	clk.Advance(25 * time.Hour)
	_, err = svc.SubmitAction(ctx, tokens[0], session.ActionRequest{Type: "ban", MapID: "x"})
	assert.Equal(t, errs.CodeAuthorization, errs.CodeOf(err))
}

func TestStart_RequiresEverySeatConnected(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	st := memstore.New()
	svc := newService(st, clk, 5)

	require.NoError(t, st.CreateSession(ctx, draftSession("s1", engine.FormatAlternatingBan, clk.Now().Add(time.Hour))))
	players, err := svc.Open(ctx, "s1", []session.PlayerSpec{
		{TeamName: "Alpha"}, {TeamName: "Bravo"},
	}, admin)
	require.NoError(t, err)

	_, err = svc.Connect(ctx, players[0].Token, "198.51.100.1")
	require.NoError(t, err)

	_, err = svc.Start(ctx, "s1", admin)
	assert.Equal(t, errs.CodeState, errs.CodeOf(err))

	_, err = svc.Connect(ctx, players[1].Token, "198.51.100.2")
	require.NoError(t, err)
	_, err = svc.Start(ctx, "s1", admin)
	require.NoError(t, err)
}

func TestDisconnect_ClearsPresence(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	st := memstore.New()
	svc := newService(st, clk, 5)

	require.NoError(t, st.CreateSession(ctx, draftSession("s1", engine.FormatAlternatingBan, clk.Now().Add(time.Hour))))
	players, err := svc.Open(ctx, "s1", []session.PlayerSpec{
		{TeamName: "Alpha"}, {TeamName: "Bravo"},
	}, admin)
	require.NoError(t, err)

	for i, p := range players {
		_, err := svc.Connect(ctx, p.Token, fmt.Sprintf("198.51.100.%d", i+1))
		require.NoError(t, err)
	}
	require.NoError(t, svc.Disconnect(ctx, players[1].Token))

	stored, err := st.ListPlayers(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, stored[0].Connected)
	assert.False(t, stored[1].Connected)

	// A departed seat blocks the start gate until it reconnects.
	_, err = svc.Start(ctx, "s1", admin)
	assert.Equal(t, errs.CodeState, errs.CodeOf(err))

	_, err = svc.Connect(ctx, players[1].Token, "198.51.100.2")
	require.NoError(t, err)
	_, err = svc.Start(ctx, "s1", admin)
	require.NoError(t, err)

	err = svc.Disconnect(ctx, "bogus")
	assert.Equal(t, errs.CodeAuthorization, errs.CodeOf(err))
}

func TestRoundVote_ClosesWithoutDepartedPlayer(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	st := memstore.New()
	svc := newService(st, clk, 3)

	id, tokens := startSession(t, svc, st, clk, engine.FormatRoundVote, []string{"Alpha", "Bravo", "Charlie"})
	require.NoError(t, svc.Disconnect(ctx, tokens[2]))

	// Both remaining connected players vote; the round must close
	// without waiting on the departed seat.
	target := firstAvailable(t, st, id)
	_, err := svc.SubmitAction(ctx, tokens[0], session.ActionRequest{Type: "vote", MapID: target})
	require.NoError(t, err)
	_, err = svc.SubmitAction(ctx, tokens[1], session.ActionRequest{Type: "vote", MapID: target})
	require.NoError(t, err)

	sess, err := st.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.CurrentRound)
}

func TestOpen_Validation(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	st := memstore.New()
	svc := newService(st, clk, 5)

	require.NoError(t, st.CreateSession(ctx, draftSession("s1", engine.FormatAlternatingBan, clk.Now().Add(time.Hour))))

	// Alternating ban seats exactly two players.
	_, err := svc.Open(ctx, "s1", []session.PlayerSpec{{TeamName: "A"}, {TeamName: "B"}, {TeamName: "C"}}, admin)
	assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))

	_, err = svc.Open(ctx, "s1", []session.PlayerSpec{{TeamName: "A"}, {TeamName: "B"}}, admin)
	require.NoError(t, err)

	// Re-opening a WAITING session is illegal.
	_, err = svc.Open(ctx, "s1", []session.PlayerSpec{{TeamName: "A"}, {TeamName: "B"}}, admin)
	assert.Equal(t, errs.CodeState, errs.CodeOf(err))
}

func TestAdminCastVoteAttribution(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	st := memstore.New()
	svc := newService(st, clk, 3)

	id, tokens := startSession(t, svc, st, clk, engine.FormatRoundVote, []string{"Alpha", "Bravo", "Charlie"})

	_, err := svc.SubmitAction(ctx, tokens[0], session.ActionRequest{
		Type:    "vote",
		MapID:   firstAvailable(t, st, id),
		ByAdmin: true,
		AdminID: "admin-1",
	})
	require.NoError(t, err)

	trail, err := svc.AuditTrail(ctx, id, store.Page{Limit: 1})
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, store.AuditVoteCast, trail[0].Action)
	assert.Equal(t, store.ActorAdmin, trail[0].ActorType)
	require.NotNil(t, trail[0].ActorID)
	assert.Equal(t, "admin-1", *trail[0].ActorID)

	votes, err := st.ListVotes(ctx, id, 1)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.True(t, votes[0].CastByAdmin)
}
