package engine

import "github.com/vetohub/veto-backend/internal/errs"

// banOrder is the fixed two-player ban pattern. Turn t belongs to slot
// banOrder[t%4], repeating until one map remains.
var banOrder = []int{0, 1, 1, 0}

// alternatingBan is the two-player A,B,B,A format. Every ban advances
// the turn counter; rounds are not used and stay at 1.
type alternatingBan struct{}

func (alternatingBan) NextActor(s State) int {
	return banOrder[s.Turn%len(banOrder)]
}

func (p alternatingBan) Apply(s State, a Action) ([]Event, State, error) {
	if a.Type != ActionBan {
		return nil, s, errs.Validation("alternating ban only accepts ban actions, got %q", a.Type)
	}
	if hasWinner(s.Maps) {
		return nil, s, errs.State("session already has a winner")
	}

	avail := availableIdx(s.Maps)
	if len(avail) == 0 {
		// Should be unreachable for any pool the lifecycle accepts.
		return nil, s, errs.State("no available maps and no winner")
	}
	if len(avail) == 1 {
		return nil, s, errs.State("only one map remains, no ban expected")
	}

	due := p.NextActor(s)
	pi := playerIndex(s.Players, a.PlayerID)
	if pi < 0 {
		return nil, s, errs.NotFound("player %s not in session", a.PlayerID)
	}
	if s.Players[pi].Slot != due {
		return nil, s, errs.State("not player %s's turn", a.PlayerID)
	}

	mi := mapIndex(s.Maps, a.MapID)
	if mi < 0 {
		return nil, s, errs.NotFound("map %s not in session", a.MapID)
	}
	if s.Maps[mi].State != MapAvailable {
		return nil, s, errs.State("map %s is not available", a.MapID)
	}

	next := s.clone()
	next.Maps[mi].State = MapBanned
	next.Turn++

	events := []Event{
		{Type: EvtMapBanned, PlayerID: a.PlayerID, MapID: a.MapID, Turn: s.Turn, Round: s.Round, System: a.System},
		{Type: EvtTurnAdvanced, Turn: next.Turn, Round: next.Round},
	}

	if rest := availableIdx(next.Maps); len(rest) == 1 {
		wi := rest[0]
		next.Maps[wi].State = MapWinner
		events = append(events, Event{Type: EvtWinnerDecided, MapID: next.Maps[wi].ID, Turn: next.Turn, Round: next.Round})
	}
	return events, next, nil
}

// AutoAction bans the first available map by position on behalf of the
// player whose turn it is.
func (p alternatingBan) AutoAction(s State) Action {
	a := Action{Type: ActionBan, System: true}
	due := p.NextActor(s)
	for _, pl := range s.Players {
		if pl.Slot == due {
			a.PlayerID = pl.ID
			break
		}
	}
	for _, m := range s.Maps {
		if m.State == MapAvailable {
			a.MapID = m.ID
			break
		}
	}
	return a
}

func (alternatingBan) IsTerminal(s State) bool {
	return hasWinner(s.Maps)
}
