package engine

import (
	"sort"

	"github.com/vetohub/veto-backend/internal/errs"
)

// roundVote is the 2-4 player simultaneous format. Each round every
// connected player votes for one available map; on close the maps with
// the fewest votes among those voted for are eliminated. Maps that
// received no votes are left alone unless nothing received votes at
// all. A round that would eliminate every remaining map instead keeps
// the lowest-position tied map as sole survivor.
type roundVote struct{}

func (roundVote) NextActor(s State) int { return -1 }

func (p roundVote) Apply(s State, a Action) ([]Event, State, error) {
	switch a.Type {
	case ActionVote:
		return p.applyVote(s, a)
	case ActionCloseRound:
		if hasWinner(s.Maps) {
			return nil, s, errs.State("session already has a winner")
		}
		next := s.clone()
		events, next, err := closeRound(next, a)
		if err != nil {
			return nil, s, err
		}
		return events, next, nil
	default:
		return nil, s, errs.Validation("round vote only accepts vote or close_round actions, got %q", a.Type)
	}
}

func (p roundVote) applyVote(s State, a Action) ([]Event, State, error) {
	if hasWinner(s.Maps) {
		return nil, s, errs.State("session already has a winner")
	}

	pi := playerIndex(s.Players, a.PlayerID)
	if pi < 0 {
		return nil, s, errs.NotFound("player %s not in session", a.PlayerID)
	}
	if s.Players[pi].HasVoted {
		return nil, s, errs.State("player %s already voted this round", a.PlayerID)
	}

	mi := mapIndex(s.Maps, a.MapID)
	if mi < 0 {
		return nil, s, errs.NotFound("map %s not in session", a.MapID)
	}
	if s.Maps[mi].State != MapAvailable {
		return nil, s, errs.State("map %s is not available", a.MapID)
	}

	next := s.clone()
	next.Players[pi].HasVoted = true
	next.Maps[mi].Votes++

	events := []Event{
		{Type: EvtVoteCast, PlayerID: a.PlayerID, MapID: a.MapID, Turn: s.Turn, Round: s.Round, System: a.System, ByAdmin: a.ByAdmin},
	}

	if allConnectedVoted(next.Players) {
		closeEvents, closed, err := closeRound(next, a)
		if err != nil {
			return nil, s, err
		}
		return append(events, closeEvents...), closed, nil
	}
	return events, next, nil
}

// closeRound tallies the current round on next (already a clone),
// eliminates the fewest-voted maps, resets per-round flags, and
// advances the round counter.
func closeRound(next State, a Action) ([]Event, State, error) {
	avail := availableIdx(next.Maps)
	if len(avail) <= 1 {
		return nil, next, errs.State("round close with %d available maps", len(avail))
	}

	// Tally over maps that received votes; an empty tally means every
	// available map is tied at zero.
	var voted []int
	for _, i := range avail {
		if next.Maps[i].Votes > 0 {
			voted = append(voted, i)
		}
	}
	tiedPool := voted
	if len(tiedPool) == 0 {
		tiedPool = avail
	}

	minVotes := next.Maps[tiedPool[0]].Votes
	for _, i := range tiedPool {
		if next.Maps[i].Votes < minVotes {
			minVotes = next.Maps[i].Votes
		}
	}
	var tied []int
	for _, i := range tiedPool {
		if next.Maps[i].Votes == minVotes {
			tied = append(tied, i)
		}
	}
	sort.Slice(tied, func(a, b int) bool {
		return next.Maps[tied[a]].Position < next.Maps[tied[b]].Position
	})

	eliminated := tied
	tieBroken := false
	if len(tied) == len(avail) {
		// Eliminating the whole tied set would empty the pool; the
		// lowest-position map survives instead.
		eliminated = tied[1:]
		tieBroken = true
	}

	closingRound := next.Round
	var events []Event
	for _, i := range eliminated {
		next.Maps[i].State = MapBanned
		events = append(events, Event{
			Type: EvtMapBanned, MapID: next.Maps[i].ID,
			Turn: next.Turn, Round: closingRound, System: a.System,
		})
	}
	events = append(events, Event{
		Type: EvtRoundClosed, Round: closingRound, System: a.System, TieBroken: tieBroken,
	})

	for i := range next.Players {
		next.Players[i].HasVoted = false
	}
	for i := range next.Maps {
		next.Maps[i].Votes = 0
	}
	next.Round++

	if rest := availableIdx(next.Maps); len(rest) == 1 {
		wi := rest[0]
		next.Maps[wi].State = MapWinner
		events = append(events, Event{Type: EvtWinnerDecided, MapID: next.Maps[wi].ID, Round: next.Round})
	}
	return events, next, nil
}

// AutoAction closes the round with whatever votes were received.
func (roundVote) AutoAction(s State) Action {
	return Action{Type: ActionCloseRound, System: true}
}

func (roundVote) IsTerminal(s State) bool {
	return hasWinner(s.Maps)
}

func allConnectedVoted(players []PlayerSlot) bool {
	anyVote := false
	for _, p := range players {
		if p.HasVoted {
			anyVote = true
		}
		if p.Connected && !p.HasVoted {
			return false
		}
	}
	return anyVote
}
