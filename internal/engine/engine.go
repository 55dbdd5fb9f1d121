// Package engine implements the elimination protocols as pure functions
// over an in-memory projection of a session. Applying an action yields
// the events to persist plus the resulting state; the engine never
// touches storage.
package engine

import (
	"github.com/vetohub/veto-backend/internal/errs"
)

type Format string

const (
	FormatAlternatingBan Format = "ALTERNATING_BAN"
	FormatRoundVote      Format = "ROUND_VOTE"
)

type MapState string

const (
	MapAvailable MapState = "AVAILABLE"
	MapBanned    MapState = "BANNED"
	MapWinner    MapState = "WINNER"
)

// MapSlot is one pool entry. Position is the creation order within the
// session and doubles as the deterministic tie-break key.
type MapSlot struct {
	ID       string
	Position int
	State    MapState
	Votes    int // votes received this round (round-vote only)
}

// PlayerSlot is one seat. Slot 0 is player A in the alternating-ban
// pattern.
type PlayerSlot struct {
	ID        string
	Slot      int
	Connected bool
	HasVoted  bool
}

// State is the protocol-visible projection of a session. Maps are
// ordered by Position, players by Slot.
type State struct {
	Turn    int
	Round   int
	Maps    []MapSlot
	Players []PlayerSlot
}

type ActionType string

const (
	ActionBan        ActionType = "ban"
	ActionVote       ActionType = "vote"
	ActionCloseRound ActionType = "close_round"
)

// Action is a single protocol input. System marks timer-driven
// auto-actions; ByAdmin marks votes an admin cast on a player's behalf.
type Action struct {
	Type     ActionType
	PlayerID string
	MapID    string
	System   bool
	ByAdmin  bool
}

type EventType string

const (
	EvtMapBanned     EventType = "MapBanned"
	EvtVoteCast      EventType = "VoteCast"
	EvtRoundClosed   EventType = "RoundClosed"
	EvtTurnAdvanced  EventType = "TurnAdvanced"
	EvtWinnerDecided EventType = "WinnerDecided"
)

type Event struct {
	Type      EventType
	PlayerID  string
	MapID     string
	Turn      int
	Round     int
	System    bool
	ByAdmin   bool
	TieBroken bool
}

// Protocol is the shared contract of the two elimination formats.
type Protocol interface {
	// NextActor returns the slot index expected to act, or -1 when any
	// player may act (simultaneous rounds).
	NextActor(s State) int
	// Apply validates an action against s and returns the events it
	// produces plus the successor state. s is never mutated.
	Apply(s State, a Action) ([]Event, State, error)
	// AutoAction returns the default action taken when the turn timer
	// expires with no player input.
	AutoAction(s State) Action
	// IsTerminal reports whether a winner has been decided.
	IsTerminal(s State) bool
}

// ForFormat returns the protocol implementation for f.
func ForFormat(f Format) (Protocol, error) {
	switch f {
	case FormatAlternatingBan:
		return alternatingBan{}, nil
	case FormatRoundVote:
		return roundVote{}, nil
	default:
		return nil, errs.Validation("unknown format %q", f)
	}
}

// ValidatePlayerCount checks the seat count allowed by a format.
func ValidatePlayerCount(f Format, n int) error {
	switch f {
	case FormatAlternatingBan:
		if n != 2 {
			return errs.Validation("alternating ban requires exactly 2 players, got %d", n)
		}
	case FormatRoundVote:
		if n < 2 || n > 4 {
			return errs.Validation("round vote requires 2-4 players, got %d", n)
		}
	default:
		return errs.Validation("unknown format %q", f)
	}
	return nil
}

func (s State) clone() State {
	out := s
	out.Maps = make([]MapSlot, len(s.Maps))
	copy(out.Maps, s.Maps)
	out.Players = make([]PlayerSlot, len(s.Players))
	copy(out.Players, s.Players)
	return out
}

func availableIdx(maps []MapSlot) []int {
	var idx []int
	for i, m := range maps {
		if m.State == MapAvailable {
			idx = append(idx, i)
		}
	}
	return idx
}

func hasWinner(maps []MapSlot) bool {
	for _, m := range maps {
		if m.State == MapWinner {
			return true
		}
	}
	return false
}

func playerIndex(players []PlayerSlot, id string) int {
	for i, p := range players {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func mapIndex(maps []MapSlot, id string) int {
	for i, m := range maps {
		if m.ID == id {
			return i
		}
	}
	return -1
}
