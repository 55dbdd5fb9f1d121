// Package store defines the persistence contract for sessions and the
// audit ledger, plus the gorm entity models shared by its
// implementations.
package store

import (
	"context"
	"time"

	"github.com/vetohub/veto-backend/internal/engine"
)

type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusWaiting    Status = "WAITING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusPaused     Status = "PAUSED"
	StatusComplete   Status = "COMPLETE"
	StatusExpired    Status = "EXPIRED"
)

// Terminal reports whether no further protocol actions are permitted.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusExpired
}

type ActorType string

const (
	ActorAdmin  ActorType = "ADMIN"
	ActorPlayer ActorType = "PLAYER"
	ActorSystem ActorType = "SYSTEM"
)

type AuditAction string

const (
	AuditSessionStarted   AuditAction = "SESSION_STARTED"
	AuditMapBanned        AuditAction = "MAP_BANNED"
	AuditVoteCast         AuditAction = "VOTE_CAST"
	AuditRoundClosed      AuditAction = "ROUND_CLOSED"
	AuditSessionCompleted AuditAction = "SESSION_COMPLETED"
	AuditSessionExpired   AuditAction = "SESSION_EXPIRED"
	AuditSessionPaused    AuditAction = "SESSION_PAUSED"
	AuditSessionResumed   AuditAction = "SESSION_RESUMED"
)

// Session is the root record. Version implements optimistic
// concurrency: UpdateSession only commits when the stored version still
// matches, so concurrent writers get a conflict instead of a lost
// update.
type Session struct {
	ID             string        `gorm:"primaryKey;size:36"`
	MatchName      string        `gorm:"size:128;not null"`
	Format         engine.Format `gorm:"size:32;not null"`
	Status         Status        `gorm:"size:16;not null;index"`
	TurnTimerSec   int           `gorm:"not null"`
	MapPoolSize    int
	PlayerCount    int
	CurrentTurn    int
	CurrentRound   int
	TimerStartedAt *time.Time
	TimerPausedAt  *time.Time
	PausedSec      int     // seconds accumulated across pauses of the current turn
	WinnerMapID    *string `gorm:"size:36"`
	CreatedBy      string  `gorm:"size:36"`
	ExpiresAt      time.Time `gorm:"index"`
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int `gorm:"not null;default:0"`
}

// SessionPlayer is one seat in a session. Token is the single-use
// access credential; LastIP is cleared when the session reaches a
// terminal status.
type SessionPlayer struct {
	ID             string `gorm:"primaryKey;size:36"`
	SessionID      string `gorm:"size:36;not null;index"`
	Slot           int    `gorm:"not null"`
	RoleLabel      string `gorm:"size:64"`
	TeamName       string `gorm:"size:128"`
	Token          string `gorm:"size:64;not null;uniqueIndex"`
	TokenExpiresAt time.Time
	LastIP         string `gorm:"size:45"`
	Connected      bool
	LastSeenAt     *time.Time
	HasVoted       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SessionMap is a per-session snapshot of a catalog map. Position is
// the creation order and the deterministic tie-break key.
type SessionMap struct {
	ID          string         `gorm:"primaryKey;size:36"`
	SessionID   string         `gorm:"size:36;not null;index"`
	Position    int            `gorm:"not null"`
	Name        string         `gorm:"size:128;not null"`
	ImageURL    string         `gorm:"size:512"`
	State       engine.MapState `gorm:"size:16;not null"`
	BannedBy    *string        `gorm:"size:36"`
	BannedTurn  *int
	BannedRound *int
	VoteCount   int // cumulative across rounds, for review tooling
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Vote is one ballot in a round-vote session, unique per
// (session, round, player).
type Vote struct {
	ID           string `gorm:"primaryKey;size:36"`
	SessionID    string `gorm:"size:36;not null;uniqueIndex:idx_votes_session_round_player"`
	Round        int    `gorm:"not null;uniqueIndex:idx_votes_session_round_player"`
	PlayerID     string `gorm:"size:36;not null;uniqueIndex:idx_votes_session_round_player"`
	SessionMapID string `gorm:"size:36;not null"`
	CastByAdmin  bool
	CreatedAt    time.Time
}

// AuditLog is append-only; the engine never updates or deletes rows.
type AuditLog struct {
	ID        uint        `gorm:"primaryKey"`
	SessionID string      `gorm:"size:36;not null;index"`
	Action    AuditAction `gorm:"size:32;not null"`
	ActorType ActorType   `gorm:"size:16;not null"`
	ActorID   *string     `gorm:"size:36"`
	Detail    []byte      `gorm:"type:jsonb"`
	CreatedAt time.Time   `gorm:"not null;index"`
}

// Page is a limit/offset window for audit queries.
type Page struct {
	Limit  int
	Offset int
}

// Store is the persistence contract. Transact runs fn inside one atomic
// unit; mutations made through the passed Store either all commit or
// none do.
type Store interface {
	Transact(ctx context.Context, fn func(Store) error) error

	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	// UpdateSession commits only when the stored version matches
	// s.Version, then bumps it. A stale version yields a conflict.
	UpdateSession(ctx context.Context, s *Session) error
	ListSessionsByStatus(ctx context.Context, statuses ...Status) ([]*Session, error)
	// ListStaleSessions returns DRAFT and WAITING sessions whose
	// expiry has passed.
	ListStaleSessions(ctx context.Context, now time.Time) ([]*Session, error)

	CreatePlayers(ctx context.Context, players []*SessionPlayer) error
	GetPlayerByToken(ctx context.Context, token string) (*SessionPlayer, error)
	ListPlayers(ctx context.Context, sessionID string) ([]*SessionPlayer, error)
	UpdatePlayer(ctx context.Context, p *SessionPlayer) error
	// ClearPlayerIPs blanks LastIP for every player of the session and
	// returns how many rows actually changed.
	ClearPlayerIPs(ctx context.Context, sessionID string) (int64, error)

	CreateMaps(ctx context.Context, maps []*SessionMap) error
	ListMaps(ctx context.Context, sessionID string) ([]*SessionMap, error)
	UpdateMap(ctx context.Context, m *SessionMap) error

	CreateVote(ctx context.Context, v *Vote) error
	ListVotes(ctx context.Context, sessionID string, round int) ([]*Vote, error)

	AppendAudit(ctx context.Context, entry *AuditLog) error
	// ListAudit returns entries for a session, newest first.
	ListAudit(ctx context.Context, sessionID string, page Page) ([]*AuditLog, error)
}
