package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	GameStatusOpen      = "open"
	GameStatusCountdown = "countdown"
	GameStatusActive    = "active"
	GameStatusFinished  = "finished"
	GameStatusCancelled = "cancelled"
)

// JoinableStatuses are the statuses of a game that has not started yet.
var JoinableStatuses = []string{GameStatusOpen, GameStatusCountdown}

// LiveStatuses are the non-terminal statuses.
var LiveStatuses = []string{GameStatusOpen, GameStatusCountdown, GameStatusActive}

type Game struct {
	ID         uint                     `json:"id" gorm:"primaryKey"`
	Status     string                   `json:"status" gorm:"size:16;not null;default:'open';index"`
	DrawnBalls datatypes.JSONSlice[int] `json:"drawn_balls" gorm:"not null"`
	StartedAt  *time.Time               `json:"started_at"`
	EndedAt    *time.Time               `json:"ended_at"`
	WinnerID   *uint                    `json:"winner_id"`
	CreatedAt  time.Time                `json:"created_at"`
	UpdatedAt  time.Time                `json:"updated_at"`
	DeletedAt  gorm.DeletedAt           `json:"-" gorm:"index"`

	// Relationships
	Players []Player `json:"players,omitempty" gorm:"foreignKey:GameID"`
}

// Joinable reports whether registrations may still land in the game.
func (g *Game) Joinable() bool {
	return g.Status == GameStatusOpen || g.Status == GameStatusCountdown
}

// Live reports whether the game is not in a terminal status.
func (g *Game) Live() bool {
	return g.Joinable() || g.Status == GameStatusActive
}

// LatestBall returns the most recent draw, or 0 before the first one.
func (g *Game) LatestBall() int {
	if len(g.DrawnBalls) == 0 {
		return 0
	}
	return g.DrawnBalls[len(g.DrawnBalls)-1]
}

// Clone returns a copy that shares no slices with g.
func (g *Game) Clone() *Game {
	out := *g
	out.DrawnBalls = append(datatypes.JSONSlice[int]{}, g.DrawnBalls...)
	out.Players = nil
	if g.StartedAt != nil {
		started := *g.StartedAt
		out.StartedAt = &started
	}
	if g.EndedAt != nil {
		ended := *g.EndedAt
		out.EndedAt = &ended
	}
	if g.WinnerID != nil {
		winner := *g.WinnerID
		out.WinnerID = &winner
	}
	return &out
}
