// Package escalation tracks per-user violation state and drives the forward
// transitions clean → warned → restricted → suspended → banned. It is the
// single enforcement point other components consult before permitting
// delivery of a user's message.
package escalation

import (
	"context"
	"errors"
	"time"
)

var ErrUserBanned = errors.New("escalation: user is banned")

// Level is a user's standing. Levels only move forward on violations; the
// decay rule steps them back down one at a time, never past Clean and never
// out of Banned.
type Level int

const (
	Clean Level = iota
	Warned
	Restricted
	Suspended
	Banned
)

var levelNames = map[Level]string{
	Clean:      "clean",
	Warned:     "warned",
	Restricted: "restricted",
	Suspended:  "suspended",
	Banned:     "banned",
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return "unknown"
}

// ViolationRef is one blocked violation inside a user's rolling window.
type ViolationRef struct {
	MessageID  string    `json:"message_id"`
	Score      float64   `json:"score"`
	OccurredAt time.Time `json:"occurred_at"`
}

// State is the persisted escalation record for one user.
type State struct {
	UserID         string         `json:"user_id"`
	Level          Level          `json:"level"`
	LevelEnteredAt time.Time      `json:"level_entered_at"`
	History        []ViolationRef `json:"history"`
}

// ViolationCount reports violations newer than cutoff.
func (s *State) ViolationCount(cutoff time.Time) int {
	n := 0
	for _, v := range s.History {
		if v.OccurredAt.After(cutoff) {
			n++
		}
	}
	return n
}

// Step is one row of the transition table: at AtCount violations within the
// window, a user at From moves to To.
type Step struct {
	From    Level `yaml:"from"`
	AtCount int   `yaml:"at_count"`
	To      Level `yaml:"to"`
}

// Policy is the data-driven transition table. Banned is always terminal and
// Suspended always escalates to Banned on any further violation, regardless
// of the table.
type Policy struct {
	WindowDays int    `yaml:"window_days"`
	Steps      []Step `yaml:"steps"`
	DecayDays  int    `yaml:"decay_days"`
}

// Window is the rolling period violations count within.
func (p Policy) Window() time.Duration {
	return time.Duration(p.WindowDays) * 24 * time.Hour
}

// DefaultPolicy is the production transition table.
func DefaultPolicy() Policy {
	return Policy{
		WindowDays: 30,
		Steps: []Step{
			{From: Clean, AtCount: 1, To: Warned},
			{From: Warned, AtCount: 3, To: Restricted},
			{From: Restricted, AtCount: 5, To: Suspended},
		},
		DecayDays: 14,
	}
}

func (p Policy) next(current Level, count int) Level {
	if current == Suspended {
		return Banned
	}
	next := current
	for _, s := range p.Steps {
		if s.From == current && count >= s.AtCount && s.To > next {
			next = s.To
		}
	}
	return next
}

// Transition is the outcome of recording one violation.
type Transition struct {
	UserID         string    `json:"user_id"`
	From           Level     `json:"from"`
	To             Level     `json:"to"`
	ViolationCount int       `json:"violation_count"`
	MessageID      string    `json:"message_id"`
	Score          float64   `json:"score"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Changed reports whether the violation moved the user to a new level.
func (t Transition) Changed() bool { return t.To != t.From }

// Store persists per-user state. Get returns a zero-valued Clean state for
// unknown users.
type Store interface {
	Get(ctx context.Context, userID string) (*State, error)
	Put(ctx context.Context, state *State) error
}
