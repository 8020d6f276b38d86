// Package model defines the two roles the orchestrator delegates to: the
// planner, which proposes the next action, and the executor, which narrates an
// accepted one. All non-determinism in a turn lives behind these interfaces.
package model

import (
	"context"
	"errors"

	"storywarden/internal/mask"
	"storywarden/internal/store"
	"storywarden/internal/validate"
)

// ContractVersion is bumped whenever PlannerContext, NarrationContext or
// Narration change shape.
const ContractVersion = "v1"

var ErrScriptExhausted = errors.New("script exhausted")

// PlannerContext is everything the planner sees for one attempt.
type PlannerContext struct {
	Version     string                `json:"version"`
	Session     string                `json:"session"`
	Turn        int                   `json:"turn"`
	Attempt     int                   `json:"attempt"`
	EntityID    string                `json:"entity_id"`
	Location    string                `json:"location"`
	PlayerInput string                `json:"player_input"`
	Mask        *mask.Mask            `json:"mask"`
	Facts       map[string]store.Fact `json:"facts"`
	NextBeat    *store.Beat           `json:"next_beat,omitempty"`
	Synopsis    string                `json:"synopsis,omitempty"`
	History     []string              `json:"history,omitempty"`
	// Vetoes holds the reasons earlier attempts this turn were rejected, oldest
	// first.
	Vetoes []validate.Veto `json:"vetoes,omitempty"`
}

// LastVeto returns the most recent veto, if any.
func (c PlannerContext) LastVeto() *validate.Veto {
	if len(c.Vetoes) == 0 {
		return nil
	}
	return &c.Vetoes[len(c.Vetoes)-1]
}

// NarrationContext is what the executor is given for an accepted action.
type NarrationContext struct {
	Version     string              `json:"version"`
	Session     string              `json:"session"`
	Turn        int                 `json:"turn"`
	PlayerInput string              `json:"player_input"`
	Proposal    validate.Proposal   `json:"proposal"`
	Grounding   *validate.Grounding `json:"grounding,omitempty"`
	Actor       *store.Entity       `json:"-"`
	Target      *store.Entity       `json:"-"`
	Persona     *store.Persona      `json:"persona,omitempty"`
	Degraded    bool                `json:"degraded,omitempty"`
}

// Narration is the executor's output. Claims are whatever mechanical
// assertions the prose implies; the orchestrator discards them.
type Narration struct {
	Text   string           `json:"text" yaml:"text"`
	Claims []validate.Claim `json:"claims,omitempty" yaml:"claims"`
}

type Planner interface {
	Propose(ctx context.Context, in PlannerContext) (validate.Proposal, error)
}

type Executor interface {
	Narrate(ctx context.Context, in NarrationContext) (Narration, error)
}

type PlannerFunc func(ctx context.Context, in PlannerContext) (validate.Proposal, error)

func (f PlannerFunc) Propose(ctx context.Context, in PlannerContext) (validate.Proposal, error) {
	return f(ctx, in)
}

type ExecutorFunc func(ctx context.Context, in NarrationContext) (Narration, error)

func (f ExecutorFunc) Narrate(ctx context.Context, in NarrationContext) (Narration, error) {
	return f(ctx, in)
}
