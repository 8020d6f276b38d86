package rules

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"storywarden/internal/store"
)

// Calculator kinds understood by Calculate.
const (
	AbilityModifier = "ability_modifier"
	EffectiveAC     = "effective_ac"
	AttackBonus     = "attack_bonus"
	SaveDC          = "save_dc"
	Damage          = "damage"
	SpellCost       = "spell_cost"
)

var ErrUnknownKind = errors.New("unknown calculator kind")

// Inputs carries what a calculator needs. Unused fields are ignored.
type Inputs struct {
	Entity  *store.Entity
	Target  *store.Entity
	Ability string
	Spell   *store.Spell
	// Roll is an externally supplied dice total. It is passed through, never
	// rerolled.
	Roll *int
	At   time.Time
}

// State is an entity's effective state at an instant.
type State struct {
	AC            int
	Speed         int
	AttackBonus   int
	Hidden        bool
	Incapacitated bool
	Disadvantage  bool
}

// Effective folds the entity's active effects into its base values.
func Effective(e *store.Entity, at time.Time) State {
	s := State{AC: e.BaseAC, Speed: e.Speed}
	for _, ef := range e.Effects {
		if !ef.Active(at) {
			continue
		}
		s.AC += ef.Data.ACBonus
		s.Speed += ef.Data.SpeedBonus
		s.AttackBonus += ef.Data.AttackBonus
		s.Hidden = s.Hidden || ef.Data.Hidden
		s.Incapacitated = s.Incapacitated || ef.Data.Incapacitated
		s.Disadvantage = s.Disadvantage || ef.Data.Disadvantage
	}
	if s.Speed < 0 {
		s.Speed = 0
	}
	return s
}

func Modifier(score int) int {
	return int(math.Floor(float64(score-10) / 2))
}

type Engine struct {
	source store.RuleSource
}

func NewEngine(source store.RuleSource) *Engine {
	return &Engine{source: source}
}

func (e *Engine) LookupRule(ctx context.Context, session, key string) (*store.Rule, error) {
	return e.source.LookupRule(ctx, session, key)
}

func (e *Engine) ListSpells(ctx context.Context, session string) ([]store.Spell, error) {
	return e.source.ListSpells(ctx, session)
}

// Calculate runs a deterministic calculator.
func (e *Engine) Calculate(kind string, in Inputs) (float64, error) {
	switch kind {
	case AbilityModifier:
		mod, err := abilityModifier(in.Entity, in.Ability)
		return float64(mod), err

	case EffectiveAC:
		target := in.Target
		if target == nil {
			target = in.Entity
		}
		if target == nil {
			return 0, fmt.Errorf("%s needs a target", kind)
		}
		return float64(Effective(target, in.At).AC), nil

	case AttackBonus:
		ability := in.Ability
		if ability == "" {
			ability = "str"
		}
		mod, err := abilityModifier(in.Entity, ability)
		if err != nil {
			return 0, err
		}
		return float64(mod + in.Entity.ProficiencyBonus + Effective(in.Entity, in.At).AttackBonus), nil

	case SaveDC:
		ability := in.Ability
		if ability == "" {
			ability = "int"
		}
		mod, err := abilityModifier(in.Entity, ability)
		if err != nil {
			return 0, err
		}
		return float64(8 + in.Entity.ProficiencyBonus + mod), nil

	case Damage:
		if in.Roll == nil {
			return 0, fmt.Errorf("%s needs a supplied roll", kind)
		}
		total := *in.Roll
		if in.Ability != "" {
			mod, err := abilityModifier(in.Entity, in.Ability)
			if err != nil {
				return 0, err
			}
			total += mod
		}
		return float64(max(total, 0)), nil

	case SpellCost:
		if in.Spell == nil {
			return 0, fmt.Errorf("%s needs a spell", kind)
		}
		return float64(in.Spell.Cost), nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
}

// Tolerance returns the allowed absolute difference for a calculator kind,
// read from the rule "tolerance.<kind>". Missing rules mean exact match.
func (e *Engine) Tolerance(ctx context.Context, session, kind string) (float64, error) {
	rule, err := e.source.LookupRule(ctx, session, "tolerance."+kind)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if v, ok := rule.Data["value"]; ok {
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		}
		return 0, fmt.Errorf("tolerance.%s value must be numeric, got %T", kind, v)
	}
	if rule.Text != "" {
		n, err := strconv.ParseFloat(rule.Text, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing tolerance.%s: %w", kind, err)
		}
		return n, nil
	}
	return 0, nil
}

func abilityModifier(e *store.Entity, ability string) (int, error) {
	if e == nil {
		return 0, fmt.Errorf("ability %s needs an entity", ability)
	}
	score, ok := e.Abilities.Score(ability)
	if !ok {
		return 0, fmt.Errorf("unknown ability %q", ability)
	}
	return Modifier(score), nil
}
