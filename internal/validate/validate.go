package validate

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"time"

	"storywarden/internal/mask"
	"storywarden/internal/rules"
	"storywarden/internal/store"
)

type VetoKind string

const (
	IllegalAction     VetoKind = "IllegalAction"
	FactContradiction VetoKind = "FactContradiction"
	UngatedBeat       VetoKind = "UngatedBeat"
	RuleMismatch      VetoKind = "RuleMismatch"
	ModelTimeout      VetoKind = "ModelTimeout"
)

// Claim is a fact assertion implied by a proposal.
type Claim struct {
	Key        string  `json:"key" yaml:"key"`
	Value      any     `json:"value" yaml:"value"`
	Confidence float64 `json:"confidence,omitempty" yaml:"confidence"`
	Provenance string  `json:"provenance,omitempty" yaml:"provenance"`
}

// NumericClaim is a number the proposal asserts, checked against a
// calculator. Entity defaults to the acting entity.
type NumericClaim struct {
	Kind    string  `json:"kind" yaml:"kind"`
	Value   float64 `json:"value" yaml:"value"`
	Entity  string  `json:"entity,omitempty" yaml:"entity"`
	Target  string  `json:"target,omitempty" yaml:"target"`
	Ability string  `json:"ability,omitempty" yaml:"ability"`
	Spell   string  `json:"spell,omitempty" yaml:"spell"`
	Roll    *int    `json:"roll,omitempty" yaml:"roll"`
}

// Proposal is a planner's candidate next action.
type Proposal struct {
	Action       string         `json:"action" yaml:"action"`
	Targets      []string       `json:"targets,omitempty" yaml:"targets"`
	Claims       []Claim        `json:"narrative_claims,omitempty" yaml:"narrative_claims"`
	Numbers      []NumericClaim `json:"numeric_claims,omitempty" yaml:"numeric_claims"`
	ResolvesBeat string         `json:"resolves_beat,omitempty" yaml:"resolves_beat"`
	Intent       string         `json:"intent,omitempty" yaml:"intent"`
}

type Veto struct {
	Kind       VetoKind `json:"kind"`
	Constraint string   `json:"constraint"`
	Reason     string   `json:"reason"`
}

func (v *Veto) Error() string {
	return fmt.Sprintf("%s: %s (%s)", v.Kind, v.Reason, v.Constraint)
}

type CheckedNumber struct {
	Kind      string  `json:"kind"`
	Claimed   float64 `json:"claimed"`
	Expected  float64 `json:"expected"`
	Tolerance float64 `json:"tolerance"`
}

// Grounding is the evidence an accepted proposal rests on and the claims the
// orchestrator should commit.
type Grounding struct {
	Entry     mask.Entry      `json:"entry"`
	Targets   []mask.Entry    `json:"targets,omitempty"`
	Consulted []store.Fact    `json:"consulted_facts"`
	Writes    []Claim         `json:"writes"`
	Beat      *store.Beat     `json:"beat,omitempty"`
	Numbers   []CheckedNumber `json:"numbers,omitempty"`
}

type Outcome struct {
	Accepted  bool       `json:"accepted"`
	Grounding *Grounding `json:"grounding,omitempty"`
	Veto      *Veto      `json:"veto,omitempty"`
}

func vetoed(kind VetoKind, constraint, format string, args ...any) Outcome {
	return Outcome{Veto: &Veto{Kind: kind, Constraint: constraint, Reason: fmt.Sprintf(format, args...)}}
}

type Validator struct {
	src   Sources
	rules *rules.Engine
}

func New(src Sources, engine *rules.Engine) *Validator {
	return &Validator{src: src, rules: engine}
}

// Validate checks p against m and the session's facts, outline and rules.
// Checks run in order and stop at the first veto. Store failures are
// returned as errors, never as vetoes.
func (v *Validator) Validate(ctx context.Context, session string, m *mask.Mask, p Proposal, at time.Time) (Outcome, error) {
	if m == nil {
		return Outcome{}, fmt.Errorf("action mask is required")
	}
	g := &Grounding{}

	if out, ok := checkMask(m, p, g); !ok {
		return out, nil
	}

	facts, err := v.src.GetFacts(ctx, session)
	if err != nil {
		return Outcome{}, fmt.Errorf("reading facts: %w", err)
	}
	storyEdges, err := v.src.ListStoryEdges(ctx, session)
	if err != nil {
		return Outcome{}, fmt.Errorf("reading story graph: %w", err)
	}
	story := projectStory(storyEdges)

	beats, err := v.src.ListBeats(ctx, session)
	if err != nil {
		return Outcome{}, fmt.Errorf("reading outline: %w", err)
	}
	p = normalizeBeat(p)

	if out, ok := checkFacts(facts, story, p, g); !ok {
		return out, nil
	}
	if out, ok := checkOutline(facts, beats, p, g); !ok {
		return out, nil
	}
	if out, ok, err := v.checkRules(ctx, session, m, p, g, at); err != nil || !ok {
		return out, err
	}

	return Outcome{Accepted: true, Grounding: g}, nil
}

func checkMask(m *mask.Mask, p Proposal, g *Grounding) (Outcome, bool) {
	entry, ok := m.Has(p.Action)
	if !ok {
		return vetoed(IllegalAction, "mask:"+p.Action, "action %q is not legal for %s at %s", p.Action, m.EntityID, m.Location), false
	}
	g.Entry = entry
	for _, target := range p.Targets {
		if target == entry.Target {
			continue
		}
		key := mask.ActionKey(entry.Category, target)
		te, ok := m.Has(key)
		if !ok {
			return vetoed(IllegalAction, "mask:"+key, "target %q is not legal for %s", target, entry.Category), false
		}
		g.Targets = append(g.Targets, te)
	}
	return Outcome{}, true
}

// normalizeBeat treats a claim on a beat's resolved flag as resolving it.
func normalizeBeat(p Proposal) Proposal {
	if p.ResolvesBeat != "" {
		return p
	}
	for _, c := range p.Claims {
		id, ok := strings.CutPrefix(c.Key, "beat.")
		if !ok {
			continue
		}
		id, ok = strings.CutSuffix(id, ".resolved")
		if ok && store.Truthy(c.Value) {
			p.ResolvesBeat = id
			return p
		}
	}
	return p
}

func checkFacts(facts, story map[string]store.Fact, p Proposal, g *Grounding) (Outcome, bool) {
	for _, c := range p.Claims {
		if out, ok := checkClaim(facts, story, c, g, true); !ok {
			return out, false
		}
	}
	// Implied claims are checked against established facts but never written.
	for _, c := range impliedClaims(facts, p, g) {
		if out, ok := checkClaim(facts, story, c, g, false); !ok {
			return out, false
		}
	}
	return Outcome{}, true
}

func checkClaim(facts, story map[string]store.Fact, c Claim, g *Grounding, write bool) (Outcome, bool) {
	if c.Key == "" {
		return vetoed(FactContradiction, "claim", "claim has no key"), false
	}
	claimed := min(max(c.Confidence, 0), 1)

	if strings.HasPrefix(c.Key, StoryPrefix) {
		existing, ok := story[c.Key]
		if !ok || store.ValueString(existing.Value) != store.ValueString(c.Value) {
			return vetoed(FactContradiction, c.Key, "the authored story graph is read-only"), false
		}
		g.Consulted = append(g.Consulted, existing)
		return Outcome{}, true
	}

	existing, ok := facts[c.Key]
	if ok {
		g.Consulted = append(g.Consulted, existing)
		if store.ValueString(existing.Value) == store.ValueString(c.Value) {
			return Outcome{}, true
		}
		if existing.Confidence >= claimed {
			return vetoed(FactContradiction, c.Key,
				"claim %s=%v contradicts established %s=%v", c.Key, c.Value, c.Key, existing.Value), false
		}
	}
	if write {
		g.Writes = append(g.Writes, c)
	}
	return Outcome{}, true
}

// impliedClaims asserts that an entity is alive wherever a liveness fact
// exists for it and the turn touches it: as the target of an interaction or
// attack, or through a claim about another of its attributes. Keys the
// proposal claims explicitly are left to the explicit claim.
func impliedClaims(facts map[string]store.Fact, p Proposal, g *Grounding) []Claim {
	explicit := make(map[string]bool, len(p.Claims))
	for _, c := range p.Claims {
		explicit[c.Key] = true
	}
	keys := make(map[string]bool)
	imply := func(key string) {
		if _, ok := facts[key]; ok && !explicit[key] {
			keys[key] = true
		}
	}

	for _, e := range append([]mask.Entry{g.Entry}, g.Targets...) {
		if e.Category != mask.Interact && e.Category != mask.Attack {
			continue
		}
		suffix := "." + e.Target + ".alive"
		for key := range facts {
			if strings.HasSuffix(key, suffix) && strings.Count(key, ".") == 2 {
				imply(key)
			}
		}
	}
	for _, c := range p.Claims {
		if strings.HasPrefix(c.Key, StoryPrefix) {
			continue
		}
		parts := strings.SplitN(c.Key, ".", 3)
		if len(parts) < 3 || parts[2] == "alive" || parts[0] == "" || parts[1] == "" {
			continue
		}
		imply(parts[0] + "." + parts[1] + ".alive")
	}

	out := make([]Claim, 0, len(keys))
	for _, key := range slices.Sorted(maps.Keys(keys)) {
		out = append(out, Claim{Key: key, Value: true, Provenance: "implied"})
	}
	return out
}

func checkOutline(facts map[string]store.Fact, beats []store.Beat, p Proposal, g *Grounding) (Outcome, bool) {
	if p.ResolvesBeat == "" {
		return Outcome{}, true
	}
	idx := slices.IndexFunc(beats, func(b store.Beat) bool { return b.ID == p.ResolvesBeat })
	if idx < 0 {
		return vetoed(UngatedBeat, "beat:"+p.ResolvesBeat, "beat %q does not exist", p.ResolvesBeat), false
	}
	beat := beats[idx]
	if f, ok := facts[beat.ResolvedKey()]; ok && store.Truthy(f.Value) {
		return vetoed(UngatedBeat, "beat:"+beat.ID, "beat %q is already resolved", beat.ID), false
	}

	var missing []string
	for _, gate := range beat.Gates {
		if !store.GateSatisfied(gate, facts) {
			missing = append(missing, gate)
			continue
		}
		key, _, _ := store.ParseGate(gate)
		g.Consulted = append(g.Consulted, facts[key])
	}
	if len(missing) > 0 {
		return vetoed(UngatedBeat, "beat:"+beat.ID, "beat %q needs %s", beat.ID, strings.Join(missing, ", ")), false
	}

	g.Beat = &beat
	key := beat.ResolvedKey()
	g.Writes = slices.DeleteFunc(g.Writes, func(c Claim) bool { return c.Key == key })
	g.Writes = append(g.Writes, Claim{Key: key, Value: true, Confidence: 1})
	return Outcome{}, true
}

func (v *Validator) checkRules(ctx context.Context, session string, m *mask.Mask, p Proposal, g *Grounding, at time.Time) (Outcome, bool, error) {
	if len(p.Numbers) == 0 {
		return Outcome{}, true, nil
	}
	var spells []store.Spell
	for _, n := range p.Numbers {
		in := rules.Inputs{Ability: n.Ability, Roll: n.Roll, At: at}

		entityID := n.Entity
		if entityID == "" {
			entityID = m.EntityID
		}
		e, err := v.entity(ctx, session, entityID, at)
		if err != nil {
			return Outcome{}, false, err
		}
		if e == nil {
			return vetoed(RuleMismatch, n.Kind, "unknown entity %q", entityID), false, nil
		}
		in.Entity = e

		target := n.Target
		if target == "" && g.Entry.Category == mask.Attack {
			target = g.Entry.Target
		}
		if target != "" {
			t, err := v.entity(ctx, session, target, at)
			if err != nil {
				return Outcome{}, false, err
			}
			if t == nil {
				return vetoed(RuleMismatch, n.Kind, "unknown target %q", target), false, nil
			}
			in.Target = t
		}

		spellID := n.Spell
		if spellID == "" && g.Entry.Category == mask.Cast {
			spellID = g.Entry.Target
		}
		if spellID != "" {
			if spells == nil {
				if spells, err = v.src.ListSpells(ctx, session); err != nil {
					return Outcome{}, false, fmt.Errorf("reading spells: %w", err)
				}
			}
			idx := slices.IndexFunc(spells, func(s store.Spell) bool { return s.ID == spellID })
			if idx < 0 {
				return vetoed(RuleMismatch, n.Kind, "unknown spell %q", spellID), false, nil
			}
			in.Spell = &spells[idx]
		}

		expected, err := v.rules.Calculate(n.Kind, in)
		if err != nil {
			return vetoed(RuleMismatch, n.Kind, "cannot check %s: %v", n.Kind, err), false, nil
		}
		tolerance, err := v.rules.Tolerance(ctx, session, n.Kind)
		if err != nil {
			return Outcome{}, false, fmt.Errorf("reading tolerance for %s: %w", n.Kind, err)
		}
		if math.Abs(expected-n.Value) > tolerance {
			return vetoed(RuleMismatch, n.Kind, "claimed %s %v, rules give %v", n.Kind, n.Value, expected), false, nil
		}
		g.Numbers = append(g.Numbers, CheckedNumber{Kind: n.Kind, Claimed: n.Value, Expected: expected, Tolerance: tolerance})
	}
	return Outcome{}, true, nil
}

func (v *Validator) entity(ctx context.Context, session, id string, at time.Time) (*store.Entity, error) {
	e, err := v.src.GetEntity(ctx, session, id, at)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading entity %s: %w", id, err)
	}
	return e, nil
}
