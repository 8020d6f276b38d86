package turn

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"storywarden/internal/audit"
	"storywarden/internal/mask"
	"storywarden/internal/rules"
	"storywarden/internal/store"
	"storywarden/internal/validate"
)

// buildCommit turns the accepted proposal's grounding into one atomic commit
// and the result shown to the player. Degraded turns commit no claims.
func (o *Orchestrator) buildCommit(ctx context.Context, run *turnRun, degraded bool) (store.Commit, *Result, error) {
	g := run.outcome.Grounding
	c := store.Commit{
		Session:    o.session,
		RequestID:  audit.RequestID(run.id, "commit"),
		Turn:       run.number,
		FactPolicy: o.cfg.FactPolicy,
	}
	res := &Result{
		Turn:      run.number,
		TurnID:    run.id,
		Action:    run.p.Action,
		Degraded:  degraded,
		Attempts:  len(run.vetoes),
		Vetoes:    run.vetoes,
		Mask:      run.mask.Actions(),
		Grounding: g,
	}
	if !degraded {
		res.Attempts++
	}

	if !degraded && g != nil {
		c.Facts = factWrites(g.Writes, run.number)
		if err := o.deriveChanges(ctx, run, g, &c); err != nil {
			return store.Commit{}, nil, err
		}
		if g.Beat != nil {
			res.ResolvedBeat = g.Beat.ID
			synopsis := Synopsis(run.beats, run.facts, g.Beat.ID)
			c.Synopsis = &synopsis
			res.Synopsis = synopsis
			if err := run.batch.Add(store.ActorOrchestrator, store.KindBeatResolved, "beat", g.Beat, map[string]string{"synopsis": synopsis}); err != nil {
				return store.Commit{}, nil, err
			}
		}
	}

	rec := audit.TurnRecord{
		Action:       run.p.Action,
		Mask:         res.Mask,
		Attempts:     res.Attempts,
		Degraded:     degraded,
		ResolvedBeat: res.ResolvedBeat,
		FactWrites:   len(c.Facts),
		PlayerInput:  run.input,
	}
	if err := run.batch.Add(store.ActorOrchestrator, store.KindTurnCommitted, "committed", rec, nil); err != nil {
		return store.Commit{}, nil, err
	}
	if degraded {
		if err := run.batch.Add(store.ActorOrchestrator, store.KindTurnDegraded, "degraded", rec, map[string]any{"vetoes": run.vetoes}); err != nil {
			return store.Commit{}, nil, err
		}
	}
	c.Audit = run.batch.Entries()
	return c, res, nil
}

// factWrites keeps the last claim per key, in first-seen order.
func factWrites(claims []validate.Claim, turn int) []store.FactWrite {
	var out []store.FactWrite
	index := map[string]int{}
	for _, cl := range claims {
		w := store.FactWrite{
			Key:        cl.Key,
			Value:      cl.Value,
			Provenance: cl.Provenance,
			Confidence: min(max(cl.Confidence, 0), 1),
		}
		if w.Provenance == "" {
			w.Provenance = fmt.Sprintf("turn:%d", turn)
		}
		if i, ok := index[w.Key]; ok {
			out[i] = w
			continue
		}
		index[w.Key] = len(out)
		out = append(out, w)
	}
	return out
}

// deriveChanges maps the accepted action onto world changes: travel moves the
// actor, casting spends the resource and applies the spell's effect to the
// caster, and checked damage lowers the attack target's hit points.
func (o *Orchestrator) deriveChanges(ctx context.Context, run *turnRun, g *validate.Grounding, c *store.Commit) error {
	entry := g.Entry
	switch entry.Category {
	case mask.Travel:
		c.Moves = append(c.Moves, store.Move{EntityID: o.entityID, LocationID: entry.Justification.Destination})

	case mask.Cast:
		if entry.Justification.Resource != "" && entry.Justification.Spend > 0 {
			c.ResourceChanges = append(c.ResourceChanges, store.ResourceChange{
				EntityID: o.entityID,
				Resource: entry.Justification.Resource,
				Delta:    -entry.Justification.Spend,
			})
		}
		spells, err := o.store.ListSpells(ctx, o.session)
		if err != nil {
			return fmt.Errorf("reading spells: %w", err)
		}
		idx := slices.IndexFunc(spells, func(s store.Spell) bool { return s.ID == entry.Target })
		if idx >= 0 && spells[idx].Effect != nil {
			effect, err := effectFrom(*spells[idx].Effect, run.id, spells[idx].ID, o.entityID, run.at)
			if err != nil {
				return err
			}
			c.Effects = append(c.Effects, store.EffectWrite{EntityID: o.entityID, Effect: effect})
		}

	case mask.Attack:
		for _, n := range g.Numbers {
			if n.Kind == rules.Damage && n.Expected > 0 {
				c.HPChanges = append(c.HPChanges, store.HPChange{EntityID: entry.Target, Delta: -int(n.Expected)})
			}
		}
	}
	return nil
}

func effectFrom(t store.EffectTemplate, turnID, spellID, entityID string, at time.Time) (store.Effect, error) {
	e := store.Effect{
		ID:        turnID + "/" + spellID,
		EntityID:  entityID,
		Source:    t.Source,
		StartedAt: at,
		Data:      t.Data,
	}
	if e.Source == "" {
		e.Source = "spell:" + spellID
	}
	if t.Duration != "" {
		d, err := time.ParseDuration(t.Duration)
		if err != nil {
			return store.Effect{}, fmt.Errorf("spell %s duration: %w", spellID, err)
		}
		expires := at.Add(d)
		e.ExpiresAt = &expires
	}
	return e, nil
}

// Synopsis summarises progress through the outline, treating resolved as
// newly resolved on top of facts.
func Synopsis(beats []store.Beat, facts map[string]store.Fact, resolved string) string {
	var done []string
	var next *store.Beat
	for _, b := range beats {
		f, ok := facts[b.ResolvedKey()]
		if b.ID == resolved || (ok && store.Truthy(f.Value)) {
			done = append(done, strings.TrimSpace(b.Text))
			continue
		}
		if next == nil {
			next = &b
		}
	}
	var sb strings.Builder
	if len(done) > 0 {
		sb.WriteString("So far: ")
		sb.WriteString(strings.Join(done, " "))
	}
	if next != nil {
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString("Next: ")
		sb.WriteString(strings.TrimSpace(next.Text))
	} else if len(beats) > 0 {
		sb.WriteString(" The outline is complete.")
	}
	return strings.TrimSpace(sb.String())
}
