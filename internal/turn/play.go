package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"storywarden/internal/audit"
	"storywarden/internal/mask"
	"storywarden/internal/model"
	"storywarden/internal/store"
	"storywarden/internal/validate"
)

// Result is what the presentation layer gets back for a committed turn.
type Result struct {
	Turn         int                 `json:"turn"`
	TurnID       string              `json:"turn_id"`
	Action       string              `json:"action"`
	Narration    string              `json:"narration"`
	Degraded     bool                `json:"degraded"`
	Attempts     int                 `json:"attempts"`
	Vetoes       []validate.Veto     `json:"vetoes,omitempty"`
	Mask         []string            `json:"mask"`
	Grounding    *validate.Grounding `json:"grounding,omitempty"`
	ResolvedBeat string              `json:"resolved_beat,omitempty"`
	Synopsis     string              `json:"synopsis,omitempty"`
	// Discarded counts mechanical claims the executor made that were dropped.
	Discarded        int  `json:"discarded_claims,omitempty"`
	FallbackNarrated bool `json:"fallback_narration,omitempty"`
}

// turnRun is the state of one turn in flight.
type turnRun struct {
	id      string
	number  int
	at      time.Time
	input   string
	batch   *audit.Batch
	mask    *mask.Mask
	actor   *store.Entity
	facts   map[string]store.Fact
	beats   []store.Beat
	vetoes  []validate.Veto
	outcome validate.Outcome
	p       validate.Proposal
}

// Play runs one full turn for the player's input. Vetoes and model timeouts
// are absorbed by the retry and fallback path; the returned error is non-nil
// only when the turn could not be framed, the context was cancelled between
// states, or the commit failed.
func (o *Orchestrator) Play(ctx context.Context, input string) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == SessionEnded {
		return nil, ErrSessionEnded
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	run := &turnRun{id: o.newID(), number: o.turn + 1, at: o.now(), input: input}
	run.batch = audit.NewBatch(o.session, run.id, run.number, o.now)
	log := o.logger.With("turn", run.number, "turn_id", run.id)

	if err := run.batch.Add(store.ActorPlayer, store.KindPlayerInput, "input", map[string]string{"text": input}, nil); err != nil {
		return nil, err
	}
	if err := o.frame(ctx, run); err != nil {
		o.abort(ctx, run, err)
		return nil, err
	}

	accepted, err := o.solicit(ctx, run)
	if err != nil {
		o.abort(ctx, run, err)
		return nil, err
	}

	var (
		narration string
		fallback  bool
		discarded int
	)
	if accepted {
		if err := ctx.Err(); err != nil {
			o.abort(ctx, run, err)
			return nil, err
		}
		o.transition(Narrating)
		narration, fallback, discarded = o.narrate(ctx, run)
	} else {
		log.Warn("retries exhausted, falling back", "vetoes", len(run.vetoes))
		entry, _ := run.mask.Has(mask.PauseAction)
		run.p = validate.Proposal{Action: mask.PauseAction, Intent: "fallback"}
		run.outcome = validate.Outcome{Grounding: &validate.Grounding{Entry: entry}}
		narration, fallback = o.fallbackNarration(run.narrationContext(o, true)), true
	}
	if err := run.batch.Add(store.ActorExecutor, store.KindNarration, "narration",
		map[string]any{"action": run.p.Action, "degraded": !accepted},
		map[string]any{"text": narration, "fallback": fallback, "discarded_claims": discarded}); err != nil {
		o.abort(ctx, run, err)
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		o.abort(ctx, run, err)
		return nil, err
	}
	o.transition(Committing)
	commit, res, err := o.buildCommit(ctx, run, !accepted)
	if err != nil {
		o.abort(ctx, run, err)
		return nil, err
	}
	res.Narration = narration
	res.FallbackNarrated = fallback
	res.Discarded = discarded

	if err := o.commit(ctx, commit); err != nil {
		log.Error("commit failed twice, ending session", "request_id", commit.RequestID, "error", err)
		o.transition(SessionEnded)
		return nil, &CommitError{Session: o.session, RequestID: commit.RequestID, Err: err}
	}

	o.turn = run.number
	o.remember("Player: " + input)
	o.remember("Narrator: " + narration)
	o.transition(AwaitingProposal)
	log.Info("turn committed", "action", res.Action, "attempts", res.Attempts, "degraded", res.Degraded, "facts", len(commit.Facts))
	return res, nil
}

// frame computes the mask and reads the context the planner needs.
func (o *Orchestrator) frame(ctx context.Context, run *turnRun) error {
	m, err := o.masks.Compute(ctx, o.session, o.entityID, run.at)
	if err != nil {
		return err
	}
	run.mask = m
	if run.actor, err = o.store.GetEntity(ctx, o.session, o.entityID, run.at); err != nil {
		return &mask.ResolutionError{Kind: "entity", ID: o.entityID, Err: err}
	}
	if run.facts, err = o.store.GetFacts(ctx, o.session); err != nil {
		return fmt.Errorf("reading facts: %w", err)
	}
	if run.beats, err = o.store.ListBeats(ctx, o.session); err != nil {
		return fmt.Errorf("reading outline: %w", err)
	}
	return nil
}

// solicit loops between AwaitingProposal and Validating until a proposal is
// accepted or the retry bound is spent.
func (o *Orchestrator) solicit(ctx context.Context, run *turnRun) (bool, error) {
	session, err := o.store.GetSession(ctx, o.session)
	if err != nil {
		return false, fmt.Errorf("loading session: %w", err)
	}

	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if o.state != AwaitingProposal {
			o.transition(AwaitingProposal)
		}

		pc := model.PlannerContext{
			Version:     model.ContractVersion,
			Session:     o.session,
			Turn:        run.number,
			Attempt:     attempt,
			EntityID:    o.entityID,
			Location:    run.mask.Location,
			PlayerInput: run.input,
			Mask:        run.mask,
			Facts:       run.facts,
			NextBeat:    nextBeat(run.beats, run.facts),
			Synopsis:    session.Synopsis,
			History:     slices.Clone(o.history),
			Vetoes:      slices.Clone(run.vetoes),
		}
		p, veto := o.propose(ctx, pc)
		if err := ctx.Err(); err != nil {
			return false, err
		}
		part := fmt.Sprintf("proposal/%d", attempt)
		var perr error
		if veto != nil {
			perr = run.batch.Add(store.ActorPlanner, store.KindProposal, part, pc.Vetoes, map[string]string{"error": veto.Reason})
		} else {
			perr = run.batch.Add(store.ActorPlanner, store.KindProposal, part, pc.Vetoes, p)
		}
		if perr != nil {
			return false, perr
		}

		o.transition(Validating)
		var out validate.Outcome
		if veto != nil {
			out = validate.Outcome{Veto: veto}
		} else {
			out, err = o.validator.Validate(ctx, o.session, run.mask, p, run.at)
			if err != nil {
				return false, err
			}
		}
		if err := run.batch.Add(store.ActorValidator, store.KindValidation, fmt.Sprintf("validation/%d", attempt), p, out); err != nil {
			return false, err
		}

		if out.Accepted {
			o.transition(Accepted)
			run.p = p
			run.outcome = out
			return true, nil
		}
		o.transition(Vetoed)
		run.vetoes = append(run.vetoes, *out.Veto)
		o.logger.Info("proposal vetoed", "turn", run.number, "attempt", attempt, "kind", out.Veto.Kind, "reason", out.Veto.Reason)
	}
	return false, nil
}

// propose calls the planner under its timeout. A planner that times out or
// fails yields a ModelTimeout veto rather than an error.
func (o *Orchestrator) propose(ctx context.Context, pc model.PlannerContext) (validate.Proposal, *validate.Veto) {
	pctx, cancel := context.WithTimeout(ctx, o.cfg.PlannerTimeout)
	defer cancel()

	p, err := o.planner.Propose(pctx, pc)
	if err == nil {
		return p, nil
	}
	reason := fmt.Sprintf("planner failed: %v", err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(pctx.Err(), context.DeadlineExceeded) {
		reason = fmt.Sprintf("planner did not answer within %s", o.cfg.PlannerTimeout)
	}
	return validate.Proposal{}, &validate.Veto{Kind: validate.ModelTimeout, Constraint: "planner", Reason: reason}
}

func (run *turnRun) narrationContext(o *Orchestrator, degraded bool) model.NarrationContext {
	return model.NarrationContext{
		Version:     model.ContractVersion,
		Session:     o.session,
		Turn:        run.number,
		PlayerInput: run.input,
		Proposal:    run.p,
		Grounding:   run.outcome.Grounding,
		Actor:       run.actor,
		Degraded:    degraded,
	}
}

// narrate asks the executor for prose, falling back to template narration on
// error or timeout. It never retries.
func (o *Orchestrator) narrate(ctx context.Context, run *turnRun) (text string, fallback bool, discarded int) {
	nc := run.narrationContext(o, false)
	if g := run.outcome.Grounding; g != nil && (g.Entry.Category == mask.Interact || g.Entry.Category == mask.Attack) {
		if target, err := o.store.GetEntity(ctx, o.session, g.Entry.Target, run.at); err == nil {
			nc.Target = target
			nc.Persona = &target.Persona
		}
	}

	nctx, cancel := context.WithTimeout(ctx, o.cfg.ExecutorTimeout)
	defer cancel()
	n, err := o.executor.Narrate(nctx, nc)
	if err == nil && n.Text != "" {
		if len(n.Claims) > 0 {
			o.logger.Debug("discarding executor claims", "turn", run.number, "claims", len(n.Claims))
		}
		return n.Text, false, len(n.Claims)
	}
	if err != nil {
		o.logger.Warn("executor failed, using template narration", "turn", run.number, "error", err)
	}
	return o.fallbackNarration(nc), true, 0
}

func (o *Orchestrator) fallbackNarration(nc model.NarrationContext) string {
	text, err := model.Render(nc)
	if err != nil {
		o.logger.Error("rendering fallback narration", "error", err)
		return "The DM describes a pause."
	}
	return text
}

// commit applies c without honouring cancellation and retries once with the
// same request id.
func (o *Orchestrator) commit(ctx context.Context, c store.Commit) error {
	ctx = context.WithoutCancel(ctx)
	err := o.store.Commit(ctx, c)
	if err == nil {
		return nil
	}
	o.logger.Warn("commit failed, retrying", "request_id", c.RequestID, "error", err)
	return o.store.Commit(ctx, c)
}

// abort records a turn that did not commit. Audit failures here are logged;
// the original error is what the caller sees.
func (o *Orchestrator) abort(ctx context.Context, run *turnRun, cause error) {
	if o.state != AwaitingProposal && o.state != SessionEnded {
		o.transition(AwaitingProposal)
	}
	_, err := o.writer.Record(context.WithoutCancel(ctx), o.session, audit.RequestID(run.id, "aborted"), run.number,
		store.ActorOrchestrator, store.KindTurnAborted,
		map[string]string{"input": run.input},
		map[string]any{"error": cause.Error(), "vetoes": run.vetoes})
	if err != nil {
		o.logger.Error("recording aborted turn", "turn", run.number, "error", err)
	}
	o.logger.Warn("turn aborted", "turn", run.number, "error", cause)
}

func nextBeat(beats []store.Beat, facts map[string]store.Fact) *store.Beat {
	for _, b := range beats {
		if f, ok := facts[b.ResolvedKey()]; ok && store.Truthy(f.Value) {
			continue
		}
		return &b
	}
	return nil
}

func jsonText(raw json.RawMessage) string {
	var v struct {
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &v) != nil {
		return ""
	}
	return v.Text
}
