package turn

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"storywarden/internal/audit"
	"storywarden/internal/mask"
	"storywarden/internal/model"
	"storywarden/internal/rules"
	"storywarden/internal/store"
	"storywarden/internal/store/sqlite"
	"storywarden/internal/validate"
)

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func campaign() store.Campaign {
	return store.Campaign{
		Key: "thorns",
		Locations: []store.Location{
			{ID: "tavern", Name: "Tavern", Objects: []string{"hearth"}},
			{ID: "road", Name: "North Road"},
			{ID: "quarry", Name: "Quarry"},
		},
		Edges: []store.Edge{
			{ID: "tavern-road", From: "tavern", To: "road", Kind: store.EdgeRoad, Cost: 1},
			{ID: "road-quarry", From: "road", To: "quarry", Kind: store.EdgeRoad, Cost: 2},
		},
		Entities: []store.Entity{
			{
				ID: "hero", Name: "Hero", Kind: store.KindPlayer, Level: 3, Class: "wizard",
				BaseAC: 12, HP: 20, MaxHP: 20, Speed: 30, ProficiencyBonus: 2,
				Abilities: store.Abilities{Str: 16, Dex: 14, Con: 12, Int: 16, Wis: 10, Cha: 8},
				Resources: map[string]int{"slots.1": 2},
			},
			{ID: "aldrin", Name: "Aldrin", Kind: store.KindNPC, BaseAC: 10, HP: 8, MaxHP: 8, Speed: 30},
			{ID: "goblin", Name: "Goblin", Kind: store.KindCreature, BaseAC: 13, HP: 7, MaxHP: 7, Speed: 30},
		},
		Placements: map[string]string{"hero": "tavern", "aldrin": "tavern", "goblin": "tavern"},
		Beats: []store.Beat{
			{ID: "b1", Seq: 1, Text: "The party gathers at the tavern."},
			{ID: "b3", Seq: 3, Text: "The thorn gate opens.", Gates: []string{"has_key_of_thorns=true"}},
		},
		Spells: []store.Spell{{
			ID: "shield", Name: "Shield", Level: 1, MinLevel: 1, Classes: []string{"wizard"}, Resource: "slots.1", Cost: 1,
			Effect: &store.EffectTemplate{Duration: "1m", Data: store.EffectData{ACBonus: 5}},
		}},
		Facts: []store.FactWrite{{Key: "npc.aldrin.alive", Value: false, Provenance: "authored", Confidence: 1}},
	}
}

func newStore(t *testing.T) *sqlite.Client {
	t.Helper()
	ctx := context.Background()
	c, err := sqlite.New(ctx, "sqlite://"+filepath.Join(t.TempDir(), "turn.db"))
	if err != nil {
		t.Fatalf("sqlite.New() error: %v", err)
	}
	t.Cleanup(func() { c.Close(ctx) })
	if err := c.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error: %v", err)
	}
	if err := c.CreateSession(ctx, store.Session{ID: "s1", Campaign: "thorns"}); err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	if err := c.SeedCampaign(ctx, "s1", campaign()); err != nil {
		t.Fatalf("SeedCampaign() error: %v", err)
	}
	return c
}

type recorder struct {
	transitions []string
}

func (r *recorder) hook(from, to State) {
	r.transitions = append(r.transitions, string(from)+">"+string(to))
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("turn-%d", n)
	}
}

func open(t *testing.T, st Store, planner model.Planner, executor model.Executor, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return now }), WithTurnIDs(sequentialIDs())}, opts...)
	o, err := Open(context.Background(), st, planner, executor, "s1", "hero", cfg, opts...)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	return o
}

func countKind(t *testing.T, st store.AuditLog, kind string) int {
	t.Helper()
	entries, err := st.ListAudit(context.Background(), "s1")
	if err != nil {
		t.Fatalf("ListAudit() error: %v", err)
	}
	n := 0
	for _, e := range entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func verifyLog(t *testing.T, st *sqlite.Client) {
	t.Helper()
	r, err := audit.Verify(context.Background(), st, "s1")
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if !r.OK() {
		t.Errorf("audit discrepancies: %+v", r.Discrepancies)
	}
}

func TestPlayTravel(t *testing.T) {
	st := newStore(t)
	rec := &recorder{}
	o := open(t, st, model.CommandPlanner{}, model.TemplateNarrator{}, DefaultConfig(), WithTransitionHook(rec.hook))

	res, err := o.Play(context.Background(), "go road")
	if err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if res.Action != "travel:tavern-road" || res.Degraded || res.Attempts != 1 {
		t.Errorf("result = %+v", res)
	}
	if res.Narration != "Hero sets out along tavern-road toward road." {
		t.Errorf("Narration = %q", res.Narration)
	}

	loc, err := st.LocationOf(context.Background(), "s1", "hero")
	if err != nil || loc != "road" {
		t.Errorf("LocationOf(hero) = %q, %v, want road", loc, err)
	}

	want := []string{
		"AwaitingProposal>Validating",
		"Validating>Accepted",
		"Accepted>Narrating",
		"Narrating>Committing",
		"Committing>AwaitingProposal",
	}
	if !slices.Equal(rec.transitions, want) {
		t.Errorf("transitions = %v\nwant %v", rec.transitions, want)
	}
	if o.Turn() != 1 || o.State() != AwaitingProposal {
		t.Errorf("Turn() = %d, State() = %s", o.Turn(), o.State())
	}
	for kind, want := range map[string]int{
		store.KindPlayerInput:   1,
		store.KindProposal:      1,
		store.KindValidation:    1,
		store.KindNarration:     1,
		store.KindTurnCommitted: 1,
		store.KindTurnDegraded:  0,
	} {
		if got := countKind(t, st, kind); got != want {
			t.Errorf("%s entries = %d, want %d", kind, got, want)
		}
	}
	verifyLog(t, st)
}

func TestPlayDegradesAfterRetries(t *testing.T) {
	tests := []struct {
		name  string
		input string
		veto  validate.VetoKind
	}{
		{name: "travel to unconnected quarry", input: "go quarry", veto: validate.IllegalAction},
		{name: "dead npc speaks", input: "talk to aldrin", veto: validate.FactContradiction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newStore(t)
			rec := &recorder{}
			o := open(t, st, model.CommandPlanner{}, model.TemplateNarrator{}, DefaultConfig(), WithTransitionHook(rec.hook))

			res, err := o.Play(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("Play() error: %v", err)
			}
			if !res.Degraded || res.Action != mask.PauseAction {
				t.Fatalf("result = %+v, want degraded pause", res)
			}
			if res.Attempts != DefaultMaxRetries+1 || len(res.Vetoes) != DefaultMaxRetries+1 {
				t.Errorf("Attempts = %d, vetoes = %d", res.Attempts, len(res.Vetoes))
			}
			for _, v := range res.Vetoes {
				if v.Kind != tt.veto {
					t.Errorf("veto kind = %s, want %s", v.Kind, tt.veto)
				}
			}
			if !strings.HasPrefix(res.Narration, "The DM describes a pause.") {
				t.Errorf("Narration = %q", res.Narration)
			}
			if got := countKind(t, st, store.KindTurnDegraded); got != 1 {
				t.Errorf("degraded entries = %d, want exactly 1", got)
			}
			if got := countKind(t, st, store.KindValidation); got != DefaultMaxRetries+1 {
				t.Errorf("validation entries = %d", got)
			}
			if slices.Contains(rec.transitions, "Accepted>Narrating") {
				t.Errorf("degraded turn should not reach Narrating: %v", rec.transitions)
			}
			if last := rec.transitions[len(rec.transitions)-2]; last != "Vetoed>Committing" {
				t.Errorf("fallback transition = %s, want Vetoed>Committing", last)
			}

			loc, _ := st.LocationOf(context.Background(), "s1", "hero")
			if loc != "tavern" {
				t.Errorf("hero moved to %s on a degraded turn", loc)
			}
			verifyLog(t, st)
		})
	}
}

func TestPlayRetryCorrects(t *testing.T) {
	st := newStore(t)
	o := open(t, st, model.CommandPlanner{}, model.TemplateNarrator{}, DefaultConfig())

	res, err := o.Play(context.Background(), "wait; claim npc.aldrin.alive=true@1; claim hearth.lit=true")
	if err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if res.Degraded || res.Attempts != 2 || len(res.Vetoes) != 1 || res.Vetoes[0].Kind != validate.FactContradiction {
		t.Fatalf("result = %+v", res)
	}
	facts, _ := st.GetFacts(context.Background(), "s1")
	if facts["npc.aldrin.alive"].Value != false {
		t.Error("vetoed claim was written")
	}
	if facts["hearth.lit"].Value != true || facts["hearth.lit"].Provenance != "player" {
		t.Errorf("hearth.lit = %+v", facts["hearth.lit"])
	}
	verifyLog(t, st)
}

func TestPlayPlannerTimeout(t *testing.T) {
	st := newStore(t)
	calls := 0
	slow := model.PlannerFunc(func(ctx context.Context, in model.PlannerContext) (validate.Proposal, error) {
		calls++
		<-ctx.Done()
		return validate.Proposal{}, ctx.Err()
	})
	cfg := Config{MaxRetries: 1, PlannerTimeout: 10 * time.Millisecond}
	o := open(t, st, slow, model.TemplateNarrator{}, cfg)

	res, err := o.Play(context.Background(), "go road")
	if err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if calls != 2 {
		t.Errorf("planner calls = %d, want 2", calls)
	}
	if !res.Degraded || len(res.Vetoes) != 2 || res.Vetoes[0].Kind != validate.ModelTimeout {
		t.Errorf("result = %+v", res)
	}
}

func TestPlayVetoReasonsReachPlanner(t *testing.T) {
	st := newStore(t)
	script := model.NewScripted(model.Script{
		Planner: []model.Step{
			{Proposal: validate.Proposal{Action: "travel:tavern-quarry"}},
			{Proposal: validate.Proposal{Action: "travel:tavern-road"}},
		},
		Executor: []model.Step{{Text: "You take the road north."}},
	})
	o := open(t, st, script, script, DefaultConfig())

	res, err := o.Play(context.Background(), "head for the quarry")
	if err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if res.Action != "travel:tavern-road" || res.Narration != "You take the road north." {
		t.Errorf("result = %+v", res)
	}
	if len(script.PlannerCalls) != 2 {
		t.Fatalf("planner calls = %d", len(script.PlannerCalls))
	}
	second := script.PlannerCalls[1]
	if v := second.LastVeto(); v == nil || v.Kind != validate.IllegalAction {
		t.Errorf("second attempt vetoes = %+v", second.Vetoes)
	}
	if second.NextBeat == nil || second.NextBeat.ID != "b1" {
		t.Errorf("NextBeat = %+v", second.NextBeat)
	}
	if second.Mask == nil {
		t.Fatal("planner context has no mask")
	}
	if _, ok := second.Mask.Has(mask.PauseAction); !ok {
		t.Errorf("planner context mask = %v", second.Mask.Actions())
	}
}

func TestPlayExecutorFallbackAndDiscardedClaims(t *testing.T) {
	t.Run("executor error", func(t *testing.T) {
		st := newStore(t)
		failing := model.ExecutorFunc(func(ctx context.Context, in model.NarrationContext) (model.Narration, error) {
			return model.Narration{}, errors.New("model unavailable")
		})
		o := open(t, st, model.CommandPlanner{}, failing, DefaultConfig())
		res, err := o.Play(context.Background(), "go road")
		if err != nil {
			t.Fatalf("Play() error: %v", err)
		}
		if !res.FallbackNarrated || res.Degraded || res.Narration == "" {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("executor claims", func(t *testing.T) {
		st := newStore(t)
		chatty := model.ExecutorFunc(func(ctx context.Context, in model.NarrationContext) (model.Narration, error) {
			return model.Narration{
				Text:   "Rain begins to fall.",
				Claims: []validate.Claim{{Key: "weather", Value: "rain", Confidence: 1}},
			}, nil
		})
		o := open(t, st, model.CommandPlanner{}, chatty, DefaultConfig())
		res, err := o.Play(context.Background(), "wait")
		if err != nil {
			t.Fatalf("Play() error: %v", err)
		}
		if res.Discarded != 1 {
			t.Errorf("Discarded = %d, want 1", res.Discarded)
		}
		facts, _ := st.GetFacts(context.Background(), "s1")
		if _, ok := facts["weather"]; ok {
			t.Error("executor claim was written")
		}
	})
}

func TestPlayExecutorTimeout(t *testing.T) {
	st := newStore(t)
	blocking := model.ExecutorFunc(func(ctx context.Context, in model.NarrationContext) (model.Narration, error) {
		<-ctx.Done()
		return model.Narration{}, ctx.Err()
	})
	cfg := DefaultConfig()
	cfg.ExecutorTimeout = 10 * time.Millisecond
	o := open(t, st, model.CommandPlanner{}, blocking, cfg)

	res, err := o.Play(context.Background(), "go road")
	if err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if !res.FallbackNarrated || res.Degraded || res.Narration == "" {
		t.Errorf("result = %+v", res)
	}
	if got := countKind(t, st, store.KindTurnCommitted); got != 1 {
		t.Errorf("committed entries = %d, want 1", got)
	}
	loc, _ := st.LocationOf(context.Background(), "s1", "hero")
	if loc != "road" {
		t.Errorf("hero at %s, want road", loc)
	}
	verifyLog(t, st)
}

func TestPlayResolvesBeat(t *testing.T) {
	st := newStore(t)
	o := open(t, st, model.CommandPlanner{}, model.TemplateNarrator{}, DefaultConfig())
	ctx := context.Background()

	res, err := o.Play(ctx, "wait; resolve b1")
	if err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if res.ResolvedBeat != "b1" {
		t.Fatalf("ResolvedBeat = %q", res.ResolvedBeat)
	}
	wantSynopsis := "So far: The party gathers at the tavern. Next: The thorn gate opens."
	if res.Synopsis != wantSynopsis {
		t.Errorf("Synopsis = %q", res.Synopsis)
	}
	s, _ := st.GetSession(ctx, "s1")
	if s.Synopsis != wantSynopsis {
		t.Errorf("stored synopsis = %q", s.Synopsis)
	}
	facts, _ := st.GetFacts(ctx, "s1")
	if facts["beat.b1.resolved"].Value != true {
		t.Error("beat.b1.resolved not written")
	}

	res, err = o.Play(ctx, "wait; resolve b3")
	if err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if res.ResolvedBeat != "" || len(res.Vetoes) != 1 || res.Vetoes[0].Kind != validate.UngatedBeat {
		t.Errorf("ungated resolve result = %+v", res)
	}
	if got := countKind(t, st, store.KindBeatResolved); got != 1 {
		t.Errorf("beat.resolved entries = %d, want 1", got)
	}
	verifyLog(t, st)
}

func TestPlayCastAndAttack(t *testing.T) {
	st := newStore(t)
	o := open(t, st, model.CommandPlanner{}, model.TemplateNarrator{}, DefaultConfig())
	ctx := context.Background()

	if _, err := o.Play(ctx, "cast shield; number spell_cost 1"); err != nil {
		t.Fatalf("cast Play() error: %v", err)
	}
	hero, err := st.GetEntity(ctx, "s1", "hero", now)
	if err != nil {
		t.Fatalf("GetEntity() error: %v", err)
	}
	if hero.Resources["slots.1"] != 1 {
		t.Errorf("slots.1 = %d, want 1", hero.Resources["slots.1"])
	}
	if ac := rules.Effective(hero, now).AC; ac != 17 {
		t.Errorf("effective AC = %d, want 17", ac)
	}
	if ac := rules.Effective(hero, now.Add(2*time.Minute)).AC; ac != 12 {
		t.Errorf("effective AC after expiry = %d, want 12", ac)
	}

	res, err := o.Play(ctx, "attack goblin; number damage 8 roll 5 ability str")
	if err != nil {
		t.Fatalf("attack Play() error: %v", err)
	}
	if res.Degraded {
		t.Fatalf("attack degraded: %+v", res.Vetoes)
	}
	goblin, _ := st.GetEntity(ctx, "s1", "goblin", now)
	if goblin.HP != 0 {
		t.Errorf("goblin HP = %d, want 0", goblin.HP)
	}
	verifyLog(t, st)
}

type flakyStore struct {
	*sqlite.Client
	failures int
	calls    []string
}

func (f *flakyStore) Commit(ctx context.Context, c store.Commit) error {
	f.calls = append(f.calls, c.RequestID)
	if len(f.calls) <= f.failures {
		return fmt.Errorf("disk full: %w", store.ErrConflict)
	}
	return f.Client.Commit(ctx, c)
}

func TestPlayCommitRetry(t *testing.T) {
	t.Run("second attempt succeeds", func(t *testing.T) {
		st := &flakyStore{Client: newStore(t), failures: 1}
		o := open(t, st, model.CommandPlanner{}, model.TemplateNarrator{}, DefaultConfig())
		if _, err := o.Play(context.Background(), "go road"); err != nil {
			t.Fatalf("Play() error: %v", err)
		}
		if len(st.calls) != 2 || st.calls[0] != st.calls[1] {
			t.Errorf("commit calls = %v, want two with the same request id", st.calls)
		}
	})

	t.Run("second failure ends session", func(t *testing.T) {
		st := &flakyStore{Client: newStore(t), failures: 2}
		o := open(t, st, model.CommandPlanner{}, model.TemplateNarrator{}, DefaultConfig())

		_, err := o.Play(context.Background(), "go road")
		var ce *CommitError
		if !errors.As(err, &ce) {
			t.Fatalf("Play() error = %v, want CommitError", err)
		}
		if !errors.Is(err, store.ErrConflict) || ce.RequestID != "turn-1/commit" {
			t.Errorf("CommitError = %+v", ce)
		}
		if o.State() != SessionEnded {
			t.Errorf("State() = %s, want SessionEnded", o.State())
		}
		if _, err := o.Play(context.Background(), "wait"); !errors.Is(err, ErrSessionEnded) {
			t.Errorf("Play() after failure error = %v, want ErrSessionEnded", err)
		}
		loc, _ := st.LocationOf(context.Background(), "s1", "hero")
		if loc != "tavern" {
			t.Errorf("hero at %s after failed commit", loc)
		}
	})
}

func TestPlayCancelledBetweenStates(t *testing.T) {
	st := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	planner := model.PlannerFunc(func(_ context.Context, in model.PlannerContext) (validate.Proposal, error) {
		cancel()
		return validate.Proposal{Action: "travel:tavern-road"}, nil
	})
	o := open(t, st, planner, model.TemplateNarrator{}, DefaultConfig())

	if _, err := o.Play(ctx, "go road"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Play() error = %v, want context.Canceled", err)
	}
	if o.State() != AwaitingProposal || o.Turn() != 0 {
		t.Errorf("State() = %s, Turn() = %d", o.State(), o.Turn())
	}
	if got := countKind(t, st, store.KindTurnAborted); got != 1 {
		t.Errorf("aborted entries = %d, want 1", got)
	}
	if got := countKind(t, st, store.KindTurnCommitted); got != 0 {
		t.Errorf("committed entries = %d, want 0", got)
	}
	loc, _ := st.LocationOf(context.Background(), "s1", "hero")
	if loc != "tavern" {
		t.Errorf("hero at %s after cancelled turn", loc)
	}
}

// displacedStore loses the location of an entity once displaced is set.
type displacedStore struct {
	*sqlite.Client
	displaced string
}

func (d *displacedStore) LocationOf(ctx context.Context, session, entityID string) (string, error) {
	if entityID == d.displaced {
		return "", store.ErrNotFound
	}
	return d.Client.LocationOf(ctx, session, entityID)
}

func TestPlayAbortsWhenEntityLosesLocation(t *testing.T) {
	st := &displacedStore{Client: newStore(t)}
	o := open(t, st, model.CommandPlanner{}, model.TemplateNarrator{}, DefaultConfig())
	ctx := context.Background()

	if _, err := o.Play(ctx, "wait"); err != nil {
		t.Fatalf("first Play() error: %v", err)
	}
	st.displaced = "hero"

	_, err := o.Play(ctx, "go road")
	var re *mask.ResolutionError
	if !errors.As(err, &re) {
		t.Fatalf("Play() error = %v, want ResolutionError", err)
	}
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Play() error = %v, want wrapped ErrNotFound", err)
	}
	if got := countKind(t, st, store.KindTurnAborted); got != 1 {
		t.Errorf("aborted entries = %d, want 1", got)
	}
	if got := countKind(t, st, store.KindTurnCommitted); got != 1 {
		t.Errorf("committed entries = %d, want 1", got)
	}
	if o.Turn() != 1 || o.State() != AwaitingProposal {
		t.Errorf("Turn() = %d, State() = %s", o.Turn(), o.State())
	}
}

func TestOpenByDisplayName(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	o, err := Open(ctx, st, model.CommandPlanner{}, model.TemplateNarrator{}, "s1", "Hero", DefaultConfig(),
		WithClock(func() time.Time { return now }), WithTurnIDs(sequentialIDs()))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	if _, err := o.Play(ctx, "go road"); err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	loc, err := st.LocationOf(ctx, "s1", "hero")
	if err != nil || loc != "road" {
		t.Errorf("LocationOf(hero) = %q, %v, want road", loc, err)
	}
	occupants, err := st.GetOccupants(ctx, "s1", "road")
	if err != nil {
		t.Fatalf("GetOccupants() error: %v", err)
	}
	if !slices.Equal(occupants, []string{"hero"}) {
		t.Errorf("road occupants = %v, want [hero]", occupants)
	}
	if _, err := st.LocationOf(ctx, "s1", "Hero"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("LocationOf(Hero) error = %v, want ErrNotFound", err)
	}
}

func TestOpenAndEnd(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	if _, err := Open(ctx, st, model.CommandPlanner{}, model.TemplateNarrator{}, "s1", "ghost", DefaultConfig()); err == nil {
		t.Error("Open() for unknown entity succeeded")
	} else {
		var re *mask.ResolutionError
		if !errors.As(err, &re) {
			t.Errorf("Open() error = %v, want ResolutionError", err)
		}
	}
	if _, err := Open(ctx, st, model.CommandPlanner{}, model.TemplateNarrator{}, "nope", "hero", DefaultConfig()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Open() for unknown session error = %v", err)
	}

	o := open(t, st, model.CommandPlanner{}, model.TemplateNarrator{}, DefaultConfig())
	for _, input := range []string{"go road", "wait"} {
		if _, err := o.Play(ctx, input); err != nil {
			t.Fatalf("Play(%q) error: %v", input, err)
		}
	}

	script := model.NewScripted(model.Script{Planner: []model.Step{{Proposal: validate.Proposal{Action: "pause"}}}, Executor: []model.Step{{Text: "Quiet."}}})
	resumed := open(t, st, script, script, DefaultConfig(), WithTurnIDs(func() string { return "resumed-1" }))
	if resumed.Turn() != 2 {
		t.Errorf("resumed Turn() = %d, want 2", resumed.Turn())
	}
	res, err := resumed.Play(ctx, "listen")
	if err != nil {
		t.Fatalf("resumed Play() error: %v", err)
	}
	if res.Turn != 3 {
		t.Errorf("resumed turn number = %d, want 3", res.Turn)
	}
	if h := script.PlannerCalls[0].History; len(h) != 4 || h[0] != "Player: go road" {
		t.Errorf("recovered history = %v", h)
	}

	rec := &recorder{}
	resumed.hook = rec.hook
	resumed.End()
	if _, err := resumed.Play(ctx, "wait"); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("Play() after End() error = %v", err)
	}
	if !slices.Equal(rec.transitions, []string{"AwaitingProposal>SessionEnded"}) {
		t.Errorf("transitions = %v", rec.transitions)
	}
}

func TestSynopsis(t *testing.T) {
	beats := []store.Beat{{ID: "a", Text: "One."}, {ID: "b", Text: "Two."}}
	facts := map[string]store.Fact{"beat.a.resolved": {Value: true}}

	if got := Synopsis(beats, nil, ""); got != "Next: One." {
		t.Errorf("Synopsis() = %q", got)
	}
	if got := Synopsis(beats, facts, "b"); got != "So far: One. Two. The outline is complete." {
		t.Errorf("Synopsis() = %q", got)
	}
}
