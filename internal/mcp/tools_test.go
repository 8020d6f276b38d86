package mcp

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"storywarden/internal/dice"
	"storywarden/internal/ingest"
	"storywarden/internal/mask"
	"storywarden/internal/store"
	"storywarden/internal/store/sqlite"
	"storywarden/internal/turn"
	"storywarden/internal/validate"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// sequence returns die faces in order, zero-based, repeating the last one.
func sequence(faces ...int) func(int) int {
	i := 0
	return func(int) int {
		v := faces[min(i, len(faces)-1)]
		i++
		return v
	}
}

func newServer(t *testing.T, houseRules map[string]any) (*Server, *sqlite.Client) {
	t.Helper()
	ctx := context.Background()

	result, err := ingest.Load(filepath.Join("..", "ingest", "testdata", "thorns"))
	if err != nil {
		t.Fatalf("ingest.Load() error: %v", err)
	}
	db, err := sqlite.New(ctx, "sqlite://"+filepath.Join(t.TempDir(), "mcp.db"))
	if err != nil {
		t.Fatalf("sqlite.New() error: %v", err)
	}
	t.Cleanup(func() { db.Close(ctx) })
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error: %v", err)
	}
	if err := ingest.Seed(ctx, db, "s1", result.Campaign, houseRules); err != nil {
		t.Fatalf("Seed() error: %v", err)
	}

	server := NewServer(db, Options{
		Version:    "test",
		TurnConfig: turn.Config{MaxRetries: 1, PlannerTimeout: time.Second, ExecutorTimeout: time.Second},
		Roller:     dice.Roller{Intn: sequence(4, 14)},
		Now:        func() time.Time { return now },
	})
	return server, db
}

func TestGetActionMask(t *testing.T) {
	server, _ := newServer(t, nil)

	_, out, err := server.handleGetActionMask(context.Background(), nil, SessionEntityInput{Session: "s1", Entity: "hero"})
	if err != nil {
		t.Fatalf("handleGetActionMask() error: %v", err)
	}
	if out.EntityID != "hero" || out.Location != "tavern" || out.AC != 12 {
		t.Errorf("output = %+v", out)
	}

	actions := map[string]MaskEntryOutput{}
	for _, a := range out.Actions {
		actions[a.Action] = a
	}
	for _, want := range []string{mask.PauseAction, "travel:tavern-road", "interact:aldrin", "interact:hearth", "cast:shield"} {
		if _, ok := actions[want]; !ok {
			t.Errorf("mask is missing %s: %+v", want, out.Actions)
		}
	}
	if _, ok := actions["travel:tavern-cellar"]; ok {
		t.Error("secret edge is in the mask before cellar.found is set")
	}
	if j := actions["travel:tavern-road"].Justification; j.Edge != "tavern-road" || j.Destination != "road" {
		t.Errorf("travel justification = %+v", j)
	}
	if j := actions["cast:shield"].Justification; j.Resource != "slots.1" || j.Remaining != 2 {
		t.Errorf("cast justification = %+v", j)
	}
}

func TestGetActionMask_Errors(t *testing.T) {
	server, _ := newServer(t, nil)

	tests := []struct {
		name  string
		input SessionEntityInput
	}{
		{"missing session", SessionEntityInput{Entity: "hero"}},
		{"missing entity", SessionEntityInput{Session: "s1"}},
		{"unknown entity", SessionEntityInput{Session: "s1", Entity: "nobody"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := server.handleGetActionMask(context.Background(), nil, tt.input); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestGetEntity(t *testing.T) {
	server, _ := newServer(t, nil)

	_, out, err := server.handleGetEntity(context.Background(), nil, GetEntityInput{Session: "s1", Name: "Aldrin the Ferryman"})
	if err != nil {
		t.Fatalf("handleGetEntity() error: %v", err)
	}
	if out.ID != "aldrin" || out.Kind != string(store.KindNPC) || out.Location != "tavern" {
		t.Errorf("output = %+v", out)
	}
	if out.Persona["voice"] != "gravelly and slow" {
		t.Errorf("persona = %v", out.Persona)
	}

	if _, _, err := server.handleGetEntity(context.Background(), nil, GetEntityInput{Session: "s1", Name: "Missing"}); err == nil {
		t.Fatal("expected error for unknown entity")
	}
}

func TestGetFacts(t *testing.T) {
	server, _ := newServer(t, nil)

	_, out, err := server.handleGetFacts(context.Background(), nil, GetFactsInput{Session: "s1"})
	if err != nil {
		t.Fatalf("handleGetFacts() error: %v", err)
	}
	keys := make([]string, 0, len(out.Facts))
	for _, f := range out.Facts {
		keys = append(keys, f.Key)
	}
	if !slices.IsSorted(keys) || !slices.Contains(keys, "npc.aldrin.alive") || !slices.Contains(keys, "weather") {
		t.Errorf("keys = %v", keys)
	}

	_, out, err = server.handleGetFacts(context.Background(), nil, GetFactsInput{Session: "s1", Prefix: "npc."})
	if err != nil {
		t.Fatalf("handleGetFacts() error: %v", err)
	}
	if len(out.Facts) != 1 || out.Facts[0].Value != false || out.Facts[0].Confidence != 1 {
		t.Errorf("npc facts = %+v", out.Facts)
	}
}

func TestValidateProposal(t *testing.T) {
	server, db := newServer(t, nil)
	before, err := db.ListAudit(context.Background(), "s1")
	if err != nil {
		t.Fatalf("ListAudit() error: %v", err)
	}

	tests := []struct {
		name     string
		proposal validate.Proposal
		accepted bool
		veto     validate.VetoKind
	}{
		{"legal travel", validate.Proposal{Action: "travel:tavern-road"}, true, ""},
		{"edge not here", validate.Proposal{Action: "travel:road-quarry"}, false, validate.IllegalAction},
		{"talk to the dead", validate.Proposal{Action: "interact:aldrin", Targets: []string{"aldrin"}}, false, validate.FactContradiction},
		{"ungated beat", validate.Proposal{Action: mask.PauseAction, ResolvesBeat: "b2"}, false, validate.UngatedBeat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, out, err := server.handleValidateProposal(context.Background(), nil, ValidateProposalInput{
				Session: "s1", Entity: "hero", Proposal: tt.proposal,
			})
			if err != nil {
				t.Fatalf("handleValidateProposal() error: %v", err)
			}
			if out.Accepted != tt.accepted {
				t.Fatalf("Accepted = %v, veto = %+v", out.Accepted, out.Veto)
			}
			if tt.accepted {
				if out.Grounding == nil || out.Veto != nil {
					t.Errorf("output = %+v", out)
				}
				return
			}
			if out.Veto == nil || out.Veto.Kind != tt.veto {
				t.Errorf("veto = %+v, want %s", out.Veto, tt.veto)
			}
		})
	}

	entries, err := db.ListAudit(context.Background(), "s1")
	if err != nil {
		t.Fatalf("ListAudit() error: %v", err)
	}
	if len(entries) != len(before) {
		t.Errorf("validation wrote %d audit entries", len(entries)-len(before))
	}
}

func TestPlayTurn(t *testing.T) {
	server, db := newServer(t, nil)
	ctx := context.Background()

	_, out, err := server.handlePlayTurn(ctx, nil, PlayTurnInput{Session: "s1", Entity: "hero", Input: "go road"})
	if err != nil {
		t.Fatalf("handlePlayTurn() error: %v", err)
	}
	if out.Turn != 1 || out.Action != "travel:tavern-road" || out.Degraded || out.Narration == "" {
		t.Errorf("output = %+v", out)
	}
	if loc, _ := db.LocationOf(ctx, "s1", "hero"); loc != "road" {
		t.Errorf("hero is at %q, want road", loc)
	}

	_, out, err = server.handlePlayTurn(ctx, nil, PlayTurnInput{Session: "s1", Entity: "hero", Input: "wait"})
	if err != nil {
		t.Fatalf("handlePlayTurn() error: %v", err)
	}
	if out.Turn != 2 {
		t.Errorf("second turn = %d, want 2", out.Turn)
	}

	_, log, err := server.handleGetAuditLog(ctx, nil, GetAuditLogInput{Session: "s1", Kind: store.KindTurnCommitted})
	if err != nil {
		t.Fatalf("handleGetAuditLog() error: %v", err)
	}
	if len(log.Entries) != 2 || log.Entries[0].Turn != 1 || log.Entries[0].Timestamp == "" {
		t.Errorf("committed entries = %+v", log.Entries)
	}

	_, log, err = server.handleGetAuditLog(ctx, nil, GetAuditLogInput{Session: "s1", Limit: 1})
	if err != nil {
		t.Fatalf("handleGetAuditLog() error: %v", err)
	}
	if len(log.Entries) != 1 || log.Entries[0].Turn != 2 {
		t.Errorf("last entry = %+v", log.Entries)
	}

	_, report, err := server.handleVerifyAudit(ctx, nil, SessionInput{Session: "s1"})
	if err != nil {
		t.Fatalf("handleVerifyAudit() error: %v", err)
	}
	if report.Turns != 2 || len(report.Discrepancies) != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestRollDice(t *testing.T) {
	t.Run("explicit policy", func(t *testing.T) {
		server, _ := newServer(t, nil)
		_, out, err := server.handleRollDice(context.Background(), nil, RollDiceInput{Formula: "1d20+3", Policy: "advantage"})
		if err != nil {
			t.Fatalf("handleRollDice() error: %v", err)
		}
		if out.Total != 18 || out.Policy != dice.PolicyAdvantage {
			t.Errorf("output = %+v", out)
		}
	})

	t.Run("session house rule", func(t *testing.T) {
		server, db := newServer(t, map[string]any{"dice_policy": "disadvantage"})
		input := RollDiceInput{Formula: "1d20+3", Session: "s1", RequestID: "roll-1"}
		_, out, err := server.handleRollDice(context.Background(), nil, input)
		if err != nil {
			t.Fatalf("handleRollDice() error: %v", err)
		}
		if out.Total != 8 || out.Policy != dice.PolicyDisadvantage {
			t.Errorf("output = %+v", out)
		}
		if _, _, err := server.handleRollDice(context.Background(), nil, input); err != nil {
			t.Fatalf("repeated handleRollDice() error: %v", err)
		}

		entries, _ := db.ListAudit(context.Background(), "s1")
		n := 0
		for _, e := range entries {
			if e.Kind == store.KindToolInvocation && e.Actor == store.ActorTool {
				n++
			}
		}
		if n != 1 {
			t.Errorf("tool.invocation entries = %d, want 1", n)
		}
	})

	t.Run("bad formula", func(t *testing.T) {
		server, _ := newServer(t, nil)
		if _, _, err := server.handleRollDice(context.Background(), nil, RollDiceInput{Formula: "lots"}); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestFindRoute(t *testing.T) {
	server, _ := newServer(t, nil)

	_, out, err := server.handleFindRoute(context.Background(), nil, FindRouteInput{Session: "s1", Entity: "hero", To: "quarry"})
	if err != nil {
		t.Fatalf("handleFindRoute() error: %v", err)
	}
	if !out.OK || !slices.Equal(out.Path, []string{"tavern", "road", "quarry"}) || out.Distance != 2 || out.Cost != 3 {
		t.Errorf("route = %+v", out)
	}

	_, out, err = server.handleFindRoute(context.Background(), nil, FindRouteInput{Session: "s1", From: "tavern", To: "cellar"})
	if err == nil && out.OK {
		t.Errorf("route to cellar found while its edge is locked: %+v", out)
	}

	if _, _, err := server.handleFindRoute(context.Background(), nil, FindRouteInput{Session: "s1", To: "road"}); err == nil {
		t.Error("expected error without from or entity")
	}
}
