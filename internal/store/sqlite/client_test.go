package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"storywarden/internal/store"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()
	c, err := New(ctx, "sqlite://"+filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { c.Close(ctx) })
	c.now = func() time.Time { return testNow }
	if err := c.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error: %v", err)
	}
	return c
}

func testCampaign() store.Campaign {
	expired := testNow.Add(-time.Minute)
	return store.Campaign{
		Key: "thorns",
		Locations: []store.Location{
			{ID: "tavern", Name: "Tavern", Tags: []string{"indoors"}, State: map[string]any{"lit": true}},
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
				BaseAC: 12, HP: 18, MaxHP: 20, Speed: 30, ProficiencyBonus: 2,
				Abilities: store.Abilities{Str: 10, Dex: 14, Con: 12, Int: 16, Wis: 10, Cha: 8},
				Resources: map[string]int{"slots.1": 2},
				Effects: []store.Effect{
					{ID: "shield", Source: "spell", StartedAt: testNow.Add(-time.Hour), Data: store.EffectData{ACBonus: 2}},
					{ID: "bless", Source: "spell", StartedAt: testNow.Add(-time.Hour), ExpiresAt: &expired, Data: store.EffectData{AttackBonus: 1}},
				},
			},
			{ID: "aldrin", Name: "Aldrin", Kind: store.KindNPC, BaseAC: 10, HP: 8, MaxHP: 8, Speed: 30},
		},
		Placements: map[string]string{"hero": "tavern", "aldrin": "tavern"},
		Beats: []store.Beat{
			{ID: "b1", Seq: 1, Text: "Meet Aldrin"},
			{ID: "b3", Seq: 3, Text: "Open the gate", Gates: []string{"has_key_of_thorns=true"}},
		},
		Rules:      []store.Rule{{Key: "attack", Text: "d20 + bonus", Data: map[string]any{"tolerance.damage": 0.0}}},
		Spells:     []store.Spell{{ID: "magic-missile", Name: "Magic Missile", Level: 1, MinLevel: 1, Classes: []string{"wizard"}, Resource: "slots.1", Cost: 1}},
		Facts:      []store.FactWrite{{Key: "npc.aldrin.alive", Value: true, Provenance: "authored", Confidence: 1}},
		StoryNodes: []store.StoryNode{{ID: "aldrin", Kind: "npc"}, {ID: "hero", Kind: "pc"}},
		StoryEdges: []store.StoryEdge{{From: "aldrin", Rel: "knows", To: "hero"}},
	}
}

func seededClient(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()
	c := newTestClient(t)
	if err := c.CreateSession(ctx, store.Session{ID: "s1", Campaign: "thorns"}); err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	if err := c.SeedCampaign(ctx, "s1", testCampaign()); err != nil {
		t.Fatalf("SeedCampaign() error: %v", err)
	}
	return c
}

func TestSessions(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	if err := c.CreateSession(ctx, store.Session{ID: "s1", Campaign: "thorns", HouseRules: map[string]any{"crits": "max"}}); err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	err := c.CreateSession(ctx, store.Session{ID: "s1", Campaign: "thorns"})
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("duplicate CreateSession() error = %v, want ErrConflict", err)
	}

	s, err := c.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession() error: %v", err)
	}
	if s.Campaign != "thorns" || s.HouseRules["crits"] != "max" {
		t.Errorf("GetSession() = %+v", s)
	}

	if _, err := c.GetSession(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetSession(missing) error = %v, want ErrNotFound", err)
	}

	list, err := c.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions() error: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("ListSessions() returned %d sessions, want 1", len(list))
	}
}

func TestWriteFactsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := seededClient(t)

	writes := []store.FactWrite{{Key: "door.east.unlocked", Value: true, Provenance: "turn-1", Confidence: 0.9}}
	for i := 0; i < 2; i++ {
		if err := c.WriteFacts(ctx, "s1", writes, "req-1"); err != nil {
			t.Fatalf("WriteFacts() error: %v", err)
		}
	}

	facts, err := c.GetFacts(ctx, "s1")
	if err != nil {
		t.Fatalf("GetFacts() error: %v", err)
	}
	if facts["door.east.unlocked"].Value != true {
		t.Errorf("fact value = %v, want true", facts["door.east.unlocked"].Value)
	}

	entries, err := c.ListAudit(ctx, "s1")
	if err != nil {
		t.Fatalf("ListAudit() error: %v", err)
	}
	count := 0
	for _, e := range entries {
		if e.Kind == store.KindFactWrite && e.RequestID == "req-1/fact/door.east.unlocked" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("fact.write entries for req-1 = %d, want 1", count)
	}
}

func TestWriteFactsLastWriteWins(t *testing.T) {
	ctx := context.Background()
	c := seededClient(t)

	if err := c.WriteFacts(ctx, "s1", []store.FactWrite{{Key: "npc.aldrin.alive", Value: false, Confidence: 0.2}}, "req-2"); err != nil {
		t.Fatalf("WriteFacts() error: %v", err)
	}
	facts, err := c.GetFacts(ctx, "s1")
	if err != nil {
		t.Fatalf("GetFacts() error: %v", err)
	}
	if facts["npc.aldrin.alive"].Value != false {
		t.Errorf("fact value = %v, want false", facts["npc.aldrin.alive"].Value)
	}
}

func TestGetEntityDerivesActiveEffects(t *testing.T) {
	ctx := context.Background()
	c := seededClient(t)

	for _, key := range []string{"hero", "Hero", "HERO"} {
		t.Run(key, func(t *testing.T) {
			e, err := c.GetEntity(ctx, "s1", key, testNow)
			if err != nil {
				t.Fatalf("GetEntity() error: %v", err)
			}
			if e.ID != "hero" {
				t.Errorf("ID = %q, want hero", e.ID)
			}
			if len(e.Effects) != 1 || e.Effects[0].ID != "shield" {
				t.Errorf("active effects = %+v, want only shield", e.Effects)
			}
			if e.Abilities.Int != 16 || e.Resources["slots.1"] != 2 {
				t.Errorf("entity sheet not round-tripped: %+v", e)
			}
		})
	}

	if _, err := c.GetEntity(ctx, "s1", "nobody", testNow); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetEntity(nobody) error = %v, want ErrNotFound", err)
	}
}

func TestEffectsAndHP(t *testing.T) {
	ctx := context.Background()
	c := seededClient(t)

	effect := store.Effect{ID: "hidden-1", Source: "stealth", StartedAt: testNow, Data: store.EffectData{Hidden: true}}
	if err := c.ApplyEffect(ctx, "s1", "aldrin", effect, "req-effect"); err != nil {
		t.Fatalf("ApplyEffect() error: %v", err)
	}
	if err := c.ApplyEffect(ctx, "s1", "aldrin", effect, "req-effect"); err != nil {
		t.Fatalf("replayed ApplyEffect() error: %v", err)
	}

	e, err := c.GetEntity(ctx, "s1", "aldrin", testNow)
	if err != nil {
		t.Fatalf("GetEntity() error: %v", err)
	}
	if len(e.Effects) != 1 || !e.Effects[0].Data.Hidden {
		t.Fatalf("effects = %+v, want hidden", e.Effects)
	}

	if err := c.DispelEffect(ctx, "s1", "hidden-1", "req-dispel"); err != nil {
		t.Fatalf("DispelEffect() error: %v", err)
	}
	e, err = c.GetEntity(ctx, "s1", "aldrin", testNow)
	if err != nil {
		t.Fatalf("GetEntity() error: %v", err)
	}
	if len(e.Effects) != 0 {
		t.Errorf("effects after dispel = %+v, want none", e.Effects)
	}

	if err := c.AdjustHP(ctx, "s1", "aldrin", -20, "req-hp"); err != nil {
		t.Fatalf("AdjustHP() error: %v", err)
	}
	e, _ = c.GetEntity(ctx, "s1", "aldrin", testNow)
	if e.HP != 0 {
		t.Errorf("HP = %d, want clamped to 0", e.HP)
	}

	bad := store.Effect{ID: "bad", Source: "x", StartedAt: testNow, Data: store.EffectData{ACBonus: 99}}
	if err := c.ApplyEffect(ctx, "s1", "aldrin", bad, "req-bad"); err == nil {
		t.Error("ApplyEffect() with out-of-range ac_bonus succeeded, want error")
	}
}

func TestWorldGraph(t *testing.T) {
	ctx := context.Background()
	c := seededClient(t)

	loc, err := c.GetLocation(ctx, "s1", "tavern")
	if err != nil {
		t.Fatalf("GetLocation() error: %v", err)
	}
	if loc.State["lit"] != true {
		t.Errorf("location state = %v", loc.State)
	}

	edges, err := c.GetEdges(ctx, "s1", "tavern")
	if err != nil {
		t.Fatalf("GetEdges() error: %v", err)
	}
	if len(edges) != 1 || edges[0].To != "road" {
		t.Errorf("GetEdges() = %+v", edges)
	}

	occupants, err := c.GetOccupants(ctx, "s1", "tavern")
	if err != nil {
		t.Fatalf("GetOccupants() error: %v", err)
	}
	if len(occupants) != 2 {
		t.Errorf("GetOccupants() = %v, want 2 occupants", occupants)
	}

	if err := c.MoveEntity(ctx, "s1", "hero", "road", "req-move"); err != nil {
		t.Fatalf("MoveEntity() error: %v", err)
	}
	where, err := c.LocationOf(ctx, "s1", "hero")
	if err != nil {
		t.Fatalf("LocationOf() error: %v", err)
	}
	if where != "road" {
		t.Errorf("LocationOf() = %q, want road", where)
	}

	if err := c.MoveEntity(ctx, "s1", "hero", "nowhere", "req-move-2"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("MoveEntity(nowhere) error = %v, want ErrNotFound", err)
	}
}

func TestCommitAtomicAndIdempotent(t *testing.T) {
	ctx := context.Background()
	c := seededClient(t)

	synopsis := "Aldrin was met."
	commit := store.Commit{
		Session:         "s1",
		RequestID:       "turn-1/commit",
		Turn:            1,
		Facts:           []store.FactWrite{{Key: store.BeatResolvedKey("b1"), Value: true, Confidence: 1}},
		Moves:           []store.Move{{EntityID: "hero", LocationID: "road"}},
		HPChanges:       []store.HPChange{{EntityID: "hero", Delta: 5}},
		ResourceChanges: []store.ResourceChange{{EntityID: "hero", Resource: "slots.1", Delta: -1}},
		Synopsis:        &synopsis,
		Audit: []store.AuditEntry{
			{RequestID: "turn-1/proposal/0", Session: "s1", Turn: 1, Actor: store.ActorPlanner, Kind: store.KindProposal},
		},
	}
	for i := 0; i < 2; i++ {
		if err := c.Commit(ctx, commit); err != nil {
			t.Fatalf("Commit() #%d error: %v", i, err)
		}
	}

	hero, err := c.GetEntity(ctx, "s1", "hero", testNow)
	if err != nil {
		t.Fatalf("GetEntity() error: %v", err)
	}
	if hero.HP != 20 {
		t.Errorf("HP = %d, want 20 (clamped, applied once)", hero.HP)
	}
	if hero.Resources["slots.1"] != 1 {
		t.Errorf("slots.1 = %d, want 1 (applied once)", hero.Resources["slots.1"])
	}
	s, _ := c.GetSession(ctx, "s1")
	if s.Synopsis != synopsis {
		t.Errorf("synopsis = %q", s.Synopsis)
	}

	failing := store.Commit{
		Session:   "s1",
		RequestID: "turn-2/commit",
		Turn:      2,
		Facts:     []store.FactWrite{{Key: "partial", Value: true, Confidence: 1}},
		Moves:     []store.Move{{EntityID: "hero", LocationID: "nowhere"}},
	}
	if err := c.Commit(ctx, failing); err == nil {
		t.Fatal("Commit() with unknown location succeeded, want error")
	}
	facts, _ := c.GetFacts(ctx, "s1")
	if _, ok := facts["partial"]; ok {
		t.Error("failed commit left a partial fact behind")
	}
	if err := c.Commit(ctx, store.Commit{Session: "s1", RequestID: "turn-2/commit", Turn: 2}); err != nil {
		t.Errorf("retry after rolled back commit error: %v", err)
	}
}

func TestSessionIsolation(t *testing.T) {
	ctx := context.Background()
	c := seededClient(t)
	if err := c.CreateSession(ctx, store.Session{ID: "s2", Campaign: "thorns"}); err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	facts, err := c.GetFacts(ctx, "s2")
	if err != nil {
		t.Fatalf("GetFacts() error: %v", err)
	}
	if len(facts) != 0 {
		t.Errorf("session s2 sees %d facts from s1", len(facts))
	}
}

func TestRequestIDsScopedPerSession(t *testing.T) {
	ctx := context.Background()
	c := seededClient(t)
	if err := c.CreateSession(ctx, store.Session{ID: "s2", Campaign: "thorns"}); err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}

	for _, session := range []string{"s1", "s2"} {
		writes := []store.FactWrite{{Key: "door.open", Value: session, Confidence: 1}}
		if err := c.WriteFacts(ctx, session, writes, "req-1"); err != nil {
			t.Fatalf("WriteFacts(%s) error: %v", session, err)
		}
	}
	for _, session := range []string{"s1", "s2"} {
		facts, err := c.GetFacts(ctx, session)
		if err != nil {
			t.Fatalf("GetFacts(%s) error: %v", session, err)
		}
		if got := facts["door.open"].Value; got != session {
			t.Errorf("%s door.open = %v, want %s", session, got, session)
		}
		entries, err := c.ListAudit(ctx, session)
		if err != nil {
			t.Fatalf("ListAudit(%s) error: %v", session, err)
		}
		found := false
		for _, e := range entries {
			found = found || e.RequestID == "req-1/fact/door.open"
		}
		if !found {
			t.Errorf("%s audit log missing req-1/fact/door.open", session)
		}
	}

	entry := store.AuditEntry{RequestID: "abort-1", Actor: store.ActorOrchestrator, Kind: store.KindTurnAborted}
	for _, session := range []string{"s1", "s2"} {
		entry.Session = session
		inserted, err := c.AppendAudit(ctx, entry)
		if err != nil || !inserted {
			t.Errorf("AppendAudit(%s) = %v, %v; want true, nil", session, inserted, err)
		}
	}
}

func TestWriteFactsDuplicateKeyLastWins(t *testing.T) {
	ctx := context.Background()
	c := seededClient(t)

	writes := []store.FactWrite{
		{Key: "gate", Value: "a", Confidence: 1},
		{Key: "gate", Value: "b", Confidence: 1},
	}
	if err := c.WriteFacts(ctx, "s1", writes, "req-dup"); err != nil {
		t.Fatalf("WriteFacts() error: %v", err)
	}

	facts, err := c.GetFacts(ctx, "s1")
	if err != nil {
		t.Fatalf("GetFacts() error: %v", err)
	}
	if got := facts["gate"].Value; got != "b" {
		t.Errorf("live gate = %v, want b", got)
	}

	entries, err := c.ListAudit(ctx, "s1")
	if err != nil {
		t.Fatalf("ListAudit() error: %v", err)
	}
	var mirrored []any
	for _, e := range entries {
		if e.Kind != store.KindFactWrite || e.RequestID != "req-dup/fact/gate" {
			continue
		}
		var w store.FactWrite
		if err := json.Unmarshal(e.Input, &w); err != nil {
			t.Fatalf("decoding audit input: %v", err)
		}
		mirrored = append(mirrored, w.Value)
	}
	if len(mirrored) != 1 || mirrored[0] != "b" {
		t.Errorf("audit mirror of gate = %v, want [b]", mirrored)
	}
}

func TestAppendAuditDedup(t *testing.T) {
	ctx := context.Background()
	c := seededClient(t)

	entry := store.AuditEntry{RequestID: "abort-1", Session: "s1", Actor: store.ActorOrchestrator, Kind: store.KindTurnAborted}
	inserted, err := c.AppendAudit(ctx, entry)
	if err != nil || !inserted {
		t.Fatalf("AppendAudit() = %v, %v; want true, nil", inserted, err)
	}
	inserted, err = c.AppendAudit(ctx, entry)
	if err != nil || inserted {
		t.Errorf("duplicate AppendAudit() = %v, %v; want false, nil", inserted, err)
	}

	entry.RequestID = "bad-actor"
	entry.Actor = "narrator"
	if _, err := c.AppendAudit(ctx, entry); err == nil {
		t.Error("AppendAudit() with unknown actor succeeded, want error")
	}
}

func TestRulesAndSpells(t *testing.T) {
	ctx := context.Background()
	c := seededClient(t)

	r, err := c.LookupRule(ctx, "s1", "attack")
	if err != nil {
		t.Fatalf("LookupRule() error: %v", err)
	}
	if r.Text != "d20 + bonus" {
		t.Errorf("rule text = %q", r.Text)
	}
	if _, err := c.LookupRule(ctx, "s1", "grapple"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("LookupRule(grapple) error = %v, want ErrNotFound", err)
	}

	spells, err := c.ListSpells(ctx, "s1")
	if err != nil {
		t.Fatalf("ListSpells() error: %v", err)
	}
	if len(spells) != 1 || spells[0].Classes[0] != "wizard" || spells[0].Effect != nil {
		t.Errorf("ListSpells() = %+v", spells)
	}

	beats, err := c.ListBeats(ctx, "s1")
	if err != nil {
		t.Fatalf("ListBeats() error: %v", err)
	}
	if len(beats) != 2 || beats[1].Gates[0] != "has_key_of_thorns=true" {
		t.Errorf("ListBeats() = %+v", beats)
	}
}
