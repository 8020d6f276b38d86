package ingest

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"storywarden/internal/store"
)

type Severity string

const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warning"
)

const (
	codeDuplicateID     = "duplicate_id"
	codeDanglingEdge    = "dangling_edge"
	codeDanglingPlace   = "dangling_placement"
	codeDanglingStory   = "dangling_story_edge"
	codeUnknownGateFact = "unknown_gate_fact"
	codeBadDuration     = "bad_duration"
	codeInvalidEffect   = "invalid_effect"
	codeNoPlayer        = "no_player"
	codeUnplaced        = "unplaced_entity"
)

type Issue struct {
	Severity Severity
	Code     string
	Message  string
	Record   string
	FilePath string
}

type Report struct {
	Issues []Issue
}

func (r *Report) HasErrors() bool {
	return slices.ContainsFunc(r.Issues, func(i Issue) bool { return i.Severity == SeverityError })
}

func (r *Report) Errors() []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			out = append(out, i)
		}
	}
	return out
}

type linter struct {
	result *Result
	issues []Issue
}

func (l *linter) add(sev Severity, code, kind, id, format string, args ...any) {
	issue := Issue{Severity: sev, Code: code, Message: fmt.Sprintf(format, args...), Record: kind + ":" + id}
	if l.result != nil {
		issue.FilePath = l.result.Source(kind, id)
	}
	l.issues = append(l.issues, issue)
}

// Lint checks a campaign before it is seeded. Duplicate ids and malformed
// effects are errors; references to things that may only exist at play time
// are warnings. result, when non-nil, supplies file paths for the issues.
func Lint(camp store.Campaign, result *Result) *Report {
	l := &linter{result: result}

	locations := map[string]bool{}
	for _, loc := range camp.Locations {
		if locations[loc.ID] {
			l.add(SeverityError, codeDuplicateID, "location", loc.ID, "location %q is defined more than once", loc.ID)
		}
		locations[loc.ID] = true
	}
	edges := map[string]bool{}
	for _, e := range camp.Edges {
		if edges[e.ID] {
			l.add(SeverityError, codeDuplicateID, "edge", e.ID, "edge %q is defined more than once", e.ID)
		}
		edges[e.ID] = true
		for _, end := range []string{e.From, e.To} {
			if !locations[end] {
				l.add(SeverityWarn, codeDanglingEdge, "edge", e.ID, "edge %q points at unknown location %q", e.ID, end)
			}
		}
	}

	entities := map[string]bool{}
	players := 0
	for _, e := range camp.Entities {
		if entities[e.ID] {
			l.add(SeverityError, codeDuplicateID, "character", e.ID, "character %q is defined more than once", e.ID)
		}
		entities[e.ID] = true
		if e.Kind == store.KindPlayer {
			players++
		}
		if _, ok := camp.Placements[e.ID]; !ok {
			l.add(SeverityWarn, codeUnplaced, "character", e.ID, "character %q has no location", e.ID)
		}
	}
	if players == 0 {
		l.add(SeverityWarn, codeNoPlayer, "campaign", camp.Key, "campaign has no player character")
	}
	for _, id := range sortedKeys(camp.Placements) {
		if loc := camp.Placements[id]; !locations[loc] {
			l.add(SeverityError, codeDanglingPlace, "character", id, "character %q is placed at unknown location %q", id, loc)
		}
	}

	facts := map[string]bool{}
	for _, f := range camp.Facts {
		facts[f.Key] = true
	}
	beats := map[string]bool{}
	for _, b := range camp.Beats {
		if beats[b.ID] {
			l.add(SeverityError, codeDuplicateID, "beat", b.ID, "beat %q is defined more than once", b.ID)
		}
		beats[b.ID] = true
	}
	for _, b := range camp.Beats {
		for _, gate := range b.Gates {
			key, _, _ := store.ParseGate(gate)
			if facts[key] || isBeatKey(key, beats) {
				continue
			}
			l.add(SeverityWarn, codeUnknownGateFact, "beat", b.ID, "gate %q of beat %q names a fact no record sets", gate, b.ID)
		}
	}

	rules := map[string]bool{}
	for _, r := range camp.Rules {
		if rules[r.Key] {
			l.add(SeverityError, codeDuplicateID, "rule", r.Key, "rule %q is defined more than once", r.Key)
		}
		rules[r.Key] = true
	}

	spells := map[string]bool{}
	for _, s := range camp.Spells {
		if spells[s.ID] {
			l.add(SeverityError, codeDuplicateID, "spell", s.ID, "spell %q is defined more than once", s.ID)
		}
		spells[s.ID] = true
		if s.Effect == nil {
			continue
		}
		if s.Effect.Duration != "" {
			if d, err := time.ParseDuration(s.Effect.Duration); err != nil || d <= 0 {
				l.add(SeverityError, codeBadDuration, "spell", s.ID, "spell %q has bad effect duration %q", s.ID, s.Effect.Duration)
			}
		}
		if err := s.Effect.Data.Validate(); err != nil {
			l.add(SeverityError, codeInvalidEffect, "spell", s.ID, "spell %q effect: %v", s.ID, err)
		}
	}

	nodes := map[string]bool{}
	for _, n := range camp.StoryNodes {
		if nodes[n.ID] {
			l.add(SeverityError, codeDuplicateID, "story", n.ID, "story node %q is defined more than once", n.ID)
		}
		nodes[n.ID] = true
	}
	for _, e := range camp.StoryEdges {
		if !nodes[e.To] && !entities[e.To] && !locations[e.To] {
			l.add(SeverityWarn, codeDanglingStory, "story", e.From, "story edge %s -%s-> %s points at nothing", e.From, e.Rel, e.To)
		}
	}

	return &Report{Issues: l.issues}
}

func isBeatKey(key string, beats map[string]bool) bool {
	id, ok := strings.CutPrefix(key, "beat.")
	if !ok {
		return false
	}
	id, ok = strings.CutSuffix(id, ".resolved")
	return ok && beats[id]
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
