package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"storywarden/internal/store"
)

// ReplayFacts folds fact.write entries, in log order, into the state a
// last-write-wins store would hold.
func ReplayFacts(entries []store.AuditEntry) (map[string]store.FactWrite, error) {
	state := make(map[string]store.FactWrite)
	for _, e := range entries {
		if e.Kind != store.KindFactWrite {
			continue
		}
		var w store.FactWrite
		if err := json.Unmarshal(e.Input, &w); err != nil {
			return nil, fmt.Errorf("decoding fact write %s: %w", e.RequestID, err)
		}
		state[w.Key] = w
	}
	return state, nil
}

// Checksum is a stable digest of a fact state, for comparing replays.
func Checksum(state map[string]store.FactWrite) string {
	h := sha256.New()
	for _, key := range slices.Sorted(maps.Keys(state)) {
		fmt.Fprintf(h, "%s=%s\n", key, store.ValueString(state[key].Value))
	}
	return hex.EncodeToString(h.Sum(nil))
}

type Discrepancy struct {
	Turn   int    `json:"turn,omitempty"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

type Report struct {
	Session       string        `json:"session"`
	Entries       int           `json:"entries"`
	Turns         int           `json:"turns"`
	Degraded      int           `json:"degraded"`
	Facts         int           `json:"facts"`
	Checksum      string        `json:"checksum"`
	Discrepancies []Discrepancy `json:"discrepancies"`
}

func (r *Report) OK() bool {
	return len(r.Discrepancies) == 0
}

func (r *Report) add(turn int, kind, format string, args ...any) {
	r.Discrepancies = append(r.Discrepancies, Discrepancy{Turn: turn, Kind: kind, Detail: fmt.Sprintf(format, args...)})
}

type Source interface {
	ListAudit(ctx context.Context, session string) ([]store.AuditEntry, error)
	GetFacts(ctx context.Context, session string) (map[string]store.Fact, error)
}

// Verify replays a session's log and checks it against live state: the
// replayed facts must match the stored ones key for key, every committed
// action must appear in the mask recorded with it, and no turn may be marked
// degraded more than once.
func Verify(ctx context.Context, src Source, session string) (*Report, error) {
	entries, err := src.ListAudit(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("listing audit log: %w", err)
	}
	live, err := src.GetFacts(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("reading facts: %w", err)
	}
	replayed, err := ReplayFacts(entries)
	if err != nil {
		return nil, err
	}

	r := &Report{
		Session:       session,
		Entries:       len(entries),
		Facts:         len(replayed),
		Checksum:      Checksum(replayed),
		Discrepancies: []Discrepancy{},
	}

	for _, key := range slices.Sorted(maps.Keys(replayed)) {
		f, ok := live[key]
		if !ok {
			r.add(0, "fact_missing", "%s was written but is not live", key)
			continue
		}
		if got, want := store.ValueString(f.Value), store.ValueString(replayed[key].Value); got != want {
			r.add(0, "fact_mismatch", "%s is %q, replay gives %q", key, got, want)
		}
	}
	for _, key := range slices.Sorted(maps.Keys(live)) {
		if _, ok := replayed[key]; !ok {
			r.add(0, "fact_unaudited", "%s has no audited write", key)
		}
	}

	degraded := map[int]int{}
	for _, e := range entries {
		if e.Kind != store.KindTurnCommitted && e.Kind != store.KindTurnDegraded {
			continue
		}
		var rec TurnRecord
		if err := json.Unmarshal(e.Input, &rec); err != nil {
			r.add(e.Turn, "turn_unreadable", "%s: %v", e.RequestID, err)
			continue
		}
		if e.Kind == store.KindTurnDegraded {
			degraded[e.Turn]++
			r.Degraded++
			continue
		}
		r.Turns++
		if !slices.Contains(rec.Mask, rec.Action) {
			r.add(e.Turn, "action_outside_mask", "committed %q was not in the mask %v", rec.Action, rec.Mask)
		}
	}
	for turn, n := range degraded {
		if n > 1 {
			r.add(turn, "degraded_twice", "turn marked degraded %d times", n)
		}
	}
	slices.SortStableFunc(r.Discrepancies, func(a, b Discrepancy) int { return a.Turn - b.Turn })
	return r, nil
}
