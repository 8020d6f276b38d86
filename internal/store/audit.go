package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Audit entry kinds written by the stores and the orchestrator.
const (
	KindFactWrite      = "fact.write"
	KindPlayerInput    = "player.input"
	KindProposal       = "planner.proposal"
	KindValidation     = "validator.outcome"
	KindNarration      = "executor.narration"
	KindTurnCommitted  = "turn.committed"
	KindTurnDegraded   = "turn.degraded"
	KindTurnAborted    = "turn.aborted"
	KindBeatResolved   = "beat.resolved"
	KindToolInvocation = "tool.invocation"
)

// FactAuditEntry mirrors a single fact write into an audit entry.
func FactAuditEntry(session, requestID string, turn int, f FactWrite, at time.Time) (AuditEntry, error) {
	input, err := json.Marshal(f)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("marshaling fact write %s: %w", f.Key, err)
	}
	return AuditEntry{
		RequestID: requestID + "/fact/" + f.Key,
		Timestamp: at.UTC(),
		Session:   session,
		Turn:      turn,
		Actor:     ActorOrchestrator,
		Kind:      KindFactWrite,
		Input:     input,
		Output:    json.RawMessage("null"),
	}, nil
}

// CollapseFactWrites keeps only the last write for each key. Each surviving
// write takes the position of the key's first occurrence.
func CollapseFactWrites(facts []FactWrite) []FactWrite {
	index := make(map[string]int, len(facts))
	out := make([]FactWrite, 0, len(facts))
	for _, f := range facts {
		if i, ok := index[f.Key]; ok {
			out[i] = f
			continue
		}
		index[f.Key] = len(out)
		out = append(out, f)
	}
	return out
}
