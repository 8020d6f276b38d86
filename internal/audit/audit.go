// Package audit builds and checks the append-only trace of a session.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"storywarden/internal/store"
)

var (
	ErrNoRequestID = errors.New("audit: request id must not be empty")
	ErrNoSession   = errors.New("audit: session must not be empty")
)

// TurnRecord is the input of a turn.committed or turn.degraded entry. Verify
// reads it back to check the committed action against the recorded mask.
type TurnRecord struct {
	Action       string   `json:"action"`
	Mask         []string `json:"mask"`
	Attempts     int      `json:"attempts"`
	Degraded     bool     `json:"degraded,omitempty"`
	ResolvedBeat string   `json:"resolved_beat,omitempty"`
	FactWrites   int      `json:"fact_writes"`
	PlayerInput  string   `json:"player_input,omitempty"`
}

// RequestID joins a turn id and a role interaction into a stable request id,
// e.g. "<turn>/proposal/1".
func RequestID(turnID, part string, attempt ...int) string {
	id := turnID + "/" + part
	for _, n := range attempt {
		id += "/" + strconv.Itoa(n)
	}
	return id
}

func entry(session, requestID string, turn int, actor store.Actor, kind string, input, output any, at time.Time) (store.AuditEntry, error) {
	if session == "" {
		return store.AuditEntry{}, ErrNoSession
	}
	if requestID == "" {
		return store.AuditEntry{}, ErrNoRequestID
	}
	in, err := json.Marshal(input)
	if err != nil {
		return store.AuditEntry{}, fmt.Errorf("marshaling %s input: %w", kind, err)
	}
	out, err := json.Marshal(output)
	if err != nil {
		return store.AuditEntry{}, fmt.Errorf("marshaling %s output: %w", kind, err)
	}
	return store.AuditEntry{
		RequestID: requestID,
		Timestamp: at.UTC(),
		Session:   session,
		Turn:      turn,
		Actor:     actor,
		Kind:      kind,
		Input:     in,
		Output:    out,
	}, nil
}

// Batch collects the entries of one turn so they can be committed in the same
// transaction as the turn's state change.
type Batch struct {
	session string
	turnID  string
	turn    int
	now     func() time.Time
	entries []store.AuditEntry
}

func NewBatch(session, turnID string, turn int, now func() time.Time) *Batch {
	if now == nil {
		now = time.Now
	}
	return &Batch{session: session, turnID: turnID, turn: turn, now: now}
}

// Add appends one role interaction. part names the interaction within the
// turn and must be unique in it.
func (b *Batch) Add(actor store.Actor, kind, part string, input, output any) error {
	e, err := entry(b.session, RequestID(b.turnID, part), b.turn, actor, kind, input, output, b.now())
	if err != nil {
		return err
	}
	b.entries = append(b.entries, e)
	return nil
}

func (b *Batch) Entries() []store.AuditEntry {
	return append([]store.AuditEntry(nil), b.entries...)
}

func (b *Batch) Len() int {
	return len(b.entries)
}

// Writer appends entries outside of a commit, such as for aborted turns and
// tool calls.
type Writer struct {
	log    store.AuditLog
	now    func() time.Time
	logger *slog.Logger
}

func NewWriter(log store.AuditLog, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{log: log, now: time.Now, logger: logger}
}

// Record appends a single entry. A repeated request id is not an error; it
// reports false.
func (w *Writer) Record(ctx context.Context, session, requestID string, turn int, actor store.Actor, kind string, input, output any) (bool, error) {
	e, err := entry(session, requestID, turn, actor, kind, input, output, w.now())
	if err != nil {
		return false, err
	}
	inserted, err := w.log.AppendAudit(ctx, e)
	if err != nil {
		return false, fmt.Errorf("recording %s: %w", kind, err)
	}
	if !inserted {
		w.logger.Debug("audit entry already recorded", "session", session, "request_id", requestID, "kind", kind)
	}
	return inserted, nil
}
