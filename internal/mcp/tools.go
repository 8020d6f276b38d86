package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"storywarden/internal/audit"
	"storywarden/internal/dice"
	"storywarden/internal/mask"
	"storywarden/internal/rules"
	"storywarden/internal/store"
	"storywarden/internal/validate"
)

type SessionInput struct {
	Session string `json:"session" jsonschema:"session id"`
}

type SessionEntityInput struct {
	Session string `json:"session" jsonschema:"session id"`
	Entity  string `json:"entity" jsonschema:"acting entity id or name"`
}

type GetEntityInput struct {
	Session string `json:"session" jsonschema:"session id"`
	Name    string `json:"name" jsonschema:"entity id or name"`
}

type GetFactsInput struct {
	Session string `json:"session" jsonschema:"session id"`
	Prefix  string `json:"prefix,omitempty" jsonschema:"only keys starting with this prefix"`
}

type ValidateProposalInput struct {
	Session  string            `json:"session" jsonschema:"session id"`
	Entity   string            `json:"entity" jsonschema:"acting entity id"`
	Proposal validate.Proposal `json:"proposal" jsonschema:"candidate action with its claims"`
}

type PlayTurnInput struct {
	Session string `json:"session" jsonschema:"session id"`
	Entity  string `json:"entity" jsonschema:"player entity id"`
	Input   string `json:"input" jsonschema:"what the player says or does"`
}

type RollDiceInput struct {
	Formula   string `json:"formula" jsonschema:"dice formula such as 1d20+3"`
	Policy    string `json:"policy,omitempty" jsonschema:"core, advantage or disadvantage; defaults to the session house rule"`
	Session   string `json:"session,omitempty" jsonschema:"session to record the roll in"`
	RequestID string `json:"request_id,omitempty" jsonschema:"idempotency key for the audit entry"`
}

type FindRouteInput struct {
	Session string `json:"session" jsonschema:"session id"`
	From    string `json:"from,omitempty" jsonschema:"start location; defaults to the entity's location"`
	Entity  string `json:"entity,omitempty" jsonschema:"entity whose location is the start"`
	To      string `json:"to" jsonschema:"destination location"`
}

type GetAuditLogInput struct {
	Session string `json:"session" jsonschema:"session id"`
	Kind    string `json:"kind,omitempty" jsonschema:"entry kind filter such as turn.committed"`
	Turn    int    `json:"turn,omitempty" jsonschema:"turn number filter"`
	Limit   int    `json:"limit,omitempty" jsonschema:"return only the last N entries"`
}

type MaskEntryOutput struct {
	Action        string             `json:"action"`
	Category      string             `json:"category"`
	Target        string             `json:"target,omitempty"`
	Justification mask.Justification `json:"justification"`
}

type MaskOutput struct {
	Session       string            `json:"session"`
	EntityID      string            `json:"entity_id"`
	Location      string            `json:"location"`
	At            string            `json:"at"`
	AC            int               `json:"ac"`
	Incapacitated bool              `json:"incapacitated,omitempty"`
	Actions       []MaskEntryOutput `json:"actions"`
}

type EffectOutput struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	ExpiresAt string         `json:"expires_at,omitempty"`
	Data      map[string]any `json:"data"`
}

type EntityOutput struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Kind        string         `json:"kind"`
	Level       int            `json:"level"`
	Class       string         `json:"class,omitempty"`
	Location    string         `json:"location,omitempty"`
	BaseAC      int            `json:"base_ac"`
	EffectiveAC int            `json:"effective_ac"`
	HP          int            `json:"hp"`
	MaxHP       int            `json:"max_hp"`
	Speed       int            `json:"speed"`
	Resources   map[string]int `json:"resources"`
	Inventory   []store.Item   `json:"inventory"`
	Effects     []EffectOutput `json:"effects"`
	Persona     map[string]any `json:"persona"`
}

type FactOutput struct {
	Key        string  `json:"key"`
	Value      any     `json:"value"`
	Provenance string  `json:"provenance,omitempty"`
	Confidence float64 `json:"confidence"`
	UpdatedAt  string  `json:"updated_at,omitempty"`
}

type GetFactsOutput struct {
	Facts []FactOutput `json:"facts"`
}

type ValidateProposalOutput struct {
	Accepted  bool           `json:"accepted"`
	Veto      *validate.Veto `json:"veto,omitempty"`
	Grounding map[string]any `json:"grounding,omitempty"`
}

type PlayTurnOutput struct {
	Turn         int             `json:"turn"`
	TurnID       string          `json:"turn_id"`
	Action       string          `json:"action"`
	Narration    string          `json:"narration"`
	Degraded     bool            `json:"degraded"`
	Attempts     int             `json:"attempts"`
	Vetoes       []validate.Veto `json:"vetoes,omitempty"`
	Mask         []string        `json:"mask"`
	ResolvedBeat string          `json:"resolved_beat,omitempty"`
	Synopsis     string          `json:"synopsis,omitempty"`
}

type AuditEntryOutput struct {
	ID        int64  `json:"id"`
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
	Turn      int    `json:"turn"`
	Actor     string `json:"actor"`
	Kind      string `json:"kind"`
	Input     any    `json:"input,omitempty"`
	Output    any    `json:"output,omitempty"`
}

type GetAuditLogOutput struct {
	Entries []AuditEntryOutput `json:"entries"`
}

func (s *Server) registerTools() {
	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "get_action_mask",
		Description: "List the actions an entity may legally take right now, each with its justification",
	}, s.handleGetActionMask)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "get_entity",
		Description: "Retrieve an entity with its effective state and active effects",
	}, s.handleGetEntity)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "get_facts",
		Description: "List established facts for a session",
	}, s.handleGetFacts)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "validate_proposal",
		Description: "Check a proposed action against the mask, facts, outline and rules without committing it",
	}, s.handleValidateProposal)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "play_turn",
		Description: "Run one full turn for the player's input and commit it",
	}, s.handlePlayTurn)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "roll_dice",
		Description: "Roll a dice formula under a dice policy",
	}, s.handleRollDice)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "find_route",
		Description: "Find the shortest usable route between two locations",
	}, s.handleFindRoute)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "get_audit_log",
		Description: "Read a session's audit log",
	}, s.handleGetAuditLog)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "verify_audit",
		Description: "Replay a session's audit log and compare it with live state",
	}, s.handleVerifyAudit)
}

func required(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("%s is required", pairs[i])
		}
	}
	return nil
}

func (s *Server) handleGetActionMask(ctx context.Context, req *sdk.CallToolRequest, input SessionEntityInput) (*sdk.CallToolResult, MaskOutput, error) {
	if err := required("session", input.Session, "entity", input.Entity); err != nil {
		return nil, MaskOutput{}, err
	}
	m, err := s.masks.Compute(ctx, input.Session, input.Entity, s.opts.Now())
	if err != nil {
		return nil, MaskOutput{}, err
	}
	return nil, maskOutput(m), nil
}

func (s *Server) handleGetEntity(ctx context.Context, req *sdk.CallToolRequest, input GetEntityInput) (*sdk.CallToolResult, EntityOutput, error) {
	if err := required("session", input.Session, "name", input.Name); err != nil {
		return nil, EntityOutput{}, err
	}
	at := s.opts.Now()
	e, err := s.db.GetEntity(ctx, input.Session, input.Name, at)
	if err != nil {
		return nil, EntityOutput{}, err
	}
	out := entityOutput(e, at)
	if loc, err := s.db.LocationOf(ctx, input.Session, e.ID); err == nil {
		out.Location = loc
	}
	return nil, out, nil
}

func (s *Server) handleGetFacts(ctx context.Context, req *sdk.CallToolRequest, input GetFactsInput) (*sdk.CallToolResult, GetFactsOutput, error) {
	if err := required("session", input.Session); err != nil {
		return nil, GetFactsOutput{}, err
	}
	facts, err := s.db.GetFacts(ctx, input.Session)
	if err != nil {
		return nil, GetFactsOutput{}, err
	}
	keys := make([]string, 0, len(facts))
	for k := range facts {
		if strings.HasPrefix(k, input.Prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	out := GetFactsOutput{Facts: make([]FactOutput, 0, len(keys))}
	for _, k := range keys {
		f := facts[k]
		out.Facts = append(out.Facts, FactOutput{
			Key: f.Key, Value: f.Value, Provenance: f.Provenance, Confidence: f.Confidence, UpdatedAt: timestamp(f.UpdatedAt),
		})
	}
	return nil, out, nil
}

func (s *Server) handleValidateProposal(ctx context.Context, req *sdk.CallToolRequest, input ValidateProposalInput) (*sdk.CallToolResult, ValidateProposalOutput, error) {
	if err := required("session", input.Session, "entity", input.Entity, "proposal.action", input.Proposal.Action); err != nil {
		return nil, ValidateProposalOutput{}, err
	}
	at := s.opts.Now()
	m, err := s.masks.Compute(ctx, input.Session, input.Entity, at)
	if err != nil {
		return nil, ValidateProposalOutput{}, err
	}
	out, err := s.validator.Validate(ctx, input.Session, m, input.Proposal, at)
	if err != nil {
		return nil, ValidateProposalOutput{}, err
	}
	result := ValidateProposalOutput{Accepted: out.Accepted, Veto: out.Veto}
	if out.Grounding != nil {
		if result.Grounding, err = asMap(out.Grounding); err != nil {
			return nil, ValidateProposalOutput{}, err
		}
	}
	return nil, result, nil
}

func (s *Server) handlePlayTurn(ctx context.Context, req *sdk.CallToolRequest, input PlayTurnInput) (*sdk.CallToolResult, PlayTurnOutput, error) {
	if err := required("session", input.Session, "entity", input.Entity); err != nil {
		return nil, PlayTurnOutput{}, err
	}
	o, err := s.table(ctx, input.Session, input.Entity)
	if err != nil {
		return nil, PlayTurnOutput{}, err
	}
	res, err := o.Play(ctx, input.Input)
	if err != nil {
		return nil, PlayTurnOutput{}, err
	}
	return nil, PlayTurnOutput{
		Turn:         res.Turn,
		TurnID:       res.TurnID,
		Action:       res.Action,
		Narration:    res.Narration,
		Degraded:     res.Degraded,
		Attempts:     res.Attempts,
		Vetoes:       res.Vetoes,
		Mask:         res.Mask,
		ResolvedBeat: res.ResolvedBeat,
		Synopsis:     res.Synopsis,
	}, nil
}

func (s *Server) handleRollDice(ctx context.Context, req *sdk.CallToolRequest, input RollDiceInput) (*sdk.CallToolResult, dice.Result, error) {
	if err := required("formula", input.Formula); err != nil {
		return nil, dice.Result{}, err
	}
	policy := input.Policy
	if policy == "" && input.Session != "" {
		sess, err := s.db.GetSession(ctx, input.Session)
		if err != nil {
			return nil, dice.Result{}, err
		}
		if p, ok := s.opts.HouseRules(sess.HouseRules)["dice_policy"].(string); ok {
			policy = p
		}
	}
	res, err := s.opts.Roller.Roll(input.Formula, policy)
	if err != nil {
		return nil, dice.Result{}, err
	}
	if input.Session != "" {
		requestID := input.RequestID
		if requestID == "" {
			requestID = "roll/" + uuid.NewString()
		}
		if _, err := s.writer.Record(ctx, input.Session, requestID, 0, store.ActorTool, store.KindToolInvocation, map[string]any{"tool": "roll_dice", "input": input}, res); err != nil {
			return nil, dice.Result{}, err
		}
	}
	return nil, *res, nil
}

func (s *Server) handleFindRoute(ctx context.Context, req *sdk.CallToolRequest, input FindRouteInput) (*sdk.CallToolResult, mask.Route, error) {
	if err := required("session", input.Session, "to", input.To); err != nil {
		return nil, mask.Route{}, err
	}
	from := input.From
	if from == "" {
		if input.Entity == "" {
			return nil, mask.Route{}, fmt.Errorf("from or entity is required")
		}
		loc, err := s.db.LocationOf(ctx, input.Session, input.Entity)
		if err != nil {
			return nil, mask.Route{}, &mask.ResolutionError{Kind: "entity", ID: input.Entity, Err: err}
		}
		from = loc
	}
	route, err := s.masks.Route(ctx, input.Session, from, input.To)
	if err != nil {
		return nil, mask.Route{}, err
	}
	return nil, *route, nil
}

func (s *Server) handleGetAuditLog(ctx context.Context, req *sdk.CallToolRequest, input GetAuditLogInput) (*sdk.CallToolResult, GetAuditLogOutput, error) {
	if err := required("session", input.Session); err != nil {
		return nil, GetAuditLogOutput{}, err
	}
	entries, err := s.db.ListAudit(ctx, input.Session)
	if err != nil {
		return nil, GetAuditLogOutput{}, err
	}
	entries = slices.DeleteFunc(entries, func(e store.AuditEntry) bool {
		return (input.Kind != "" && e.Kind != input.Kind) || (input.Turn != 0 && e.Turn != input.Turn)
	})
	if input.Limit > 0 && len(entries) > input.Limit {
		entries = entries[len(entries)-input.Limit:]
	}

	out := GetAuditLogOutput{Entries: make([]AuditEntryOutput, 0, len(entries))}
	for _, e := range entries {
		out.Entries = append(out.Entries, AuditEntryOutput{
			ID:        e.ID,
			RequestID: e.RequestID,
			Timestamp: timestamp(e.Timestamp),
			Turn:      e.Turn,
			Actor:     string(e.Actor),
			Kind:      e.Kind,
			Input:     rawValue(e.Input),
			Output:    rawValue(e.Output),
		})
	}
	return nil, out, nil
}

func (s *Server) handleVerifyAudit(ctx context.Context, req *sdk.CallToolRequest, input SessionInput) (*sdk.CallToolResult, audit.Report, error) {
	if err := required("session", input.Session); err != nil {
		return nil, audit.Report{}, err
	}
	report, err := audit.Verify(ctx, s.db, input.Session)
	if err != nil {
		return nil, audit.Report{}, err
	}
	return nil, *report, nil
}

func maskOutput(m *mask.Mask) MaskOutput {
	out := MaskOutput{
		Session:       m.Session,
		EntityID:      m.EntityID,
		Location:      m.Location,
		At:            timestamp(m.At),
		AC:            m.State.AC,
		Incapacitated: m.State.Incapacitated,
		Actions:       make([]MaskEntryOutput, 0, len(m.Entries)),
	}
	for _, action := range m.Actions() {
		e := m.Entries[action]
		out.Actions = append(out.Actions, MaskEntryOutput{
			Action: e.Action, Category: string(e.Category), Target: e.Target, Justification: e.Justification,
		})
	}
	return out
}

func entityOutput(e *store.Entity, at time.Time) EntityOutput {
	out := EntityOutput{
		ID:          e.ID,
		Name:        e.Name,
		Kind:        string(e.Kind),
		Level:       e.Level,
		Class:       e.Class,
		BaseAC:      e.BaseAC,
		EffectiveAC: rules.Effective(e, at).AC,
		HP:          e.HP,
		MaxHP:       e.MaxHP,
		Speed:       e.Speed,
		Resources:   e.Resources,
		Inventory:   append([]store.Item{}, e.Inventory...),
		Effects:     make([]EffectOutput, 0, len(e.Effects)),
	}
	if out.Resources == nil {
		out.Resources = map[string]int{}
	}
	out.Persona, _ = asMap(e.Persona)
	for _, ef := range e.Effects {
		eo := EffectOutput{ID: ef.ID, Source: ef.Source}
		if ef.ExpiresAt != nil {
			eo.ExpiresAt = timestamp(*ef.ExpiresAt)
		}
		eo.Data, _ = asMap(ef.Data)
		out.Effects = append(out.Effects, eo)
	}
	return out
}

func asMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding %T: %w", v, err)
	}
	return out, nil
}

func rawValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
