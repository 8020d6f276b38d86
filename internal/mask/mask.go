package mask

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"storywarden/internal/rules"
	"storywarden/internal/store"
)

type Category string

const (
	Travel   Category = "travel"
	Attack   Category = "attack"
	Interact Category = "interact"
	Cast     Category = "cast"
	Use      Category = "use"
	Pause    Category = "pause"
)

// PauseAction is always legal and doubles as the fallback action.
const PauseAction = "pause"

// ActionKey builds the mask key for a category and target.
func ActionKey(c Category, target string) string {
	if c == Pause || target == "" {
		return string(c)
	}
	return string(c) + ":" + target
}

// SplitAction is the inverse of ActionKey.
func SplitAction(action string) (Category, string) {
	c, target, _ := strings.Cut(action, ":")
	return Category(c), target
}

// Justification is the minimal evidence the validator needs for an entry.
type Justification struct {
	Edge        string `json:"edge,omitempty"`
	Destination string `json:"destination,omitempty"`
	EdgeKind    string `json:"edge_kind,omitempty"`
	Cost        int    `json:"cost,omitempty"`
	UnlockedBy  string `json:"unlocked_by,omitempty"`
	Location    string `json:"location,omitempty"`
	Resource    string `json:"resource,omitempty"`
	Remaining   int    `json:"remaining,omitempty"`
	Spend       int    `json:"spend,omitempty"`
}

type Entry struct {
	Action        string        `json:"action"`
	Category      Category      `json:"category"`
	Target        string        `json:"target,omitempty"`
	Justification Justification `json:"justification"`
}

// Mask is the set of legal actions for one entity at one instant. It is
// computed per turn and never stored.
type Mask struct {
	Session  string           `json:"session"`
	EntityID string           `json:"entity_id"`
	Location string           `json:"location"`
	At       time.Time        `json:"at"`
	State    rules.State      `json:"state"`
	Entries  map[string]Entry `json:"entries"`
}

func (m *Mask) Has(action string) (Entry, bool) {
	e, ok := m.Entries[action]
	return e, ok
}

// Actions returns the legal action keys in sorted order.
func (m *Mask) Actions() []string {
	out := make([]string, 0, len(m.Entries))
	for k := range m.Entries {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func (m *Mask) add(e Entry) {
	m.Entries[e.Action] = e
}

// ResolutionError means the frame for a turn could not be established.
type ResolutionError struct {
	Kind string
	ID   string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving %s %s: %v", e.Kind, e.ID, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

type World interface {
	GetLocation(ctx context.Context, session, id string) (*store.Location, error)
	GetEdges(ctx context.Context, session, fromID string) ([]store.Edge, error)
	GetOccupants(ctx context.Context, session, locationID string) ([]string, error)
	LocationOf(ctx context.Context, session, entityID string) (string, error)
}

type Entities interface {
	GetEntity(ctx context.Context, session, nameOrID string, at time.Time) (*store.Entity, error)
}

type Spells interface {
	ListSpells(ctx context.Context, session string) ([]store.Spell, error)
}

type Facts interface {
	GetFacts(ctx context.Context, session string) (map[string]store.Fact, error)
}

type Engine struct {
	world    World
	entities Entities
	spells   Spells
	facts    Facts
}

func NewEngine(world World, entities Entities, spells Spells, facts Facts) *Engine {
	return &Engine{world: world, entities: entities, spells: spells, facts: facts}
}

// Compute builds the mask for entityID at its current location.
func (e *Engine) Compute(ctx context.Context, session, entityID string, at time.Time) (*Mask, error) {
	self, err := e.entities.GetEntity(ctx, session, entityID, at)
	if err != nil {
		return nil, &ResolutionError{Kind: "entity", ID: entityID, Err: err}
	}
	locationID, err := e.world.LocationOf(ctx, session, self.ID)
	if err != nil {
		return nil, &ResolutionError{Kind: "location of", ID: self.ID, Err: err}
	}
	return e.ComputeAt(ctx, session, self, locationID, at)
}

// ComputeAt builds the mask for an already resolved entity at locationID.
func (e *Engine) ComputeAt(ctx context.Context, session string, self *store.Entity, locationID string, at time.Time) (*Mask, error) {
	loc, err := e.world.GetLocation(ctx, session, locationID)
	if err != nil {
		return nil, &ResolutionError{Kind: "location", ID: locationID, Err: err}
	}
	facts, err := e.facts.GetFacts(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("reading facts: %w", err)
	}

	m := &Mask{
		Session:  session,
		EntityID: self.ID,
		Location: loc.ID,
		At:       at,
		State:    rules.Effective(self, at),
		Entries:  make(map[string]Entry),
	}
	m.add(Entry{Action: PauseAction, Category: Pause, Justification: Justification{Location: loc.ID}})

	if m.State.Speed > 0 {
		if err := e.addTravel(ctx, m, session, loc.ID, facts); err != nil {
			return nil, err
		}
	}
	if err := e.addOccupants(ctx, m, session, loc, at); err != nil {
		return nil, err
	}
	if !m.State.Incapacitated {
		if err := e.addSpells(ctx, m, session, self); err != nil {
			return nil, err
		}
		addItems(m, self)
	}
	return m, nil
}

func (e *Engine) addTravel(ctx context.Context, m *Mask, session, from string, facts map[string]store.Fact) error {
	edges, err := e.world.GetEdges(ctx, session, from)
	if err != nil {
		return fmt.Errorf("reading edges from %s: %w", from, err)
	}
	for _, edge := range edges {
		if !usable(edge, facts) {
			continue
		}
		m.add(Entry{
			Action:   ActionKey(Travel, edge.ID),
			Category: Travel,
			Target:   edge.ID,
			Justification: Justification{
				Edge:        edge.ID,
				Destination: edge.To,
				EdgeKind:    string(edge.Kind),
				Cost:        edge.Cost,
				UnlockedBy:  edge.Requires,
				Location:    from,
			},
		})
	}
	return nil
}

func usable(edge store.Edge, facts map[string]store.Fact) bool {
	if edge.Requires == "" {
		return true
	}
	return store.GateSatisfied(edge.Requires, facts)
}

func (e *Engine) addOccupants(ctx context.Context, m *Mask, session string, loc *store.Location, at time.Time) error {
	occupants, err := e.world.GetOccupants(ctx, session, loc.ID)
	if err != nil {
		return fmt.Errorf("reading occupants of %s: %w", loc.ID, err)
	}
	for _, id := range occupants {
		if id == m.EntityID {
			continue
		}
		other, err := e.entities.GetEntity(ctx, session, id, at)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return &ResolutionError{Kind: "occupant", ID: id, Err: err}
			}
			return fmt.Errorf("reading occupant %s: %w", id, err)
		}
		if rules.Effective(other, at).Hidden {
			continue
		}
		just := Justification{Location: loc.ID}
		m.add(Entry{Action: ActionKey(Interact, id), Category: Interact, Target: id, Justification: just})
		if !m.State.Incapacitated {
			m.add(Entry{Action: ActionKey(Attack, id), Category: Attack, Target: id, Justification: just})
		}
	}
	for _, obj := range loc.Objects {
		m.add(Entry{Action: ActionKey(Interact, obj), Category: Interact, Target: obj, Justification: Justification{Location: loc.ID}})
	}
	return nil
}

func (e *Engine) addSpells(ctx context.Context, m *Mask, session string, self *store.Entity) error {
	spells, err := e.spells.ListSpells(ctx, session)
	if err != nil {
		return fmt.Errorf("reading spells: %w", err)
	}
	for _, sp := range spells {
		if !eligible(self, sp) {
			continue
		}
		just := Justification{Resource: sp.Resource, Spend: sp.Cost}
		if sp.Resource != "" {
			just.Remaining = self.Resources[sp.Resource]
		}
		m.add(Entry{Action: ActionKey(Cast, sp.ID), Category: Cast, Target: sp.ID, Justification: just})
	}
	return nil
}

func eligible(self *store.Entity, sp store.Spell) bool {
	if self.Level < sp.MinLevel {
		return false
	}
	if len(sp.Classes) > 0 && !slices.ContainsFunc(sp.Classes, func(c string) bool {
		return strings.EqualFold(c, self.Class)
	}) {
		return false
	}
	if sp.Resource != "" && self.Resources[sp.Resource] < sp.Cost {
		return false
	}
	return true
}

func addItems(m *Mask, self *store.Entity) {
	for _, item := range self.Inventory {
		var just Justification
		switch {
		case item.Charges > 0:
			just = Justification{Resource: "item." + item.Name + ".charges", Remaining: item.Charges, Spend: 1}
		case item.Type == "consumable" && item.Qty > 0:
			just = Justification{Resource: "item." + item.Name + ".qty", Remaining: item.Qty, Spend: 1}
		case item.Equipped && item.Type != "consumable":
			just = Justification{Resource: "item." + item.Name}
		default:
			continue
		}
		m.add(Entry{Action: ActionKey(Use, item.Name), Category: Use, Target: item.Name, Justification: just})
	}
}
