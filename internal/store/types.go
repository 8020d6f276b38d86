package store

import (
	"encoding/json"
	"time"
)

type Session struct {
	ID         string
	Campaign   string
	HouseRules map[string]any
	Synopsis   string
	CreatedAt  time.Time
}

type Fact struct {
	Session    string    `json:"session,omitempty"`
	Key        string    `json:"key"`
	Value      any       `json:"value"`
	Provenance string    `json:"provenance,omitempty"`
	Confidence float64   `json:"confidence"`
	UpdatedAt  time.Time `json:"updated_at,omitzero"`
}

type FactWrite struct {
	Key        string  `json:"key"`
	Value      any     `json:"value"`
	Provenance string  `json:"provenance,omitempty"`
	Confidence float64 `json:"confidence"`
}

type FactPolicy string

const (
	FactPolicyLastWriteWins FactPolicy = "last_write_wins"
	FactPolicyMonotonic     FactPolicy = "monotonic"
)

type Beat struct {
	ID    string   `json:"id"`
	Seq   int      `json:"seq"`
	Text  string   `json:"text"`
	Gates []string `json:"gates"`
}

// ResolvedKey is the fact key that marks a beat as resolved.
func (b Beat) ResolvedKey() string {
	return BeatResolvedKey(b.ID)
}

func BeatResolvedKey(id string) string {
	return "beat." + id + ".resolved"
}

type EntityKind string

const (
	KindPlayer   EntityKind = "player"
	KindNPC      EntityKind = "npc"
	KindCreature EntityKind = "creature"
)

type Abilities struct {
	Str int `json:"str" yaml:"str"`
	Dex int `json:"dex" yaml:"dex"`
	Con int `json:"con" yaml:"con"`
	Int int `json:"int" yaml:"int"`
	Wis int `json:"wis" yaml:"wis"`
	Cha int `json:"cha" yaml:"cha"`
}

// Score returns the ability score for a short name such as "dex".
func (a Abilities) Score(name string) (int, bool) {
	switch name {
	case "str":
		return a.Str, true
	case "dex":
		return a.Dex, true
	case "con":
		return a.Con, true
	case "int":
		return a.Int, true
	case "wis":
		return a.Wis, true
	case "cha":
		return a.Cha, true
	}
	return 0, false
}

type Skill struct {
	Name string `json:"skill"`
	Rank int    `json:"rank"`
}

type Item struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"`
	Qty      int    `json:"qty" yaml:"qty"`
	Equipped bool   `json:"equipped" yaml:"equipped"`
	Charges  int    `json:"charges" yaml:"charges"`
}

type Entity struct {
	ID               string
	Session          string
	Name             string
	Kind             EntityKind
	Level            int
	Class            string
	Race             string
	BaseAC           int
	HP               int
	MaxHP            int
	Speed            int
	ProficiencyBonus int
	Persona          Persona
	Abilities        Abilities
	Skills           []Skill
	Effects          []Effect
	Inventory        []Item
	Resources        map[string]int
}

type Effect struct {
	ID        string
	EntityID  string
	Source    string
	StartedAt time.Time
	ExpiresAt *time.Time
	Data      EffectData
}

// Active reports whether the effect applies at the given instant.
func (e Effect) Active(at time.Time) bool {
	if at.Before(e.StartedAt) {
		return false
	}
	return e.ExpiresAt == nil || e.ExpiresAt.After(at)
}

type Location struct {
	ID          string
	Name        string
	Description string
	Tags        []string
	Objects     []string
	State       map[string]any
}

type EdgeKind string

const (
	EdgeRoad   EdgeKind = "road"
	EdgeSecret EdgeKind = "secret"
	EdgePortal EdgeKind = "portal"
)

type Edge struct {
	ID       string
	From     string
	To       string
	Kind     EdgeKind
	Cost     int
	Requires string
}

type StoryNode struct {
	ID   string
	Kind string
	Text string
}

type StoryEdge struct {
	From string
	Rel  string
	To   string
}

type Rule struct {
	Key  string
	Text string
	Data map[string]any
}

type EffectTemplate struct {
	Source   string     `json:"source" yaml:"source"`
	Duration string     `json:"duration,omitempty" yaml:"duration"`
	Data     EffectData `json:"data" yaml:"data"`
}

type Spell struct {
	ID       string
	Name     string
	Level    int
	MinLevel int
	Classes  []string
	Resource string
	Cost     int
	Effect   *EffectTemplate
}

type Actor string

const (
	ActorPlayer       Actor = "player"
	ActorPlanner      Actor = "planner"
	ActorValidator    Actor = "validator"
	ActorExecutor     Actor = "executor"
	ActorOrchestrator Actor = "orchestrator"
	ActorTool         Actor = "tool"
)

type AuditEntry struct {
	ID        int64
	RequestID string
	Timestamp time.Time
	Session   string
	Turn      int
	Actor     Actor
	Kind      string
	Input     json.RawMessage
	Output    json.RawMessage
}

type Move struct {
	EntityID   string
	LocationID string
}

type EffectWrite struct {
	EntityID string
	Effect   Effect
}

type HPChange struct {
	EntityID string
	Delta    int
}

type ResourceChange struct {
	EntityID string
	Resource string
	Delta    int
}

// Commit is one turn's state change. Stores apply it all-or-nothing and treat a
// repeated RequestID as already applied.
type Commit struct {
	Session         string
	RequestID       string
	Turn            int
	FactPolicy      FactPolicy
	Facts           []FactWrite
	Moves           []Move
	Effects         []EffectWrite
	Dispels         []string
	HPChanges       []HPChange
	ResourceChanges []ResourceChange
	Synopsis        *string
	Audit           []AuditEntry
}

// Campaign is the authored material used to seed a session.
type Campaign struct {
	Key         string
	Locations   []Location
	Edges       []Edge
	Entities    []Entity
	Placements  map[string]string
	Beats       []Beat
	Rules       []Rule
	Spells      []Spell
	Facts       []FactWrite
	StoryNodes  []StoryNode
	StoryEdges  []StoryEdge
	StartEntity string
}
