package ingest

import (
	"fmt"
	"strings"

	"storywarden/internal/parser"
	"storywarden/internal/store"
)

type exitDoc struct {
	ID       string `yaml:"id"`
	To       string `yaml:"to"`
	Kind     string `yaml:"kind"`
	Cost     int    `yaml:"cost"`
	Requires string `yaml:"requires"`
	TwoWay   bool   `yaml:"two_way"`
}

type locationDoc struct {
	Objects []string       `yaml:"objects"`
	State   map[string]any `yaml:"state"`
	Exits   []exitDoc      `yaml:"exits"`
}

type skillDoc struct {
	Skill string `yaml:"skill"`
	Rank  int    `yaml:"rank"`
}

type characterDoc struct {
	Kind        string          `yaml:"kind"`
	Location    string          `yaml:"location"`
	Start       bool            `yaml:"start"`
	Alive       *bool           `yaml:"alive"`
	Level       int             `yaml:"level"`
	Class       string          `yaml:"class"`
	Race        string          `yaml:"race"`
	AC          int             `yaml:"ac"`
	HP          int             `yaml:"hp"`
	MaxHP       int             `yaml:"max_hp"`
	Speed       int             `yaml:"speed"`
	Proficiency int             `yaml:"proficiency"`
	Abilities   store.Abilities `yaml:"abilities"`
	Skills      []skillDoc      `yaml:"skills"`
	Inventory   []store.Item    `yaml:"inventory"`
	Resources   map[string]int  `yaml:"resources"`
	Persona     map[string]any  `yaml:"persona"`
}

type beatDoc struct {
	Seq   int      `yaml:"seq"`
	Gates []string `yaml:"gates"`
}

type ruleDoc struct {
	Key  string         `yaml:"key"`
	Data map[string]any `yaml:"data"`
}

type spellDoc struct {
	Level    int                   `yaml:"level"`
	MinLevel int                   `yaml:"min_level"`
	Classes  []string              `yaml:"classes"`
	Resource string                `yaml:"resource"`
	Cost     int                   `yaml:"cost"`
	Effect   *store.EffectTemplate `yaml:"effect"`
}

type factDoc struct {
	Key        string   `yaml:"key"`
	Value      any      `yaml:"value"`
	Confidence *float64 `yaml:"confidence"`
	Provenance string   `yaml:"provenance"`
}

type storyEdgeDoc struct {
	Rel string `yaml:"rel"`
	To  string `yaml:"to"`
}

type storyDoc struct {
	Kind  string         `yaml:"kind"`
	Edges []storyEdgeDoc `yaml:"edges"`
}

// builder accumulates records into a campaign in file order.
type builder struct {
	camp    store.Campaign
	sources map[string]string
}

func newBuilder(key string) *builder {
	return &builder{
		camp:    store.Campaign{Key: key, Placements: map[string]string{}},
		sources: map[string]string{},
	}
}

func (b *builder) note(kind, id, path string) {
	k := kind + ":" + id
	if _, ok := b.sources[k]; !ok {
		b.sources[k] = path
	}
}

func (b *builder) add(doc *parser.Document) error {
	switch doc.Type {
	case parser.TypeLocation:
		return b.addLocation(doc)
	case parser.TypeCharacter:
		return b.addCharacter(doc)
	case parser.TypeBeat:
		var d beatDoc
		if err := doc.Decode(&d); err != nil {
			return err
		}
		b.camp.Beats = append(b.camp.Beats, store.Beat{ID: doc.ID, Seq: d.Seq, Text: textOr(doc), Gates: d.Gates})
	case parser.TypeRule:
		var d ruleDoc
		if err := doc.Decode(&d); err != nil {
			return err
		}
		key := d.Key
		if key == "" {
			key = doc.ID
		}
		b.camp.Rules = append(b.camp.Rules, store.Rule{Key: key, Text: doc.Body, Data: d.Data})
		b.note("rule", key, doc.SourceFile)
		return nil
	case parser.TypeSpell:
		var d spellDoc
		if err := doc.Decode(&d); err != nil {
			return err
		}
		b.camp.Spells = append(b.camp.Spells, store.Spell{
			ID: doc.ID, Name: doc.Title, Level: d.Level, MinLevel: d.MinLevel,
			Classes: d.Classes, Resource: d.Resource, Cost: d.Cost, Effect: d.Effect,
		})
	case parser.TypeFact:
		var d factDoc
		if err := doc.Decode(&d); err != nil {
			return err
		}
		key := d.Key
		if key == "" {
			key = doc.ID
		}
		b.camp.Facts = append(b.camp.Facts, authored(key, d.Value, d.Confidence, d.Provenance))
		b.note("fact", key, doc.SourceFile)
		return nil
	case parser.TypeStory:
		var d storyDoc
		if err := doc.Decode(&d); err != nil {
			return err
		}
		b.camp.StoryNodes = append(b.camp.StoryNodes, store.StoryNode{ID: doc.ID, Kind: d.Kind, Text: textOr(doc)})
		for _, e := range d.Edges {
			b.camp.StoryEdges = append(b.camp.StoryEdges, store.StoryEdge{From: doc.ID, Rel: e.Rel, To: e.To})
		}
	}
	b.note(doc.Type, doc.ID, doc.SourceFile)
	return nil
}

func (b *builder) addLocation(doc *parser.Document) error {
	var d locationDoc
	if err := doc.Decode(&d); err != nil {
		return err
	}
	b.camp.Locations = append(b.camp.Locations, store.Location{
		ID: doc.ID, Name: doc.Title, Description: doc.Body, Tags: doc.Tags, Objects: d.Objects, State: d.State,
	})
	b.note(parser.TypeLocation, doc.ID, doc.SourceFile)

	for _, x := range d.Exits {
		if x.To == "" {
			return fmt.Errorf("location %s: exit without destination", doc.ID)
		}
		kind := store.EdgeKind(strings.ToLower(x.Kind))
		if kind == "" {
			kind = store.EdgeRoad
		}
		cost := max(x.Cost, 1)
		id := x.ID
		if id == "" {
			id = doc.ID + "-" + x.To
		}
		b.camp.Edges = append(b.camp.Edges, store.Edge{ID: id, From: doc.ID, To: x.To, Kind: kind, Cost: cost, Requires: x.Requires})
		b.note("edge", id, doc.SourceFile)
		if x.TwoWay {
			back := x.To + "-" + doc.ID
			b.camp.Edges = append(b.camp.Edges, store.Edge{ID: back, From: x.To, To: doc.ID, Kind: kind, Cost: cost, Requires: x.Requires})
			b.note("edge", back, doc.SourceFile)
		}
	}
	return nil
}

func (b *builder) addCharacter(doc *parser.Document) error {
	var d characterDoc
	if err := doc.Decode(&d); err != nil {
		return err
	}
	persona, err := store.PersonaFromMap(d.Persona)
	if err != nil {
		return fmt.Errorf("character %s: %w", doc.ID, err)
	}
	kind := store.EntityKind(strings.ToLower(d.Kind))
	if kind == "" {
		kind = store.KindNPC
	}
	if d.MaxHP == 0 {
		d.MaxHP = d.HP
	}
	if d.HP == 0 {
		d.HP = d.MaxHP
	}
	if d.Speed == 0 {
		d.Speed = 30
	}
	if d.AC == 0 {
		d.AC = 10
	}

	e := store.Entity{
		ID: doc.ID, Name: doc.Title, Kind: kind, Level: d.Level, Class: d.Class, Race: d.Race,
		BaseAC: d.AC, HP: d.HP, MaxHP: d.MaxHP, Speed: d.Speed, ProficiencyBonus: d.Proficiency,
		Persona: persona, Abilities: d.Abilities, Inventory: d.Inventory, Resources: d.Resources,
	}
	for _, s := range d.Skills {
		e.Skills = append(e.Skills, store.Skill{Name: s.Skill, Rank: s.Rank})
	}
	b.camp.Entities = append(b.camp.Entities, e)
	b.note(parser.TypeCharacter, doc.ID, doc.SourceFile)

	if d.Location != "" {
		b.camp.Placements[doc.ID] = d.Location
	}
	if d.Alive != nil {
		b.camp.Facts = append(b.camp.Facts, authored(string(kind)+"."+doc.ID+".alive", *d.Alive, nil, ""))
	}
	if d.Start || (b.camp.StartEntity == "" && kind == store.KindPlayer) {
		b.camp.StartEntity = doc.ID
	}
	return nil
}

func authored(key string, value any, confidence *float64, provenance string) store.FactWrite {
	w := store.FactWrite{Key: key, Value: value, Provenance: provenance, Confidence: 1}
	if confidence != nil {
		w.Confidence = *confidence
	}
	if w.Provenance == "" {
		w.Provenance = "authored"
	}
	return w
}

func textOr(doc *parser.Document) string {
	if doc.Body != "" {
		return doc.Body
	}
	return doc.Title
}
