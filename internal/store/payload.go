package store

import (
	"encoding/json"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var effectKnownKeys = map[string]struct{}{
	"ac_bonus":      {},
	"attack_bonus":  {},
	"speed_bonus":   {},
	"disadvantage":  {},
	"hidden":        {},
	"incapacitated": {},
}

// EffectData carries the mechanical deltas of an effect. Known keys are typed
// and validated; anything else is kept in Extra and round-tripped untouched.
type EffectData struct {
	ACBonus       int
	AttackBonus   int
	SpeedBonus    int
	Disadvantage  bool
	Hidden        bool
	Incapacitated bool
	Extra         map[string]any
}

func (d EffectData) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.ACBonus, validation.Min(-20), validation.Max(20)),
		validation.Field(&d.AttackBonus, validation.Min(-20), validation.Max(20)),
		validation.Field(&d.SpeedBonus, validation.Min(-120), validation.Max(120)),
	)
}

func (d EffectData) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Extra)+6)
	for key, value := range d.Extra {
		out[key] = value
	}
	if d.ACBonus != 0 {
		out["ac_bonus"] = d.ACBonus
	}
	if d.AttackBonus != 0 {
		out["attack_bonus"] = d.AttackBonus
	}
	if d.SpeedBonus != 0 {
		out["speed_bonus"] = d.SpeedBonus
	}
	if d.Disadvantage {
		out["disadvantage"] = true
	}
	if d.Hidden {
		out["hidden"] = true
	}
	if d.Incapacitated {
		out["incapacitated"] = true
	}
	return json.Marshal(out)
}

func (d *EffectData) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding effect data: %w", err)
	}
	parsed, err := EffectDataFromMap(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d *EffectData) UnmarshalYAML(unmarshal func(any) error) error {
	var raw map[string]any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := EffectDataFromMap(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// EffectDataFromMap decodes a schema-less payload, rejecting known keys with
// the wrong type.
func EffectDataFromMap(raw map[string]any) (EffectData, error) {
	var d EffectData
	for key, value := range raw {
		if _, known := effectKnownKeys[key]; !known {
			if d.Extra == nil {
				d.Extra = make(map[string]any)
			}
			d.Extra[key] = value
			continue
		}
		switch key {
		case "ac_bonus", "attack_bonus", "speed_bonus":
			n, ok := asInt(value)
			if !ok {
				return EffectData{}, fmt.Errorf("effect data %s must be an integer, got %T", key, value)
			}
			switch key {
			case "ac_bonus":
				d.ACBonus = n
			case "attack_bonus":
				d.AttackBonus = n
			default:
				d.SpeedBonus = n
			}
		default:
			b, ok := value.(bool)
			if !ok {
				return EffectData{}, fmt.Errorf("effect data %s must be a boolean, got %T", key, value)
			}
			switch key {
			case "disadvantage":
				d.Disadvantage = b
			case "hidden":
				d.Hidden = b
			default:
				d.Incapacitated = b
			}
		}
	}
	if err := d.Validate(); err != nil {
		return EffectData{}, fmt.Errorf("effect data: %w", err)
	}
	return d, nil
}

// Persona is the flavour payload of an entity.
type Persona struct {
	Summary string
	Voice   string
	Extra   map[string]any
}

func (p Persona) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+2)
	for key, value := range p.Extra {
		out[key] = value
	}
	if p.Summary != "" {
		out["summary"] = p.Summary
	}
	if p.Voice != "" {
		out["voice"] = p.Voice
	}
	return json.Marshal(out)
}

func (p *Persona) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding persona: %w", err)
	}
	parsed, err := PersonaFromMap(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func PersonaFromMap(raw map[string]any) (Persona, error) {
	var p Persona
	for key, value := range raw {
		switch key {
		case "summary", "voice":
			s, ok := value.(string)
			if !ok {
				return Persona{}, fmt.Errorf("persona %s must be a string, got %T", key, value)
			}
			if key == "summary" {
				p.Summary = s
			} else {
				p.Voice = s
			}
		default:
			if p.Extra == nil {
				p.Extra = make(map[string]any)
			}
			p.Extra[key] = value
		}
	}
	return p, nil
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}
