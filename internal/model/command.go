package model

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"storywarden/internal/mask"
	"storywarden/internal/validate"
)

// CommandPlanner turns terse player commands into proposals without a model.
//
// The first clause is the action:
//
//	go <edge|destination>     travel
//	attack <target>
//	talk|examine|open <target>
//	cast <spell>
//	use <item>
//	wait|pause
//
// Further clauses, separated by ";", add detail:
//
//	claim <key>=<value>[@confidence]
//	resolve <beat>
//	number <kind> <value> [roll <n>] [ability <a>] [target <id>]
//
// On a re-prompt it drops whatever the last veto objected to, so a retry can
// succeed where the same command would fail again.
type CommandPlanner struct{}

var _ Planner = CommandPlanner{}

func (CommandPlanner) Propose(ctx context.Context, in PlannerContext) (validate.Proposal, error) {
	p, err := ParseCommand(in.PlayerInput, in.Mask)
	if err != nil {
		return validate.Proposal{}, err
	}
	for _, v := range in.Vetoes {
		p = correct(p, v)
	}
	return p, nil
}

// ParseCommand parses a command line. m is used to resolve travel by
// destination name and may be nil.
func ParseCommand(input string, m *mask.Mask) (validate.Proposal, error) {
	clauses := strings.Split(input, ";")
	p := validate.Proposal{Intent: strings.TrimSpace(input)}

	verb, arg := splitWord(clauses[0])
	switch strings.ToLower(verb) {
	case "", "wait", "pause", "rest":
		p.Action = mask.PauseAction
	case "go", "travel", "move", "walk":
		p.Action = travelAction(arg, m)
	case "attack", "hit", "strike":
		p.Action = mask.ActionKey(mask.Attack, arg)
	case "talk", "interact", "examine", "open", "ask":
		p.Action = mask.ActionKey(mask.Interact, strings.TrimPrefix(arg, "to "))
	case "cast":
		p.Action = mask.ActionKey(mask.Cast, arg)
	case "use":
		p.Action = mask.ActionKey(mask.Use, arg)
	default:
		p.Action = mask.PauseAction
	}

	for _, clause := range clauses[1:] {
		word, rest := splitWord(clause)
		switch strings.ToLower(word) {
		case "":
		case "claim":
			c, err := parseClaim(rest)
			if err != nil {
				return validate.Proposal{}, err
			}
			p.Claims = append(p.Claims, c)
		case "resolve":
			p.ResolvesBeat = rest
		case "number":
			n, err := parseNumber(rest)
			if err != nil {
				return validate.Proposal{}, err
			}
			p.Numbers = append(p.Numbers, n)
		default:
			return validate.Proposal{}, fmt.Errorf("unknown clause %q", word)
		}
	}
	return p, nil
}

func splitWord(s string) (string, string) {
	word, rest, _ := strings.Cut(strings.TrimSpace(s), " ")
	return word, strings.TrimSpace(rest)
}

func travelAction(arg string, m *mask.Mask) string {
	if m != nil {
		for _, action := range m.Actions() {
			e := m.Entries[action]
			if e.Category != mask.Travel {
				continue
			}
			if e.Target == arg || strings.EqualFold(e.Justification.Destination, arg) {
				return action
			}
		}
	}
	return mask.ActionKey(mask.Travel, arg)
}

func parseClaim(s string) (validate.Claim, error) {
	key, raw, ok := strings.Cut(s, "=")
	if !ok {
		return validate.Claim{}, fmt.Errorf("claim %q must be key=value", s)
	}
	c := validate.Claim{Key: strings.TrimSpace(key), Provenance: "player"}
	if v, conf, ok := strings.Cut(raw, "@"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(conf), 64)
		if err != nil {
			return validate.Claim{}, fmt.Errorf("claim %s confidence: %w", c.Key, err)
		}
		c.Confidence = f
		raw = v
	}
	value, err := scalar(strings.TrimSpace(raw))
	if err != nil {
		return validate.Claim{}, fmt.Errorf("claim %s value: %w", c.Key, err)
	}
	c.Value = value
	return c, nil
}

// scalar decodes a bare value the way YAML would, so "true" is a bool and "3"
// is a number.
func scalar(s string) (any, error) {
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func parseNumber(s string) (validate.NumericClaim, error) {
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return validate.NumericClaim{}, fmt.Errorf("number clause %q needs a kind and a value", s)
	}
	value, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return validate.NumericClaim{}, fmt.Errorf("number %s: %w", fields[0], err)
	}
	n := validate.NumericClaim{Kind: fields[0], Value: value}
	for i := 2; i+1 < len(fields); i += 2 {
		switch fields[i] {
		case "roll":
			r, err := strconv.Atoi(fields[i+1])
			if err != nil {
				return validate.NumericClaim{}, fmt.Errorf("number %s roll: %w", n.Kind, err)
			}
			n.Roll = &r
		case "ability":
			n.Ability = fields[i+1]
		case "target":
			n.Target = fields[i+1]
		case "spell":
			n.Spell = fields[i+1]
		default:
			return validate.NumericClaim{}, fmt.Errorf("number %s: unknown option %q", n.Kind, fields[i])
		}
	}
	return n, nil
}

func correct(p validate.Proposal, v validate.Veto) validate.Proposal {
	switch v.Kind {
	case validate.FactContradiction:
		p.Claims = slices.DeleteFunc(slices.Clone(p.Claims), func(c validate.Claim) bool { return c.Key == v.Constraint })
	case validate.UngatedBeat:
		p.ResolvesBeat = ""
		p.Claims = slices.DeleteFunc(slices.Clone(p.Claims), func(c validate.Claim) bool {
			return strings.HasPrefix(c.Key, "beat.") && strings.HasSuffix(c.Key, ".resolved")
		})
	case validate.RuleMismatch:
		p.Numbers = slices.DeleteFunc(slices.Clone(p.Numbers), func(n validate.NumericClaim) bool { return n.Kind == v.Constraint })
	}
	return p
}
