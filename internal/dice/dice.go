package dice

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
)

type Policy string

const (
	PolicyCore         Policy = "core.v1"
	PolicyAdvantage    Policy = "advantage.v1"
	PolicyDisadvantage Policy = "disadvantage.v1"
)

var aliases = map[string]Policy{
	"":             PolicyCore,
	"core":         PolicyCore,
	"adv":          PolicyAdvantage,
	"advantage":    PolicyAdvantage,
	"dis":          PolicyDisadvantage,
	"disadvantage": PolicyDisadvantage,
}

// ParsePolicy resolves a policy id or alias. Unknown ids fall back to core.
func ParsePolicy(s string) Policy {
	s = strings.ToLower(strings.TrimSpace(s))
	if p, ok := aliases[s]; ok {
		return p
	}
	switch Policy(s) {
	case PolicyAdvantage, PolicyDisadvantage:
		return Policy(s)
	}
	return PolicyCore
}

type Formula struct {
	Count    int
	Sides    int
	Modifier int
}

func (f Formula) String() string {
	switch {
	case f.Modifier > 0:
		return fmt.Sprintf("%dd%d+%d", f.Count, f.Sides, f.Modifier)
	case f.Modifier < 0:
		return fmt.Sprintf("%dd%d%d", f.Count, f.Sides, f.Modifier)
	}
	return fmt.Sprintf("%dd%d", f.Count, f.Sides)
}

var formulaPattern = regexp.MustCompile(`^(\d+)[dD](\d+)([+-]\d+)?$`)

const (
	maxCount = 100
	maxSides = 1000
)

func ParseFormula(s string) (Formula, error) {
	m := formulaPattern.FindStringSubmatch(strings.ReplaceAll(s, " ", ""))
	if m == nil {
		return Formula{}, fmt.Errorf("unsupported dice formula %q", s)
	}
	var (
		f   Formula
		err error
	)
	if f.Count, err = strconv.Atoi(m[1]); err != nil {
		return Formula{}, fmt.Errorf("dice formula %q count: %w", s, err)
	}
	if f.Sides, err = strconv.Atoi(m[2]); err != nil {
		return Formula{}, fmt.Errorf("dice formula %q sides: %w", s, err)
	}
	if m[3] != "" {
		if f.Modifier, err = strconv.Atoi(m[3]); err != nil {
			return Formula{}, fmt.Errorf("dice formula %q modifier: %w", s, err)
		}
	}
	if f.Count < 1 || f.Count > maxCount {
		return Formula{}, fmt.Errorf("dice count %d out of range 1..%d", f.Count, maxCount)
	}
	if f.Sides < 2 || f.Sides > maxSides {
		return Formula{}, fmt.Errorf("dice sides %d out of range 2..%d", f.Sides, maxSides)
	}
	return f, nil
}

type Result struct {
	Formula  string `json:"formula"`
	Policy   Policy `json:"policy"`
	Total    int    `json:"total"`
	Count    int    `json:"count"`
	Sides    int    `json:"sides"`
	Modifier int    `json:"modifier"`
	Rolls    []int  `json:"rolls"`
	Kept     []int  `json:"kept,omitempty"`
	Dropped  []int  `json:"dropped,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// Roller rolls dice. The zero value uses crypto/rand.
type Roller struct {
	// Intn returns a value in [0, n). Tests replace it with a fixed sequence.
	Intn func(n int) int
}

func (r Roller) intn(n int) int {
	if r.Intn != nil {
		return r.Intn(n)
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(fmt.Sprintf("reading random source: %v", err))
	}
	return int(v.Int64())
}

func (r Roller) die(sides int) int {
	return r.intn(sides) + 1
}

// Roll parses formula and rolls it under policy. Advantage and disadvantage
// only change a single d20; any other formula rolls as core.
func (r Roller) Roll(formula, policy string) (*Result, error) {
	f, err := ParseFormula(formula)
	if err != nil {
		return nil, err
	}
	p := ParsePolicy(policy)
	res := &Result{
		Formula:  f.String(),
		Policy:   p,
		Count:    f.Count,
		Sides:    f.Sides,
		Modifier: f.Modifier,
	}

	if p != PolicyCore && f.Count == 1 && f.Sides == 20 {
		a, b := r.die(20), r.die(20)
		kept, dropped := max(a, b), min(a, b)
		res.Notes = "advantage: kept highest"
		if p == PolicyDisadvantage {
			kept, dropped = dropped, kept
			res.Notes = "disadvantage: kept lowest"
		}
		res.Count = 2
		res.Rolls = []int{a, b}
		res.Kept = []int{kept}
		res.Dropped = []int{dropped}
		res.Total = kept + f.Modifier
		return res, nil
	}

	res.Rolls = make([]int, f.Count)
	sum := 0
	for i := range res.Rolls {
		res.Rolls[i] = r.die(f.Sides)
		sum += res.Rolls[i]
	}
	res.Total = sum + f.Modifier
	return res, nil
}
