package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"storywarden/internal/validate"
)

// Step is one scripted model response. Delay simulates a slow model and Error
// a failed call; otherwise the proposal or narration is returned.
type Step struct {
	validate.Proposal `yaml:",inline"`

	Text          string           `yaml:"text"`
	ImpliedClaims []validate.Claim `yaml:"implied_claims"`
	Delay         time.Duration    `yaml:"delay"`
	Error         string           `yaml:"error"`
}

type Script struct {
	Planner  []Step `yaml:"planner"`
	Executor []Step `yaml:"executor"`
}

// Scripted replays canned responses in order. It plays both roles and
// records what it was asked, for tests and dry runs.
type Scripted struct {
	mu       sync.Mutex
	script   Script
	planned  int
	narrated int

	PlannerCalls  []PlannerContext
	ExecutorCalls []NarrationContext
}

var (
	_ Planner  = (*Scripted)(nil)
	_ Executor = (*Scripted)(nil)
)

func NewScripted(s Script) *Scripted {
	return &Scripted{script: s}
}

// LoadScript reads a YAML script from disk.
func LoadScript(path string) (*Scripted, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing script %s: %w", path, err)
	}
	return NewScripted(s), nil
}

func (s *Scripted) Propose(ctx context.Context, in PlannerContext) (validate.Proposal, error) {
	s.mu.Lock()
	s.PlannerCalls = append(s.PlannerCalls, in)
	if s.planned >= len(s.script.Planner) {
		s.mu.Unlock()
		return validate.Proposal{}, fmt.Errorf("planner: %w", ErrScriptExhausted)
	}
	step := s.script.Planner[s.planned]
	s.planned++
	s.mu.Unlock()

	if err := step.wait(ctx); err != nil {
		return validate.Proposal{}, err
	}
	return step.Proposal, nil
}

func (s *Scripted) Narrate(ctx context.Context, in NarrationContext) (Narration, error) {
	s.mu.Lock()
	s.ExecutorCalls = append(s.ExecutorCalls, in)
	if s.narrated >= len(s.script.Executor) {
		s.mu.Unlock()
		return Narration{}, fmt.Errorf("executor: %w", ErrScriptExhausted)
	}
	step := s.script.Executor[s.narrated]
	s.narrated++
	s.mu.Unlock()

	if err := step.wait(ctx); err != nil {
		return Narration{}, err
	}
	return Narration{Text: step.Text, Claims: step.ImpliedClaims}, nil
}

func (st Step) wait(ctx context.Context) error {
	if st.Delay > 0 {
		timer := time.NewTimer(st.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if st.Error != "" {
		return errors.New(st.Error)
	}
	return nil
}
