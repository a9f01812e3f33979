// Package monitor implements the monitoring evaluator: threshold
// evaluation over fresh observations, rate-limited alert generation,
// and the alert lifecycle.
package monitor

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ConditionEngine compiles and evaluates the optional per-profile CEL
// breach conditions, e.g. "score < 500 && overdue_amount > 10000.0".
type ConditionEngine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled map[string]*compiledCondition
}

type compiledCondition struct {
	expression string
	program    cel.Program
}

// ConditionVars are the variables visible to a custom condition.
type ConditionVars struct {
	Score            int
	ScoreChange      int
	PaymentDelayDays int
	OverdueAmount    float64
	Observation      domain.ObservationKind
	BusinessID       string
}

// NewConditionEngine creates the CEL environment for custom conditions.
func NewConditionEngine() (*ConditionEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("score", cel.IntType),
		cel.Variable("score_change", cel.IntType),
		cel.Variable("payment_delay_days", cel.IntType),
		cel.Variable("overdue_amount", cel.DoubleType),
		cel.Variable("observation", cel.StringType),
		cel.Variable("business_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &ConditionEngine{
		env:      env,
		compiled: make(map[string]*compiledCondition),
	}, nil
}

// Validate compiles an expression without caching it. Used at profile
// creation so a bad condition fails with ErrConfiguration up front.
func (e *ConditionEngine) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := e.compile(expression)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	return nil
}

// Evaluate runs the profile's condition against the observation
// variables. Programs are cached per profile and recompiled only when
// the expression changes.
func (e *ConditionEngine) Evaluate(profileID, expression string, vars ConditionVars) (bool, error) {
	if expression == "" {
		return false, nil
	}

	program, err := e.programFor(profileID, expression)
	if err != nil {
		return false, err
	}

	out, _, err := program.Eval(map[string]any{
		"score":              int64(vars.Score),
		"score_change":       int64(vars.ScoreChange),
		"payment_delay_days": int64(vars.PaymentDelayDays),
		"overdue_amount":     vars.OverdueAmount,
		"observation":        string(vars.Observation),
		"business_id":        vars.BusinessID,
	})
	if err != nil {
		return false, fmt.Errorf("condition evaluation failed for profile %s: %w", profileID, err)
	}

	if b, ok := out.(types.Bool); ok {
		return bool(b), nil
	}
	return false, fmt.Errorf("condition for profile %s returned %T, want bool", profileID, out.Value())
}

// Drop forgets the cached program for a profile (on delete/update).
func (e *ConditionEngine) Drop(profileID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.compiled, profileID)
}

func (e *ConditionEngine) programFor(profileID, expression string) (cel.Program, error) {
	e.mu.RLock()
	cached, ok := e.compiled[profileID]
	e.mu.RUnlock()
	if ok && cached.expression == expression {
		return cached.program, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.compiled[profileID] = &compiledCondition{expression: expression, program: program}
	e.mu.Unlock()

	return program, nil
}

func (e *ConditionEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile condition: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition must return bool, got %s", ast.OutputType())
	}

	return e.env.Program(ast)
}
