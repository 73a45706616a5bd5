package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
)

// Engine compiles and evaluates guardrail rules.
type Engine struct {
	mu     sync.RWMutex
	rules  map[string]Rule
	logger zerolog.Logger
}

// NewEngine creates an engine preloaded with the built-in rules.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		rules:  make(map[string]Rule),
		logger: logger.With().Str("component", "policy-engine").Logger(),
	}
	for _, r := range BuiltinRules() {
		if err := e.addRule(r); err != nil {
			return nil, fmt.Errorf("load built-in rule %s: %w", r.Name, err)
		}
	}
	return e, nil
}

// addRule parses the Rego to catch syntax errors at load time, then
// stores the rule. Later rules replace earlier ones of the same name,
// which lets operator files override builtins.
func (e *Engine) addRule(r Rule) error {
	if _, err := ast.ParseModule(r.Name, r.Rego); err != nil {
		return fmt.Errorf("parse rego: %w", err)
	}
	e.rules[r.Name] = r
	return nil
}

// LoadDir loads every .rego file in dir as one rule named after the
// file. A missing directory is not an error.
func (e *Engine) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read policy dir: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		src, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read policy %s: %w", path, err)
		}
		rule := Rule{
			Name:        strings.TrimSuffix(entry.Name(), ".rego"),
			Description: fmt.Sprintf("Operator rule from %s", path),
			Rego:        string(src),
			Enabled:     true,
		}
		if err := e.addRule(rule); err != nil {
			return fmt.Errorf("load policy %s: %w", path, err)
		}
		loaded++
	}

	e.logger.Info().Int("count", loaded).Str("dir", dir).Msg("Loaded operator policies")
	return nil
}

// Rules returns the names of the loaded rules.
func (e *Engine) Rules() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.rules))
	for name := range e.rules {
		names = append(names, name)
	}
	return names
}

// Evaluate runs every enabled rule against the planned flash and
// aggregates the findings. Arming must be refused when Allowed is
// false.
func (e *Engine) Evaluate(ctx context.Context, input Input) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true, EvaluatedAt: time.Now()}

	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		violations, err := e.evaluateRule(ctx, rule, input)
		if err != nil {
			return nil, fmt.Errorf("evaluate rule %s: %w", rule.Name, err)
		}
		result.Violations = append(result.Violations, violations...)
	}

	for i := range result.Violations {
		if result.Violations[i].Severity == SeverityError {
			result.Allowed = false
			break
		}
	}

	e.logger.Debug().
		Str("disk", input.Disk).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Msg("Guardrail evaluation completed")

	return result, nil
}

func (e *Engine) evaluateRule(ctx context.Context, rule Rule, input Input) ([]Violation, error) {
	query := fmt.Sprintf("data.%s.deny", packageName(rule.Rego))

	r := rego.New(
		rego.Module(rule.Name, rule.Rego),
		rego.Query(query),
		rego.Input(input),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, res := range results {
		for _, expr := range res.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, makeViolation(rule.Name, d))
			}
		}
	}
	return violations, nil
}

// packageName pulls the package declaration out of Rego source so the
// deny query can target it.
func packageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			fields := strings.Fields(trimmed)
			if len(fields) >= 2 {
				return fields[1]
			}
		}
	}
	return "sdburn.guardrails"
}

func makeViolation(rule string, raw interface{}) Violation {
	v := Violation{
		Rule:       rule,
		Severity:   SeverityError,
		DetectedAt: time.Now(),
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		v.Message = fmt.Sprintf("%v", raw)
		return v
	}
	if msg, ok := m["message"].(string); ok {
		v.Message = msg
	}
	if sev, ok := m["severity"].(string); ok && sev == string(SeverityWarning) {
		v.Severity = SeverityWarning
	}
	return v
}
