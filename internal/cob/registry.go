package cob

import (
	"context"
	"fmt"
	"sort"

	"loan-cob-scheduler/internal/models"
)

// Step is one business transformation applied to a loan during COB.
type Step interface {
	// Name is the enum-styled name the step is configured under.
	Name() string
	HumanReadableName() string
	// Execute returns the (possibly mutated) loan or fails for this loan only.
	Execute(ctx context.Context, bc BusinessContext, loan *models.Loan) (*models.Loan, error)
}

// Registry maps configured step names to their implementations.
type Registry struct {
	steps map[string]Step
}

func NewRegistry(steps ...Step) *Registry {
	r := &Registry{steps: make(map[string]Step)}
	for _, s := range steps {
		r.Register(s)
	}
	return r
}

// Register binds a step under its name. A later registration wins.
func (r *Registry) Register(step Step) {
	if step == nil || step.Name() == "" {
		return
	}
	r.steps[step.Name()] = step
}

// Lookup finds the step registered under name.
func (r *Registry) Lookup(name string) (Step, bool) {
	s, ok := r.steps[name]
	return s, ok
}

// Names lists registered step names alphabetically.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.steps))
	for n := range r.steps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Chain resolves configured specs into steps ordered by ascending Order.
func (r *Registry) Chain(specs []models.BusinessStep) ([]Step, error) {
	ordered := SortSteps(specs)
	seen := make(map[string]struct{}, len(ordered))
	chain := make([]Step, 0, len(ordered))
	for _, spec := range ordered {
		if _, dup := seen[spec.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStep, spec.Name)
		}
		seen[spec.Name] = struct{}{}
		step, ok := r.steps[spec.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStep, spec.Name)
		}
		chain = append(chain, step)
	}
	return chain, nil
}

// SortSteps returns a copy of specs ordered by Order, then Name.
func SortSteps(specs []models.BusinessStep) []models.BusinessStep {
	out := make([]models.BusinessStep, len(specs))
	copy(out, specs)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Name < out[j].Name
	})
	return out
}
