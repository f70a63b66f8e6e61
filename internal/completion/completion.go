// Package completion decides whether enough of a request has been collected
// to hand it off for team matching.
package completion

import (
	"fmt"
	"math"
	"slices"

	"github.com/BTreeMap/FrontDoor/internal/models"
	"github.com/BTreeMap/FrontDoor/internal/registry"
)

// Policy selects what satisfies a field.
type Policy string

const (
	// PolicyValue requires a valid collected value.
	PolicyValue Policy = "value"
	// PolicyValueOrUnknown also accepts a field the user explicitly declared unknown.
	PolicyValueOrUnknown Policy = "value-or-unknown"
)

// ParsePolicy maps a configuration string to a Policy. Empty means PolicyValue.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyValue:
		return PolicyValue, nil
	case PolicyValueOrUnknown:
		return PolicyValueOrUnknown, nil
	}
	return "", fmt.Errorf("unknown field policy %q", s)
}

// Checker evaluates collected fields against a registry.
type Checker struct {
	reg    *registry.Registry
	policy Policy
}

// NewChecker returns a Checker. An empty policy means PolicyValue.
func NewChecker(reg *registry.Registry, policy Policy) *Checker {
	if policy == "" {
		policy = PolicyValue
	}
	return &Checker{reg: reg, policy: policy}
}

// Policy returns the configured satisfaction policy.
func (c *Checker) Policy() Policy {
	return c.policy
}

// Satisfied reports whether the named field counts as collected.
func (c *Checker) Satisfied(name string, collected models.CollectedFields, unknown []string) bool {
	if registry.IsValidValue(collected[name]) {
		return true
	}
	return c.policy == PolicyValueOrUnknown && slices.Contains(unknown, name)
}

// MissingRequiredFields lists, in registry order, the required fields that
// are not satisfied.
func (c *Checker) MissingRequiredFields(collected models.CollectedFields, unknown []string) []string {
	missing := []string{}
	for _, f := range c.reg.RequiredFields() {
		if !c.Satisfied(f.Name, collected, unknown) {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

// MissingFields lists every unsatisfied field, required or optional.
func (c *Checker) MissingFields(collected models.CollectedFields, unknown []string) []string {
	missing := []string{}
	for _, name := range c.reg.FieldNames() {
		if !c.Satisfied(name, collected, unknown) {
			missing = append(missing, name)
		}
	}
	return missing
}

// IsComplete is true iff no required field is missing.
func (c *Checker) IsComplete(collected models.CollectedFields, unknown []string) bool {
	return len(c.MissingRequiredFields(collected, unknown)) == 0
}

// CompletionPercentage is round-half-up of 100 * satisfied / total over all
// fields. Declared-unknown fields never count here, only real values.
func (c *Checker) CompletionPercentage(collected models.CollectedFields) int {
	names := c.reg.FieldNames()
	if len(names) == 0 {
		return 0
	}
	satisfied := 0
	for _, name := range names {
		if registry.IsValidValue(collected[name]) {
			satisfied++
		}
	}
	return int(math.Floor(100*float64(satisfied)/float64(len(names)) + 0.5))
}

// State is a convenience over a whole conversation state.
func (c *Checker) State(s *models.ConversationState) (complete bool, missing []string) {
	missing = c.MissingRequiredFields(s.CollectedFields, s.FieldsMarkedUnknown)
	return len(missing) == 0, missing
}
