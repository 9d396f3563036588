package sandbox

import (
	"slices"
	"time"

	"github.com/michaelbrown/kiln/internal/sandbox/modules"
)

// Policy defines the limits applied to every execution.
type Policy struct {
	MaxCalls       int           // Call expressions allowed in one program
	MinTimeout     time.Duration // Deadline floor, even for programs without calls
	PerCallTimeout time.Duration // Budget added per counted call
	Modules        []string      // Allowed capability modules
}

// DefaultPolicy returns the standard limits with every built-in module allowed.
func DefaultPolicy() Policy {
	return Policy{
		MaxCalls:       5,
		MinTimeout:     3 * time.Second,
		PerCallTimeout: 500 * time.Second,
		Modules:        modules.Names(),
	}
}

// Deadline returns the wall-clock budget for a program with the given
// number of call expressions.
func (p Policy) Deadline(calls int) time.Duration {
	return max(p.MinTimeout, time.Duration(calls)*p.PerCallTimeout)
}

// IsModuleAllowed checks if a module is on the allowlist and exists.
func (p Policy) IsModuleAllowed(name string) bool {
	if _, ok := modules.Lookup(name); !ok {
		return false
	}
	return slices.Contains(p.Modules, name)
}
