// Package validate provides debug-only invariant checking that compiles to
// nothing in release builds, mirroring the debug_mem_utils pattern used by
// the allocator this module's pool/ring/descriptor engines are modeled on.
package validate

import "fmt"

// Validatable is implemented by any type with an internal-consistency check
// that is expensive enough it should only run in debug builds.
type Validatable interface {
	Validate() error
}

// Func adapts a bare closure to Validatable, for callers wiring Debug in from
// inside a method that already holds whatever lock the type's own exported
// Validate method would otherwise try to reacquire.
type Func func() error

func (f Func) Validate() error { return f() }

// Assert panics with a formatted message if cond is false. It no-ops
// entirely (cond is not even evaluated lazily, but has no side effect to
// avoid) unless the debug_fencecore build tag is present, matching the
// "asserted in debug; undefined in release" programmer-error policy in
// spec §7.
func Assert(cond bool, format string, args ...any) {
	if !Enabled() || cond {
		return
	}
	panic(fmt.Sprintf(format, args...))
}
