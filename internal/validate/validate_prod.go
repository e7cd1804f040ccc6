//go:build !debug_fencecore

package validate

// Debug no-ops unless the debug_fencecore build tag is present.
func Debug(validatable Validatable) {}

// Enabled reports whether debug-build invariant checking is compiled in.
func Enabled() bool { return false }
