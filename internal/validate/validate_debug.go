//go:build debug_fencecore

package validate

// Debug checks validatable and panics if it reports an inconsistency. It
// no-ops unless the debug_fencecore build tag is present.
func Debug(validatable Validatable) {
	if err := validatable.Validate(); err != nil {
		panic(err)
	}
}

// Enabled reports whether debug-build invariant checking is compiled in.
func Enabled() bool { return true }
