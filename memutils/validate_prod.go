//go:build !debug_conductor

package memutils

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_conductor build tag is present
func DebugValidate(validatable Validatable) {
}

// DebugAssert panics with the formatted message if condition is false. This method no-ops unless
// the debug_conductor build tag is present
func DebugAssert(condition bool, format string, args ...any) {
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_conductor build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
}
