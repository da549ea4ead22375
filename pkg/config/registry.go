package config

import "fmt"

// FuncRegistry resolves the names a Manifest's Transform/IndexBy fields
// carry to the Go functions the application registered under them.
// Functions are registered with their natural signature (any) and type-
// asserted back by the caller, since Transform and IndexBy close over
// different concrete entity types per class and Go generics can't erase
// that through a single registry value.
type FuncRegistry struct {
	funcs map[string]any
}

// NewFuncRegistry returns an empty FuncRegistry.
func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{funcs: make(map[string]any)}
}

// Register binds name to fn. Re-registering the same name is an error,
// mirroring the class registry's own already-registered check (§4.F).
func (r *FuncRegistry) Register(name string, fn any) error {
	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("config: function %q already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// Lookup returns the function registered under name.
func (r *FuncRegistry) Lookup(name string) (any, bool) {
	fn, ok := r.funcs[name]
	return fn, ok
}
