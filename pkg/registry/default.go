package registry

import "sync"

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide static registration table that module
// packages populate from their init functions.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = New(nil)
	})
	return defaultRegistry
}

// MustRegister adds descriptors to the default registry and panics on a
// duplicate or malformed descriptor. Intended for init functions only.
func MustRegister(descs ...Descriptor) {
	for _, desc := range descs {
		if err := Default().Register(desc); err != nil {
			panic(err)
		}
	}
}

// RegisterAll adds descriptors to r, stopping at the first error.
func RegisterAll(r *Registry, descs ...Descriptor) error {
	for _, desc := range descs {
		if err := r.Register(desc); err != nil {
			return err
		}
	}
	return nil
}
