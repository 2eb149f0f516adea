package muxfile

import (
	"sort"

	"github.com/st31ny/smux"
)

// Builder constructs a File of a given type from a mode and positional
// arguments.
type Builder func(mode Mode, args []string) (File, error)

// Factory resolves a Def to a concrete File. Grounded on
// original_source/src/file_factory.h's file_factory registry; unlike the
// C++ singleton, this is an explicit value so tests can register scoped
// fakes without touching global state.
type Factory struct {
	builders map[string]Builder
}

// NewFactory returns a Factory pre-registered with the built-in types:
// "file", "stdio", "exec", "null".
func NewFactory() *Factory {
	f := &Factory{builders: map[string]Builder{}}
	f.Register("file", newRegularFile)
	f.Register("stdio", newStdioFile)
	f.Register("exec", newExecFile)
	f.Register("null", newNullFile)
	return f
}

// Register adds or replaces the builder for typeName.
func (f *Factory) Register(typeName string, b Builder) {
	f.builders[typeName] = b
}

// Types returns the registered type names, sorted, mostly useful for
// help text and error messages.
func (f *Factory) Types() []string {
	names := make([]string, 0, len(f.builders))
	for name := range f.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds the File named by def. Returns a ConfigError if def.Type
// is not registered.
func (f *Factory) Create(def Def) (File, error) {
	b, ok := f.builders[def.Type]
	if !ok {
		return nil, smux.NewConfigError("unknown file type " + def.Type)
	}
	return b(def.Mode, def.Args)
}
