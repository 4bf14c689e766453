// Package symtab is the global symbol table shared by the input pipeline
// and the linker script.
package symtab

import (
	"sort"
	"sync"

	"github.com/andreistan26/golayout/pkg/layout"
)

type Visibility uint8

const (
	VisibilityDefault Visibility = iota
	VisibilityInternal
	VisibilityHidden
	VisibilityProtected
)

func (v Visibility) String() string {
	switch v {
	case VisibilityInternal:
		return "INTERNAL"
	case VisibilityHidden:
		return "HIDDEN"
	case VisibilityProtected:
		return "PROTECTED"
	}
	return "DEFAULT"
}

type Symbol struct {
	Name string

	// Value is absolute once finalized. Section, when set, is the output
	// section the value is relative to.
	Value   uint64
	Section layout.SectionID

	Visibility Visibility

	// Defined is false for symbols that are only referenced.
	Defined bool
	// Referenced is set when an input object has an undefined reference.
	Referenced bool
	// FromScript marks symbols defined by a linker script assignment.
	FromScript bool
	// InputFile and InputIndex locate the defining input section for
	// symbols defined by objects.
	InputFile  string
	InputIndex uint32
}

func (s *Symbol) SetValue(value uint64, section layout.SectionID) {
	s.Value = value
	s.Section = section
}

// Table is safe for concurrent use while inputs are read; address
// assignment uses it from a single goroutine.
type Table struct {
	mu           sync.Mutex
	symbols      map[string]*Symbol
	sawUndefined int
}

func New() *Table {
	return &Table{symbols: make(map[string]*Symbol)}
}

func (t *Table) Lookup(name string) *Symbol {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.symbols[name]
}

func (t *Table) get(name string) *Symbol {
	sym, ok := t.symbols[name]
	if !ok {
		sym = &Symbol{Name: name, Section: layout.NoSection}
		t.symbols[name] = sym
	}
	return sym
}

// AddReference records an undefined reference from an input object.
func (t *Table) AddReference(name string) *Symbol {
	t.mu.Lock()
	defer t.mu.Unlock()

	sym := t.get(name)
	if !sym.Referenced && !sym.Defined {
		t.sawUndefined++
	}
	sym.Referenced = true
	return sym
}

// AddDefinition records a definition from an input object. The first
// definition wins; it reports false when the symbol was already defined.
func (t *Table) AddDefinition(name, file string, index uint32, value uint64, vis Visibility) (*Symbol, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sym := t.get(name)
	if sym.Defined {
		return sym, false
	}
	sym.Defined = true
	sym.Value = value
	sym.InputFile = file
	sym.InputIndex = index
	sym.Visibility = vis
	return sym, true
}

// DefineConstant defines a script symbol. With provide set the symbol is
// only created when an input references it and nothing defines it; nil is
// returned otherwise. forceOverride replaces an existing definition.
func (t *Table) DefineConstant(name string, value uint64, vis Visibility, provide, forceOverride bool) *Symbol {
	t.mu.Lock()
	defer t.mu.Unlock()

	sym, ok := t.symbols[name]
	if provide && (!ok || !sym.Referenced || sym.Defined) {
		return nil
	}
	if ok && sym.Defined && !forceOverride {
		return sym
	}
	if !ok {
		sym = t.get(name)
	}

	sym.Defined = true
	sym.FromScript = true
	sym.Value = value
	sym.Section = layout.NoSection
	sym.InputFile = ""
	if vis != VisibilityDefault {
		sym.Visibility = vis
	}
	return sym
}

// SawUndefinedCount is the number of distinct symbols that have been
// referenced before being defined. Archive group resolution rescans while
// it grows.
func (t *Table) SawUndefinedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sawUndefined
}

// Undefined returns referenced symbols that have no definition, sorted.
func (t *Table) Undefined() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := []string{}
	for name, sym := range t.symbols {
		if sym.Referenced && !sym.Defined {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// IsUndefined reports whether name is referenced but not yet defined.
func (t *Table) IsUndefined(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	sym, ok := t.symbols[name]
	return ok && sym.Referenced && !sym.Defined
}

// Symbols returns every symbol sorted by name.
func (t *Table) Symbols() []*Symbol {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Symbol, 0, len(t.symbols))
	for _, sym := range t.symbols {
		out = append(out, sym)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
