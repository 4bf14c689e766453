package script

import (
	"fmt"
	"strings"

	"github.com/andreistan26/golayout/pkg/layout"
	"github.com/andreistan26/golayout/pkg/log"
	"github.com/andreistan26/golayout/pkg/symtab"
)

// InputFile is a file named by INPUT or GROUP.
type InputFile struct {
	Name     string
	AsNeeded bool
	// Group is set for files listed in GROUP, which are searched repeatedly.
	Group bool
}

// Script is everything read from linker scripts and --defsym options.
type Script struct {
	Name string

	Entry        string
	Inputs       []InputFile
	SearchDirs   []string
	Output       string
	OutputFormat string
	OutputArch   string

	// Assignments and Assertions outside of SECTIONS.
	Assignments []*Assignment
	Assertions  []*Assertion

	Sections *Sections

	// symbols used in expressions, in first use order
	referenced     []string
	referencedSeen map[string]bool
}

func New(opts Options) *Script {
	return &Script{Sections: NewSections(opts)}
}

func (s *Script) SetOptions(opts Options) {
	s.Sections.SetOptions(opts)
}

// AddDefsym adds a --defsym definition of the form name=expr.
func (s *Script) AddDefsym(def string) error {
	name, value, ok := strings.Cut(def, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fmt.Errorf("%w: --defsym %q: missing '='", SyntaxErr, def)
	}
	if name == "." {
		return fmt.Errorf("--defsym %q: %w", def, DotNotAvailableErr)
	}

	e, err := s.parseExpression("--defsym", value)
	if err != nil {
		return err
	}
	s.Assignments = append(s.Assignments, &Assignment{Name: name, Expr: e})
	return nil
}

func (s *Script) reference(name string) {
	if s.referencedSeen == nil {
		s.referencedSeen = map[string]bool{}
	}
	if s.referencedSeen[name] {
		return
	}
	s.referencedSeen[name] = true
	s.referenced = append(s.referenced, name)
}

// ReferencedSymbols lists the symbols the script's expressions use.
func (s *Script) ReferencedSymbols() []string {
	return s.referenced
}

// AddReferences marks the symbols used by the script as referenced, so
// that PROVIDE defines them and archive members defining them are loaded.
func (s *Script) AddReferences(tab *symtab.Table) {
	for _, name := range s.referenced {
		tab.AddReference(name)
	}
}

// AddSymbolsToTable defines every symbol the script assigns so that
// expressions can refer to them in any order.
func (s *Script) AddSymbolsToTable(tab *symtab.Table) {
	s.AddReferences(tab)
	for _, a := range s.Assignments {
		a.addToTable(tab)
	}
	s.Sections.addSymbolsToTable(tab)
}

// SetSectionAddresses gives global assignments a provisional value and
// lays out the SECTIONS clause. Failures in the provisional pass are
// reported when the symbols are finalized.
func (s *Script) SetSectionAddresses(tab *symtab.Table, l *layout.Layout) (layout.SegmentID, error) {
	env := &Env{Symtab: tab, Layout: l, Sections: s.Sections}
	for _, a := range s.Assignments {
		if err := a.set(env, false, 0, layout.NoSection, false); err != nil {
			log.Debugf("provisional value: %v", err)
		}
	}
	if !s.Sections.SawSections() {
		return NoSegment, nil
	}
	return s.Sections.SetSectionAddresses(tab, l)
}

// FinalizeSymbols sets the final values of all script symbols, fills the
// data statements and checks the assertions.
func (s *Script) FinalizeSymbols(tab *symtab.Table, l *layout.Layout) error {
	if err := s.Sections.FinalizeSymbols(tab, l); err != nil {
		return err
	}

	env := &Env{Symtab: tab, Layout: l, Sections: s.Sections}
	for _, a := range s.Assignments {
		if err := a.set(env, false, 0, layout.NoSection, true); err != nil {
			return err
		}
	}
	for _, a := range s.Assertions {
		if err := a.check(env, false, 0, layout.NoSection); err != nil {
			return err
		}
	}
	return nil
}
