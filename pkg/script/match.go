package script

import (
	"strings"

	"github.com/gobwas/glob"

	"github.com/andreistan26/golayout/pkg/layout"
)

// Pattern is a file or section name pattern. Patterns without wildcard
// characters compare exactly.
type Pattern struct {
	Text     string
	Wildcard bool

	g glob.Glob
}

func isWildcard(text string) bool {
	return strings.ContainsAny(text, "*?[")
}

// NewPattern compiles text. Braces carry no meaning in script patterns, so
// they are escaped before being handed to the glob compiler.
func NewPattern(text string) (Pattern, error) {
	p := Pattern{Text: text, Wildcard: isWildcard(text)}
	if !p.Wildcard {
		return p, nil
	}

	escaped := strings.NewReplacer("{", `\{`, "}", `\}`).Replace(text)
	g, err := glob.Compile(escaped)
	if err != nil {
		return p, err
	}
	p.g = g
	return p, nil
}

func (p Pattern) Match(name string) bool {
	if !p.Wildcard {
		return p.Text == name
	}
	return p.g.Match(name)
}

// InputSectionPattern is one section name pattern of an input section
// statement along with how matches are sorted.
type InputSectionPattern struct {
	Pattern
	Sort SortMode
}

// InputSpec selects input sections by file and section name, for example
// `KEEP(*crtbegin.o(EXCLUDE_FILE(*foo.o) .ctors))`.
type InputSpec struct {
	// File is empty when every file matches.
	File       Pattern
	FileSort   SortMode
	Exclusions []Pattern
	Patterns   []InputSectionPattern

	// Keep exempts matches from garbage collection.
	Keep bool

	finalDot     uint64
	finalSection layout.SectionID
}

// NewInputSpec builds a spec. A lone "*" file pattern is stored as the
// empty pattern.
func NewInputSpec(file Pattern, fileSort SortMode, exclusions []Pattern, patterns []InputSectionPattern, keep bool) *InputSpec {
	if file.Text == "*" {
		file = Pattern{}
	}
	return &InputSpec{
		File:       file,
		FileSort:   fileSort,
		Exclusions: exclusions,
		Patterns:   patterns,
		Keep:       keep,

		finalSection: layout.NoSection,
	}
}

// MatchFile checks the file pattern and the exclusions. An empty file name
// stands for sections the linker made itself; those never match a file
// pattern.
func (s *InputSpec) MatchFile(file string) bool {
	if s.File.Text != "" {
		if file == "" || !s.File.Match(file) {
			return false
		}
	}
	if file != "" {
		for _, ex := range s.Exclusions {
			if ex.Match(file) {
				return false
			}
		}
	}
	return true
}

// MatchSection returns the index of the first section pattern matching
// name. With no section patterns everything lands in bucket 0.
func (s *InputSpec) MatchSection(name string) (int, bool) {
	if len(s.Patterns) == 0 {
		return 0, true
	}
	for i, p := range s.Patterns {
		if p.Match(name) {
			return i, true
		}
	}
	return -1, false
}

func (s *InputSpec) MatchName(file, section string) bool {
	if !s.MatchFile(file) {
		return false
	}
	_, ok := s.MatchSection(section)
	return ok
}
