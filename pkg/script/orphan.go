package script

import (
	"strings"

	"github.com/andreistan26/golayout/pkg/elf"
	"github.com/andreistan26/golayout/pkg/helpers"
	"github.com/andreistan26/golayout/pkg/layout"
	"github.com/andreistan26/golayout/pkg/log"
)

type placeIndex int

const (
	placeText placeIndex = iota
	placeRodata
	placeData
	placeTLS
	placeTLSBSS
	placeBSS
	placeRel
	placeInterp
	placeNonAlloc
	placeLastAlloc
	placeMax
)

var placeNames = [placeMax]string{
	placeText:   ".text",
	placeRodata: ".rodata",
	placeData:   ".data",
	placeBSS:    ".bss",
	placeInterp: ".interp",
}

// follows is the category an orphan goes after when its own category has
// no location yet.
var follows = map[placeIndex][]placeIndex{
	placeRodata: {placeText},
	placeData:   {placeRodata, placeText},
	placeBSS:    {placeLastAlloc},
	placeRel:    {placeText},
	placeInterp: {placeText},
	placeTLS:    {placeData},
	placeTLSBSS: {placeTLS, placeData},
}

// orphanPlaces tracks, per category, the element new orphans are inserted
// after.
type orphanPlaces struct {
	places [placeMax]SectionsElement
}

func (s *Sections) initOrphanPlaces(l *layout.Layout) *orphanPlaces {
	op := &orphanPlaces{}
	for i, el := range s.elements {
		name := ""
		os := l.Section(outputSection(el))
		if def, ok := el.(*OutputSectionDefinition); ok {
			name = def.Name
		} else if os != nil {
			name = os.Name
		} else {
			continue
		}

		if os != nil && os.Allocated() {
			op.places[placeLastAlloc] = el
		}

		found := false
		for p, n := range placeNames {
			if n != "" && n == name {
				found = true
				if op.places[p] == nil {
					op.places[p] = el
					if placeIndex(p) == placeBSS {
						op.places[placeNonAlloc] = nil
					}
				}
				break
			}
		}
		if found {
			continue
		}

		if op.places[placeRel] == nil && os != nil && os.Allocated() &&
			(os.Type == elf.SHT_REL || os.Type == elf.SHT_RELA) {
			op.places[placeRel] = el
		}

		// Unallocated orphans go before the first comment or debug
		// section.
		if op.places[placeNonAlloc] == nil && i > 0 &&
			(name == ".comment" || strings.HasPrefix(name, ".debug")) {
			op.places[placeNonAlloc] = s.elements[i-1]
		}
	}
	return op
}

func orphanCategory(os *layout.OutputSection) placeIndex {
	switch {
	case !os.Allocated():
		return placeNonAlloc
	case os.IsTLS() && os.IsNoBits():
		return placeTLSBSS
	case os.IsTLS():
		return placeTLS
	case os.IsNoBits():
		return placeBSS
	case os.Writable():
		return placeData
	case os.Type == elf.SHT_REL || os.Type == elf.SHT_RELA:
		return placeRel
	case os.IsNote():
		return placeInterp
	case !os.Executable():
		return placeRodata
	}
	return placeText
}

const placeFlagsMask = elf.SHF_ALLOC | elf.SHF_WRITE | elf.SHF_EXECINSTR | elf.SHF_TLS

// exactPlace finds the first element whose section has the same type and
// placement flags as os.
func (s *Sections) exactPlace(l *layout.Layout, os *layout.OutputSection) SectionsElement {
	for _, el := range s.elements {
		other := l.Section(outputSection(el))
		if other == nil || other == os {
			continue
		}
		if other.Type == os.Type && other.Flags&placeFlagsMask == os.Flags&placeFlagsMask {
			return el
		}
	}
	return nil
}

func (s *Sections) indexOf(el SectionsElement) int {
	return helpers.Find(s.elements, el)
}

// PlaceOrphan inserts a marker for an output section no definition names.
// It goes after the closest matching section: an exact type and flags
// match if any, otherwise the category heuristics; at the end when
// nothing fits.
func (s *Sections) PlaceOrphan(l *layout.Layout, id layout.SectionID) {
	if s.orphans == nil {
		s.orphans = s.initOrphanPlaces(l)
	}
	os := l.Section(id)
	marker := &OrphanMarker{section: id}
	category := orphanCategory(os)

	after := s.exactPlace(l, os)
	if after != nil {
		// keep orphans that already follow it in placement order
		i := s.indexOf(after) + 1
		for i < len(s.elements) {
			if _, ok := s.elements[i].(*OrphanMarker); !ok {
				break
			}
			i++
		}
		after = s.elements[i-1]
	} else {
		after = s.orphans.places[category]
		if after == nil {
			for _, f := range follows[category] {
				if s.orphans.places[f] != nil {
					after = s.orphans.places[f]
					break
				}
			}
		}
	}

	if after != nil {
		if relroOf(l, after) {
			os.SetIsRelro()
		} else {
			os.ClearIsRelro()
		}
		s.elements = helpers.Insert(s.elements, s.indexOf(after)+1, SectionsElement(marker))
	} else {
		os.ClearIsRelro()
		s.elements = append(s.elements, marker)
	}
	s.orphans.places[category] = marker

	if os.Allocated() {
		i := s.indexOf(marker)
		if i > 0 && s.elements[i-1] == s.orphans.places[placeLastAlloc] {
			s.orphans.places[placeLastAlloc] = marker
		}
	}
	log.Debugf("placed orphan section %s", os.Name)
}

func relroOf(l *layout.Layout, el SectionsElement) bool {
	switch el := el.(type) {
	case *OutputSectionDefinition:
		return el.IsRelro
	case *OrphanMarker:
		return l.Section(el.section).IsRelro
	}
	return false
}
