package script

import (
	"sort"

	"github.com/andreistan26/golayout/pkg/layout"
)

type SortMode int

const (
	SortNone SortMode = iota
	SortByName
	SortByAlignment
	SortByNameByAlignment
	SortByAlignmentByName
	SortByInitPriority
)

func (m SortMode) String() string {
	switch m {
	case SortByName:
		return "SORT_BY_NAME"
	case SortByAlignment:
		return "SORT_BY_ALIGNMENT"
	case SortByNameByAlignment:
		return "SORT_BY_NAME(SORT_BY_ALIGNMENT)"
	case SortByAlignmentByName:
		return "SORT_BY_ALIGNMENT(SORT_BY_NAME)"
	case SortByInitPriority:
		return "SORT_BY_INIT_PRIORITY"
	}
	return "NONE"
}

// inputLess orders by section name, then alignment (smaller first), then
// file name, each only when the sort modes ask for it.
func inputLess(a, b *layout.InputSection, fileSort, sectionSort SortMode) bool {
	byName := sectionSort == SortByName || sectionSort == SortByNameByAlignment || sectionSort == SortByInitPriority ||
		(sectionSort == SortByAlignmentByName && a.AddrAlign == b.AddrAlign)
	if byName && a.Name != b.Name {
		return a.Name < b.Name
	}

	byAlign := sectionSort == SortByAlignment || sectionSort == SortByNameByAlignment || sectionSort == SortByAlignmentByName
	if byAlign && a.AddrAlign != b.AddrAlign {
		return a.AddrAlign < b.AddrAlign
	}

	if fileSort == SortByName && a.File != b.File {
		return a.File < b.File
	}
	return false
}

// sortInputs stable sorts one bucket. Ties keep discovery order.
func sortInputs(inputs []*layout.InputSection, fileSort, sectionSort SortMode) {
	if fileSort == SortNone && sectionSort == SortNone {
		return
	}
	sort.SliceStable(inputs, func(i, j int) bool {
		return inputLess(inputs[i], inputs[j], fileSort, sectionSort)
	})
}
