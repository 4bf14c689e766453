package layout

import (
	"github.com/andreistan26/golayout/pkg/elf"
)

// SegmentID is a handle into the layout's segment arena.
type SegmentID int32

type Segment struct {
	ID    SegmentID
	Type  elf.SegmentType
	Flags elf.SegmentFlag

	VAddr uint64
	PAddr uint64

	// MinAlign is the minimum p_align requested by the script.
	MinAlign uint64

	// IncludesHeaders is set on the PT_LOAD segment that holds the file
	// header and program headers.
	IncludesHeaders bool

	flagsFixed bool
	sections   []SectionID
}

// AddOutputSection makes id a member. Unless the flags were fixed
// explicitly, the segment permissions widen to cover the section.
func (s *Segment) AddOutputSection(id SectionID, flags elf.SegmentFlag) {
	s.sections = append(s.sections, id)
	if !s.flagsFixed {
		s.Flags |= flags
	}
}

func (s *Segment) Sections() []SectionID {
	return s.sections
}

func (s *Segment) Contains(id SectionID) bool {
	for _, m := range s.sections {
		if m == id {
			return true
		}
	}
	return false
}

func (s *Segment) SetAddresses(vaddr, paddr uint64) {
	s.VAddr = vaddr
	s.PAddr = paddr
}

// SetFlags fixes the permissions; later members no longer widen them.
func (s *Segment) SetFlags(flags elf.SegmentFlag) {
	s.Flags = flags
	s.flagsFixed = true
}

func (s *Segment) SetMinimumAlign(align uint64) {
	if align > s.MinAlign {
		s.MinAlign = align
	}
}

// SectionWithLowestLoadAddress returns the member with the lowest LMA, or
// NoSection for an empty segment.
func (s *Segment) SectionWithLowestLoadAddress(l *Layout) SectionID {
	best := NoSection
	var bestLMA uint64
	for _, id := range s.sections {
		lma := l.Section(id).LoadAddr()
		if best == NoSection || lma < bestLMA {
			best = id
			bestLMA = lma
		}
	}
	return best
}

// Extent computes p_memsz, p_filesz and p_align from the members.
func (s *Segment) Extent(l *Layout) (memsz, filesz, align uint64) {
	align = s.MinAlign
	if s.Type == elf.PT_LOAD && l.Target.PageSize > align {
		align = l.Target.PageSize
	}
	for _, id := range s.sections {
		os := l.Section(id)
		if os.AddrAlign > align {
			align = os.AddrAlign
		}
		if os.Address < s.VAddr {
			continue
		}
		end := os.Address + os.Size
		if end-s.VAddr > memsz {
			memsz = end - s.VAddr
		}
		if !os.IsNoBits() && end-s.VAddr > filesz {
			filesz = end - s.VAddr
		}
	}
	if align == 0 {
		align = 1
	}
	return memsz, filesz, align
}
