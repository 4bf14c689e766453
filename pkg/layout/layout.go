// Package layout holds the output image model: output sections and
// segments stored in arenas and referenced by small integer handles.
package layout

import (
	"github.com/andreistan26/golayout/pkg/elf"
)

type inputKey struct {
	file  string
	index uint32
}

// Layout owns every output section and segment. It is written by the
// input pipeline and then exclusively by address assignment.
type Layout struct {
	Target Target

	sections []*OutputSection
	segments []*Segment
}

func New(target Target) *Layout {
	return &Layout{Target: target}
}

// MakeOutputSection creates a new output section.
func (l *Layout) MakeOutputSection(name string, typ elf.SectionType, flags elf.SectionFlag) SectionID {
	id := SectionID(len(l.sections))
	l.sections = append(l.sections, newOutputSection(id, name, typ, flags))
	return id
}

func (l *Layout) Section(id SectionID) *OutputSection {
	if id < 0 || int(id) >= len(l.sections) {
		return nil
	}
	return l.sections[id]
}

// Sections returns all output sections in creation order.
func (l *Layout) Sections() []*OutputSection {
	return l.sections
}

// FindOutputSection returns the first section with the given name.
func (l *Layout) FindOutputSection(name string) (SectionID, bool) {
	for _, os := range l.sections {
		if os.Name == name {
			return os.ID, true
		}
	}
	return NoSection, false
}

// FindOutputSectionWith matches name, type and output flags exactly.
func (l *Layout) FindOutputSectionWith(name string, typ elf.SectionType, flags elf.SectionFlag) (SectionID, bool) {
	flags &^= inputOnlyFlags
	for _, os := range l.sections {
		if os.Name == name && os.Type == typ && os.Flags == flags {
			return os.ID, true
		}
	}
	return NoSection, false
}

// AllocatedSections returns the SHF_ALLOC sections in creation order.
func (l *Layout) AllocatedSections() []SectionID {
	out := make([]SectionID, 0, len(l.sections))
	for _, os := range l.sections {
		if os.Allocated() {
			out = append(out, os.ID)
		}
	}
	return out
}

func (l *Layout) MakeSegment(typ elf.SegmentType, flags elf.SegmentFlag) SegmentID {
	id := SegmentID(len(l.segments))
	l.segments = append(l.segments, &Segment{ID: id, Type: typ, Flags: flags})
	return id
}

func (l *Layout) Segment(id SegmentID) *Segment {
	if id < 0 || int(id) >= len(l.segments) {
		return nil
	}
	return l.segments[id]
}

func (l *Layout) Segments() []*Segment {
	return l.segments
}

func (l *Layout) SegmentCount() int {
	return len(l.segments)
}

// HeaderSize is the size of the file header plus one program header per
// existing segment.
func (l *Layout) HeaderSize() uint64 {
	return l.Target.FileHeaderSize() + uint64(len(l.segments))*l.Target.ProgramHeaderSize()
}

// ExpectedSegmentCount estimates how many program headers the image will
// need before segments exist, for SIZEOF_HEADERS.
func (l *Layout) ExpectedSegmentCount() int {
	var ro, rw, note, tls, relro, interp bool
	for _, os := range l.sections {
		if !os.Allocated() {
			continue
		}
		if os.Writable() {
			rw = true
		} else {
			ro = true
		}
		note = note || os.IsNote()
		tls = tls || os.IsTLS()
		relro = relro || os.IsRelro
		interp = interp || os.Name == ".interp"
	}

	count := 0
	for _, b := range []bool{ro, rw, note, tls, relro, interp} {
		if b {
			count++
		}
	}
	if count == 0 {
		count = 1
	}
	return count
}

// InputPlacement finds where an input section ended up.
func (l *Layout) InputPlacement(file string, index uint32) (SectionID, uint64, bool) {
	key := inputKey{file, index}
	for _, os := range l.sections {
		for _, e := range os.entries {
			if e.Kind == EntryInput && (inputKey{e.Input.File, e.Input.Index}) == key {
				return os.ID, e.Offset, true
			}
		}
	}
	return NoSection, 0, false
}
