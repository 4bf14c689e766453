package script

import (
	"fmt"
	"sort"

	"github.com/andreistan26/golayout/pkg/elf"
	"github.com/andreistan26/golayout/pkg/helpers"
	"github.com/andreistan26/golayout/pkg/layout"
	"github.com/andreistan26/golayout/pkg/log"
)

// PhdrsElement is one line of the PHDRS clause.
type PhdrsElement struct {
	Name            string
	Type            elf.SegmentType
	IncludesFilehdr bool
	IncludesPhdrs   bool
	HasFlags        bool
	Flags           elf.SegmentFlag
	LoadAddress     Expr

	loadAddress uint64
	segment     layout.SegmentID
}

func (p *PhdrsElement) evalLoadAddress(env *Env) error {
	if p.LoadAddress == nil {
		return nil
	}
	v, err := Eval(p.LoadAddress, env, false)
	if err != nil {
		return fmt.Errorf("load address of segment %s: %w", p.Name, err)
	}
	p.loadAddress = v
	return nil
}

// Segment is the created segment.
func (p *PhdrsElement) Segment() layout.SegmentID {
	return p.segment
}

func (s *Sections) createSegments(l *layout.Layout, dotAlign uint64) (layout.SegmentID, error) {
	if s.opts.Relocatable {
		return NoSegment, nil
	}
	if s.phdrs != nil {
		if err := s.attachSectionsUsingPhdrs(l); err != nil {
			return NoSegment, err
		}
		return s.setPhdrsAddresses(l, dotAlign)
	}

	sections := s.sortedAllocatedSections(l)
	if err := s.createNoteAndTLSSegments(l, sections); err != nil {
		return NoSegment, err
	}
	first := s.createLoadSegments(l, sections, dotAlign)
	s.createInterpAndRelroSegments(l, sections)
	return s.placeHeaders(l, first), nil
}

// attachSectionsUsingPhdrs puts every allocated section in the segments
// its definition lists, or the ones the previous definition listed.
// Orphans only inherit PT_LOAD segments.
func (s *Sections) attachSectionsUsingPhdrs(l *layout.Layout) error {
	byName := map[string]*PhdrsElement{}
	for _, p := range s.phdrs {
		p.segment = l.MakeSegment(p.Type, 0)
		byName[p.Name] = p
	}

	var names []string
	loadOnly := false
	for _, el := range s.elements {
		var os *layout.OutputSection
		orphan := false
		old := names

		switch el := el.(type) {
		case *OutputSectionDefinition:
			os = l.Section(el.section)
			if os == nil || !os.Allocated() {
				continue
			}
			if el.Phdrs != nil {
				names = el.Phdrs
			}
		case *OrphanMarker:
			os = l.Section(el.section)
			if !os.Allocated() {
				continue
			}
			orphan = true
		default:
			continue
		}

		if names == nil {
			if !orphan || os.Size > 0 {
				return fmt.Errorf("%w: %s", NoSegmentErr, os.Name)
			}
			continue
		}
		if !sameList(old, names) {
			loadOnly = false
		}
		if orphan {
			loadOnly = true
		}

		flags := layout.SectionFlagsToSegment(os.Flags)
		inLoad := false
		for _, name := range names {
			p, ok := byName[name]
			if !ok {
				return fmt.Errorf("%w %s", UnknownSegmentErr, name)
			}
			seg := l.Segment(p.segment)
			if loadOnly && seg.Type != elf.PT_LOAD {
				continue
			}
			seg.AddOutputSection(os.ID, flags)
			if seg.Type == elf.PT_LOAD {
				if inLoad {
					return fmt.Errorf("%w: %s", TwoLoadSegmentsErr, os.Name)
				}
				inLoad = true
			}
		}
		if !inLoad {
			return fmt.Errorf("%w: %s", NoLoadSegmentErr, os.Name)
		}
	}
	return nil
}

func sameList(a, b []string) bool {
	if len(a) != len(b) || (a == nil) != (b == nil) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// headerAdjustment is how far below lma the headers must start so that
// they end at lma without crossing into the page before.
func headerAdjustment(lma, headerSize, pageSize uint64) uint64 {
	if lma < headerSize {
		return headerSize
	}
	hdr := helpers.AlignDown(lma-headerSize, pageSize)
	return lma - hdr
}

func (s *Sections) setPhdrsAddresses(l *layout.Layout, dotAlign uint64) (layout.SegmentID, error) {
	headerSeg := NoSegment
	for _, p := range s.phdrs {
		seg := l.Segment(p.segment)
		// flags are fixed after the members widened them
		if p.HasFlags {
			seg.SetFlags(p.Flags)
		}

		if seg.Type != elf.PT_LOAD {
			if p.LoadAddress != nil {
				return NoSegment, fmt.Errorf("%w: %s", NonLoadAddressErr, p.Name)
			}
			if id := seg.SectionWithLowestLoadAddress(l); id != layout.NoSection {
				os := l.Section(id)
				seg.SetAddresses(os.Address, os.LoadAddr())
			}
			continue
		}

		seg.SetMinimumAlign(dotAlign)
		id := seg.SectionWithLowestLoadAddress(l)
		if id == layout.NoSection {
			seg.SetAddresses(0, 0)
			continue
		}

		os := l.Section(id)
		vma := os.Address
		lma := os.LoadAddr()
		if p.LoadAddress != nil {
			if os.HasLoadAddress() {
				log.Warnf("PHDRS load address overrides section %s load address", os.Name)
			}
			lma = p.loadAddress
		}

		headers := p.IncludesFilehdr && p.IncludesPhdrs
		if !headers && (p.IncludesFilehdr || p.IncludesPhdrs) {
			return NoSegment, fmt.Errorf("%w: %s", PartialHeadersErr, p.Name)
		}
		if headers {
			subtract := l.HeaderSize()
			if lma < subtract || vma < subtract {
				return NoSegment, fmt.Errorf("%w: %s", HeaderRoomErr, p.Name)
			}
			lma -= subtract
			vma -= subtract
			if headerSeg != NoSegment {
				return NoSegment, MultipleHeadersErr
			}
			headerSeg = p.segment
			seg.IncludesHeaders = true
		}
		seg.SetAddresses(vma, lma)
	}
	return headerSeg, nil
}

// sortedAllocatedSections orders the allocated sections by load address,
// then address, then script order. Sections the script does not order go
// TLS last and PROGBITS before NOBITS.
func (s *Sections) sortedAllocatedSections(l *layout.Layout) []*layout.OutputSection {
	order := map[layout.SectionID]int{}
	for i, el := range s.elements {
		if id := outputSection(el); id != layout.NoSection {
			order[id] = i
		}
	}

	sections := []*layout.OutputSection{}
	for _, id := range l.AllocatedSections() {
		sections = append(sections, l.Section(id))
	}
	sort.SliceStable(sections, func(i, j int) bool {
		a, b := sections[i], sections[j]
		if a.LoadAddr() != b.LoadAddr() {
			return a.LoadAddr() < b.LoadAddr()
		}
		if a.Address != b.Address {
			return a.Address < b.Address
		}
		oa, aok := order[a.ID]
		ob, bok := order[b.ID]
		if aok && bok && oa != ob {
			return oa < ob
		}
		if a.IsTLS() != b.IsTLS() {
			return b.IsTLS()
		}
		if a.IsNoBits() != b.IsNoBits() {
			return b.IsNoBits()
		}
		return false
	})
	return sections
}

// runs groups consecutive sections satisfying pred.
func runs(sections []*layout.OutputSection, pred func(*layout.OutputSection) bool) [][]*layout.OutputSection {
	out := [][]*layout.OutputSection{}
	var cur []*layout.OutputSection
	for _, os := range sections {
		if pred(os) {
			cur = append(cur, os)
			continue
		}
		if cur != nil {
			out = append(out, cur)
			cur = nil
		}
	}
	if cur != nil {
		out = append(out, cur)
	}
	return out
}

func makeNonLoadSegment(l *layout.Layout, typ elf.SegmentType, members []*layout.OutputSection) layout.SegmentID {
	id := l.MakeSegment(typ, 0)
	seg := l.Segment(id)
	for _, os := range members {
		seg.AddOutputSection(os.ID, layout.SectionFlagsToSegment(os.Flags))
	}
	seg.SetAddresses(members[0].Address, members[0].LoadAddr())
	return id
}

// createNoteAndTLSSegments makes a PT_NOTE per run of notes and the single
// PT_TLS.
func (s *Sections) createNoteAndTLSSegments(l *layout.Layout, sections []*layout.OutputSection) error {
	for _, run := range runs(sections, (*layout.OutputSection).IsNote) {
		makeNonLoadSegment(l, elf.PT_NOTE, run)
	}

	tls := runs(sections, (*layout.OutputSection).IsTLS)
	if len(tls) > 1 {
		return TLSNotAdjacentErr
	}
	if len(tls) == 1 {
		makeNonLoadSegment(l, elf.PT_TLS, tls[0])
	}
	return nil
}

func (s *Sections) createInterpAndRelroSegments(l *layout.Layout, sections []*layout.OutputSection) {
	interp := helpers.FindIf(sections, func(os *layout.OutputSection) bool { return os.Name == ".interp" })
	if interp >= 0 {
		makeNonLoadSegment(l, elf.PT_INTERP, sections[interp:interp+1])
	}
	relro := runs(sections, func(os *layout.OutputSection) bool { return os.IsRelro })
	if len(relro) > 0 {
		makeNonLoadSegment(l, elf.PT_GNU_RELRO, relro[0])
	}
}

// createLoadSegments walks the sorted sections and starts a new PT_LOAD
// whenever the current one cannot be extended. It returns the first one.
func (s *Sections) createLoadSegments(l *layout.Layout, sections []*layout.OutputSection, dotAlign uint64) layout.SegmentID {
	page := l.Target.PageSize
	first := NoSegment
	var cur *layout.Segment
	readonly := true
	inBSS := false
	var lastVMA, lastLMA, lastSize uint64

	for _, os := range sections {
		vma := os.Address
		lma := os.LoadAddr()

		var split bool
		switch {
		case cur == nil:
			split = true
		case lma-vma != lastLMA-lastVMA:
			split = true
		case helpers.AlignUp(lastLMA+lastSize, page) < helpers.AlignUp(lma, page):
			split = true
		case inBSS && !isBSS(os):
			split = true
		case readonly && os.Writable() && !s.opts.Omagic:
			split = true
		}

		flags := layout.SectionFlagsToSegment(os.Flags)
		if split {
			id := l.MakeSegment(elf.PT_LOAD, flags)
			cur = l.Segment(id)
			cur.SetAddresses(vma, lma)
			cur.SetMinimumAlign(dotAlign)
			if first == NoSegment {
				first = id
			}
			readonly = true
			inBSS = false
			log.Debugf("new PT_LOAD segment at %#x for %s", vma, os.Name)
		}
		cur.AddOutputSection(os.ID, flags)

		if os.Writable() {
			readonly = false
		}
		if isBSS(os) {
			inBSS = true
		}
		lastVMA, lastLMA, lastSize = vma, lma, os.Size
	}
	return first
}

// placeHeaders finds room for the file and program headers: in the first
// page of the first PT_LOAD if it has space, otherwise in a new read-only
// PT_LOAD below it. Without room the headers stay outside any segment.
func (s *Sections) placeHeaders(l *layout.Layout, first layout.SegmentID) layout.SegmentID {
	if s.opts.Omagic || s.opts.Nmagic {
		return NoSegment
	}
	page := l.Target.PageSize

	var vma, lma uint64
	if seg := l.Segment(first); seg != nil {
		if seg.PAddr&(page-1) >= l.HeaderSize() {
			seg.SetAddresses(seg.VAddr-l.HeaderSize(), seg.PAddr-l.HeaderSize())
			seg.IncludesHeaders = true
			return first
		}
		vma, lma = seg.VAddr, seg.PAddr
	}

	size := l.HeaderSize() + l.Target.ProgramHeaderSize()
	subtract := headerAdjustment(lma, size, page)
	if lma < subtract || vma < subtract {
		log.Debugf("no room for file and program headers below %#x", lma)
		return NoSegment
	}
	id := l.MakeSegment(elf.PT_LOAD, elf.PF_R)
	seg := l.Segment(id)
	seg.SetAddresses(vma-subtract, lma-subtract)
	seg.IncludesHeaders = true
	return id
}

func isBSS(os *layout.OutputSection) bool {
	return os.IsBSS()
}
