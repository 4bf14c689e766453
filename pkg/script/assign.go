package script

import (
	"encoding/binary"
	"fmt"

	"github.com/andreistan26/golayout/pkg/helpers"
	"github.com/andreistan26/golayout/pkg/layout"
	"github.com/andreistan26/golayout/pkg/log"
	"github.com/andreistan26/golayout/pkg/symtab"
)

// position is the running state of the top level walk.
type position struct {
	dot         uint64
	loadAddress uint64
	// largest alignment asked of dot, used as the minimum segment alignment
	dotAlign uint64
}

func (p *position) noteAlign(align uint64) {
	if align > p.dotAlign {
		p.dotAlign = align
	}
}

// SetSectionAddresses assigns addresses to every output section and
// creates the segments. It returns the segment that holds the file and
// program headers, or NoSegment.
func (s *Sections) SetSectionAddresses(tab *symtab.Table, l *layout.Layout) (layout.SegmentID, error) {
	env := &Env{Symtab: tab, Layout: l, Sections: s}

	if err := s.resolveConstraints(l); err != nil {
		return NoSegment, err
	}
	s.alignTLS(l)

	pos := &position{}
	for _, el := range s.elements {
		var err error
		switch el := el.(type) {
		case *Assignment:
			err = el.set(env, true, pos.dot, layout.NoSection, false)
		case *DotAssignment:
			var align uint64
			pos.dot, _, align, err = env.evalMaybeDot(el.Expr, false, true, pos.dot, layout.NoSection, false)
			pos.noteAlign(align)
			pos.loadAddress = pos.dot
		case *Assertion:
		case *OutputSectionDefinition:
			err = el.setSectionAddresses(env, pos)
		case *OrphanMarker:
			el.setSectionAddresses(env, pos)
		}
		if err != nil {
			return NoSegment, err
		}
	}

	for _, p := range s.phdrs {
		if err := p.evalLoadAddress(env); err != nil {
			return NoSegment, err
		}
	}

	return s.createSegments(l, pos.dotAlign)
}

// set gives the symbol its current value. During address assignment the
// value is provisional.
func (a *Assignment) set(env *Env, dotAvailable bool, dot uint64, dotSection layout.SectionID, check bool) error {
	if a.sym == nil {
		return nil
	}
	v, sec, _, err := env.evalMaybeDot(a.Expr, check, dotAvailable, dot, dotSection, false)
	if err != nil {
		return fmt.Errorf("%s: %w", a.Name, err)
	}
	a.sym.SetValue(v, sec)
	return nil
}

// checkConstraint reports whether the definition's section agrees with
// its ONLY_IF_RO/ONLY_IF_RW constraint.
func (d *OutputSectionDefinition) checkConstraint(l *layout.Layout) (bool, error) {
	os := l.Section(d.section)
	switch d.Constraint {
	case OnlyIfRO:
		return os == nil || !os.Writable(), nil
	case OnlyIfRW:
		return os == nil || os.Writable(), nil
	case ConstraintSpecial:
		if os != nil {
			return true, fmt.Errorf("%w: %s", SpecialConstraintErr, d.Name)
		}
	}
	return true, nil
}

// alternateConstraint takes over the section of failed when this
// definition has the complementary constraint.
func (d *OutputSectionDefinition) alternateConstraint(l *layout.Layout, failed *OutputSectionDefinition) (bool, error) {
	if d.Name != failed.Name {
		return false, nil
	}
	switch failed.Constraint {
	case OnlyIfRO:
		if d.Constraint != OnlyIfRW {
			return false, nil
		}
	case OnlyIfRW:
		if d.Constraint != OnlyIfRO {
			return false, nil
		}
	default:
		return false, nil
	}

	if d.section != layout.NoSection {
		return true, fmt.Errorf("%w: %s", MismatchedConstraintErr, d.Name)
	}

	d.section = failed.section
	failed.section = layout.NoSection

	os := l.Section(d.section)
	if d.IsRelro {
		os.SetIsRelro()
	} else {
		os.ClearIsRelro()
	}
	return true, nil
}

func (s *Sections) resolveConstraints(l *layout.Layout) error {
	defs := s.definitions()
	for _, def := range defs {
		ok, err := def.checkConstraint(l)
		if err != nil {
			return err
		}
		if ok {
			continue
		}

		moved := false
		for _, other := range defs {
			if other == def {
				continue
			}
			moved, err = other.alternateConstraint(l, def)
			if err != nil {
				return err
			}
			if moved {
				log.Debugf("moved %s to its %s definition", other.Name, other.Constraint)
				break
			}
		}
		if !moved {
			return fmt.Errorf("%w: %s", NoMatchingConstraintErr, def.Name)
		}
	}
	return nil
}

// alignTLS gives the first TLS section the largest alignment of all TLS
// sections so the TLS segment is aligned as a whole.
func (s *Sections) alignTLS(l *layout.Layout) {
	var first *layout.OutputSection
	var align uint64
	for _, el := range s.elements {
		os := l.Section(outputSection(el))
		if os == nil || !os.IsTLS() {
			continue
		}
		if first == nil {
			first = os
		}
		if os.AddrAlign > align {
			align = os.AddrAlign
		}
	}
	if first != nil {
		first.SetAddrAlign(align)
	}
}

// fillPattern expands a FILL value: the value's four big-endian bytes
// repeated.
func fillPattern(value uint64) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(value))
}

func fillBytes(pattern []byte, length uint64) []byte {
	out := make([]byte, length)
	if len(pattern) == 0 {
		return out
	}
	for i := range out {
		out[i] = pattern[i%len(pattern)]
	}
	return out
}

// sectionWalk is the state while placing the body of one definition.
type sectionWalk struct {
	env     *Env
	def     *OutputSectionDefinition
	os      *layout.OutputSection
	section layout.SectionID
	pos     *position

	start    uint64
	dot      uint64
	fill     []byte
	subalign uint64
	inputs   []*layout.InputSection
}

func (w *sectionWalk) offset() uint64 {
	return w.dot - w.start
}

// gap advances dot to next, filling the hole in the output.
func (w *sectionWalk) gap(next uint64, always bool) {
	if next <= w.dot || w.os == nil {
		return
	}
	if len(w.fill) == 0 && !always {
		return
	}
	w.os.AddFill(w.offset(), fillBytes(w.fill, next-w.dot))
}

func (d *OutputSectionDefinition) warnNotAbsolute(what string, sec layout.SectionID) {
	if sec != layout.NoSection {
		log.Warnf("%s of section %s is not absolute", what, d.Name)
	}
}

func (d *OutputSectionDefinition) setSectionAddresses(env *Env, pos *position) error {
	oldDot := pos.dot
	oldLoad := pos.loadAddress
	os := env.Layout.Section(d.section)

	address := pos.dot
	if d.Address != nil {
		var align uint64
		var err error
		address, _, align, err = env.evalMaybeDot(d.Address, false, true, pos.dot, layout.NoSection, false)
		if err != nil {
			return fmt.Errorf("address of %s: %w", d.Name, err)
		}
		pos.noteAlign(align)
	}

	var align uint64
	if d.Align != nil {
		v, sec, _, err := env.evalMaybeDot(d.Align, false, true, pos.dot, layout.NoSection, false)
		if err != nil {
			return fmt.Errorf("alignment of %s: %w", d.Name, err)
		}
		d.warnNotAbsolute("alignment", sec)
		align = v
		if os != nil {
			os.SetAddrAlign(align)
		}
	} else if os != nil {
		align = os.AddrAlign
	}
	address = helpers.AlignUp(address, align)

	// Sections that are not loaded live at address zero.
	loaded := os == nil || os.Allocated() || os.IsNoload
	if loaded {
		pos.dot = address
	} else {
		address = 0
	}
	if os != nil {
		os.SetAddress(address)
	}
	d.evaluatedAddress = address
	d.evaluatedAlign = align

	laddr := address
	if d.LoadAddress != nil {
		v, _, _, err := env.evalMaybeDot(d.LoadAddress, false, true, address, d.section, false)
		if err != nil {
			return fmt.Errorf("load address of %s: %w", d.Name, err)
		}
		laddr = v
		if os != nil {
			os.SetLoadAddress(laddr)
		}
	} else if loaded && oldLoad != oldDot {
		laddr = oldLoad + (address - oldDot)
		if os != nil {
			os.SetLoadAddress(laddr)
		}
	} else if os != nil {
		os.ClearLoadAddress()
	}
	d.evaluatedLoadAddress = laddr

	w := &sectionWalk{
		env:     env,
		def:     d,
		os:      os,
		section: d.section,
		pos:     pos,
		start:   address,
		dot:     address,
	}

	if d.Subalign != nil {
		v, sec, _, err := env.evalMaybeDot(d.Subalign, false, true, address, d.section, false)
		if err != nil {
			return fmt.Errorf("subalign of %s: %w", d.Name, err)
		}
		d.warnNotAbsolute("subalign", sec)
		w.subalign = v
	}
	if d.Fill != nil {
		v, sec, _, err := env.evalMaybeDot(d.Fill, false, true, address, d.section, false)
		if err != nil {
			return fmt.Errorf("fill of %s: %w", d.Name, err)
		}
		d.warnNotAbsolute("fill", sec)
		w.fill = fillPattern(v)
	}

	if os != nil {
		inputs, consumed := os.GetAndRemovePendingInputSections(0, w.fill)
		w.inputs = inputs
		w.dot += consumed
	}

	for _, el := range d.Elements {
		if err := w.place(el); err != nil {
			return err
		}
	}

	if len(w.inputs) != 0 {
		return fmt.Errorf("%w: %d in %s", UnplacedInputErr, len(w.inputs), d.Name)
	}

	if os != nil {
		if d.IsRelro {
			os.SetIsRelro()
		} else {
			os.ClearIsRelro()
		}
		os.SetSize(w.dot - w.start)
		if os.IsTBSS() {
			w.dot = w.start
		}
	}

	if !loaded {
		pos.dot = oldDot
		pos.loadAddress = oldLoad
		return nil
	}
	pos.loadAddress = laddr + (w.dot - w.start)
	pos.dot = w.dot
	return nil
}

func (w *sectionWalk) place(el Element) error {
	env := w.env
	switch el := el.(type) {
	case *Assignment:
		return el.set(env, true, w.dot, w.section, false)

	case *DotAssignment:
		next, _, align, err := env.evalMaybeDot(el.Expr, false, true, w.dot, w.section, true)
		if err != nil {
			return fmt.Errorf("%s: %w", w.def.Name, err)
		}
		w.pos.noteAlign(align)
		if next < w.dot {
			return fmt.Errorf("%w: %s", DotBackwardErr, w.def.Name)
		}
		w.gap(next, true)
		w.dot = next

	case *Assertion:

	case *Data:
		if w.os == nil {
			return fmt.Errorf("%w: data in %s", MissingOutputErr, w.def.Name)
		}
		el.entry = w.os.AddData(w.offset(), uint64(el.Size))
		el.section = w.section
		w.dot += uint64(el.Size)

	case *Fill:
		v, sec, _, err := env.evalMaybeDot(el.Expr, false, true, w.dot, w.section, false)
		if err != nil {
			return fmt.Errorf("fill in %s: %w", w.def.Name, err)
		}
		w.def.warnNotAbsolute("fill", sec)
		w.fill = fillPattern(v)

	case *InputSpec:
		return w.placeInputs(el)
	}
	return nil
}

// placeInputs moves the pending inputs matching spec into the output
// section. Matches are bucketed per section pattern so each bucket is
// sorted on its own.
func (w *sectionWalk) placeInputs(spec *InputSpec) error {
	buckets := make([][]*layout.InputSection, max(len(spec.Patterns), 1))
	remaining := w.inputs[:0]
	for _, in := range w.inputs {
		if !spec.MatchFile(in.File) {
			remaining = append(remaining, in)
			continue
		}
		i, ok := spec.MatchSection(in.Name)
		if !ok {
			remaining = append(remaining, in)
			continue
		}
		buckets[i] = append(buckets[i], in)
	}
	w.inputs = remaining

	for i, bucket := range buckets {
		if len(bucket) == 0 {
			continue
		}
		if w.os == nil {
			return fmt.Errorf("%w: inputs in %s", MissingOutputErr, w.def.Name)
		}
		sectionSort := SortNone
		if len(spec.Patterns) > 0 {
			sectionSort = spec.Patterns[i].Sort
		}
		sortInputs(bucket, spec.FileSort, sectionSort)

		for _, in := range bucket {
			align := max(in.AddrAlign, w.subalign)
			next := helpers.AlignUp(w.dot, align)
			w.gap(next, false)
			w.dot = next
			w.os.AddScriptInput(in, w.offset())
			w.dot += in.Size
		}
	}

	spec.finalDot = w.dot
	spec.finalSection = w.section
	return nil
}

func (m *OrphanMarker) setSectionAddresses(env *Env, pos *position) {
	os := env.Layout.Section(m.section)
	haveLoad := pos.loadAddress != pos.dot

	address := helpers.AlignUp(pos.dot, os.AddrAlign)
	if env.Sections.opts.Relocatable || !os.Allocated() {
		address = 0
	}
	os.SetAddress(address)
	if haveLoad && os.Allocated() {
		os.SetLoadAddress(helpers.AlignUp(pos.loadAddress, os.AddrAlign))
	} else {
		os.ClearLoadAddress()
	}

	start := address
	inputs, consumed := os.GetAndRemovePendingInputSections(0, nil)
	address += consumed
	for _, in := range inputs {
		address = helpers.AlignUp(address, in.AddrAlign)
		os.AddScriptInput(in, address-start)
		address += in.Size
	}
	os.SetSize(address - start)

	switch {
	case env.Sections.opts.Relocatable:
		pos.dot = 0
		pos.loadAddress = 0
	case !os.Allocated() || os.IsTBSS():
	default:
		if haveLoad {
			pos.loadAddress += address - pos.dot
		} else {
			pos.loadAddress = address
		}
		pos.dot = address
	}
}

// NoSegment is returned when no segment holds the headers.
const NoSegment layout.SegmentID = -1
