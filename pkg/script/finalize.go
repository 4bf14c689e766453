package script

import (
	"fmt"

	"github.com/andreistan26/golayout/pkg/elf"
	"github.com/andreistan26/golayout/pkg/helpers"
	"github.com/andreistan26/golayout/pkg/layout"
	"github.com/andreistan26/golayout/pkg/symtab"
)

func (a *Assertion) check(env *Env, dotAvailable bool, dot uint64, dotSection layout.SectionID) error {
	v, _, _, err := env.evalMaybeDot(a.Expr, true, dotAvailable, dot, dotSection, false)
	if err != nil {
		return err
	}
	if v == 0 {
		return &AssertionError{Message: a.Message}
	}
	return nil
}

// FinalizeSymbols walks the clause again now that every address is known,
// giving script symbols their final values, checking assertions and
// filling in data statements.
func (s *Sections) FinalizeSymbols(tab *symtab.Table, l *layout.Layout) error {
	if !s.sawSections {
		return nil
	}
	env := &Env{Symtab: tab, Layout: l, Sections: s}

	var dot uint64
	for _, el := range s.elements {
		switch el := el.(type) {
		case *Assignment:
			if err := el.set(env, true, dot, layout.NoSection, true); err != nil {
				return err
			}
		case *DotAssignment:
			v, _, _, err := env.evalMaybeDot(el.Expr, true, true, dot, layout.NoSection, false)
			if err != nil {
				return err
			}
			dot = v
		case *Assertion:
			if err := el.check(env, true, dot, layout.NoSection); err != nil {
				return err
			}
		case *OutputSectionDefinition:
			var err error
			if dot, err = el.finalizeSymbols(env, dot); err != nil {
				return err
			}
		case *OrphanMarker:
			os := l.Section(el.section)
			if os.Allocated() && !os.IsTBSS() {
				dot = os.Address + os.Size
			}
		}
	}
	return nil
}

func (d *OutputSectionDefinition) finalizeSymbols(env *Env, dot uint64) (uint64, error) {
	os := env.Layout.Section(d.section)
	oldDot := dot
	if os != nil {
		dot = os.Address
	} else {
		if d.Address != nil {
			v, _, _, err := env.evalMaybeDot(d.Address, true, true, dot, layout.NoSection, false)
			if err != nil {
				return 0, err
			}
			dot = v
		}
		if d.Align != nil {
			v, _, _, err := env.evalMaybeDot(d.Align, true, true, dot, layout.NoSection, false)
			if err != nil {
				return 0, err
			}
			dot = helpers.AlignUp(dot, v)
		}
	}

	for _, el := range d.Elements {
		switch el := el.(type) {
		case *Assignment:
			if err := el.set(env, true, dot, d.section, true); err != nil {
				return 0, err
			}
		case *DotAssignment:
			v, _, _, err := env.evalMaybeDot(el.Expr, true, true, dot, d.section, true)
			if err != nil {
				return 0, err
			}
			dot = v
		case *Assertion:
			if err := el.check(env, true, dot, d.section); err != nil {
				return 0, err
			}
		case *Data:
			if err := el.write(env, dot); err != nil {
				return 0, fmt.Errorf("%s: %w", d.Name, err)
			}
			dot += uint64(el.Size)
		case *InputSpec:
			if el.finalSection == d.section {
				dot = el.finalDot
			}
		}
	}

	if os != nil && !os.Allocated() && !os.IsNoload {
		return oldDot, nil
	}
	if os != nil && os.IsTBSS() {
		return os.Address, nil
	}
	return dot, nil
}

// write evaluates the data statement at its own address and stores the
// bytes in target byte order. On 32-bit targets a QUAD is truncated and a
// SQUAD sign-extended from 32 bits.
func (d *Data) write(env *Env, dot uint64) error {
	if d.entry == nil {
		return nil
	}
	v, _, _, err := env.evalMaybeDot(d.Expr, true, true, dot, d.section, false)
	if err != nil {
		return err
	}

	target := env.Layout.Target
	bo := target.ByteOrder
	buf := d.entry.Data
	switch d.Size {
	case 1:
		buf[0] = byte(v)
	case 2:
		bo.PutUint16(buf, uint16(v))
	case 4:
		bo.PutUint32(buf, uint32(v))
	case 8:
		if target.Class == elf.ELFCLASS32 {
			v &= 0xffffffff
			if d.Signed && v&0x80000000 != 0 {
				v |= 0xffffffff00000000
			}
		}
		bo.PutUint64(buf, v)
	}
	return nil
}
