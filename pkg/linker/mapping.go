package linker

import (
	"math"
	"sort"
	"strings"

	"github.com/andreistan26/golayout/pkg/elf"
	"github.com/andreistan26/golayout/pkg/layout"
	"github.com/andreistan26/golayout/pkg/log"
)

// Input name prefixes folded into one output section when no SECTIONS
// clause names the output.
var prefixes = []string{
	".text.", ".data.rel.ro.", ".data.", ".rodata.", ".bss.rel.ro.", ".bss.",
	".init_array.", ".fini_array.", ".tbss.", ".tdata.", ".gcc_except_table.",
	".ctors.", ".dtors.",
}

// OutputName is the default output section for an input section.
func OutputName(name string, flags elf.SectionFlag) string {
	if (name == ".rodata" || strings.HasPrefix(name, ".rodata.")) && flags&elf.SHF_MERGE != 0 {
		if flags&elf.SHF_STRINGS != 0 {
			return ".rodata.str"
		}
		return ".rodata.cst"
	}

	for _, prefix := range prefixes {
		stem := prefix[:len(prefix)-1]
		if name == stem || strings.HasPrefix(name, prefix) {
			return stem
		}
	}
	return name
}

// rank orders default output sections: notes first, then read-only
// executable, read-only data, TLS, writable data and BSS. Non-allocated
// sections go last.
func rank(typ elf.SectionType, flags elf.SectionFlag) int32 {
	if flags&elf.SHF_ALLOC == 0 {
		return math.MaxInt32
	}
	if typ == elf.SHT_NOTE {
		return 0
	}

	b2i := func(b bool) int32 {
		if b {
			return 1
		}
		return 0
	}

	writeable := b2i(flags&elf.SHF_WRITE != 0)
	notExec := b2i(flags&elf.SHF_EXECINSTR == 0)
	notTls := b2i(flags&elf.SHF_TLS == 0)
	isBss := b2i(typ == elf.SHT_NOBITS)

	return writeable<<7 | notExec<<6 | notTls<<5 | isBss<<4
}

// InputSections lists the sections of the live objects in command line
// order.
func (l *Linker) InputSections() []*layout.InputSection {
	out := []*layout.InputSection{}
	for _, obj := range l.LiveObjects() {
		for _, ndx := range obj.File.InputSections() {
			shdr := obj.File.Sections[ndx]
			out = append(out, &layout.InputSection{
				File:      obj.Name,
				Index:     ndx,
				Name:      shdr.Name,
				Type:      shdr.Type,
				Flags:     shdr.Flags,
				Size:      shdr.Size,
				AddrAlign: shdr.AddrAlign,
			})
		}
	}
	return out
}

// MapSections routes every input section to its output section. With the
// default layout the inputs are folded by name and ranked, so the orphans
// are created in classic section order.
func (l *Linker) MapSections(defaultLayout bool) {
	inputs := l.InputSections()
	if defaultLayout {
		sort.SliceStable(inputs, func(i, j int) bool {
			return rank(inputs[i].Type, inputs[i].Flags) < rank(inputs[j].Type, inputs[j].Flags)
		})
	}

	discarded := 0
	for _, in := range inputs {
		orphanName := ""
		if defaultLayout {
			orphanName = OutputName(in.Name, in.Flags)
		}
		if _, ok := l.Script.Sections.MapInputSection(l.Layout, in, orphanName); !ok {
			discarded++
		}
	}
	log.Debugf("mapped %d input sections, %d discarded, %d output sections",
		len(inputs), discarded, len(l.Layout.Sections()))
}
