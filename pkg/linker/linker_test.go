package linker

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreistan26/golayout/pkg/elf"
	"github.com/andreistan26/golayout/pkg/elf/elftest"
	"github.com/andreistan26/golayout/pkg/layout"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func link(t *testing.T, inputs LinkerInputs) *Linker {
	t.Helper()
	l, err := Link(context.Background(), inputs)
	require.NoError(t, err)
	return l
}

func section(t *testing.T, l *Linker, name string) *layout.OutputSection {
	t.Helper()
	id, ok := l.Layout.FindOutputSection(name)
	require.True(t, ok, "no output section %s", name)
	return l.Layout.Section(id)
}

func symbolValue(t *testing.T, l *Linker, name string) uint64 {
	t.Helper()
	sym := l.Symbols.Lookup(name)
	require.NotNil(t, sym, name)
	require.True(t, sym.Defined, name)
	return sym.Value
}

func TestLinkDefaultLayout(t *testing.T) {
	dir := t.TempDir()
	obj := elftest.Object{
		Sections: []elftest.Section{
			elftest.Bss(".bss", 0x20, 16),
			elftest.Data(".data", 0x10, 8),
			elftest.Text(0x10, 16),
			{Name: ".text.hot", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Size: 0x8, Align: 4},
			elftest.Rodata(".rodata", 0x8, 8),
			{Name: ".comment", Type: elf.SHT_PROGBITS, Size: 0x10, Align: 1},
		},
		Symbols: []elftest.Symbol{
			{Name: "_start", Section: ".text"},
			{Name: "counter", Section: ".data", Value: 4},
		},
	}

	inputs := DefaultInputs()
	inputs.Filenames = []string{writeFile(t, dir, "a.o", obj.Bytes())}
	l := link(t, inputs)

	text := section(t, l, ".text")
	rodata := section(t, l, ".rodata")
	data := section(t, l, ".data")
	bss := section(t, l, ".bss")

	_, ok := l.Layout.FindOutputSection(".text.hot")
	assert.False(t, ok, ".text.hot is folded into .text")
	assert.Equal(t, uint64(0x18), text.Size)

	assert.Greater(t, text.Address, DefaultBase64)
	assert.Less(t, text.Address, rodata.Address)
	assert.Less(t, rodata.Address, data.Address)
	assert.Less(t, data.Address, bss.Address)
	assert.Equal(t, uint64(0), section(t, l, ".comment").Address)

	require.NotEqual(t, layout.SegmentID(-1), l.Header)
	assert.Equal(t, DefaultBase64, l.Layout.Segment(l.Header).VAddr)

	assert.Equal(t, text.Address, symbolValue(t, l, "_start"))
	assert.Equal(t, data.Address+4, symbolValue(t, l, "counter"))

	name, entry := l.Entry()
	assert.Equal(t, "_start", name)
	assert.Equal(t, text.Address, entry)
}

func TestLinkArchiveMembers(t *testing.T) {
	dir := t.TempDir()
	main := elftest.Object{
		Sections: []elftest.Section{elftest.Text(0x10, 4)},
		Symbols: []elftest.Symbol{
			{Name: "_start", Section: ".text"},
			{Name: "helper"},
		},
	}
	deep := elftest.Object{
		Sections: []elftest.Section{elftest.Text(0x4, 4)},
		Symbols:  []elftest.Symbol{{Name: "deep", Section: ".text"}},
	}
	helper := elftest.Object{
		Sections: []elftest.Section{elftest.Text(0x8, 4)},
		Symbols: []elftest.Symbol{
			{Name: "helper", Section: ".text"},
			{Name: "deep"},
		},
	}
	unused := elftest.Object{
		Sections: []elftest.Section{elftest.Text(0x100, 4)},
		Symbols:  []elftest.Symbol{{Name: "unused", Section: ".text"}},
	}

	lib := writeFile(t, dir, "libx.a", buildArchive(
		ArchiveMember{Name: "deep.o", Data: deep.Bytes()},
		ArchiveMember{Name: "helper.o", Data: helper.Bytes()},
		ArchiveMember{Name: "unused.o", Data: unused.Bytes()},
	))

	inputs := DefaultInputs()
	inputs.Filenames = []string{writeFile(t, dir, "main.o", main.Bytes()), lib}
	l := link(t, inputs)

	names := []string{}
	for _, obj := range l.LiveObjects() {
		names = append(names, filepath.Base(obj.Name))
	}
	assert.Equal(t, []string{"main.o", "libx.a(deep.o)", "libx.a(helper.o)"}, names)

	assert.Nil(t, l.Symbols.Lookup("unused"))
	assert.Empty(t, l.Symbols.Undefined())
	assert.Equal(t, uint64(0x10+0x4+0x8), section(t, l, ".text").Size)
}

func TestLinkWithScript(t *testing.T) {
	dir := t.TempDir()
	a := elftest.Object{
		Sections: []elftest.Section{elftest.Text(0x10, 4)},
		Symbols:  []elftest.Symbol{{Name: "_start", Section: ".text"}},
	}
	b := elftest.Object{
		Sections: []elftest.Section{elftest.Text(0x8, 4), elftest.Data(".data", 0x8, 8)},
		Symbols:  []elftest.Symbol{{Name: "bsym", Section: ".text", Value: 2}},
	}
	bPath := writeFile(t, dir, "b.o", b.Bytes())

	src := `
		ENTRY(_start)
		SECTIONS {
			. = 0x10000;
			.text : { *(.text) }
			.data : { *(.data) }
			_end = .;
		}
		INPUT("` + bPath + `")
	`

	inputs := DefaultInputs()
	inputs.Script = writeFile(t, dir, "test.ld", []byte(src))
	inputs.Filenames = []string{writeFile(t, dir, "a.o", a.Bytes())}
	inputs.Defsyms = []string{"answer=0x2a"}
	l := link(t, inputs)

	text := section(t, l, ".text")
	assert.Equal(t, uint64(0x10000), text.Address)
	assert.Equal(t, uint64(0x18), text.Size)

	id, offset, ok := l.Layout.InputPlacement(bPath, 1)
	require.True(t, ok)
	assert.Equal(t, text.ID, id)
	assert.Equal(t, uint64(0x10), offset)

	assert.Equal(t, uint64(0x10012), symbolValue(t, l, "bsym"))
	assert.Equal(t, uint64(0x10020), symbolValue(t, l, "_end"))
	assert.Equal(t, uint64(0x2a), symbolValue(t, l, "answer"))

	name, entry := l.Entry()
	assert.Equal(t, "_start", name)
	assert.Equal(t, uint64(0x10000), entry)
}

func TestLinkDynamicLinker(t *testing.T) {
	dir := t.TempDir()
	obj := elftest.Object{Sections: []elftest.Section{elftest.Text(0x10, 4)}}
	src := `SECTIONS { . = 0x10000; .interp : { *(.interp) } .text : { *(.text) } }`

	inputs := DefaultInputs()
	inputs.Script = writeFile(t, dir, "test.ld", []byte(src))
	inputs.Filenames = []string{writeFile(t, dir, "a.o", obj.Bytes())}
	inputs.DynamicLinker = "/lib/ld.so"
	l := link(t, inputs)

	interp := section(t, l, ".interp")
	assert.Equal(t, uint64(0x10000), interp.Address)
	assert.Equal(t, uint64(len("/lib/ld.so")+1), interp.Size)
	require.Len(t, interp.Entries(), 1)
	assert.Equal(t, append([]byte("/lib/ld.so"), 0), interp.Entries()[0].Data)
	assert.Equal(t, uint64(0x1000c), section(t, l, ".text").Address)

	found := false
	for _, seg := range l.Layout.Segments() {
		if seg.Type == elf.PT_INTERP {
			found = true
			assert.Equal(t, interp.Address, seg.VAddr)
			assert.True(t, seg.Contains(interp.ID))
		}
	}
	assert.True(t, found, "no PT_INTERP segment")
}

func TestLinkImplicitScript(t *testing.T) {
	dir := t.TempDir()
	a := elftest.Object{
		Sections: []elftest.Section{elftest.Text(0x10, 4), elftest.Data(".data", 0x8, 8)},
	}

	inputs := DefaultInputs()
	inputs.Filenames = []string{
		writeFile(t, dir, "a.o", a.Bytes()),
		writeFile(t, dir, "layout.ld", []byte(`SECTIONS { . = 0x2000; .data : { *(.data) } .text : { *(.text) } }`)),
	}
	l := link(t, inputs)

	assert.Equal(t, uint64(0x2000), section(t, l, ".data").Address)
	assert.Equal(t, uint64(0x2008), section(t, l, ".text").Address)
}

func TestLinkRelocatable(t *testing.T) {
	dir := t.TempDir()
	a := elftest.Object{
		Sections: []elftest.Section{elftest.Text(0x10, 4), elftest.Data(".data", 0x8, 8)},
	}

	inputs := DefaultInputs()
	inputs.Relocatable = true
	inputs.Filenames = []string{writeFile(t, dir, "a.o", a.Bytes())}
	l := link(t, inputs)

	assert.Empty(t, l.Layout.Segments())
	assert.Equal(t, uint64(0), section(t, l, ".text").Address)
	assert.Equal(t, uint64(0), section(t, l, ".data").Address)
}

func TestLinkIncompatibleObject(t *testing.T) {
	dir := t.TempDir()
	obj := elftest.Object{Class: elf.ELFCLASS32, Sections: []elftest.Section{elftest.Text(0x10, 4)}}

	inputs := DefaultInputs()
	inputs.Filenames = []string{writeFile(t, dir, "a.o", obj.Bytes())}
	_, err := Link(context.Background(), inputs)
	assert.ErrorIs(t, err, IncompatibleErr)

	inputs.WordSize = 32
	l, err := Link(context.Background(), inputs)
	require.NoError(t, err)
	assert.Equal(t, DefaultBase32, l.Layout.Segment(l.Header).VAddr)
}

func TestLinkerInputsTarget(t *testing.T) {
	inputs := DefaultInputs()
	target, err := inputs.Target()
	require.NoError(t, err)
	assert.Equal(t, elf.ELFCLASS64, target.Class)
	assert.Equal(t, uint64(0x1000), target.PageSize)

	inputs.WordSize = 32
	inputs.BigEndian = true
	inputs.PageSize = 0x10000
	target, err = inputs.Target()
	require.NoError(t, err)
	assert.Equal(t, elf.ELFCLASS32, target.Class)
	assert.Equal(t, uint64(0x10000), target.PageSize)
	assert.Equal(t, uint64(0xbeef), target.ByteOrder.Uint64([]byte{0, 0, 0, 0, 0, 0, 0xbe, 0xef}))

	for _, bad := range []LinkerInputs{
		{WordSize: 16},
		{PageSize: 0x1001},
		{CommonPageSize: 3},
	} {
		_, err := bad.Target()
		assert.ErrorIs(t, err, InvalidOptionErr)
	}
}

func TestOutputName(t *testing.T) {
	tests := []struct {
		name  string
		flags elf.SectionFlag
		want  string
	}{
		{".text", 0, ".text"},
		{".text.unlikely", 0, ".text"},
		{".textual", 0, ".textual"},
		{".data.rel.ro.local", 0, ".data.rel.ro"},
		{".rodata.str1.1", elf.SHF_MERGE | elf.SHF_STRINGS, ".rodata.str"},
		{".rodata.cst8", elf.SHF_MERGE, ".rodata.cst"},
		{".rodata.cst8", 0, ".rodata"},
		{".tbss.x", 0, ".tbss"},
		{".comment", 0, ".comment"},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, OutputName(test.name, test.flags), test.name)
	}
}

func TestRank(t *testing.T) {
	alloc := elf.SHF_ALLOC
	order := []int32{
		rank(elf.SHT_NOTE, alloc),
		rank(elf.SHT_PROGBITS, alloc|elf.SHF_EXECINSTR),
		rank(elf.SHT_PROGBITS, alloc),
		rank(elf.SHT_PROGBITS, alloc|elf.SHF_WRITE|elf.SHF_TLS),
		rank(elf.SHT_NOBITS, alloc|elf.SHF_WRITE|elf.SHF_TLS),
		rank(elf.SHT_PROGBITS, alloc|elf.SHF_WRITE),
		rank(elf.SHT_NOBITS, alloc|elf.SHF_WRITE),
		rank(elf.SHT_PROGBITS, 0),
	}
	for i := 1; i < len(order); i++ {
		assert.Less(t, order[i-1], order[i], "rank %d", i)
	}
}

func TestWriteMap(t *testing.T) {
	dir := t.TempDir()
	a := elftest.Object{
		Sections: []elftest.Section{elftest.Text(0x10, 4)},
		Symbols:  []elftest.Symbol{{Name: "_start", Section: ".text"}},
	}

	inputs := DefaultInputs()
	inputs.Filenames = []string{writeFile(t, dir, "a.o", a.Bytes())}
	inputs.Defsyms = []string{"marker=0x1234"}
	l := link(t, inputs)

	var out bytes.Buffer
	require.NoError(t, l.WriteMap(&out))

	text := out.String()
	assert.Contains(t, text, "Entry point _start")
	assert.Contains(t, text, ".text")
	assert.Contains(t, text, "PT_LOAD")
	assert.Contains(t, text, "[headers]")
	assert.Contains(t, text, "marker")
}
