package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreistan26/golayout/pkg/elf"
)

func TestOutputSectionMergesInputs(t *testing.T) {
	l := New(DefaultTarget())
	id := l.MakeOutputSection(".data", elf.SHT_NULL, 0)
	os := l.Section(id)

	os.AddInputSection(&InputSection{File: "a.o", Index: 1, Name: ".bss", Type: elf.SHT_NOBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Size: 4, AddrAlign: 4})
	assert.Equal(t, elf.SHT_NOBITS, os.Type)

	os.AddInputSection(&InputSection{File: "a.o", Index: 2, Name: ".data", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE | elf.SHF_GROUP, Size: 8, AddrAlign: 8})
	assert.Equal(t, elf.SHT_PROGBITS, os.Type)
	assert.Equal(t, elf.SHF_ALLOC|elf.SHF_WRITE, os.Flags)
	assert.Equal(t, uint64(8), os.AddrAlign)
	assert.Len(t, os.PendingInputSections(), 2)
}

func TestGetAndRemovePending(t *testing.T) {
	l := New(DefaultTarget())
	os := l.Section(l.MakeOutputSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC))

	in := &InputSection{File: "a.o", Index: 1, Name: ".text", Type: elf.SHT_PROGBITS, Size: 16, AddrAlign: 4}
	os.AddRawDataBlob([]byte{1, 2, 3, 4}, 0)
	os.AddInputSection(in)

	inputs, consumed := os.GetAndRemovePendingInputSections(0, nil)
	assert.Equal(t, []*InputSection{in}, inputs)
	assert.Equal(t, uint64(4), consumed)
	assert.Empty(t, os.PendingInputSections())
	require.Len(t, os.Entries(), 1)

	os.AddScriptInput(in, 4)
	id, off, ok := l.InputPlacement("a.o", 1)
	assert.True(t, ok)
	assert.Equal(t, os.ID, id)
	assert.Equal(t, uint64(4), off)

	// A second pass gets the placed input back.
	inputs, consumed = os.GetAndRemovePendingInputSections(0, nil)
	assert.Equal(t, []*InputSection{in}, inputs)
	assert.Equal(t, uint64(4), consumed)
	require.Len(t, os.Entries(), 1)
}

func TestLoadAddress(t *testing.T) {
	l := New(DefaultTarget())
	os := l.Section(l.MakeOutputSection(".data", elf.SHT_PROGBITS, elf.SHF_ALLOC))
	os.SetAddress(0x2000)
	assert.Equal(t, uint64(0x2000), os.LoadAddr())
	os.SetLoadAddress(0x8000)
	assert.True(t, os.HasLoadAddress())
	assert.Equal(t, uint64(0x8000), os.LoadAddr())
	os.ClearLoadAddress()
	assert.Equal(t, uint64(0x2000), os.LoadAddr())
}

func TestSegments(t *testing.T) {
	l := New(DefaultTarget())
	text := l.MakeOutputSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR)
	bss := l.MakeOutputSection(".bss", elf.SHT_NOBITS, elf.SHF_ALLOC|elf.SHF_WRITE)
	l.Section(text).SetAddress(0x1000)
	l.Section(text).SetSize(0x100)
	l.Section(bss).SetAddress(0x1100)
	l.Section(bss).SetSize(0x40)

	seg := l.Segment(l.MakeSegment(elf.PT_LOAD, 0))
	seg.AddOutputSection(bss, SectionFlagsToSegment(l.Section(bss).Flags))
	seg.AddOutputSection(text, SectionFlagsToSegment(l.Section(text).Flags))
	assert.Equal(t, elf.PF_R|elf.PF_W|elf.PF_X, seg.Flags)
	assert.Equal(t, text, seg.SectionWithLowestLoadAddress(l))

	seg.SetAddresses(0x1000, 0x1000)
	memsz, filesz, align := seg.Extent(l)
	assert.Equal(t, uint64(0x140), memsz)
	assert.Equal(t, uint64(0x100), filesz)
	assert.Equal(t, uint64(0x1000), align)

	assert.Equal(t, 1, l.SegmentCount())
	assert.Equal(t, uint64(64+56), l.HeaderSize())
}

func TestFixedSegmentFlags(t *testing.T) {
	l := New(DefaultTarget())
	seg := l.Segment(l.MakeSegment(elf.PT_LOAD, 0))
	seg.SetFlags(elf.PF_R)
	seg.AddOutputSection(0, elf.PF_R|elf.PF_W)
	assert.Equal(t, elf.PF_R, seg.Flags)
}

func TestTarget(t *testing.T) {
	tgt := DefaultTarget()
	assert.Equal(t, 64, tgt.WordSize())
	tgt.Class = elf.ELFCLASS32
	assert.Equal(t, 32, tgt.WordSize())
	assert.Equal(t, uint64(52), tgt.FileHeaderSize())
	assert.Equal(t, uint64(32), tgt.ProgramHeaderSize())
	assert.Equal(t, uint64(0xffffffff), tgt.AddressMask())
}

func TestExpectedSegmentCount(t *testing.T) {
	l := New(DefaultTarget())
	assert.Equal(t, 1, l.ExpectedSegmentCount())
	l.MakeOutputSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR)
	l.MakeOutputSection(".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE)
	l.MakeOutputSection(".note.x", elf.SHT_NOTE, elf.SHF_ALLOC)
	assert.Equal(t, 3, l.ExpectedSegmentCount())
}
