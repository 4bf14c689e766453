package elf_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreistan26/golayout/pkg/elf"
	"github.com/andreistan26/golayout/pkg/elf/elftest"
)

func sampleObject() elftest.Object {
	return elftest.Object{
		Sections: []elftest.Section{
			elftest.Text(0x10, 4),
			elftest.Data(".data", 0x8, 8),
			elftest.Bss(".bss", 0x20, 16),
		},
		Symbols: []elftest.Symbol{
			{Name: "main", Section: ".text"},
			{Name: "counter", Section: ".data", Value: 4},
			{Name: "printf"},
		},
	}
}

func TestVerifyMagic(t *testing.T) {
	header, err := elf.ParseHeader(sampleObject().Bytes())
	require.NoError(t, err)
	assert.NoError(t, header.VerifyMagic(), "The elf should have a valid magic")

	_, err = elf.ParseHeader([]byte("not an elf file at all, definitely"))
	assert.ErrorIs(t, err, elf.InvalidMagicErr)
}

func TestELF64HeaderParse(t *testing.T) {
	header, err := elf.ParseHeader(sampleObject().Bytes())
	require.NoError(t, err)

	assert.Equal(t, elf.ELFCLASS64, header.Class())
	assert.Equal(t, elf.ET_REL, header.Type)
	assert.Equal(t, uint16(elf.Ehdr64Size), header.EhSize)
	assert.Equal(t, uint16(elf.Shdr64Size), header.ShEntSize)
	// null + 3 user sections + symtab + strtab + shstrtab
	assert.Equal(t, uint16(7), header.ShNum)
	assert.Equal(t, uint16(6), header.ShStrNdx)
}

func TestELF64SectionTable(t *testing.T) {
	f, err := elf.Parse("sample.o", sampleObject().Bytes())
	require.NoError(t, err)

	require.Len(t, f.Sections, 7)
	text := f.Sections[1]
	assert.Equal(t, ".text", text.Name)
	assert.Equal(t, elf.SHT_PROGBITS, text.Type)
	assert.Equal(t, elf.SHF_ALLOC|elf.SHF_EXECINSTR, text.Flags)
	assert.Equal(t, uint64(0x10), text.Size)
	assert.Equal(t, uint64(4), text.AddrAlign)

	bss := f.Sections[3]
	assert.Equal(t, ".bss", bss.Name)
	assert.Equal(t, elf.SHT_NOBITS, bss.Type)

	assert.Equal(t, []uint32{1, 2, 3}, f.InputSections())
}

func TestSymbols(t *testing.T) {
	f, err := elf.Parse("sample.o", sampleObject().Bytes())
	require.NoError(t, err)

	require.Len(t, f.Symbols, 4)
	assert.Equal(t, "", f.Symbols[0].Name)

	counter := f.Symbols[2]
	assert.Equal(t, "counter", counter.Name)
	assert.Equal(t, uint16(2), counter.StShNdx)
	assert.Equal(t, uint64(4), counter.Value)
	assert.Equal(t, byte(elf.STB_GLOBAL), counter.GetBinding())

	assert.True(t, f.Symbols[3].IsUndefined())
}

func TestELF32BigEndian(t *testing.T) {
	obj := sampleObject()
	obj.Class = elf.ELFCLASS32
	obj.BigEndian = true

	f, err := elf.Parse("sample32.o", obj.Bytes())
	require.NoError(t, err)

	assert.Equal(t, elf.ELFCLASS32, f.Header.Class())
	assert.Equal(t, "ELFCLASS32", f.Header.Class().String())
	assert.Equal(t, elf.ELFDATA2MSB, f.Header.Data())
	assert.Equal(t, ".data", f.Sections[2].Name)
	assert.Equal(t, uint64(8), f.Sections[2].AddrAlign)
	assert.Equal(t, "counter", f.Symbols[2].Name)
	assert.Equal(t, uint64(4), f.Symbols[2].Value)
}

func TestTruncated(t *testing.T) {
	raw := sampleObject().Bytes()
	_, err := elf.Parse("short.o", raw[:len(raw)-10])
	assert.ErrorIs(t, err, elf.TruncatedELFErr)
}

func TestNewFromDisk(t *testing.T) {
	name := filepath.Join(t.TempDir(), "sample.o")
	require.NoError(t, os.WriteFile(name, sampleObject().Bytes(), 0o644))

	f, err := elf.New(name)
	require.NoError(t, err)
	assert.Equal(t, name, f.Filename)
	assert.Equal(t, ".bss", f.Sections[3].Name)
}

func TestFlagStrings(t *testing.T) {
	assert.Equal(t, "WA", (elf.SHF_ALLOC | elf.SHF_WRITE).String())
	assert.Equal(t, "R-E", (elf.PF_R | elf.PF_X).String())
	assert.Equal(t, "PT_LOAD", elf.PT_LOAD.String())
	typ, ok := elf.SegmentTypeByName("PT_GNU_RELRO")
	assert.True(t, ok)
	assert.Equal(t, elf.PT_GNU_RELRO, typ)
}
