package elf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/andreistan26/golayout/pkg/fileread"
	"github.com/andreistan26/golayout/pkg/helpers"
)

var (
	InvalidMagicErr   = errors.New("invalid magic in ELF file")
	UnparsedELFErr    = errors.New("ELF header was not parsed")
	UnsupportedELFErr = errors.New("unsupported ELF file")
	TruncatedELFErr   = errors.New("truncated ELF file")
)

var elfMagic = []byte{'\x7f', 'E', 'L', 'F'}

// Ehdr is the file header, widened to 64 bit fields for both classes.
type Ehdr struct {
	Ident     [EI_NIDENT]byte // ELF identification
	Type      FileType        // Object file type
	Machine   uint16          // Machine type
	Version   uint32          // Object file version
	Entry     uint64          // Entry point address
	PhOff     uint64          // Program Header offset
	ShOff     uint64          // Section Header offset
	Flags     uint32          // Processor specific flags
	EhSize    uint16          // ELF Header size
	PhEntSize uint16          // Size of Program Header
	PhNum     uint16          // Number of program header entries
	ShEntSize uint16          // Size of the Section Header entry
	ShNum     uint16          // Number of Section Header entries
	ShStrNdx  uint16          // Section name String Table index
}

func (ehdr *Ehdr) VerifyMagic() error {
	if !bytes.Equal(ehdr.Ident[EI_MAG0:EI_CLASS], elfMagic) {
		return InvalidMagicErr
	}

	return nil
}

func (ehdr *Ehdr) checkParsed() error {
	if ehdr.VerifyMagic() != nil {
		return UnparsedELFErr
	}

	return nil
}

func (ehdr *Ehdr) Class() Class {
	return Class(ehdr.Ident[EI_CLASS])
}

func (ehdr *Ehdr) Data() Data {
	return Data(ehdr.Ident[EI_DATA])
}

func (ehdr *Ehdr) ByteOrder() binary.ByteOrder {
	if ehdr.Data() == ELFDATA2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// ParseHeader decodes the file header of either class.
func ParseHeader(elfDump []byte) (Ehdr, error) {
	ehdr := Ehdr{}
	if len(elfDump) < EI_NIDENT {
		return ehdr, TruncatedELFErr
	}
	copy(ehdr.Ident[:], elfDump[0:EI_NIDENT])
	if err := ehdr.VerifyMagic(); err != nil {
		return ehdr, err
	}

	if ehdr.Data() != ELFDATA2LSB && ehdr.Data() != ELFDATA2MSB {
		return ehdr, fmt.Errorf("%w: data encoding %d", UnsupportedELFErr, ehdr.Data())
	}
	bo := ehdr.ByteOrder()

	switch ehdr.Class() {
	case ELFCLASS64:
		if len(elfDump) < Ehdr64Size {
			return ehdr, TruncatedELFErr
		}
		ehdr.Type = FileType(bo.Uint16(elfDump[0x10:0x12]))
		ehdr.Machine = bo.Uint16(elfDump[0x12:0x14])
		ehdr.Version = bo.Uint32(elfDump[0x14:0x18])
		ehdr.Entry = bo.Uint64(elfDump[0x18:0x20])
		ehdr.PhOff = bo.Uint64(elfDump[0x20:0x28])
		ehdr.ShOff = bo.Uint64(elfDump[0x28:0x30])
		ehdr.Flags = bo.Uint32(elfDump[0x30:0x34])
		ehdr.EhSize = bo.Uint16(elfDump[0x34:0x36])
		ehdr.PhEntSize = bo.Uint16(elfDump[0x36:0x38])
		ehdr.PhNum = bo.Uint16(elfDump[0x38:0x3a])
		ehdr.ShEntSize = bo.Uint16(elfDump[0x3a:0x3c])
		ehdr.ShNum = bo.Uint16(elfDump[0x3c:0x3e])
		ehdr.ShStrNdx = bo.Uint16(elfDump[0x3e:0x40])
	case ELFCLASS32:
		if len(elfDump) < Ehdr32Size {
			return ehdr, TruncatedELFErr
		}
		ehdr.Type = FileType(bo.Uint16(elfDump[0x10:0x12]))
		ehdr.Machine = bo.Uint16(elfDump[0x12:0x14])
		ehdr.Version = bo.Uint32(elfDump[0x14:0x18])
		ehdr.Entry = uint64(bo.Uint32(elfDump[0x18:0x1c]))
		ehdr.PhOff = uint64(bo.Uint32(elfDump[0x1c:0x20]))
		ehdr.ShOff = uint64(bo.Uint32(elfDump[0x20:0x24]))
		ehdr.Flags = bo.Uint32(elfDump[0x24:0x28])
		ehdr.EhSize = bo.Uint16(elfDump[0x28:0x2a])
		ehdr.PhEntSize = bo.Uint16(elfDump[0x2a:0x2c])
		ehdr.PhNum = bo.Uint16(elfDump[0x2c:0x2e])
		ehdr.ShEntSize = bo.Uint16(elfDump[0x2e:0x30])
		ehdr.ShNum = bo.Uint16(elfDump[0x30:0x32])
		ehdr.ShStrNdx = bo.Uint16(elfDump[0x32:0x34])
	default:
		return ehdr, fmt.Errorf("%w: class %d", UnsupportedELFErr, ehdr.Class())
	}

	return ehdr, nil
}

// Section header entries
type Shdr struct {
	Name      string
	ShName    uint32 // offset to the section name relative to section name table
	Type      SectionType
	Flags     SectionFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

type Sym struct {
	Name    string
	StName  uint32
	StInfo  byte
	StOther byte
	StShNdx uint16
	Value   uint64
	Size    uint64
}

func (sym *Sym) GetType() byte {
	return sym.StInfo & 0x0f
}

func (sym *Sym) GetBinding() byte {
	return sym.StInfo >> 4
}

func (sym *Sym) GetVisibility() byte {
	return sym.StOther & 0x3
}

func (sym *Sym) IsUndefined() bool {
	return sym.StShNdx == SHN_UNDEF
}

// File is the metadata of one relocatable input: its section headers and
// symbols. Section contents are not retained.
type File struct {
	Filename string
	Header   Ehdr

	// Sections is indexed by section header index; entry 0 is the null
	// section.
	Sections []*Shdr
	Symbols  []*Sym
}

// New reads the named file through a mapped view.
func New(filename string) (*File, error) {
	view, err := fileread.Open(filename)
	if err != nil {
		return nil, err
	}
	defer view.Close()

	return Parse(filename, view.Bytes())
}

// Parse decodes header, section table and symbol table from elfDump.
func Parse(filename string, elfDump []byte) (*File, error) {
	header, err := ParseHeader(elfDump)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	f := &File{
		Filename: filename,
		Header:   header,
	}

	if err := f.ParseShdr(elfDump); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	if err := f.ParseSymTable(elfDump); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	return f, nil
}

func slice(elfDump []byte, offset, size uint64) ([]byte, error) {
	end := offset + size
	if end < offset || end > uint64(len(elfDump)) {
		return nil, TruncatedELFErr
	}
	return elfDump[offset:end], nil
}

func (f *File) ParseShdr(elfDump []byte) error {
	if err := f.Header.checkParsed(); err != nil {
		return err
	}

	bo := f.Header.ByteOrder()
	is64 := f.Header.Class() == ELFCLASS64
	entSize := uint64(Shdr32Size)
	if is64 {
		entSize = Shdr64Size
	}

	f.Sections = make([]*Shdr, 0, f.Header.ShNum)
	for ndx := uint64(0); ndx < uint64(f.Header.ShNum); ndx++ {
		raw, err := slice(elfDump, f.Header.ShOff+ndx*entSize, entSize)
		if err != nil {
			return err
		}

		entry := &Shdr{}
		entry.ShName = bo.Uint32(raw[0x00:0x04])
		entry.Type = SectionType(bo.Uint32(raw[0x04:0x08]))
		if is64 {
			entry.Flags = SectionFlag(bo.Uint64(raw[0x08:0x10]))
			entry.Addr = bo.Uint64(raw[0x10:0x18])
			entry.Offset = bo.Uint64(raw[0x18:0x20])
			entry.Size = bo.Uint64(raw[0x20:0x28])
			entry.Link = bo.Uint32(raw[0x28:0x2c])
			entry.Info = bo.Uint32(raw[0x2c:0x30])
			entry.AddrAlign = bo.Uint64(raw[0x30:0x38])
			entry.EntSize = bo.Uint64(raw[0x38:0x40])
		} else {
			entry.Flags = SectionFlag(bo.Uint32(raw[0x08:0x0c]))
			entry.Addr = uint64(bo.Uint32(raw[0x0c:0x10]))
			entry.Offset = uint64(bo.Uint32(raw[0x10:0x14]))
			entry.Size = uint64(bo.Uint32(raw[0x14:0x18]))
			entry.Link = bo.Uint32(raw[0x18:0x1c])
			entry.Info = bo.Uint32(raw[0x1c:0x20])
			entry.AddrAlign = uint64(bo.Uint32(raw[0x20:0x24]))
			entry.EntSize = uint64(bo.Uint32(raw[0x24:0x28]))
		}
		f.Sections = append(f.Sections, entry)
	}

	if len(f.Sections) == 0 {
		return nil
	}
	if int(f.Header.ShStrNdx) >= len(f.Sections) {
		return fmt.Errorf("section name table index %d out of range", f.Header.ShStrNdx)
	}

	shstrtab := f.Sections[f.Header.ShStrNdx]
	names, err := slice(elfDump, shstrtab.Offset, shstrtab.Size)
	if err != nil {
		return err
	}
	for _, section := range f.Sections {
		if uint64(section.ShName) >= uint64(len(names)) {
			continue
		}
		section.Name = helpers.GetString(names[section.ShName:])
	}

	return nil
}

// ParseSymTable decodes the static symbol table. Objects without one are
// accepted; they simply contribute no symbols.
func (f *File) ParseSymTable(elfDump []byte) error {
	var symtab *Shdr

	for _, section := range f.Sections {
		if section.Type == SHT_SYMTAB {
			symtab = section
			break
		}
	}

	if symtab == nil {
		return nil
	}
	if int(symtab.Link) >= len(f.Sections) {
		return fmt.Errorf("symbol string table index %d out of range", symtab.Link)
	}

	strtab := f.Sections[symtab.Link]
	names, err := slice(elfDump, strtab.Offset, strtab.Size)
	if err != nil {
		return err
	}
	data, err := slice(elfDump, symtab.Offset, symtab.Size)
	if err != nil {
		return err
	}

	bo := f.Header.ByteOrder()
	is64 := f.Header.Class() == ELFCLASS64
	entSize := uint64(Sym32Size)
	if is64 {
		entSize = Sym64Size
	}

	for offset := uint64(0); offset+entSize <= uint64(len(data)); offset += entSize {
		raw := data[offset : offset+entSize]
		symbol := &Sym{StName: bo.Uint32(raw[0x00:0x04])}
		if is64 {
			symbol.StInfo = raw[0x04]
			symbol.StOther = raw[0x05]
			symbol.StShNdx = bo.Uint16(raw[0x06:0x08])
			symbol.Value = bo.Uint64(raw[0x08:0x10])
			symbol.Size = bo.Uint64(raw[0x10:0x18])
		} else {
			symbol.Value = uint64(bo.Uint32(raw[0x04:0x08]))
			symbol.Size = uint64(bo.Uint32(raw[0x08:0x0c]))
			symbol.StInfo = raw[0x0c]
			symbol.StOther = raw[0x0d]
			symbol.StShNdx = bo.Uint16(raw[0x0e:0x10])
		}
		if uint64(symbol.StName) < uint64(len(names)) {
			symbol.Name = helpers.GetString(names[symbol.StName:])
		}

		f.Symbols = append(f.Symbols, symbol)
	}

	return nil
}

// InputSections returns the indexes of the sections a linker lays out:
// everything except the null section, symbol/string tables, groups and
// relocation sections that apply to other sections.
func (f *File) InputSections() []uint32 {
	out := []uint32{}
	for i, s := range f.Sections {
		if i == 0 {
			continue
		}
		switch s.Type {
		case SHT_NULL, SHT_SYMTAB, SHT_STRTAB, SHT_GROUP, SHT_SYMTAB_SHNDX:
			continue
		}
		if s.Type.IsReloc() && s.Flags&SHF_ALLOC == 0 {
			continue
		}
		if s.Flags&SHF_EXCLUDE != 0 {
			continue
		}
		out = append(out, uint32(i))
	}
	return out
}
