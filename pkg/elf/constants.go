package elf

import "fmt"

const (
	EI_MAG0       = 0
	EI_MAG1       = 1
	EI_MAG2       = 2
	EI_MAG3       = 3
	EI_CLASS      = 4
	EI_DATA       = 5
	EI_VERSION    = 6
	EI_OSABI      = 7
	EI_ABIVERSION = 8
	EI_PAD        = 9
	EI_NIDENT     = 16
)

type Class uint8

const (
	ELFCLASSNONE Class = 0
	ELFCLASS32   Class = 1
	ELFCLASS64   Class = 2
)

func (c Class) String() string {
	switch c {
	case ELFCLASS32:
		return "ELFCLASS32"
	case ELFCLASS64:
		return "ELFCLASS64"
	}
	return fmt.Sprintf("ELFCLASS(%d)", uint8(c))
}

type Data uint8

const (
	ELFDATA2LSB Data = 1
	ELFDATA2MSB Data = 2
)

// Type of ELF file
type FileType uint16

const (
	ET_NONE FileType = 0
	ET_REL  FileType = 1
	ET_EXEC FileType = 2
	ET_DYN  FileType = 3
	ET_CORE FileType = 4
)

// Sizes of the fixed headers per class.
const (
	Ehdr32Size = 52
	Ehdr64Size = 64
	Phdr32Size = 32
	Phdr64Size = 56
	Shdr32Size = 40
	Shdr64Size = 64
	Sym32Size  = 16
	Sym64Size  = 24
)

// Section header index
const (
	SHN_UNDEF     = 0
	SHN_LORESERVE = 0xff00
	SHN_ABS       = 0xfff1
	SHN_COMMON    = 0xfff2
	SHN_XINDEX    = 0xffff
)

type SectionType uint32

const (
	SHT_NULL          SectionType = 0
	SHT_PROGBITS      SectionType = 1
	SHT_SYMTAB        SectionType = 2
	SHT_STRTAB        SectionType = 3
	SHT_RELA          SectionType = 4
	SHT_HASH          SectionType = 5
	SHT_DYNAMIC       SectionType = 6
	SHT_NOTE          SectionType = 7
	SHT_NOBITS        SectionType = 8
	SHT_REL           SectionType = 9
	SHT_SHLIB         SectionType = 10
	SHT_DYNSYM        SectionType = 11
	SHT_INIT_ARRAY    SectionType = 14
	SHT_FINI_ARRAY    SectionType = 15
	SHT_PREINIT_ARRAY SectionType = 16
	SHT_GROUP         SectionType = 17
	SHT_SYMTAB_SHNDX  SectionType = 18
	SHT_LOOS          SectionType = 0x60000000
	SHT_HIOS          SectionType = 0x6fffffff
	SHT_LOPROC        SectionType = 0x70000000
	SHT_HIPROC        SectionType = 0x7fffffff
)

var sectionTypeNames = map[SectionType]string{
	SHT_NULL:          "NULL",
	SHT_PROGBITS:      "PROGBITS",
	SHT_SYMTAB:        "SYMTAB",
	SHT_STRTAB:        "STRTAB",
	SHT_RELA:          "RELA",
	SHT_HASH:          "HASH",
	SHT_DYNAMIC:       "DYNAMIC",
	SHT_NOTE:          "NOTE",
	SHT_NOBITS:        "NOBITS",
	SHT_REL:           "REL",
	SHT_SHLIB:         "SHLIB",
	SHT_DYNSYM:        "DYNSYM",
	SHT_INIT_ARRAY:    "INIT_ARRAY",
	SHT_FINI_ARRAY:    "FINI_ARRAY",
	SHT_PREINIT_ARRAY: "PREINIT_ARRAY",
	SHT_GROUP:         "GROUP",
	SHT_SYMTAB_SHNDX:  "SYMTAB_SHNDX",
}

func (t SectionType) String() string {
	if name, ok := sectionTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("SHT(%#x)", uint32(t))
}

// IsReloc reports whether sections of this type hold relocations.
func (t SectionType) IsReloc() bool {
	return t == SHT_REL || t == SHT_RELA
}

// Section header flags
type SectionFlag uint64

const (
	SHF_WRITE            SectionFlag = 0x1
	SHF_ALLOC            SectionFlag = 0x2
	SHF_EXECINSTR        SectionFlag = 0x4
	SHF_MERGE            SectionFlag = 0x10
	SHF_STRINGS          SectionFlag = 0x20
	SHF_INFO_LINK        SectionFlag = 0x40
	SHF_LINK_ORDER       SectionFlag = 0x80
	SHF_OS_NONCONFORMING SectionFlag = 0x100
	SHF_GROUP            SectionFlag = 0x200
	SHF_TLS              SectionFlag = 0x400
	SHF_COMPRESSED       SectionFlag = 0x800
	SHF_GNU_RETAIN       SectionFlag = 0x200000
	SHF_MASKOS           SectionFlag = 0x0ff00000
	SHF_MASKPROC         SectionFlag = 0xf0000000
	SHF_EXCLUDE          SectionFlag = 0x80000000
)

// String renders the flags the way readelf abbreviates them.
func (f SectionFlag) String() string {
	out := []byte{}
	for _, pair := range []struct {
		flag SectionFlag
		c    byte
	}{
		{SHF_WRITE, 'W'}, {SHF_ALLOC, 'A'}, {SHF_EXECINSTR, 'X'}, {SHF_MERGE, 'M'},
		{SHF_STRINGS, 'S'}, {SHF_INFO_LINK, 'I'}, {SHF_LINK_ORDER, 'L'},
		{SHF_GROUP, 'G'}, {SHF_TLS, 'T'}, {SHF_EXCLUDE, 'E'},
	} {
		if f&pair.flag != 0 {
			out = append(out, pair.c)
		}
	}
	return string(out)
}

type SegmentType uint32

const (
	PT_NULL         SegmentType = 0
	PT_LOAD         SegmentType = 1
	PT_DYNAMIC      SegmentType = 2
	PT_INTERP       SegmentType = 3
	PT_NOTE         SegmentType = 4
	PT_SHLIB        SegmentType = 5
	PT_PHDR         SegmentType = 6
	PT_TLS          SegmentType = 7
	PT_LOOS         SegmentType = 0x60000000
	PT_GNU_EH_FRAME SegmentType = 0x6474e550
	PT_GNU_STACK    SegmentType = 0x6474e551
	PT_GNU_RELRO    SegmentType = 0x6474e552
	PT_GNU_PROPERTY SegmentType = 0x6474e553
	PT_HIOS         SegmentType = 0x6fffffff
	PT_LOPROC       SegmentType = 0x70000000
	PT_HIPROC       SegmentType = 0x7fffffff
)

var segmentTypeNames = map[SegmentType]string{
	PT_NULL:         "PT_NULL",
	PT_LOAD:         "PT_LOAD",
	PT_DYNAMIC:      "PT_DYNAMIC",
	PT_INTERP:       "PT_INTERP",
	PT_NOTE:         "PT_NOTE",
	PT_SHLIB:        "PT_SHLIB",
	PT_PHDR:         "PT_PHDR",
	PT_TLS:          "PT_TLS",
	PT_GNU_EH_FRAME: "PT_GNU_EH_FRAME",
	PT_GNU_STACK:    "PT_GNU_STACK",
	PT_GNU_RELRO:    "PT_GNU_RELRO",
	PT_GNU_PROPERTY: "PT_GNU_PROPERTY",
}

func (t SegmentType) String() string {
	if name, ok := segmentTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PT(%#x)", uint32(t))
}

// SegmentTypeByName resolves the names accepted in a PHDRS clause.
func SegmentTypeByName(name string) (SegmentType, bool) {
	for t, n := range segmentTypeNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

type SegmentFlag uint32

const (
	PF_X        SegmentFlag = 0x1
	PF_W        SegmentFlag = 0x2
	PF_R        SegmentFlag = 0x4
	PF_MASKOS   SegmentFlag = 0x0ff00000
	PF_MASKPROC SegmentFlag = 0xf0000000
)

func (f SegmentFlag) String() string {
	out := []byte("---")
	if f&PF_R != 0 {
		out[0] = 'R'
	}
	if f&PF_W != 0 {
		out[1] = 'W'
	}
	if f&PF_X != 0 {
		out[2] = 'E'
	}
	return string(out)
}

const (
	STT_NOTYPE  = 0
	STT_OBJECT  = 1
	STT_FUNC    = 2
	STT_SECTION = 3
	STT_FILE    = 4
	STT_COMMON  = 5
	STT_TLS     = 6
)

const (
	STB_LOCAL  = 0
	STB_GLOBAL = 1
	STB_WEAK   = 2
)

const (
	STV_DEFAULT   = 0
	STV_INTERNAL  = 1
	STV_HIDDEN    = 2
	STV_PROTECTED = 3
)
