// Package elftest synthesizes small relocatable objects for tests.
package elftest

import (
	"encoding/binary"

	"github.com/andreistan26/golayout/pkg/elf"
	"github.com/andreistan26/golayout/pkg/helpers"
)

type Section struct {
	Name  string
	Type  elf.SectionType
	Flags elf.SectionFlag
	Size  uint64
	Align uint64
}

type Symbol struct {
	Name    string
	Section string // empty for undefined
	Value   uint64
	Binding byte
}

// Object describes an object to encode. Class defaults to ELFCLASS64 and
// byte order to little endian.
type Object struct {
	Class     elf.Class
	BigEndian bool
	Sections  []Section
	Symbols   []Symbol
}

func Text(size, align uint64) Section {
	return Section{Name: ".text", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Size: size, Align: align}
}

func Data(name string, size, align uint64) Section {
	return Section{Name: name, Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Size: size, Align: align}
}

func Rodata(name string, size, align uint64) Section {
	return Section{Name: name, Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC, Size: size, Align: align}
}

func Bss(name string, size, align uint64) Section {
	return Section{Name: name, Type: elf.SHT_NOBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Size: size, Align: align}
}

type writer struct {
	buf  []byte
	bo   binary.AppendByteOrder
	is64 bool
}

func (w *writer) u8(v byte)    { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = w.bo.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = w.bo.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = w.bo.AppendUint64(w.buf, v) }

// addr writes a class sized word.
func (w *writer) addr(v uint64) {
	if w.is64 {
		w.u64(v)
	} else {
		w.u32(uint32(v))
	}
}

func (w *writer) pad(align int) {
	for len(w.buf)%align != 0 {
		w.buf = append(w.buf, 0)
	}
}

// Bytes encodes the object. Section contents are zero filled; NOBITS
// sections occupy no file space.
func (o Object) Bytes() []byte {
	class := o.Class
	if class == elf.ELFCLASSNONE {
		class = elf.ELFCLASS64
	}
	w := &writer{is64: class == elf.ELFCLASS64, bo: binary.LittleEndian}
	data := elf.ELFDATA2LSB
	if o.BigEndian {
		w.bo = binary.BigEndian
		data = elf.ELFDATA2MSB
	}

	// Section layout: null, user sections, .symtab, .strtab, .shstrtab.
	shstrtab := []byte{0}
	nameOff := func(name string) uint32 {
		off := uint32(len(shstrtab))
		shstrtab = append(shstrtab, helpers.String2Bytes(name)...)
		return off
	}
	sectionIndex := map[string]int{}
	for i, s := range o.Sections {
		sectionIndex[s.Name] = i + 1
	}

	strtab := []byte{0}
	symtabNdx := len(o.Sections) + 1
	strtabNdx := symtabNdx + 1
	shstrNdx := strtabNdx + 1
	shnum := shstrNdx + 1

	ehdrSize := elf.Ehdr32Size
	shdrSize := elf.Shdr32Size
	symSize := elf.Sym32Size
	if w.is64 {
		ehdrSize, shdrSize, symSize = elf.Ehdr64Size, elf.Shdr64Size, elf.Sym64Size
	}

	type placed struct {
		name          uint32
		typ           elf.SectionType
		flags         elf.SectionFlag
		offset, size  uint64
		link, info    uint32
		align, entsiz uint64
	}
	headers := []placed{{}}

	body := make([]byte, 0)
	offset := uint64(ehdrSize)
	for _, s := range o.Sections {
		align := s.Align
		if align == 0 {
			align = 1
		}
		aligned := helpers.AlignUp(offset, align)
		body = append(body, make([]byte, aligned-offset)...)
		offset = aligned
		headers = append(headers, placed{
			name: nameOff(s.Name), typ: s.Type, flags: s.Flags,
			offset: offset, size: s.Size, align: align,
		})
		if s.Type != elf.SHT_NOBITS {
			body = append(body, make([]byte, s.Size)...)
			offset += s.Size
		}
	}

	// Symbol table.
	sw := &writer{is64: w.is64, bo: w.bo}
	sw.buf = make([]byte, symSize) // null symbol
	for _, sym := range o.Symbols {
		nameIdx := uint32(len(strtab))
		strtab = append(strtab, helpers.String2Bytes(sym.Name)...)
		shndx := uint16(elf.SHN_UNDEF)
		if sym.Section != "" {
			shndx = uint16(sectionIndex[sym.Section])
		}
		binding := sym.Binding
		if binding == 0 {
			binding = elf.STB_GLOBAL
		}
		info := binding<<4 | elf.STT_NOTYPE
		if w.is64 {
			sw.u32(nameIdx)
			sw.u8(info)
			sw.u8(0)
			sw.u16(shndx)
			sw.u64(sym.Value)
			sw.u64(0)
		} else {
			sw.u32(nameIdx)
			sw.u32(uint32(sym.Value))
			sw.u32(0)
			sw.u8(info)
			sw.u8(0)
			sw.u16(shndx)
		}
	}

	for offset%8 != 0 {
		body = append(body, 0)
		offset++
	}
	headers = append(headers, placed{
		name: nameOff(".symtab"), typ: elf.SHT_SYMTAB, offset: offset,
		size: uint64(len(sw.buf)), link: uint32(strtabNdx), info: 1,
		align: 8, entsiz: uint64(symSize),
	})
	body = append(body, sw.buf...)
	offset += uint64(len(sw.buf))

	headers = append(headers, placed{
		name: nameOff(".strtab"), typ: elf.SHT_STRTAB, offset: offset,
		size: uint64(len(strtab)), align: 1,
	})
	body = append(body, strtab...)
	offset += uint64(len(strtab))

	shstrName := nameOff(".shstrtab")
	headers = append(headers, placed{
		name: shstrName, typ: elf.SHT_STRTAB, offset: offset,
		size: uint64(len(shstrtab)), align: 1,
	})
	body = append(body, shstrtab...)
	offset += uint64(len(shstrtab))

	for offset%8 != 0 {
		body = append(body, 0)
		offset++
	}
	shoff := offset

	// File header.
	w.buf = append(w.buf, '\x7f', 'E', 'L', 'F', byte(class), byte(data), 1, 0)
	w.buf = append(w.buf, make([]byte, 8)...)
	w.u16(uint16(elf.ET_REL))
	w.u16(62)
	w.u32(1)
	w.addr(0)     // entry
	w.addr(0)     // phoff
	w.addr(shoff) // shoff
	w.u32(0)
	w.u16(uint16(ehdrSize))
	w.u16(0)
	w.u16(0)
	w.u16(uint16(shdrSize))
	w.u16(uint16(shnum))
	w.u16(uint16(shstrNdx))

	w.buf = append(w.buf, body...)

	for _, h := range headers {
		w.u32(h.name)
		w.u32(uint32(h.typ))
		w.addr(uint64(h.flags))
		w.addr(0)
		w.addr(h.offset)
		w.addr(h.size)
		w.u32(h.link)
		w.u32(h.info)
		w.addr(h.align)
		w.addr(h.entsiz)
	}

	return w.buf
}
