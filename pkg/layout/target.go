package layout

import (
	"encoding/binary"

	"github.com/andreistan26/golayout/pkg/elf"
)

// Target is the read-only description of the output machine.
type Target struct {
	Class     elf.Class
	ByteOrder binary.ByteOrder

	// PageSize is the ABI (maximum) page size used for segment layout.
	PageSize uint64
	// CommonPageSize is used by CONSTANT(COMMONPAGESIZE).
	CommonPageSize uint64
}

// DefaultTarget is a 64 bit little endian target with 4KiB pages.
func DefaultTarget() Target {
	return Target{
		Class:          elf.ELFCLASS64,
		ByteOrder:      binary.LittleEndian,
		PageSize:       0x1000,
		CommonPageSize: 0x1000,
	}
}

// WordSize returns 32 or 64.
func (t Target) WordSize() int {
	if t.Class == elf.ELFCLASS32 {
		return 32
	}
	return 64
}

func (t Target) FileHeaderSize() uint64 {
	if t.Class == elf.ELFCLASS32 {
		return elf.Ehdr32Size
	}
	return elf.Ehdr64Size
}

func (t Target) ProgramHeaderSize() uint64 {
	if t.Class == elf.ELFCLASS32 {
		return elf.Phdr32Size
	}
	return elf.Phdr64Size
}

// AddressMask truncates values to the target address width.
func (t Target) AddressMask() uint64 {
	if t.Class == elf.ELFCLASS32 {
		return 0xffffffff
	}
	return ^uint64(0)
}
