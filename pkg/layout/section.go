package layout

import (
	"github.com/andreistan26/golayout/pkg/elf"
)

// SectionID is a handle into the layout's output section arena.
type SectionID int32

// NoSection marks a value that is absolute rather than section relative.
const NoSection SectionID = -1

// InputSection is the metadata of one section of one input object. The
// contents are never needed for layout.
type InputSection struct {
	File      string
	Index     uint32
	Name      string
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Size      uint64
	AddrAlign uint64

	// Keep exempts the section from garbage collection.
	Keep bool
}

type EntryKind int

const (
	// EntryRaw is data handed to the section before address assignment.
	EntryRaw EntryKind = iota
	EntryInput
	EntryFill
	EntryData
)

// Entry is one placed piece of an output section.
type Entry struct {
	Kind   EntryKind
	Offset uint64
	Size   uint64
	Input  *InputSection
	Data   []byte
}

// flags that describe how an input was produced rather than how the
// output behaves
const inputOnlyFlags = elf.SHF_GROUP | elf.SHF_COMPRESSED | elf.SHF_LINK_ORDER | elf.SHF_INFO_LINK

type OutputSection struct {
	ID    SectionID
	Name  string
	Type  elf.SectionType
	Flags elf.SectionFlag

	Address        uint64
	LoadAddress    uint64
	hasLoadAddress bool
	AddrAlign      uint64
	Size           uint64

	IsRelro  bool
	IsNoload bool

	pending []*InputSection
	entries []*Entry
}

func newOutputSection(id SectionID, name string, typ elf.SectionType, flags elf.SectionFlag) *OutputSection {
	return &OutputSection{
		ID:        id,
		Name:      name,
		Type:      typ,
		Flags:     flags &^ inputOnlyFlags,
		AddrAlign: 1,
	}
}

// AddInputSection queues an input section. It is placed at an offset only
// when the section's address is assigned.
func (o *OutputSection) AddInputSection(in *InputSection) {
	o.pending = append(o.pending, in)
	o.UpdateForInput(in.Type, in.Flags, in.AddrAlign)
}

// UpdateForInput merges the type, flags and alignment of an input.
func (o *OutputSection) UpdateForInput(typ elf.SectionType, flags elf.SectionFlag, align uint64) {
	o.Flags |= flags &^ inputOnlyFlags
	if o.IsNoload {
		o.Type = elf.SHT_NOBITS
	} else if o.Type == elf.SHT_NULL || (o.Type == elf.SHT_NOBITS && typ != elf.SHT_NOBITS) {
		o.Type = typ
	}
	if align > o.AddrAlign {
		o.AddrAlign = align
	}
}

// PendingInputSections returns the queued, not yet placed, inputs.
func (o *OutputSection) PendingInputSections() []*InputSection {
	return o.pending
}

// GetAndRemovePendingInputSections hands out every queued input and resets
// the placed contents. Raw blobs given to the section before addressing are
// kept at the front, starting at baseOffset; their total size is returned so
// the caller can advance past them. Inputs placed by an earlier pass are
// returned to the caller as well.
func (o *OutputSection) GetAndRemovePendingInputSections(baseOffset uint64, fill []byte) ([]*InputSection, uint64) {
	inputs := make([]*InputSection, 0, len(o.pending))
	kept := make([]*Entry, 0)
	consumed := uint64(0)

	for _, e := range o.entries {
		switch e.Kind {
		case EntryInput:
			inputs = append(inputs, e.Input)
		case EntryRaw:
			e.Offset = baseOffset + consumed
			consumed += e.Size
			kept = append(kept, e)
		}
	}
	inputs = append(inputs, o.pending...)

	o.pending = nil
	o.entries = kept
	return inputs, consumed
}

// AddScriptInput places an input at offset from the section start.
func (o *OutputSection) AddScriptInput(in *InputSection, offset uint64) {
	o.entries = append(o.entries, &Entry{Kind: EntryInput, Offset: offset, Size: in.Size, Input: in})
	if in.AddrAlign > o.AddrAlign {
		o.AddrAlign = in.AddrAlign
	}
}

// AddFill places a gap filler.
func (o *OutputSection) AddFill(offset uint64, data []byte) {
	o.entries = append(o.entries, &Entry{Kind: EntryFill, Offset: offset, Size: uint64(len(data)), Data: data})
}

// AddData reserves size bytes whose contents are written later.
func (o *OutputSection) AddData(offset, size uint64) *Entry {
	e := &Entry{Kind: EntryData, Offset: offset, Size: size, Data: make([]byte, size)}
	o.entries = append(o.entries, e)
	return e
}

// AddRawDataBlob attaches data produced outside the script.
func (o *OutputSection) AddRawDataBlob(data []byte, offset uint64) {
	o.entries = append(o.entries, &Entry{Kind: EntryRaw, Offset: offset, Size: uint64(len(data)), Data: data})
}

func (o *OutputSection) Entries() []*Entry {
	return o.entries
}

func (o *OutputSection) SetAddress(addr uint64) {
	o.Address = addr
}

func (o *OutputSection) SetLoadAddress(addr uint64) {
	o.LoadAddress = addr
	o.hasLoadAddress = true
}

func (o *OutputSection) ClearLoadAddress() {
	o.LoadAddress = 0
	o.hasLoadAddress = false
}

func (o *OutputSection) HasLoadAddress() bool {
	return o.hasLoadAddress
}

// LoadAddr is the LMA, which defaults to the VMA.
func (o *OutputSection) LoadAddr() uint64 {
	if o.hasLoadAddress {
		return o.LoadAddress
	}
	return o.Address
}

func (o *OutputSection) SetAddrAlign(align uint64) {
	o.AddrAlign = align
}

func (o *OutputSection) SetIsRelro() {
	o.IsRelro = true
}

func (o *OutputSection) ClearIsRelro() {
	o.IsRelro = false
}

// SetSize records the current data size.
func (o *OutputSection) SetSize(size uint64) {
	o.Size = size
}

func (o *OutputSection) Allocated() bool {
	return o.Flags&elf.SHF_ALLOC != 0
}

func (o *OutputSection) Writable() bool {
	return o.Flags&elf.SHF_WRITE != 0
}

func (o *OutputSection) Executable() bool {
	return o.Flags&elf.SHF_EXECINSTR != 0
}

func (o *OutputSection) IsTLS() bool {
	return o.Flags&elf.SHF_TLS != 0
}

func (o *OutputSection) IsNoBits() bool {
	return o.Type == elf.SHT_NOBITS
}

// IsBSS reports a NOBITS section that is not thread local.
func (o *OutputSection) IsBSS() bool {
	return o.IsNoBits() && !o.IsTLS()
}

// IsTBSS reports a thread local NOBITS section, which takes no address
// space in the image.
func (o *OutputSection) IsTBSS() bool {
	return o.IsNoBits() && o.IsTLS()
}

func (o *OutputSection) IsNote() bool {
	return o.Type == elf.SHT_NOTE
}

// SectionFlagsToSegment converts section flags to segment permissions.
func SectionFlagsToSegment(flags elf.SectionFlag) elf.SegmentFlag {
	ret := elf.PF_R
	if flags&elf.SHF_WRITE != 0 {
		ret |= elf.PF_W
	}
	if flags&elf.SHF_EXECINSTR != 0 {
		ret |= elf.PF_X
	}
	return ret
}
