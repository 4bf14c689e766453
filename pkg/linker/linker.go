package linker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/andreistan26/golayout/pkg/elf"
	"github.com/andreistan26/golayout/pkg/fileread"
	"github.com/andreistan26/golayout/pkg/layout"
	"github.com/andreistan26/golayout/pkg/log"
	"github.com/andreistan26/golayout/pkg/script"
	"github.com/andreistan26/golayout/pkg/symtab"
)

var (
	InvalidOptionErr    = errors.New("invalid option")
	MalformedArchiveErr = errors.New("malformed archive")
	ThinArchiveErr      = errors.New("thin archives are not supported")
	LibraryNotFoundErr  = errors.New("library not found")
	IncompatibleErr     = errors.New("incompatible input object")
)

// Default text segment bases, used without a SECTIONS clause.
const (
	DefaultBase64 uint64 = 0x400000
	DefaultBase32 uint64 = 0x8048000
)

// LinkerInputs is the link configuration.
type LinkerInputs struct {
	Filenames []string
	// Script is the -T linker script, if any.
	Script       string
	LibraryPaths []string

	WordSize       int
	BigEndian      bool
	PageSize       uint64
	CommonPageSize uint64

	Omagic      bool
	Nmagic      bool
	Relocatable bool
	Relro       bool

	SegmentStarts map[string]uint64
	Defsyms       []string
	// DynamicLinker is written to .interp when set.
	DynamicLinker string

	// Jobs bounds the number of files read at once; 0 uses one worker per
	// input file.
	Jobs int
}

// DefaultInputs is a 64 bit little endian link with 4KiB pages.
func DefaultInputs() LinkerInputs {
	return LinkerInputs{
		WordSize:       64,
		PageSize:       0x1000,
		CommonPageSize: 0x1000,
		SegmentStarts:  map[string]uint64{},
	}
}

// Target validates the machine options.
func (in LinkerInputs) Target() (layout.Target, error) {
	t := layout.DefaultTarget()
	switch in.WordSize {
	case 32:
		t.Class = elf.ELFCLASS32
	case 0, 64:
	default:
		return t, fmt.Errorf("%w: word size %d", InvalidOptionErr, in.WordSize)
	}
	if in.BigEndian {
		t.ByteOrder = binary.BigEndian
	}

	if in.PageSize != 0 {
		if bits.OnesCount64(in.PageSize) != 1 {
			return t, fmt.Errorf("%w: page size %#x is not a power of two", InvalidOptionErr, in.PageSize)
		}
		t.PageSize = in.PageSize
	}
	if in.CommonPageSize != 0 {
		if bits.OnesCount64(in.CommonPageSize) != 1 {
			return t, fmt.Errorf("%w: common page size %#x is not a power of two", InvalidOptionErr, in.CommonPageSize)
		}
		t.CommonPageSize = in.CommonPageSize
	}
	if t.CommonPageSize > t.PageSize {
		t.CommonPageSize = t.PageSize
	}
	return t, nil
}

func (in LinkerInputs) scriptOptions() script.Options {
	return script.Options{
		Relocatable:   in.Relocatable,
		Omagic:        in.Omagic,
		Nmagic:        in.Nmagic,
		Relro:         in.Relro,
		SegmentStarts: in.SegmentStarts,
	}
}

// Object is one relocatable input, either named directly or taken from an
// archive.
type Object struct {
	Name string
	File *elf.File

	// Lazy members of archives join the link only when they define a
	// symbol that is still undefined.
	Lazy  bool
	alive bool
}

type Linker struct {
	LinkerInputs LinkerInputs

	Script  *script.Script
	Layout  *layout.Layout
	Symbols *symtab.Table
	Objects []*Object

	// Header is the segment holding the file and program headers.
	Header layout.SegmentID
}

func NewLinker(inputs LinkerInputs) (*Linker, error) {
	target, err := inputs.Target()
	if err != nil {
		return nil, err
	}

	return &Linker{
		LinkerInputs: inputs,
		Script:       script.New(inputs.scriptOptions()),
		Layout:       layout.New(target),
		Symbols:      symtab.New(),
		Objects:      []*Object{},
		Header:       script.NoSegment,
	}, nil
}

// Link runs the whole pipeline: script, inputs, symbol resolution, section
// mapping, address assignment and final symbol values.
func Link(ctx context.Context, inputs LinkerInputs) (*Linker, error) {
	l, err := NewLinker(inputs)
	if err != nil {
		return nil, err
	}

	log.Debugf("Linker input files received %v", inputs.Filenames)

	if err := l.ReadScript(); err != nil {
		return nil, err
	}
	if err := l.ReadInputs(ctx); err != nil {
		return nil, err
	}
	l.ResolveSymbols()
	if err := l.LayoutSections(); err != nil {
		return nil, err
	}
	l.FinalizeObjectSymbols()
	log.Infof("laid out %d objects into %d sections and %d segments",
		len(l.LiveObjects()), len(l.Layout.Sections()), len(l.Layout.Segments()))

	for _, name := range l.Symbols.Undefined() {
		log.Warnf("undefined symbol %s", name)
	}
	return l, nil
}

// ReadScript parses the -T script and adds the --defsym definitions.
func (l *Linker) ReadScript() error {
	if l.LinkerInputs.Script != "" {
		if err := l.Script.ParseFile(l.LinkerInputs.Script); err != nil {
			return err
		}
	}
	for _, def := range l.LinkerInputs.Defsyms {
		if err := l.Script.AddDefsym(def); err != nil {
			return err
		}
	}
	return nil
}

type readResult struct {
	objects []*Object
	// contents of an input that is neither an object nor an archive; it is
	// read as an implicit linker script
	script []byte
}

// ReadInputs reads the command line files and every file named by INPUT or
// GROUP, in parallel. Results keep command line order.
func (l *Linker) ReadInputs(ctx context.Context) error {
	pending := append([]string{}, l.LinkerInputs.Filenames...)
	seenInputs := 0

	for {
		for _, in := range l.Script.Inputs[seenInputs:] {
			path, err := l.findInput(in.Name)
			if err != nil {
				return err
			}
			pending = append(pending, path)
		}
		seenInputs = len(l.Script.Inputs)
		if len(pending) == 0 {
			return nil
		}

		results, err := l.readFiles(ctx, pending)
		if err != nil {
			return err
		}

		// implicit scripts may name more inputs
		for i, r := range results {
			l.Objects = append(l.Objects, r.objects...)
			if r.script != nil {
				log.Debugf("reading %s as a linker script", pending[i])
				if err := l.Script.Parse(pending[i], r.script); err != nil {
					return err
				}
			}
		}
		pending = nil
	}
}

func (l *Linker) readFiles(ctx context.Context, names []string) ([]readResult, error) {
	results := make([]readResult, len(names))

	g, ctx := errgroup.WithContext(ctx)
	jobs := l.LinkerInputs.Jobs
	if jobs <= 0 {
		jobs = len(names)
	}
	g.SetLimit(jobs)

	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := l.readFile(name)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (l *Linker) readFile(name string) (readResult, error) {
	view, err := fileread.Open(name)
	if err != nil {
		return readResult{}, err
	}
	defer view.Close()

	contents := view.Bytes()
	switch {
	case bytes.HasPrefix(contents, []byte("\x7fELF")):
		obj, err := l.parseObject(name, contents)
		if err != nil {
			return readResult{}, err
		}
		return readResult{objects: []*Object{obj}}, nil

	case isArchive(contents):
		members, err := ReadArchiveMembers(name, contents)
		if err != nil {
			return readResult{}, err
		}
		objects := []*Object{}
		for _, m := range members {
			if !bytes.HasPrefix(m.Data, []byte("\x7fELF")) {
				log.Debugf("%s: skipping non ELF member %s", name, m.Name)
				continue
			}
			obj, err := l.parseObject(MemberName(name, m.Name), m.Data)
			if err != nil {
				return readResult{}, err
			}
			obj.Lazy = true
			objects = append(objects, obj)
		}
		log.Debugf("%s: %d archive members", name, len(objects))
		return readResult{objects: objects}, nil
	}

	return readResult{script: append([]byte(nil), contents...)}, nil
}

func (l *Linker) parseObject(name string, contents []byte) (*Object, error) {
	f, err := elf.Parse(name, contents)
	if err != nil {
		return nil, err
	}
	if f.Header.Type != elf.ET_REL {
		return nil, fmt.Errorf("%w: %s is not a relocatable object", IncompatibleErr, name)
	}
	if f.Header.Class() != l.Layout.Target.Class {
		return nil, fmt.Errorf("%w: %s is %s, output is %s", IncompatibleErr, name, f.Header.Class(), l.Layout.Target.Class)
	}
	data := elf.ELFDATA2LSB
	if l.LinkerInputs.BigEndian {
		data = elf.ELFDATA2MSB
	}
	if f.Header.Data() != data {
		return nil, fmt.Errorf("%w: %s has the wrong byte order", IncompatibleErr, name)
	}
	return &Object{Name: name, File: f}, nil
}

// findInput resolves a name from INPUT or GROUP. "-lname" is searched as
// libname.a in the library paths and SEARCH_DIR directories.
func (l *Linker) findInput(name string) (string, error) {
	dirs := append(append([]string{}, l.LinkerInputs.LibraryPaths...), l.Script.SearchDirs...)

	if lib, ok := strings.CutPrefix(name, "-l"); ok {
		for _, dir := range dirs {
			path := filepath.Join(dir, "lib"+lib+".a")
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
		return "", fmt.Errorf("%w: -l%s", LibraryNotFoundErr, lib)
	}

	if _, err := os.Stat(name); err == nil || filepath.IsAbs(name) {
		return name, nil
	}
	for _, dir := range dirs {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return name, nil
}

// ResolveSymbols enters the symbols of every directly named object, then
// pulls in archive members that define undefined symbols until no new
// references appear.
func (l *Linker) ResolveSymbols() {
	l.Script.AddReferences(l.Symbols)
	for _, obj := range l.Objects {
		if !obj.Lazy {
			l.markAlive(obj)
		}
	}

	for round := 0; ; round++ {
		before := l.Symbols.SawUndefinedCount()
		pulled := 0
		for _, obj := range l.Objects {
			if obj.alive || !l.definesUndefined(obj) {
				continue
			}
			log.Debugf("pulling %s out of its archive", obj.Name)
			l.markAlive(obj)
			pulled++
		}
		log.Debugf("archive round %d pulled %d members", round, pulled)
		if pulled == 0 || l.Symbols.SawUndefinedCount() == before {
			return
		}
	}
}

func globalSymbol(sym *elf.Sym) bool {
	if sym.Name == "" || sym.GetBinding() == elf.STB_LOCAL {
		return false
	}
	switch sym.GetType() {
	case elf.STT_SECTION, elf.STT_FILE:
		return false
	}
	return true
}

func (l *Linker) definesUndefined(obj *Object) bool {
	for _, sym := range obj.File.Symbols {
		if globalSymbol(sym) && !sym.IsUndefined() && l.Symbols.IsUndefined(sym.Name) {
			return true
		}
	}
	return false
}

func (l *Linker) markAlive(obj *Object) {
	obj.alive = true
	for _, sym := range obj.File.Symbols {
		if !globalSymbol(sym) {
			continue
		}
		if sym.IsUndefined() {
			l.Symbols.AddReference(sym.Name)
			continue
		}
		vis := symtab.Visibility(sym.GetVisibility())
		if _, ok := l.Symbols.AddDefinition(sym.Name, obj.Name, uint32(sym.StShNdx), sym.Value, vis); !ok {
			log.Debugf("%s: %s is already defined", obj.Name, sym.Name)
		}
	}
}

// LiveObjects are the objects that take part in the link.
func (l *Linker) LiveObjects() []*Object {
	out := []*Object{}
	for _, obj := range l.Objects {
		if obj.alive {
			out = append(out, obj)
		}
	}
	return out
}

// LayoutSections maps the input sections and runs address assignment and
// script symbol finalization.
func (l *Linker) LayoutSections() error {
	defaultLayout := !l.Script.Sections.SawSections() && !l.LinkerInputs.Relocatable
	if defaultLayout {
		base := DefaultBase64
		if l.Layout.Target.Class == elf.ELFCLASS32 {
			base = DefaultBase32
		}
		l.Script.Sections.UseDefaultLayout(base)
	}

	l.MapSections(defaultLayout)
	if l.LinkerInputs.DynamicLinker != "" && !l.LinkerInputs.Relocatable {
		interp := append([]byte(l.LinkerInputs.DynamicLinker), 0)
		l.Script.Sections.MapRawData(l.Layout, ".interp", elf.SHT_PROGBITS, elf.SHF_ALLOC, interp)
	}
	l.Script.Sections.CreateSections(l.Layout)
	l.Script.AddSymbolsToTable(l.Symbols)

	header, err := l.Script.SetSectionAddresses(l.Symbols, l.Layout)
	if err != nil {
		return err
	}
	l.Header = header

	return l.Script.FinalizeSymbols(l.Symbols, l.Layout)
}

// FinalizeObjectSymbols gives symbols defined by objects their output
// address. Symbols in discarded sections keep their input value.
func (l *Linker) FinalizeObjectSymbols() {
	for _, sym := range l.Symbols.Symbols() {
		if !sym.Defined || sym.FromScript || sym.InputFile == "" {
			continue
		}
		if sym.InputIndex == elf.SHN_ABS || sym.InputIndex == elf.SHN_COMMON {
			continue
		}
		id, offset, ok := l.Layout.InputPlacement(sym.InputFile, sym.InputIndex)
		if !ok {
			log.Debugf("%s: section of %s was discarded", sym.InputFile, sym.Name)
			continue
		}
		os := l.Layout.Section(id)
		sym.SetValue(os.Address+offset+sym.Value, id)
	}
}

// Entry is the entry point address, zero when the entry symbol is not
// defined.
func (l *Linker) Entry() (string, uint64) {
	name := l.Script.Entry
	if name == "" {
		name = "_start"
	}
	if sym := l.Symbols.Lookup(name); sym != nil && sym.Defined {
		return name, sym.Value
	}
	return name, 0
}
