package linker

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/andreistan26/golayout/pkg/layout"
)

// WriteMap prints the link map: output sections, segments and the symbols
// the script defined.
func (l *Linker) WriteMap(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)

	entry, addr := l.Entry()
	fmt.Fprintf(w, "Entry point %s at %#x\n\n", entry, addr)

	fmt.Fprintln(w, "Sections:")
	fmt.Fprintln(w, "Name\tAddress\tLMA\tSize\tAlign\tType\tFlags")
	for _, os := range l.Layout.Sections() {
		fmt.Fprintf(w, "%s\t%#x\t%#x\t%#x\t%d\t%s\t%s\n",
			os.Name, os.Address, os.LoadAddr(), os.Size, os.AddrAlign, os.Type, os.Flags)
	}

	fmt.Fprintln(w, "\nSegments:")
	fmt.Fprintln(w, "Type\tVirtAddr\tPhysAddr\tMemSiz\tFileSiz\tAlign\tFlags\tSections")
	for _, seg := range l.Layout.Segments() {
		memsz, filesz, align := seg.Extent(l.Layout)
		fmt.Fprintf(w, "%s\t%#x\t%#x\t%#x\t%#x\t%#x\t%s\t%s\n",
			seg.Type, seg.VAddr, seg.PAddr, memsz, filesz, align, seg.Flags, l.segmentMembers(seg))
	}

	fmt.Fprintln(w, "\nScript symbols:")
	for _, sym := range l.Symbols.Symbols() {
		if !sym.FromScript || !sym.Defined {
			continue
		}
		section := "*ABS*"
		if os := l.Layout.Section(sym.Section); os != nil {
			section = os.Name
		}
		fmt.Fprintf(w, "%#016x\t%s\t%s\n", sym.Value, section, sym.Name)
	}

	return w.Flush()
}

func (l *Linker) segmentMembers(seg *layout.Segment) string {
	names := []string{}
	if seg.IncludesHeaders {
		names = append(names, "[headers]")
	}
	for _, id := range seg.Sections() {
		names = append(names, l.Layout.Section(id).Name)
	}
	return strings.Join(names, " ")
}
