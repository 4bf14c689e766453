package linker

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

var (
	archiveMagic     = []byte("!<arch>\n")
	thinArchiveMagic = []byte("!<thin>\n")
)

const arHeaderSize = 60

// ArchiveMember is one file stored in an ar archive. Data aliases the
// archive contents.
type ArchiveMember struct {
	Name string
	Data []byte
}

func isArchive(contents []byte) bool {
	return bytes.HasPrefix(contents, archiveMagic) || bytes.HasPrefix(contents, thinArchiveMagic)
}

// ReadArchiveMembers splits a GNU or BSD ar archive. The archive symbol
// index is skipped; members are pulled in by looking at their symbols.
func ReadArchiveMembers(name string, contents []byte) ([]ArchiveMember, error) {
	if bytes.HasPrefix(contents, thinArchiveMagic) {
		return nil, fmt.Errorf("%s: %w", name, ThinArchiveErr)
	}
	if !bytes.HasPrefix(contents, archiveMagic) {
		return nil, fmt.Errorf("%s: %w: bad magic", name, MalformedArchiveErr)
	}

	pos := len(archiveMagic)
	var longNames []byte
	members := []ArchiveMember{}

	// member data is padded to an even offset
	for len(contents)-pos > 1 {
		if pos%2 == 1 {
			pos++
		}
		if pos+arHeaderSize > len(contents) {
			return nil, fmt.Errorf("%s: %w: truncated header at %#x", name, MalformedArchiveErr, pos)
		}

		hdr := contents[pos : pos+arHeaderSize]
		if string(hdr[58:60]) != "`\n" {
			return nil, fmt.Errorf("%s: %w: bad header terminator at %#x", name, MalformedArchiveErr, pos)
		}
		size, err := strconv.ParseUint(strings.TrimSpace(string(hdr[48:58])), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: member size: %v", name, MalformedArchiveErr, err)
		}

		start := pos + arHeaderSize
		if size > uint64(len(contents)-start) {
			return nil, fmt.Errorf("%s: %w: member at %#x runs past end", name, MalformedArchiveErr, pos)
		}
		end := start + int(size)
		data := contents[start:end]
		pos = end

		raw := strings.TrimRight(string(hdr[0:16]), " ")
		switch raw {
		case "/", "/SYM64/", "__.SYMDEF", "__.SYMDEF SORTED":
			continue
		case "//":
			longNames = data
			continue
		}

		memberName, data, err := readMemberName(raw, data, longNames)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		members = append(members, ArchiveMember{Name: memberName, Data: data})
	}

	return members, nil
}

// readMemberName decodes the three name forms: "name/" (GNU short),
// "/offset" into the long name table (GNU) and "#1/len" with the name
// prepended to the data (BSD).
func readMemberName(raw string, data, longNames []byte) (string, []byte, error) {
	switch {
	case strings.HasPrefix(raw, "#1/"):
		n, err := strconv.Atoi(raw[3:])
		if err != nil || n < 0 || n > len(data) {
			return "", nil, fmt.Errorf("%w: bad BSD name %q", MalformedArchiveErr, raw)
		}
		return strings.TrimRight(string(data[:n]), "\x00"), data[n:], nil

	case len(raw) > 1 && raw[0] == '/':
		off, err := strconv.Atoi(raw[1:])
		if err != nil || off < 0 || off >= len(longNames) {
			return "", nil, fmt.Errorf("%w: bad long name reference %q", MalformedArchiveErr, raw)
		}
		name := longNames[off:]
		if end := bytes.IndexByte(name, '\n'); end >= 0 {
			name = name[:end]
		}
		return strings.TrimSuffix(string(name), "/"), data, nil
	}

	return strings.TrimSuffix(raw, "/"), data, nil
}

// MemberName is the name archive members get for file patterns.
func MemberName(archive, member string) string {
	return archive + "(" + member + ")"
}
