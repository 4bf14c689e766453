package linker

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildArchive writes a GNU archive. Names longer than 15 bytes go to the
// long name table.
func buildArchive(members ...ArchiveMember) []byte {
	header := func(name string, size int) string {
		return fmt.Sprintf("%-16s%-12s%-6s%-6s%-8s%-10d`\n", name, "0", "0", "0", "644", size)
	}

	out := []byte("!<arch>\n")
	longNames := []byte{}
	names := make([]string, len(members))
	for i, m := range members {
		if len(m.Name) < 16 {
			names[i] = m.Name + "/"
			continue
		}
		names[i] = fmt.Sprintf("/%d", len(longNames))
		longNames = append(longNames, m.Name+"/\n"...)
	}

	appendMember := func(name string, data []byte) {
		out = append(out, header(name, len(data))...)
		out = append(out, data...)
		if len(out)%2 == 1 {
			out = append(out, '\n')
		}
	}

	appendMember("/", []byte{0, 0, 0, 0})
	if len(longNames) > 0 {
		appendMember("//", longNames)
	}
	for i, m := range members {
		appendMember(names[i], m.Data)
	}
	return out
}

func TestReadArchiveMembers(t *testing.T) {
	contents := buildArchive(
		ArchiveMember{Name: "a.o", Data: []byte("odd")},
		ArchiveMember{Name: "a_rather_long_member_name.o", Data: []byte("long")},
		ArchiveMember{Name: "b.o", Data: []byte("bb")},
	)

	members, err := ReadArchiveMembers("lib.a", contents)
	require.NoError(t, err)
	require.Len(t, members, 3)

	assert.Equal(t, "a.o", members[0].Name)
	assert.Equal(t, []byte("odd"), members[0].Data)
	assert.Equal(t, "a_rather_long_member_name.o", members[1].Name)
	assert.Equal(t, []byte("long"), members[1].Data)
	assert.Equal(t, "b.o", members[2].Name)
	assert.Equal(t, []byte("bb"), members[2].Data)
}

func TestReadArchiveBSDNames(t *testing.T) {
	name := "bsd_style_member.o"
	data := append([]byte(name), "xyz"...)
	contents := []byte("!<arch>\n")
	contents = append(contents, fmt.Sprintf("%-16s%-12s%-6s%-6s%-8s%-10d`\n", fmt.Sprintf("#1/%d", len(name)), "0", "0", "0", "644", len(data))...)
	contents = append(contents, data...)

	members, err := ReadArchiveMembers("bsd.a", contents)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, name, members[0].Name)
	assert.Equal(t, []byte("xyz"), members[0].Data)
}

func TestReadArchiveErrors(t *testing.T) {
	_, err := ReadArchiveMembers("x", []byte("!<thin>\n"))
	assert.ErrorIs(t, err, ThinArchiveErr)

	_, err = ReadArchiveMembers("x", []byte("not an archive"))
	assert.ErrorIs(t, err, MalformedArchiveErr)

	contents := buildArchive(ArchiveMember{Name: "a.o", Data: []byte("abcd")})
	_, err = ReadArchiveMembers("x", contents[:len(contents)-2])
	assert.ErrorIs(t, err, MalformedArchiveErr)

	contents = buildArchive(ArchiveMember{Name: "a.o", Data: []byte("abcd")})
	contents[8+58] = 'x'
	_, err = ReadArchiveMembers("x", contents)
	assert.ErrorIs(t, err, MalformedArchiveErr)
}

func TestReadArchiveNegativeNames(t *testing.T) {
	for _, raw := range []string{"#1/-5", "/-1"} {
		contents := []byte("!<arch>\n")
		contents = append(contents, fmt.Sprintf("%-16s%-12s%-6s%-6s%-8s%-10d`\n", raw, "0", "0", "0", "644", 4)...)
		contents = append(contents, "abcd"...)

		_, err := ReadArchiveMembers("neg.a", contents)
		assert.ErrorIs(t, err, MalformedArchiveErr, raw)
	}
}

func TestMemberName(t *testing.T) {
	assert.Equal(t, "libc.a(printf.o)", MemberName("libc.a", "printf.o"))
}
