package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreistan26/golayout/pkg/linker"
)

func TestParseSegmentStarts(t *testing.T) {
	starts, err := parseSegmentStarts([]string{"text-segment=0x10000", "data-segment=4096"})
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"text-segment": 0x10000, "data-segment": 4096}, starts)

	_, err = parseSegmentStarts([]string{"text-segment"})
	assert.ErrorIs(t, err, linker.InvalidOptionErr)

	_, err = parseSegmentStarts([]string{"text-segment=nope"})
	assert.ErrorIs(t, err, linker.InvalidOptionErr)
}

func TestCheckCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.ld")
	require.NoError(t, os.WriteFile(path, []byte(`ENTRY(start) SECTIONS { .text : { *(.text) } }`), 0o644))

	var out bytes.Buffer
	root := RootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"check", path})
	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), "start")
}

func TestCheckCommandReportsParseErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ld")
	require.NoError(t, os.WriteFile(path, []byte(`SECTIONS {`), 0o644))

	root := RootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"check", path})
	assert.Error(t, root.Execute())
}
