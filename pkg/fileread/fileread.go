// Package fileread provides read-only views of input files. Files are
// mapped into memory when possible so that many inputs can be inspected in
// parallel without copying.
package fileread

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// View is a read-only byte view of a whole file.
type View struct {
	Name   string
	data   []byte
	mapped bool
}

// Open maps the named file. Empty files and filesystems that refuse mmap
// fall back to reading the file into memory.
func Open(name string) (*View, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s: is a directory", name)
	}

	size := info.Size()
	if size == 0 {
		return &View{Name: name, data: []byte{}}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		buf, rerr := os.ReadFile(name)
		if rerr != nil {
			return nil, rerr
		}
		return &View{Name: name, data: buf}, nil
	}

	return &View{Name: name, data: data, mapped: true}, nil
}

// FromBytes wraps an in-memory buffer, used for archive members and tests.
func FromBytes(name string, data []byte) *View {
	return &View{Name: name, data: data}
}

// Bytes returns the whole file contents. The slice must not be modified.
func (v *View) Bytes() []byte {
	return v.data
}

func (v *View) Size() int {
	return len(v.data)
}

// Read returns size bytes starting at offset.
func (v *View) Read(offset, size uint64) ([]byte, error) {
	end := offset + size
	if end < offset || end > uint64(len(v.data)) {
		return nil, fmt.Errorf("%s: read of %d bytes at offset %#x past end of file (%d bytes)",
			v.Name, size, offset, len(v.data))
	}
	return v.data[offset:end], nil
}

// Close releases the mapping. The view must not be used afterwards.
func (v *View) Close() error {
	if !v.mapped {
		v.data = nil
		return nil
	}
	err := unix.Munmap(v.data)
	v.data = nil
	v.mapped = false
	return err
}
