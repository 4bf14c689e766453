package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInsert(t *testing.T) {
	s := []int{1, 2, 4}
	s = Insert(s, 2, 3)
	assert.Equal(t, []int{1, 2, 3, 4}, s)

	s = Insert(s, 0, 0)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, s)

	s = Insert(s, len(s), 5)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, s)
}

func TestFind(t *testing.T) {
	assert.Equal(t, 1, Find([]string{"a", "b"}, "b"))
	assert.Equal(t, -1, Find([]string{"a", "b"}, "c"))
	assert.Equal(t, 0, FindIf([]int{3, 4}, func(v int) bool { return v > 2 }))
}

func TestAlign(t *testing.T) {
	assert.Equal(t, uint64(0x1018), AlignUp(0x1010, 8))
	assert.Equal(t, uint64(0x1010), AlignUp(0x1010, 0))
	assert.Equal(t, uint64(0x1010), AlignUp(0x1010, 1))
	assert.Equal(t, uint64(0x1000), AlignDown(0x1fff, 0x1000))
}

func TestStrings(t *testing.T) {
	b := String2Bytes(".text")
	assert.Equal(t, byte(0), b[len(b)-1])
	assert.Equal(t, ".text", GetString(append(b, []byte("junk")...)))
	assert.Equal(t, "tail", GetString([]byte("tail")))
}
