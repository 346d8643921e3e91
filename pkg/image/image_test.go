package image

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func checksum(bytes []byte) byte {
	var sum byte
	for _, b := range bytes {
		sum += b
	}
	return ^sum + 1
}

func record(address uint16, recType byte, data []byte) string {
	raw := []byte{byte(len(data)), byte(address >> 8), byte(address), recType}
	raw = append(raw, data...)
	line := ":"
	for _, b := range raw {
		line += hexByte(b)
	}
	line += hexByte(checksum(raw))
	return line
}

func hexByte(b byte) string {
	const digits = "0123456789ABCDEF"
	return string([]byte{digits[b>>4], digits[b&0xf]})
}

func TestLoadIntelHexCoalescesContiguousRecords(t *testing.T) {
	lines := []string{
		record(0x0000, recData, []byte{1, 2, 3, 4}),
		record(0x0004, recData, []byte{5, 6}),
		record(0x0000, recEndOfFile, nil),
	}
	segments, err := LoadIntelHex(strings.NewReader(strings.Join(lines, "\n")))
	assert.NoError(t, err)
	assert.Len(t, segments, 1)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, segments[0].Data)
}

func TestLoadIntelHexSplitsNonContiguousRecords(t *testing.T) {
	lines := []string{
		record(0x0000, recData, []byte{1, 2}),
		record(0x0010, recData, []byte{3, 4}),
		record(0x0000, recEndOfFile, nil),
	}
	segments, err := LoadIntelHex(strings.NewReader(strings.Join(lines, "\n")))
	assert.NoError(t, err)
	assert.Len(t, segments, 2)
	assert.Equal(t, uint32(0x0010), segments[1].Offset)
}

func TestLoadIntelHexHonoursExtendedLinearAddress(t *testing.T) {
	lines := []string{
		record(0x0000, recExtendedLinear, []byte{0x00, 0x01}),
		record(0x0000, recData, []byte{0xaa}),
		record(0x0000, recEndOfFile, nil),
	}
	segments, err := LoadIntelHex(strings.NewReader(strings.Join(lines, "\n")))
	assert.NoError(t, err)
	assert.Equal(t, uint32(0x00010000), segments[0].Offset)
}

func TestLoadIntelHexRejectsBadChecksum(t *testing.T) {
	bad := ":04000000010203049A\n" + record(0x0000, recEndOfFile, nil)
	_, err := LoadIntelHex(strings.NewReader(bad))
	assert.Error(t, err)
}

func TestTotalSize(t *testing.T) {
	segments := []Segment{{Data: make([]byte, 10)}, {Data: make([]byte, 5)}}
	assert.Equal(t, 15, TotalSize(segments))
}
