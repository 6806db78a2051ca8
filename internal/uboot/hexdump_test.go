package uboot

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHexDumpFull(t *testing.T) {
	data, err := ParseHexDumpLine(
		"42000000: 15 05 00 ea fe ff ff ea fe ff ff ea fe ff ff ea    ................\r")
	assert.NoError(t, err)
	assert.Equal(t, []byte{
		0x15, 0x05, 0x00, 0xea, 0xfe, 0xff, 0xff, 0xea,
		0xfe, 0xff, 0xff, 0xea, 0xfe, 0xff, 0xff, 0xea,
	}, data)
}

func TestHexDumpPartial(t *testing.T) {
	data, err := ParseHexDumpLine(
		"42000000: 15 05 00 ea fe ff ff ea                            ........\r")
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x15, 0x05, 0x00, 0xea, 0xfe, 0xff, 0xff, 0xea}, data)
}

func TestHexDumpSingle(t *testing.T) {
	data, err := ParseHexDumpLine(
		"42000000: 15                                                 .\r")
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x15}, data)
}

func TestHexDumpEmpty(t *testing.T) {
	data, err := ParseHexDumpLine("42000000:\r")
	assert.NoError(t, err)
	assert.Empty(t, data)
}

func TestHexDumpGutterLooksLikeHex(t *testing.T) {
	// a gutter starting with hex-ish text must not leak into the data
	data, err := ParseHexDumpLine(
		"42000000: 15 05 00 ea fe ff ff ea fe ff ff ea fe ff ff ea    1a .............\r")
	assert.NoError(t, err)
	assert.Len(t, data, 16)
}

func TestHexDumpOverflowTruncates(t *testing.T) {
	pairs := strings.Repeat("ab ", 20)
	data, err := ParseHexDumpLine("42000000: " + strings.TrimRight(pairs, " ") + "\r")
	assert.NoError(t, err)
	assert.Len(t, data, 16)
}

func TestHexDumpRejectsGarbage(t *testing.T) {
	_, err := ParseHexDumpLine("md.b 0x42000000 0x40\r")
	assert.Error(t, err)
	_, err = ParseHexDumpLine("zz: 01 02\r")
	assert.Error(t, err)
}

func TestHexDumpRoundTrip(t *testing.T) {
	bytesIn := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01, 0x7f, 0x80}
	var b strings.Builder
	fmt.Fprintf(&b, "%08x:", 0x42000000)
	for _, c := range bytesIn {
		fmt.Fprintf(&b, " %02x", c)
	}
	b.WriteString("    ........\r")
	data, err := ParseHexDumpLine(b.String())
	assert.NoError(t, err)
	assert.Equal(t, bytesIn, data)
}
