package uboot

import (
	"fmt"
	"strings"

	"uboottool/internal/parse"
)

// FlashKind is the on-board flash chip family.
type FlashKind int

const (
	// FlashSpi is SPI NOR flash, read via the sf command family.
	FlashSpi FlashKind = iota
	// FlashNand is raw NAND flash, read via the nand command family.
	FlashNand
)

// String returns the conventional uppercase spelling.
func (k FlashKind) String() string {
	if k == FlashNand {
		return "NAND"
	}
	return "SPI"
}

// ParseFlashKind recognizes a console line starting with "spi" or "nand",
// either case. Trailing text is ignored.
func ParseFlashKind(line string) (FlashKind, error) {
	if _, ok := parse.Tag(line, "spi"); ok {
		return FlashSpi, nil
	}
	if _, ok := parse.Tag(line, "nand"); ok {
		return FlashNand, nil
	}
	return 0, fmt.Errorf("not a flash kind: %q", line)
}

// FlashInfo describes the flash chip as reported by the bootloader. It is
// assembled incrementally by replaying console lines into FillParse.
type FlashInfo struct {
	// Chip family
	Kind FlashKind
	// Erase block size
	Block uint32
	// Chip size
	Size uint32
	// Number of chips
	Count uint32
	// JEDEC ID
	ID [3]byte
	// Vendor part name
	Name string
}

// HasName reports whether a part name was seen.
func (f *FlashInfo) HasName() bool {
	return f.Name != ""
}

// HasID reports whether a JEDEC ID was seen.
func (f *FlashInfo) HasID() bool {
	return f.ID[0] != 0 && f.ID[1] != 0
}

// FillParse merges one console line into the info. Recognized fragments are
// "Block:<size> Chip:<size>[*<count>]", "ID:0xHH 0xHH 0xHH" and
// `Name:"<chars>"`. Anything else is an error the caller may skip.
func (f *FlashInfo) FillParse(line string) error {
	if block, size, count, err := parseFlashSize(line); err == nil {
		f.Block, f.Size, f.Count = block, size, count
		return nil
	}
	if id, err := parseFlashID(line); err == nil {
		f.ID = id
		return nil
	}
	if name, err := parseFlashName(line); err == nil {
		f.Name = name
		return nil
	}
	return fmt.Errorf("unrecognized flash info fragment: %q", line)
}

// parseFlashSize parses "Block:64KB Chip:8MB*1". A missing count means one
// chip.
func parseFlashSize(line string) (block, size, count uint32, err error) {
	s, ok := parse.Tag(line, "Block:")
	if !ok {
		return 0, 0, 0, parse.ErrNoMatch
	}
	blk, s, perr := parse.SizeU64(s)
	if perr != nil {
		return 0, 0, 0, perr
	}
	if s, ok = parse.Spaces(s); !ok {
		return 0, 0, 0, parse.ErrNoMatch
	}
	if s, ok = parse.Tag(s, "Chip:"); !ok {
		return 0, 0, 0, parse.ErrNoMatch
	}
	sz, s, perr := parse.SizeU64(s)
	if perr != nil {
		return 0, 0, 0, perr
	}
	cnt := uint64(1)
	if len(s) > 0 && s[0] == '*' {
		if cnt, _, perr = parse.DecU64(s[1:]); perr != nil {
			return 0, 0, 0, perr
		}
	}
	return uint32(blk), uint32(sz), uint32(cnt), nil
}

// parseFlashID parses "ID:0xA1 0x40 0x17".
func parseFlashID(line string) ([3]byte, error) {
	var id [3]byte
	s, ok := parse.Tag(line, "ID:")
	if !ok {
		return id, parse.ErrNoMatch
	}
	for i := 0; i < 3; i++ {
		var err error
		if id[i], s, err = parse.HexU8Prefixed(s); err != nil {
			return [3]byte{}, err
		}
		if i < 2 {
			if s, ok = parse.Spaces(s); !ok {
				return [3]byte{}, parse.ErrNoMatch
			}
		}
	}
	return id, nil
}

// parseFlashName parses `Name:"XM_FM25Q64"`.
func parseFlashName(line string) (string, error) {
	s, ok := parse.Tag(line, `Name:"`)
	if !ok {
		return "", parse.ErrNoMatch
	}
	end := strings.IndexByte(s, '"')
	if end <= 0 {
		return "", parse.ErrNoMatch
	}
	return s[:end], nil
}
