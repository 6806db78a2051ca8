package uboot

import (
	"fmt"
	"strings"

	"uboottool/internal/parse"
)

// MemRegion is a contiguous memory range.
type MemRegion struct {
	Base uint64
	Size uint64
}

// Variables is an insertion-ordered key/value store for the bootloader
// environment and bdinfo output. Re-inserting a key keeps its original
// position and overwrites the value.
type Variables struct {
	keys []string
	vals map[string]string
}

// Set inserts or updates a variable.
func (v *Variables) Set(key, value string) {
	if v.vals == nil {
		v.vals = make(map[string]string)
	}
	if _, ok := v.vals[key]; !ok {
		v.keys = append(v.keys, key)
	}
	v.vals[key] = value
}

// Get returns a variable's value.
func (v *Variables) Get(key string) (string, bool) {
	val, ok := v.vals[key]
	return val, ok
}

// Keys returns variable names in insertion order.
func (v *Variables) Keys() []string {
	return v.keys
}

// Len returns the number of variables.
func (v *Variables) Len() int {
	return len(v.keys)
}

// GetU64 parses a variable as a size literal (0x100, 16, 8M, 64KB).
func (v *Variables) GetU64(key string) (uint64, error) {
	value, ok := v.Get(key)
	if !ok {
		return 0, fmt.Errorf("variable %q not found", key)
	}
	val, _, err := parse.SizeU64(value)
	if err != nil {
		return 0, fmt.Errorf("unable to parse value of %q: %w", key, err)
	}
	return val, nil
}

// GetU32 is GetU64 with a range check.
func (v *Variables) GetU32(key string) (uint32, error) {
	val, err := v.GetU64(key)
	if err != nil {
		return 0, err
	}
	if val > 0xFFFFFFFF {
		return 0, fmt.Errorf("value of %q out of range for u32", key)
	}
	return uint32(val), nil
}

// RAMInfo derives the RAM region from the "-> start" and "-> size" keys, the
// exact strings bdinfo indents its DRAM bank rows with.
func (v *Variables) RAMInfo() (MemRegion, error) {
	base, err := v.GetU64("-> start")
	if err != nil {
		return MemRegion{}, err
	}
	size, err := v.GetU64("-> size")
	if err != nil {
		return MemRegion{}, err
	}
	return MemRegion{Base: base, Size: size}, nil
}

// ExtendParseEnv parses one printenv line ("key=value\r") into the store.
func (v *Variables) ExtendParseEnv(line string) error {
	return v.extendParse(line, '=', '\r')
}

// ExtendParseArg parses one space-terminated key=value argument.
func (v *Variables) ExtendParseArg(line string) error {
	return v.extendParse(line, '=', ' ')
}

func (v *Variables) extendParse(line string, kvSep, entSep byte) error {
	s := parse.SkipSpaces(line)
	key, s := parse.TakeTill(s, kvSep)
	if len(s) == 0 || s[0] != kvSep {
		return fmt.Errorf("no %q separator in %q", string(kvSep), line)
	}
	s = parse.SkipSpaces(s[1:])
	value, _ := parse.TakeTill(s, entSep)
	v.Set(strings.TrimRight(key, " \t"), strings.TrimRight(value, " \t"))
	return nil
}

// MTDPart is one flash partition.
type MTDPart struct {
	Name   string
	Region MemRegion
}

// MTDTable is the ordered partition table derived from a mtdparts= list.
// Partitions are contiguous from offset zero.
type MTDTable []MTDPart

// Get returns the named partition's region.
func (t MTDTable) Get(name string) (MemRegion, bool) {
	for _, p := range t {
		if p.Name == name {
			return p.Region, true
		}
	}
	return MemRegion{}, false
}

// TotalSize sums all partition sizes.
func (t MTDTable) TotalSize() uint64 {
	var total uint64
	for _, p := range t {
		total += p.Region.Size
	}
	return total
}

// ParseMTDParts parses a "<proto>:<size>(<name>),..." partition list, e.g.
// "hi_sfc:0x40000(boot),0x2E0000(romfs)". Each partition starts where the
// previous one ended. An empty list is valid.
func ParseMTDParts(src string) (MTDTable, error) {
	_, s := parse.TakeTill(src, ':')
	if len(s) == 0 || s[0] != ':' {
		return nil, fmt.Errorf("no protocol prefix in %q", src)
	}
	s = s[1:]

	var table MTDTable
	var offset uint64
	for {
		size, rest, err := parse.SizeU64(s)
		if err != nil {
			break
		}
		if len(rest) == 0 || rest[0] != '(' {
			break
		}
		name, rest := parse.TakeTill(rest[1:], ')')
		if len(rest) == 0 {
			break
		}
		s = rest[1:]
		table = append(table, MTDPart{
			Name:   name,
			Region: MemRegion{Base: offset, Size: size},
		})
		offset += size
		if len(s) == 0 || s[0] != ',' {
			break
		}
		s = s[1:]
	}
	return table, nil
}
