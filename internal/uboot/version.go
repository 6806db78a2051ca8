package uboot

import (
	"fmt"

	"uboottool/internal/parse"
)

// VersionInfo is the parsed U-Boot version banner.
type VersionInfo struct {
	Year     uint16
	Month    uint8
	Revision string
	Suffix   string
}

// ParseVersion parses a version banner like
// "version: U-Boot 2016.11-g2fc5f58-dirty". The "version:" prefix is
// optional; revision and suffix may be absent.
func ParseVersion(line string) (VersionInfo, error) {
	s := line
	if rest, ok := parse.Tag(s, "version:"); ok {
		if rest, ok = parse.Spaces(rest); !ok {
			return VersionInfo{}, fmt.Errorf("not a version banner: %q", line)
		}
		s = rest
	}
	s, ok := parse.Tag(s, "U-Boot")
	if !ok {
		return VersionInfo{}, fmt.Errorf("not a version banner: %q", line)
	}
	if s, ok = parse.Spaces(s); !ok {
		return VersionInfo{}, fmt.Errorf("not a version banner: %q", line)
	}

	year, s, err := parse.DecU64(s)
	if err != nil || year > 0xFFFF {
		return VersionInfo{}, fmt.Errorf("bad version year in %q", line)
	}
	if len(s) == 0 || s[0] != '.' {
		return VersionInfo{}, fmt.Errorf("bad version format in %q", line)
	}
	month, s, err := parse.DecU64(s[1:])
	if err != nil || month > 0xFF {
		return VersionInfo{}, fmt.Errorf("bad version month in %q", line)
	}

	info := VersionInfo{Year: uint16(year), Month: uint8(month)}
	info.Revision, s = dashAlnum(s)
	info.Suffix, _ = dashAlnum(s)
	return info, nil
}

// dashAlnum consumes an optional "-<alnum>" group.
func dashAlnum(s string) (string, string) {
	if len(s) < 2 || s[0] != '-' {
		return "", s
	}
	i := 1
	for i < len(s) && isAlnum(s[i]) {
		i++
	}
	if i == 1 {
		return "", s
	}
	return s[1:i], s[i:]
}

func isAlnum(c byte) bool {
	return isLetter(c) || (c >= '0' && c <= '9')
}
