package uboot

import (
	"fmt"

	"uboottool/internal/parse"
)

// KeyKind discriminates the terminal key variants.
type KeyKind int

const (
	// KeyAny is the "any key" the autoboot banner may ask for.
	KeyAny KeyKind = iota
	// KeyChar is a literal printable key.
	KeyChar
	// KeyCtrl is a control chord (Ctrl-A .. Ctrl-Z).
	KeyCtrl
)

// TerminalKey is a logical key to be sent over the console.
type TerminalKey struct {
	Kind KeyKind
	// Char holds the key for KeyChar, or the uppercase letter for KeyCtrl.
	Char byte
}

// Encode returns the byte sequence that produces the key on a terminal.
// Control chords map to the single byte letter-0x40 (Ctrl-C = 0x03).
func (k TerminalKey) Encode() []byte {
	switch k.Kind {
	case KeyAny:
		return []byte{'a'}
	case KeyCtrl:
		return []byte{k.Char - 0x40}
	default:
		return []byte{k.Char}
	}
}

func isLetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

// ParseStopAutoboot recognizes the autoboot countdown banner
// ("Hit any key to stop autoboot:  1", "Press Ctrl-C to stop autoboot")
// and returns the key it asks for. Control letters are canonicalized to
// uppercase.
func ParseStopAutoboot(line string) (TerminalKey, error) {
	s, ok := parse.Tag(line, "hit")
	if !ok {
		if s, ok = parse.Tag(line, "press"); !ok {
			return TerminalKey{}, fmt.Errorf("not a stop-autoboot prompt: %q", line)
		}
	}
	if s, ok = parse.Spaces(s); !ok {
		return TerminalKey{}, fmt.Errorf("not a stop-autoboot prompt: %q", line)
	}

	var key TerminalKey
	if rest, ok := parse.Tag(s, "ctrl"); ok && len(rest) >= 2 && (rest[0] == '-' || rest[0] == '+') && isLetter(rest[1]) {
		c := rest[1]
		if c >= 'a' {
			c -= 'a' - 'A'
		}
		key = TerminalKey{Kind: KeyCtrl, Char: c}
		s = rest[2:]
	} else if rest, ok := anyKey(s); ok {
		key = TerminalKey{Kind: KeyAny}
		s = rest
	} else if len(s) > 0 && isLetter(s[0]) {
		key = TerminalKey{Kind: KeyChar, Char: s[0]}
		s = s[1:]
	} else {
		return TerminalKey{}, fmt.Errorf("unrecognized key in prompt: %q", line)
	}

	for _, word := range []string{"to", "stop", "autoboot"} {
		if s, ok = parse.Spaces(s); !ok {
			return TerminalKey{}, fmt.Errorf("not a stop-autoboot prompt: %q", line)
		}
		if s, ok = parse.Tag(s, word); !ok {
			return TerminalKey{}, fmt.Errorf("not a stop-autoboot prompt: %q", line)
		}
	}
	return key, nil
}

// anyKey consumes the literal "any key" phrase.
func anyKey(s string) (string, bool) {
	rest, ok := parse.Tag(s, "any")
	if !ok {
		return s, false
	}
	if rest, ok = parse.Spaces(rest); !ok {
		return s, false
	}
	if rest, ok = parse.Tag(rest, "key"); !ok {
		return s, false
	}
	return rest, true
}
