package flow

import (
	"fmt"
	"strings"
)

// Flags is the TCP flag byte. Bit i corresponds to flagNames[i].
type Flags uint8

// TCP flag bits in header order.
const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
)

var flagNames = [8]string{"FIN", "SYN", "RST", "PSH", "ACK", "URG", "ECE", "CWR"}

// Names returns the set flags in canonical bit order.
func (f Flags) Names() []string {
	names := make([]string, 0, 8)
	for i, name := range flagNames {
		if f&(1<<uint(i)) != 0 {
			names = append(names, name)
		}
	}
	return names
}

// Has reports whether every bit of x is set.
func (f Flags) Has(x Flags) bool { return x != 0 && f&x == x }

// Only reports whether x is the exact flag set.
func (f Flags) Only(x Flags) bool { return f == x }

func (f Flags) String() string {
	return "[" + strings.Join(f.Names(), " ") + "]"
}

// FlagByName returns the bit for a flag name, case insensitive.
func FlagByName(name string) (Flags, bool) {
	n := strings.ToUpper(strings.TrimSpace(name))
	for i, known := range flagNames {
		if n == known {
			return 1 << uint(i), true
		}
	}
	return 0, false
}

// ParseFlags folds a list of names into a flag set. Order and repetitions
// do not matter.
func ParseFlags(names []string) (Flags, error) {
	var f Flags
	for _, name := range names {
		bit, ok := FlagByName(name)
		if !ok {
			return 0, fmt.Errorf("unknown TCP flag %q", name)
		}
		f |= bit
	}
	return f, nil
}
