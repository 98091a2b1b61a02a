//go:build linux

package memmod

import (
	"fmt"
	"os"
	"strings"
)

type procMapEntry struct {
	start uintptr
	end   uintptr
	perms string
}

func (e procMapEntry) prot() Prot {
	var p Prot
	if strings.Contains(e.perms, "r") {
		p |= ProtR
	}
	if strings.Contains(e.perms, "w") {
		p |= ProtW
	}
	if strings.Contains(e.perms, "x") {
		p |= ProtX
	}
	return p
}

func currentProtection(addr uintptr) (Prot, error) {
	entries, err := readProcMaps()
	if err != nil {
		return ProtNone, err
	}
	for _, entry := range entries {
		if addr >= entry.start && addr < entry.end {
			return entry.prot(), nil
		}
	}
	return ProtNone, rangeError(ErrUnmapped, addr, 1)
}

func readProcMaps() ([]procMapEntry, error) {
	raw, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("read /proc/self/maps: %w", err)
	}

	lines := strings.Split(string(raw), "\n")
	entries := make([]procMapEntry, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}

		rangeParts := strings.SplitN(fields[0], "-", 2)
		if len(rangeParts) != 2 {
			continue
		}
		start, startErr := parseHexUintptr(rangeParts[0])
		end, endErr := parseHexUintptr(rangeParts[1])
		if startErr != nil || endErr != nil {
			continue
		}

		entries = append(entries, procMapEntry{
			start: start,
			end:   end,
			perms: fields[1],
		})
	}
	return entries, nil
}

func parseHexUintptr(s string) (uintptr, error) {
	var out uintptr
	for _, r := range s {
		out <<= 4
		switch {
		case r >= '0' && r <= '9':
			out += uintptr(r - '0')
		case r >= 'a' && r <= 'f':
			out += uintptr(r-'a') + 10
		case r >= 'A' && r <= 'F':
			out += uintptr(r-'A') + 10
		default:
			return 0, fmt.Errorf("invalid hex string %q", s)
		}
	}
	return out, nil
}
