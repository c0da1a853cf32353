package syskeys

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
)

// XKBOffset is the distance between device-report keycodes and the
// keycodes the display server uses. Layout keycodes below it are reserved.
const XKBOffset = 8

const noSymbol = "NoSymbol"

// HostLayout is the parsed keycode table of the running display server.
type HostLayout struct {
	// Names maps each symbol to the first keycode that produces it
	// without modifiers.
	Names map[string]int

	// Occupied contains every keycode that carries any symbol at all.
	Occupied map[int]struct{}
}

// QueryXmodmap runs xmodmap to dump the host's keycode table.
func QueryXmodmap(ctx context.Context) ([]byte, error) {
	return exec.CommandContext(ctx, "xmodmap", "-pke").Output()
}

// ParseXmodmap parses the output of xmodmap -pke. Lines look like
//
//	keycode  64 = Alt_L Meta_L Alt_L Meta_L
//	keycode 204 = NoSymbol Alt_L NoSymbol Alt_L
//
// Only the first symbol of a line is reachable without modifiers, so only it
// is recorded as a name. The second line still occupies its keycode.
func ParseXmodmap(data []byte) HostLayout {
	layout := HostLayout{
		Names:    make(map[string]int),
		Occupied: make(map[int]struct{}),
	}

	s := bufio.NewScanner(bytes.NewReader(data))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		rest, ok := strings.CutPrefix(line, "keycode")
		if !ok {
			continue
		}

		num, syms, ok := strings.Cut(rest, "=")
		if !ok {
			continue
		}
		keycode, err := strconv.Atoi(strings.TrimSpace(num))
		if (err != nil) || (keycode < XKBOffset) {
			continue
		}
		code := keycode - XKBOffset

		fields := strings.Fields(syms)
		for _, f := range fields {
			if f != noSymbol {
				layout.Occupied[code] = struct{}{}
				break
			}
		}
		if (len(fields) == 0) || (fields[0] == noSymbol) {
			continue
		}
		if _, ok := layout.Names[fields[0]]; !ok {
			layout.Names[fields[0]] = code
		}
	}

	return layout
}
