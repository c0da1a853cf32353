package syskeys

import (
	"bufio"
	_ "embed"
	"strconv"
	"strings"
)

//go:embed keysyms
var keysymsFile string

var keysyms = parseKeysyms(keysymsFile)

func parseKeysyms(file string) map[string]struct{} {
	names := make(map[string]struct{})
	s := bufio.NewScanner(strings.NewReader(file))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if (len(line) == 0) || (line[0] == '#') {
			continue
		}
		names[line] = struct{}{}
	}
	return names
}

// Representable reports whether sym names a keysym that a layout file can
// assign to a keycode. Matching is exact. Besides the listed names, Unicode
// keysyms of the form U00F6 are accepted.
func Representable(sym string) bool {
	if _, ok := keysyms[sym]; ok {
		return true
	}
	return isUnicodeKeysym(sym)
}

func isUnicodeKeysym(sym string) bool {
	hex, ok := strings.CutPrefix(sym, "U")
	if !ok || (len(hex) < 4) || (len(hex) > 6) {
		return false
	}

	v, err := strconv.ParseUint(hex, 16, 32)
	return (err == nil) && (v >= 0x20) && (v <= 0x10FFFF)
}
