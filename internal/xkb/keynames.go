package xkb

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var keyNameLine = regexp.MustCompile(`^\s*<([^>]+)>\s*=\s*(\d+)\s*;`)

// KeycodesPath returns the path of a keycodes component below the X
// keyboard configuration root dir.
func KeycodesPath(dir, name string) string {
	return filepath.Join(dir, "keycodes", name)
}

// LoadKeyNames reads the key names that the default section of the
// keycodes file at path assigns to keycodes. Aliases and included sections
// are not followed. If a keycode has several names, the first one wins.
func LoadKeyNames(path string) (map[int]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	names, err := ParseKeyNames(file)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", path, err)
	}
	return names, nil
}

// ParseKeyNames is like LoadKeyNames but reads from r.
func ParseKeyNames(r io.Reader) (map[int]string, error) {
	names := make(map[int]string)

	var inDefault bool
	s := bufio.NewScanner(r)
	for s.Scan() {
		line, _, _ := strings.Cut(s.Text(), "//")
		fields := strings.Fields(line)

		if !inDefault {
			inDefault = (len(fields) >= 2) && (fields[0] == "default") && (fields[1] == "xkb_keycodes")
			continue
		}
		if (len(fields) > 0) && strings.HasPrefix(fields[0], "};") {
			break
		}

		m := keyNameLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		code, err := strconv.Atoi(m[2])
		if err != nil {
			return nil, err
		}
		if _, ok := names[code]; !ok {
			names[code] = m[1]
		}
	}
	return names, s.Err()
}
