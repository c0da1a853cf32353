// Package xkb writes layout files for invented keycodes and applies them to
// a single input device with setxkbmap.
//
// Breaking a layout can make the whole X session unusable, so nothing in
// here is required for injection to work. Without it, symbols that the host
// layout does not know simply can't be typed.
package xkb

import (
	"bufio"
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"deedles.dev/keymapper/internal/syskeys"
	"github.com/rs/xid"
)

// DefaultSystemDir is the X keyboard configuration root.
const DefaultSystemDir = "/usr/share/X11/xkb"

// BaseKeycodes is the keycodes component that host layouts are written
// against. Generated keycodes extend it.
const BaseKeycodes = "evdev"

const (
	groupName     = "keymapper"
	maxLayoutCode = 255
)

const symbolsTemplate = `default xkb_symbols "basic" {
    include "%s"
    name[Group1] = "%s";
    %s
};
`

const lineTemplate = "key <%s> { [ %s ] };"

const keycodesTemplate = `default xkb_keycodes "%s" {
    include "%s"
%s};
`

type Mode int

const (
	// ModeTemp writes every artifact into a fresh directory below Dir. It
	// needs no special permissions.
	ModeTemp Mode = iota

	// ModeSystem overwrites files with a fixed name in the system layout
	// directory.
	ModeSystem
)

func ParseMode(str string) (Mode, error) {
	switch str {
	case "temp":
		return ModeTemp, nil
	case "system":
		return ModeSystem, nil
	default:
		return 0, fmt.Errorf("unknown xkb mode %q", str)
	}
}

func (m Mode) String() string {
	switch m {
	case ModeTemp:
		return "temp"
	case ModeSystem:
		return "system"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// DefaultTempDir is where ModeTemp artifacts go unless configured otherwise.
func DefaultTempDir() string {
	return filepath.Join(os.TempDir(), "keymapper")
}

// Entry assigns a symbol to a device-report keycode.
type Entry struct {
	Code   int
	Symbol string
}

// Entries converts a symbol table into entries ordered by keycode.
func Entries(m map[string]int) []Entry {
	entries := make([]Entry, 0, len(m))
	for sym, code := range m {
		entries = append(entries, Entry{Code: code, Symbol: sym})
	}
	slices.SortFunc(entries, func(e1, e2 Entry) int {
		return cmp.Or(cmp.Compare(e1.Code, e2.Code), strings.Compare(e1.Symbol, e2.Symbol))
	})
	return entries
}

// Artifact identifies written layout files.
type Artifact struct {
	// Root is the directory that contains the symbols and keycodes
	// directories.
	Root string

	// Name is the file name of both the symbols and the keycodes.
	Name string
}

func (a Artifact) Empty() bool {
	return a.Name == ""
}

func (a Artifact) SymbolsPath() string {
	return filepath.Join(a.Root, "symbols", a.Name)
}

func (a Artifact) KeycodesPath() string {
	return filepath.Join(a.Root, "keycodes", a.Name)
}

// Builder writes the layout files for invented keycodes. The symbols
// extend the host layout and the keycodes extend BaseKeycodes, so keys the
// host layout already knows keep working on the device the result is
// applied to.
//
// In ModeTemp every Build creates a new directory below Dir. Remove deletes
// it again once the layout has been applied.
type Builder struct {
	Mode Mode

	// Dir must exist before Build is called. See Prepare.
	Dir string

	// Name is the fixed file name used in ModeSystem.
	Name string

	// Include is the base layout the generated symbols extend.
	Include string

	// KeyNames maps layout keycodes to the names BaseKeycodes gives them.
	// Keycodes without a name get one in the generated keycodes. See
	// LoadKeyNames.
	KeyNames map[int]string

	Logger *slog.Logger
}

func (b Builder) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}

// Prepare creates Dir. It is safe to call repeatedly.
func (b Builder) Prepare() error {
	return os.MkdirAll(b.Dir, 0755)
}

// Build renders entries and writes them. It returns an empty Artifact if
// there is nothing to write.
func (b Builder) Build(entries []Entry) (Artifact, error) {
	logger := b.logger()

	// X keycodes are 8 bits wide.
	entries = slices.DeleteFunc(slices.Clone(entries), func(e Entry) bool {
		if e.Code+syskeys.XKBOffset <= maxLayoutCode {
			return false
		}
		logger.Warn("keycode does not fit into the layout", "symbol", e.Symbol, "code", e.Code)
		return true
	})
	if len(entries) == 0 {
		return Artifact{}, nil
	}

	info, err := os.Stat(b.Dir)
	if err != nil {
		return Artifact{}, fmt.Errorf("layout directory: %w", err)
	}
	if !info.IsDir() {
		return Artifact{}, fmt.Errorf("layout directory %q is not a directory", b.Dir)
	}

	art, err := b.location()
	if err != nil {
		return Artifact{}, err
	}

	logger.Info("writing xkb symbols", "path", art.SymbolsPath(), "keys", len(entries))

	err = writeFile(art.KeycodesPath(), renderKeycodes(entries, b.KeyNames))
	if err != nil {
		return Artifact{}, fmt.Errorf("write keycodes: %w", err)
	}
	err = writeFile(art.SymbolsPath(), renderSymbols(cmp.Or(b.Include, "us"), entries, b.KeyNames))
	if err != nil {
		return Artifact{}, fmt.Errorf("write symbols: %w", err)
	}

	return art, nil
}

func (b Builder) location() (Artifact, error) {
	switch b.Mode {
	case ModeTemp:
		var root string
		for {
			root = filepath.Join(b.Dir, xid.New().String())
			_, err := os.Stat(root)
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				return Artifact{}, err
			}
		}

		for _, sub := range []string{"symbols", "keycodes"} {
			err := os.MkdirAll(filepath.Join(root, sub), 0755)
			if err != nil {
				return Artifact{}, err
			}
		}
		return Artifact{Root: root, Name: groupName}, nil

	case ModeSystem:
		if b.Name == "" {
			return Artifact{}, errors.New("no name for system layout files")
		}
		return Artifact{Root: b.Dir, Name: b.Name}, nil

	default:
		return Artifact{}, fmt.Errorf("unknown mode: %v", b.Mode)
	}
}

// SystemName derives a file name for a device's layout in ModeSystem.
func SystemName(device string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case (r >= 'a') && (r <= 'z'), (r >= 'A') && (r <= 'Z'), (r >= '0') && (r <= '9'), r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, device)
	return groupName + "-" + name
}

// Remove deletes the files of an artifact created in ModeTemp. Artifacts
// in ModeSystem are kept, as they are overwritten by the next Build.
func (b Builder) Remove(art Artifact) error {
	if (b.Mode != ModeTemp) || art.Empty() {
		return nil
	}
	if filepath.Dir(filepath.Clean(art.Root)) != filepath.Clean(b.Dir) {
		return fmt.Errorf("%q is not a layout directory below %q", art.Root, b.Dir)
	}
	return os.RemoveAll(art.Root)
}

// keyName returns the name that the generated files use for the layout
// keycode code.
func keyName(code int, names map[int]string) string {
	if name, ok := names[code]; ok {
		return name
	}
	return fmt.Sprintf("K%d", code)
}

func renderSymbols(include string, entries []Entry, names map[int]string) []byte {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf(lineTemplate, keyName(e.Code+syskeys.XKBOffset, names), e.Symbol))
	}
	return fmt.Appendf(nil, symbolsTemplate, include, groupName, strings.Join(lines, "\n    "))
}

func renderKeycodes(entries []Entry, names map[int]string) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		code := e.Code + syskeys.XKBOffset
		if _, ok := names[code]; ok {
			continue
		}
		fmt.Fprintf(&buf, "    <%s> = %d;\n", keyName(code, names), code)
	}
	return fmt.Appendf(nil, keycodesTemplate, groupName, BaseKeycodes, buf.String())
}

// writeFile replaces path so that readers never see a partial file.
func writeFile(path string, data []byte) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(f.Name())
		}
	}()

	w := bufio.NewWriter(f)
	_, err = w.Write(data)
	err = errors.Join(err, w.Flush(), f.Chmod(0644), f.Close())
	if err != nil {
		return err
	}

	return os.Rename(f.Name(), path)
}

// QueryLayout returns the first layout the display server currently uses,
// as reported by setxkbmap -query.
func QueryLayout(ctx context.Context, r Runner) (string, error) {
	out, err := r.Output(ctx, "setxkbmap", "-query")
	if err != nil {
		return "", fmt.Errorf("query layout: %w", err)
	}

	s := bufio.NewScanner(bytes.NewReader(out))
	for s.Scan() {
		key, val, ok := strings.Cut(s.Text(), ":")
		if !ok || (strings.TrimSpace(key) != "layout") {
			continue
		}
		layout, _, _ := strings.Cut(strings.TrimSpace(val), ",")
		if layout != "" {
			return layout, nil
		}
	}
	return "", errors.New("no layout in setxkbmap output")
}
