// Package syskeys tracks which keycodes the host keyboard layout already
// uses and invents keycodes for symbols the layout does not know.
package syskeys

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	evcodes "github.com/holoplot/go-evdev"
)

const (
	// DisableName maps to DisableCode. Injecting it does nothing.
	DisableName = "disable"
	DisableCode = -1

	// MinCode and MaxCode bound the keycodes that can be invented.
	MinCode = 1
	MaxCode = 255
)

// Registry maps symbol names to device-report keycodes for the running
// system. It is safe for concurrent use.
type Registry struct {
	// Query dumps the host keycode table in xmodmap -pke format. It
	// defaults to QueryXmodmap.
	Query func(context.Context) ([]byte, error)

	// Representable decides which unknown symbols may be given a keycode.
	// It defaults to the package-level Representable.
	Representable func(string) bool

	// CachePath is where the raw host table is stored for processes that
	// cannot query it themselves, such as a service running as root.
	CachePath  string
	WriteCache bool

	// Changed, if set, is called by Watch after the registry was
	// repopulated.
	Changed func()

	Logger *slog.Logger

	m         sync.Mutex
	names     map[string]int
	byCode    map[int][]string
	occupied  map[int]struct{}
	allocated map[string]int
}

// DefaultCachePath returns the per-user location of the host table cache.
func DefaultCachePath() (string, error) {
	c, err := os.UserConfigDir()
	return filepath.Join(c, "keymapper", "xmodmap"), err
}

func (r *Registry) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *Registry) init() {
	if r.allocated == nil {
		r.allocated = make(map[string]int)
	}
	if r.names == nil {
		r.names = make(map[string]int)
		r.byCode = make(map[int][]string)
		r.occupied = make(map[int]struct{})
	}
}

// Populate rebuilds the name table from the host. A host that cannot be
// queried is treated as having an empty layout. Keycodes allocated by
// earlier calls to GetOrAllocate stay reserved.
func (r *Registry) Populate(ctx context.Context) error {
	logger := r.logger()
	logger.Debug("gathering available keycodes")

	raw, err := r.queryHost(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		logger.Info("host layout unavailable, assuming empty layout", "err", err)
	}
	host := ParseXmodmap(raw)

	r.m.Lock()
	defer r.m.Unlock()

	r.init()
	clear(r.names)
	clear(r.byCode)
	clear(r.occupied)

	for code := range host.Occupied {
		r.occupied[code] = struct{}{}
	}
	for name, code := range host.Names {
		r.names[name] = code
	}
	for name, code := range evcodes.KEYFromString {
		if strings.HasPrefix(name, "KEY_") || strings.HasPrefix(name, "BTN_") {
			r.names[name] = int(code)
		}
	}
	r.names[DisableName] = DisableCode

	for name, code := range r.allocated {
		if _, ok := r.occupied[code]; ok {
			logger.Warn("host layout now uses an allocated keycode", "symbol", name, "code", code)
		}
		r.occupied[code] = struct{}{}
	}

	for name, code := range r.names {
		r.byCode[code] = append(r.byCode[code], name)
	}
	for name, code := range r.allocated {
		if _, ok := r.names[name]; !ok {
			r.byCode[code] = append(r.byCode[code], name)
		}
	}
	for _, names := range r.byCode {
		slices.Sort(names)
	}

	logger.Debug("populated keycodes", "names", len(r.names), "occupied", len(r.occupied))
	return nil
}

func (r *Registry) queryHost(ctx context.Context) ([]byte, error) {
	query := r.Query
	if query == nil {
		query = QueryXmodmap
	}

	raw, qerr := query(ctx)
	if qerr == nil {
		r.writeCache(raw)
		return raw, nil
	}

	if r.CachePath == "" {
		return nil, qerr
	}
	raw, err := os.ReadFile(r.CachePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, qerr
		}
		return nil, errors.Join(qerr, fmt.Errorf("read cache: %w", err))
	}
	r.logger().Debug("using cached host layout", "path", r.CachePath)
	return raw, nil
}

func (r *Registry) writeCache(raw []byte) {
	if !r.WriteCache || (r.CachePath == "") || (os.Geteuid() == 0) {
		return
	}

	logger := r.logger().With("path", r.CachePath)

	// Rewriting identical content would wake up watchers for nothing.
	old, err := os.ReadFile(r.CachePath)
	if (err == nil) && bytes.Equal(old, raw) {
		return
	}

	err = os.MkdirAll(filepath.Dir(r.CachePath), 0755)
	if err == nil {
		err = os.WriteFile(r.CachePath, raw, 0644)
	}
	if err != nil {
		logger.Warn("failed to write host layout cache", "err", err)
		return
	}
	logger.Debug("wrote host layout cache")
}

// Get returns the keycode for sym. It does not consider allocated codes.
func (r *Registry) Get(sym string) (int, bool) {
	r.m.Lock()
	defer r.m.Unlock()

	code, ok := r.names[sym]
	return code, ok
}

// GetKey returns a symbol for code. When several symbols share a code, the
// lexicographically smallest one is returned.
func (r *Registry) GetKey(code int) (string, bool) {
	r.m.Lock()
	defer r.m.Unlock()

	names := r.byCode[code]
	if len(names) == 0 {
		return "", false
	}
	return names[0], true
}

// GetOrAllocate returns the keycode to inject for sym, inventing one if the
// host layout does not know sym. It reports false if sym can not be
// represented in a layout or if every keycode is taken. The result only
// depends on the current table, so the same mapping always yields the same
// codes.
func (r *Registry) GetOrAllocate(sym string) (int, bool) {
	r.m.Lock()
	defer r.m.Unlock()
	r.init()

	if code, ok := r.names[sym]; ok {
		return code, true
	}

	representable := r.Representable
	if representable == nil {
		representable = Representable
	}
	if !representable(sym) {
		return 0, false
	}

	if code, ok := r.allocated[sym]; ok {
		return code, true
	}

	for code := MinCode; code <= MaxCode; code++ {
		if _, ok := r.occupied[code]; ok {
			continue
		}

		r.allocated[sym] = code
		r.occupied[code] = struct{}{}
		r.byCode[code] = append(r.byCode[code], sym)
		slices.Sort(r.byCode[code])

		r.logger().Debug("allocated keycode", "symbol", sym, "code", code)
		return code, true
	}

	return 0, false
}

// UnknownMappings returns a copy of the symbols that were given invented
// keycodes.
func (r *Registry) UnknownMappings() map[string]int {
	r.m.Lock()
	defer r.m.Unlock()

	m := make(map[string]int, len(r.allocated))
	for sym, code := range r.allocated {
		m[sym] = code
	}
	return m
}

// Names returns every known symbol in sorted order.
func (r *Registry) Names() []string {
	r.m.Lock()
	defer r.m.Unlock()

	names := make([]string, 0, len(r.names))
	for name := range r.names {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
