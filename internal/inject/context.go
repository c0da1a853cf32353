// Package inject translates events from a physical device and writes the
// result to a synthetic one.
package inject

import (
	"log/slog"
	"maps"
	"slices"

	"deedles.dev/keymapper/internal/producer"
	"deedles.dev/keymapper/internal/xkb"
)

// Output is the synthetic device that events are written to.
type Output interface {
	producer.Writer
	KeyDown(code int) error
	KeyUp(code int) error

	// Name is what the display server lists the keyboard as.
	Name() string
}

// Resolver finds or invents keycodes for symbols. *syskeys.Registry
// implements it.
type Resolver interface {
	GetOrAllocate(sym string) (int, bool)
	UnknownMappings() map[string]int
}

// Macro is anything that can report which symbols it may type.
type Macro interface {
	Symbols() []string
}

// Sequence is a macro that types its symbols one after another.
type Sequence []string

func (s Sequence) Symbols() []string {
	return s
}

// Context is the state of one injection.
type Context struct {
	// Mapping maps input keycodes to the symbol they should produce.
	Mapping map[uint16]string

	// Macros are triggered by pressing their input keycode.
	Macros map[uint16]Macro

	// KeyToCode is filled by Prepare with the output keycode of every
	// resolvable entry in Mapping.
	KeyToCode map[uint16]int

	Device Output

	macroCodes map[uint16][]int

	// symbols maps every resolved symbol to its keycode.
	symbols map[string]int
}

// Prepare resolves the keycode of every symbol that c can produce,
// inventing keycodes where necessary. Symbols that can't be resolved are
// logged and skipped. Symbols are resolved in order of their input
// keycodes so that the same configuration always gets the same keycodes.
func (c *Context) Prepare(reg Resolver, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	c.KeyToCode = make(map[uint16]int, len(c.Mapping))
	c.macroCodes = make(map[uint16][]int, len(c.Macros))
	c.symbols = make(map[string]int)

	for _, in := range slices.Sorted(maps.Keys(c.Mapping)) {
		sym := c.Mapping[in]
		code, ok := reg.GetOrAllocate(sym)
		if !ok {
			logger.Error("symbol can not be injected", "symbol", sym, "input", in)
			continue
		}
		c.KeyToCode[in] = code
		c.symbols[sym] = code
	}

	for _, in := range slices.Sorted(maps.Keys(c.Macros)) {
		var codes []int
		for _, sym := range c.Macros[in].Symbols() {
			code, ok := reg.GetOrAllocate(sym)
			if !ok {
				logger.Error("macro symbol can not be injected", "symbol", sym, "input", in)
				continue
			}
			codes = append(codes, code)
			c.symbols[sym] = code
		}
		c.macroCodes[in] = codes
	}
}

// LayoutEntries returns the invented keycodes that c uses. Symbols that the
// host layout learned since they were invented are left out. It returns nil
// if c has neither macros nor mapped keys, in which case the layout must be
// left alone.
func (c *Context) LayoutEntries(reg Resolver) []xkb.Entry {
	if (len(c.Macros) == 0) && (len(c.KeyToCode) == 0) {
		return nil
	}

	unknown := reg.UnknownMappings()
	maps.DeleteFunc(unknown, func(sym string, code int) bool {
		resolved, ok := c.symbols[sym]
		return !ok || (resolved != code)
	})
	if len(unknown) == 0 {
		return nil
	}
	return xkb.Entries(unknown)
}
