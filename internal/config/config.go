package config

import (
	"bufio"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"deedles.dev/keymapper/internal/producer"
	"deedles.dev/keymapper/internal/vdev"
	"deedles.dev/keymapper/internal/xkb"
	evcodes "github.com/holoplot/go-evdev"
)

//go:embed default
var defaultFile string

const (
	DefaultRetry  = 3 * time.Second
	DefaultName   = "keymapper"
	DefaultSettle = 500 * time.Millisecond
)

type Config struct {
	Devices []string
	Retry   time.Duration

	// Name is the name of the synthetic device.
	Name   string
	UInput string

	XKB     bool
	XKBMode xkb.Mode
	XKBDir  string
	Settle  time.Duration

	Producer producer.Config

	// Mapping maps input keycodes to symbols.
	Mapping map[uint16]string

	// Macros maps input keycodes to symbols that are typed in order.
	Macros map[uint16][]string

	// Metrics is the address to serve metrics on. Metrics are disabled if
	// it is empty.
	Metrics string

	// Cache is the host layout cache. It defaults to
	// syskeys.DefaultCachePath.
	Cache string
}

func DefaultFile() string {
	return defaultFile
}

func DefaultPath() (string, error) {
	c, err := os.UserConfigDir()
	return filepath.Join(c, "keymapper", "config"), err
}

func Load(path string) (Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer file.Close()

	return Parse(file)
}

type parser struct {
	c    Config
	seen map[string]struct{}
}

// Parse reads a configuration. Anything that is not set gets its default.
func Parse(r io.Reader) (Config, error) {
	p := parser{
		c: Config{
			XKB:      true,
			Producer: producer.DefaultConfig(),
			Mapping:  make(map[uint16]string),
			Macros:   make(map[uint16][]string),
		},
		seen: make(map[string]struct{}),
	}

	var num int
	s := bufio.NewScanner(r)
	for s.Scan() {
		num++

		line := strings.TrimSpace(s.Text())
		if (len(line) == 0) || (line[0] == '#') {
			continue
		}

		directive, rem, _ := strings.Cut(line, " ")
		rem = strings.TrimSpace(rem)

		err := p.directive(directive, rem)
		if err != nil {
			return p.c, fmt.Errorf("line %v: %w", num, err)
		}
	}
	if err := s.Err(); err != nil {
		return p.c, fmt.Errorf("scan: %w", err)
	}

	p.fill()
	return p.c, p.c.Producer.Validate()
}

func (p *parser) directive(directive, rem string) error {
	switch directive {
	case "device":
		return p.device(rem)
	case "map":
		return p.mapping(rem)
	case "macro":
		return p.macro(rem)
	}

	if _, ok := p.seen[directive]; ok {
		return fmt.Errorf("attempted to set %v twice", directive)
	}
	p.seen[directive] = struct{}{}

	c := &p.c
	switch directive {
	case "retry":
		return parseDuration(rem, &c.Retry)
	case "settle":
		return parseDuration(rem, &c.Settle)
	case "name":
		return parseString(rem, &c.Name)
	case "uinput":
		return parseString(rem, &c.UInput)
	case "xkb":
		return parseSwitch(rem, &c.XKB)
	case "xkb-mode":
		return parseWith(rem, &c.XKBMode, xkb.ParseMode)
	case "xkb-dir":
		return parseString(rem, &c.XKBDir)
	case "left-purpose":
		return parseWith(rem, &c.Producer.Left, producer.ParsePurpose)
	case "right-purpose":
		return parseWith(rem, &c.Producer.Right, producer.ParsePurpose)
	case "pointer-speed":
		return parseWith(rem, &c.Producer.PointerSpeed, strconv.Atoi)
	case "non-linearity":
		return parseFloat(rem, &c.Producer.NonLinearity)
	case "deadzone":
		return parseFloat(rem, &c.Producer.Deadzone)
	case "x-scroll-speed":
		return parseWith(rem, &c.Producer.XScrollSpeed, strconv.Atoi)
	case "y-scroll-speed":
		return parseWith(rem, &c.Producer.YScrollSpeed, strconv.Atoi)
	case "metrics":
		return parseString(rem, &c.Metrics)
	case "cache":
		return parseString(rem, &c.Cache)
	default:
		return fmt.Errorf("unknown directive %q", directive)
	}
}

func (p *parser) fill() {
	c := &p.c
	if c.Retry == 0 {
		c.Retry = DefaultRetry
	}
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.UInput == "" {
		c.UInput = vdev.DefaultPath
	}
	if _, ok := p.seen["settle"]; !ok {
		c.Settle = DefaultSettle
	}
	if c.XKBDir == "" {
		switch c.XKBMode {
		case xkb.ModeSystem:
			c.XKBDir = xkb.DefaultSystemDir
		default:
			c.XKBDir = xkb.DefaultTempDir()
		}
	}
}

func (p *parser) device(str string) error {
	m, err := filepath.Glob(str)
	if err != nil {
		return fmt.Errorf("find devices: %w", err)
	}
	p.c.Devices = append(p.c.Devices, m...)
	return nil
}

func (p *parser) mapping(str string) error {
	k, sym, ok := strings.Cut(str, " ")
	sym = strings.TrimSpace(sym)
	if !ok || (sym == "") || strings.ContainsAny(sym, " \t") {
		return fmt.Errorf("expected a key and a single symbol, got %q", str)
	}

	code, err := p.input(k)
	if err != nil {
		return err
	}
	p.c.Mapping[code] = sym
	return nil
}

func (p *parser) macro(str string) error {
	fields := strings.Fields(str)
	if len(fields) < 2 {
		return fmt.Errorf("expected a key and at least one symbol, got %q", str)
	}

	code, err := p.input(fields[0])
	if err != nil {
		return err
	}
	p.c.Macros[code] = fields[1:]
	return nil
}

// input parses the key that a mapping or macro is triggered by. Every key
// can only be mapped once.
func (p *parser) input(str string) (uint16, error) {
	code, err := ParseKey(str)
	if err != nil {
		return 0, err
	}

	_, mapped := p.c.Mapping[code]
	_, macro := p.c.Macros[code]
	if mapped || macro {
		return 0, fmt.Errorf("attempted to map %v twice", str)
	}
	return code, nil
}

// ParseKey parses either a well-known key name, such as KEY_A or
// BTN_SOUTH, or a numeric keycode.
func ParseKey(str string) (uint16, error) {
	if code, ok := evcodes.KEYFromString[str]; ok {
		return uint16(code), nil
	}

	v, err := strconv.ParseUint(str, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("unknown key %q", str)
	}
	return uint16(v), nil
}

func parseString(str string, v *string) error {
	if str == "" {
		return errors.New("missing value")
	}
	*v = str
	return nil
}

func parseDuration(str string, v *time.Duration) error {
	return parseWith(str, v, time.ParseDuration)
}

func parseFloat(str string, v *float64) error {
	return parseWith(str, v, func(str string) (float64, error) {
		return strconv.ParseFloat(str, 64)
	})
}

func parseSwitch(str string, v *bool) error {
	switch str {
	case "on":
		*v = true
	case "off":
		*v = false
	default:
		return fmt.Errorf("expected on or off, got %q", str)
	}
	return nil
}

func parseWith[T any](str string, v *T, parse func(string) (T, error)) error {
	r, err := parse(str)
	if err != nil {
		return fmt.Errorf("parse %q: %w", str, err)
	}
	*v = r
	return nil
}
