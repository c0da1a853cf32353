// Package vdev provides the synthetic devices that mapped events are
// written to.
package vdev

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"unicode/utf8"

	"deedles.dev/keymapper/internal/metrics"
	"github.com/bendahl/uinput"
	evcodes "github.com/holoplot/go-evdev"
)

const DefaultPath = "/dev/uinput"

// maxNameLen is the longest name the kernel accepts for a uinput device.
const maxNameLen = 80

// maxKeyboardCode is the highest code the keyboard was created with.
const maxKeyboardCode = 248

// ErrUnsupported is returned for codes that neither device can send, such
// as gamepad buttons.
var ErrUnsupported = errors.New("code not supported by the synthetic device")

// Device is a keyboard and a pointer that are created and closed together.
// Its methods may be called concurrently.
type Device struct {
	Metrics *metrics.Metrics

	name string

	m     sync.Mutex
	kb    uinput.Keyboard
	mouse uinput.Mouse
	held  map[int]struct{}
}

// Create creates both devices at path. The pointer's name is the keyboard's
// with " pointer" appended.
func Create(path, name string) (*Device, error) {
	name = truncate(name, maxNameLen)

	kb, err := uinput.CreateKeyboard(path, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("create keyboard %q: %w", name, err)
	}
	mouse, err := uinput.CreateMouse(path, []byte(PointerName(name)))
	if err != nil {
		kb.Close()
		return nil, fmt.Errorf("create pointer %q: %w", name, err)
	}

	return newDevice(name, kb, mouse), nil
}

func newDevice(name string, kb uinput.Keyboard, mouse uinput.Mouse) *Device {
	return &Device{
		name:  name,
		kb:    kb,
		mouse: mouse,
		held:  make(map[int]struct{}),
	}
}

// PointerName returns the name of the pointer that belongs to the keyboard
// called name.
func PointerName(name string) string {
	return truncate(name+" pointer", maxNameLen)
}

func truncate(str string, n int) string {
	if len(str) <= n {
		return str
	}
	str = str[:n]
	for !utf8.ValidString(str) {
		str = str[:len(str)-1]
	}
	return str
}

// Name is the name of the keyboard, which is the device layouts get
// applied to.
func (d *Device) Name() string {
	return d.name
}

func (d *Device) KeyDown(code int) error {
	d.m.Lock()
	defer d.m.Unlock()

	err := d.key(code, true)
	if err != nil {
		return err
	}
	d.held[code] = struct{}{}
	d.Metrics.Injected("key")
	return nil
}

func (d *Device) KeyUp(code int) error {
	d.m.Lock()
	defer d.m.Unlock()

	err := d.key(code, false)
	if err != nil {
		return err
	}
	delete(d.held, code)
	d.Metrics.Injected("key")
	return nil
}

// key sends mouse buttons to the pointer and everything else to the
// keyboard.
func (d *Device) key(code int, down bool) error {
	switch code {
	case int(evcodes.BTN_LEFT):
		return choose(down, d.mouse.LeftPress, d.mouse.LeftRelease)()
	case int(evcodes.BTN_RIGHT):
		return choose(down, d.mouse.RightPress, d.mouse.RightRelease)()
	case int(evcodes.BTN_MIDDLE):
		return choose(down, d.mouse.MiddlePress, d.mouse.MiddleRelease)()
	default:
		if (code < 0) || (code > maxKeyboardCode) {
			return fmt.Errorf("%d: %w", code, ErrUnsupported)
		}
		return choose(down, d.kb.KeyDown, d.kb.KeyUp)(code)
	}
}

func choose[T any](cond bool, t, f T) T {
	if cond {
		return t
	}
	return f
}

func (d *Device) Move(x, y int32) error {
	d.m.Lock()
	defer d.m.Unlock()

	d.Metrics.Injected("move")
	return d.mouse.Move(x, y)
}

func (d *Device) Wheel(horizontal bool, delta int32) error {
	d.m.Lock()
	defer d.m.Unlock()

	d.Metrics.Injected("wheel")
	return d.mouse.Wheel(horizontal, delta)
}

// Close releases every key that is still held and destroys both devices.
func (d *Device) Close() error {
	d.m.Lock()
	defer d.m.Unlock()

	var errs []error
	for _, code := range slices.Sorted(maps.Keys(d.held)) {
		errs = append(errs, d.key(code, false))
	}
	clear(d.held)

	errs = append(errs, d.kb.Close(), d.mouse.Close())
	return errors.Join(errs...)
}
