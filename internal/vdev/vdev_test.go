package vdev

import (
	"fmt"
	"strings"
	"testing"

	"github.com/bendahl/uinput"
	evcodes "github.com/holoplot/go-evdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type log struct {
	calls []string
}

func (l *log) add(format string, args ...any) error {
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
	return nil
}

type fakeKeyboard struct {
	uinput.Keyboard
	*log
}

func (kb fakeKeyboard) KeyDown(key int) error { return kb.add("down %v", key) }
func (kb fakeKeyboard) KeyUp(key int) error { return kb.add("up %v", key) }
func (kb fakeKeyboard) Close() error { return kb.add("close keyboard") }

type fakeMouse struct {
	uinput.Mouse
	*log
}

func (m fakeMouse) Move(x, y int32) error { return m.add("move %v %v", x, y) }
func (m fakeMouse) Wheel(h bool, d int32) error { return m.add("wheel %v %v", h, d) }
func (m fakeMouse) LeftPress() error { return m.add("left press") }
func (m fakeMouse) LeftRelease() error { return m.add("left release") }
func (m fakeMouse) RightPress() error { return m.add("right press") }
func (m fakeMouse) RightRelease() error { return m.add("right release") }
func (m fakeMouse) MiddlePress() error { return m.add("middle press") }
func (m fakeMouse) MiddleRelease() error { return m.add("middle release") }
func (m fakeMouse) Close() error { return m.add("close pointer") }

func fakeDevice() (*Device, *log) {
	var l log
	return newDevice("Gamepad keymapper", fakeKeyboard{log: &l}, fakeMouse{log: &l}), &l
}

func TestRouting(t *testing.T) {
	d, l := fakeDevice()

	require.NoError(t, d.KeyDown(int(evcodes.KEY_A)))
	require.NoError(t, d.KeyUp(int(evcodes.KEY_A)))
	require.NoError(t, d.KeyDown(int(evcodes.BTN_LEFT)))
	require.NoError(t, d.KeyUp(int(evcodes.BTN_LEFT)))
	require.NoError(t, d.KeyDown(int(evcodes.BTN_MIDDLE)))
	require.NoError(t, d.Move(3, -4))
	require.NoError(t, d.Wheel(false, 1))

	assert.Equal(t, []string{
		"down 30",
		"up 30",
		"left press",
		"left release",
		"middle press",
		"move 3 -4",
		"wheel false 1",
	}, l.calls)
}

func TestUnsupported(t *testing.T) {
	d, l := fakeDevice()

	assert.ErrorIs(t, d.KeyDown(int(evcodes.BTN_SOUTH)), ErrUnsupported)
	assert.ErrorIs(t, d.KeyUp(int(evcodes.BTN_SOUTH)), ErrUnsupported)
	assert.ErrorIs(t, d.KeyDown(maxKeyboardCode+1), ErrUnsupported)
	require.NoError(t, d.KeyDown(maxKeyboardCode))
	assert.Equal(t, []string{"down 248"}, l.calls)

	l.calls = nil
	require.NoError(t, d.Close())
	assert.Equal(t, []string{"up 248", "close keyboard", "close pointer"}, l.calls, "rejected presses are never held")
}

func TestCloseReleasesHeld(t *testing.T) {
	d, l := fakeDevice()

	require.NoError(t, d.KeyDown(200))
	require.NoError(t, d.KeyDown(int(evcodes.BTN_RIGHT)))
	require.NoError(t, d.KeyDown(5))
	require.NoError(t, d.KeyUp(200))
	l.calls = nil

	require.NoError(t, d.Close())
	assert.Equal(t, []string{
		"up 5",
		"right release",
		"close keyboard",
		"close pointer",
	}, l.calls)
}

func TestNames(t *testing.T) {
	d, _ := fakeDevice()
	assert.Equal(t, "Gamepad keymapper", d.Name())
	assert.Equal(t, "Gamepad keymapper pointer", PointerName(d.Name()))

	long := strings.Repeat("x", 79) + "ä"
	assert.Equal(t, strings.Repeat("x", 79), truncate(long, maxNameLen), "multi-byte runes are not split")
	assert.Len(t, PointerName(strings.Repeat("y", 100)), maxNameLen)
}
