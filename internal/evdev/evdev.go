// Package evdev reads events from Linux input devices without cgo.
package evdev

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

type Device struct {
	file *os.File

	Name string
	ID   InputID

	bits                       []byte
	bitsKEY, bitsREL, bitsABS []byte
}

func Open(path string) (*Device, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	d := Device{file: file}
	err = d.init()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &d, nil
}

func (d *Device) init() error {
	conn, err := d.file.SyscallConn()
	if err != nil {
		return err
	}

	var buf [256]byte
	err = cctl(conn, eviocgname(uintptr(len(buf))), &buf[0])
	if err != nil {
		return fmt.Errorf("get device name: %w", err)
	}
	d.Name = fromNTString(buf[:])

	err = cctl(conn, eviocgid, &d.ID)
	if err != nil {
		return fmt.Errorf("get device info: %w", err)
	}

	d.bits, err = typeBits(conn, 0, evCount)
	if err != nil {
		return fmt.Errorf("get device capabilities: %w", err)
	}

	types := []struct {
		t     uint16
		count int
		dst   *[]byte
	}{
		{EvKey, keyCount, &d.bitsKEY},
		{EvRel, relCount, &d.bitsREL},
		{EvAbs, absCount, &d.bitsABS},
	}
	for _, t := range types {
		*t.dst, err = typeBits(conn, t.t, t.count)
		if err != nil {
			return fmt.Errorf("get type bits for %v: %w", t.t, err)
		}
	}

	return nil
}

func typeBits(conn syscall.RawConn, t uint16, count int) ([]byte, error) {
	bits := make([]byte, (count+7)/8)
	err := cctl(conn, eviocgbit(uintptr(t), uintptr(len(bits))), &bits[0])
	return bits, err
}

func (d *Device) Close() error {
	return d.file.Close()
}

// Grab takes exclusive access to the device so that its events are only
// seen by this process.
func (d *Device) Grab() error {
	conn, err := d.file.SyscallConn()
	if err != nil {
		return err
	}

	return control(conn, func(fd uintptr) error {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, eviocgrab, 1)
		return fromErrno(errno)
	})
}

// AbsInfo returns the calibration of an absolute axis.
func (d *Device) AbsInfo(code uint16) (AbsInfo, error) {
	if !d.HasEventCode(EvAbs, code) {
		return AbsInfo{}, fmt.Errorf("device %q has no absolute axis %v", d.Name, code)
	}

	conn, err := d.file.SyscallConn()
	if err != nil {
		return AbsInfo{}, err
	}

	var info AbsInfo
	err = cctl(conn, eviocgabs(code), &info)
	if err != nil {
		return AbsInfo{}, fmt.Errorf("get abs info for %v: %w", code, err)
	}
	return info, nil
}

func (d *Device) typeCodes(t uint16) []byte {
	switch t {
	case EvKey:
		return d.bitsKEY
	case EvRel:
		return d.bitsREL
	case EvAbs:
		return d.bitsABS
	default:
		return nil
	}
}

func (d *Device) HasEventType(t uint16) bool {
	return isBitSet(d.bits, t)
}

func (d *Device) HasEventCode(t, code uint16) bool {
	return d.HasEventType(t) && isBitSet(d.typeCodes(t), code)
}

func (d *Device) NextEvent() (InputEvent, error) {
	type inputEvent struct {
		_ [16]byte // TODO: Add timestamp support.
		InputEvent
	}
	var ev [unsafe.Sizeof(inputEvent{})]byte
	_, err := io.ReadFull(d.file, ev[:])
	if err != nil {
		return InputEvent{}, fmt.Errorf("read: %w", err)
	}

	return (*inputEvent)(unsafe.Pointer(&ev[0])).InputEvent, nil
}

type InputEvent struct {
	Type  uint16
	Code  uint16
	Value int32
}

func (ev InputEvent) Is(t, code uint16) bool {
	return (ev.Type == t) && (ev.Code == code)
}

type InputID struct {
	BusType uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

// AbsInfo mirrors struct input_absinfo.
type AbsInfo struct {
	Value      int32
	Minimum    int32
	Maximum    int32
	Fuzz       int32
	Flat       int32
	Resolution int32
}

func control(conn syscall.RawConn, f func(uintptr) error) error {
	var ferr error
	err := conn.Control(func(fd uintptr) { ferr = f(fd) })
	return errors.Join(err, ferr)
}

func ioctl[T any](fd, name uintptr, data *T) unix.Errno {
	_, _, err := unix.Syscall(unix.SYS_IOCTL, fd, name, uintptr(unsafe.Pointer(data)))
	return err
}

func cctl[T any](conn syscall.RawConn, name uintptr, data *T) error {
	return control(conn, func(fd uintptr) error {
		return fromErrno(ioctl(fd, name, data))
	})
}

func fromErrno(err unix.Errno) error {
	if err == 0 {
		return nil
	}
	return err
}

func isBitSet(bits []byte, bit uint16) bool {
	if int(bit/8) >= len(bits) {
		return false
	}
	return bits[bit/8]&(1<<(bit%8)) != 0
}

func fromNTString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}

	return string(b)
}
