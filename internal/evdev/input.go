package evdev

import "unsafe"

const (
	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocReadEBase  = (iocRead << iocDirShift) | ('E' << iocTypeShift)
	iocWriteEBase = (iocWrite << iocDirShift) | ('E' << iocTypeShift)
)

const (
	eviocgversion = iocReadEBase | ((iota + 0x01) << iocNRShift) | (unsafe.Sizeof(int32(0)) << iocSizeShift)
	eviocgid      = iocReadEBase | ((iota + 0x01) << iocNRShift) | (unsafe.Sizeof(InputID{}) << iocSizeShift)
)

const (
	eviocgnameBase = iocReadEBase | ((iota + 0x06) << iocNRShift)
	eviocgphysBase
	eviocguniqBase
)

const (
	eviocgabsBase = iocReadEBase | (unsafe.Sizeof(AbsInfo{}) << iocSizeShift)
	eviocgrab     = iocWriteEBase | (0x90 << iocNRShift) | (unsafe.Sizeof(int32(0)) << iocSizeShift)
)

const (
	evCount  = 0x1F + 1
	keyCount = 0x2FF + 1
	relCount = 0x0F + 1
	absCount = 0x3F + 1
)

// Event types, as in linux/input-event-codes.h.
const (
	EvSyn uint16 = iota
	EvKey
	EvRel
	EvAbs
	EvMsc
)

func eviocgname(length uintptr) uintptr {
	return eviocgnameBase | (length << iocSizeShift)
}

func eviocgbit(ev, length uintptr) uintptr {
	return iocReadEBase | ((0x20 + ev) << iocNRShift) | (length << iocSizeShift)
}

func eviocgabs(code uint16) uintptr {
	return eviocgabsBase | ((0x40 + uintptr(code)) << iocNRShift)
}
