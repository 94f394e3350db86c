package main

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// absInfo mirrors struct input_absinfo.
type absInfo struct {
	Value      int32
	Min        int32
	Max        int32
	Fuzz       int32
	Flat       int32
	Resolution int32
}

// ioctl request encoding (Linux _IOC macro)
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocRead = 2
)

func ioc(dir uint32, typ uint32, nr uint32, size uint32) uintptr {
	return uintptr((dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift))
}

func evioCGAbs(absCode uint16) uintptr {
	// EVIOCGABS(abs) = _IOR('E', 0x40 + abs, struct input_absinfo)
	return ioc(iocRead, uint32('E'), uint32(0x40+uint32(absCode)), uint32(unsafe.Sizeof(absInfo{})))
}

func getAbsInfo(fd uintptr, absCode uint16) (absInfo, error) {
	var info absInfo
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, evioCGAbs(absCode), uintptr(unsafe.Pointer(&info)))
	if errno != 0 {
		return absInfo{}, errno
	}
	return info, nil
}

// readAbsRanges queries the range of every code the translator maps.
// Axes the device does not have are left out.
func readAbsRanges(fd uintptr) map[uint16]absRange {
	out := make(map[uint16]absRange, len(absAxes))
	for code := range absAxes {
		info, err := getAbsInfo(fd, code)
		if err != nil || info.Max <= info.Min {
			continue
		}
		out[code] = absRange{Min: info.Min, Max: info.Max}
	}
	return out
}

// readGyroResolution returns the units per deg/s of the three gyro axes,
// falling back to fallback when the kernel reports none.
func readGyroResolution(fd uintptr, codes [3]uint16, fallback float64) [3]float64 {
	var out [3]float64
	for i, code := range codes {
		out[i] = fallback
		info, err := getAbsInfo(fd, code)
		if err == nil && info.Resolution > 0 {
			out[i] = float64(info.Resolution)
		}
	}
	return out
}
