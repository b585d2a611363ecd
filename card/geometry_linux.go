//go:build linux

package card

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// probeGeometry asks the kernel for a block device's logical sector size
// and byte capacity. Regular files fall back to imageGeometry.
func probeGeometry(file *os.File, info os.FileInfo, sectorSize uint32) (Geometry, error) {
	if info.Mode()&os.ModeDevice == 0 {
		return imageGeometry(info, sectorSize), nil
	}

	fd := int(file.Fd())

	logical, err := unix.IoctlGetInt(fd, unix.BLKSSZGET)
	if err != nil {
		return Geometry{}, fmt.Errorf("BLKSSZGET: %w", err)
	}

	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd),
		uintptr(unix.BLKGETSIZE64), uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return Geometry{}, fmt.Errorf("BLKGETSIZE64: %w", errno)
	}

	if logical <= 0 {
		return Geometry{}, nil
	}
	return Geometry{
		SectorSize:  uint32(logical),
		SectorCount: size / uint64(logical),
	}, nil
}
