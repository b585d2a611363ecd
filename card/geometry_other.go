//go:build !linux

package card

import (
	"fmt"
	"os"

	"github.com/ardnew/cardbridge/pkg"
)

func probeGeometry(file *os.File, info os.FileInfo, sectorSize uint32) (Geometry, error) {
	if info.Mode()&os.ModeDevice != 0 {
		return Geometry{}, fmt.Errorf("block device geometry: %w", pkg.ErrNotSupported)
	}
	return imageGeometry(info, sectorSize), nil
}
