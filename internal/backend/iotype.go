package backend

import (
	"fmt"
	"strings"
)

// IOType selects the library that performs the bytes-on-disk work for a file.
type IOType int

const (
	PnetCDF  IOType = 1
	NetCDF   IOType = 2
	NetCDF4C IOType = 3
	NetCDF4P IOType = 4
)

var ioTypeNames = map[IOType]string{
	PnetCDF:  "pnetcdf",
	NetCDF:   "netcdf",
	NetCDF4C: "netcdf4c",
	NetCDF4P: "netcdf4p",
}

// Valid reports whether t is inside the supported range.
func (t IOType) Valid() bool {
	return t >= PnetCDF && t <= NetCDF4P
}

// Parallel reports whether every I/O task opens the file. Other types are
// driven by the first I/O task alone.
func (t IOType) Parallel() bool {
	return t == PnetCDF || t == NetCDF4P
}

func (t IOType) String() string {
	if name, ok := ioTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("iotype(%d)", int(t))
}

// ParseIOType accepts a type name or its number.
func ParseIOType(s string) (IOType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range ioTypeNames {
		if name == s || fmt.Sprint(int(t)) == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown iotype %q", s)
}

// Open and create mode flags.
const (
	ModeNoWrite     = 0x0000
	ModeWrite       = 0x0001
	ModeClobber     = 0x0000
	ModeNoClobber   = 0x0004
	Mode64BitData   = 0x0020
	ModeClassic     = 0x0100
	Mode64BitOffset = 0x0200
	ModeNetCDF4     = 0x1000
	ModeMPIIO       = 0x2000
)

const knownModes = ModeWrite | ModeNoClobber | Mode64BitData | ModeClassic | Mode64BitOffset | ModeNetCDF4 | ModeMPIIO
