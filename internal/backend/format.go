package backend

import (
	"bytes"
	"errors"
	"io"
)

// Format is the on-disk container recognized from the leading bytes of a file.
type Format int

const (
	FormatUnknown Format = iota
	FormatClassic
	Format64BitOffset
	Format64BitData
	FormatHDF5
)

func (f Format) String() string {
	switch f {
	case FormatClassic:
		return "classic"
	case Format64BitOffset:
		return "64bit_offset"
	case Format64BitData:
		return "64bit_data"
	case FormatHDF5:
		return "hdf5"
	}
	return "unknown"
}

// CDF reports whether f is one of the classic-model formats.
func (f Format) CDF() bool {
	return f == FormatClassic || f == Format64BitOffset || f == Format64BitData
}

var (
	magicClassic   = []byte{'C', 'D', 'F', 0x01}
	magic64Offset  = []byte{'C', 'D', 'F', 0x02}
	magic64Data    = []byte{'C', 'D', 'F', 0x05}
	hdf5Signature  = []byte{0x89, 'H', 'D', 'F', '\r', '\n', 0x1a, '\n'}
	hdf5SigOffsets = []int64{0, 512, 1024, 2048}
)

// Magic returns the header written for a new file of format f.
func (f Format) Magic() []byte {
	switch f {
	case FormatClassic:
		return magicClassic
	case Format64BitOffset:
		return magic64Offset
	case Format64BitData:
		return magic64Data
	case FormatHDF5:
		return hdf5Signature
	}
	return nil
}

// Sniff identifies the format of r. The HDF5 signature may sit at any of the
// standard superblock offsets.
func Sniff(r io.ReaderAt) (Format, error) {
	head := make([]byte, 4)
	n, err := r.ReadAt(head, 0)
	if err != nil && !shortRead(err) {
		return FormatUnknown, err
	}
	if n == 4 {
		switch {
		case bytes.Equal(head, magicClassic):
			return FormatClassic, nil
		case bytes.Equal(head, magic64Offset):
			return Format64BitOffset, nil
		case bytes.Equal(head, magic64Data):
			return Format64BitData, nil
		}
	}

	sig := make([]byte, len(hdf5Signature))
	for _, off := range hdf5SigOffsets {
		n, err := r.ReadAt(sig, off)
		if n < len(sig) {
			if err == nil || shortRead(err) {
				break
			}
			return FormatUnknown, err
		}
		if bytes.Equal(sig, hdf5Signature) {
			return FormatHDF5, nil
		}
	}
	return FormatUnknown, nil
}

// shortRead reports whether err only means the file ended early. Readers
// differ on which of the two they return for a partial ReadAt.
func shortRead(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// FormatFor picks the format a create call produces for mode.
func FormatFor(mode int) Format {
	switch {
	case mode&ModeNetCDF4 != 0:
		return FormatHDF5
	case mode&Mode64BitData != 0:
		return Format64BitData
	case mode&Mode64BitOffset != 0:
		return Format64BitOffset
	}
	return FormatClassic
}
