// Package pioerr defines the status codes shared by every pario entry point and the
// classification rules that decide how a failure is reported.
//
// Numeric convention:
//   - 0 is success
//   - positive values are host (errno) errors
//   - [BackendLast, BackendFirst] is the backend band; the library reuses a few of
//     those codes for its own argument and resource errors
//   - values at or below FirstLibraryCode are library-only errors
package pioerr

import (
	"syscall"
)

const (
	NoErr = 0

	// Backend band, shared with the file format libraries.
	BackendFirst = -1
	BackendLast  = -131

	EBADID   = -33
	ENFILE   = -34
	EEXIST   = -35
	EINVAL   = -36
	EPERM    = -37
	EBADTYPE = -45
	EBADDIM  = -46
	ENOTVAR  = -49
	ENOTNC   = -51
	ENOMEM   = -61
	EIO      = -68
	EHDFERR  = -101

	// Library-only codes.
	FirstLibraryCode = -500
	EBADIOTYPE       = -500
	EVARDIMMISMATCH  = -501
	EBADREARR        = -502
)

var backendStrings = map[int]string{
	EBADID:   "NetCDF: Not a valid ID",
	ENFILE:   "NetCDF: Too many files open",
	EEXIST:   "NetCDF: File exists && NC_NOCLOBBER",
	EINVAL:   "NetCDF: Invalid argument",
	EPERM:    "NetCDF: Write to read only",
	EBADTYPE: "NetCDF: Not a valid data type or _FillValue type mismatch",
	EBADDIM:  "NetCDF: Invalid dimension ID or name",
	ENOTVAR:  "NetCDF: Variable not found",
	ENOTNC:   "NetCDF: Unknown file format",
	ENOMEM:   "NetCDF: Memory allocation (malloc) failure",
	EIO:      "NetCDF: I/O failure",
	EHDFERR:  "NetCDF: HDF error",
}

// Strerror returns a human readable description of a status code.
func Strerror(code int) string {
	switch {
	case code > 0:
		if msg := syscall.Errno(code).Error(); msg != "" {
			return msg
		}
		return "Unknown Error"
	case code == NoErr:
		return "No error"
	case code <= BackendFirst && code >= BackendLast:
		if msg, ok := backendStrings[code]; ok {
			return msg
		}
		return "NetCDF: Unknown error"
	}

	switch code {
	case EBADIOTYPE:
		return "Bad IO type"
	case EVARDIMMISMATCH:
		return "Variable dim mismatch in multivar call"
	case EBADREARR:
		return "Rearranger mismatch in async mode"
	default:
		return "unknown PIO error"
	}
}
