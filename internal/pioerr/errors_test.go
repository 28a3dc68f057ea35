package pioerr

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStrerror checks each numeric band maps to the expected text
func TestStrerror(t *testing.T) {
	tests := []struct {
		name string
		code int
		want string
	}{
		{name: "success", code: NoErr, want: "No error"},
		{name: "host errno", code: int(syscall.ENOENT), want: syscall.ENOENT.Error()},
		{name: "known backend code", code: ENOTNC, want: "NetCDF: Unknown file format"},
		{name: "unknown backend code", code: -120, want: "NetCDF: Unknown error"},
		{name: "bad io type", code: EBADIOTYPE, want: "Bad IO type"},
		{name: "unknown library code", code: -999, want: "unknown PIO error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Strerror(tt.code))
		})
	}
}

func TestCode(t *testing.T) {
	assert.Equal(t, NoErr, Code(nil))
	assert.Equal(t, EBADID, Code(New(EBADID, "free decomp")))
	assert.Equal(t, EBADID, Code(fmt.Errorf("wrapped: %w", New(EBADID, "x"))))
	assert.Equal(t, ENOMEM, Code(MemError(64, "report")))
	assert.Equal(t, int(syscall.ENOENT), Code(&os.PathError{Op: "open", Path: "x", Err: os.ErrNotExist}))
	assert.Equal(t, int(syscall.EACCES), Code(syscall.EACCES))
	assert.Equal(t, EIO, Code(errors.New("anything else")))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{name: "nil", err: nil, want: ClassNone},
		{name: "invalid", err: New(EINVAL, "open"), want: ClassInvalidArgument},
		{name: "bad id", err: New(EBADID, "close"), want: ClassUnknownHandle},
		{name: "no mem", err: New(ENOMEM, "alloc"), want: ClassOutOfMemory},
		{name: "bad iotype", err: New(EBADIOTYPE, "open"), want: ClassUnsupportedType},
		{name: "transport", err: Transport("bcast", errors.New("broken pipe")), want: ClassTransport},
		{name: "backend", err: Backend(ENOTNC, "open"), want: ClassBackend},
		{name: "host", err: Backend(int(syscall.ENOENT), "open"), want: ClassHost},
		{name: "fatal", err: Fatal(EIO, "bad map file", nil), want: ClassFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("lookup: %w", New(EBADID, "free decomp"))
	assert.ErrorIs(t, err, ErrBadID)
	assert.NotErrorIs(t, err, ErrInvalid)

	transport := Transport("bcast", errors.New("reset"))
	assert.ErrorIs(t, transport, ErrIO)
	assert.Equal(t, ClassTransport, transport.Class())
}

func TestErrorMessage(t *testing.T) {
	err := Newf(EINVAL, "open file", "filename %q too long", "x")
	assert.Equal(t, `open file: NetCDF: Invalid argument (-36): filename "x" too long`, err.Error())
}

func TestFatal(t *testing.T) {
	err := Fatal(EIO, "Attempt to read incompatible map file version", errors.New("version 1"))

	require.True(t, IsFatal(err))
	require.True(t, IsFatal(fmt.Errorf("read map: %w", err)))
	assert.False(t, IsFatal(New(EIO, "x")))
	assert.Contains(t, err.File, "errors_test.go")
	assert.NotZero(t, err.Line)
	assert.NotEmpty(t, err.Trace)
	assert.Contains(t, err.Error(), "Attempt to read incompatible map file version")
}

func TestMemError(t *testing.T) {
	err := MemError(4096, "in use 1 MB")
	assert.Equal(t, ENOMEM, err.Code)
	assert.Contains(t, err.Error(), "out of memory requesting: 4096")
	assert.Contains(t, err.Error(), "in use 1 MB")
}
