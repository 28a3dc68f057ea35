package pio

import (
	"context"

	"github.com/dreamware/pario/internal/mapfile"
	"github.com/dreamware/pario/internal/pioerr"
)

// WriteMap stores the decomposition map of every compute task in path. It is
// collective over the compute tasks of the I/O system.
func (r *Runtime) WriteMap(ctx context.Context, iosysid int, path string, dims, offsets []int64) error {
	sys, err := r.mapSystem(iosysid, "writemap")
	if err != nil {
		return err
	}
	return mapfile.Write(ctx, r.fs, sys.maps, path, dims, offsets, r.mapOpts...)
}

// ReadMap loads path and returns the dimensions and the offsets of the
// calling compute task. It is collective over the compute tasks of the I/O
// system.
func (r *Runtime) ReadMap(ctx context.Context, iosysid int, path string) (dims, offsets []int64, err error) {
	sys, err := r.mapSystem(iosysid, "readmap")
	if err != nil {
		return nil, nil, err
	}
	return mapfile.Read(ctx, r.fs, sys.maps, path, r.mapOpts...)
}

func (r *Runtime) mapSystem(iosysid int, op string) (*ioSystem, error) {
	sys, err := r.iosystem(iosysid)
	if err != nil {
		return nil, err
	}
	if sys.maps == nil {
		return nil, pioerr.Newf(pioerr.EINVAL, op, "not a compute task of I/O system %d", iosysid)
	}
	return sys, nil
}
