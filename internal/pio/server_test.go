package pio

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/pario/internal/backend"
	"github.com/dreamware/pario/internal/comm"
	"github.com/dreamware/pario/internal/comm/local"
	"github.com/dreamware/pario/internal/decomp"
	"github.com/dreamware/pario/internal/iosys"
	"github.com/dreamware/pario/internal/pioerr"
)

// TestAsyncOpenRetry opens through two dedicated I/O ranks
func TestAsyncOpenRetry(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		retry    bool
		wantType backend.IOType
		wantCode int
	}{
		{name: "retry", data: backend.FormatHDF5.Magic(), retry: true, wantType: backend.NetCDF},
		{name: "no retry", data: backend.FormatHDF5.Magic(), retry: false, wantType: backend.PnetCDF, wantCode: pioerr.ENOTNC},
		{name: "failed retry", data: []byte("not a netcdf file"), retry: true, wantType: backend.NetCDF, wantCode: pioerr.ENOTNC},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := afero.NewMemMapFs()
			fixture(t, fsys, "/h5.nc", tt.data)
			got := make([]openResult, 5)

			runAsync(t, fsys, 5, 2, iosys.ReturnError,
				func(ctx context.Context, rank int, r *Runtime, id int) error {
					ncid, iotype, err := r.OpenFileRetry(ctx, id, backend.PnetCDF, "/h5.nc", 0, tt.retry)
					got[rank] = openResult{ncid: ncid, iotype: iotype, code: pioerr.Code(err)}
					return nil
				},
				func(ctx context.Context, rank int, r *Runtime, id int) error {
					got[rank] = openResult{ncid: -1, iotype: backend.PnetCDF, code: tt.wantCode}
					if f, err := r.File(FirstFileID); err == nil {
						got[rank] = openResult{ncid: f.ID, iotype: f.IOType, doIO: f.DoIO}
					}
					return nil
				})

			for rank := 0; rank < 3; rank++ {
				assert.Equal(t, tt.wantCode, got[rank].code, "rank %d", rank)
				assert.Equal(t, tt.wantType, got[rank].iotype, "rank %d", rank)
			}
			if tt.wantCode == pioerr.NoErr {
				assert.Equal(t, openResult{ncid: FirstFileID, iotype: backend.NetCDF, doIO: true}, got[3])
				assert.Equal(t, openResult{ncid: FirstFileID, iotype: backend.NetCDF}, got[4])
			} else {
				assert.Equal(t, -1, got[3].ncid)
				assert.Equal(t, -1, got[4].ncid)
			}
		})
	}
}

// TestAsyncLifecycle drives every dispatched operation from two compute ranks
func TestAsyncLifecycle(t *testing.T) {
	fsys := afero.NewMemMapFs()
	var (
		handler iosys.ErrorHandler
		iobuf   []byte
		decomps int
		files   int
		codes   = make([]int, 2)
	)

	runAsync(t, fsys, 3, 1, iosys.ReturnError,
		func(ctx context.Context, rank int, r *Runtime, id int) error {
			if _, err := r.SetErrorHandling(ctx, id, iosys.BcastError); err != nil {
				return err
			}
			ncid, err := r.CreateFile(ctx, id, backend.NetCDF4C, "/async.nc", 0)
			if err != nil {
				return err
			}
			ioid, err := r.InitDecomp(ctx, id, decomp.Int, []int64{4}, pairs(rank), 0)
			if err != nil {
				return err
			}
			if err := r.WriteDarray(ctx, ncid, 0, ioid, ints(pairs(rank)...)); err != nil {
				return err
			}
			if err := r.Sync(ctx, ncid); err != nil {
				return err
			}

			// a second file, closed again, with a missing file in between
			other, err := r.CreateFile(ctx, id, backend.NetCDF, "/other.nc", 0)
			if err != nil {
				return err
			}
			_, err = r.OpenFile(ctx, id, backend.NetCDF, "/missing.nc", 0)
			codes[rank] = pioerr.Code(err)
			if err := r.CloseFile(ctx, other); err != nil {
				return err
			}

			second, err := r.InitDecomp(ctx, id, decomp.Int, []int64{4}, pairs(rank), 0)
			if err != nil {
				return err
			}
			return r.FreeDecomp(ctx, id, second)
		},
		func(ctx context.Context, rank int, r *Runtime, id int) error {
			ios, err := r.IOSystem(id)
			if err != nil {
				return err
			}
			handler = ios.ErrorHandler()
			decomps = r.decomps.Len()
			files = r.files.Len()
			f, err := r.File(FirstFileID)
			if err != nil {
				return err
			}
			v, err := f.Vars().Get(0)
			if err != nil {
				return err
			}
			iobuf = v.IOBuf
			return nil
		})

	assert.Equal(t, iosys.BcastError, handler)
	assert.Equal(t, ints(1, 2, 3, 4), iobuf)
	assert.Equal(t, 1, decomps)
	assert.Equal(t, 1, files)
	assert.Equal(t, []int{2, 2}, codes)

	data, err := afero.ReadFile(fsys, "/async.nc")
	require.NoError(t, err)
	assert.Equal(t, backend.FormatHDF5.Magic(), data)
}

func TestServeIOOutsideAsync(t *testing.T) {
	runIntracomm(t, afero.NewMemMapFs(), 1, 1, 1, iosys.ReturnError, func(ctx context.Context, rank int, r *Runtime, id int) error {
		assert.Equal(t, pioerr.EINVAL, pioerr.Code(r.ServeIO(ctx, id)))
		return nil
	})
}

func TestServeIOComputeTask(t *testing.T) {
	err := local.Run(context.Background(), 2, func(ctx context.Context, c comm.Comm) error {
		r, err := newRuntime(t, afero.NewMemMapFs(), nil)
		if err != nil {
			return err
		}
		defer r.Close()
		id, err := r.InitAsync(ctx, c, []int{1})
		if err != nil {
			return err
		}
		if c.Rank() == 0 {
			assert.Equal(t, pioerr.EINVAL, pioerr.Code(r.ServeIO(ctx, id)))
		} else {
			// I/O-only tasks hold no map communicator
			_, _, err := r.ReadMap(ctx, id, "/map.dat")
			assert.Equal(t, pioerr.EINVAL, pioerr.Code(err))
			if err := r.ServeIO(ctx, id); err != nil {
				return err
			}
		}
		return r.Finalize(ctx, id)
	})
	require.NoError(t, err)
}
