package pio

import (
	"context"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/pario/internal/backend"
	"github.com/dreamware/pario/internal/comm"
	"github.com/dreamware/pario/internal/comm/local"
	"github.com/dreamware/pario/internal/iosys"
	"github.com/dreamware/pario/internal/pioerr"
)

type rankFunc func(ctx context.Context, rank int, r *Runtime, id int) error

func newRuntime(t *testing.T, fsys afero.Fs, opts []Option) (*Runtime, error) {
	return New(append([]Option{WithFs(fsys), WithLogger(zaptest.NewLogger(t))}, opts...)...)
}

// runIntracomm starts n ranks of which numIO, stride apart from rank 0, do I/O.
func runIntracomm(t *testing.T, fsys afero.Fs, n, numIO, stride int, h iosys.ErrorHandler, fn rankFunc, opts ...Option) {
	t.Helper()
	err := local.Run(context.Background(), n, func(ctx context.Context, c comm.Comm) error {
		r, err := newRuntime(t, fsys, opts)
		if err != nil {
			return err
		}
		defer r.Close()
		id, err := r.InitIntracomm(ctx, c, numIO, stride, 0, iosys.RearrBox, iosys.WithErrorHandler(h))
		if err != nil {
			return err
		}
		return fn(ctx, c.Rank(), r, id)
	})
	require.NoError(t, err)
}

// runAsync starts n ranks with the last nio serving I/O. compute runs on the
// other ranks before they finalize; served, when set, runs on the I/O ranks
// once the server loop has ended.
func runAsync(t *testing.T, fsys afero.Fs, n, nio int, h iosys.ErrorHandler, compute, served rankFunc, opts ...Option) {
	t.Helper()
	ioRanks := make([]int, nio)
	for i := range ioRanks {
		ioRanks[i] = n - nio + i
	}
	err := local.Run(context.Background(), n, func(ctx context.Context, c comm.Comm) error {
		r, err := newRuntime(t, fsys, opts)
		if err != nil {
			return err
		}
		defer r.Close()
		id, err := r.InitAsync(ctx, c, ioRanks, iosys.WithErrorHandler(h))
		if err != nil {
			return err
		}

		ios, err := r.IOSystem(id)
		if err != nil {
			return err
		}
		if ios.IOProc {
			if err := r.ServeIO(ctx, id); err != nil {
				return err
			}
			if served != nil {
				if err := served(ctx, c.Rank(), r, id); err != nil {
					return err
				}
			}
			return r.Finalize(ctx, id)
		}
		if err := compute(ctx, c.Rank(), r, id); err != nil {
			return err
		}
		return r.Finalize(ctx, id)
	})
	require.NoError(t, err)
}

func fixture(t *testing.T, fsys afero.Fs, path string, data []byte) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fsys, path, data, 0o644))
}

type openResult struct {
	ncid   int
	iotype backend.IOType
	code   int
	doIO   bool
}

// TestOpenRetry runs the fallback matrix on 4 ranks with I/O on ranks 0 and 2
func TestOpenRetry(t *testing.T) {
	hdf5 := backend.FormatHDF5.Magic()
	classic := backend.FormatClassic.Magic()
	garbage := []byte("not a netcdf file")

	tests := []struct {
		name     string
		data     []byte
		iotype   backend.IOType
		mode     int
		retry    bool
		wantType backend.IOType
		wantCode int
	}{
		{name: "pnetcdf on hdf5 downgrades", data: hdf5, iotype: backend.PnetCDF, retry: true, wantType: backend.NetCDF},
		{name: "pnetcdf on hdf5 without retry", data: hdf5, iotype: backend.PnetCDF, wantType: backend.PnetCDF, wantCode: pioerr.ENOTNC},
		{name: "netcdf4p on classic downgrades", data: classic, iotype: backend.NetCDF4P, retry: true, wantType: backend.NetCDF},
		{name: "netcdf4c on classic downgrades", data: classic, iotype: backend.NetCDF4C, retry: true, wantType: backend.NetCDF},
		{name: "netcdf4c on hdf5", data: hdf5, iotype: backend.NetCDF4C, retry: true, wantType: backend.NetCDF4C},
		{name: "rejected mode downgrades", data: classic, iotype: backend.PnetCDF, mode: backend.ModeNetCDF4, retry: true, wantType: backend.NetCDF},
		{name: "serial type never retries", data: garbage, iotype: backend.NetCDF, retry: true, wantType: backend.NetCDF, wantCode: pioerr.ENOTNC},
		{name: "failed downgrade reports serial type", data: garbage, iotype: backend.PnetCDF, retry: true, wantType: backend.NetCDF, wantCode: pioerr.ENOTNC},
		{name: "failed downgrade from netcdf4p", data: garbage, iotype: backend.NetCDF4P, retry: true, wantType: backend.NetCDF, wantCode: pioerr.ENOTNC},
		{name: "missing file is not retried", iotype: backend.NetCDF4P, retry: true, wantType: backend.NetCDF4P, wantCode: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := afero.NewMemMapFs()
			if tt.data != nil {
				fixture(t, fsys, "/data.nc", tt.data)
			}
			got := make([]openResult, 4)

			runIntracomm(t, fsys, 4, 2, 2, iosys.ReturnError, func(ctx context.Context, rank int, r *Runtime, id int) error {
				ncid, iotype, err := r.OpenFileRetry(ctx, id, tt.iotype, "/data.nc", tt.mode, tt.retry)
				got[rank] = openResult{ncid: ncid, iotype: iotype, code: pioerr.Code(err)}
				if err == nil {
					f, ferr := r.File(ncid)
					if ferr != nil {
						return ferr
					}
					got[rank].doIO = f.DoIO
					return r.CloseFile(ctx, ncid)
				}
				return nil
			})

			for rank, res := range got {
				assert.Equal(t, tt.wantCode, res.code, "rank %d", rank)
				if tt.wantCode != pioerr.NoErr {
					assert.Equal(t, -1, res.ncid, "rank %d", rank)
					assert.Equal(t, tt.wantType, res.iotype, "rank %d", rank)
					continue
				}
				assert.Equal(t, FirstFileID, res.ncid, "rank %d", rank)
				assert.Equal(t, tt.wantType, res.iotype, "rank %d", rank)
				wantIO := rank == 0 || (rank == 2 && tt.wantType.Parallel())
				assert.Equal(t, wantIO, res.doIO, "rank %d", rank)
			}
		})
	}
}

func TestOpenValidation(t *testing.T) {
	tests := []struct {
		name   string
		iotype backend.IOType
		path   string
	}{
		{name: "iotype below range", iotype: 0, path: "/a.nc"},
		{name: "iotype above range", iotype: 5, path: "/a.nc"},
		{name: "empty name", iotype: backend.NetCDF, path: ""},
		{name: "name too long", iotype: backend.NetCDF, path: "/" + strings.Repeat("x", MaxNameLen)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// a single rank of a two-rank system: any communication would block
			err := local.Run(context.Background(), 2, func(ctx context.Context, c comm.Comm) error {
				r, err := newRuntime(t, afero.NewMemMapFs(), nil)
				if err != nil {
					return err
				}
				defer r.Close()
				id, err := r.InitIntracomm(ctx, c, 1, 1, 0, iosys.RearrBox)
				if err != nil {
					return err
				}
				if c.Rank() == 1 {
					_, err = r.OpenFile(ctx, id, tt.iotype, tt.path, 0)
					assert.Equal(t, pioerr.EINVAL, pioerr.Code(err))
					_, err = r.CreateFile(ctx, id, tt.iotype, tt.path, 0)
					assert.Equal(t, pioerr.EINVAL, pioerr.Code(err))
				}
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestUnavailableBackend(t *testing.T) {
	fsys := afero.NewMemMapFs()
	fixture(t, fsys, "/data.nc", backend.FormatClassic.Magic())
	codes := make([]int, 2)

	runIntracomm(t, fsys, 2, 1, 1, iosys.InternalError, func(ctx context.Context, rank int, r *Runtime, id int) error {
		_, err := r.OpenFile(ctx, id, backend.PnetCDF, "/data.nc", 0)
		// unsupported types are returned even under the abort policy
		assert.False(t, pioerr.IsFatal(err))
		codes[rank] = pioerr.Code(err)
		return nil
	}, WithBackends(backend.NetCDF))

	assert.Equal(t, []int{pioerr.EBADIOTYPE, pioerr.EBADIOTYPE}, codes)
}

func TestErrorPolicies(t *testing.T) {
	tests := []struct {
		name    string
		handler iosys.ErrorHandler
		fatal   bool
	}{
		{name: "abort", handler: iosys.InternalError, fatal: true},
		{name: "broadcast", handler: iosys.BcastError},
		{name: "return", handler: iosys.ReturnError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := make([]error, 3)
			runIntracomm(t, afero.NewMemMapFs(), 3, 1, 1, tt.handler, func(ctx context.Context, rank int, r *Runtime, id int) error {
				_, errs[rank] = r.OpenFile(ctx, id, backend.NetCDF, "/missing.nc", 0)
				return nil
			})
			for rank, err := range errs {
				require.Error(t, err, "rank %d", rank)
				assert.Equal(t, tt.fatal, pioerr.IsFatal(err), "rank %d", rank)
				assert.Equal(t, 2, pioerr.Code(err), "rank %d", rank)
			}
		})
	}
}

// TestFileIDs checks ids are never shared by two open files, across I/O
// systems whose roots differ
func TestFileIDs(t *testing.T) {
	fsys := afero.NewMemMapFs()
	fixture(t, fsys, "/a.nc", backend.FormatClassic.Magic())
	ids := make([][]int, 3)

	err := local.Run(context.Background(), 3, func(ctx context.Context, c comm.Comm) error {
		r, err := newRuntime(t, fsys, nil)
		if err != nil {
			return err
		}
		defer r.Close()
		first, err := r.InitIntracomm(ctx, c, 1, 1, 0, iosys.RearrBox)
		if err != nil {
			return err
		}
		second, err := r.InitIntracomm(ctx, c, 1, 1, 2, iosys.RearrBox)
		if err != nil {
			return err
		}

		var mine []int
		open := func(id int) error {
			ncid, err := r.OpenFile(ctx, id, backend.NetCDF, "/a.nc", 0)
			mine = append(mine, ncid)
			return err
		}
		if err := open(first); err != nil {
			return err
		}
		if err := open(second); err != nil {
			return err
		}
		if err := r.CloseFile(ctx, mine[0]); err != nil {
			return err
		}
		if err := open(second); err != nil {
			return err
		}
		if err := open(first); err != nil {
			return err
		}
		ids[c.Rank()] = mine
		return nil
	})
	require.NoError(t, err)

	want := []int{16, 17, 18, 19}
	for rank := range ids {
		assert.Equal(t, want, ids[rank], "rank %d", rank)
	}
}

func TestCreateFile(t *testing.T) {
	fsys := afero.NewMemMapFs()
	codes := make([]int, 4)
	attached := make([]int64, 4)

	runIntracomm(t, fsys, 4, 2, 2, iosys.ReturnError, func(ctx context.Context, rank int, r *Runtime, id int) error {
		ncid, err := r.CreateFile(ctx, id, backend.PnetCDF, "/out.nc", backend.Mode64BitData|backend.ModeNoClobber)
		if err != nil {
			return err
		}
		f, err := r.File(ncid)
		if err != nil {
			return err
		}
		if f.Native() != nil {
			attached[rank] = int64(f.Native().Attached().Bytes())
		}
		if !f.Writable() {
			return pioerr.New(pioerr.EPERM, "created file is read-only")
		}
		if err := r.CloseFile(ctx, ncid); err != nil {
			return err
		}

		_, err = r.CreateFile(ctx, id, backend.PnetCDF, "/out.nc", backend.ModeNoClobber)
		codes[rank] = pioerr.Code(err)
		return nil
	})

	assert.Equal(t, []int{pioerr.EEXIST, pioerr.EEXIST, pioerr.EEXIST, pioerr.EEXIST}, codes)
	assert.Equal(t, []int64{10485760, 0, 10485760, 0}, attached)

	data, err := afero.ReadFile(fsys, "/out.nc")
	require.NoError(t, err)
	assert.Equal(t, backend.Format64BitData.Magic(), data)
}

func TestCreateNetCDF4(t *testing.T) {
	fsys := afero.NewMemMapFs()
	runIntracomm(t, fsys, 2, 2, 1, iosys.ReturnError, func(ctx context.Context, rank int, r *Runtime, id int) error {
		ncid, err := r.CreateFile(ctx, id, backend.NetCDF4P, "/out4.nc", 0)
		if err != nil {
			return err
		}
		return r.CloseFile(ctx, ncid)
	})

	data, err := afero.ReadFile(fsys, "/out4.nc")
	require.NoError(t, err)
	assert.Equal(t, backend.FormatHDF5.Magic(), data)
}

func TestUnknownIDs(t *testing.T) {
	runIntracomm(t, afero.NewMemMapFs(), 1, 1, 1, iosys.ReturnError, func(ctx context.Context, rank int, r *Runtime, id int) error {
		_, err := r.OpenFile(ctx, id+1, backend.NetCDF, "/a.nc", 0)
		assert.Equal(t, pioerr.EBADID, pioerr.Code(err))
		assert.Equal(t, pioerr.EBADID, pioerr.Code(r.CloseFile(ctx, 99)))
		assert.Equal(t, pioerr.EBADID, pioerr.Code(r.Sync(ctx, 99)))
		assert.Equal(t, pioerr.EBADID, pioerr.Code(r.SetFrame(99, 0, 1)))
		assert.Equal(t, pioerr.EBADID, pioerr.Code(r.FreeDecomp(ctx, id, 512)))
		assert.Equal(t, pioerr.EBADID, pioerr.Code(r.WriteDarray(ctx, 99, 0, 512, nil)))
		_, err = r.SetErrorHandling(ctx, id+1, iosys.BcastError)
		assert.Equal(t, pioerr.EBADID, pioerr.Code(err))
		assert.ErrorIs(t, r.Finalize(ctx, id+1), pioerr.ErrBadID)
		return nil
	})
}

func TestSetErrorHandling(t *testing.T) {
	runIntracomm(t, afero.NewMemMapFs(), 2, 1, 1, iosys.ReturnError, func(ctx context.Context, rank int, r *Runtime, id int) error {
		old, err := r.SetErrorHandling(ctx, id, iosys.BcastError)
		if err != nil {
			return err
		}
		assert.Equal(t, iosys.ReturnError, old)

		_, err = r.SetErrorHandling(ctx, id, iosys.ErrorHandler(7))
		assert.Equal(t, pioerr.EINVAL, pioerr.Code(err))

		ios, err := r.IOSystem(id)
		if err != nil {
			return err
		}
		assert.Equal(t, iosys.BcastError, ios.ErrorHandler())
		return nil
	})
}

func TestFinalize(t *testing.T) {
	runIntracomm(t, afero.NewMemMapFs(), 2, 1, 1, iosys.ReturnError, func(ctx context.Context, rank int, r *Runtime, id int) error {
		assert.Equal(t, Stats{IOSystems: 1}, r.Stats())
		if err := r.Finalize(ctx, id); err != nil {
			return err
		}
		_, err := r.IOSystem(id)
		assert.Equal(t, pioerr.EBADID, pioerr.Code(err))
		assert.Equal(t, Stats{}, r.Stats())
		return nil
	})
}

func TestStrerror(t *testing.T) {
	assert.Equal(t, pioerr.Strerror(pioerr.EBADID), Strerror(pioerr.EBADID))
	assert.NotEmpty(t, Strerror(pioerr.EBADIOTYPE))
}
