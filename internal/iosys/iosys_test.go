package iosys

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/pario/internal/backend"
	"github.com/dreamware/pario/internal/comm"
	"github.com/dreamware/pario/internal/comm/local"
	"github.com/dreamware/pario/internal/pioerr"
)

type roles struct {
	ioRank, compRank     int
	ioProc, ioMaster     bool
	compMaster, hasIO    bool
	ioRoot, compRoot     int
	numIO, numComp, size int
}

func collect(d *Desc) roles {
	return roles{
		ioRank: d.IORank, compRank: d.CompRank,
		ioProc: d.IOProc, ioMaster: d.IOMaster, compMaster: d.CompMaster,
		hasIO:  d.IO != nil,
		ioRoot: d.IORoot, compRoot: d.CompRoot,
		numIO: d.NumIOTasks, numComp: d.NumCompTasks, size: d.My.Size(),
	}
}

func TestInitIntracomm(t *testing.T) {
	got := make([]roles, 4)
	err := local.Run(context.Background(), 4, func(ctx context.Context, c comm.Comm) error {
		d, err := InitIntracomm(ctx, c, 2, 2, 1, RearrSubset)
		if err != nil {
			return err
		}
		defer d.Free()
		assert.False(t, d.Async)
		assert.Equal(t, RearrSubset, d.DefaultRearranger)
		assert.Equal(t, InternalError, d.ErrorHandler())
		got[c.Rank()] = collect(d)
		if d.IOProc {
			assert.Equal(t, 2, d.IO.Size())
		}
		return nil
	})
	require.NoError(t, err)

	want := []roles{
		{ioRank: -1, compRank: 0, compMaster: true, ioRoot: 1, numIO: 2, numComp: 4, size: 4},
		{ioRank: 0, compRank: 1, ioProc: true, ioMaster: true, hasIO: true, ioRoot: 1, numIO: 2, numComp: 4, size: 4},
		{ioRank: -1, compRank: 2, ioRoot: 1, numIO: 2, numComp: 4, size: 4},
		{ioRank: 1, compRank: 3, ioProc: true, hasIO: true, ioRoot: 1, numIO: 2, numComp: 4, size: 4},
	}
	assert.Equal(t, want, got)
}

func TestInitAsync(t *testing.T) {
	got := make([]roles, 5)
	err := local.Run(context.Background(), 5, func(ctx context.Context, c comm.Comm) error {
		d, err := InitAsync(ctx, c, []int{3, 4})
		if err != nil {
			return err
		}
		defer d.Free()
		assert.True(t, d.Async)
		assert.NotNil(t, d.Inter)
		got[c.Rank()] = collect(d)
		return nil
	})
	require.NoError(t, err)

	comp := func(rank int) roles {
		return roles{ioRank: -1, compRank: rank, compMaster: rank == 0, ioRoot: 3, numIO: 2, numComp: 3, size: 3}
	}
	io := func(rank int) roles {
		return roles{ioRank: rank, compRank: -1, ioProc: true, ioMaster: rank == 0, hasIO: true, ioRoot: 3, numIO: 2, numComp: 3, size: 2}
	}
	assert.Equal(t, []roles{comp(0), comp(1), comp(2), io(0), io(1)}, got)
}

func TestInitInvalid(t *testing.T) {
	w := local.NewWorld(2)
	defer w.Close()
	ctx := context.Background()
	c := w.Comm(0)

	_, err := InitIntracomm(ctx, c, 3, 1, 0, RearrBox)
	assert.Error(t, err)
	_, err = InitIntracomm(ctx, c, 1, 1, 0, Rearranger(7))
	assert.Error(t, err)
	_, err = InitAsync(ctx, c, nil)
	assert.Error(t, err)
	_, err = InitAsync(ctx, c, []int{0, 1})
	assert.Error(t, err, "no compute tasks left")
	_, err = InitAsync(ctx, c, []int{5})
	assert.Error(t, err)
}

func TestSetErrorHandler(t *testing.T) {
	d := newDesc(nil)
	assert.Equal(t, InternalError, d.SetErrorHandler(BcastError))
	assert.Equal(t, BcastError, d.SetErrorHandler(ReturnError))
	assert.Equal(t, ReturnError, d.ErrorHandler())
	assert.Equal(t, "return", ReturnError.String())
	assert.False(t, ErrorHandler(0).Valid())
}

// TestCheckBackendModes tests each error policy with a failure on one process
func TestCheckBackendModes(t *testing.T) {
	tests := []struct {
		name    string
		handler ErrorHandler
		want    []int
		fatal   bool
	}{
		{name: "broadcast", handler: BcastError, want: []int{pioerr.ENOTNC, pioerr.ENOTNC, pioerr.ENOTNC}},
		{name: "return", handler: ReturnError, want: []int{0, pioerr.ENOTNC, 0}},
		{name: "abort", handler: InternalError, want: []int{0, pioerr.ENOTNC, 0}, fatal: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codes := make([]int, 3)
			errs := make([]error, 3)
			err := local.Run(context.Background(), 3, func(ctx context.Context, c comm.Comm) error {
				d, err := InitIntracomm(ctx, c, 1, 1, 0, RearrBox, WithErrorHandler(tt.handler))
				if err != nil {
					return err
				}
				status := 0
				if c.Rank() == 1 {
					status = pioerr.ENOTNC
				}
				errs[c.Rank()] = d.CheckBackend(ctx, backend.NetCDF, status, "open")
				codes[c.Rank()] = pioerr.Code(errs[c.Rank()])
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, codes)
			assert.Equal(t, tt.fatal, pioerr.IsFatal(errs[1]))
		})
	}
}

func TestCheckBackendBadIOType(t *testing.T) {
	d := newDesc(nil)
	err := d.CheckBackend(context.Background(), backend.IOType(9), 0, "open")
	assert.ErrorIs(t, err, pioerr.ErrBadIOType)
}

func TestCheckTransport(t *testing.T) {
	d := newDesc([]Option{WithErrorHandler(ReturnError)})
	assert.NoError(t, d.CheckTransport("bcast", backend.NetCDF, nil))

	cause := errors.New("connection reset")
	err := d.CheckTransport("bcast", backend.NetCDF, cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, pioerr.EIO, pioerr.Code(err))
	assert.Equal(t, pioerr.ClassTransport, pioerr.Classify(err))

	d.SetErrorHandler(InternalError)
	assert.True(t, pioerr.IsFatal(d.CheckTransport("bcast", backend.NetCDF, cause)))
	assert.False(t, pioerr.IsFatal(d.CheckTransport("bcast", 0, cause)), "no file, no abort")
}

func TestConcurrentHandlerAccess(t *testing.T) {
	d := newDesc(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.SetErrorHandler(ReturnError)
			_ = d.ErrorHandler()
		}()
	}
	wg.Wait()
	assert.Equal(t, ReturnError, d.ErrorHandler())
}
