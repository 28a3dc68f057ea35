package pio

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/pario/internal/comm"
	"github.com/dreamware/pario/internal/decomp"
	"github.com/dreamware/pario/internal/dispatch"
	"github.com/dreamware/pario/internal/iosys"
	"github.com/dreamware/pario/internal/mapfile"
	"github.com/dreamware/pario/internal/pioerr"
)

// InitDecomp creates a decomposition of an array of shape gdims. compmap
// holds the 1-based global index of each local element, 0 for a hole. A zero
// rearr selects the default of the I/O system. It is collective over the
// union communicator; in async mode I/O tasks join through ServeIO.
func (r *Runtime) InitDecomp(ctx context.Context, iosysid int, bt decomp.BaseType, gdims, compmap []int64, rearr iosys.Rearranger) (int, error) {
	sys, err := r.iosystem(iosysid)
	if err != nil {
		return -1, err
	}
	ios := sys.desc
	if rearr == 0 {
		rearr = ios.DefaultRearranger
	}
	if !rearr.Valid() {
		return -1, pioerr.Newf(pioerr.EBADREARR, "initdecomp", "%s", rearr)
	}
	if !bt.Valid() {
		return -1, pioerr.Newf(pioerr.EBADTYPE, "initdecomp", "%s", bt)
	}

	if ios.Async && !ios.IOProc {
		err := dispatch.Call(ctx, ios, dispatch.OpInitDecomp, 0, func(s *dispatch.Sender) {
			s.Int(int(bt))
			s.Int(int(rearr))
			s.Int64s(gdims)
		})
		if err != nil {
			return -1, err
		}
	}
	return r.initDecomp(ctx, sys, bt, gdims, compmap, rearr)
}

// InitDecompFromMap reads a map file written by WriteMap or by a run with
// saved decompositions and creates the decomposition it describes.
func (r *Runtime) InitDecompFromMap(ctx context.Context, iosysid int, bt decomp.BaseType, path string, rearr iosys.Rearranger) (int, error) {
	gdims, compmap, err := r.ReadMap(ctx, iosysid, path)
	if err != nil {
		return -1, err
	}
	return r.InitDecomp(ctx, iosysid, bt, gdims, compmap, rearr)
}

func (r *Runtime) initDecomp(ctx context.Context, sys *ioSystem, bt decomp.BaseType, gdims, compmap []int64, rearr iosys.Rearranger) (int, error) {
	ios := sys.desc
	d, err := decomp.New(r.arena, bt, len(gdims), r.tunables.Swapm)
	if pioerr.IsFatal(err) {
		return -1, err
	}
	if err == nil {
		d.Rearranger = rearr
		if ios.CompRank >= 0 {
			err = d.BuildRegions(gdims, compmap)
		}
	}
	if err = agreeDecomp(ctx, ios, "initdecomp", err); err != nil {
		if d != nil {
			_ = d.Release()
		}
		return -1, err
	}

	err = d.Plan(ctx, ios, gdims, compmap)
	if err = agreeDecomp(ctx, ios, "initdecomp", err); err != nil {
		_ = d.Release()
		return -1, err
	}

	id := r.decomps.Add(d)
	r.metrics.DecompAdded()
	ios.Logger.Debug("decomposition ready", zap.Int("ioid", id), zap.Stringer("decomp", d))

	if r.tunables.SaveDecomps && sys.maps != nil {
		name := fmt.Sprintf("piodecomp%dtasks%ddims%02d.dat", ios.NumCompTasks, len(gdims), sys.saved)
		sys.saved++
		if err := mapfile.Write(ctx, r.fs, sys.maps, name, gdims, compmap, r.mapOpts...); err != nil {
			ios.Logger.Warn("could not save decomposition", zap.String("path", name), zap.Error(err))
		}
	}
	return id, nil
}

// FreeDecomp releases a decomposition on every process of its I/O system.
func (r *Runtime) FreeDecomp(ctx context.Context, iosysid, ioid int) error {
	sys, err := r.iosystem(iosysid)
	if err != nil {
		return err
	}
	if _, err := r.decomps.Get(ioid); err != nil {
		return err
	}
	ios := sys.desc
	if ios.Async && !ios.IOProc {
		if err := dispatch.Call(ctx, ios, dispatch.OpFreeDecomp, 0, func(s *dispatch.Sender) { s.Int(ioid) }); err != nil {
			return err
		}
	}
	return r.freeDecomp(ioid)
}

func (r *Runtime) freeDecomp(ioid int) error {
	if err := r.decomps.Destroy(ioid); err != nil {
		return err
	}
	r.metrics.DecompFreed()
	return nil
}

// Decomp returns the decomposition registered under ioid.
func (r *Runtime) Decomp(ioid int) (*decomp.Desc, error) {
	return r.decomps.Get(ioid)
}

// agreeDecomp makes every process of the union return an error when any of them
// failed a step.
func agreeDecomp(ctx context.Context, ios *iosys.Desc, op string, err error) error {
	status, aerr := comm.AgreeStatus(ctx, ios.Union, pioerr.Code(err))
	if aerr != nil {
		return ios.CheckTransport(op, 0, aerr)
	}
	if err != nil {
		return err
	}
	if status != pioerr.NoErr {
		return pioerr.Newf(status, op, "failed on another process")
	}
	return nil
}
