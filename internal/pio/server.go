package pio

import (
	"context"

	"go.uber.org/zap"

	"github.com/dreamware/pario/internal/decomp"
	"github.com/dreamware/pario/internal/dispatch"
	"github.com/dreamware/pario/internal/iosys"
	"github.com/dreamware/pario/internal/pioerr"
)

// ServeIO runs the operations dispatched by the compute tasks of an async I/O
// system until they call Finalize. Every I/O task of the system must call it.
// A failed operation is logged and the loop goes on; a fatal or transport
// error ends it.
func (r *Runtime) ServeIO(ctx context.Context, iosysid int) error {
	sys, err := r.iosystem(iosysid)
	if err != nil {
		return err
	}
	ios := sys.desc
	if !ios.Async || !ios.IOProc {
		return pioerr.Newf(pioerr.EINVAL, "serve", "not an I/O task of an async I/O system")
	}

	for {
		op, err := dispatch.ReceiveOp(ctx, ios)
		if err != nil {
			return err
		}
		r.metrics.Served(op.String())
		if op == dispatch.OpExit {
			return dispatch.Receive(ctx, ios, op, 0, nil)
		}

		err = r.serve(ctx, sys, op)
		if err == nil {
			continue
		}
		if pioerr.IsFatal(err) || pioerr.Classify(err) == pioerr.ClassTransport {
			return err
		}
		if ios.IOMaster {
			ios.Logger.Warn("dispatched operation failed", zap.Stringer("op", op), zap.Error(err))
		}
	}
}

// serve reads the arguments of op and runs the I/O half of it.
func (r *Runtime) serve(ctx context.Context, sys *ioSystem, op dispatch.Op) error {
	ios := sys.desc
	switch op {
	case dispatch.OpOpenFile, dispatch.OpCreateFile:
		var q openRequest
		if err := dispatch.Receive(ctx, ios, op, 0, func(rc *dispatch.Receiver) {
			q = readOpenRequest(rc, op == dispatch.OpCreateFile)
		}); err != nil {
			return err
		}
		_, _, err := r.openFile(ctx, sys, q)
		return err

	case dispatch.OpCloseFile:
		var ncid int
		if err := dispatch.Receive(ctx, ios, op, 0, func(rc *dispatch.Receiver) { ncid = rc.Int() }); err != nil {
			return err
		}
		return r.closeFile(ctx, ios, ncid)

	case dispatch.OpInitDecomp:
		var (
			bt    decomp.BaseType
			rearr iosys.Rearranger
			gdims []int64
		)
		if err := dispatch.Receive(ctx, ios, op, 0, func(rc *dispatch.Receiver) {
			bt = decomp.BaseType(rc.Int())
			rearr = iosys.Rearranger(rc.Int())
			gdims = rc.Int64s()
		}); err != nil {
			return err
		}
		_, err := r.initDecomp(ctx, sys, bt, gdims, nil, rearr)
		return err

	case dispatch.OpFreeDecomp:
		var ioid int
		if err := dispatch.Receive(ctx, ios, op, 0, func(rc *dispatch.Receiver) { ioid = rc.Int() }); err != nil {
			return err
		}
		return r.freeDecomp(ioid)

	case dispatch.OpSetErrorHandling:
		var h iosys.ErrorHandler
		if err := dispatch.Receive(ctx, ios, op, 0, func(rc *dispatch.Receiver) { h = iosys.ErrorHandler(rc.Int()) }); err != nil {
			return err
		}
		if !h.Valid() {
			return pioerr.Newf(pioerr.EINVAL, op.String(), "%s", h)
		}
		ios.SetErrorHandler(h)
		return nil

	case dispatch.OpWriteDarray:
		var ncid, varid, ioid int
		if err := dispatch.Receive(ctx, ios, op, 0, func(rc *dispatch.Receiver) {
			ncid, varid, ioid = rc.Int(), rc.Int(), rc.Int()
		}); err != nil {
			return err
		}
		return r.rearrange(ctx, ios, ncid, varid, ioid, nil)
	}

	if err := dispatch.Receive(ctx, ios, op, 0, nil); err != nil {
		return err
	}
	return pioerr.Newf(pioerr.EINVAL, "serve", "unknown %s", op)
}
