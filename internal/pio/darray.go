package pio

import (
	"context"

	"github.com/dreamware/pario/internal/backend"
	"github.com/dreamware/pario/internal/comm"
	"github.com/dreamware/pario/internal/decomp"
	"github.com/dreamware/pario/internal/dispatch"
	"github.com/dreamware/pario/internal/iosys"
	"github.com/dreamware/pario/internal/pioerr"
)

// WriteDarray stages the local part of a distributed array for variable
// varid of file ncid, laid out by decomposition ioid. Staged writes are
// rearranged onto the I/O tasks by Sync or CloseFile. When the staging
// budget is exhausted the file is flushed first; a write that still does not
// fit is rearranged at once. Every compute task must call it.
func (r *Runtime) WriteDarray(ctx context.Context, ncid, varid, ioid int, data []byte) error {
	f, err := r.File(ncid)
	if err != nil {
		return err
	}
	ios := f.sys.desc
	err = r.checkWrite(f, varid, ioid, data)
	if err := agree(ctx, ios, ios.Comp, f.IOType, "write darray", err); err != nil {
		return err
	}

	fits, err := r.fits(ctx, ios.Comp, len(data))
	if err != nil {
		return err
	}
	if !fits {
		if err := r.flush(ctx, f); err != nil {
			return err
		}
		if fits, err = r.fits(ctx, ios.Comp, len(data)); err != nil {
			return err
		}
		if !fits {
			return r.writeDarray(ctx, f, varid, ioid, data)
		}
	}
	if err := f.buffer.Stage(varid, ioid, data); err != nil {
		return pioerr.MemError(int64(len(data)), r.cn.Report())
	}
	return nil
}

// checkWrite validates the arguments of a write on the calling task.
func (r *Runtime) checkWrite(f *File, varid, ioid int, data []byte) error {
	d, err := r.decomps.Get(ioid)
	if err != nil {
		return err
	}
	if !f.Writable() {
		return pioerr.Newf(pioerr.EPERM, "write darray", "%s opened read-only", f.Path)
	}
	if _, err := f.vars.Get(varid); err != nil {
		return err
	}
	if want := d.LLen * int64(d.BaseType.Size()); int64(len(data)) != want {
		return pioerr.Newf(pioerr.EINVAL, "write darray", "%d bytes for %d local elements of %s", len(data), d.LLen, d.BaseType)
	}
	return nil
}

// agree shares the local outcome err over c, so that a failure on any task
// stops every task before the next collective. A task that failed returns
// its own error; the others get the agreed code.
func agree(ctx context.Context, ios *iosys.Desc, c comm.Comm, iotype backend.IOType, op string, err error) error {
	status, aerr := comm.AgreeStatus(ctx, c, pioerr.Code(err))
	if aerr != nil {
		return ios.CheckTransport(op, iotype, aerr)
	}
	if status == pioerr.NoErr {
		return nil
	}
	if err != nil {
		return err
	}
	return pioerr.Newf(status, op, "failed on another task")
}

// fits agrees over the compute group on whether n more bytes can be staged
// on every compute task.
func (r *Runtime) fits(ctx context.Context, c comm.Comm, n int) (bool, error) {
	status := pioerr.NoErr
	if !r.cn.Fits(int64(n)) {
		status = pioerr.ENOMEM
	}
	status, err := comm.AgreeStatus(ctx, c, status)
	if err != nil {
		return false, pioerr.Transport("write darray", err)
	}
	return status == pioerr.NoErr, nil
}

// Sync rearranges every staged write of ncid.
func (r *Runtime) Sync(ctx context.Context, ncid int) error {
	f, err := r.File(ncid)
	if err != nil {
		return err
	}
	return r.flush(ctx, f)
}

func (r *Runtime) flush(ctx context.Context, f *File) error {
	return f.buffer.Drain(func(e staged) error {
		return r.writeDarray(ctx, f, e.varid, e.ioid, e.data)
	})
}

// writeDarray moves one write onto the I/O tasks, dispatching it first when
// the caller is an async compute task.
func (r *Runtime) writeDarray(ctx context.Context, f *File, varid, ioid int, data []byte) error {
	ios := f.sys.desc
	if ios.Async && !ios.IOProc {
		err := dispatch.Call(ctx, ios, dispatch.OpWriteDarray, f.IOType, func(s *dispatch.Sender) {
			s.Int(f.ID)
			s.Int(varid)
			s.Int(ioid)
		})
		if err != nil {
			return err
		}
	}
	return r.rearrange(ctx, ios, f.ID, varid, ioid, data)
}

// rearrange runs on every process of the union. The lookups are agreed on
// before the gather, then I/O tasks keep the result in the variable's I/O
// buffer.
func (r *Runtime) rearrange(ctx context.Context, ios *iosys.Desc, ncid, varid, ioid int, data []byte) error {
	var (
		d      *decomp.Desc
		v      *Var
		iotype backend.IOType
	)
	f, err := r.File(ncid)
	if err == nil {
		iotype = f.IOType
		d, err = r.decomps.Get(ioid)
	}
	if err == nil {
		v, err = f.vars.Get(varid)
	}
	if err := agree(ctx, ios, ios.Union, iotype, "write darray", err); err != nil {
		return err
	}

	iobuf, err := d.Gather(ctx, ios, data)
	if err != nil {
		return err
	}
	if ios.IOProc {
		v.IOBuf = iobuf
		v.NDims = d.NDims
	}
	return nil
}
