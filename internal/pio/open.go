package pio

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/dreamware/pario/internal/backend"
	"github.com/dreamware/pario/internal/comm"
	"github.com/dreamware/pario/internal/dispatch"
	"github.com/dreamware/pario/internal/iosys"
	"github.com/dreamware/pario/internal/pioerr"
)

// openRequest carries the arguments of an open or create.
type openRequest struct {
	path   string
	iotype backend.IOType
	mode   int
	retry  bool
	create bool
}

func (q openRequest) op() string {
	if q.create {
		return "create"
	}
	return "open"
}

func (q openRequest) dispatchOp() dispatch.Op {
	if q.create {
		return dispatch.OpCreateFile
	}
	return dispatch.OpOpenFile
}

func (q openRequest) validate() error {
	if !q.iotype.Valid() {
		return pioerr.Newf(pioerr.EINVAL, q.op(), "%s", q.iotype)
	}
	if q.path == "" {
		return pioerr.Newf(pioerr.EINVAL, q.op(), "empty file name")
	}
	if len(q.path) > MaxNameLen {
		return pioerr.Newf(pioerr.EINVAL, q.op(), "file name of %d bytes exceeds %d", len(q.path), MaxNameLen)
	}
	return nil
}

func (q openRequest) send(s *dispatch.Sender) {
	retry := 0
	if q.retry {
		retry = 1
	}
	s.String(q.path)
	s.Int(int(q.iotype))
	s.Int(q.mode)
	s.Int(retry)
}

func readOpenRequest(r *dispatch.Receiver, create bool) openRequest {
	return openRequest{
		path:   r.String(),
		iotype: backend.IOType(r.Int()),
		mode:   r.Int(),
		retry:  r.Int() != 0,
		create: create,
	}
}

// OpenFile opens an existing file with the serial fallback enabled. It is
// collective over the union communicator of the I/O system.
func (r *Runtime) OpenFile(ctx context.Context, iosysid int, iotype backend.IOType, path string, mode int) (int, error) {
	ncid, _, err := r.OpenFileRetry(ctx, iosysid, iotype, path, mode, true)
	return ncid, err
}

// OpenFileRetry opens an existing file. When retry is set and the native
// open fails with a retry code, the open is attempted once more with the
// serial NetCDF backend on the first I/O task. It returns the public file id
// and the backend type in effect. After a downgrade that type is the serial
// one, whether or not the serial attempt succeeded.
func (r *Runtime) OpenFileRetry(ctx context.Context, iosysid int, iotype backend.IOType, path string, mode int, retry bool) (int, backend.IOType, error) {
	q := openRequest{path: path, iotype: iotype, mode: mode, retry: retry}
	f, iotype, err := r.start(ctx, iosysid, q)
	if err != nil {
		return -1, iotype, err
	}
	return f.ID, f.IOType, nil
}

// CreateFile creates a file, or truncates it unless mode has ModeNoClobber.
func (r *Runtime) CreateFile(ctx context.Context, iosysid int, iotype backend.IOType, path string, mode int) (int, error) {
	f, _, err := r.start(ctx, iosysid, openRequest{path: path, iotype: iotype, mode: mode, create: true})
	if err != nil {
		return -1, err
	}
	return f.ID, nil
}

// start validates q, dispatches it when the caller is an async compute task,
// then runs the shared open.
func (r *Runtime) start(ctx context.Context, iosysid int, q openRequest) (*File, backend.IOType, error) {
	if err := q.validate(); err != nil {
		return nil, q.iotype, err
	}
	sys, err := r.iosystem(iosysid)
	if err != nil {
		return nil, q.iotype, err
	}
	ios := sys.desc
	if ios.Async && !ios.IOProc {
		if err := dispatch.Call(ctx, ios, q.dispatchOp(), q.iotype, q.send); err != nil {
			return nil, q.iotype, err
		}
	}
	return r.openFile(ctx, sys, q)
}

// openFile runs on every process of the union communicator. I/O tasks call
// the backend, then the I/O root shares the outcome with everyone. The
// returned type is the one agreed on, also when the open failed.
func (r *Runtime) openFile(ctx context.Context, sys *ioSystem, q openRequest) (*File, backend.IOType, error) {
	ios := sys.desc
	iotype, mode := q.iotype, q.mode

	var (
		native *backend.File
		err    error
	)
	if ios.IOProc {
		native, iotype, mode, err = r.native(ctx, ios, q)
	}
	drop := func() {
		if native != nil {
			_ = native.Close()
		}
	}

	outcome, berr := comm.BcastInts(ctx, ios.Union, ios.IORoot, []int{pioerr.Code(err), int(iotype)})
	if berr != nil {
		drop()
		return nil, q.iotype, ios.CheckTransport(q.op(), q.iotype, berr)
	}
	status, iotype := outcome[0], backend.IOType(outcome[1])
	if status != pioerr.NoErr {
		drop()
		r.metrics.Open(iotype.String(), false)
		if status == pioerr.EBADIOTYPE {
			if err == nil {
				err = pioerr.Newf(pioerr.EBADIOTYPE, q.op(), "%s not available", iotype)
			}
			return nil, iotype, err
		}
		return nil, iotype, ios.CheckBackend(ctx, iotype, status, q.op()+" "+q.path)
	}

	if native != nil {
		mode = native.Mode
	}
	modes, berr := comm.BcastInts(ctx, ios.Union, ios.IORoot, []int{mode})
	if berr != nil {
		drop()
		return nil, iotype, ios.CheckTransport(q.op(), iotype, berr)
	}
	counters, berr := comm.AllgatherInts(ctx, ios.Union, []int{int(r.nextNCID.Load())})
	if berr != nil {
		drop()
		return nil, iotype, ios.CheckTransport(q.op(), iotype, berr)
	}
	ncid := FirstFileID
	for _, c := range counters {
		ncid = max(ncid, c[0])
	}
	r.advanceNCID(ncid)

	f := &File{
		ID:     ncid,
		Path:   q.path,
		IOType: iotype,
		Mode:   modes[0],
		DoIO:   ios.IOProc && (iotype.Parallel() || ios.IORank == 0),
		sys:    sys,
		native: native,
		vars:   newVarTable(),
		buffer: newWriteBuffer(r.cn),
	}
	if !r.files.Insert(ncid, f) {
		drop()
		return nil, iotype, pioerr.Newf(pioerr.EBADID, q.op(), "file id %d already in use", ncid)
	}
	r.metrics.FileOpened()
	r.metrics.Open(iotype.String(), true)
	ios.Logger.Debug("file ready",
		zap.String("op", q.op()), zap.Int("ncid", ncid), zap.String("path", q.path),
		zap.Stringer("iotype", iotype), zap.Bool("do_io", f.DoIO))
	return f, iotype, nil
}

// native performs the backend call on an I/O task and returns the handle, the
// backend type in effect and the mode passed to the backend.
func (r *Runtime) native(ctx context.Context, ios *iosys.Desc, q openRequest) (*backend.File, backend.IOType, int, error) {
	iotype, mode := q.iotype, q.mode

	var (
		f   *backend.File
		err error
	)
	switch iotype {
	case backend.NetCDF4P:
		mode |= backend.ModeMPIIO
		if q.create {
			mode |= backend.ModeNetCDF4
		}
		f, err = r.call(ctx, ios, q, iotype, mode, true)
	case backend.NetCDF4C:
		mode |= backend.ModeNetCDF4
		f, err = r.call(ctx, ios, q, iotype, mode, false)
	case backend.NetCDF:
		f, err = r.call(ctx, ios, q, iotype, mode, false)
	case backend.PnetCDF:
		f, err = r.call(ctx, ios, q, iotype, mode, true)
		if err == nil && f.Mode&backend.ModeWrite != 0 {
			err = f.AttachBuffer(r.tunables.BufferSizeLimit)
		}
	default:
		return nil, iotype, mode, pioerr.Newf(pioerr.EBADIOTYPE, q.op(), "%s", iotype)
	}

	if err != nil && q.retry && iotype != backend.NetCDF && r.retryCodes[pioerr.Code(err)] {
		if ios.IOMaster {
			ios.Logger.Warn("open failed, retrying with the serial backend",
				zap.String("path", q.path), zap.Stringer("iotype", iotype), zap.Error(err))
			r.metrics.Retry()
		}
		if f != nil {
			_ = f.Close()
		}
		iotype = backend.NetCDF
		mode &^= backend.ModeNetCDF4 | backend.ModeMPIIO
		f, err = r.call(ctx, ios, q, iotype, mode, false)
	}
	return f, iotype, mode, err
}

// call invokes the backend for iotype. A serial call only runs on the first
// I/O task; the others report success without a handle.
func (r *Runtime) call(ctx context.Context, ios *iosys.Desc, q openRequest, iotype backend.IOType, mode int, parallel bool) (*backend.File, error) {
	b, err := r.backends.Get(iotype)
	if err != nil {
		return nil, err
	}
	p := backend.OpenParams{Path: q.path, Mode: mode, Info: ios.Info}
	if parallel {
		p.Comm = ios.IO
	} else if ios.IORank != 0 {
		return nil, nil
	}
	if q.create {
		return b.Create(ctx, p)
	}
	return b.Open(ctx, p)
}

// CloseFile flushes staged writes and closes a file on every process of its
// I/O system.
func (r *Runtime) CloseFile(ctx context.Context, ncid int) error {
	f, err := r.File(ncid)
	if err != nil {
		return err
	}
	if err := r.flush(ctx, f); err != nil {
		return err
	}
	ios := f.sys.desc
	if ios.Async && !ios.IOProc {
		if err := dispatch.Call(ctx, ios, dispatch.OpCloseFile, f.IOType, func(s *dispatch.Sender) { s.Int(ncid) }); err != nil {
			return err
		}
	}
	return r.closeFile(ctx, ios, ncid)
}

// closeFile releases ncid locally, then the union agrees on the outcome.
func (r *Runtime) closeFile(ctx context.Context, ios *iosys.Desc, ncid int) error {
	var (
		err    error
		iotype backend.IOType
	)
	f, ok := r.files.Remove(ncid)
	if ok {
		iotype = f.IOType
		err = f.release()
		r.metrics.FileClosed()
	} else {
		err = pioerr.Newf(pioerr.EBADID, "close", "no file %d", ncid)
	}

	status, aerr := comm.AgreeStatus(ctx, ios.Union, pioerr.Code(err))
	if aerr != nil {
		return ios.CheckTransport("close", iotype, aerr)
	}
	switch {
	case status == pioerr.NoErr:
		return nil
	case status == pioerr.EBADID:
		if err == nil {
			err = pioerr.Newf(pioerr.EBADID, "close", "file %d unknown to another process", ncid)
		}
		return err
	}
	return ios.CheckBackend(ctx, iotype, status, "close file "+strconv.Itoa(ncid))
}

// File returns the open file registered under ncid.
func (r *Runtime) File(ncid int) (*File, error) {
	f, ok := r.files.Get(ncid)
	if !ok {
		return nil, pioerr.Newf(pioerr.EBADID, "file", "no file %d", ncid)
	}
	return f, nil
}

// SetFrame sets the record written next for a record variable.
func (r *Runtime) SetFrame(ncid, varid, frame int) error {
	f, err := r.File(ncid)
	if err != nil {
		return err
	}
	v, err := f.vars.Get(varid)
	if err != nil {
		return err
	}
	v.Record = frame
	return nil
}
