// Package backend adapts the file-format libraries the middleware drives.
//
// A Backend opens and creates files for one IOType. Native handles returned by
// backends are small integers recycled as soon as a file closes; they are never
// shown to callers, which see the public file id minted by the runtime.
//
// Backends report failures as *pioerr.Error values carrying the status code of
// the backend's own code space: ENOTNC for a file of the wrong format, EINVAL
// for modes the library rejects, EEXIST for a no-clobber create over an
// existing file, and host errno values for filesystem failures.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"syscall"

	"github.com/c2h5oh/datasize"
	"github.com/emirpasic/gods/sets/treeset"
	"github.com/spf13/afero"

	"github.com/dreamware/pario/internal/comm"
	"github.com/dreamware/pario/internal/pioerr"
)

// OpenParams are the arguments of an open or create call.
type OpenParams struct {
	// Comm is the I/O communicator. Parallel backends agree on the outcome
	// over it; serial backends ignore it.
	Comm comm.Comm
	Info map[string]string
	Path string
	Mode int
}

// Backend opens and creates files for one IOType.
type Backend interface {
	Type() IOType
	Open(ctx context.Context, p OpenParams) (*File, error)
	Create(ctx context.Context, p OpenParams) (*File, error)
}

// HandlePool hands out native handles, always reusing the smallest released one.
type HandlePool struct {
	free *treeset.Set
	next int
	mu   sync.Mutex
}

// NewHandlePool creates a pool whose first handle is first.
func NewHandlePool(first int) *HandlePool {
	return &HandlePool{free: treeset.NewWithIntComparator(), next: first}
}

// Get returns an unused handle.
func (p *HandlePool) Get() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	it := p.free.Iterator()
	if it.First() {
		fh := it.Value().(int)
		p.free.Remove(fh)
		return fh
	}
	fh := p.next
	p.next++
	return fh
}

// Put releases fh for reuse.
func (p *HandlePool) Put(fh int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free.Add(fh)
}

// File is a file opened by a backend.
type File struct {
	f        afero.File
	pool     *HandlePool
	Path     string
	FH       int
	Mode     int
	Format   Format
	IOType   IOType
	attached datasize.ByteSize
	closed   bool
}

// AttachBuffer reserves the write-combining buffer used by buffered writes.
func (f *File) AttachBuffer(size datasize.ByteSize) error {
	if f.Mode&ModeWrite == 0 {
		return pioerr.Newf(pioerr.EPERM, "attach buffer", "%s opened read-only", f.Path)
	}
	f.attached = size
	return nil
}

// Attached returns the size of the attached buffer.
func (f *File) Attached() datasize.ByteSize {
	return f.attached
}

// Close releases the native handle. Closing twice is a no-op.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	f.pool.Put(f.FH)
	if err := f.f.Close(); err != nil {
		return pioerr.Wrap(pioerr.Code(err), "close "+f.Path, err)
	}
	return nil
}

// library is the shared implementation behind every IOType. The differences
// between types are which formats they read and which modes they reject.
type library struct {
	fs       afero.Fs
	pool     *HandlePool
	accepts  func(Format) bool
	rejects  int
	iotype   IOType
	parallel bool
}

func (l *library) Type() IOType {
	return l.iotype
}

func (l *library) Open(ctx context.Context, p OpenParams) (*File, error) {
	file, err := l.open(p)
	return l.agree(ctx, p, "open", file, err)
}

// Create on a parallel library makes the file on task 0 of p.Comm; the other
// tasks open it once task 0 reports success.
func (l *library) Create(ctx context.Context, p OpenParams) (*File, error) {
	if !l.parallel || p.Comm == nil || p.Comm.Size() == 1 {
		file, err := l.create(p)
		return l.agree(ctx, p, "create", file, err)
	}

	var (
		file *File
		err  error
	)
	if p.Comm.Rank() == 0 {
		file, err = l.create(p)
	}
	status, cerr := comm.BcastInt(ctx, p.Comm, 0, pioerr.Code(err))
	if cerr != nil {
		if file != nil {
			_ = file.Close()
		}
		return nil, pioerr.Transport("create", cerr)
	}
	if status != pioerr.NoErr {
		if err == nil {
			err = pioerr.Backend(status, "create "+p.Path)
		}
		return nil, err
	}
	if p.Comm.Rank() != 0 {
		op := p
		op.Mode = (p.Mode | ModeWrite) &^ ModeNoClobber
		if file, err = l.open(op); err == nil {
			file.Mode = p.Mode | ModeWrite
		}
	}
	return l.agree(ctx, p, "create", file, err)
}

// agree makes every I/O task of a parallel library return the same outcome.
func (l *library) agree(ctx context.Context, p OpenParams, op string, file *File, err error) (*File, error) {
	if !l.parallel || p.Comm == nil {
		return file, err
	}
	status, cerr := comm.AgreeStatus(ctx, p.Comm, pioerr.Code(err))
	if cerr != nil {
		if file != nil {
			_ = file.Close()
		}
		return nil, pioerr.Transport(op, cerr)
	}
	if status != pioerr.NoErr {
		if file != nil {
			_ = file.Close()
		}
		if err != nil {
			return nil, err
		}
		return nil, pioerr.Backend(status, op+" "+p.Path)
	}
	return file, nil
}

func (l *library) checkMode(op string, p OpenParams) error {
	if p.Mode&^knownModes != 0 {
		return pioerr.Newf(pioerr.EINVAL, op+" "+p.Path, "unknown mode bits %#x", p.Mode&^knownModes)
	}
	if p.Mode&l.rejects != 0 {
		return pioerr.Newf(pioerr.EINVAL, op+" "+p.Path, "mode %#x not supported by %s", p.Mode, l.iotype)
	}
	return nil
}

func (l *library) open(p OpenParams) (*File, error) {
	if err := l.checkMode("open", p); err != nil {
		return nil, err
	}

	flag := os.O_RDONLY
	if p.Mode&ModeWrite != 0 {
		flag = os.O_RDWR
	}
	f, err := l.fs.OpenFile(p.Path, flag, 0)
	if err != nil {
		return nil, hostError("open "+p.Path, err)
	}

	format, err := Sniff(f)
	if err != nil {
		_ = f.Close()
		return nil, hostError("open "+p.Path, err)
	}
	if format == FormatUnknown || !l.accepts(format) {
		_ = f.Close()
		return nil, pioerr.Backend(pioerr.ENOTNC, "open "+p.Path)
	}

	return &File{
		f:      f,
		pool:   l.pool,
		Path:   p.Path,
		FH:     l.pool.Get(),
		Mode:   p.Mode,
		Format: format,
		IOType: l.iotype,
	}, nil
}

func (l *library) create(p OpenParams) (*File, error) {
	if err := l.checkMode("create", p); err != nil {
		return nil, err
	}

	format := FormatFor(p.Mode)
	if !l.accepts(format) {
		return nil, pioerr.Newf(pioerr.EINVAL, "create "+p.Path, "%s cannot write %s files", l.iotype, format)
	}

	flag := os.O_RDWR | os.O_CREATE | os.O_TRUNC
	if p.Mode&ModeNoClobber != 0 {
		flag = os.O_RDWR | os.O_CREATE | os.O_EXCL
	}
	f, err := l.fs.OpenFile(p.Path, flag, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, pioerr.Backend(pioerr.EEXIST, "create "+p.Path)
		}
		return nil, hostError("create "+p.Path, err)
	}
	if _, err := f.Write(format.Magic()); err != nil {
		_ = f.Close()
		return nil, hostError("create "+p.Path, err)
	}

	return &File{
		f:      f,
		pool:   l.pool,
		Path:   p.Path,
		FH:     l.pool.Get(),
		Mode:   p.Mode | ModeWrite,
		Format: format,
		IOType: l.iotype,
	}, nil
}

func hostError(op string, err error) error {
	code := pioerr.Code(err)
	if code == pioerr.EIO {
		code = int(syscall.EIO)
	}
	return pioerr.Wrap(code, op, err)
}

// New returns the backend for t operating on fsys. Backends sharing a pool
// share native handle numbers.
func New(t IOType, fsys afero.Fs, pool *HandlePool) (Backend, error) {
	l := &library{fs: fsys, pool: pool, iotype: t, parallel: t.Parallel()}
	switch t {
	case PnetCDF:
		l.accepts = Format.CDF
		l.rejects = ModeNetCDF4
	case NetCDF:
		l.accepts = func(Format) bool { return true }
	case NetCDF4C, NetCDF4P:
		l.accepts = func(f Format) bool { return f == FormatHDF5 }
	default:
		return nil, pioerr.Newf(pioerr.EBADIOTYPE, "backend", "%s", t)
	}
	return l, nil
}

// Set maps IOTypes to the backends available in this process.
type Set map[IOType]Backend

// NewSet builds backends for types over fsys. With no types it builds all four.
func NewSet(fsys afero.Fs, types ...IOType) (Set, error) {
	if len(types) == 0 {
		types = []IOType{PnetCDF, NetCDF, NetCDF4C, NetCDF4P}
	}
	pool := NewHandlePool(0)
	set := make(Set, len(types))
	for _, t := range types {
		b, err := New(t, fsys, pool)
		if err != nil {
			return nil, err
		}
		set[t] = b
	}
	return set, nil
}

// Get returns the backend for t or EBADIOTYPE when it is not available.
func (s Set) Get(t IOType) (Backend, error) {
	if b, ok := s[t]; ok {
		return b, nil
	}
	return nil, pioerr.Newf(pioerr.EBADIOTYPE, "backend", "%s not available", t)
}

// String lists the available types.
func (s Set) String() string {
	names := make([]string, 0, len(s))
	for t := PnetCDF; t <= NetCDF4P; t++ {
		if _, ok := s[t]; ok {
			names = append(names, t.String())
		}
	}
	return fmt.Sprint(names)
}
