// Package pio is the public face of the middleware. A Runtime owns every
// process-wide table (I/O systems, open files, decompositions) and the id
// counters that go with them; every entry point resolves its handle arguments
// through it.
//
// One Runtime serves one process. In a multi-rank run each rank creates its
// own and calls the same collective operations in the same order.
package pio

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dreamware/pario/internal/arena"
	"github.com/dreamware/pario/internal/backend"
	"github.com/dreamware/pario/internal/comm"
	"github.com/dreamware/pario/internal/config"
	"github.com/dreamware/pario/internal/decomp"
	"github.com/dreamware/pario/internal/dispatch"
	"github.com/dreamware/pario/internal/iosys"
	"github.com/dreamware/pario/internal/mapfile"
	"github.com/dreamware/pario/internal/metrics"
	"github.com/dreamware/pario/internal/pioerr"
	"github.com/dreamware/pario/internal/registry"
)

const (
	// FirstFileID is the public id of the first file opened by a process.
	FirstFileID = 16
	// FirstIOSystemID is the id of the first I/O system of a process.
	FirstIOSystemID = 1
	// MaxNameLen bounds file names.
	MaxNameLen = 1024
)

// Runtime is the per-process context threaded through every operation.
type Runtime struct {
	fs         afero.Fs
	logger     *zap.Logger
	metrics    *metrics.Metrics
	tunables   config.Tunables
	retryCodes map[int]bool
	iotypes    []backend.IOType
	backends   backend.Set
	mapOpts    []mapfile.Option

	// arena accounts descriptors and regions; cn accounts staged writes
	// against the CN buffer limit.
	arena *arena.Arena
	cn    *arena.Arena

	iosystems *registry.Registry[*ioSystem]
	files     *registry.Registry[*File]
	decomps   *decomp.Registry

	nextIOSys *atomic.Int64
	nextNCID  *atomic.Int64
}

// ioSystem is a registered I/O system plus the runtime state tied to it.
type ioSystem struct {
	desc *iosys.Desc
	// maps is a private duplicate of the compute communicator used for map
	// files; nil on I/O-only tasks.
	maps  comm.Comm
	saved int
}

func (s *ioSystem) free() error {
	var err error
	if s.maps != nil {
		err = s.maps.Free()
	}
	return multierr.Append(err, s.desc.Free())
}

// Option configures a Runtime.
type Option func(r *Runtime)

// WithFs sets the filesystem backends and map files use. The default is the
// host filesystem.
func WithFs(fsys afero.Fs) Option {
	return func(r *Runtime) { r.fs = fsys }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithTunables replaces the tunables read from the environment.
func WithTunables(t config.Tunables) Option {
	return func(r *Runtime) { r.tunables = t }
}

// WithRetryCodes sets the backend codes that trigger the serial fallback of
// OpenFileRetry. The default is ENOTNC and EINVAL.
func WithRetryCodes(codes ...int) Option {
	return func(r *Runtime) {
		r.retryCodes = make(map[int]bool, len(codes))
		for _, c := range codes {
			r.retryCodes[c] = true
		}
	}
}

// WithBackends limits the backends available to the runtime.
func WithBackends(types ...backend.IOType) Option {
	return func(r *Runtime) { r.iotypes = types }
}

// WithMapOptions passes options to every map file read or write.
func WithMapOptions(opts ...mapfile.Option) Option {
	return func(r *Runtime) { r.mapOpts = append(r.mapOpts, opts...) }
}

// New creates a runtime.
func New(opts ...Option) (*Runtime, error) {
	r := &Runtime{
		fs:        afero.NewOsFs(),
		logger:    zap.NewNop(),
		tunables:  config.Default(),
		iosystems: registry.New[*ioSystem](),
		files:     registry.New[*File](),
		decomps:   decomp.NewRegistry(),
		nextIOSys: atomic.NewInt64(FirstIOSystemID),
		nextNCID:  atomic.NewInt64(FirstFileID),
	}
	WithRetryCodes(pioerr.ENOTNC, pioerr.EINVAL)(r)
	for _, o := range opts {
		o(r)
	}

	backends, err := backend.NewSet(r.fs, r.iotypes...)
	if err != nil {
		return nil, err
	}
	r.backends = backends
	r.arena = arena.New("descriptors", 0)
	r.cn = arena.New("cn buffer", r.tunables.CNBufferLimit)
	r.mapOpts = append([]mapfile.Option{mapfile.WithLogger(r.logger)}, r.mapOpts...)

	r.logger.Debug("runtime ready",
		zap.Stringer("backends", r.backends),
		zap.String("cn_buffer_limit", r.tunables.CNBufferLimit.HumanReadable()),
		zap.Bool("save_decomps", r.tunables.SaveDecomps))
	return r, nil
}

// Strerror returns the message for a status code.
func Strerror(code int) string {
	return pioerr.Strerror(code)
}

func (r *Runtime) iosysOptions(opts []iosys.Option) []iosys.Option {
	return append([]iosys.Option{iosys.WithLogger(r.logger), iosys.WithMetrics(r.metrics)}, opts...)
}

// InitIntracomm creates an I/O system over comp in which numIO processes,
// base+i*stride, also do I/O. It is collective over comp.
func (r *Runtime) InitIntracomm(ctx context.Context, comp comm.Comm, numIO, stride, base int, rearr iosys.Rearranger, opts ...iosys.Option) (int, error) {
	d, err := iosys.InitIntracomm(ctx, comp, numIO, stride, base, rearr, r.iosysOptions(opts)...)
	if err != nil {
		return -1, pioerr.Wrap(pioerr.EINVAL, "init intracomm", err)
	}
	return r.register(ctx, d)
}

// InitAsync creates an I/O system whose ioRanks serve the rest of world. It
// is collective over world. I/O tasks then call ServeIO.
func (r *Runtime) InitAsync(ctx context.Context, world comm.Comm, ioRanks []int, opts ...iosys.Option) (int, error) {
	d, err := iosys.InitAsync(ctx, world, ioRanks, r.iosysOptions(opts)...)
	if err != nil {
		return -1, pioerr.Wrap(pioerr.EINVAL, "init async", err)
	}
	return r.register(ctx, d)
}

func (r *Runtime) register(ctx context.Context, d *iosys.Desc) (int, error) {
	sys := &ioSystem{desc: d}
	if d.Comp != nil {
		maps, err := d.Comp.Dup(ctx)
		if err != nil {
			_ = d.Free()
			return -1, pioerr.Transport("init", err)
		}
		sys.maps = maps
	}
	d.ID = int(r.nextIOSys.Inc() - 1)
	r.iosystems.Insert(d.ID, sys)
	return d.ID, nil
}

func (r *Runtime) iosystem(id int) (*ioSystem, error) {
	sys, ok := r.iosystems.Get(id)
	if !ok {
		return nil, pioerr.Newf(pioerr.EBADID, "iosystem", "no I/O system %d", id)
	}
	return sys, nil
}

// IOSystem returns the context registered under id.
func (r *Runtime) IOSystem(id int) (*iosys.Desc, error) {
	sys, err := r.iosystem(id)
	if err != nil {
		return nil, err
	}
	return sys.desc, nil
}

// SetErrorHandling installs a new error policy and returns the previous one.
// In async mode compute tasks forward it to the I/O tasks.
func (r *Runtime) SetErrorHandling(ctx context.Context, iosysid int, h iosys.ErrorHandler) (iosys.ErrorHandler, error) {
	sys, err := r.iosystem(iosysid)
	if err != nil {
		return 0, err
	}
	if !h.Valid() {
		return 0, pioerr.Newf(pioerr.EINVAL, "set error handling", "%s", h)
	}
	ios := sys.desc
	if ios.Async && !ios.IOProc {
		if err := dispatch.Call(ctx, ios, dispatch.OpSetErrorHandling, 0, func(s *dispatch.Sender) { s.Int(int(h)) }); err != nil {
			return 0, err
		}
	}
	return ios.SetErrorHandler(h), nil
}

// Finalize ends an I/O system. In async mode compute tasks tell the I/O tasks
// to leave ServeIO first. Files still open stay registered until Close.
func (r *Runtime) Finalize(ctx context.Context, iosysid int) error {
	sys, err := r.iosystem(iosysid)
	if err != nil {
		return err
	}
	ios := sys.desc
	if ios.Async && !ios.IOProc {
		err = dispatch.Call(ctx, ios, dispatch.OpExit, 0, nil)
	}
	r.iosystems.Remove(iosysid)
	return multierr.Append(err, sys.free())
}

// Close releases everything the runtime still holds: open files, live
// decompositions and I/O systems. It is local to the process.
func (r *Runtime) Close() error {
	err := closeAll(r.files.Drain())
	err = multierr.Append(err, r.decomps.Drain())
	for _, sys := range r.iosystems.Drain() {
		err = multierr.Append(err, sys.free())
	}
	return err
}

// advanceNCID moves the counter past id, the agreed id of a new file.
func (r *Runtime) advanceNCID(id int) {
	for {
		cur := r.nextNCID.Load()
		if cur > int64(id) || r.nextNCID.CompareAndSwap(cur, int64(id)+1) {
			return
		}
	}
}

// Stats counts the live entries of the runtime tables.
type Stats struct {
	IOSystems int
	Files     int
	Decomps   int
}

func (r *Runtime) Stats() Stats {
	return Stats{IOSystems: r.iosystems.Len(), Files: r.files.Len(), Decomps: r.decomps.Len()}
}

func (r *Runtime) String() string {
	s := r.Stats()
	return fmt.Sprintf("runtime: %d I/O systems, %d files, %d decompositions", s.IOSystems, s.Files, s.Decomps)
}
