// Package iosys holds the I/O system context: the roles a process plays, the
// communicators connecting it to the rest of the run and the error policy
// every distributed operation goes through.
//
// Two coordination modes exist. In intracomm mode every process computes and
// a strided subset of them also performs I/O; every process calls the backend
// directly. In async mode the world is split into disjoint compute and I/O
// groups joined by an intercommunicator; compute tasks ask the I/O group to act
// on their behalf through package dispatch.
//
// Communicators of a context:
//
//	Union   every process of the context; outcome broadcasts are rooted at IORoot
//	Comp    the compute group (nil on I/O-only tasks)
//	IO      the I/O group (nil on tasks that do no I/O)
//	Inter   compute group <-> I/O group (async mode only)
//	My      Comp or IO in async mode, Union in intracomm mode
package iosys

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dreamware/pario/internal/comm"
	"github.com/dreamware/pario/internal/metrics"
)

// ErrorHandler is the policy applied to backend and transport failures.
type ErrorHandler int

const (
	// InternalError aborts the run on any failure.
	InternalError ErrorHandler = -51
	// BcastError shares the failure code with every process of the context.
	BcastError ErrorHandler = -52
	// ReturnError hands the code back to the caller only.
	ReturnError ErrorHandler = -53
)

func (h ErrorHandler) String() string {
	switch h {
	case InternalError:
		return "abort"
	case BcastError:
		return "broadcast"
	case ReturnError:
		return "return"
	}
	return fmt.Sprintf("handler(%d)", int(h))
}

// Valid reports whether h is one of the three policies.
func (h ErrorHandler) Valid() bool {
	return h == InternalError || h == BcastError || h == ReturnError
}

// Rearranger selects how decomposed data is moved between compute and I/O layouts.
type Rearranger int

const (
	RearrBox    Rearranger = 1
	RearrSubset Rearranger = 2
)

func (r Rearranger) Valid() bool {
	return r == RearrBox || r == RearrSubset
}

func (r Rearranger) String() string {
	switch r {
	case RearrBox:
		return "box"
	case RearrSubset:
		return "subset"
	}
	return fmt.Sprintf("rearranger(%d)", int(r))
}

// Desc is the I/O system context of one process. Apart from the error
// handler it does not change after initialization.
type Desc struct {
	Union comm.Comm
	Comp  comm.Comm
	IO    comm.Comm
	Inter *comm.Intercomm
	My    comm.Comm

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Info    map[string]string

	// IORanks and CompRanks are union ranks of the two groups.
	IORanks   []int
	CompRanks []int

	ID           int
	NumIOTasks   int
	NumCompTasks int
	// IORank and CompRank are -1 when the process is not in that group.
	IORank   int
	CompRank int
	// IORoot and CompRoot are the union ranks of each group's rank 0.
	IORoot   int
	CompRoot int

	DefaultRearranger Rearranger

	IOProc     bool
	IOMaster   bool
	CompMaster bool
	Async      bool

	errorHandler ErrorHandler
	mu           sync.Mutex
}

// Option configures a context at initialization.
type Option func(d *Desc)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Desc) { d.Logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Desc) { d.Metrics = m }
}

// WithInfo passes backend hints to parallel opens.
func WithInfo(info map[string]string) Option {
	return func(d *Desc) { d.Info = info }
}

// WithErrorHandler sets the initial error policy. The default aborts.
func WithErrorHandler(h ErrorHandler) Option {
	return func(d *Desc) { d.errorHandler = h }
}

func newDesc(opts []Option) *Desc {
	d := &Desc{
		IORank:            -1,
		CompRank:          -1,
		DefaultRearranger: RearrBox,
		errorHandler:      InternalError,
	}
	for _, o := range opts {
		o(d)
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

// InitIntracomm creates a context in which every process of comp computes and
// numIO of them, starting at rank base and stride apart, also do I/O. Every
// process of comp must call it.
func InitIntracomm(ctx context.Context, comp comm.Comm, numIO, stride, base int, rearr Rearranger, opts ...Option) (*Desc, error) {
	size := comp.Size()
	if numIO < 1 || stride < 1 || base < 0 || base+(numIO-1)*stride >= size {
		return nil, fmt.Errorf("init intracomm: %d I/O tasks with stride %d from %d do not fit %d tasks", numIO, stride, base, size)
	}
	if !rearr.Valid() {
		return nil, fmt.Errorf("init intracomm: %s", rearr)
	}

	d := newDesc(opts)
	d.DefaultRearranger = rearr

	union, err := comp.Dup(ctx)
	if err != nil {
		return nil, err
	}
	d.Union = union
	d.Comp = union
	d.My = union
	d.NumCompTasks = size
	d.CompRank = union.Rank()
	d.CompMaster = d.CompRank == 0
	d.CompRoot = 0
	d.CompRanks = make([]int, size)
	for i := range d.CompRanks {
		d.CompRanks[i] = i
	}

	d.IORanks = make([]int, numIO)
	for i := range d.IORanks {
		d.IORanks[i] = base + i*stride
		if d.IORanks[i] == union.Rank() {
			d.IORank = i
		}
	}
	d.NumIOTasks = numIO
	d.IORoot = d.IORanks[0]
	d.IOProc = d.IORank >= 0
	d.IOMaster = d.IORank == 0

	color := -1
	if d.IOProc {
		color = 0
	}
	if d.IO, err = union.Split(ctx, color, d.IORank); err != nil {
		return nil, err
	}

	d.Logger = d.Logger.With(zap.Int("union_rank", union.Rank()))
	d.Logger.Debug("intracomm context ready",
		zap.Int("io_tasks", numIO), zap.Int("io_root", d.IORoot), zap.Bool("ioproc", d.IOProc))
	return d, nil
}

// InitAsync splits world into I/O tasks (ioRanks) and compute tasks (the rest).
// Every process of world must call it with the same ioRanks.
func InitAsync(ctx context.Context, world comm.Comm, ioRanks []int, opts ...Option) (*Desc, error) {
	size := world.Size()
	if len(ioRanks) == 0 || len(ioRanks) >= size {
		return nil, fmt.Errorf("init async: %d I/O tasks in a world of %d", len(ioRanks), size)
	}
	isIO := make(map[int]bool, len(ioRanks))
	for _, r := range ioRanks {
		if r < 0 || r >= size || isIO[r] {
			return nil, fmt.Errorf("init async: invalid I/O rank %d", r)
		}
		isIO[r] = true
	}

	d := newDesc(opts)
	d.Async = true

	union, err := world.Dup(ctx)
	if err != nil {
		return nil, err
	}
	d.Union = union

	d.IORanks = append([]int(nil), ioRanks...)
	for r := 0; r < size; r++ {
		if !isIO[r] {
			d.CompRanks = append(d.CompRanks, r)
		}
	}
	d.NumIOTasks = len(d.IORanks)
	d.NumCompTasks = len(d.CompRanks)
	d.IORoot = d.IORanks[0]
	d.CompRoot = d.CompRanks[0]
	d.IOProc = isIO[union.Rank()]

	color, key := 0, 0
	localGroup, remoteGroup := d.CompRanks, d.IORanks
	if d.IOProc {
		color = 1
		localGroup, remoteGroup = d.IORanks, d.CompRanks
	}
	for i, r := range localGroup {
		if r == union.Rank() {
			key = i
		}
	}

	group, err := union.Split(ctx, color, key)
	if err != nil {
		return nil, err
	}
	if d.IOProc {
		d.IO = group
		d.IORank = group.Rank()
		d.IOMaster = d.IORank == 0
	} else {
		d.Comp = group
		d.CompRank = group.Rank()
		d.CompMaster = d.CompRank == 0
	}
	d.My = group

	if d.Inter, err = comm.NewIntercomm(ctx, union, localGroup, remoteGroup); err != nil {
		return nil, err
	}

	d.Logger = d.Logger.With(zap.Int("union_rank", union.Rank()))
	d.Logger.Debug("async context ready",
		zap.Int("io_tasks", d.NumIOTasks), zap.Int("comp_tasks", d.NumCompTasks), zap.Bool("ioproc", d.IOProc))
	return d, nil
}

// ErrorHandler returns the current policy.
func (d *Desc) ErrorHandler() ErrorHandler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errorHandler
}

// SetErrorHandler installs h and returns the previous policy.
func (d *Desc) SetErrorHandler(h ErrorHandler) ErrorHandler {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.errorHandler
	d.errorHandler = h
	return old
}

// Free releases every communicator of the context.
func (d *Desc) Free() error {
	var err error
	if d.Inter != nil {
		err = multierr.Append(err, d.Inter.Free())
	}
	for _, c := range []comm.Comm{d.IO, d.Comp, d.Union} {
		if c != nil {
			err = multierr.Append(err, c.Free())
		}
	}
	return err
}
