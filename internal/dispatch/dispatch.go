// Package dispatch carries operations from compute tasks to dedicated I/O
// tasks in async mode.
//
// One call is a fully synchronous round:
//
//  1. the compute master sends the op code to the I/O root over the union
//     communicator (tag 1);
//  2. every compute task broadcasts each argument across the intercommunicator,
//     rooted at the compute master, and every I/O task receives them in the
//     same order;
//  3. each side agrees on the transport status over its own communicator.
//
// The outcome of the operation itself is not part of this package; callers
// broadcast it over the union communicator once the I/O tasks are done.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/pario/internal/backend"
	"github.com/dreamware/pario/internal/comm"
	"github.com/dreamware/pario/internal/iosys"
	"github.com/dreamware/pario/internal/pioerr"
)

// Op identifies a dispatched operation.
type Op int

const (
	OpOpenFile Op = iota + 1
	OpCreateFile
	OpCloseFile
	OpInitDecomp
	OpFreeDecomp
	OpSetErrorHandling
	OpWriteDarray
	OpExit
)

var opNames = map[Op]string{
	OpOpenFile:         "open_file",
	OpCreateFile:       "create_file",
	OpCloseFile:        "close_file",
	OpInitDecomp:       "init_decomp",
	OpFreeDecomp:       "free_decomp",
	OpSetErrorHandling: "set_error_handling",
	OpWriteDarray:      "write_darray",
	OpExit:             "exit",
}

func (op Op) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", int(op))
}

// Valid reports whether op is known.
func (op Op) Valid() bool {
	_, ok := opNames[op]
	return ok
}

const tagOp = 1

// ErrPeerFailed is reported when another process of the same group failed a
// step of the round.
var ErrPeerFailed = errors.New("peer failed during dispatch")

// Sender broadcasts the arguments of one call. After the first failure every
// further argument is skipped.
type Sender struct {
	ctx  context.Context
	ic   *comm.Intercomm
	root int
	err  error
}

func (s *Sender) bcast(data []byte) {
	if s.err != nil {
		return
	}
	_, s.err = s.ic.Bcast(s.ctx, s.root, data)
}

// Int sends one integer.
func (s *Sender) Int(v int) {
	s.bcast(comm.EncodeInts([]int{v}))
}

// String sends the length of v, then its bytes.
func (s *Sender) String(v string) {
	s.Int(len(v))
	s.bcast([]byte(v))
}

// Int64s sends a list of offsets.
func (s *Sender) Int64s(v []int64) {
	s.bcast(comm.EncodeInt64s(v))
}

// Err returns the first failure.
func (s *Sender) Err() error {
	return s.err
}

// Call runs the compute half of op. fill sends the arguments and runs on every
// compute task; only the compute master's values travel. Every compute task of
// ios must call Call. A transport failure is classified under the error policy
// of ios, as a file failure when iotype is valid.
func Call(ctx context.Context, ios *iosys.Desc, op Op, iotype backend.IOType, fill func(s *Sender)) error {
	if !ios.Async || ios.IOProc {
		return pioerr.Newf(pioerr.EINVAL, op.String(), "dispatch from a process that is not an async compute task")
	}

	var err error
	if ios.CompMaster {
		err = comm.SendInts(ctx, ios.Union, ios.IORoot, tagOp, []int{int(op)})
	}
	if err == nil && fill != nil {
		s := &Sender{ctx: ctx, ic: ios.Inter, root: comm.ProcNull}
		if ios.CompMaster {
			s.root = comm.Root
		}
		fill(s)
		err = s.Err()
	}
	ios.Logger.Debug("dispatched", zap.Stringer("op", op), zap.Error(err))
	return settle(ctx, ios, op, iotype, err)
}

// settle agrees on the local transport status over ios.My.
func settle(ctx context.Context, ios *iosys.Desc, op Op, iotype backend.IOType, err error) error {
	status := pioerr.NoErr
	if err != nil {
		status = pioerr.EIO
	}
	agreed, aerr := comm.AgreeStatus(ctx, ios.My, status)
	if aerr != nil {
		return ios.CheckTransport(op.String(), iotype, aerr)
	}
	if err != nil {
		return ios.CheckTransport(op.String(), iotype, err)
	}
	if agreed != pioerr.NoErr {
		return ios.CheckTransport(op.String(), iotype, ErrPeerFailed)
	}
	return nil
}

// ReceiveOp waits for the next op on the I/O side. The I/O root receives it
// from the compute master and shares it with the rest of the I/O group. Every
// I/O task must call it.
func ReceiveOp(ctx context.Context, ios *iosys.Desc) (Op, error) {
	var code int
	if ios.IOMaster {
		vals, err := comm.RecvInts(ctx, ios.Union, ios.CompRoot, tagOp)
		if err != nil {
			return 0, pioerr.Transport("receive op", err)
		}
		if len(vals) != 1 {
			return 0, pioerr.Newf(pioerr.EIO, "receive op", "malformed op message of %d values", len(vals))
		}
		code = vals[0]
	}
	code, err := comm.BcastInt(ctx, ios.IO, 0, code)
	if err != nil {
		return 0, pioerr.Transport("receive op", err)
	}
	return Op(code), nil
}

// Receiver reads the arguments of one call in the order they were sent.
// After the first failure every further read returns a zero value.
type Receiver struct {
	ctx context.Context
	ic  *comm.Intercomm
	err error
}

func (r *Receiver) bcast() []byte {
	if r.err != nil {
		return nil
	}
	data, err := r.ic.Bcast(r.ctx, 0, nil)
	r.err = err
	return data
}

// Int reads one integer.
func (r *Receiver) Int() int {
	data := r.bcast()
	if r.err != nil {
		return 0
	}
	vals, err := comm.DecodeInts(data)
	if err == nil && len(vals) != 1 {
		err = fmt.Errorf("dispatch: expected one integer, got %d", len(vals))
	}
	if err != nil {
		r.err = err
		return 0
	}
	return vals[0]
}

// String reads a length followed by that many bytes.
func (r *Receiver) String() string {
	n := r.Int()
	data := r.bcast()
	if r.err == nil && len(data) != n {
		r.err = fmt.Errorf("dispatch: announced %d bytes, received %d", n, len(data))
	}
	if r.err != nil {
		return ""
	}
	return string(data)
}

// Int64s reads a list of offsets.
func (r *Receiver) Int64s() []int64 {
	data := r.bcast()
	if r.err != nil {
		return nil
	}
	vals, err := comm.DecodeInt64s(data)
	if err != nil {
		r.err = err
		return nil
	}
	return vals
}

// Err returns the first failure.
func (r *Receiver) Err() error {
	return r.err
}

// Receive runs the I/O half of op: read reads the arguments, then the I/O
// group agrees on whether every task got them. Every I/O task must call it.
func Receive(ctx context.Context, ios *iosys.Desc, op Op, iotype backend.IOType, read func(r *Receiver)) error {
	r := &Receiver{ctx: ctx, ic: ios.Inter}
	if read != nil {
		read(r)
	}
	return settle(ctx, ios, op, iotype, r.Err())
}
