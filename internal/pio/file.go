package pio

import (
	"fmt"
	"sync"

	"github.com/gammazero/deque"
	"go.uber.org/multierr"

	"github.com/dreamware/pario/internal/arena"
	"github.com/dreamware/pario/internal/backend"
	"github.com/dreamware/pario/internal/pioerr"
)

// MaxVars bounds the variable ids of a file.
const MaxVars = 8192

// File is an open file as seen by the local process.
type File struct {
	ID     int
	Path   string
	IOType backend.IOType
	Mode   int
	// DoIO is set on the processes that hold a native handle.
	DoIO bool

	sys    *ioSystem
	native *backend.File
	vars   *VarTable
	buffer *WriteBuffer
}

// Writable reports whether the file accepts writes.
func (f *File) Writable() bool {
	return f.Mode&backend.ModeWrite != 0
}

// Native returns the backend handle, nil on processes that do no I/O.
func (f *File) Native() *backend.File {
	return f.native
}

// Vars returns the variable table.
func (f *File) Vars() *VarTable {
	return f.vars
}

func (f *File) String() string {
	return fmt.Sprintf("file %d %s (%s, mode %#x)", f.ID, f.Path, f.IOType, f.Mode)
}

// release drops every local resource of the file.
func (f *File) release() error {
	var err error
	if f.native != nil {
		err = f.native.Close()
		f.native = nil
	}
	f.buffer.Discard()
	f.vars.Reset()
	return err
}

// Var is the per-variable state of a file.
type Var struct {
	// Record is the current record of a record variable, -1 until set.
	Record int
	// NDims is -1 until the variable is first written.
	NDims int
	// IOBuf holds the rearranged data of the last write on I/O tasks.
	IOBuf []byte
}

// VarTable holds the variables of one file, created on first use.
type VarTable struct {
	vars map[int]*Var
	mu   sync.Mutex
}

func newVarTable() *VarTable {
	return &VarTable{vars: make(map[int]*Var)}
}

// Get returns variable id, creating it when it is new.
func (t *VarTable) Get(id int) (*Var, error) {
	if id < 0 || id >= MaxVars {
		return nil, pioerr.Newf(pioerr.EINVAL, "var", "variable %d outside [0, %d)", id, MaxVars)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.vars[id]
	if !ok {
		v = &Var{Record: -1, NDims: -1}
		t.vars[id] = v
	}
	return v, nil
}

// Len returns the number of variables in use.
func (t *VarTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.vars)
}

func (t *VarTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.vars = make(map[int]*Var)
}

// staged is one write waiting for the next flush.
type staged struct {
	data  []byte
	varid int
	ioid  int
}

// WriteBuffer stages writes of a file until it is flushed. Staged data is
// charged to the process-wide compute buffer arena.
type WriteBuffer struct {
	arena   *arena.Arena
	entries deque.Deque[staged]
	mu      sync.Mutex
}

func newWriteBuffer(a *arena.Arena) *WriteBuffer {
	return &WriteBuffer{arena: a}
}

// Stage copies data into the buffer. It fails with arena.ErrExhausted when
// the buffer limit would be exceeded.
func (b *WriteBuffer) Stage(varid, ioid int, data []byte) error {
	buf, err := arena.Alloc[byte](b.arena, len(data))
	if err != nil {
		return err
	}
	copy(buf, data)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries.PushBack(staged{varid: varid, ioid: ioid, data: buf})
	return nil
}

// Len returns the number of staged writes.
func (b *WriteBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.Len()
}

// Drain hands every staged write to fn in the order they were staged. The
// data of each entry is released after fn returns. Drain stops at the first
// error but still releases the remaining entries.
func (b *WriteBuffer) Drain(fn func(e staged) error) error {
	b.mu.Lock()
	pending := make([]staged, 0, b.entries.Len())
	for b.entries.Len() > 0 {
		pending = append(pending, b.entries.PopFront())
	}
	b.mu.Unlock()

	var err error
	for _, e := range pending {
		if err == nil {
			err = fn(e)
		}
		arena.Release(b.arena, e.data)
	}
	return err
}

// Discard drops every staged write.
func (b *WriteBuffer) Discard() {
	_ = b.Drain(func(staged) error { return nil })
}

// closeAll closes the native handles of files and reports every failure.
func closeAll(files []*File) error {
	var err error
	for _, f := range files {
		err = multierr.Append(err, f.release())
	}
	return err
}
