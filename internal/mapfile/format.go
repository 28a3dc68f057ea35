// Package mapfile reads and writes decomposition map files and distributes
// them between the ranks of a communicator.
//
// The format is plain text:
//
//	version 2001 npes N ndims D
//	d0 d1 ... dD-1
//	0 len0
//	v v v ...
//	1 len1
//	...
//
// Values are whitespace separated; a reader accepts any amount of it.
package mapfile

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/dreamware/pario/internal/pioerr"
)

// Version is the only map file version this package reads and writes.
const Version = 2001

// Header is the leading part of a map file.
type Header struct {
	Version int
	NPes    int
	Dims    []int64
}

// Map is a whole decoded map file.
type Map struct {
	Dims []int64
	// Maps holds one offset list per rank, indexed by rank.
	Maps [][]int64
}

// Encoder writes a map file record by record.
type Encoder struct {
	w   *bufio.Writer
	err error
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

func (e *Encoder) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}

// WriteHeader writes the version line and the dimension line.
func (e *Encoder) WriteHeader(npes int, dims []int64) error {
	e.printf("version %d npes %d ndims %d \n", Version, npes, len(dims))
	for _, d := range dims {
		e.printf("%d ", d)
	}
	e.printf("\n")
	return e.err
}

// WriteRecord writes the offsets of one rank.
func (e *Encoder) WriteRecord(rank int, offsets []int64) error {
	e.printf("%d %d\n", rank, len(offsets))
	for _, v := range offsets {
		e.printf("%d ", v)
	}
	e.printf("\n")
	return e.err
}

// Close terminates the record section, appends trailer verbatim when it is not
// empty, and flushes.
func (e *Encoder) Close(trailer string) error {
	e.printf("\n")
	if trailer != "" {
		e.printf("%s", trailer)
	}
	if e.err != nil {
		return e.err
	}
	return e.w.Flush()
}

// Decoder reads a map file token by token.
type Decoder struct {
	s *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Split(bufio.ScanWords)
	return &Decoder{s: s}
}

func (d *Decoder) word() (string, error) {
	if !d.s.Scan() {
		if err := d.s.Err(); err != nil {
			return "", err
		}
		return "", io.ErrUnexpectedEOF
	}
	return d.s.Text(), nil
}

func (d *Decoder) int() (int64, error) {
	w, err := d.word()
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(w, 10, 64)
}

func (d *Decoder) keyword(want string) error {
	w, err := d.word()
	if err != nil {
		return err
	}
	if w != want {
		return fmt.Errorf("mapfile: expected %q, found %q", want, w)
	}
	return nil
}

// ReadHeader reads the version line and the dimensions. It does not check the
// version; callers decide how to treat a mismatch.
func (d *Decoder) ReadHeader() (Header, error) {
	var h Header
	vals := make([]int64, 3)
	for i, kw := range []string{"version", "npes", "ndims"} {
		if err := d.keyword(kw); err != nil {
			return h, err
		}
		v, err := d.int()
		if err != nil {
			return h, err
		}
		vals[i] = v
	}
	h.Version, h.NPes = int(vals[0]), int(vals[1])
	if vals[2] < 0 {
		return h, fmt.Errorf("mapfile: negative dimension count %d", vals[2])
	}
	h.Dims = make([]int64, vals[2])
	for i := range h.Dims {
		v, err := d.int()
		if err != nil {
			return h, err
		}
		h.Dims[i] = v
	}
	return h, nil
}

// ReadRecord reads the next rank record.
func (d *Decoder) ReadRecord() (int, []int64, error) {
	rank, err := d.int()
	if err != nil {
		return 0, nil, err
	}
	n, err := d.int()
	if err != nil {
		return 0, nil, err
	}
	if n < 0 {
		return 0, nil, fmt.Errorf("mapfile: rank %d has negative length %d", rank, n)
	}
	offsets := make([]int64, n)
	for i := range offsets {
		if offsets[i], err = d.int(); err != nil {
			return 0, nil, err
		}
	}
	return int(rank), offsets, nil
}

// Encode writes m to w in rank order.
func Encode(w io.Writer, m *Map) error {
	e := NewEncoder(w)
	if err := e.WriteHeader(len(m.Maps), m.Dims); err != nil {
		return err
	}
	for rank, offsets := range m.Maps {
		if err := e.WriteRecord(rank, offsets); err != nil {
			return err
		}
	}
	return e.Close("")
}

// Decode reads a whole map file. A version other than Version is EINVAL.
func Decode(r io.Reader) (*Map, error) {
	d := NewDecoder(r)
	h, err := d.ReadHeader()
	if err != nil {
		return nil, pioerr.Wrap(pioerr.EINVAL, "readmap", err)
	}
	if h.Version != Version {
		return nil, pioerr.Newf(pioerr.EINVAL, "readmap", "map file version %d, want %d", h.Version, Version)
	}
	if h.NPes < 1 {
		return nil, pioerr.Newf(pioerr.EINVAL, "readmap", "map file declares %d processes", h.NPes)
	}
	m := &Map{Dims: h.Dims, Maps: make([][]int64, h.NPes)}
	for i := 0; i < h.NPes; i++ {
		rank, offsets, err := d.ReadRecord()
		if err != nil {
			return nil, pioerr.Wrap(pioerr.EINVAL, "readmap", err)
		}
		if rank != i {
			return nil, pioerr.Newf(pioerr.EINVAL, "readmap", "record %d is labelled rank %d", i, rank)
		}
		m.Maps[i] = offsets
	}
	return m, nil
}
