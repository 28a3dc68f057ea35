package mapfile

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dreamware/pario/internal/comm"
	"github.com/dreamware/pario/internal/pioerr"
)

type options struct {
	trace  bool
	logger *zap.Logger
}

// Option configures Read and Write.
type Option func(o *options)

// WithTrace appends the writer's stack to a written map file as a debugging aid.
func WithTrace() Option {
	return func(o *options) { o.trace = true }
}

// WithLogger sets the logger used by rank 0 for file errors.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func newOptions(opts []Option) *options {
	o := &options{logger: zap.NewNop()}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

// Compressed reports whether path is gzip compressed.
func Compressed(path string) bool {
	return strings.HasSuffix(path, ".gz")
}

type gzipWriter struct {
	*gzip.Writer
	f afero.File
}

func (g gzipWriter) Close() error {
	return multierr.Append(g.Writer.Close(), g.f.Close())
}

type gzipReader struct {
	*gzip.Reader
	f afero.File
}

func (g gzipReader) Close() error {
	return multierr.Append(g.Reader.Close(), g.f.Close())
}

// Create opens path for writing, compressing when it ends in .gz.
func Create(fsys afero.Fs, path string) (io.WriteCloser, error) {
	f, err := fsys.Create(path)
	if err != nil {
		return nil, err
	}
	if !Compressed(path) {
		return f, nil
	}
	return gzipWriter{Writer: gzip.NewWriter(f), f: f}, nil
}

// Open opens path for reading, decompressing when it ends in .gz.
func Open(fsys afero.Fs, path string) (io.ReadCloser, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	if !Compressed(path) {
		return f, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return gzipReader{Reader: zr, f: f}, nil
}

// Write stores the map of every rank of c in path. Rank 0 is the only writer:
// it asks each other rank for its offsets in turn, sending the request with
// tag size+rank and receiving the offsets with tag rank. Every rank of c must
// call Write and all of them return the same status.
func Write(ctx context.Context, fsys afero.Fs, c comm.Comm, path string, dims, offsets []int64, opts ...Option) error {
	o := newOptions(opts)
	npes, rank := c.Size(), c.Rank()

	lens, err := comm.Gather(ctx, c, 0, comm.EncodeInt64s([]int64{int64(len(offsets))}))
	if err != nil {
		return pioerr.Transport("writemap", err)
	}

	var (
		w     io.WriteCloser
		cause error
	)
	status := pioerr.NoErr
	if rank == 0 {
		if w, cause = Create(fsys, path); cause != nil {
			o.logger.Error("failed to open map file to write", zap.String("path", path), zap.Error(cause))
			status = pioerr.EIO
		}
	}
	if status, err = comm.BcastInt(ctx, c, 0, status); err != nil {
		return pioerr.Transport("writemap", err)
	}
	if status != pioerr.NoErr {
		if cause == nil {
			cause = fmt.Errorf("rank 0 could not create %s", path)
		}
		return pioerr.Wrap(status, "writemap", cause)
	}

	if rank != 0 {
		if _, err := comm.RecvInts(ctx, c, 0, npes+rank); err != nil {
			return pioerr.Transport("writemap", err)
		}
		if err := comm.SendInt64s(ctx, c, 0, rank, offsets); err != nil {
			return pioerr.Transport("writemap", err)
		}
	} else {
		var terr error
		if cause, terr = writeRoot(ctx, c, w, dims, offsets, lens, o); terr != nil {
			return terr
		}
		if cause != nil {
			o.logger.Error("failed to write map file", zap.String("path", path), zap.Error(cause))
			status = pioerr.EIO
		}
	}

	if status, err = comm.BcastInt(ctx, c, 0, status); err != nil {
		return pioerr.Transport("writemap", err)
	}
	if status != pioerr.NoErr {
		if cause == nil {
			cause = fmt.Errorf("rank 0 could not write %s", path)
		}
		return pioerr.Wrap(status, "writemap", cause)
	}
	return nil
}

// writeRoot serializes every record. Local write failures are remembered but
// the requests go on so no rank is left waiting; a transport failure stops it.
func writeRoot(ctx context.Context, c comm.Comm, w io.WriteCloser, dims, own []int64, lens [][]byte, o *options) (werr, terr error) {
	npes := c.Size()
	enc := NewEncoder(w)
	werr = enc.WriteHeader(npes, dims)
	werr = multierr.Append(werr, enc.WriteRecord(0, own))

	for i := 1; i < npes; i++ {
		if err := comm.SendInts(ctx, c, i, npes+i, []int{i}); err != nil {
			_ = w.Close()
			return werr, pioerr.Transport("writemap", err)
		}
		offsets, err := comm.RecvInt64s(ctx, c, i, i)
		if err != nil {
			_ = w.Close()
			return werr, pioerr.Transport("writemap", err)
		}
		if want, _ := comm.DecodeInt64s(lens[i]); len(want) == 1 && want[0] != int64(len(offsets)) {
			werr = multierr.Append(werr, fmt.Errorf("rank %d announced %d offsets, sent %d", i, want[0], len(offsets)))
		}
		werr = multierr.Append(werr, enc.WriteRecord(i, offsets))
	}

	trailer := ""
	if o.trace {
		trailer = string(debug.Stack())
	}
	werr = multierr.Append(werr, enc.Close(trailer))
	return multierr.Append(werr, w.Close()), nil
}

// Read loads path on rank 0 and hands every rank its own offsets. Ranks at or
// beyond the process count recorded in the file get no offsets. A wrong version,
// a process count outside [1, c.Size()] or an unreadable file is fatal on every
// rank before any record is sent.
func Read(ctx context.Context, fsys afero.Fs, c comm.Comm, path string, opts ...Option) (dims, offsets []int64, err error) {
	o := newOptions(opts)
	npes, rank := c.Size(), c.Rank()

	var (
		r     io.ReadCloser
		dec   *Decoder
		h     Header
		cause error
	)
	hdr := []int{pioerr.NoErr, 0, 0}
	if rank == 0 {
		r, dec, h, hdr[0], cause = openHeader(fsys, path, npes)
		if r != nil {
			defer r.Close()
		}
		if cause != nil {
			o.logger.Error("rejecting map file", zap.String("path", path), zap.Error(cause))
		}
		hdr[1], hdr[2] = h.NPes, len(h.Dims)
	}
	if hdr, err = comm.BcastInts(ctx, c, 0, hdr); err != nil {
		return nil, nil, pioerr.Transport("readmap", err)
	}
	if hdr[0] != pioerr.NoErr {
		if cause == nil {
			cause = fmt.Errorf("rank 0 rejected %s", path)
		}
		return nil, nil, pioerr.Fatal(hdr[0], "unreadable map file "+path, cause)
	}
	fileNPes := hdr[1]

	if dims, err = comm.BcastInt64s(ctx, c, 0, h.Dims); err != nil {
		return nil, nil, pioerr.Transport("readmap", err)
	}

	if rank != 0 {
		if rank >= fileNPes {
			return dims, nil, nil
		}
		n, err := comm.RecvInt64s(ctx, c, 0, npes+rank)
		if err != nil {
			return nil, nil, pioerr.Transport("readmap", err)
		}
		if len(n) != 1 || n[0] < 0 {
			return nil, nil, pioerr.Fatal(pioerr.EINVAL, "unreadable map file "+path, fmt.Errorf("no record for rank %d", rank))
		}
		if offsets, err = comm.RecvInt64s(ctx, c, 0, rank); err != nil {
			return nil, nil, pioerr.Transport("readmap", err)
		}
		return dims, offsets, nil
	}

	for i := 0; i < fileNPes; i++ {
		got, record, err := dec.ReadRecord()
		if err == nil && got != i {
			err = fmt.Errorf("record %d is labelled rank %d", i, got)
		}
		if err != nil {
			// release the ranks still waiting for a record
			for j := max(i, 1); j < fileNPes; j++ {
				if serr := comm.SendInt64s(ctx, c, j, npes+j, []int64{-1}); serr != nil {
					return nil, nil, pioerr.Transport("readmap", serr)
				}
			}
			return nil, nil, pioerr.Fatal(pioerr.EINVAL, "unreadable map file "+path, err)
		}
		if i == 0 {
			offsets = record
			continue
		}
		if err := comm.SendInt64s(ctx, c, i, npes+i, []int64{int64(len(record))}); err != nil {
			return nil, nil, pioerr.Transport("readmap", err)
		}
		if err := comm.SendInt64s(ctx, c, i, i, record); err != nil {
			return nil, nil, pioerr.Transport("readmap", err)
		}
	}
	return dims, offsets, nil
}

// openHeader opens path and validates its header against a group of npes.
func openHeader(fsys afero.Fs, path string, npes int) (io.ReadCloser, *Decoder, Header, int, error) {
	r, err := Open(fsys, path)
	if err != nil {
		return nil, nil, Header{}, pioerr.EIO, err
	}
	dec := NewDecoder(r)
	h, err := dec.ReadHeader()
	if err != nil {
		return r, nil, h, pioerr.EINVAL, err
	}
	if h.Version != Version {
		return r, nil, h, pioerr.EINVAL, fmt.Errorf("incompatible map file version %d, want %d", h.Version, Version)
	}
	if h.NPes < 1 || h.NPes > npes {
		return r, nil, h, pioerr.EINVAL, fmt.Errorf("map file written by %d processes, group has %d", h.NPes, npes)
	}
	return r, dec, h, pioerr.NoErr, nil
}
