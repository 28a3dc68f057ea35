package mapfile

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/pario/internal/comm"
	"github.com/dreamware/pario/internal/comm/local"
	"github.com/dreamware/pario/internal/pioerr"
)

func TestEncodeExact(t *testing.T) {
	var buf bytes.Buffer
	m := &Map{Dims: []int64{3, 4}, Maps: [][]int64{{1, 2}, {}}}
	require.NoError(t, Encode(&buf, m))

	want := "version 2001 npes 2 ndims 2 \n" +
		"3 4 \n" +
		"0 2\n" +
		"1 2 \n" +
		"1 0\n" +
		"\n" +
		"\n"
	assert.Equal(t, want, buf.String())
}

func TestDecode(t *testing.T) {
	in := "version 2001 npes 2 ndims 1\n  10\n0 3\n1 2 3\n\n1   1\n 7 \n\ntrailing text is ignored"
	m, err := Decode(strings.NewReader(in))
	require.NoError(t, err)

	want := &Map{Dims: []int64{10}, Maps: [][]int64{{1, 2, 3}, {7}}}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("decoded map mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{name: "version", in: "version 2000 npes 1 ndims 1\n4\n0 0\n"},
		{name: "keyword", in: "verzion 2001 npes 1 ndims 1\n4\n0 0\n"},
		{name: "no processes", in: "version 2001 npes 0 ndims 1\n4\n"},
		{name: "negative ndims", in: "version 2001 npes 1 ndims -1\n"},
		{name: "rank label", in: "version 2001 npes 1 ndims 1\n4\n1 0\n"},
		{name: "truncated", in: "version 2001 npes 1 ndims 1\n4\n0 3\n1 2\n"},
		{name: "not a number", in: "version 2001 npes 1 ndims 1\nfour\n"},
		{name: "empty", in: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.in))
			assert.Equal(t, pioerr.EINVAL, pioerr.Code(err))
		})
	}
}

func mapOf(rank int) []int64 {
	// rank r holds r+1 offsets so every record has a different length
	offsets := make([]int64, rank+1)
	for i := range offsets {
		offsets[i] = int64(rank*100 + i + 1)
	}
	return offsets
}

// TestRoundTrip writes from N ranks and reads back on the same N ranks
func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		npes  int
		path  string
		opts  []Option
		empty int // rank with no offsets, -1 for none
	}{
		{name: "single", npes: 1, path: "/map.dat", empty: -1},
		{name: "three", npes: 3, path: "/map.dat", empty: -1},
		{name: "empty rank", npes: 4, path: "/map.dat", empty: 2},
		{name: "gzip", npes: 3, path: "/map.dat.gz", empty: -1},
		{name: "trace", npes: 2, path: "/map.dat", opts: []Option{WithTrace()}, empty: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := afero.NewMemMapFs()
			dims := []int64{10, 20}
			got := make([][]int64, tt.npes)
			gotDims := make([][]int64, tt.npes)

			err := local.Run(context.Background(), tt.npes, func(ctx context.Context, c comm.Comm) error {
				mine := mapOf(c.Rank())
				if c.Rank() == tt.empty {
					mine = nil
				}
				if err := Write(ctx, fsys, c, tt.path, dims, mine, tt.opts...); err != nil {
					return err
				}
				d, offsets, err := Read(ctx, fsys, c, tt.path)
				if err != nil {
					return err
				}
				gotDims[c.Rank()], got[c.Rank()] = d, offsets
				return nil
			})
			require.NoError(t, err)

			for rank := 0; rank < tt.npes; rank++ {
				want := mapOf(rank)
				if rank == tt.empty {
					want = nil
				}
				assert.Equal(t, dims, gotDims[rank])
				if diff := cmp.Diff(want, got[rank], cmpEmpty); diff != "" {
					t.Errorf("rank %d map mismatch (-want +got):\n%s", rank, diff)
				}
			}

			r, err := Open(fsys, tt.path)
			require.NoError(t, err)
			defer r.Close()
			m, err := Decode(r)
			require.NoError(t, err)
			assert.Len(t, m.Maps, tt.npes)
		})
	}
}

// cmpEmpty treats nil and empty offset lists as equal.
var cmpEmpty = cmp.Comparer(func(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
})

func TestTraceIsOptIn(t *testing.T) {
	fsys := afero.NewMemMapFs()
	err := local.Run(context.Background(), 1, func(ctx context.Context, c comm.Comm) error {
		if err := Write(ctx, fsys, c, "/plain.dat", []int64{4}, []int64{1}); err != nil {
			return err
		}
		return Write(ctx, fsys, c, "/traced.dat", []int64{4}, []int64{1}, WithTrace())
	})
	require.NoError(t, err)

	plain, err := afero.ReadFile(fsys, "/plain.dat")
	require.NoError(t, err)
	traced, err := afero.ReadFile(fsys, "/traced.dat")
	require.NoError(t, err)

	assert.Equal(t, "version 2001 npes 1 ndims 1 \n4 \n0 1\n1 \n\n", string(plain))
	assert.True(t, strings.HasPrefix(string(traced), string(plain)))
	assert.Contains(t, string(traced), "goroutine")
}

// readAll runs Read on npes ranks and returns every rank's error
func readAll(t *testing.T, fsys afero.Fs, npes int, path string) ([]error, [][]int64) {
	t.Helper()
	errs := make([]error, npes)
	maps := make([][]int64, npes)
	err := local.Run(context.Background(), npes, func(ctx context.Context, c comm.Comm) error {
		_, maps[c.Rank()], errs[c.Rank()] = Read(ctx, fsys, c, path)
		return nil
	})
	require.NoError(t, err)
	return errs, maps
}

func TestReadRejectsHeader(t *testing.T) {
	tests := []struct {
		name string
		data string
		code int
	}{
		{name: "version mismatch", data: "version 1999 npes 1 ndims 1\n4\n0 1\n1\n", code: pioerr.EINVAL},
		{name: "too many processes", data: "version 2001 npes 3 ndims 1\n4\n0 0\n\n1 0\n\n2 0\n\n", code: pioerr.EINVAL},
		{name: "no processes", data: "version 2001 npes 0 ndims 1\n4\n", code: pioerr.EINVAL},
		{name: "missing file", code: pioerr.EIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := afero.NewMemMapFs()
			if tt.data != "" {
				require.NoError(t, afero.WriteFile(fsys, "/bad.dat", []byte(tt.data), 0o644))
			}
			errs, _ := readAll(t, fsys, 2, "/bad.dat")
			for rank, err := range errs {
				assert.True(t, pioerr.IsFatal(err), "rank %d", rank)
				assert.Equal(t, tt.code, pioerr.Code(err), "rank %d", rank)
			}
		})
	}
}

func TestReadFewerProcesses(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/two.dat",
		[]byte("version 2001 npes 2 ndims 1\n8\n0 2\n1 2\n1 1\n5\n"), 0o644))

	errs, maps := readAll(t, fsys, 3, "/two.dat")
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, []int64{1, 2}, maps[0])
	assert.Equal(t, []int64{5}, maps[1])
	assert.Empty(t, maps[2])
}

func TestReadCorruptRecord(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/bad.dat",
		[]byte("version 2001 npes 3 ndims 1\n8\n0 1\n1\n5 1\n2\n"), 0o644))

	errs, maps := readAll(t, fsys, 3, "/bad.dat")
	assert.True(t, pioerr.IsFatal(errs[0]))
	assert.True(t, pioerr.IsFatal(errs[1]))
	assert.True(t, pioerr.IsFatal(errs[2]))
	assert.Nil(t, maps[1])
}

func TestWriteCreateFailure(t *testing.T) {
	fsys := afero.NewReadOnlyFs(afero.NewMemMapFs())
	errs := make([]error, 3)
	err := local.Run(context.Background(), 3, func(ctx context.Context, c comm.Comm) error {
		errs[c.Rank()] = Write(ctx, fsys, c, "/out.dat", []int64{4}, mapOf(c.Rank()))
		return nil
	})
	require.NoError(t, err)

	for rank, err := range errs {
		assert.Equal(t, pioerr.EIO, pioerr.Code(err), "rank %d", rank)
	}
}
