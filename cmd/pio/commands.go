package main

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/dreamware/pario/internal/backend"
	"github.com/dreamware/pario/internal/decomp"
	"github.com/dreamware/pario/internal/mapfile"
	"github.com/dreamware/pario/internal/pio"
)

// newFs is the filesystem commands work on. Tests swap it for memory.
var newFs = afero.NewOsFs

func newStrerrorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "strerror CODE...",
		Short: "Print the message of status codes",
		Args:  cobra.MinimumNArgs(1),
		// Most codes are negative and would otherwise parse as shorthand flags.
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 && args[0] == "--" {
				args = args[1:]
			}
			for _, arg := range args {
				if arg == "-h" || arg == "--help" {
					return cmd.Help()
				}
			}
			if len(args) == 0 {
				return fmt.Errorf("strerror needs at least one code")
			}
			for _, arg := range args {
				code, err := cast.ToIntE(arg)
				if err != nil {
					return fmt.Errorf("bad code %q: %w", arg, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d: %s\n", code, pio.Strerror(code))
			}
			return nil
		},
	}
}

func newMapgenCmd(g *globals) *cobra.Command {
	var (
		world worldFlags
		dims  []int64
		trace bool
	)
	cmd := &cobra.Command{
		Use:   "mapgen PATH",
		Short: "Write a block decomposition map over --np ranks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(dims) == 0 {
				return fmt.Errorf("--dims is required")
			}
			var opts []pio.Option
			if trace {
				opts = append(opts, pio.WithMapOptions(mapfile.WithTrace()))
			}
			l := g.launcher(&world, newFs(), opts...)
			if err := l.run(cmd.Context(), func(ctx context.Context, rank int, r *pio.Runtime, id int) error {
				ios, err := r.IOSystem(id)
				if err != nil {
					return err
				}
				compmap := decomp.BlockMap(dims, ios.NumCompTasks, ios.CompRank)
				return r.WriteMap(ctx, id, args[0], dims, compmap)
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return l.finish(cmd)
		},
	}
	world.register(cmd.Flags())
	cmd.Flags().Int64SliceVar(&dims, "dims", nil, "global dimensions, slowest first")
	cmd.Flags().BoolVar(&trace, "trace", false, "append a trace file next to the map")
	return cmd
}

func newMapinfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mapinfo PATH",
		Short: "Summarize a map file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			rc, err := mapfile.Open(newFs(), args[0])
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, rc.Close()) }()

			m, err := mapfile.Decode(rc)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "version %d\nnpes %d\ndims %v\n", mapfile.Version, len(m.Maps), m.Dims)
			for rank, offsets := range m.Maps {
				if len(offsets) == 0 {
					fmt.Fprintf(out, "rank %d: 0 offsets\n", rank)
					continue
				}
				fmt.Fprintf(out, "rank %d: %d offsets [%d..%d]\n", rank, len(offsets), offsets[0], offsets[len(offsets)-1])
			}
			return nil
		},
	}
}

// openResult is what compute rank 0 saw.
type openResult struct {
	ncid   int
	iotype backend.IOType
}

func newOpenCmd(g *globals, create bool) *cobra.Command {
	var (
		world  worldFlags
		iotype string
		mode   int
		retry  bool
	)
	use, short := "open PATH", "Open a file on every rank"
	if create {
		use, short = "create PATH", "Create a file on every rank"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := backend.ParseIOType(iotype)
			if err != nil {
				return err
			}
			var res openResult
			l := g.launcher(&world, newFs())
			if err := l.run(cmd.Context(), func(ctx context.Context, rank int, r *pio.Runtime, id int) error {
				var (
					ncid int
					got  = t
					err  error
				)
				if create {
					ncid, err = r.CreateFile(ctx, id, t, args[0], mode)
				} else {
					ncid, got, err = r.OpenFileRetry(ctx, id, t, args[0], mode, retry)
				}
				if err != nil {
					return err
				}
				if rank == 0 {
					res = openResult{ncid: ncid, iotype: got}
				}
				return r.CloseFile(ctx, ncid)
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ncid %d iotype %s\n", res.ncid, res.iotype)
			return l.finish(cmd)
		},
	}
	world.register(cmd.Flags())
	cmd.Flags().StringVar(&iotype, "iotype", backend.NetCDF.String(), "backend: pnetcdf, netcdf, netcdf4c or netcdf4p")
	cmd.Flags().IntVar(&mode, "mode", 0, "mode flags, for example 0x1 to open for writing")
	if !create {
		cmd.Flags().BoolVar(&retry, "retry", false, "fall back to the serial backend when the format does not match")
	}
	return cmd
}

// encode fills one element per offset, each holding the offset itself.
func encode(bt decomp.BaseType, offsets []int64) []byte {
	size := bt.Size()
	buf := make([]byte, size*len(offsets))
	for i, off := range offsets {
		el := buf[i*size : (i+1)*size]
		switch size {
		case 1:
			el[0] = byte(off)
		case 4:
			binary.LittleEndian.PutUint32(el, uint32(off))
		default:
			binary.LittleEndian.PutUint64(el, uint64(off))
		}
	}
	return buf
}

func newWriteCmd(g *globals) *cobra.Command {
	var (
		world    worldFlags
		iotype   string
		dims     []int64
		nvars    int
		basetype string
	)
	cmd := &cobra.Command{
		Use:   "write PATH",
		Short: "Create a file and write block-decomposed variables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := backend.ParseIOType(iotype)
			if err != nil {
				return err
			}
			bt, err := parseBaseType(basetype)
			if err != nil {
				return err
			}
			if len(dims) == 0 {
				return fmt.Errorf("--dims is required")
			}

			l := g.launcher(&world, newFs())
			if err := l.run(cmd.Context(), func(ctx context.Context, rank int, r *pio.Runtime, id int) error {
				ios, err := r.IOSystem(id)
				if err != nil {
					return err
				}
				compmap := decomp.BlockMap(dims, ios.NumCompTasks, ios.CompRank)
				ioid, err := r.InitDecomp(ctx, id, bt, dims, compmap, 0)
				if err != nil {
					return err
				}
				ncid, err := r.CreateFile(ctx, id, t, args[0], 0)
				if err != nil {
					return err
				}
				data := encode(bt, compmap)
				for varid := 0; varid < nvars; varid++ {
					if err := r.WriteDarray(ctx, ncid, varid, ioid, data); err != nil {
						return err
					}
				}
				if err := r.CloseFile(ctx, ncid); err != nil {
					return err
				}
				return r.FreeDecomp(ctx, id, ioid)
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d variables to %s\n", nvars, args[0])
			return l.finish(cmd)
		},
	}
	world.register(cmd.Flags())
	cmd.Flags().StringVar(&iotype, "iotype", backend.NetCDF.String(), "backend: pnetcdf, netcdf, netcdf4c or netcdf4p")
	cmd.Flags().Int64SliceVar(&dims, "dims", nil, "global dimensions, slowest first")
	cmd.Flags().IntVar(&nvars, "vars", 1, "number of variables to write")
	cmd.Flags().StringVar(&basetype, "basetype", decomp.Int.String(), "element type: char, int, real or double")
	return cmd
}

func parseBaseType(s string) (decomp.BaseType, error) {
	for _, bt := range []decomp.BaseType{decomp.Char, decomp.Int, decomp.Real, decomp.Double} {
		if bt.String() == s {
			return bt, nil
		}
	}
	return 0, fmt.Errorf("unknown basetype %q", s)
}
