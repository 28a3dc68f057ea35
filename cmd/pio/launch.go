package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/exp/slices"

	"github.com/dreamware/pario/internal/comm"
	"github.com/dreamware/pario/internal/comm/local"
	"github.com/dreamware/pario/internal/iosys"
	piolog "github.com/dreamware/pario/internal/log"
	"github.com/dreamware/pario/internal/metrics"
	"github.com/dreamware/pario/internal/pio"
)

// worldFlags describes the in-process world a command runs on.
type worldFlags struct {
	np      int
	numIO   int
	stride  int
	base    int
	async   bool
	rearr   string
	handler string
}

func (w *worldFlags) register(fs *pflag.FlagSet) {
	fs.IntVar(&w.np, "np", 1, "number of ranks")
	fs.IntVar(&w.numIO, "io", 1, "number of I/O ranks")
	fs.IntVar(&w.stride, "stride", 1, "rank stride between I/O ranks (intracomm only)")
	fs.IntVar(&w.base, "base", 0, "rank of the first I/O rank (intracomm only)")
	fs.BoolVar(&w.async, "async", false, "dedicate the last --io ranks to I/O")
	fs.StringVar(&w.rearr, "rearranger", iosys.RearrBox.String(), "default rearranger: box or subset")
	fs.StringVar(&w.handler, "error-handler", iosys.InternalError.String(), "error policy: abort, broadcast or return")
}

func parseRearranger(s string) (iosys.Rearranger, error) {
	for _, r := range []iosys.Rearranger{iosys.RearrBox, iosys.RearrSubset} {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown rearranger %q", s)
}

func parseErrorHandler(s string) (iosys.ErrorHandler, error) {
	for _, h := range []iosys.ErrorHandler{iosys.InternalError, iosys.BcastError, iosys.ReturnError} {
		if h.String() == s {
			return h, nil
		}
	}
	return 0, fmt.Errorf("unknown error handler %q", s)
}

// ioRanks lists the dedicated I/O ranks of an async world.
func (w *worldFlags) ioRanks() []int {
	ranks := make([]int, 0, w.numIO)
	for r := w.np - w.numIO; r < w.np; r++ {
		ranks = append(ranks, r)
	}
	return ranks
}

func (w *worldFlags) validate() error {
	if w.np < 1 {
		return fmt.Errorf("--np must be positive, got %d", w.np)
	}
	if w.numIO < 1 || w.numIO > w.np {
		return fmt.Errorf("--io must be in [1, %d], got %d", w.np, w.numIO)
	}
	if w.async && w.numIO == w.np {
		return fmt.Errorf("--async needs at least one compute rank")
	}
	return nil
}

// rankFunc runs on every compute rank with its runtime and I/O system id.
type rankFunc func(ctx context.Context, rank int, r *pio.Runtime, id int) error

// launcher starts a world and gives every rank its own runtime.
type launcher struct {
	g        *globals
	world    *worldFlags
	fsys     afero.Fs
	opts     []pio.Option
	registry *prometheus.Registry
}

func (g *globals) launcher(w *worldFlags, fsys afero.Fs, opts ...pio.Option) *launcher {
	return &launcher{g: g, world: w, fsys: fsys, opts: opts, registry: prometheus.NewRegistry()}
}

func (l *launcher) runtime(rank int) (*pio.Runtime, error) {
	tunables, err := l.g.tunables()
	if err != nil {
		return nil, err
	}
	logger, err := piolog.New(piolog.Config{
		Output: l.g.stderr,
		Format: l.g.logFormat,
		Level:  max(l.g.verbose, tunables.LogLevel),
		Rank:   rank,
	})
	if err != nil {
		return nil, err
	}
	m, err := metrics.New(prometheus.WrapRegistererWith(prometheus.Labels{"rank": strconv.Itoa(rank)}, l.registry))
	if err != nil {
		return nil, err
	}
	opts := append([]pio.Option{
		pio.WithFs(l.fsys),
		pio.WithLogger(logger),
		pio.WithMetrics(m),
		pio.WithTunables(tunables),
	}, l.opts...)
	return pio.New(opts...)
}

// run starts the world and calls fn on every compute rank. In an async world
// the I/O ranks serve until the compute ranks finalize.
func (l *launcher) run(ctx context.Context, fn rankFunc) error {
	w := l.world
	if err := w.validate(); err != nil {
		return err
	}
	rearr, err := parseRearranger(w.rearr)
	if err != nil {
		return err
	}
	handler, err := parseErrorHandler(w.handler)
	if err != nil {
		return err
	}

	return local.Run(ctx, w.np, func(ctx context.Context, c comm.Comm) (err error) {
		r, err := l.runtime(c.Rank())
		if err != nil {
			return err
		}
		defer func() {
			if cerr := r.Close(); err == nil {
				err = cerr
			}
		}()

		var id int
		if w.async {
			id, err = r.InitAsync(ctx, c, w.ioRanks(), iosys.WithErrorHandler(handler))
		} else {
			id, err = r.InitIntracomm(ctx, c, w.numIO, w.stride, w.base, rearr, iosys.WithErrorHandler(handler))
		}
		if err != nil {
			return err
		}

		ios, err := r.IOSystem(id)
		if err != nil {
			return err
		}
		if ios.Async && ios.Comp == nil {
			if err := r.ServeIO(ctx, id); err != nil {
				return err
			}
		} else if err := fn(ctx, c.Rank(), r, id); err != nil {
			return err
		}
		return r.Finalize(ctx, id)
	})
}

// report prints the counters of every rank, one sample per line.
func (l *launcher) report(out io.Writer) error {
	families, err := l.registry.Gather()
	if err != nil {
		return err
	}
	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+strconv.Quote(lp.GetValue()))
			}
			value := m.GetCounter().GetValue() + m.GetGauge().GetValue()
			lines = append(lines, fmt.Sprintf("%s{%s} %g", mf.GetName(), strings.Join(labels, ","), value))
		}
	}
	slices.Sort(lines)
	for _, line := range lines {
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}
	return nil
}

// finish prints the counters when --metrics is set.
func (l *launcher) finish(cmd *cobra.Command) error {
	if !l.g.metrics {
		return nil
	}
	return l.report(cmd.OutOrStdout())
}
