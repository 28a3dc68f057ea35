// Package main implements pionode, one rank of a networked parallel I/O world.
// Every rank runs its own pionode process; the processes find each other
// through a shared peer list and exchange messages over multiplexed TCP or KCP
// streams.
//
// A node is either a compute rank or a dedicated I/O rank:
//   - I/O ranks (PIO_IO_RANKS) serve the operations the compute ranks dispatch
//   - Compute ranks create PIO_FILE, define a block decomposition over
//     PIO_DIMS, write PIO_VARS variables through it and close the file
//   - Without PIO_IO_RANKS every rank computes and rank 0 also does I/O
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                pionode                  │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health       - World readiness      │
//	│    /info         - Rank state (JSON)    │
//	│    /metrics      - Prometheus counters  │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    Endpoint      - Peer streams         │
//	│    Runtime       - Files, decomps       │
//	│    Workload      - Compute rank driver  │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - PIO_RANK: World rank of this node (required)
//   - PIO_PEERS: Comma-separated dial address of every rank, by rank (required)
//   - PIO_LISTEN: Peer listen address (default: the own PIO_PEERS entry)
//   - PIO_PROTOCOL: tcp or kcp (default: "tcp")
//   - PIO_IO_RANKS: Comma-separated dedicated I/O ranks (default: none)
//   - PIO_HTTP_LISTEN: Health and metrics address (default: disabled)
//   - PIO_DATA_DIR: Directory files are created in (default: ".")
//   - PIO_FILE: File the workload creates (default: "pionode.nc")
//   - PIO_IOTYPE: Backend of the workload file (default: "netcdf")
//   - PIO_DIMS: Comma-separated global dimensions (default: "64")
//   - PIO_VARS: Variables to write (default: 1)
//   - PIO_LOG_FORMAT: console or json (default: "console")
//   - PIO_WAIT_SIGNAL: Keep serving HTTP after the run until a signal (default: false)
//
// Tunables (PIO_Save_Decomps, PIO_SWAPM, PIO_CNBUFFER_LIMIT, PIO_LOG_LEVEL)
// are read from the environment with .env filling in unset ones.
//
// Example usage:
//
//	# Three ranks, rank 2 serving I/O
//	PIO_RANK=0 PIO_PEERS=:7000,:7001,:7002 PIO_IO_RANKS=2 ./pionode &
//	PIO_RANK=1 PIO_PEERS=:7000,:7001,:7002 PIO_IO_RANKS=2 ./pionode &
//	PIO_RANK=2 PIO_PEERS=:7000,:7001,:7002 PIO_IO_RANKS=2 \
//	PIO_HTTP_LISTEN=:9090 ./pionode
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cast"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dreamware/pario/internal/backend"
	"github.com/dreamware/pario/internal/cluster"
	"github.com/dreamware/pario/internal/comm"
	"github.com/dreamware/pario/internal/comm/netcomm"
	"github.com/dreamware/pario/internal/config"
	"github.com/dreamware/pario/internal/decomp"
	"github.com/dreamware/pario/internal/iosys"
	piolog "github.com/dreamware/pario/internal/log"
	"github.com/dreamware/pario/internal/metrics"
	"github.com/dreamware/pario/internal/pio"
)

// logFatal is a variable to allow mocking fatal exits in tests.
// This indirection enables test code to intercept fatal errors
// without actually terminating the test process.
var logFatal = func(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "pionode: "+format+"\n", args...)
	os.Exit(1)
}

// nodeConfig is the environment of one node, parsed once at startup.
type nodeConfig struct {
	Rank       int
	Peers      []string
	Listen     string
	Protocol   string
	IORanks    []int
	HTTPListen string
	DataDir    string
	File       string
	IOType     backend.IOType
	Dims       []int64
	Vars       int
	LogFormat  string
	WaitSignal bool
}

// splitList splits a comma-separated variable, dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// loadConfig reads the node configuration from the environment.
//
// Required variables that are missing end the process through logFatal;
// malformed values are returned as errors.
func loadConfig() (nodeConfig, error) {
	cfg := nodeConfig{
		Peers:      splitList(mustGetenv("PIO_PEERS")),
		Protocol:   getenv("PIO_PROTOCOL", netcomm.ProtocolTCP),
		HTTPListen: getenv("PIO_HTTP_LISTEN", ""),
		DataDir:    getenv("PIO_DATA_DIR", "."),
		File:       getenv("PIO_FILE", "pionode.nc"),
		LogFormat:  getenv("PIO_LOG_FORMAT", piolog.FormatConsole),
	}

	var err error
	if cfg.Rank, err = cast.ToIntE(mustGetenv("PIO_RANK")); err != nil {
		return cfg, fmt.Errorf("PIO_RANK: %w", err)
	}
	if cfg.Rank < 0 || cfg.Rank >= len(cfg.Peers) {
		return cfg, fmt.Errorf("PIO_RANK %d outside world of %d", cfg.Rank, len(cfg.Peers))
	}
	cfg.Listen = getenv("PIO_LISTEN", cfg.Peers[cfg.Rank])

	if v := getenv("PIO_IO_RANKS", ""); v != "" {
		if cfg.IORanks, err = cast.ToIntSliceE(splitList(v)); err != nil {
			return cfg, fmt.Errorf("PIO_IO_RANKS: %w", err)
		}
	}
	if cfg.IOType, err = backend.ParseIOType(getenv("PIO_IOTYPE", backend.NetCDF.String())); err != nil {
		return cfg, fmt.Errorf("PIO_IOTYPE: %w", err)
	}
	for _, d := range splitList(getenv("PIO_DIMS", "64")) {
		n, err := cast.ToInt64E(d)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("PIO_DIMS: bad dimension %q", d)
		}
		cfg.Dims = append(cfg.Dims, n)
	}
	if cfg.Vars, err = cast.ToIntE(getenv("PIO_VARS", "1")); err != nil {
		return cfg, fmt.Errorf("PIO_VARS: %w", err)
	}
	if cfg.WaitSignal, err = cast.ToBoolE(getenv("PIO_WAIT_SIGNAL", "false")); err != nil {
		return cfg, fmt.Errorf("PIO_WAIT_SIGNAL: %w", err)
	}
	return cfg, nil
}

// node is a running rank: the network endpoint and the runtime on top of it.
type node struct {
	cfg      nodeConfig
	logger   *zap.Logger
	registry *prometheus.Registry
	runtime  *pio.Runtime
	ready    *atomic.Bool
	ioTask   *atomic.Bool
	done     *atomic.Bool
}

// newNode creates the runtime of a node. Nothing touches the network yet.
func newNode(cfg nodeConfig, tunables config.Tunables, logger *zap.Logger) (*node, error) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}
	r, err := pio.New(
		pio.WithFs(afero.NewBasePathFs(afero.NewOsFs(), cfg.DataDir)),
		pio.WithLogger(logger),
		pio.WithMetrics(m),
		pio.WithTunables(tunables),
	)
	if err != nil {
		return nil, err
	}
	return &node{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		runtime:  r,
		ready:    atomic.NewBool(false),
		ioTask:   atomic.NewBool(false),
		done:     atomic.NewBool(false),
	}, nil
}

// handler serves /health, /info and /metrics.
func (n *node) handler() http.Handler {
	mux := http.NewServeMux()

	// 200 once the world is connected and the I/O system exists
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		if !n.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/info", func(w http.ResponseWriter, _ *http.Request) {
		if err := cluster.WriteJSON(w, n.info()); err != nil {
			n.logger.Warn("write info", zap.Error(err))
		}
	})
	mux.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
	return mux
}

// info reports the state of the node to monitors.
func (n *node) info() cluster.RankInfo {
	stats := n.runtime.Stats()
	return cluster.RankInfo{
		Rank:      n.cfg.Rank,
		WorldSize: len(n.cfg.Peers),
		Ready:     n.ready.Load(),
		Done:      n.done.Load(),
		IOTask:    n.ioTask.Load(),
		IOSystems: stats.IOSystems,
		Files:     stats.Files,
		Decomps:   stats.Decomps,
	}
}

// run connects the world over ln, creates the I/O system and either serves
// I/O or runs the workload. It returns once the I/O system is finalized.
func (n *node) run(ctx context.Context, ln net.Listener) (err error) {
	ncfg := netcomm.DefaultConfig()
	ncfg.Protocol = n.cfg.Protocol
	ncfg.Listen = n.cfg.Listen
	ncfg.Peers = n.cfg.Peers
	ncfg.Rank = n.cfg.Rank

	ep, err := netcomm.NewEndpoint(ctx, ncfg, ln, n.logger)
	if err != nil {
		return multierr.Append(err, n.runtime.Close())
	}
	defer func() {
		err = multierr.Combine(err, n.runtime.Close(), ep.Close())
	}()
	world := comm.NewWorld(ep)

	var id int
	if len(n.cfg.IORanks) > 0 {
		id, err = n.runtime.InitAsync(ctx, world, n.cfg.IORanks)
	} else {
		id, err = n.runtime.InitIntracomm(ctx, world, 1, 1, 0, iosys.RearrBox)
	}
	if err != nil {
		return err
	}
	ios, err := n.runtime.IOSystem(id)
	if err != nil {
		return err
	}
	n.ioTask.Store(ios.IOProc)
	n.ready.Store(true)
	n.logger.Info("world connected",
		zap.Int("iosysid", id), zap.Bool("async", ios.Async),
		zap.Int("io_tasks", ios.NumIOTasks), zap.Int("comp_tasks", ios.NumCompTasks))

	if ios.Async && ios.Comp == nil {
		err = n.runtime.ServeIO(ctx, id)
	} else {
		err = n.workload(ctx, id, ios)
	}
	if err != nil {
		return err
	}
	if err := n.runtime.Finalize(ctx, id); err != nil {
		return err
	}
	n.done.Store(true)
	return nil
}

// workload writes PIO_VARS variables of a block decomposition into PIO_FILE.
// Element values are their 1-based global offsets.
func (n *node) workload(ctx context.Context, id int, ios *iosys.Desc) error {
	r := n.runtime
	compmap := decomp.BlockMap(n.cfg.Dims, ios.NumCompTasks, ios.CompRank)
	ioid, err := r.InitDecomp(ctx, id, decomp.Int, n.cfg.Dims, compmap, 0)
	if err != nil {
		return err
	}
	ncid, err := r.CreateFile(ctx, id, n.cfg.IOType, n.cfg.File, 0)
	if err != nil {
		return err
	}

	data := make([]byte, 4*len(compmap))
	for i, off := range compmap {
		binary.LittleEndian.PutUint32(data[4*i:], uint32(off))
	}
	for varid := 0; varid < n.cfg.Vars; varid++ {
		if err := r.WriteDarray(ctx, ncid, varid, ioid, data); err != nil {
			return err
		}
	}
	if err := r.CloseFile(ctx, ncid); err != nil {
		return err
	}
	n.logger.Info("workload done",
		zap.String("file", n.cfg.File), zap.Int("vars", n.cfg.Vars), zap.Int("elements", len(compmap)))
	return r.FreeDecomp(ctx, id, ioid)
}

func main() {
	tunables, err := config.FromEnv(".env")
	if err != nil {
		logFatal("config: %v", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		logFatal("config: %v", err)
	}

	logger, err := piolog.New(piolog.Config{Format: cfg.LogFormat, Level: tunables.LogLevel, Rank: cfg.Rank})
	if err != nil {
		logFatal("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	n, err := newNode(cfg, tunables, logger)
	if err != nil {
		logFatal("runtime: %v", err)
	}

	// Health and metrics endpoint, when configured
	var s *http.Server
	if cfg.HTTPListen != "" {
		s = &http.Server{
			Addr:              cfg.HTTPListen,
			Handler:           n.handler(),
			ReadHeaderTimeout: 5 * time.Second, // Prevent slowloris attacks
		}
		go func() {
			logger.Info("http listening", zap.String("addr", cfg.HTTPListen))
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logFatal("http listen: %v", err)
			}
		}()
	}

	ln, err := netcomm.Listen(cfg.Protocol, cfg.Listen)
	if err != nil {
		logFatal("listen: %v", err)
	}

	// A signal cancels the run; blocked collectives return with the context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := n.run(ctx, ln)
	if runErr == nil && cfg.WaitSignal {
		logger.Info("run complete, waiting for signal")
		<-ctx.Done()
	}

	if s != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
	}
	if runErr != nil {
		logFatal("rank %d: %v", cfg.Rank, runErr)
	}
	logger.Info("node stopped")
}

// getenv retrieves an environment variable with a fallback default value.
//
// An empty variable counts as unset.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// mustGetenv retrieves a required environment variable, terminating the
// program if it's not set.
//
// Use this for configuration the node cannot run without, such as its rank
// and the peer list.
func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	logFatal("missing env %s", k)
	return ""
}
