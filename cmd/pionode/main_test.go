package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/pario/internal/backend"
	"github.com/dreamware/pario/internal/cluster"
	"github.com/dreamware/pario/internal/comm/netcomm"
	"github.com/dreamware/pario/internal/config"
)

// TestGetenv tests the getenv utility function
func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		def      string
		expected string
	}{
		{
			name:     "environment variable set",
			key:      "PIONODE_TEST_SET",
			value:    "test_value",
			def:      "default",
			expected: "test_value",
		},
		{
			name:     "environment variable not set",
			key:      "PIONODE_TEST_UNSET",
			def:      "default_value",
			expected: "default_value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				t.Setenv(tt.key, tt.value)
			}
			assert.Equal(t, tt.expected, getenv(tt.key, tt.def))
		})
	}
}

// mockFatal replaces logFatal for one test and records its messages.
func mockFatal(t *testing.T) *[]string {
	t.Helper()
	var msgs []string
	old := logFatal
	logFatal = func(format string, args ...any) {
		msgs = append(msgs, format)
	}
	t.Cleanup(func() { logFatal = old })
	return &msgs
}

// TestMustGetenv tests that missing required variables are fatal
func TestMustGetenv(t *testing.T) {
	msgs := mockFatal(t)

	t.Setenv("PIONODE_TEST_REQUIRED", "x")
	assert.Equal(t, "x", mustGetenv("PIONODE_TEST_REQUIRED"))
	assert.Empty(t, *msgs)

	assert.Equal(t, "", mustGetenv("PIONODE_TEST_MISSING"))
	assert.Len(t, *msgs, 1)
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		check   func(t *testing.T, cfg nodeConfig)
		wantErr string
	}{
		{
			name: "defaults",
			env:  map[string]string{"PIO_RANK": "1", "PIO_PEERS": "a:1, b:2"},
			check: func(t *testing.T, cfg nodeConfig) {
				assert.Equal(t, 1, cfg.Rank)
				assert.Equal(t, []string{"a:1", "b:2"}, cfg.Peers)
				assert.Equal(t, "b:2", cfg.Listen)
				assert.Equal(t, netcomm.ProtocolTCP, cfg.Protocol)
				assert.Nil(t, cfg.IORanks)
				assert.Equal(t, backend.NetCDF, cfg.IOType)
				assert.Equal(t, []int64{64}, cfg.Dims)
				assert.Equal(t, 1, cfg.Vars)
			},
		},
		{
			name: "everything set",
			env: map[string]string{
				"PIO_RANK": "0", "PIO_PEERS": "a:1,b:2,c:3", "PIO_LISTEN": ":9000",
				"PIO_PROTOCOL": "kcp", "PIO_IO_RANKS": "1,2", "PIO_IOTYPE": "pnetcdf",
				"PIO_DIMS": "8,4", "PIO_VARS": "3",
			},
			check: func(t *testing.T, cfg nodeConfig) {
				assert.Equal(t, ":9000", cfg.Listen)
				assert.Equal(t, netcomm.ProtocolKCP, cfg.Protocol)
				assert.Equal(t, []int{1, 2}, cfg.IORanks)
				assert.Equal(t, backend.PnetCDF, cfg.IOType)
				assert.Equal(t, []int64{8, 4}, cfg.Dims)
				assert.Equal(t, 3, cfg.Vars)
			},
		},
		{
			name:    "rank outside world",
			env:     map[string]string{"PIO_RANK": "2", "PIO_PEERS": "a:1,b:2"},
			wantErr: "outside world",
		},
		{
			name:    "bad rank",
			env:     map[string]string{"PIO_RANK": "one", "PIO_PEERS": "a:1"},
			wantErr: "PIO_RANK",
		},
		{
			name:    "bad io ranks",
			env:     map[string]string{"PIO_RANK": "0", "PIO_PEERS": "a:1", "PIO_IO_RANKS": "x"},
			wantErr: "PIO_IO_RANKS",
		},
		{
			name:    "bad iotype",
			env:     map[string]string{"PIO_RANK": "0", "PIO_PEERS": "a:1", "PIO_IOTYPE": "zarr"},
			wantErr: "PIO_IOTYPE",
		},
		{
			name:    "zero dimension",
			env:     map[string]string{"PIO_RANK": "0", "PIO_PEERS": "a:1", "PIO_DIMS": "4,0"},
			wantErr: "PIO_DIMS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := loadConfig()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadConfigMissingPeers(t *testing.T) {
	msgs := mockFatal(t)
	t.Setenv("PIO_RANK", "0")
	t.Setenv("PIO_PEERS", "")

	_, err := loadConfig()
	assert.Error(t, err)
	assert.Equal(t, []string{"missing env %s"}, *msgs)
}

func TestHandler(t *testing.T) {
	n, err := newNode(nodeConfig{Rank: 1, Peers: []string{"a:1", "b:2"}, DataDir: t.TempDir()}, config.Default(), zaptest.NewLogger(t))
	require.NoError(t, err)
	srv := httptest.NewServer(n.handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	n.ready.Store(true)
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var info cluster.RankInfo
	require.NoError(t, cluster.GetJSON(context.Background(), srv.URL+"/info", &info))
	assert.Equal(t, cluster.RankInfo{Rank: 1, WorldSize: 2, Ready: true}, info)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "pio_open_files 0")
}

// runWorld starts one node per rank over loopback listeners and waits for
// all of them.
func runWorld(t *testing.T, n int, base nodeConfig) {
	t.Helper()

	listeners := make([]net.Listener, n)
	peers := make([]string, n)
	for i := range listeners {
		ln, err := netcomm.Listen(netcomm.ProtocolTCP, "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = ln
		peers[i] = ln.Addr().String()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < n; rank++ {
		cfg := base
		cfg.Rank = rank
		cfg.Peers = peers
		cfg.Listen = peers[rank]
		node, err := newNode(cfg, config.Default(), zaptest.NewLogger(t))
		require.NoError(t, err)
		ln := listeners[rank]
		g.Go(func() error { return node.run(ctx, ln) })
	}
	require.NoError(t, g.Wait())
}

func TestRunWorld(t *testing.T) {
	tests := []struct {
		name    string
		n       int
		ioRanks []int
		iotype  backend.IOType
	}{
		{name: "intracomm", n: 2, iotype: backend.NetCDF},
		{name: "async", n: 3, ioRanks: []int{2}, iotype: backend.NetCDF},
		{name: "async pnetcdf", n: 4, ioRanks: []int{2, 3}, iotype: backend.PnetCDF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			runWorld(t, tt.n, nodeConfig{
				Protocol: netcomm.ProtocolTCP,
				IORanks:  tt.ioRanks,
				DataDir:  dir,
				File:     "world.nc",
				IOType:   tt.iotype,
				Dims:     []int64{6, 2},
				Vars:     2,
			})

			data, err := os.ReadFile(filepath.Join(dir, "world.nc"))
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(string(data), string(backend.FormatClassic.Magic())))
		})
	}
}
