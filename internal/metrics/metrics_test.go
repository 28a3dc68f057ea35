package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.Open("netcdf", true)
	m.Open("netcdf", true)
	m.Open("pnetcdf", false)
	m.Retry()
	m.Error("backend")
	m.FileOpened()
	m.FileOpened()
	m.FileClosed()
	m.DecompAdded()
	m.Served("open_file")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.opens.WithLabelValues("netcdf", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.opens.WithLabelValues("pnetcdf", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("backend")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.openFiles))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decomps))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("open_file")))

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 7, count)
}

func TestDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Open("netcdf", true)
		m.Retry()
		m.Error("x")
		m.FileOpened()
		m.FileClosed()
		m.DecompAdded()
		m.DecompFreed()
		m.Served("exit")
	})
}
