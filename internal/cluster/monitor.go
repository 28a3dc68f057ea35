package cluster

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the health of one rank as seen by a Monitor.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// RankHealth tracks the health of a single rank.
// Thread-safe: Protected by Monitor's mutex when accessed.
type RankHealth struct {
	LastCheck        time.Time // Timestamp of the last check attempt
	LastHealthy      time.Time // Timestamp of the last successful check
	Addr             string    // HTTP address of the rank
	Status           Status    // Current status
	Info             RankInfo  // Last /info reported by the rank
	Rank             int       // World rank
	ConsecutiveFails int       // Number of consecutive failed checks
}

// CheckFunc probes one rank and returns what it reported.
type CheckFunc func(ctx context.Context, addr string) (RankInfo, error)

// Monitor performs periodic health checks on every rank of a world.
// Ranks are identified by their index in the address list.
// Thread-safe: All methods are safe for concurrent access.
type Monitor struct {
	ranks       map[int]*RankHealth // Current health per rank
	httpClient  *http.Client        // HTTP client for checks
	checkFunc   CheckFunc           // Function to perform a check
	onUnhealthy func(rank int)      // Callback when a rank becomes unhealthy
	logger      *zap.Logger
	ctx         context.Context    // Context for cancellation
	cancel      context.CancelFunc // Cancel function for shutdown
	interval    time.Duration      // How often to check
	mu          sync.RWMutex       // Protects ranks and the settings below
	wg          sync.WaitGroup     // Wait group for graceful shutdown
	maxFailures int                // Failures before marking unhealthy
}

// NewMonitor creates a monitor that checks each rank every interval.
// Ranks are marked unhealthy after 3 consecutive failures.
//
// Example:
//
//	monitor := NewMonitor(5*time.Second, logger)
//	go monitor.Start(ctx, func() []string { return addrs })
func NewMonitor(interval time.Duration, logger *zap.Logger) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Monitor{
		interval:    interval,
		maxFailures: 3,
		ranks:       make(map[int]*RankHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
	m.checkFunc = m.defaultCheck
	return m
}

// SetOnUnhealthy sets the callback invoked when a rank becomes unhealthy.
func (m *Monitor) SetOnUnhealthy(callback func(rank int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUnhealthy = callback
}

// SetCheckFunction overrides the default HTTP check.
func (m *Monitor) SetCheckFunction(fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkFunc = fn
}

// SetMaxFailures sets how many consecutive failures mark a rank unhealthy.
func (m *Monitor) SetMaxFailures(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxFailures = n
}

// Start checks every address returned by addrs immediately and then every
// interval. It blocks until ctx is canceled or Stop is called.
func (m *Monitor) Start(ctx context.Context, addrs func() []string) {
	m.wg.Add(1)
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("rank monitor started", zap.Duration("interval", m.interval))
	m.CheckAll(ctx, addrs())

	for {
		select {
		case <-ticker.C:
			m.CheckAll(ctx, addrs())
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// Stop cancels Start and waits for it to return.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// CheckAll checks every rank once, concurrently. Ranks beyond the end of
// addrs are dropped from tracking.
func (m *Monitor) CheckAll(ctx context.Context, addrs []string) {
	var wg sync.WaitGroup
	for rank, addr := range addrs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.checkRank(ctx, rank, addr)
		}()
	}
	wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for rank := range m.ranks {
		if rank >= len(addrs) {
			delete(m.ranks, rank)
		}
	}
}

// checkRank runs one check and updates the record of rank.
func (m *Monitor) checkRank(ctx context.Context, rank int, addr string) {
	m.mu.Lock()
	health, exists := m.ranks[rank]
	if !exists || health.Addr != addr {
		health = &RankHealth{Rank: rank, Addr: addr, Status: StatusUnknown}
		m.ranks[rank] = health
	}
	check := m.checkFunc
	m.mu.Unlock()

	info, err := check(ctx, addr)

	m.mu.Lock()
	defer m.mu.Unlock()

	health.LastCheck = time.Now()
	if err != nil {
		health.ConsecutiveFails++
		m.logger.Debug("rank check failed",
			zap.Int("rank", rank), zap.Int("fails", health.ConsecutiveFails), zap.Error(err))

		if health.ConsecutiveFails >= m.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			m.logger.Warn("rank unhealthy", zap.Int("rank", rank), zap.String("addr", addr))
			if m.onUnhealthy != nil {
				// Call callback without holding the lock
				go m.onUnhealthy(rank)
			}
		}
		return
	}

	if health.Status == StatusUnhealthy {
		m.logger.Info("rank recovered", zap.Int("rank", rank))
	}
	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = health.LastCheck
	health.Info = info
}

// defaultCheck requires 200 from /health and decodes /info.
func (m *Monitor) defaultCheck(ctx context.Context, addr string) (RankInfo, error) {
	base := BaseURL(addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return RankInfo{}, err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return RankInfo{}, fmt.Errorf("health check request failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return RankInfo{}, fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	var info RankInfo
	if err := GetJSON(ctx, base+"/info", &info); err != nil {
		return RankInfo{}, err
	}
	return info, nil
}

// Rank returns a copy of the record of rank, or nil if it is not tracked.
func (m *Monitor) Rank(rank int) *RankHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	health, exists := m.ranks[rank]
	if !exists {
		return nil
	}
	cp := *health
	return &cp
}

// All returns a copy of every tracked record.
func (m *Monitor) All() map[int]*RankHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[int]*RankHealth, len(m.ranks))
	for rank, health := range m.ranks {
		cp := *health
		result[rank] = &cp
	}
	return result
}

// Healthy reports whether rank passed its last check.
func (m *Monitor) Healthy(rank int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	health, exists := m.ranks[rank]
	return exists && health.Status == StatusHealthy
}
