package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one CPU and memory sample of the supervised application.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// Sample reads the current usage of pid.
func Sample(pid int32) (Usage, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	threads, _ := proc.NumThreads()
	u := Usage{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			u.NumFDs = fds
		}
	}
	return u, nil
}

// UsageConfig controls periodic sampling of the supervised application.
type UsageConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// UsageCollector samples the currently supervised pid on an interval, keeps a
// ring of recent samples and mirrors the latest one into gauges.
type UsageCollector struct {
	enabled  bool
	interval time.Duration

	mu       sync.RWMutex
	ring     []Usage
	startIdx int
	count    int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent prometheus.Gauge
	memoryMB   prometheus.Gauge
	numThreads prometheus.Gauge
}

func NewUsageCollector(cfg UsageConfig) *UsageCollector {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 120
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &UsageCollector{
		enabled:  cfg.Enabled,
		interval: cfg.Interval,
		ring:     make([]Usage, cfg.MaxHistory),
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "appmaker", Subsystem: "app", Name: "cpu_percent",
			Help: "CPU usage of the supervised application.",
		}),
		memoryMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "appmaker", Subsystem: "app", Name: "memory_mb",
			Help: "Resident memory of the supervised application in MB.",
		}),
		numThreads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "appmaker", Subsystem: "app", Name: "num_threads",
			Help: "Thread count of the supervised application.",
		}),
	}
}

func (c *UsageCollector) Enabled() bool { return c != nil && c.enabled }

// RegisterMetrics registers the usage gauges; already registered collectors are kept.
func (c *UsageCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.Enabled() {
		return nil
	}
	for _, col := range []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads} {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples currentPID every interval until ctx is done or Stop is called.
// currentPID returns 0 when nothing is running.
func (c *UsageCollector) Start(ctx context.Context, currentPID func() int32) {
	if !c.Enabled() {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(c.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-t.C:
				c.collect(currentPID())
			}
		}
	}()
}

func (c *UsageCollector) Stop() {
	if !c.Enabled() {
		return
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *UsageCollector) collect(pid int32) {
	if pid <= 0 {
		c.cpuPercent.Set(0)
		c.memoryMB.Set(0)
		c.numThreads.Set(0)
		return
	}
	u, err := Sample(pid)
	if err != nil {
		slog.Debug("usage sample failed", "pid", pid, "error", err)
		return
	}
	c.cpuPercent.Set(u.CPUPercent)
	c.memoryMB.Set(u.MemoryMB)
	c.numThreads.Set(float64(u.NumThreads))
	c.add(u)
}

func (c *UsageCollector) add(u Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	size := len(c.ring)
	if c.count < size {
		c.ring[c.count] = u
		c.count++
		return
	}
	c.ring[c.startIdx] = u
	c.startIdx = (c.startIdx + 1) % size
}

// History returns the retained samples, oldest first.
func (c *UsageCollector) History() []Usage {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Usage, 0, c.count)
	for i := 0; i < c.count; i++ {
		out = append(out, c.ring[(c.startIdx+i)%len(c.ring)])
	}
	return out
}

// Latest returns the most recent sample, if any.
func (c *UsageCollector) Latest() (Usage, bool) {
	h := c.History()
	if len(h) == 0 {
		return Usage{}, false
	}
	return h[len(h)-1], true
}
