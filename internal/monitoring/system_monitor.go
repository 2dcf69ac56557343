package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics holds current process resource measurements
type SystemMetrics struct {
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryBytes uint64    `json:"memory_bytes"`
	MemoryMB    float64   `json:"memory_mb"`
	HostMemUsed float64   `json:"host_mem_used_percent"`
	Goroutines  int       `json:"goroutines"`
	SampledAt   time.Time `json:"sampled_at"`
}

// SystemMonitor samples process CPU and memory on an interval.
// Readers get the last sample; they never trigger a measurement.
type SystemMonitor struct {
	proc     *process.Process
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.RWMutex
	metrics SystemMetrics
}

func NewSystemMonitor(interval time.Duration, logger zerolog.Logger) *SystemMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	m := &SystemMonitor{
		interval: interval,
		logger:   logger.With().Str("component", "system_monitor").Logger(),
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.logger.Warn().Err(err).Msg("Process stats unavailable, falling back to host memory")
	} else {
		m.proc = proc
	}
	m.sample()
	return m
}

// Run samples until ctx is cancelled.
func (m *SystemMonitor) Run(ctx context.Context) {
	defer RecoverPanic(m.logger, "system_monitor", nil)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

// Get returns the latest sample.
func (m *SystemMonitor) Get() SystemMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

func (m *SystemMonitor) sample() {
	s := SystemMetrics{
		Goroutines: runtime.NumGoroutine(),
		SampledAt:  time.Now(),
	}

	if m.proc != nil {
		if pct, err := m.proc.CPUPercent(); err == nil {
			s.CPUPercent = pct
		}
		if info, err := m.proc.MemoryInfo(); err == nil {
			s.MemoryBytes = info.RSS
		}
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		s.HostMemUsed = vmem.UsedPercent
		if m.proc == nil {
			s.MemoryBytes = vmem.Used
		}
	}
	s.MemoryMB = float64(s.MemoryBytes) / 1024 / 1024

	m.mu.Lock()
	m.metrics = s
	m.mu.Unlock()
}
