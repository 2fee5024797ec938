package metrics

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Snapshot holds the API traffic counters and the last process sample
type Snapshot struct {
	Requests      int64
	Failures      int64
	BytesSent     int64
	BytesReceived int64
	Conflicts     int64

	ProcessCPUPercent float64 // can exceed 100% on multi-core
	ProcessRSSBytes   uint64
	MemoryPercent     float64 // system-wide
	Timestamp         time.Time
}

// Collector counts API traffic and periodically logs it together with process
// resource usage. A nil *Collector is valid and records nothing.
type Collector struct {
	interval time.Duration
	logger   *zap.Logger
	proc     *process.Process

	requests  atomic.Int64
	failures  atomic.Int64
	sent      atomic.Int64
	received  atomic.Int64
	conflicts atomic.Int64

	mu     sync.RWMutex
	sample Snapshot
}

// NewCollector creates a new metrics collector
func NewCollector(interval time.Duration, logger *zap.Logger) *Collector {
	if interval < time.Second {
		interval = 30 * time.Second
	}

	proc, _ := process.NewProcess(int32(os.Getpid()))

	return &Collector{
		interval: interval,
		logger:   logger,
		proc:     proc,
	}
}

// RecordRequest counts one API round trip
func (c *Collector) RecordRequest(sent, received int, err error) {
	if c == nil {
		return
	}
	c.requests.Add(1)
	c.sent.Add(int64(sent))
	c.received.Add(int64(received))
	if err != nil {
		c.failures.Add(1)
	}
}

// RecordConflict counts one version conflict answered by the store
func (c *Collector) RecordConflict() {
	if c == nil {
		return
	}
	c.conflicts.Add(1)
}

// Start begins periodic collection. Returns when context is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()

	for {
		select {
		case <-ctx.Done():
			c.collect()
			c.logger.Debug("Metrics collection stopped")
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Snapshot returns the current counters and the last process sample
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	s := c.sample
	c.mu.RUnlock()

	s.Requests = c.requests.Load()
	s.Failures = c.failures.Load()
	s.BytesSent = c.sent.Load()
	s.BytesReceived = c.received.Load()
	s.Conflicts = c.conflicts.Load()
	return s
}

// collect samples the process and logs the counters
func (c *Collector) collect() {
	sample := Snapshot{Timestamp: time.Now()}

	if c.proc != nil {
		if pct, err := c.proc.Percent(0); err == nil {
			sample.ProcessCPUPercent = pct
		}
		if info, err := c.proc.MemoryInfo(); err == nil && info != nil {
			sample.ProcessRSSBytes = info.RSS
		}
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		sample.MemoryPercent = vmem.UsedPercent
	}

	c.mu.Lock()
	c.sample = sample
	c.mu.Unlock()

	s := c.Snapshot()
	c.logger.Info("Upload metrics",
		zap.Int64("requests", s.Requests),
		zap.Int64("failures", s.Failures),
		zap.Int64("conflicts", s.Conflicts),
		zap.String("sent", humanize.Bytes(uint64(s.BytesSent))),
		zap.String("received", humanize.Bytes(uint64(s.BytesReceived))),
		zap.Float64("proc_cpu", s.ProcessCPUPercent),
		zap.String("rss", humanize.Bytes(s.ProcessRSSBytes)),
		zap.Float64("mem_pct", s.MemoryPercent),
	)
}
