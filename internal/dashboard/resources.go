package dashboard

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"cryptotrader/logger"
)

type resourceSample struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryPct   float64   `json:"memory_percent"`
	ProcessRSS  uint64    `json:"process_rss"`
	ProcessCPU  float64   `json:"process_cpu_percent"`
	Goroutines  int       `json:"goroutines"`
	DiskUsed    uint64    `json:"disk_used"`
	DiskPct     float64   `json:"disk_percent"`
	DiskSampled bool      `json:"disk_sampled"`
}

// resourceSampler keeps a bounded history of host and process usage.
type resourceSampler struct {
	mu       sync.RWMutex
	items    []resourceSample
	limit    int
	interval time.Duration
	diskPath string

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	log     *logger.Log
}

var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
	selfStatsFn   = func(ctx context.Context) (rss uint64, cpuPct float64, err error) {
		p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
		if err != nil {
			return 0, 0, err
		}
		info, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			return 0, 0, err
		}
		cpuPct, err = p.CPUPercentWithContext(ctx)
		if err != nil {
			return info.RSS, 0, nil
		}
		return info.RSS, cpuPct, nil
	}
)

func newResourceSampler(limit int, interval time.Duration, diskPath string, log *logger.Log) *resourceSampler {
	if limit <= 0 {
		limit = 120
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &resourceSampler{limit: limit, interval: interval, diskPath: diskPath, log: log}
}

func (s *resourceSampler) start(ctx context.Context) {
	if s == nil || s.running.Swap(true) {
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(childCtx)
	}()
}

func (s *resourceSampler) stop() {
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.running.Store(false)
}

func (s *resourceSampler) snapshot() []resourceSample {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]resourceSample(nil), s.items...)
}

func (s *resourceSampler) add(sample resourceSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, sample)
	if len(s.items) > s.limit {
		s.items = append([]resourceSample(nil), s.items[len(s.items)-s.limit:]...)
	}
}

// run samples once per interval; the CPU measurement itself spans the interval.
func (s *resourceSampler) run(ctx context.Context) {
	log := s.log.WithComponent("resource_sampler")
	for ctx.Err() == nil {
		cpuSamples, err := cpuPercentFn(ctx, s.interval)
		if err != nil {
			log.WithError(err).Debug("failed to sample cpu usage")
			if !sleepCtx(ctx, s.interval) {
				return
			}
			continue
		}

		sample := resourceSample{
			Timestamp:  time.Now(),
			Goroutines: runtime.NumGoroutine(),
		}
		if len(cpuSamples) > 0 {
			sample.CPUPercent = cpuSamples[0]
		}
		if vm, err := memoryStatsFn(ctx); err == nil {
			sample.MemoryPct = vm.UsedPercent
		} else {
			log.WithError(err).Debug("failed to sample memory usage")
		}
		if rss, pct, err := selfStatsFn(ctx); err == nil {
			sample.ProcessRSS = rss
			sample.ProcessCPU = pct
		} else {
			log.WithError(err).Debug("failed to sample process usage")
		}
		if s.diskPath != "" {
			if du, err := diskUsageFn(ctx, s.diskPath); err == nil {
				sample.DiskUsed = du.Used
				sample.DiskPct = du.UsedPercent
				sample.DiskSampled = true
			} else {
				log.WithError(err).Debug("failed to sample disk usage")
			}
		}
		s.add(sample)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
