package dashboard

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"cryptotrader/logger"
)

func stubCollectors(t *testing.T, diskErr error) *atomic.Int32 {
	t.Helper()
	originalCPU, originalMem, originalDisk, originalSelf := cpuPercentFn, memoryStatsFn, diskUsageFn, selfStatsFn
	t.Cleanup(func() {
		cpuPercentFn, memoryStatsFn, diskUsageFn, selfStatsFn = originalCPU, originalMem, originalDisk, originalSelf
	})

	calls := &atomic.Int32{}
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		calls.Add(1)
		time.Sleep(interval)
		return []float64{42.5}, nil
	}
	memoryStatsFn = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{UsedPercent: 50}, nil
	}
	diskUsageFn = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		if diskErr != nil {
			return nil, diskErr
		}
		return &disk.UsageStat{Used: 4096, UsedPercent: 25}, nil
	}
	selfStatsFn = func(ctx context.Context) (uint64, float64, error) {
		return 1 << 20, 3, nil
	}
	return calls
}

func waitForSamples(t *testing.T, s *resourceSampler, n int) []resourceSample {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got := s.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("resource sampler did not collect %d samples in time", n)
	return nil
}

func TestResourceSamplerCollectsSamples(t *testing.T) {
	calls := stubCollectors(t, nil)
	sampler := newResourceSampler(2, 5*time.Millisecond, "/var/log", logger.Logger())
	sampler.start(context.Background())
	waitForSamples(t, sampler, 2)
	time.Sleep(20 * time.Millisecond)
	sampler.stop()

	snapshots := sampler.snapshot()
	if len(snapshots) != 2 {
		t.Fatalf("history not bounded: %d samples", len(snapshots))
	}
	latest := snapshots[len(snapshots)-1]
	if latest.CPUPercent != 42.5 || latest.MemoryPct != 50 || latest.DiskPct != 25 || latest.ProcessRSS != 1<<20 {
		t.Fatalf("unexpected snapshot data: %#v", latest)
	}
	if !latest.DiskSampled || latest.Goroutines == 0 {
		t.Fatalf("expected disk and goroutine data: %#v", latest)
	}
	if calls.Load() < 2 {
		t.Fatal("expected cpu sampler to be invoked repeatedly")
	}
}

func TestResourceSamplerToleratesDiskErrors(t *testing.T) {
	stubCollectors(t, errors.New("no such path"))
	sampler := newResourceSampler(5, 5*time.Millisecond, "/missing", logger.Logger())
	sampler.start(context.Background())
	got := waitForSamples(t, sampler, 1)
	sampler.stop()

	if got[0].DiskSampled || got[0].CPUPercent != 42.5 {
		t.Fatalf("disk failure should only blank disk fields: %#v", got[0])
	}
}
