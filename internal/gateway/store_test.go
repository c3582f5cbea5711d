package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"marketrelay/internal/metrics"
	"marketrelay/logger"
)

func TestEventStoreLimit(t *testing.T) {
	store := newEventStore(2)
	for i := 0; i < 5; i++ {
		store.handle(metrics.Metric{Timestamp: time.Unix(int64(i), 0), Name: "metric", Value: i})
	}
	snapshot := store.snapshot()
	if len(snapshot) != 2 || snapshot[0].Value != 3 || snapshot[1].Value != 4 {
		t.Fatalf("unexpected events retained: %#v", snapshot)
	}
}

func TestLogStoreCapturesEntries(t *testing.T) {
	store := newLogStore(3)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = logrus.WarnLevel
	entry.Message = "warning"
	entry.Data = logrus.Fields{"component": "test", "err": errors.New("boom")}

	if err := store.Fire(entry); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	snapshot := store.snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected one record, got %d", len(snapshot))
	}
	rec := snapshot[0]
	if rec.Component != "test" || rec.Fields["err"] != "boom" {
		t.Fatalf("unexpected record: %#v", rec)
	}
	if _, ok := rec.Fields["component"]; ok {
		t.Fatal("component should not be repeated in fields")
	}

	store.close()
	_ = store.Fire(entry)
	if len(store.snapshot()) != 1 {
		t.Fatal("closed store should ignore entries")
	}
}

func TestResourceSamplerCollectsSamples(t *testing.T) {
	originalCPU, originalMem, originalDisk := cpuPercentFn, memoryStatsFn, diskUsageFn
	t.Cleanup(func() {
		cpuPercentFn, memoryStatsFn, diskUsageFn = originalCPU, originalMem, originalDisk
	})
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		time.Sleep(time.Millisecond)
		return []float64{42.5}, nil
	}
	memoryStatsFn = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Used: 1024, Total: 2048, UsedPercent: 50}, nil
	}
	diskUsageFn = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Used: 4096, Total: 8192, UsedPercent: 50}, nil
	}

	sampler := newResourceSampler(3, 10*time.Millisecond, "/", logger.Logger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sampler.start(ctx)

	deadline := time.Now().Add(500 * time.Millisecond)
	for len(sampler.snapshot()) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("resource sampler did not collect samples in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	sampler.stop()

	snapshots := sampler.snapshot()
	if len(snapshots) != 3 {
		t.Fatalf("history should be capped at 3, got %d", len(snapshots))
	}
	latest := snapshots[len(snapshots)-1]
	if latest.CPUPercent != 42.5 || latest.MemoryPct != 50 || latest.DiskPct != 50 || latest.Goroutines == 0 {
		t.Fatalf("unexpected sample: %#v", latest)
	}
}
