package metrics

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Sampler is the Metrics Collector's built-in system sampler (§4.6):
// every interval it emits CPU%, memory%, and disk% gauges. Per-service
// inflight gauges are recorded only through IngestInflight; the ticking
// loop does not produce them. Grounded on grimm-is-flywall's
// internal/host.GetMemoryInfo /proc-parsing approach rather than a
// third-party system-stats library — none appears anywhere in the
// pack, and grimm-is-flywall hand-rolls the same /proc reads this
// sampler needs.
type Sampler struct {
	store    *Store
	interval time.Duration

	lastCPU cpuTimes
}

// NewSampler constructs a Sampler that ingests into store every
// interval.
func NewSampler(store *Store, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Sampler{store: store, interval: interval}
}

// Run samples system resources every interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.sampleOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *Sampler) sampleOnce() {
	now := time.Now().UTC()

	if pct, ok := s.cpuPercent(); ok {
		s.store.Ingest(Sample{Name: "system.cpu_percent", Value: pct, Timestamp: now, Kind: KindGauge})
	}
	if pct, ok := memPercent(); ok {
		s.store.Ingest(Sample{Name: "system.memory_percent", Value: pct, Timestamp: now, Kind: KindGauge})
	}
	if pct, ok := diskPercent("/"); ok {
		s.store.Ingest(Sample{Name: "system.disk_percent", Value: pct, Timestamp: now, Kind: KindGauge})
	}
}

// IngestInflight records a service instance's current inflight count
// as a service.inflight gauge. The ticking sampler loop does not call
// it, and cmd/metricscol registers no heartbeat handler that does, so
// the collector records no inflight gauges from heartbeats.
func (s *Sampler) IngestInflight(serviceName, instanceID string, inflight int) {
	s.store.Ingest(Sample{
		Name:      "service.inflight",
		Value:     float64(inflight),
		Timestamp: time.Now().UTC(),
		Labels:    map[string]string{"service": serviceName, "instance": instanceID},
		Kind:      KindGauge,
	})
}

type cpuTimes struct {
	idle, total uint64
}

// cpuPercent reads /proc/stat's aggregate cpu line and reports
// utilization since the previous sample. The first call after process
// start has no prior sample and returns (0, false).
func (s *Sampler) cpuPercent() (float64, bool) {
	cur, err := readCPUTimes()
	if err != nil {
		return 0, false
	}
	prev := s.lastCPU
	s.lastCPU = cur
	if prev.total == 0 {
		return 0, false
	}

	deltaIdle := float64(cur.idle - prev.idle)
	deltaTotal := float64(cur.total - prev.total)
	if deltaTotal <= 0 {
		return 0, false
	}
	return (1 - deltaIdle/deltaTotal) * 100, true
}

func readCPUTimes() (cpuTimes, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return cpuTimes{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return cpuTimes{}, scanner.Err()
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return cpuTimes{}, os.ErrInvalid
	}

	var total uint64
	var idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			continue
		}
		total += v
		if i == 3 { // idle field
			idle = v
		}
	}
	return cpuTimes{idle: idle, total: total}, nil
}

// memPercent reads /proc/meminfo and returns used-memory percentage.
func memPercent() (float64, bool) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	var total, available uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		val, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = val
		case "MemAvailable:":
			available = val
		}
	}
	if total == 0 {
		return 0, false
	}
	return (1 - float64(available)/float64(total)) * 100, true
}

// diskPercent reports used-space percentage for the filesystem
// mounted at path via statfs.
func diskPercent(path string) (float64, bool) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, false
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bfree * uint64(stat.Bsize)
	if total == 0 {
		return 0, false
	}
	return (1 - float64(free)/float64(total)) * 100, true
}
