package worker

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhangjing-777/multimedia-review-new/internal/lock"
	"github.com/zhangjing-777/multimedia-review-new/internal/observability"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultHeartbeatTTL      = 60 * time.Second
)

type HeartbeatOptions struct {
	Interval time.Duration
	TTL      time.Duration
}

// Heartbeat keeps the worker's presence key alive and publishes host
// utilization gauges. Missing a few beats just lets the presence key expire;
// nothing else depends on it.
type Heartbeat struct {
	workerID string
	presence lock.Presence
	interval time.Duration
	ttl      time.Duration
	busy     atomic.Bool
	log      *logrus.Logger
}

func NewHeartbeat(workerID string, presence lock.Presence, opts HeartbeatOptions, log *logrus.Logger) *Heartbeat {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultHeartbeatTTL
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Heartbeat{
		workerID: workerID,
		presence: presence,
		interval: interval,
		ttl:      ttl,
		log:      log,
	}
}

func (h *Heartbeat) SetBusy(busy bool) {
	h.busy.Store(busy)
}

func (h *Heartbeat) Start(ctx context.Context) {
	h.beat(ctx)
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	if err := h.presence.Refresh(ctx, h.workerID, h.ttl); err != nil {
		h.log.WithError(err).Warn("presence refresh failed")
		return
	}
	labels := map[string]string{"worker_id": h.workerID}
	busy := 0.0
	if h.busy.Load() {
		busy = 1.0
	}
	observability.Default.SetGauge("worker_busy", labels, busy)
	observability.Default.SetGauge("worker_cpu_util", labels, cpuUtilizationPercent())
	observability.Default.SetGauge("worker_memory_util", labels, memoryUtilizationPercent())
}

func cpuUtilizationPercent() float64 {
	// Linux loadavg-based estimate normalized by CPU cores.
	if b, err := os.ReadFile("/proc/loadavg"); err == nil {
		parts := strings.Fields(string(b))
		if len(parts) > 0 {
			if v, err := strconv.ParseFloat(parts[0], 64); err == nil {
				cpus := float64(runtime.NumCPU())
				if cpus <= 0 {
					cpus = 1
				}
				pct := (v / cpus) * 100.0
				if pct < 0 {
					pct = 0
				}
				if pct > 100 {
					pct = 100
				}
				return pct
			}
		}
	}
	return 0
}

func memoryUtilizationPercent() float64 {
	// Linux host memory from /proc/meminfo.
	if b, err := os.ReadFile("/proc/meminfo"); err == nil {
		var totalKB, availKB float64
		for _, line := range strings.Split(string(b), "\n") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			switch fields[0] {
			case "MemTotal:":
				totalKB, _ = strconv.ParseFloat(fields[1], 64)
			case "MemAvailable:":
				availKB, _ = strconv.ParseFloat(fields[1], 64)
			}
		}
		if totalKB > 0 && availKB >= 0 {
			used := ((totalKB - availKB) / totalKB) * 100.0
			if used < 0 {
				used = 0
			}
			if used > 100 {
				used = 100
			}
			return used
		}
	}
	return 0
}
