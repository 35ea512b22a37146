package pressure

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/procfs"
)

// MemInfoMonitor polls the kernel's available-memory estimate and signals
// Moderate or Critical when it drops below the configured ratios of total
// memory.
type MemInfoMonitor struct {
	ProcRoot      string
	Interval      time.Duration
	ModerateRatio float64
	CriticalRatio float64

	Dispatcher *Dispatcher
	Log        *slog.Logger
}

// Sample reads meminfo and classifies it. ok is false when memory is not
// under pressure.
func (m *MemInfoMonitor) Sample() (level Level, ratio float64, ok bool, err error) {
	root := m.ProcRoot
	if root == "" {
		root = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(root)
	if err != nil {
		return 0, 0, false, err
	}
	mi, err := fs.Meminfo()
	if err != nil {
		return 0, 0, false, err
	}
	if mi.MemTotal == nil || mi.MemAvailable == nil || *mi.MemTotal == 0 {
		return 0, 0, false, fmt.Errorf("meminfo under %s lacks MemTotal or MemAvailable", root)
	}
	ratio = float64(*mi.MemAvailable) / float64(*mi.MemTotal)
	switch {
	case ratio < m.CriticalRatio:
		return Critical, ratio, true, nil
	case ratio < m.ModerateRatio:
		return Moderate, ratio, true, nil
	}
	return Background, ratio, false, nil
}

// Run polls until ctx is cancelled.
func (m *MemInfoMonitor) Run(ctx context.Context) {
	log := m.Log
	if log == nil {
		log = slog.Default()
	}
	every := m.Interval
	if every <= 0 {
		every = 10 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			level, ratio, ok, err := m.Sample()
			if err != nil {
				log.Warn("read meminfo", "err", err)
				continue
			}
			if ok && m.Dispatcher != nil {
				log.Info("memory pressure detected", "level", level.String(), "available_ratio", ratio)
				m.Dispatcher.Signal(ctx, level)
			}
		}
	}
}
