// Package memwatch samples the process RSS and raises a pressure signal
// when it crosses a configured limit. The signal channel is coalescing; a
// consumer that is already draining one signal will not queue more.
package memwatch

import (
	"context"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"
)

const defaultInterval = 15 * time.Second

// Monitor watches process memory. A zero limit disables it entirely: C
// stays nil and Run returns immediately.
type Monitor struct {
	C <-chan struct{}

	limit    uint64
	interval time.Duration
	signal   chan struct{}
	proc     *process.Process
}

func New(limitBytes uint64, interval time.Duration) (*Monitor, error) {
	if limitBytes == 0 {
		return &Monitor{}, nil
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	signal := make(chan struct{}, 1)
	return &Monitor{
		C:        signal,
		limit:    limitBytes,
		interval: interval,
		signal:   signal,
		proc:     proc,
	}, nil
}

// Run samples until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if m.limit == 0 {
		return
	}
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

func (m *Monitor) sample() {
	info, err := m.proc.MemoryInfo()
	if err != nil {
		log.Warn().Err(err).Msg("memory sample failed")
		return
	}
	if info.RSS < m.limit {
		return
	}
	select {
	case m.signal <- struct{}{}:
		log.Warn().
			Str("rss", humanize.Bytes(info.RSS)).
			Str("limit", humanize.Bytes(m.limit)).
			Msg("memory limit exceeded")
	default:
	}
}
