package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dmtable/relay/backend/registry"
	"github.com/dmtable/relay/backend/sessions"
)

const DefaultInterval = 30 * time.Second

// Monitor periodically sweeps the connection registry. A connection
// that failed to acknowledge a probe for a whole interval is torn
// down through the same path as an explicit disconnect, then its
// channel is force-closed. Detection latency is between one and two
// intervals: the flag is cleared on one tick and checked on the next.
type Monitor struct {
	logger   zerolog.Logger
	reg      *registry.Registry
	table    *sessions.Table
	interval time.Duration
}

func New(reg *registry.Registry, table *sessions.Table, interval time.Duration, logger *zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		logger:   logger.With().Str("component", "monitor").Logger(),
		reg:      reg,
		table:    table,
		interval: interval,
	}
}

func (m *Monitor) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		m.logger.Debug().Msg("monitor stopped")
		wg.Done()
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.interval).Msg("monitor started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	dead := m.reg.Sweep()
	for _, p := range dead {
		m.table.Detach(p)
		p.Terminate()
	}
	if len(dead) > 0 {
		m.logger.Debug().Int("count", len(dead)).Msg("reclaimed dead connections")
	}
}
