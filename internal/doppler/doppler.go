// Package doppler watches the secret provider's cache file. A stale cache
// means the provider has not been reachable for a while and pipelines may be
// running on old credentials.
package doppler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/sidequest/sidequest/internal/events"
)

// Staleness thresholds.
const (
	warnAfter     = 12 * time.Hour
	criticalAfter = 24 * time.Hour

	DefaultCheckInterval = 15 * time.Minute
)

// State of the secret cache.
type State string

const (
	StateHealthy  State = "healthy"
	StateWarning  State = "warning"
	StateCritical State = "critical"
	StateError    State = "error"
)

// Status is one probe result.
type Status struct {
	State     State         `json:"state"`
	CacheAge  time.Duration `json:"cacheAgeSeconds,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// Monitor probes the cache file on a ticker and raises alerts on the bus.
type Monitor struct {
	path     string
	interval time.Duration
	bus      *events.Bus
	log      zerolog.Logger

	now func() time.Time
}

// New builds a monitor. An empty path means no cache file is configured:
// the provider is assumed live and every probe reports healthy.
func New(path string, interval time.Duration, bus *events.Bus, log zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Monitor{path: path, interval: interval, bus: bus, log: log, now: time.Now}
}

// Check runs one probe. Missing files and I/O errors are non-fatal.
func (m *Monitor) Check() Status {
	st := Status{State: StateHealthy, CheckedAt: m.now().UTC()}
	if m.path == "" {
		st.Detail = "no cache file configured; assuming live provider"
		return st
	}
	fi, err := os.Stat(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		st.Detail = "cache file absent; assuming live provider"
		return st
	}
	if err != nil {
		st.State = StateError
		st.Detail = err.Error()
		return st
	}
	st.CacheAge = m.now().Sub(fi.ModTime())
	switch {
	case st.CacheAge > criticalAfter:
		st.State = StateCritical
		st.Detail = fmt.Sprintf("secret cache is %.1fh old", st.CacheAge.Hours())
	case st.CacheAge > warnAfter:
		st.State = StateWarning
		st.Detail = fmt.Sprintf("secret cache is %.1fh old", st.CacheAge.Hours())
	}
	return st
}

// Run probes until ctx is cancelled, alerting on every unhealthy result.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	m.report(m.Check())
	for {
		select {
		case <-t.C:
			m.report(m.Check())
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) report(st Status) {
	switch st.State {
	case StateHealthy:
		m.log.Debug().Msg("secret cache healthy")
		return
	case StateError:
		m.log.Error().Str("detail", st.Detail).Msg("secret cache probe failed")
	default:
		m.log.Warn().Str("state", string(st.State)).Str("detail", st.Detail).
			Msg("secret cache is stale")
	}
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:     events.AlertHighImpact,
			Severity: string(st.State),
			Payload: map[string]any{
				"component":       "doppler",
				"detail":          st.Detail,
				"cacheAgeSeconds": int64(st.CacheAge.Seconds()),
			},
		})
	}
}
