package sim

import (
	"fmt"
	"runtime"
	"time"
)

// PacerConfig configures real-time pacing of logical time.
type PacerConfig struct {
	// Enabled turns pacing on. When false the run proceeds at full speed.
	Enabled bool `yaml:"enabled"`
	// SpeedMultiplier maps wall time to logical time: 1.0 tracks the wall
	// clock, 2.0 runs twice as fast. Must be positive when enabled.
	SpeedMultiplier float64 `yaml:"speed"`
	// MaxCatchup is how far logical time may lag the target before a
	// warning is emitted.
	MaxCatchup time.Duration `yaml:"max_catchup"`
	// MinSleep prevents busy-waiting on very near wake times.
	MinSleep time.Duration `yaml:"min_sleep"`
	// LagWarnInterval rate-limits lag warnings.
	LagWarnInterval time.Duration `yaml:"lag_warn_interval"`
	// StatsInterval is how often periodic throughput stats are emitted.
	// Zero disables them.
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// DefaultPacerConfig paces at real time with 10-second stats.
func DefaultPacerConfig() PacerConfig {
	return PacerConfig{
		Enabled:         true,
		SpeedMultiplier: 1.0,
		MaxCatchup:      100 * time.Millisecond,
		MinSleep:        100 * time.Microsecond,
		LagWarnInterval: 5 * time.Second,
		StatsInterval:   10 * time.Second,
	}
}

// Validate rejects configurations the pacer cannot honor.
func (c PacerConfig) Validate() error {
	if c.Enabled && c.SpeedMultiplier <= 0 {
		return fmt.Errorf("pacer: speed multiplier must be positive, got %v", c.SpeedMultiplier)
	}
	return nil
}

// PeriodicStats is one throughput/memory sample emitted by the pacer.
type PeriodicStats struct {
	SimTime     SimTime
	WallElapsed time.Duration
	// SimToRealRatio is logical seconds per wall second over the whole run.
	SimToRealRatio float64
	TotalEvents    uint64
	// EventRateWall is events per wall-clock second over the last interval.
	EventRateWall float64
	// EventRateSim is events per logical second over the last interval.
	EventRateSim float64
	MemoryBytes  uint64
}

// MemoryHumanReadable formats the memory figure for log lines.
func (s PeriodicStats) MemoryHumanReadable() string {
	b := float64(s.MemoryBytes)
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.2f GB", b/(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.2f MB", b/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.2f KB", b/(1<<10))
	default:
		return fmt.Sprintf("%d B", s.MemoryBytes)
	}
}

// Pacer maps logical time onto the wall clock at a configurable speed. It
// observes the run from the coordinator's control goroutine and never
// participates in event semantics.
type Pacer struct {
	cfg PacerConfig

	startWall time.Time
	startSim  SimTime

	lastLagWarn    time.Time
	totalLagWarns  uint64
	maxDriftMicros int64

	lastStats      time.Time
	lastStatsCount uint64
}

// NewPacer starts pacing from the given logical time.
func NewPacer(cfg PacerConfig, startSim SimTime) *Pacer {
	now := time.Now()
	return &Pacer{
		cfg:         cfg,
		startWall:   now,
		startSim:    startSim,
		lastLagWarn: now,
		lastStats:   now,
	}
}

// Enabled reports whether pacing is active.
func (p *Pacer) Enabled() bool {
	return p.cfg.Enabled
}

// TargetLogicalTime is the logical time the run should have reached by now:
// start_logical + wall_elapsed * speed. Effectively unbounded when pacing is
// disabled.
func (p *Pacer) TargetLogicalTime() SimTime {
	if !p.cfg.Enabled {
		return SimTime(^uint64(0) >> 1)
	}
	elapsed := time.Since(p.startWall)
	scaled := uint64(float64(elapsed.Microseconds()) * p.cfg.SpeedMultiplier)
	return p.startSim.AddMicros(scaled)
}

// DriftMicros is target minus current: positive when the run is lagging,
// negative when it is ahead.
func (p *Pacer) DriftMicros(current SimTime) int64 {
	return p.TargetLogicalTime().DeltaMicros(current)
}

// SleepUntilEvent returns how long to sleep before the next event is due on
// the wall clock. ok is false when the event should be processed
// immediately (already due, or pacing disabled).
func (p *Pacer) SleepUntilEvent(nextEvent SimTime) (time.Duration, bool) {
	if !p.cfg.Enabled {
		return 0, false
	}
	if nextEvent <= p.TargetLogicalTime() {
		return 0, false
	}
	offsetUs := nextEvent.DeltaMicros(p.startSim)
	wallOffset := time.Duration(float64(offsetUs)/p.cfg.SpeedMultiplier) * time.Microsecond
	due := p.startWall.Add(wallOffset)
	d := time.Until(due)
	if d <= 0 {
		return 0, false
	}
	if d < p.cfg.MinSleep {
		d = p.cfg.MinSleep
	}
	return d, true
}

// CheckLagWarning reports the current drift when the run lags beyond
// MaxCatchup and the warning interval has elapsed. At most one warning per
// interval.
func (p *Pacer) CheckLagWarning(current SimTime) (int64, bool) {
	if !p.cfg.Enabled {
		return 0, false
	}
	drift := p.DriftMicros(current)
	if drift > p.maxDriftMicros {
		p.maxDriftMicros = drift
	}
	if drift <= p.cfg.MaxCatchup.Microseconds() {
		return 0, false
	}
	now := time.Now()
	if now.Sub(p.lastLagWarn) < p.cfg.LagWarnInterval {
		return 0, false
	}
	p.lastLagWarn = now
	p.totalLagWarns++
	return drift, true
}

// CheckPeriodicStats returns a throughput sample at most once per
// StatsInterval. Returns ok=false between intervals or when disabled.
func (p *Pacer) CheckPeriodicStats(current SimTime, totalEvents uint64) (PeriodicStats, bool) {
	if p.cfg.StatsInterval <= 0 {
		return PeriodicStats{}, false
	}
	now := time.Now()
	sinceLast := now.Sub(p.lastStats)
	if sinceLast < p.cfg.StatsInterval {
		return PeriodicStats{}, false
	}

	wallElapsed := time.Since(p.startWall)
	simElapsedSec := float64(current.DeltaMicros(p.startSim)) / microsPerSecond
	ratio := 0.0
	if wallElapsed > 0 {
		ratio = simElapsedSec / wallElapsed.Seconds()
	}

	eventsSince := totalEvents - p.lastStatsCount
	rateWall := float64(eventsSince) / sinceLast.Seconds()
	rateSim := 0.0
	if ratio > 0 {
		rateSim = rateWall / ratio
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	p.lastStats = now
	p.lastStatsCount = totalEvents

	return PeriodicStats{
		SimTime:        current,
		WallElapsed:    wallElapsed,
		SimToRealRatio: ratio,
		TotalEvents:    totalEvents,
		EventRateWall:  rateWall,
		EventRateSim:   rateSim,
		MemoryBytes:    mem.HeapInuse + mem.StackInuse,
	}, true
}

// LagWarnings returns how many lag warnings this pacer has issued.
func (p *Pacer) LagWarnings() uint64 {
	return p.totalLagWarns
}

// MaxDriftMicros returns the largest lag observed so far.
func (p *Pacer) MaxDriftMicros() int64 {
	return p.maxDriftMicros
}
