package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/meshsim/meshsim/sim"
	"github.com/meshsim/meshsim/sim/bridge"
	"github.com/meshsim/meshsim/sim/monitor"
)

var (
	// CLI flags for run control
	seed         int64   // Seed for topology jitter; printed for reproduction
	durationSecs float64 // Total simulated time (in seconds)
	logLevel     string  // Log verbosity level
	configPath   string  // Topology YAML file; empty uses the built-in 3-node line
	breakAtEvent uint64  // Stop just before event ID N, as printed by watchdog alerts (0 disables)

	// CLI flags for time synchronization
	coalesceThresholdUs uint64 // Wake coalescing threshold (in microseconds)
	noCoalesce          bool   // Disable wake coalescing entirely

	// CLI flags for real-time pacing
	realtime  bool    // Pace logical time against the wall clock
	speed     float64 // Speed multiplier when pacing (1.0 = real time)
	statsSecs float64 // Periodic stats interval when pacing (in seconds)

	// CLI flags for supervision and external surfaces
	watchdogTimeout time.Duration // Alert when one event runs longer than this
	uartBasePort    int           // Base TCP port for serial bridges (0 disables)
	monitorAddr     string        // HTTP listen address for live stats (empty disables)
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "meshsim",
	Short: "Discrete-event simulator for radio mesh networks",
}

// runCmd executes the simulation using parameters from CLI flags
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the mesh simulation",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		topo := DefaultTopology()
		if configPath != "" {
			topo, err = LoadTopology(configPath)
			if err != nil {
				logrus.Fatalf("Could not load topology: %v", err)
			}
		}

		// Flag overrides on top of the topology file
		if cmd.Flags().Changed("coalesce-threshold-us") {
			topo.Coalesce = sim.CoalesceConfig{Enabled: true, ThresholdMicros: coalesceThresholdUs}
		}
		if noCoalesce {
			topo.Coalesce.Enabled = false
		}
		if realtime {
			topo.Pacer.Enabled = true
		}
		if cmd.Flags().Changed("speed") {
			topo.Pacer.SpeedMultiplier = speed
		}
		if cmd.Flags().Changed("stats-interval") {
			topo.Pacer.StatsInterval = time.Duration(statsSecs * float64(time.Second))
		}
		if err := topo.Pacer.Validate(); err != nil {
			logrus.Fatalf("Invalid pacing configuration: %v", err)
		}

		medium := sim.NewLineOfSightMedium(topo.Medium)
		coord, err := sim.NewCoordinator(sim.CoordinatorConfig{
			Seed:         seed,
			Coalesce:     topo.Coalesce,
			BreakAtEvent: breakAtEvent,
		}, medium)
		if err != nil {
			logrus.Fatalf("Could not create coordinator: %v", err)
		}

		tracker := sim.NewPacketTracker()
		coord.AddObserver(tracker)

		rng := sim.NewRNG(seed)
		for i, spec := range topo.Nodes {
			fwID, radioID := EntityIDs(i)
			medium.AddRadio(sim.RadioSite{ID: radioID, X: spec.X, Y: spec.Y, GainDB: spec.GainDB})

			period := sim.FromMillis(spec.BeaconIntervalMs)
			fw := sim.NewBeaconFirmware(spec.Name, period, topo.Radio)
			// De-phase the beacons so a zero-jitter topology does not put
			// every transmission into the same collision window.
			firstBeacon := sim.FromMicros(period.Micros() + rng.Uint64n(period.Micros()))
			fw.SetFirstBeacon(firstBeacon)

			port := spec.UARTPort
			if port == 0 && uartBasePort > 0 {
				port = uartBasePort + i
			}
			nodeCfg := sim.NodeConfig{
				Name:       spec.Name,
				FirmwareID: fwID,
				RadioID:    radioID,
				UARTPort:   port,
				Tracing:    spec.Tracing,
			}
			if err := coord.AddNode(nodeCfg, fw); err != nil {
				logrus.Fatalf("Could not add node %s: %v", spec.Name, err)
			}
			// Seed the firmware's first wake; without it the node never runs.
			if err := coord.Schedule(spec.Name, firstBeacon, sim.TimerPayload{TimerID: sim.TimerFirmwareWake}); err != nil {
				logrus.Fatalf("Could not schedule first wake for %s: %v", spec.Name, err)
			}
		}

		// Serial bridges, one TCP endpoint per node that asked for one
		br := bridge.New(coord)
		defer br.Close()
		anyBridge := false
		for i, spec := range topo.Nodes {
			port := spec.UARTPort
			if port == 0 && uartBasePort > 0 {
				port = uartBasePort + i
			}
			if port == 0 {
				continue
			}
			if err := br.Listen(spec.Name, port); err != nil {
				logrus.Fatalf("Could not open serial bridge: %v", err)
			}
			anyBridge = true
		}
		if anyBridge {
			coord.SetSerialSink(br)
		}

		if monitorAddr != "" {
			mon := monitor.New(coord, time.Second)
			if err := mon.Start(monitorAddr); err != nil {
				logrus.Fatalf("Could not start monitor: %v", err)
			}
			defer mon.Close()
		}

		if topo.Pacer.Enabled {
			coord.SetPacer(sim.NewPacer(topo.Pacer, 0))
		}

		wd := sim.NewWatchdog(sim.WatchdogConfig{
			Timeout: watchdogTimeout,
			Seed:    seed,
			RunID:   coord.Stats().RunID,
		}, coord.Board(), coord.Names())
		defer wd.Stop()

		// A signal stops the run at the next round boundary so the final
		// statistics still come out.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			s := <-sigCh
			logrus.Warnf("Received %s, stopping", s)
			coord.RequestStop()
		}()

		duration := sim.FromSeconds(durationSecs)
		logrus.Infof("Starting simulation: %d nodes, duration=%s, seed=%d, run_id=%s",
			coord.NodeCount(), duration, seed, coord.Stats().RunID)

		startTime := time.Now()
		runErr := coord.Run(duration)
		if sderr := coord.Shutdown(); sderr != nil {
			logrus.Warnf("Shutdown: %v", sderr)
		}
		if runErr != nil {
			logrus.Fatalf("Simulation failed: %v", runErr)
		}
		if coord.BreakReached() {
			logrus.Warnf("Stopped at breakpoint --break-at-event %d", breakAtEvent)
		}

		stats := coord.Stats()
		tracker.LogSummary(coord.Names())
		logrus.Infof("Processed %d events in %d rounds (%d air, %d delivered, %d collided) covering %s in %s",
			stats.EventsProcessed, stats.Rounds, stats.AirEventsRouted,
			stats.PacketsDelivered, stats.PacketsCollided,
			stats.SimTime, time.Since(startTime).Round(time.Millisecond))

		logrus.Info("Simulation complete.")
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	runCmd.Flags().Int64Var(&seed, "seed", 42, "Seed for topology jitter")
	runCmd.Flags().Float64Var(&durationSecs, "duration", 60, "Simulated duration in seconds")
	runCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().StringVar(&configPath, "config", "", "Topology YAML file (default: built-in 3-node line)")
	runCmd.Flags().Uint64Var(&breakAtEvent, "break-at-event", 0, "Stop just before the event with this ID, as printed by watchdog alerts (0 disables)")

	// Time synchronization
	runCmd.Flags().Uint64Var(&coalesceThresholdUs, "coalesce-threshold-us", sim.DefaultCoalesceThresholdMicros,
		"Wake coalescing threshold in microseconds")
	runCmd.Flags().BoolVar(&noCoalesce, "no-coalesce", false, "Disable wake coalescing")

	// Real-time pacing
	runCmd.Flags().BoolVar(&realtime, "realtime", false, "Pace logical time against the wall clock")
	runCmd.Flags().Float64Var(&speed, "speed", 1.0, "Speed multiplier when pacing")
	runCmd.Flags().Float64Var(&statsSecs, "stats-interval", 10, "Periodic stats interval in seconds when pacing")

	// Supervision and external surfaces
	runCmd.Flags().DurationVar(&watchdogTimeout, "watchdog-timeout", sim.DefaultWatchdogTimeout,
		"Alert when a single event runs longer than this")
	runCmd.Flags().IntVar(&uartBasePort, "uart-base-port", 0, "Base TCP port for per-node serial bridges (0 disables)")
	runCmd.Flags().StringVar(&monitorAddr, "monitor-addr", "", "HTTP listen address for live stats (empty disables)")

	// Attach `run` as a subcommand to `root`
	rootCmd.AddCommand(runCmd)
}
