package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	sim "github.com/vortex-sim/vortex-sim/sim"
	"github.com/vortex-sim/vortex-sim/sim/store"
	"github.com/vortex-sim/vortex-sim/sim/trace"
)

var (
	// CLI flags for the run subcommand
	configPath  string // Path to the YAML run configuration
	partitions  int    // Number of partitions the model is split across
	stopAt      uint64 // Cycle at which the stop action fires
	syncPeriod  uint64 // Barrier period in cycles
	logLevel    string // Log verbosity level
	telemetryDB string // SQLite telemetry sink path
	traceOut    string // Dispatch trace output prefix, one JSON file per rank
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "vortex-sim",
	Short: "Parallel discrete-event simulation core",
}

// runCmd drives the built-in ring model using parameters from CLI flags
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the token-ring demo model",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := sim.DefaultConfig()
		if configPath != "" {
			loaded, err := sim.LoadConfig(configPath)
			if err != nil {
				logrus.Fatalf("Unable to read config: %v", err)
			}
			cfg = loaded
		}
		if cmd.Flags().Changed("partitions") {
			cfg.Partitions = partitions
		}
		if cmd.Flags().Changed("stop-at") {
			cfg.StopAt = sim.SimTime(stopAt)
		}
		if cmd.Flags().Changed("sync-period") {
			cfg.SyncPeriod = sim.SimTime(syncPeriod)
		}
		if cmd.Flags().Changed("log") || cfg.LogLevel == "" {
			cfg.LogLevel = logLevel
		}
		if cmd.Flags().Changed("telemetry-db") {
			cfg.TelemetryDB = telemetryDB
		}

		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", cfg.LogLevel)
		}
		logrus.SetLevel(level)

		if cfg.Partitions > 1 && cfg.SyncPeriod == 0 {
			cfg.SyncPeriod = ringLatency
		}
		if cfg.StopAt == 0 {
			cfg.StopAt = 1000
		}

		var st *store.Store
		if cfg.TelemetryDB != "" {
			st, err = store.Open(cfg.TelemetryDB)
			if err != nil {
				logrus.Fatalf("Unable to open telemetry db: %v", err)
			}
			defer st.Close()
		}

		logrus.Infof("Starting run: %d partitions, stop at t=%d, sync period %d",
			cfg.Partitions, cfg.StopAt, cfg.SyncPeriod)

		recorders := make([]*trace.Recorder, cfg.Partitions)
		build := func(s *sim.Simulation) error {
			if st != nil {
				s.SetTelemetry(st)
			}
			if traceOut != "" {
				recorders[s.Rank()] = trace.NewRecorder()
				s.SetTrace(recorders[s.Rank()])
			}
			return buildRing(s)
		}

		if err := sim.RunParallel(cfg, build); err != nil {
			logrus.Fatalf("Run failed: %v", err)
		}

		for rank, rec := range recorders {
			if rec == nil {
				continue
			}
			data, err := rec.CanonicalJSON()
			if err != nil {
				logrus.Fatalf("Unable to encode trace for rank %d: %v", rank, err)
			}
			path := fmt.Sprintf("%s.rank%d.json", traceOut, rank)
			if err := os.WriteFile(path, data, 0o644); err != nil {
				logrus.Fatalf("Unable to write trace %s: %v", path, err)
			}
			logrus.Infof("Wrote %d dispatches to %s", len(rec.Dispatches), path)
		}

		logrus.Info("Run complete.")
	},
}

// ringLatency is the link latency of the demo ring, and therefore also its
// lookahead.
const ringLatency sim.SimTime = 10

// buildRing wires the demo model: one token circulating through every
// partition. Rank r owns the outbound link of ring edge r and the inbound
// link of edge r-1; each handler forwards the token with an incremented hop
// count. A single partition gets a local two-link loop instead.
func buildRing(s *sim.Simulation) error {
	n := s.NumRanks()
	r := s.Rank()

	edgeID := func(from int) sim.LinkID { return sim.LinkID(from + 1) }

	if n == 1 {
		out, back, err := s.ConnectLocal(edgeID(0), edgeID(1), ringLatency, ringLatency)
		if err != nil {
			return err
		}
		if err := back.SetHandler("ring", forwardTo(out)); err != nil {
			return err
		}
		if err := out.SetHandler("loop", forwardTo(back)); err != nil {
			return err
		}
		return out.Send(ringLatency, sim.NewEvent([]byte("hop=0")))
	}

	next := (r + 1) % n
	prev := (r - 1 + n) % n
	out, err := s.CreateLink(edgeID(r), ringLatency, next)
	if err != nil {
		return err
	}
	in, err := s.CreateLink(edgeID(prev), ringLatency, prev)
	if err != nil {
		return err
	}
	if err := in.SetHandler("ring", forwardTo(out)); err != nil {
		return err
	}
	if r == 0 {
		return out.Send(ringLatency, sim.NewEvent([]byte("hop=0")))
	}
	return nil
}

// forwardTo returns a handler that re-sends every received token on out with
// the hop counter bumped.
func forwardTo(out *sim.Link) sim.EventHandler {
	return func(ev *sim.Event) error {
		var hop uint64
		fmt.Sscanf(string(ev.Payload), "hop=%d", &hop)
		return out.Send(ringLatency, sim.NewEvent(fmt.Appendf(nil, "hop=%d", hop+1)))
	}
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML run configuration")
	runCmd.Flags().IntVar(&partitions, "partitions", 1, "Number of partitions")
	runCmd.Flags().Uint64Var(&stopAt, "stop-at", 1000, "Cycle at which the run stops")
	runCmd.Flags().Uint64Var(&syncPeriod, "sync-period", 0, "Barrier period in cycles (defaults to the ring latency)")
	runCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().StringVar(&telemetryDB, "telemetry-db", "", "SQLite telemetry sink path")
	runCmd.Flags().StringVar(&traceOut, "trace", "", "Dispatch trace output prefix, one JSON file per rank")

	rootCmd.AddCommand(runCmd)
}
