// Package commands implements the sentinel command line.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
)

// Build metadata, set with -ldflags "-X".
var (
	Version   = "1.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Anomaly detection and circuit breaking for mining pools",
	Long: `Sentinel scores pool telemetry (hashrate, earnings, share rate,
reject rate, latency) with an ensemble of anomaly detectors, classifies the
likely threat and trips per-resource circuit breakers when anomalies pile up.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on error. SIGINT and
// SIGTERM cancel the command context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); defaults and SENTINEL_* environment variables apply when omitted")

	rootCmd.SetVersionTemplate(fmt.Sprintf(`Sentinel {{.Version}}
  Git Commit: %s
  Build Date: %s
  Go Version: %s
  Platform:   %s/%s
`, GitCommit, BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH))
}
