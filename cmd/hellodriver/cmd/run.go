package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/jobdriver/internal/config"
	"github.com/psantana5/jobdriver/pkg/logging"
	"github.com/psantana5/jobdriver/pkg/runtime"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the hello job and serve the HTTP bridge",
	Long: `Launches the hello job on the local runtime with the configured thread
pool, serves GET /status and POST /command until the job stops, and exits with
the launcher status: 0 completed, 1 failed, 2 timed out.`,
	RunE: runDriver,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("driver-id", "", "driver identifier (default HelloREEF)")
	runCmd.Flags().Int64("job-timeout-ms", 0, "job timeout in milliseconds (default 300000)")
	runCmd.Flags().Int("threads", 0, "local runtime thread pool size (default 3)")
	runCmd.Flags().String("addr", "", "HTTP listen address (default :8080)")

	bindFlag("driver.id", "driver-id")
	bindFlag("driver.job_timeout_ms", "job-timeout-ms")
	bindFlag("runtime.threads", "threads")
	bindFlag("http.addr", "addr")
}

// bindFlag makes a run flag override key only when it is set on the
// command line
func bindFlag(key, flag string) {
	viper.BindPFlag(key, runCmd.Flags().Lookup(flag))
}

func runDriver(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	logger.Info("Starting driver", logging.Fields{
		"driver_id":      cfg.Driver.ID,
		"job_timeout_ms": cfg.Driver.JobTimeoutMS,
		"threads":        cfg.Runtime.Threads,
		"journal":        cfg.Journal.Type,
	})

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	status, err := a.Run(ctx)
	logger.Info("Driver finished", logging.Fields{"status": status.String()})
	if status != runtime.StatusCompleted {
		return &ExitError{Code: status.ExitCode(), Err: err}
	}
	return nil
}

func newLogger(cfg config.LogConfig) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Level)
	if cfg.Dir == "" {
		return logging.NewLogger(level, cfg.JSON), nil
	}
	logger, err := logging.NewFileLogger(cfg.Dir, "hellodriver", level, cfg.JSON)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return logger, nil
}
