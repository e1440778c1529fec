package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/ffbatch/pkg/checkpoint"
	"github.com/psantana5/ffbatch/pkg/config"
	"github.com/psantana5/ffbatch/pkg/manifest"
	"github.com/psantana5/ffbatch/pkg/models"
)

var (
	inputDir         string
	outputDir        string
	recursive        bool
	progressInterval time.Duration
	resumeCheckpoint string
	dryRun           bool
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run [manifest]",
	Short: "Run a new batch",
	Long: `Run a new batch from a YAML/JSON manifest or from every supported video in
--input-dir. Credentials come from credentials.keys or FFBATCH_API_KEYS.

The first Ctrl+C pauses the batch, waits for in-flight tasks and takes a
checkpoint; the batch can then be continued with "ffbatch resume".`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

// resumeCmd represents the resume command
var resumeCmd = &cobra.Command{
	Use:   "resume <batch-id>",
	Short: "Resume a batch from its checkpoint",
	Long:  `Resume an interrupted batch from its newest valid checkpoint (or --checkpoint). Completed tasks are never run again.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)

	for _, c := range []*cobra.Command{runCmd, resumeCmd} {
		c.Flags().Int("workers", 0, "maximum concurrent workers (default from config)")
		c.Flags().String("listen", "", "serve the control surface on this address, e.g. :8090")
		c.Flags().String("command", "", "analysis command to run per video (default from config)")
		c.Flags().DurationVar(&progressInterval, "progress-interval", 15*time.Second, "how often to log progress, 0 disables")
		c.PreRun = bindBatchFlags
	}

	runCmd.Flags().StringVar(&inputDir, "input-dir", "", "scan this directory for videos instead of reading a manifest")
	runCmd.Flags().StringVar(&outputDir, "output-dir", "", "where reports are written when scanning (default next to each video)")
	runCmd.Flags().BoolVar(&recursive, "recursive", false, "scan --input-dir recursively")
	runCmd.Flags().Bool("skip-existing", true, "complete tasks whose report already exists without running them")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "list the tasks and exit")
	bindFlag(runCmd, "batch.skip_existing", "skip-existing")

	resumeCmd.Flags().StringVar(&resumeCheckpoint, "checkpoint", checkpoint.Latest, "checkpoint id to resume from")
}

// bindBatchFlags binds the flags run and resume share. Viper holds one flag
// per key, so the binding happens for the command that is executing.
func bindBatchFlags(cmd *cobra.Command, args []string) {
	bindFlag(cmd, "batch.max_workers", "workers")
	bindFlag(cmd, "server.listen", "listen")
	bindFlag(cmd, "executor.command", "command")
}

func runnableConfig() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireRunnable(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadSpecs(cfg *config.Config, args []string) ([]models.TaskSpec, error) {
	switch {
	case len(args) == 1 && inputDir != "":
		return nil, errors.New("give either a manifest or --input-dir, not both")
	case len(args) == 1:
		return manifest.Load(args[0])
	case inputDir != "":
		return manifest.Scan(inputDir, cfg.ScanOptions(outputDir, recursive))
	default:
		return nil, errors.New("a manifest or --input-dir is required")
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	specs, err := loadSpecs(cfg, args)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		fmt.Fprintln(os.Stderr, "No videos to process")
		return nil
	}
	if dryRun {
		return printOutput(specs, func(w io.Writer) { renderSpecs(w, specs) })
	}
	if err := cfg.RequireRunnable(); err != nil {
		return err
	}

	rt, err := newRuntime(cfg, progressInterval)
	if err != nil {
		return err
	}
	batchID, err := rt.orch.Start(cmd.Context(), specs, cfg.Credentials.Keys)
	if err != nil {
		rt.shutdown.Shutdown()
		return err
	}
	fmt.Fprintf(os.Stderr, "Batch %s started: %d tasks, %d credentials\n", batchID, len(specs), len(cfg.Credentials.Keys))
	return rt.wait(cmd.Context())
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := runnableConfig()
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg, progressInterval)
	if err != nil {
		return err
	}
	batchID := args[0]
	if err := rt.orch.Restore(cmd.Context(), batchID, resumeCheckpoint, cfg.Credentials.Keys); err != nil {
		rt.shutdown.Shutdown()
		return err
	}
	st := rt.orch.Status()
	fmt.Fprintf(os.Stderr, "Batch %s resumed: %d of %d tasks already done\n",
		batchID, st.Batch.Completed+st.Batch.Failed+st.Batch.Cancelled, st.Batch.TotalTasks)
	return rt.wait(cmd.Context())
}
