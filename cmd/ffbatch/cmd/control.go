package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/ffbatch/pkg/api"
	"github.com/psantana5/ffbatch/pkg/checkpoint"
	"github.com/psantana5/ffbatch/pkg/config"
	"github.com/psantana5/ffbatch/pkg/models"
	"github.com/psantana5/ffbatch/pkg/orchestrator"
	"github.com/psantana5/ffbatch/pkg/progress"
	"github.com/psantana5/ffbatch/pkg/store"
	ffbtls "github.com/psantana5/ffbatch/pkg/tls"
)

var serverFlag string

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [batch-id]",
	Short: "Show batch status",
	Long: `Show the status of a running batch through its control surface (--server),
or of any batch from its newest checkpoint when a batch id is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause a running batch",
	Args:  cobra.NoArgs,
	RunE:  runAction("pause"),
}

var unpauseCmd = &cobra.Command{
	Use:   "unpause",
	Short: "Resume dispatching in a paused batch",
	Args:  cobra.NoArgs,
	RunE:  runAction("resume"),
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel a running batch after in-flight tasks finish",
	Args:  cobra.NoArgs,
	RunE:  runAction("cancel"),
}

var checkpointNowCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Take a checkpoint of a running batch now",
	Args:  cobra.NoArgs,
	RunE:  runAction("checkpoint"),
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, pauseCmd, unpauseCmd, cancelCmd, checkpointNowCmd} {
		c.Flags().StringVar(&serverFlag, "server", "", "control surface URL (default server.url)")
		rootCmd.AddCommand(c)
	}
}

func newClient() (*api.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	url := serverFlag
	if url == "" {
		url = cfg.Server.URL
	}
	tlsCfg, err := ffbtls.LoadClientTLSConfig("", "", cfg.Server.TLSCA)
	if err != nil {
		return nil, err
	}
	return api.NewClient(url, cfg.Server.Token, tlsCfg), nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 1 && serverFlag == "" {
		return statusFromCheckpoint(args[0])
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	st, err := client.Status(ctx)
	if err != nil {
		return err
	}
	return printOutput(st, func(w io.Writer) { renderStatus(w, st) })
}

// statusFromCheckpoint rebuilds the status view from the newest checkpoint
func statusFromCheckpoint(batchID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rec, err := checkpoint.Load(cfg.Checkpoint.Dir, batchID, checkpoint.Latest, nil)
	if err != nil {
		return err
	}

	counts := rec.BatchState.TaskCounts
	if durable, ok := durableCounts(cfg, batchID); ok {
		// the task store is written on every transition, checkpoints only periodically
		counts = durable
		rec.BatchState.TaskCounts = durable
	}
	snap := progress.Snapshot{
		TotalTasks: len(rec.Tasks),
		Completed:  counts.Completed,
		Failed:     counts.Failed,
		Cancelled:  counts.Cancelled,
		Running:    counts.Running,
		Pending:    counts.Pending,
	}
	for _, t := range rec.Tasks {
		snap.Retries += t.RetryCount
	}
	for _, c := range rec.Credentials {
		snap.PerCredential = append(snap.PerCredential, progress.CredentialStatus{
			ID:            c.ID,
			Label:         c.Label,
			Status:        c.Status,
			Used:          c.RequestsUsed,
			Remaining:     c.EstimatedRemaining,
			Failures:      c.ConsecutiveFailures,
			SuccessRate:   c.SuccessRate(),
			CooldownUntil: c.CooldownUntil,
		})
	}
	info := rec.Info("")
	st := orchestrator.Status{Batch: rec.BatchState, Progress: snap, LastCheckpoint: &info}
	return printOutput(st, func(w io.Writer) { renderStatus(w, &st) })
}

// durableCounts reads per-status counts from the configured task store
func durableCounts(cfg *config.Config, batchID string) (models.TaskCounts, bool) {
	persister, err := store.NewPersister(cfg.StoreConfig())
	if err != nil || persister == nil {
		return models.TaskCounts{}, false
	}
	defer persister.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	counts, err := persister.CountByStatus(ctx, batchID)
	if err != nil || counts.Total() == 0 {
		return models.TaskCounts{}, false
	}
	return counts, true
}

func runAction(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		var resp *api.ActionResponse
		switch action {
		case "pause":
			resp, err = client.Pause(ctx)
		case "resume":
			resp, err = client.Resume(ctx)
		case "cancel":
			resp, err = client.Cancel(ctx)
		case "checkpoint":
			info, err := client.Checkpoint(ctx)
			if err != nil {
				return err
			}
			return printOutput(info, func(w io.Writer) { fmt.Fprintf(w, "Checkpoint %s saved (%d/%d completed)\n", info.CheckpointID, info.Completed, info.TotalTasks) })
		}
		if err != nil {
			return err
		}
		return printOutput(resp, func(w io.Writer) { fmt.Fprintf(w, "Batch %s is now %s\n", resp.BatchID, resp.Status) })
	}
}
