package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/ffbatch/pkg/checkpoint"
	"github.com/psantana5/ffbatch/pkg/models"
	"github.com/psantana5/ffbatch/pkg/store"
)

var (
	keepCheckpoints int
	cleanupAge      time.Duration
	cleanupActive   bool
	taskStatus      string
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect and prune checkpoints",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list <batch-id>",
	Short: "List the checkpoints of a batch, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		infos, err := checkpoint.List(cfg.Checkpoint.Dir, args[0])
		if err != nil {
			return err
		}
		return printOutput(infos, func(w io.Writer) { renderCheckpoints(w, infos) })
	},
}

var checkpointsPruneCmd = &cobra.Command{
	Use:   "prune <batch-id>",
	Short: "Delete all but the newest checkpoints of a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		removed, err := checkpoint.Prune(cfg.Checkpoint.Dir, args[0], keepCheckpoints)
		if err != nil {
			return err
		}
		return printOutput(removed, func(w io.Writer) { fmt.Fprintf(w, "Removed %d checkpoints\n", len(removed)) })
	},
}

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "List and clean up batches",
}

var batchesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batches that have checkpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		batches, err := checkpoint.ListBatches(cfg.Checkpoint.Dir)
		if err != nil {
			return err
		}
		return printOutput(batches, func(w io.Writer) { renderBatches(w, batches) })
	},
}

var batchesCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete the checkpoints of old finished batches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		removed, err := checkpoint.PruneBatches(cfg.Checkpoint.Dir, cleanupAge, cleanupActive, time.Now())
		if err != nil {
			return err
		}
		return printOutput(removed, func(w io.Writer) {
			if len(removed) == 0 {
				fmt.Fprintln(w, "Nothing to clean up")
				return
			}
			fmt.Fprintf(w, "Removed %d batches: %s\n", len(removed), strings.Join(removed, ", "))
		})
	},
}

var credentialsCmd = &cobra.Command{
	Use:   "credentials [batch-id]",
	Short: "Show per-credential usage",
	Long: `Show per-credential usage of a running batch (--server) or of a batch's
newest checkpoint. Keys are shown masked when they are still configured.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCredentials,
}

var tasksCmd = &cobra.Command{
	Use:   "tasks <batch-id>",
	Short: "List the tasks of a batch",
	Long: `List the tasks of a batch from the durable task store when one is
configured, otherwise from the newest checkpoint.`,
	Args: cobra.ExactArgs(1),
	RunE: runTasks,
}

func init() {
	checkpointsPruneCmd.Flags().IntVar(&keepCheckpoints, "keep", 5, "checkpoints to keep")
	checkpointsCmd.AddCommand(checkpointsListCmd, checkpointsPruneCmd)

	batchesCleanupCmd.Flags().DurationVar(&cleanupAge, "older-than", 7*24*time.Hour, "minimum age of the newest checkpoint")
	batchesCleanupCmd.Flags().BoolVar(&cleanupActive, "include-unfinished", false, "also delete batches that never finished")
	batchesCmd.AddCommand(batchesListCmd, batchesCleanupCmd)

	credentialsCmd.Flags().StringVar(&serverFlag, "server", "", "control surface URL of a running batch")
	tasksCmd.Flags().StringVar(&taskStatus, "status", "", "only tasks in this status")

	rootCmd.AddCommand(checkpointsCmd, batchesCmd, credentialsCmd, tasksCmd)
}

func runCredentials(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var creds []models.Credential
	switch {
	case serverFlag != "":
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		if creds, err = client.Credentials(ctx); err != nil {
			return err
		}
	case len(args) == 1:
		rec, err := checkpoint.Load(cfg.Checkpoint.Dir, args[0], checkpoint.Latest, nil)
		if err != nil {
			return err
		}
		creds = rec.Credentials
	default:
		return fmt.Errorf("a batch id or --server is required")
	}

	rows := credentialRows(creds, cfg.Credentials.Keys)
	return printOutput(rows, func(w io.Writer) { renderCredentials(w, rows) })
}

func runTasks(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	batchID := args[0]

	var tasks []models.VideoTask
	persister, err := store.NewPersister(cfg.StoreConfig())
	if err != nil {
		return err
	}
	if persister != nil {
		defer persister.Close()
		if tasks, err = persister.LoadTasks(cmd.Context(), batchID); err != nil {
			return err
		}
	}
	if len(tasks) == 0 {
		rec, err := checkpoint.Load(cfg.Checkpoint.Dir, batchID, checkpoint.Latest, nil)
		if err != nil {
			return err
		}
		tasks = rec.Tasks
	}

	if taskStatus != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == taskStatus {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	return printOutput(tasks, func(w io.Writer) { renderTasks(w, tasks) })
}
