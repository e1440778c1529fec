package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/ffbatch/pkg/checkpoint"
	"github.com/psantana5/ffbatch/pkg/models"
	"github.com/psantana5/ffbatch/pkg/orchestrator"
)

var stdout io.Writer = os.Stdout

// printOutput writes v in the selected format, calling table for the
// default human readable form
func printOutput(v interface{}, table func(w io.Writer)) error {
	switch strings.ToLower(outputFormat) {
	case "", "table":
		table(stdout)
		return nil
	case "json":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "yml":
		// Round trip through JSON so YAML keys follow the json tags.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", outputFormat)
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}

func renderStatus(w io.Writer, st *orchestrator.Status) {
	b := st.Batch
	p := st.Progress

	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")
	table.Append("Batch", b.BatchID)
	table.Append("Status", string(b.Status))
	table.Append("Progress", fmt.Sprintf("%d/%d (%.1f%%)", p.Completed+p.Failed+p.Cancelled, p.TotalTasks, p.PercentComplete()))
	table.Append("Completed", fmt.Sprintf("%d", p.Completed))
	table.Append("Failed", fmt.Sprintf("%d", p.Failed))
	table.Append("Cancelled", fmt.Sprintf("%d", p.Cancelled))
	table.Append("Running", fmt.Sprintf("%d", p.Running))
	table.Append("Pending", fmt.Sprintf("%d", p.Pending))
	table.Append("Retries", fmt.Sprintf("%d", p.Retries))
	table.Append("Workers", fmt.Sprintf("%d", b.WorkerCount))
	table.Append("Throughput", fmt.Sprintf("%.2f/min", p.ThroughputPerMinute))
	eta := "unknown"
	if p.ETAKnown {
		eta = formatDuration(p.ETA)
	}
	table.Append("ETA", eta)
	table.Append("Elapsed", formatDuration(p.Elapsed))
	table.Append("Started", formatTime(&b.StartedAt))
	if b.CompletedAt != nil {
		table.Append("Finished", formatTime(b.CompletedAt))
	}
	if b.Stalled {
		table.Append("Stalled", fmt.Sprintf("%s (next credential at %s)", b.StallReason, formatTime(st.NextEligibleAt)))
	}
	if b.FatalError != "" {
		table.Append("Fatal error", b.FatalError)
	}
	if h := st.Health; h.PersistFailures > 0 || h.CheckpointFailures > 0 || h.IgnoredTransitions > 0 {
		table.Append("Warnings", fmt.Sprintf("%d task store write failures, %d checkpoint failures, %d ignored transitions",
			h.PersistFailures, h.CheckpointFailures, h.IgnoredTransitions))
	}
	if st.LastCheckpoint != nil {
		table.Append("Last checkpoint", fmt.Sprintf("%s (%s)", formatTime(&st.LastCheckpoint.Timestamp), st.LastCheckpoint.Reason))
	}
	table.Render()

	if len(p.PerCredential) > 0 {
		fmt.Fprintln(w)
		ct := tablewriter.NewWriter(w)
		ct.Header("Credential", "Label", "Status", "Used", "Remaining", "Failures", "Success", "Cooldown Until")
		for _, c := range p.PerCredential {
			remaining := "?"
			if c.Remaining >= 0 {
				remaining = fmt.Sprintf("%d", c.Remaining)
			}
			ct.Append(c.ID, c.Label, string(c.Status), fmt.Sprintf("%d", c.Used), remaining,
				fmt.Sprintf("%d", c.Failures), fmt.Sprintf("%.0f%%", c.SuccessRate), formatTime(c.CooldownUntil))
		}
		ct.Render()
	}
}

// credentialRow is the report line of one credential. Key is masked.
type credentialRow struct {
	models.Credential
	Key         string  `json:"key,omitempty"`
	SuccessRate float64 `json:"success_rate"`
}

func credentialRows(creds []models.Credential, secrets []string) []credentialRow {
	masked := make(map[string]string, len(secrets))
	for _, s := range secrets {
		masked[models.Fingerprint(s)] = models.Mask(s)
	}
	rows := make([]credentialRow, 0, len(creds))
	for _, c := range creds {
		rows = append(rows, credentialRow{Credential: c, Key: masked[c.ID], SuccessRate: c.SuccessRate()})
	}
	return rows
}

func renderCredentials(w io.Writer, rows []credentialRow) {
	table := tablewriter.NewWriter(w)
	table.Header("Label", "Key", "Status", "Requests", "OK", "Failed", "Quota Hits", "Success", "Last Used", "Cooldown Until")
	for _, r := range rows {
		key := r.Key
		if key == "" {
			key = r.ID
		}
		table.Append(r.Label, key, string(r.Status),
			fmt.Sprintf("%d", r.RequestsUsed),
			fmt.Sprintf("%d", r.SuccessfulRequests),
			fmt.Sprintf("%d", r.FailedRequests),
			fmt.Sprintf("%d", r.QuotaExhaustedCount),
			fmt.Sprintf("%.1f%%", r.SuccessRate),
			formatTime(r.LastUsedAt),
			formatTime(r.CooldownUntil))
	}
	table.Render()
}

func renderCheckpoints(w io.Writer, infos []models.CheckpointInfo) {
	table := tablewriter.NewWriter(w)
	table.Header("Checkpoint", "Time", "Reason", "Status", "Completed", "Size")
	for _, i := range infos {
		id := i.CheckpointID
		if id == "" {
			id = "(unreadable)"
		}
		table.Append(id, formatTime(&i.Timestamp), string(i.Reason), string(i.Status),
			fmt.Sprintf("%d/%d", i.Completed, i.TotalTasks), fmt.Sprintf("%d", i.SizeBytes))
	}
	table.Render()
}

func renderBatches(w io.Writer, batches []checkpoint.BatchInfo) {
	table := tablewriter.NewWriter(w)
	table.Header("Batch", "Status", "Completed", "Checkpoints", "Last Checkpoint")
	for _, b := range batches {
		status, completed, last := "-", "-", "-"
		if b.Latest != nil {
			status = string(b.Latest.Status)
			completed = fmt.Sprintf("%d/%d", b.Latest.Completed, b.Latest.TotalTasks)
			last = formatTime(&b.Latest.Timestamp)
		}
		table.Append(b.BatchID, status, completed, fmt.Sprintf("%d", b.Checkpoints), last)
	}
	table.Render()
}

func renderTasks(w io.Writer, tasks []models.VideoTask) {
	table := tablewriter.NewWriter(w)
	table.Header("Task", "Status", "Retries", "Credential", "Source", "Error")
	for _, t := range tasks {
		errMsg := ""
		if t.LastError != nil {
			errMsg = fmt.Sprintf("%s: %s", t.LastError.Kind, truncate(t.LastError.Message, 60))
		}
		table.Append(t.TaskID, string(t.Status), fmt.Sprintf("%d", t.RetryCount), t.AssignedCredential, t.SourcePath, errMsg)
	}
	table.Render()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func renderSpecs(w io.Writer, specs []models.TaskSpec) {
	table := tablewriter.NewWriter(w)
	table.Header("#", "Source", "Output", "Priority")
	for i, s := range specs {
		table.Append(fmt.Sprintf("%d", i+1), s.SourcePath, s.OutputTarget, fmt.Sprintf("%d", s.Priority))
	}
	table.Render()
	fmt.Fprintf(w, "\n%d tasks\n", len(specs))
}
