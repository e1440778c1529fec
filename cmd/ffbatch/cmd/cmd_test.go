package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/ffbatch/pkg/config"
	"github.com/psantana5/ffbatch/pkg/models"
	"github.com/psantana5/ffbatch/pkg/store"
)

func captureOutput(t *testing.T, format string) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	prevOut, prevFormat := stdout, outputFormat
	stdout, outputFormat = buf, format
	t.Cleanup(func() { stdout, outputFormat = prevOut, prevFormat })
	return buf
}

func TestPrintOutput(t *testing.T) {
	value := models.CheckpointInfo{CheckpointID: "cp-1", BatchID: "batch-1", Completed: 2, TotalTasks: 5}

	t.Run("json", func(t *testing.T) {
		buf := captureOutput(t, "json")
		require.NoError(t, printOutput(value, func(io.Writer) { t.Fatal("table used") }))
		var got models.CheckpointInfo
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, "cp-1", got.CheckpointID)
	})

	t.Run("yaml uses json names", func(t *testing.T) {
		buf := captureOutput(t, "yaml")
		require.NoError(t, printOutput(value, func(io.Writer) { t.Fatal("table used") }))
		var got map[string]interface{}
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, "batch-1", got["batch_id"])
		assert.Equal(t, 5, got["total_tasks"])
	})

	t.Run("table", func(t *testing.T) {
		buf := captureOutput(t, "table")
		require.NoError(t, printOutput(value, func(w io.Writer) { renderCheckpoints(w, []models.CheckpointInfo{value}) }))
		assert.Contains(t, buf.String(), "cp-1")
		assert.Contains(t, buf.String(), "2/5")
	})

	t.Run("unknown", func(t *testing.T) {
		captureOutput(t, "xml")
		assert.Error(t, printOutput(value, func(io.Writer) {}))
	})
}

func TestCredentialRowsMaskKeys(t *testing.T) {
	secret := "sk-live-0123456789abcdef"
	creds := []models.Credential{
		{ID: models.Fingerprint(secret), Label: "key-1", SuccessfulRequests: 3, FailedRequests: 1},
		{ID: "cred-ffffffffffff", Label: "key-2"},
	}
	rows := credentialRows(creds, []string{secret})
	require.Len(t, rows, 2)
	assert.Equal(t, "sk-l...cdef", rows[0].Key)
	assert.InDelta(t, 75.0, rows[0].SuccessRate, 0.001)
	assert.Empty(t, rows[1].Key, "keys no longer configured stay unknown")

	buf := captureOutput(t, "json")
	require.NoError(t, printOutput(rows, func(io.Writer) {}))
	assert.NotContains(t, buf.String(), secret)
}

func TestLoadSpecs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "talk.mp4"), []byte("video"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("text"), 0o644))

	cfg, err := config.Load(config.NewViper())
	require.NoError(t, err)

	prevInput := inputDir
	t.Cleanup(func() { inputDir = prevInput })

	inputDir = ""
	_, err = loadSpecs(cfg, nil)
	assert.Error(t, err)

	inputDir = dir
	_, err = loadSpecs(cfg, []string{"manifest.yaml"})
	assert.Error(t, err)

	specs, err := loadSpecs(cfg, nil)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, filepath.Join(dir, "talk.mp4"), specs[0].SourcePath)
	assert.Equal(t, filepath.Join(dir, "talk_lesson_plan.md"), specs[0].OutputTarget)
}

func TestExitError(t *testing.T) {
	var err error = &exitError{code: ExitInterrupted}
	assert.Equal(t, "exit status 130", err.Error())

	wrapped := &exitError{code: ExitBatchFailed, err: errors.New("boom")}
	var ee *exitError
	require.True(t, errors.As(error(wrapped), &ee))
	assert.Equal(t, ExitBatchFailed, ee.code)
	assert.Equal(t, "boom", ee.Error())
}

func TestDurableCounts(t *testing.T) {
	cfg := &config.Config{}
	_, ok := durableCounts(cfg, "batch-1")
	assert.False(t, ok, "memory store has nothing durable")

	cfg.Store = config.StoreConfig{Type: "sqlite", Path: filepath.Join(t.TempDir(), "tasks.db")}
	p, err := store.NewPersister(cfg.StoreConfig())
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, p.SaveTasks(context.Background(), []models.VideoTask{
		{TaskID: "a", BatchID: "batch-1", Status: models.TaskStatusCompleted, Version: 3, CreatedAt: now},
		{TaskID: "b", BatchID: "batch-1", Status: models.TaskStatusPending, Version: 1, CreatedAt: now},
	}))
	require.NoError(t, p.Close())

	counts, ok := durableCounts(cfg, "batch-1")
	require.True(t, ok)
	assert.Equal(t, models.TaskCounts{Completed: 1, Pending: 1}, counts)

	_, ok = durableCounts(cfg, "batch-2")
	assert.False(t, ok)
}
