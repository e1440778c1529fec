package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/psantana5/ffbatch/pkg/fsutil"
	"github.com/psantana5/ffbatch/pkg/logging"
	"github.com/psantana5/ffbatch/pkg/models"
)

const (
	filePrefix = "checkpoint-"
	fileSuffix = ".json"
	// Latest selects the newest valid checkpoint
	Latest = "latest"
)

var (
	// ErrNoCheckpoint is returned when a batch has no usable checkpoint
	ErrNoCheckpoint = errors.New("no checkpoint found")
	// ErrChecksumMismatch is returned for a checkpoint whose payload was altered
	ErrChecksumMismatch = errors.New("checkpoint checksum mismatch")
)

// BatchInfo summarises one batch directory
type BatchInfo struct {
	BatchID     string                 `json:"batch_id"`
	Checkpoints int                    `json:"checkpoints"`
	Latest      *models.CheckpointInfo `json:"latest,omitempty"`
	Dir         string                 `json:"dir"`
}

// Checksum computes the SHA-256 of a record with its checksum field cleared
func Checksum(rec *models.CheckpointRecord) (string, error) {
	c := *rec
	c.Checksum = ""
	data, err := json.Marshal(&c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// fileName sorts lexically in creation order
func fileName(ts time.Time, id string) string {
	return fmt.Sprintf("%s%s-%s%s", filePrefix, ts.UTC().Format("20060102T150405.000000000Z"), id, fileSuffix)
}

// BatchDir returns the directory holding a batch's checkpoints
func BatchDir(dir, batchID string) string {
	return filepath.Join(dir, batchID)
}

// checkpointFiles returns checkpoint paths of a batch, newest first
func checkpointFiles(dir, batchID string) ([]string, error) {
	entries, err := os.ReadDir(BatchDir(dir, batchID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		files = append(files, filepath.Join(BatchDir(dir, batchID), name))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	return files, nil
}

func writeRecord(dir string, rec *models.CheckpointRecord) (string, error) {
	sum, err := Checksum(rec)
	if err != nil {
		return "", fmt.Errorf("checksum checkpoint: %w", err)
	}
	rec.Checksum = sum
	path := filepath.Join(BatchDir(dir, rec.BatchID), fileName(rec.Timestamp, rec.CheckpointID))
	if err := fsutil.WriteJSONAtomic(path, rec); err != nil {
		return "", err
	}
	return path, nil
}

func readRecord(path string) (*models.CheckpointRecord, error) {
	var rec models.CheckpointRecord
	if err := fsutil.ReadJSON(path, &rec); err != nil {
		return nil, err
	}
	sum, err := Checksum(&rec)
	if err != nil {
		return nil, err
	}
	if rec.Checksum != sum {
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, path)
	}
	return &rec, nil
}

// Load reads a checkpoint of a batch. checkpointID may be Latest (or empty),
// in which case corrupt files are skipped and the newest valid one is used.
// Tasks that were running when it was taken come back as pending.
func Load(dir, batchID, checkpointID string, logger *logging.Logger) (*models.CheckpointRecord, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	files, err := checkpointFiles(dir, batchID)
	if err != nil {
		return nil, err
	}

	var rec *models.CheckpointRecord
	if checkpointID == "" || checkpointID == Latest {
		for _, f := range files {
			r, err := readRecord(f)
			if err != nil {
				logger.Warn("Skipping unreadable checkpoint", logging.Fields{"path": f, "error": err.Error()})
				continue
			}
			rec = r
			break
		}
	} else {
		for _, f := range files {
			if strings.HasSuffix(f, "-"+checkpointID+fileSuffix) {
				r, err := readRecord(f)
				if err != nil {
					return nil, err
				}
				rec = r
				break
			}
		}
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: batch %s checkpoint %s", ErrNoCheckpoint, batchID, checkpointID)
	}

	for i := range rec.Tasks {
		t := &rec.Tasks[i]
		if t.Status == models.TaskStatusRunning {
			t.Status = models.TaskStatusPending
			t.AssignedCredential = ""
			t.StartedAt = nil
		}
	}
	rec.BatchState.TaskCounts = models.TaskCounts{}
	for _, t := range rec.Tasks {
		rec.BatchState.TaskCounts.Add(t.Status)
	}
	return rec, nil
}

// List returns the checkpoints of a batch, newest first. Unreadable files
// are listed with an empty checkpoint ID.
func List(dir, batchID string) ([]models.CheckpointInfo, error) {
	files, err := checkpointFiles(dir, batchID)
	if err != nil {
		return nil, err
	}
	out := make([]models.CheckpointInfo, 0, len(files))
	for _, f := range files {
		info := models.CheckpointInfo{BatchID: batchID, Path: f}
		if rec, err := readRecord(f); err == nil {
			info = rec.Info(f)
		}
		if st, err := os.Stat(f); err == nil {
			info.SizeBytes = st.Size()
		}
		out = append(out, info)
	}
	return out, nil
}

// ListBatches returns every batch with at least one checkpoint
func ListBatches(dir string) ([]BatchInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []BatchInfo{}, nil
		}
		return nil, fmt.Errorf("read checkpoint root %s: %w", dir, err)
	}

	var out []BatchInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		infos, err := List(dir, e.Name())
		if err != nil || len(infos) == 0 {
			continue
		}
		b := BatchInfo{BatchID: e.Name(), Checkpoints: len(infos), Dir: BatchDir(dir, e.Name())}
		for i := range infos {
			if infos[i].CheckpointID != "" {
				latest := infos[i]
				b.Latest = &latest
				break
			}
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchID > out[j].BatchID })
	return out, nil
}

// Prune removes all but the newest keep checkpoints of a batch
func Prune(dir, batchID string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	files, err := checkpointFiles(dir, batchID)
	if err != nil {
		return nil, err
	}
	var removed []string
	for i := keep; i < len(files); i++ {
		if err := os.Remove(files[i]); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove checkpoint %s: %w", files[i], err)
		}
		removed = append(removed, files[i])
	}
	return removed, nil
}

// PruneBatches deletes batch directories whose newest checkpoint is older
// than maxAge. Batches that have not finished are kept unless includeActive.
func PruneBatches(dir string, maxAge time.Duration, includeActive bool, now time.Time) ([]string, error) {
	batches, err := ListBatches(dir)
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-maxAge)
	var removed []string
	for _, b := range batches {
		if b.Latest == nil || b.Latest.Timestamp.After(cutoff) {
			continue
		}
		if !includeActive && !models.IsTerminalBatch(b.Latest.Status) {
			continue
		}
		if err := os.RemoveAll(b.Dir); err != nil {
			return removed, fmt.Errorf("remove batch %s: %w", b.BatchID, err)
		}
		removed = append(removed, b.BatchID)
	}
	return removed, nil
}
