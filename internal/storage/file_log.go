package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eddiefleurent/straddle_bot/internal/models"
)

type fileRecord struct {
	InstanceID string                `json:"instance_id"`
	Version    int64                 `json:"version"`
	Status     models.StrategyStatus `json:"status"`
	Payload    json.RawMessage       `json:"payload"`
	RecordedAt time.Time             `json:"recorded_at"`
}

type fileData struct {
	Records     []fileRecord `json:"records"`
	LastUpdated time.Time    `json:"last_updated"`
}

// FileLog keeps the snapshot history in a single JSON file, rewritten
// atomically on every append. The file is re-read before every access so that
// several processes (a running monitor and a control-plane command) can share
// it; appends hold an exclusive lock on a sidecar file. Suited to paper mode
// and single-host runs.
type FileLog struct {
	mu       sync.Mutex
	filepath string
	data     fileData
	// latest indexes Records by instance id.
	latest map[string]int
}

// NewFileLog opens or creates the log at path.
func NewFileLog(path string) (*FileLog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
	}
	l := &FileLog{filepath: path}
	if err := l.reloadLocked(); err != nil {
		return nil, err
	}
	return l, nil
}

// reloadLocked replaces the in-memory copy with the file's current content.
func (l *FileLog) reloadLocked() error {
	var data fileData
	raw, err := os.ReadFile(l.filepath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return fmt.Errorf("reading log: %w", err)
	default:
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("parsing log %s: %w", l.filepath, err)
		}
	}
	latest := make(map[string]int, len(data.Records))
	for i, r := range data.Records {
		if j, ok := latest[r.InstanceID]; !ok || data.Records[j].Version < r.Version {
			latest[r.InstanceID] = i
		}
	}
	l.data = data
	l.latest = latest
	return nil
}

func (l *FileLog) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	unlock, err := lockFile(l.filepath + ".lock")
	if err != nil {
		return fmt.Errorf("locking log: %w", err)
	}
	defer unlock()

	if err := l.reloadLocked(); err != nil {
		return err
	}
	if i, ok := l.latest[rec.InstanceID]; ok && l.data.Records[i].Version >= rec.Version {
		return fmt.Errorf("%w: %s v%d", ErrVersionConflict, rec.InstanceID, rec.Version)
	}
	l.data.Records = append(l.data.Records, fileRecord{
		InstanceID: rec.InstanceID,
		Version:    rec.Version,
		Status:     rec.Status,
		Payload:    json.RawMessage(rec.Payload),
		RecordedAt: rec.RecordedAt,
	})
	prev, hadPrev := l.latest[rec.InstanceID]
	l.latest[rec.InstanceID] = len(l.data.Records) - 1

	if err := l.writeLocked(); err != nil {
		l.data.Records = l.data.Records[:len(l.data.Records)-1]
		if hadPrev {
			l.latest[rec.InstanceID] = prev
		} else {
			delete(l.latest, rec.InstanceID)
		}
		return err
	}
	return nil
}

func (l *FileLog) writeLocked() error {
	l.data.LastUpdated = time.Now().UTC()
	data, err := json.MarshalIndent(l.data, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file first
	tmpFile := l.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o600); err != nil {
		return err
	}

	// Atomic rename
	return os.Rename(tmpFile, l.filepath)
}

func (l *FileLog) Latest(_ context.Context, instanceID string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.reloadLocked(); err != nil {
		return nil, err
	}
	i, ok := l.latest[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
	}
	rec := toRecord(l.data.Records[i])
	return &rec, nil
}

func (l *FileLog) Active(_ context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.reloadLocked(); err != nil {
		return nil, err
	}
	var ids []string
	for id, i := range l.latest {
		if !l.data.Records[i].Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (l *FileLog) Finished(_ context.Context) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.reloadLocked(); err != nil {
		return nil, err
	}
	var out []Record
	for _, i := range l.latest {
		if l.data.Records[i].Status.Terminal() {
			out = append(out, toRecord(l.data.Records[i]))
		}
	}
	return out, nil
}

func (l *FileLog) Close() error { return nil }

func toRecord(r fileRecord) Record {
	payload := make([]byte, len(r.Payload))
	copy(payload, r.Payload)
	return Record{
		InstanceID: r.InstanceID,
		Version:    r.Version,
		Status:     r.Status,
		Payload:    payload,
		RecordedAt: r.RecordedAt,
	}
}
