package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/telhawk-systems/flowsink/common/logging"
	"github.com/telhawk-systems/flowsink/internal/models"
)

// FileQueue writes failed messages to disk, one JSON file per message.
type FileQueue struct {
	basePath string
	logger   *logging.Logger
	mu       sync.Mutex
	written  uint64
}

// NewFileQueue creates a DLQ that writes to the specified directory.
func NewFileQueue(basePath string, logger *logging.Logger) (*FileQueue, error) {
	if basePath == "" {
		basePath = "/var/lib/flowsink/dlq"
	}
	if logger == nil {
		logger = logging.Default()
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create dlq directory: %w", err)
	}

	return &FileQueue{
		basePath: basePath,
		logger:   logger,
	}, nil
}

func fileName(f FailedMessage) string {
	return fmt.Sprintf("failed_%d_%s.json", f.Timestamp.UnixNano(), f.ID)
}

func idFromFileName(name string) (string, bool) {
	if !strings.HasPrefix(name, "failed_") || !strings.HasSuffix(name, ".json") {
		return "", false
	}
	parts := strings.SplitN(strings.TrimSuffix(name, ".json"), "_", 3)
	if len(parts) != 3 {
		return "", false
	}
	return parts[2], true
}

// Write records a failed message to the dead-letter queue. The file is
// written under a temporary name and renamed so readers never see partial entries.
func (q *FileQueue) Write(ctx context.Context, msg *models.RawMessage, err error, reason string) error {
	if q == nil {
		return ErrNotEnabled
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	failed := newFailedMessage(msg, err, reason, attemptsOf(err))

	data, marshalErr := json.MarshalIndent(failed, "", "  ")
	if marshalErr != nil {
		return fmt.Errorf("marshal dlq entry: %w", marshalErr)
	}

	name := fileName(failed)
	tmp := filepath.Join(q.basePath, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write dlq entry: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(q.basePath, name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit dlq entry: %w", err)
	}

	q.written++
	q.logger.Debug("Wrote dead-letter file", slog.String("file", name), logging.Reason(reason))
	return nil
}

func (q *FileQueue) entries() ([]os.DirEntry, error) {
	files, err := os.ReadDir(q.basePath)
	if err != nil {
		return nil, fmt.Errorf("read dlq directory: %w", err)
	}
	out := files[:0]
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if _, ok := idFromFileName(f.Name()); ok {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// Stats returns DLQ metrics.
func (q *FileQueue) Stats(_ context.Context) map[string]any {
	if q == nil {
		return map[string]any{
			"enabled": false,
			"backend": "file",
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := q.entries()
	if err != nil {
		return map[string]any{
			"enabled":       true,
			"backend":       "file",
			"written":       q.written,
			"pending_files": 0,
			"error":         err.Error(),
		}
	}

	return map[string]any{
		"enabled":       true,
		"backend":       "file",
		"written":       q.written,
		"pending_files": len(files),
		"base_path":     q.basePath,
	}
}

// List returns failed messages oldest first. A limit of zero returns all.
func (q *FileQueue) List(_ context.Context, limit int) ([]FailedMessage, error) {
	if q == nil {
		return nil, ErrNotEnabled
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := q.entries()
	if err != nil {
		return nil, err
	}

	var out []FailedMessage
	for _, file := range files {
		if limit > 0 && len(out) >= limit {
			break
		}

		data, err := os.ReadFile(filepath.Join(q.basePath, file.Name()))
		if err != nil {
			q.logger.Error("Failed to read DLQ file", slog.String("file", file.Name()), logging.Error(err))
			continue
		}

		var failed FailedMessage
		if err := json.Unmarshal(data, &failed); err != nil {
			q.logger.Error("Failed to parse DLQ file", slog.String("file", file.Name()), logging.Error(err))
			continue
		}
		out = append(out, failed)
	}

	return out, nil
}

// Delete removes the entry with the given id.
func (q *FileQueue) Delete(_ context.Context, id string) error {
	if q == nil {
		return ErrNotEnabled
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(q.basePath, fmt.Sprintf("failed_*_%s.json", id)))
	if err != nil {
		return fmt.Errorf("search dlq files: %w", err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	for _, match := range matches {
		if err := os.Remove(match); err != nil {
			return fmt.Errorf("delete dlq file: %w", err)
		}
	}
	return nil
}

// Purge removes all entries from the queue.
func (q *FileQueue) Purge(_ context.Context) error {
	if q == nil {
		return ErrNotEnabled
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := q.entries()
	if err != nil {
		return err
	}

	deleted := 0
	for _, file := range files {
		if err := os.Remove(filepath.Join(q.basePath, file.Name())); err != nil {
			q.logger.Error("Failed to delete DLQ file", slog.String("file", file.Name()), logging.Error(err))
			continue
		}
		deleted++
	}

	q.logger.Info("Purged dead-letter queue", slog.Int("deleted", deleted), logging.Backend("file"))
	return nil
}

// Close is a no-op for the file queue.
func (q *FileQueue) Close() error {
	return nil
}
