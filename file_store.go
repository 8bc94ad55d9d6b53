package sagaorch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore provides a file-based implementation of Store that persists
// each saga as a JSON file on disk, next to a second file holding its step
// execution records. Files are replaced by rename, so a crash never leaves
// a half-written instance behind.
type FileStore struct {
	basePath string
	mu       sync.Mutex // Protects file operations
}

// NewFileStore creates a new file-based store that saves saga state
// to the specified directory.
func NewFileStore(basePath string) (*FileStore, error) {
	for _, dir := range []string{basePath, filepath.Join(basePath, "records")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	return &FileStore{basePath: basePath}, nil
}

func (f *FileStore) Create(_ context.Context, inst *SagaInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := os.Stat(f.filename(inst.SagaID)); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateSagaID, inst.SagaID)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat state file: %w", err)
	}
	if inst.Version == 0 {
		inst.Version = 1
	}
	return writeJSON(f.filename(inst.SagaID), inst)
}

func (f *FileStore) LoadForUpdate(_ context.Context, sagaID string) (*SagaInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.load(sagaID)
}

func (f *FileStore) load(sagaID string) (*SagaInstance, error) {
	var inst SagaInstance
	if err := readJSON(f.filename(sagaID), &inst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sagaID)
		}
		return nil, err
	}
	return &inst, nil
}

func (f *FileStore) Save(_ context.Context, inst *SagaInstance, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored, err := f.load(inst.SagaID)
	if err != nil {
		return err
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("%w: %s at version %d, expected %d", ErrVersionConflict, inst.SagaID, stored.Version, expectedVersion)
	}
	next := inst.Clone()
	next.Version = expectedVersion + 1
	if err := writeJSON(f.filename(inst.SagaID), next); err != nil {
		return err
	}
	inst.Version = next.Version
	return nil
}

func (f *FileStore) ListIncomplete(_ context.Context) ([]*SagaInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list state files: %w", err)
	}
	var out []*SagaInstance
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		inst, err := f.load(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		if !inst.Status.IsTerminal() {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (f *FileStore) RecordStep(_ context.Context, rec StepExecutionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.records(rec.SagaID)
	if err != nil {
		return err
	}
	replaced := false
	for i := range records {
		if records[i].Key() == rec.Key() {
			records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, rec)
	}
	return writeJSON(f.recordsFilename(rec.SagaID), records)
}

func (f *FileStore) StepRecords(_ context.Context, sagaID string) ([]StepExecutionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.records(sagaID)
}

func (f *FileStore) records(sagaID string) ([]StepExecutionRecord, error) {
	var records []StepExecutionRecord
	if err := readJSON(f.recordsFilename(sagaID), &records); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return records, nil
}

// filename returns the full path for a saga's state file.
func (f *FileStore) filename(sagaID string) string {
	return filepath.Join(f.basePath, sagaID+".json")
}

func (f *FileStore) recordsFilename(sagaID string) string {
	return filepath.Join(f.basePath, "records", sagaID+".json")
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return err
		}
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
