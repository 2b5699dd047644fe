package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/manthysbr/scribed/internal/core/domain"
	"github.com/manthysbr/scribed/internal/core/ports"
)

// JobStore keeps one JSON snapshot per job in a directory.
type JobStore struct {
	logger *slog.Logger
	dir    string
}

var _ ports.SnapshotStore = (*JobStore)(nil)

func NewJobStore(logger *slog.Logger, dir string) (*JobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create jobs dir: %w", err)
	}
	return &JobStore{logger: logger, dir: dir}, nil
}

func (s *JobStore) path(id domain.JobID) string {
	return filepath.Join(s.dir, string(id)+".json")
}

// Save writes the snapshot through a temp file and a rename so a crash
// never leaves a half-written snapshot behind.
func (s *JobStore) Save(_ context.Context, snap domain.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot %s: %w", snap.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+string(snap.ID)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot %s: %w", snap.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write snapshot %s: %w", snap.ID, err)
	}
	if err := os.Rename(tmp.Name(), s.path(snap.ID)); err != nil {
		return fmt.Errorf("failed to commit snapshot %s: %w", snap.ID, err)
	}
	return nil
}

func (s *JobStore) Load(_ context.Context, id domain.JobID) (domain.Snapshot, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return domain.Snapshot{}, domain.ErrSnapshotNotFound
	}
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to read snapshot %s: %w", id, err)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to decode snapshot %s: %w", id, err)
	}
	return snap, nil
}

func (s *JobStore) Delete(_ context.Context, id domain.JobID) error {
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete snapshot %s: %w", id, err)
	}
	return nil
}

// List returns every readable snapshot ordered by start time. Unreadable
// files are logged and skipped.
func (s *JobStore) List(ctx context.Context) ([]domain.Snapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs dir: %w", err)
	}

	var out []domain.Snapshot
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		snap, err := s.Load(ctx, domain.JobID(strings.TrimSuffix(name, ".json")))
		if err != nil {
			s.logger.Warn("skipping unreadable job snapshot", "file", name, "error", err)
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
