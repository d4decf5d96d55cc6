package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	runsDirName     = "runs"
	runRecordName   = "run.json"
	failureFileName = "failure.json"
)

// record is a persisted run artifact that knows how to check itself.
type record interface {
	Validate() error
}

// Store keeps the run and failure records of pipeline runs, one directory
// per run:
//
//	<dir>/runs/<run-id>/run.json
//	<dir>/runs/<run-id>/failure.json
//
// Records are rewritten whole. A reader sees either the previous or the new
// record, never a torn one.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	return &Store{dir: dir}, nil
}

func (s *Store) recordPath(runID, name string) (string, error) {
	id := strings.TrimSpace(runID)
	if id == "" {
		return "", errors.New("run id is required")
	}
	if id != runID || filepath.Base(id) != id || id == "." || id == ".." {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	return filepath.Join(s.dir, runsDirName, id, name), nil
}

func (s *Store) SaveRun(run Run) error {
	return s.put(run.RunID, runRecordName, run)
}

func (s *Store) LoadRun(runID string) (Run, error) {
	var run Run
	err := s.get(runID, runRecordName, &run)
	return run, err
}

func (s *Store) SaveFailure(runID string, failure Failure) error {
	return s.put(runID, failureFileName, failure)
}

func (s *Store) LoadFailure(runID string) (Failure, error) {
	var failure Failure
	err := s.get(runID, failureFileName, &failure)
	return failure, err
}

// RunsOf returns the run records for baseName, oldest first. Run
// directories without a run record are skipped.
func (s *Store) RunsOf(baseName string) ([]Run, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, runsDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var runs []Run
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		run, err := s.LoadRun(e.Name())
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("run %s: %w", e.Name(), err)
		}
		if run.BaseName == baseName {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartTime.Equal(runs[j].StartTime) {
			return runs[i].StartTime.Before(runs[j].StartTime)
		}
		return runs[i].RunID < runs[j].RunID
	})
	return runs, nil
}

func (s *Store) put(runID, name string, rec record) error {
	path, err := s.recordPath(runID, name)
	if err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := replaceFile(path, append(data, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (s *Store) get(runID, name string, rec record) error {
	path, err := s.recordPath(runID, name)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := decodeOne(data, rec); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid %s on disk: %w", name, err)
	}
	return nil
}

// decodeOne decodes exactly one JSON value with no unknown fields.
func decodeOne(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing content after record")
	}
	return nil
}

// replaceFile swaps data in at path through a synced temp file in the same
// directory, then syncs the directory so the rename survives a crash.
func replaceFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	created, err := mkdirSynced(dir)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err = tmp.Write(data); err == nil {
		err = tmp.Chmod(0o644)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := syncDir(dir); err != nil {
		return err
	}
	if created {
		return syncDir(filepath.Dir(dir))
	}
	return nil
}

// mkdirSynced creates dir if needed and reports whether it did.
func mkdirSynced(dir string) (bool, error) {
	if info, err := os.Stat(dir); err == nil {
		if !info.IsDir() {
			return false, fmt.Errorf("%s is not a directory", dir)
		}
		return false, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}
	return true, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
