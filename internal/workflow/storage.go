package workflow

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"flotilla/internal/api"
	"flotilla/pkg/logging"
)

const storageSubsystem = "ExecutionStorage"

// Storage persists execution outcomes under the volumes directory:
//
//	executions/{YYYY-MM-DD}/{exec_id}.json   final ExecutionResult
//	executions/{exec_id}/progress.jsonl      per-execution event stream
//	logs/{YYYY-MM-DD}/{exec_id}.log          JSONL log lines
//
// The progress stream is the source of truth for live progress; the result
// file is written once on completion.
type Storage struct {
	baseDir string
	mu      sync.Mutex
}

// NewStorage creates a storage rooted at the given volumes directory.
func NewStorage(baseDir string) *Storage {
	return &Storage{baseDir: baseDir}
}

// SaveResult writes the final execution result, one file per execution,
// grouped by completion date.
func (s *Storage) SaveResult(result *api.ExecutionResult) error {
	day := result.CompletedAt.UTC().Format("2006-01-02")
	dir := filepath.Join(s.baseDir, "executions", day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create execution directory: %w", err)
	}

	raw, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, result.ID+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write execution result: %w", err)
	}

	if len(result.Logs) > 0 {
		if err := s.writeLogs(result); err != nil {
			logging.Warn(storageSubsystem, "Failed to write logs for %s: %v", result.ID, err)
		}
	}
	return nil
}

// AppendProgress appends one progress event to the execution's event stream.
func (s *Storage) AppendProgress(execID string, event api.ProgressEvent) error {
	dir := filepath.Join(s.baseDir, "executions", execID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(dir, "progress.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(raw, '\n'))
	return err
}

// ReadProgress returns all progress events recorded for an execution.
func (s *Storage) ReadProgress(execID string) ([]api.ProgressEvent, error) {
	path := filepath.Join(s.baseDir, "executions", execID, "progress.jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []api.ProgressEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev api.ProgressEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			logging.Warn(storageSubsystem, "Skipping malformed progress line for %s: %v", execID, err)
			continue
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}

// GetResult finds a persisted execution result by id, scanning the dated
// directories newest first.
func (s *Storage) GetResult(execID string) (*api.ExecutionResult, error) {
	root := filepath.Join(s.baseDir, "executions")
	days, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, api.NewNotFoundError("execution", execID)
		}
		return nil, err
	}

	names := make([]string, 0, len(days))
	for _, d := range days {
		if d.IsDir() {
			names = append(names, d.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, day := range names {
		path := filepath.Join(root, day, execID+".json")
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		var result api.ExecutionResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("malformed execution result %s: %w", execID, err)
		}
		return &result, nil
	}
	return nil, api.NewNotFoundError("execution", execID)
}

// ListResults returns up to limit persisted results, newest first.
func (s *Storage) ListResults(limit int) ([]*api.ExecutionResult, error) {
	root := filepath.Join(s.baseDir, "executions")
	days, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(days))
	for _, d := range days {
		if d.IsDir() && !strings.HasPrefix(d.Name(), "exec_") {
			names = append(names, d.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	var results []*api.ExecutionResult
	for _, day := range names {
		entries, err := os.ReadDir(filepath.Join(root, day))
		if err != nil {
			continue
		}
		files := make([]string, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
				files = append(files, e.Name())
			}
		}
		sort.Sort(sort.Reverse(sort.StringSlice(files)))

		for _, name := range files {
			raw, err := os.ReadFile(filepath.Join(root, day, name))
			if err != nil {
				continue
			}
			var result api.ExecutionResult
			if err := json.Unmarshal(raw, &result); err != nil {
				logging.Warn(storageSubsystem, "Skipping malformed result file %s: %v", name, err)
				continue
			}
			results = append(results, &result)
			if limit > 0 && len(results) >= limit {
				return results, nil
			}
		}
	}
	return results, nil
}

func (s *Storage) writeLogs(result *api.ExecutionResult) error {
	day := result.CompletedAt.UTC().Format("2006-01-02")
	dir := filepath.Join(s.baseDir, "logs", day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(dir, result.ID+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, line := range result.Logs {
		raw, err := json.Marshal(line)
		if err != nil {
			continue
		}
		w.Write(raw)
		w.WriteByte('\n')
	}
	return w.Flush()
}
