package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"flotilla/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult(id string, completedAt time.Time) *api.ExecutionResult {
	return &api.ExecutionResult{
		ID:           id,
		WorkflowName: "sample",
		Status:       api.ExecutionStatusCompleted,
		Results:      map[string]interface{}{"a": "done"},
		NodeStates:   map[string]api.NodeStatus{"a": api.NodeStatusCompleted},
		Logs: []api.LogLine{
			{Timestamp: completedAt, Level: "info", NodeID: "a", Message: "node a completed"},
		},
		StartedAt:   completedAt.Add(-time.Second),
		CompletedAt: completedAt,
	}
}

func TestSaveAndGetResult(t *testing.T) {
	s := NewStorage(t.TempDir())
	completed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveResult(sampleResult("exec_20260824T120000_abcd1234", completed)))

	got, err := s.GetResult("exec_20260824T120000_abcd1234")
	require.NoError(t, err)
	assert.Equal(t, "sample", got.WorkflowName)
	assert.Equal(t, api.ExecutionStatusCompleted, got.Status)
}

func TestResultFileLayout(t *testing.T) {
	dir := t.TempDir()
	s := NewStorage(dir)
	completed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveResult(sampleResult("exec_x", completed)))

	_, err := os.Stat(filepath.Join(dir, "executions", "2026-08-24", "exec_x.json"))
	require.NoError(t, err, "results are grouped by completion date")
	_, err = os.Stat(filepath.Join(dir, "logs", "2026-08-24", "exec_x.log"))
	require.NoError(t, err, "logs land in the dated logs directory")
}

func TestGetResultNotFound(t *testing.T) {
	s := NewStorage(t.TempDir())
	_, err := s.GetResult("exec_ghost")
	require.Error(t, err)
	assert.True(t, api.IsNotFound(err))
}

func TestListResultsNewestFirstWithLimit(t *testing.T) {
	s := NewStorage(t.TempDir())
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveResult(sampleResult(
			// Lexicographic id order matches chronological order here.
			"exec_"+base.AddDate(0, 0, i).Format("20060102T150405"),
			base.AddDate(0, 0, i),
		)))
	}

	results, err := s.ListResults(2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "exec_20260822T120000", results[0].ID)
	assert.Equal(t, "exec_20260821T120000", results[1].ID)
}

func TestProgressAppendAndRead(t *testing.T) {
	s := NewStorage(t.TempDir())
	for _, status := range []api.NodeStatus{api.NodeStatusRunning, api.NodeStatusCompleted} {
		require.NoError(t, s.AppendProgress("exec_p", api.ProgressEvent{
			Type:      "node_state",
			NodeID:    "a",
			Status:    status,
			Timestamp: time.Now().UTC(),
		}))
	}

	events, err := s.ReadProgress("exec_p")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, api.NodeStatusRunning, events[0].Status)
	assert.Equal(t, api.NodeStatusCompleted, events[1].Status)
}

func TestReadProgressMissingExecution(t *testing.T) {
	s := NewStorage(t.TempDir())
	events, err := s.ReadProgress("exec_none")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTrackerCancelFlow(t *testing.T) {
	tr := NewTracker()
	tr.Register("exec_1", "sample")

	assert.False(t, tr.IsCancelled("exec_1"))
	require.NoError(t, tr.Cancel("exec_1"))
	assert.True(t, tr.IsCancelled("exec_1"))

	list := tr.List()
	require.Len(t, list, 1)
	assert.Equal(t, "sample", list[0].WorkflowName)

	tr.Deregister("exec_1")
	assert.False(t, tr.IsCancelled("exec_1"))
	assert.Empty(t, tr.List())
}

func TestTrackerCancelUnknown(t *testing.T) {
	tr := NewTracker()
	err := tr.Cancel("exec_ghost")
	require.Error(t, err)
	assert.True(t, api.IsNotFound(err))
}
