package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"flotilla/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *TransactionLog {
	t.Helper()
	return NewTransactionLog(filepath.Join(t.TempDir(), "transactions.jsonl"))
}

func TestCreateAndGet(t *testing.T) {
	l := newTestLog(t)
	record, err := l.Create(api.TransactionOpInstall, "scanner", "1.0.0")
	require.NoError(t, err)
	assert.NotEmpty(t, record.ID)
	assert.Equal(t, api.TransactionStatusPending, record.Status)

	got, err := l.Get(record.ID)
	require.NoError(t, err)
	assert.Equal(t, "scanner", got.PackageName)
}

func TestLatestStateWinsByAppend(t *testing.T) {
	l := newTestLog(t)
	record, err := l.Create(api.TransactionOpInstall, "scanner", "1.0.0")
	require.NoError(t, err)

	record.Status = api.TransactionStatusInProgress
	require.NoError(t, l.Append(record))
	record.Status = api.TransactionStatusCompleted
	now := time.Now().UTC()
	record.CompletedAt = &now
	require.NoError(t, l.Append(record))

	got, err := l.Get(record.ID)
	require.NoError(t, err)
	assert.Equal(t, api.TransactionStatusCompleted, got.Status)

	// The file itself must contain all three states: no in-place rewrites.
	raw, err := os.ReadFile(l.path)
	require.NoError(t, err)
	lines := strings.Count(strings.TrimSpace(string(raw)), "\n") + 1
	assert.Equal(t, 3, lines)
}

func TestListNewestFirstWithLimit(t *testing.T) {
	l := newTestLog(t)
	first, err := l.Create(api.TransactionOpInstall, "one", "1.0.0")
	require.NoError(t, err)
	_, err = l.Create(api.TransactionOpInstall, "two", "1.0.0")
	require.NoError(t, err)
	third, err := l.Create(api.TransactionOpRemove, "three", "1.0.0")
	require.NoError(t, err)

	// Update the first record; its position in the history must not change.
	first.Status = api.TransactionStatusCompleted
	require.NoError(t, l.Append(first))

	records, err := l.List(2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, third.ID, records[0].ID)
	assert.Equal(t, "two", records[1].PackageName)

	all, err := l.List(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, api.TransactionStatusCompleted, all[2].Status, "list reports the latest state of each transaction")
}

func TestGetUnknownTransaction(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Get("ghost")
	require.Error(t, err)
	assert.True(t, api.IsNotFound(err))
}

func TestListEmptyLog(t *testing.T) {
	l := newTestLog(t)
	records, err := l.List(10)
	require.NoError(t, err)
	assert.Empty(t, records)
}
