package registry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"flotilla/internal/api"
	"flotilla/pkg/logging"

	"github.com/google/uuid"
)

// TransactionLog is the append-only JSONL record of package operations. State
// changes are written by appending an updated copy of the record; readers
// reconstruct the latest state by scanning forward, so the file is never
// rewritten in place.
type TransactionLog struct {
	path string
	mu   sync.Mutex
}

// NewTransactionLog creates a log backed by the given JSONL file.
func NewTransactionLog(path string) *TransactionLog {
	return &TransactionLog{path: path}
}

// Create opens a new pending transaction and appends its first record.
func (l *TransactionLog) Create(op api.TransactionOperation, packageName, version string) (*api.TransactionRecord, error) {
	record := &api.TransactionRecord{
		ID:          uuid.NewString(),
		Operation:   op,
		PackageName: packageName,
		Version:     version,
		Status:      api.TransactionStatusPending,
		StartedAt:   time.Now().UTC(),
	}
	if err := l.Append(record); err != nil {
		return nil, err
	}
	logging.Debug("TransactionLog", "Created transaction %s (%s %s)", record.ID, op, packageName)
	return record, nil
}

// Append writes the record's current state as a new line.
func (l *TransactionLog) Append(record *api.TransactionRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(raw, '\n'))
	return err
}

// scan walks every line in order, calling fn with each decoded record.
func (l *TransactionLog) scan(fn func(record api.TransactionRecord)) error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var record api.TransactionRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			logging.Warn("TransactionLog", "Skipping malformed transaction line: %v", err)
			continue
		}
		fn(record)
	}
	return scanner.Err()
}

// Get returns the latest state of the transaction with the given id.
func (l *TransactionLog) Get(id string) (*api.TransactionRecord, error) {
	var found *api.TransactionRecord
	err := l.scan(func(record api.TransactionRecord) {
		if record.ID == id {
			r := record
			found = &r
		}
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, api.NewNotFoundError("transaction", id)
	}
	return found, nil
}

// List returns the latest state of the last limit transactions, newest
// first.
func (l *TransactionLog) List(limit int) ([]api.TransactionRecord, error) {
	latest := make(map[string]int)
	var order []api.TransactionRecord

	err := l.scan(func(record api.TransactionRecord) {
		if i, ok := latest[record.ID]; ok {
			order[i] = record
			return
		}
		latest[record.ID] = len(order)
		order = append(order, record)
	})
	if err != nil {
		return nil, err
	}

	// Reverse to newest-first.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	if limit > 0 && len(order) > limit {
		order = order[:limit]
	}
	return order, nil
}
