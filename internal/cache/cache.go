// Package cache is the read-through cache backing the Status() query
// of spec.md §6: an in-process, indexed mirror of task_run status so
// polling clients don't round-trip to SQLite on every call.
//
// Declared in the teacher's own go.mod (github.com/hashicorp/go-memdb)
// but with no surviving call site in the retained pack — this package
// gives it one, generalized from "arbitrary in-memory indexed store"
// to "TaskRun status mirror," the shape go-memdb is built for.
package cache

import (
	"encoding/json"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/AnEntrypoint/tasker-wrapped-services/internal/store"
)

// TaskStatus is the denormalized, cache-friendly projection of a
// TaskRun that Status() actually needs.
type TaskStatus struct {
	ID        int64
	TaskName  string
	Status    string
	Result    json.RawMessage
	Error     json.RawMessage
	UpdatedAt time.Time
}

const tableTaskStatus = "task_status"

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableTaskStatus: {
				Name: tableTaskStatus,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "ID"},
					},
				},
			},
		},
	}
}

// Cache is a concurrent-safe, in-process mirror of TaskRun status.
type Cache struct {
	db *memdb.MemDB
}

func New() (*Cache, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Put inserts or replaces the cached status for a TaskRun.
func (c *Cache) Put(tr *store.TaskRun) error {
	txn := c.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(tableTaskStatus, &TaskStatus{
		ID:        tr.ID,
		TaskName:  tr.TaskName,
		Status:    string(tr.Status),
		Result:    tr.Result,
		Error:     tr.Error,
		UpdatedAt: tr.UpdatedAt,
	}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Get returns the cached status for id, or nil if not present (the
// caller falls back to the Durable Store on a miss).
func (c *Cache) Get(id int64) (*TaskStatus, error) {
	txn := c.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableTaskStatus, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*TaskStatus), nil
}

// Invalidate removes a cached entry, so the next Get for that TaskRun
// misses.
func (c *Cache) Invalidate(id int64) error {
	txn := c.db.Txn(true)
	defer txn.Abort()

	_, err := txn.DeleteAll(tableTaskStatus, "id", id)
	if err != nil {
		return err
	}
	txn.Commit()
	return nil
}
