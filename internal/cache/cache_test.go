package cache

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AnEntrypoint/tasker-wrapped-services/internal/store"
)

func TestPutAndGet(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	tr := &store.TaskRun{
		ID:        7,
		TaskName:  "demo",
		Status:    store.TaskRunCompleted,
		Result:    json.RawMessage(`{"ok":true}`),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, c.Put(tr))

	got, err := c.Get(7)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "demo", got.TaskName)
	require.Equal(t, "completed", got.Status)
}

func TestGetMiss(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	got, err := c.Get(404)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestInvalidate(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	require.NoError(t, c.Put(&store.TaskRun{ID: 1, Status: store.TaskRunQueued}))
	require.NoError(t, c.Invalidate(1))

	got, err := c.Get(1)
	require.NoError(t, err)
	require.Nil(t, got)
}
