package task_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/dispatch/internal/task"
)

const itemSchema = `{
	"type": "object",
	"required": ["url"],
	"properties": {"url": {"type": "string"}}
}`

func TestValidateItems_NilSchemaIsNoOp(t *testing.T) {
	t.Parallel()

	items := []json.RawMessage{[]byte(`{"anything": 1}`)}
	require.NoError(t, task.ValidateItems(nil, items))
}

func TestValidateItems_AcceptsMatchingItems(t *testing.T) {
	t.Parallel()

	items := []json.RawMessage{[]byte(`{"url": "https://example.com"}`)}
	require.NoError(t, task.ValidateItems([]byte(itemSchema), items))
}

func TestValidateItems_RejectsNonMatchingItem(t *testing.T) {
	t.Parallel()

	items := []json.RawMessage{
		[]byte(`{"url": "https://example.com"}`),
		[]byte(`{"missing": true}`),
	}

	err := task.ValidateItems([]byte(itemSchema), items)
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrItemInvalid)
	assert.Contains(t, err.Error(), "item 1")
}
