package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskPriorityJSON(t *testing.T) {
	var task Task
	require.NoError(t, json.Unmarshal([]byte(`{"id":"a","type":"x","priority":"high"}`), &task))
	assert.Equal(t, PriorityHigh, task.Priority)

	require.NoError(t, json.Unmarshal([]byte(`{"priority":4}`), &task))
	assert.Equal(t, PriorityCritical, task.Priority)

	assert.Error(t, json.Unmarshal([]byte(`{"priority":"urgent"}`), &task))

	data, err := json.Marshal(Task{ID: "a", Priority: PriorityLow})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"priority":"LOW"`)
}

func TestTaskClone(t *testing.T) {
	orig := &Task{
		ID:           "a",
		Resources:    map[string]float64{"cpu": 1},
		Dependencies: []string{"b"},
		Metadata:     map[string]string{"k": "v"},
	}
	c := orig.Clone()
	c.Resources["cpu"] = 2
	c.Dependencies[0] = "z"
	c.Metadata["k"] = "w"

	assert.Equal(t, 1.0, orig.Resources["cpu"])
	assert.Equal(t, "b", orig.Dependencies[0])
	assert.Equal(t, "v", orig.Metadata["k"])
}

func TestParsePriority(t *testing.T) {
	for _, p := range Priorities() {
		parsed, err := ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
	_, err := ParsePriority("urgent")
	assert.Error(t, err)
	assert.False(t, TaskPriority(0).Valid())
}
