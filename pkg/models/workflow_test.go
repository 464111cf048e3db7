package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNow() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func linearGraph() *Graph {
	return &Graph{
		Nodes: []*Node{
			{ID: "a", Type: "log", Next: []string{"b"}},
			{ID: "b", Type: "log", Next: []string{"c"}},
			{ID: "c", Type: "log"},
		},
	}
}

func TestGraphEntryNodes(t *testing.T) {
	entries := linearGraph().EntryNodes()

	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].ID)
}

func TestGraphEntryNodesFanIn(t *testing.T) {
	graph := &Graph{
		Nodes: []*Node{
			{ID: "a", Type: "log", Next: []string{"join"}},
			{ID: "b", Type: "log", Next: []string{"join"}},
			{ID: "join", Type: "log"},
		},
	}

	entries := graph.EntryNodes()

	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].ID)
	assert.Equal(t, "b", entries[1].ID)
}

func TestGraphPredecessors(t *testing.T) {
	graph := &Graph{
		Nodes: []*Node{
			{ID: "a", Type: "log", Next: []string{"join"}},
			{ID: "b", Type: "log", Next: []string{"join"}},
			{ID: "join", Type: "log"},
		},
	}

	assert.ElementsMatch(t, []string{"a", "b"}, graph.Predecessors("join"))
	assert.Empty(t, graph.Predecessors("a"))
}

func TestGraphNodeByID(t *testing.T) {
	graph := linearGraph()

	require.NotNil(t, graph.NodeByID("b"))
	assert.Equal(t, "log", graph.NodeByID("b").Type)
	assert.Nil(t, graph.NodeByID("missing"))
}

func TestOutboxItemLeasedBy(t *testing.T) {
	now := testNow()
	owner := "worker-1"
	expires := now.Add(time.Minute)

	item := &OutboxItem{LeaseOwner: &owner, LeaseExpires: &expires}

	assert.True(t, item.LeasedBy("worker-1", now))
	assert.False(t, item.LeasedBy("worker-2", now))
	assert.False(t, item.LeasedBy("worker-1", now.Add(2*time.Minute)))
	assert.False(t, (&OutboxItem{}).LeasedBy("worker-1", now))
}

func TestOutboxStatusPredicates(t *testing.T) {
	assert.True(t, OutboxStatusCompleted.IsTerminal())
	assert.True(t, OutboxStatusFailed.IsTerminal())
	assert.False(t, OutboxStatusRetry.IsTerminal())

	assert.True(t, OutboxStatusPending.IsClaimable())
	assert.True(t, OutboxStatusRetry.IsClaimable())
	assert.False(t, OutboxStatusRunning.IsClaimable())
}
