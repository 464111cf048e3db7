package models

import "time"

// Automation groups a trigger specification with the workflow versions it
// publishes. The rule decides whether an event fires the automation; the
// published version decides what runs.
type Automation struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug" validate:"required"`
	Name        string    `json:"name" validate:"required,min=3"`
	Description string    `json:"description"`
	EventType   string    `json:"event_type" validate:"required"`
	Rule        RuleSpec  `json:"rule,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RuleSpec is a JSON boolean-expression tree keyed by operator name, e.g.
// {"and":[{"==":[{"var":"type"},"order.created"]},{">":[{"var":"data.amount"},1000]}]}.
// A nil spec matches everything.
type RuleSpec map[string]any

// WorkflowVersion is an immutable snapshot of a workflow graph. Executions
// bind to a version id, never to the automation, so in-flight executions are
// unaffected by later edits. Publishing creates a new version.
type WorkflowVersion struct {
	ID           string    `json:"id"`
	AutomationID string    `json:"automation_id"`
	VersionNum   int       `json:"version_num"`
	Graph        Graph     `json:"graph"`
	PublishedAt  time.Time `json:"published_at"`
}

// Graph is the directed node structure of one workflow version.
// Connectivity is expressed via Node.Next; Edges is retained for the wire
// format but currently unused.
type Graph struct {
	Nodes []*Node `json:"nodes"`
	Edges []any   `json:"edges"`
}

// Node is one step definition in a workflow graph.
type Node struct {
	ID     string         `json:"id"   validate:"required"`
	Type   string         `json:"type" validate:"required"` // action type in the registry
	Config map[string]any `json:"config"`
	Next   []string       `json:"next"`
	// MaxRetries overrides the configured per-step retry budget when >= 0.
	MaxRetries *int `json:"max_retries,omitempty"`
}

// EntryNodes returns the nodes not referenced as a next target of any other
// node. Execution starts from these.
func (g *Graph) EntryNodes() []*Node {
	referenced := make(map[string]bool)

	for _, node := range g.Nodes {
		for _, next := range node.Next {
			referenced[next] = true
		}
	}

	entries := make([]*Node, 0, len(g.Nodes))

	for _, node := range g.Nodes {
		if !referenced[node.ID] {
			entries = append(entries, node)
		}
	}

	return entries
}

// NodeByID returns the node with the given id, or nil.
func (g *Graph) NodeByID(id string) *Node {
	for _, node := range g.Nodes {
		if node.ID == id {
			return node
		}
	}

	return nil
}

// Predecessors returns the ids of nodes listing id as a next target.
func (g *Graph) Predecessors(id string) []string {
	var preds []string

	for _, node := range g.Nodes {
		for _, next := range node.Next {
			if next == id {
				preds = append(preds, node.ID)

				break
			}
		}
	}

	return preds
}
