package registry

import (
	"errors"
	"fmt"

	"github.com/brunori/outflow/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

var (
	ErrEmptyGraph     = errors.New("workflow graph has no nodes")
	ErrDuplicateNode  = errors.New("duplicate node id")
	ErrUnknownTarget  = errors.New("next references unknown node")
	ErrUnknownAction  = errors.New("node uses unregistered action type")
	ErrNoEntryNodes   = errors.New("workflow graph has no entry nodes")
	ErrGraphHasCycle  = errors.New("workflow graph contains a cycle")
	ErrInvalidGraphJS = errors.New("workflow graph JSON is invalid")
)

// graphSchema is the wire-format contract for published workflow graphs.
const graphSchema = `{
	"type": "object",
	"required": ["nodes"],
	"properties": {
		"nodes": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "type"],
				"properties": {
					"id":     {"type": "string", "minLength": 1},
					"type":   {"type": "string", "minLength": 1},
					"config": {"type": "object"},
					"next":   {"type": "array", "items": {"type": "string"}},
					"max_retries": {"type": "integer", "minimum": 0}
				}
			}
		},
		"edges": {"type": "array"}
	}
}`

var compiledGraphSchema = gojsonschema.NewStringLoader(graphSchema)

// ValidateGraphJSON checks a raw graph document against the wire schema.
// Runs at publish time, before the graph is ever persisted.
func ValidateGraphJSON(raw []byte) error {
	result, err := gojsonschema.Validate(compiledGraphSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidGraphJS, err)
	}

	if !result.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidGraphJS, result.Errors()[0].String())
	}

	return nil
}

// ValidateGraph checks structural integrity and that every node's action
// type is registered. A DAG is required: cycles would never terminate under
// visited-set stepping.
func (r *Registry) ValidateGraph(graph *models.Graph) error {
	if graph == nil || len(graph.Nodes) == 0 {
		return ErrEmptyGraph
	}

	seen := make(map[string]bool, len(graph.Nodes))

	for _, node := range graph.Nodes {
		if seen[node.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateNode, node.ID)
		}

		seen[node.ID] = true

		if !r.Has(node.Type) {
			return fmt.Errorf("%w: node %s type %s", ErrUnknownAction, node.ID, node.Type)
		}
	}

	for _, node := range graph.Nodes {
		for _, next := range node.Next {
			if !seen[next] {
				return fmt.Errorf("%w: node %s -> %s", ErrUnknownTarget, node.ID, next)
			}
		}
	}

	if len(graph.EntryNodes()) == 0 {
		return ErrNoEntryNodes
	}

	return detectCycle(graph)
}

func detectCycle(graph *models.Graph) error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)

	color := make(map[string]int, len(graph.Nodes))

	var visit func(id string) error

	visit = func(id string) error {
		color[id] = gray

		node := graph.NodeByID(id)

		for _, next := range node.Next {
			switch color[next] {
			case gray:
				return fmt.Errorf("%w: via %s -> %s", ErrGraphHasCycle, id, next)
			case white:
				err := visit(next)
				if err != nil {
					return err
				}
			}
		}

		color[id] = black

		return nil
	}

	for _, node := range graph.Nodes {
		if color[node.ID] == white {
			err := visit(node.ID)
			if err != nil {
				return err
			}
		}
	}

	return nil
}
