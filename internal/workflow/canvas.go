package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NodeType is the kind of work a canvas node performs.
type NodeType string

const (
	NodeTrigger   NodeType = "trigger"
	NodeAgent     NodeType = "agent"
	NodeTool      NodeType = "tool"
	NodeCondition NodeType = "condition"
)

// Edge labels on condition branches.
const (
	BranchTrue  = "true"
	BranchFalse = "false"
)

// Node is one unit of the canvas. The fields past Type are per-kind:
// AgentID for agent nodes, Tool/Args for tool nodes, Expr for conditions.
type Node struct {
	ID      string          `json:"id"`
	Type    NodeType        `json:"type"`
	AgentID uuid.UUID       `json:"agent_id,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Expr    string          `json:"expr,omitempty"`
}

// Edge connects From to To. Label is set only on edges leaving a
// condition node, naming the branch ("true" or "false").
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// Canvas is the stored workflow graph.
type Canvas struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// ValidationError aggregates every problem found in a canvas. The HTTP
// layer maps it to 422.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid canvas: " + strings.Join(e.Problems, "; ")
}

// Resolver answers existence questions during validation.
type Resolver interface {
	AgentExists(ctx context.Context, id uuid.UUID) bool
	ToolExists(name string) bool
}

// ParseCanvas decodes the stored canvas JSON.
func ParseCanvas(raw json.RawMessage) (*Canvas, error) {
	var c Canvas
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, &ValidationError{Problems: []string{"canvas is not valid JSON: " + err.Error()}}
	}
	return &c, nil
}

// Validate checks the canvas end to end: node identity, per-kind config,
// edge integrity, branch labels, and acyclicity. All problems are
// collected before returning.
func (c *Canvas) Validate(ctx context.Context, res Resolver) error {
	var problems []string

	byID := make(map[string]*Node, len(c.Nodes))
	for i := range c.Nodes {
		n := &c.Nodes[i]
		if n.ID == "" {
			problems = append(problems, "node with empty id")
			continue
		}
		if _, dup := byID[n.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		byID[n.ID] = n

		switch n.Type {
		case NodeTrigger:
			// Entry node, no per-kind config.
		case NodeAgent:
			if n.AgentID == uuid.Nil {
				problems = append(problems, fmt.Sprintf("node %q: agent node without agent_id", n.ID))
			} else if res != nil && !res.AgentExists(ctx, n.AgentID) {
				problems = append(problems, fmt.Sprintf("node %q: unknown agent %s", n.ID, n.AgentID))
			}
		case NodeTool:
			if n.Tool == "" {
				problems = append(problems, fmt.Sprintf("node %q: tool node without tool", n.ID))
			} else if res != nil && !res.ToolExists(n.Tool) {
				problems = append(problems, fmt.Sprintf("node %q: unknown tool %q", n.ID, n.Tool))
			}
		case NodeCondition:
			if strings.TrimSpace(n.Expr) == "" {
				problems = append(problems, fmt.Sprintf("node %q: condition node without expr", n.ID))
			}
		default:
			problems = append(problems, fmt.Sprintf("node %q: unknown type %q", n.ID, n.Type))
		}
	}

	for _, e := range c.Edges {
		from, okFrom := byID[e.From]
		if !okFrom {
			problems = append(problems, fmt.Sprintf("edge from unknown node %q", e.From))
		}
		if _, ok := byID[e.To]; !ok {
			problems = append(problems, fmt.Sprintf("edge to unknown node %q", e.To))
		}
		if okFrom {
			if from.Type == NodeCondition {
				if e.Label != BranchTrue && e.Label != BranchFalse {
					problems = append(problems, fmt.Sprintf("edge %s→%s: condition branch needs label true or false", e.From, e.To))
				}
			} else if e.Label != "" {
				problems = append(problems, fmt.Sprintf("edge %s→%s: label on non-condition edge", e.From, e.To))
			}
		}
	}

	// Exactly one trigger node anchors the graph, and every other node
	// must be reachable through at least one inbound edge.
	inbound := make(map[string]int, len(c.Nodes))
	for _, e := range c.Edges {
		inbound[e.To]++
	}
	triggers := 0
	for _, n := range c.Nodes {
		switch {
		case n.Type == NodeTrigger:
			triggers++
			if inbound[n.ID] > 0 {
				problems = append(problems, fmt.Sprintf("node %q: trigger node cannot have inbound edges", n.ID))
			}
		case n.ID != "" && inbound[n.ID] == 0:
			problems = append(problems, fmt.Sprintf("node %q: no inbound edge", n.ID))
		}
	}
	if triggers != 1 {
		problems = append(problems, fmt.Sprintf("canvas needs exactly one trigger node, found %d", triggers))
	}

	if len(problems) == 0 && c.hasCycle() {
		problems = append(problems, "canvas contains a cycle")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// hasCycle runs Kahn's algorithm and reports whether any node survives.
func (c *Canvas) hasCycle() bool {
	indegree := make(map[string]int, len(c.Nodes))
	succ := make(map[string][]string)
	for _, n := range c.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range c.Edges {
		succ[e.From] = append(succ[e.From], e.To)
		indegree[e.To]++
	}

	queue := make([]string, 0, len(c.Nodes))
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	seen := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seen++
		for _, next := range succ[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return seen != len(c.Nodes)
}

// node returns the node by ID. Valid canvases only.
func (c *Canvas) node(id string) *Node {
	for i := range c.Nodes {
		if c.Nodes[i].ID == id {
			return &c.Nodes[i]
		}
	}
	return nil
}

// predecessors maps node ID to its incoming edges.
func (c *Canvas) predecessors() map[string][]Edge {
	out := make(map[string][]Edge)
	for _, e := range c.Edges {
		out[e.To] = append(out[e.To], e)
	}
	return out
}
