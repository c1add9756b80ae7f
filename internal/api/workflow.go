package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeType discriminates the workflow node variants.
type NodeType string

const (
	NodeTypeMCPCall     NodeType = "mcp_call"
	NodeTypeIf          NodeType = "if"
	NodeTypeForEach     NodeType = "for_each"
	NodeTypeTryCatch    NodeType = "try_catch"
	NodeTypeSubWorkflow NodeType = "sub_workflow"
	NodeTypeSet         NodeType = "set"
	NodeTypeSleep       NodeType = "sleep"
)

// MCPCallNode invokes a named tool on a tool server.
type MCPCallNode struct {
	MCPServer string                 `json:"mcp_server"`
	Tool      string                 `json:"tool"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

// IfNode evaluates a condition and selects one of two branch nodes.
type IfNode struct {
	Condition   string `json:"condition"`
	TrueBranch  string `json:"true_branch,omitempty"`
	FalseBranch string `json:"false_branch,omitempty"`
}

// ForEachNode runs a sub-workflow once per item with bounded parallelism.
type ForEachNode struct {
	Items          string `json:"items"`
	ItemVar        string `json:"item_var,omitempty"`
	IndexVar       string `json:"index_var,omitempty"`
	SubWorkflow    string `json:"sub_workflow"`
	Category       string `json:"category,omitempty"`
	MaxParallel    int    `json:"max_parallel,omitempty"`
	CollectResults bool   `json:"collect_results,omitempty"`
	StopOnError    bool   `json:"stop_on_error,omitempty"`
}

// TryCatchNode scopes an error to a catch/finally pair instead of failing the
// whole execution.
type TryCatchNode struct {
	TryNode     string `json:"try_node"`
	CatchNode   string `json:"catch_node,omitempty"`
	FinallyNode string `json:"finally_node,omitempty"`
	ErrorVar    string `json:"error_var,omitempty"`
}

// SubWorkflowNode executes another workflow with a fresh derived context.
type SubWorkflowNode struct {
	Workflow string                 `json:"workflow"`
	Category string                 `json:"category,omitempty"`
	Params   map[string]interface{} `json:"params,omitempty"`
}

// SetNode writes evaluated expressions into the execution variables.
type SetNode struct {
	Variables map[string]interface{} `json:"variables"`
}

// SleepNode pauses the execution for a number of seconds.
type SleepNode struct {
	Duration float64 `json:"duration"`
	Reason   string  `json:"reason,omitempty"`
}

// Node is one typed node of a workflow DAG. Exactly one variant field is
// populated, matching Type.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`

	MCPCall     *MCPCallNode     `json:"-"`
	If          *IfNode          `json:"-"`
	ForEach     *ForEachNode     `json:"-"`
	TryCatch    *TryCatchNode    `json:"-"`
	SubWorkflow *SubWorkflowNode `json:"-"`
	Set         *SetNode         `json:"-"`
	Sleep       *SleepNode       `json:"-"`
}

// nodeHeader captures the discriminator before the variant decode.
type nodeHeader struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
}

// UnmarshalJSON decodes the flat node document into the matching variant.
// Unknown node types fail loading rather than surfacing later at execution
// time.
func (n *Node) UnmarshalJSON(data []byte) error {
	var header nodeHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return err
	}
	n.ID = header.ID
	n.Type = header.Type

	switch header.Type {
	case NodeTypeMCPCall:
		n.MCPCall = &MCPCallNode{}
		return json.Unmarshal(data, n.MCPCall)
	case NodeTypeIf:
		n.If = &IfNode{}
		return json.Unmarshal(data, n.If)
	case NodeTypeForEach:
		n.ForEach = &ForEachNode{}
		if err := json.Unmarshal(data, n.ForEach); err != nil {
			return err
		}
		if n.ForEach.ItemVar == "" {
			n.ForEach.ItemVar = "item"
		}
		if n.ForEach.IndexVar == "" {
			n.ForEach.IndexVar = "index"
		}
		if n.ForEach.MaxParallel <= 0 {
			n.ForEach.MaxParallel = 1
		}
		return nil
	case NodeTypeTryCatch:
		n.TryCatch = &TryCatchNode{}
		if err := json.Unmarshal(data, n.TryCatch); err != nil {
			return err
		}
		if n.TryCatch.ErrorVar == "" {
			n.TryCatch.ErrorVar = "error"
		}
		return nil
	case NodeTypeSubWorkflow:
		n.SubWorkflow = &SubWorkflowNode{}
		return json.Unmarshal(data, n.SubWorkflow)
	case NodeTypeSet:
		n.Set = &SetNode{}
		return json.Unmarshal(data, n.Set)
	case NodeTypeSleep:
		n.Sleep = &SleepNode{}
		return json.Unmarshal(data, n.Sleep)
	default:
		return fmt.Errorf("unknown node type %q for node %q", header.Type, header.ID)
	}
}

// MarshalJSON re-flattens the variant fields next to id and type.
func (n Node) MarshalJSON() ([]byte, error) {
	var variant interface{}
	switch n.Type {
	case NodeTypeMCPCall:
		variant = n.MCPCall
	case NodeTypeIf:
		variant = n.If
	case NodeTypeForEach:
		variant = n.ForEach
	case NodeTypeTryCatch:
		variant = n.TryCatch
	case NodeTypeSubWorkflow:
		variant = n.SubWorkflow
	case NodeTypeSet:
		variant = n.Set
	case NodeTypeSleep:
		variant = n.Sleep
	default:
		return nil, fmt.Errorf("unknown node type %q for node %q", n.Type, n.ID)
	}

	flat := map[string]interface{}{
		"id":   n.ID,
		"type": n.Type,
	}
	if variant != nil {
		raw, err := json.Marshal(variant)
		if err != nil {
			return nil, err
		}
		var fields map[string]interface{}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
		for k, v := range fields {
			flat[k] = v
		}
	}
	return json.Marshal(flat)
}

// Edge is one directed dependency of the workflow DAG.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// WorkflowDefinition is an immutable workflow document. It is loaded from
// disk, copied into an execution and discarded with it.
type WorkflowDefinition struct {
	Name        string                 `json:"name"`
	Version     string                 `json:"version,omitempty"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Nodes       []Node                 `json:"nodes"`
	Edges       []Edge                 `json:"edges"`
	UIMetadata  map[string]interface{} `json:"ui_metadata,omitempty"`
}

// NodeByID returns the node with the given id, or nil.
func (w *WorkflowDefinition) NodeByID(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// NodeStatus is the per-node execution state.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusError     NodeStatus = "error"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// ExecutionStatus is the terminal state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// ExecutionError records one node failure.
type ExecutionError struct {
	NodeID  string `json:"node_id"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// LogLine is one structured line of the per-execution log.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	NodeID    string    `json:"node_id,omitempty"`
	Message   string    `json:"message"`
}

// ExecutionResult is the immutable, persisted outcome of one workflow run.
type ExecutionResult struct {
	ID               string                 `json:"id"`
	WorkflowName     string                 `json:"workflow_name"`
	Status           ExecutionStatus        `json:"status"`
	Params           map[string]interface{} `json:"params,omitempty"`
	Results          map[string]interface{} `json:"results"`
	Errors           []ExecutionError       `json:"errors,omitempty"`
	Logs             []LogLine              `json:"logs,omitempty"`
	NodeStates       map[string]NodeStatus  `json:"node_states"`
	CumulativeTokens int                    `json:"cumulative_tokens,omitempty"`
	ReferenceID      string                 `json:"reference_id,omitempty"`
	StartedAt        time.Time              `json:"started_at"`
	CompletedAt      time.Time              `json:"completed_at"`
}

// ProgressEvent is emitted on every node state change. The node_states map is
// a snapshot taken at emission time.
type ProgressEvent struct {
	Type       string                `json:"type"`
	NodeID     string                `json:"node_id"`
	Status     NodeStatus            `json:"status"`
	NodeStates map[string]NodeStatus `json:"node_states"`
	Timestamp  time.Time             `json:"timestamp"`
}

// ProgressCallback receives progress events from a running execution. It must
// not block; errors raised by a callback are logged and ignored.
type ProgressCallback func(ProgressEvent)

// ToolServerInfo describes a registered tool server endpoint.
type ToolServerInfo struct {
	Name        string `json:"name"`
	Endpoint    string `json:"endpoint"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
}
