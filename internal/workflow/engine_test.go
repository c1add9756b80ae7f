package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flotilla/internal/api"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRegistry maps every server name to a synthetic endpoint.
type fakeRegistry struct{}

func (fakeRegistry) Get(name string) (api.ToolServerInfo, error) {
	return api.ToolServerInfo{Name: name, Endpoint: "http://" + name}, nil
}

// fakeToolCaller dispatches tool calls to a scripted handler.
type fakeToolCaller struct {
	mu      sync.Mutex
	calls   []fakeCall
	handler func(endpoint, tool string, args map[string]interface{}) (*mcp.CallToolResult, error)
}

type fakeCall struct {
	Endpoint string
	Tool     string
	Args     map[string]interface{}
}

func (f *fakeToolCaller) CallTool(ctx context.Context, endpoint, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{Endpoint: endpoint, Tool: tool, Args: args})
	f.mu.Unlock()
	return f.handler(endpoint, tool, args)
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(text)}}
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(text)}, IsError: true}
}

func newTestEngine(t *testing.T, tools ToolCaller, defs ...*api.WorkflowDefinition) *Engine {
	t.Helper()
	loader := NewLoader("", t.TempDir())
	for _, def := range defs {
		require.NoError(t, loader.Save(def))
	}
	return NewEngine(loader, fakeRegistry{}, tools, nil, NewTracker())
}

func TestLinearWorkflowTwoToolCalls(t *testing.T) {
	caller := &fakeToolCaller{handler: func(endpoint, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
		switch tool {
		case "compute":
			return textResult(`{"result":4}`), nil
		case "format":
			return textResult(`{"text":"4"}`), nil
		}
		t.Fatalf("unexpected tool %s", tool)
		return nil, nil
	}}

	def := &api.WorkflowDefinition{
		Name: "linear",
		Nodes: []api.Node{
			{ID: "A", Type: api.NodeTypeMCPCall, MCPCall: &api.MCPCallNode{
				MCPServer: "srv", Tool: "compute", Params: map[string]interface{}{"x": 2},
			}},
			{ID: "B", Type: api.NodeTypeMCPCall, MCPCall: &api.MCPCallNode{
				MCPServer: "srv", Tool: "format", Params: map[string]interface{}{"value": "${A.result}"},
			}},
		},
		Edges: []api.Edge{{Source: "A", Target: "B"}},
	}

	engine := newTestEngine(t, caller, def)
	result, err := engine.Execute(context.Background(), "linear", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, api.ExecutionStatusCompleted, result.Status)
	assert.Equal(t, map[string]interface{}{"result": float64(4)}, result.Results["A"])
	assert.Equal(t, map[string]interface{}{"text": "4"}, result.Results["B"])
	assert.Equal(t, api.NodeStatusCompleted, result.NodeStates["A"])
	assert.Equal(t, api.NodeStatusCompleted, result.NodeStates["B"])

	// The whole-string reference must deliver A's numeric result, not its
	// JSON text.
	require.Len(t, caller.calls, 2)
	assert.Equal(t, float64(4), caller.calls[1].Args["value"])
}

func TestConditionalBranchSkipsUntaken(t *testing.T) {
	def := &api.WorkflowDefinition{
		Name: "branching",
		Nodes: []api.Node{
			{ID: "A", Type: api.NodeTypeSet, Set: &api.SetNode{Variables: map[string]interface{}{"x": 10}}},
			{ID: "B", Type: api.NodeTypeIf, If: &api.IfNode{Condition: "x > 5", TrueBranch: "T", FalseBranch: "F"}},
			{ID: "T", Type: api.NodeTypeSet, Set: &api.SetNode{Variables: map[string]interface{}{"chosen": "true"}}},
			{ID: "F", Type: api.NodeTypeSet, Set: &api.SetNode{Variables: map[string]interface{}{"chosen": "false"}}},
		},
		Edges: []api.Edge{
			{Source: "A", Target: "B"},
			{Source: "B", Target: "T"},
			{Source: "B", Target: "F"},
		},
	}

	engine := newTestEngine(t, &fakeToolCaller{}, def)
	result, err := engine.Execute(context.Background(), "branching", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, api.ExecutionStatusCompleted, result.Status)
	assert.Equal(t, api.NodeStatusCompleted, result.NodeStates["T"])
	assert.Equal(t, api.NodeStatusSkipped, result.NodeStates["F"])
	assert.Equal(t, map[string]interface{}{"chosen": "true"}, result.Results["T"])
	assert.NotContains(t, result.Results, "F")
}

func TestTryCatchRecovers(t *testing.T) {
	caller := &fakeToolCaller{handler: func(endpoint, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
		return errorResult("kaboom"), nil
	}}

	def := &api.WorkflowDefinition{
		Name: "recovery",
		Nodes: []api.Node{
			{ID: "TC", Type: api.NodeTypeTryCatch, TryCatch: &api.TryCatchNode{
				TryNode: "T", CatchNode: "C", ErrorVar: "e",
			}},
			{ID: "T", Type: api.NodeTypeMCPCall, MCPCall: &api.MCPCallNode{MCPServer: "srv", Tool: "boom"}},
			{ID: "C", Type: api.NodeTypeSet, Set: &api.SetNode{Variables: map[string]interface{}{"recovered": "${e.type}"}}},
		},
	}

	engine := newTestEngine(t, caller, def)
	result, err := engine.Execute(context.Background(), "recovery", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, api.ExecutionStatusCompleted, result.Status)
	assert.Equal(t, api.NodeStatusError, result.NodeStates["T"])
	assert.Equal(t, api.NodeStatusCompleted, result.NodeStates["C"])
	assert.Equal(t, api.NodeStatusCompleted, result.NodeStates["TC"])
	assert.Equal(t, map[string]interface{}{"recovered": "ToolServerError"}, result.Results["C"])
}

func TestTryCatchFinallyErrorDominates(t *testing.T) {
	caller := &fakeToolCaller{handler: func(endpoint, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
		if tool == "cleanup" {
			return errorResult("cleanup failed"), nil
		}
		return textResult(`{"ok":true}`), nil
	}}

	def := &api.WorkflowDefinition{
		Name: "finally-dominates",
		Nodes: []api.Node{
			{ID: "TC", Type: api.NodeTypeTryCatch, TryCatch: &api.TryCatchNode{
				TryNode: "T", FinallyNode: "FIN",
			}},
			{ID: "T", Type: api.NodeTypeMCPCall, MCPCall: &api.MCPCallNode{MCPServer: "srv", Tool: "work"}},
			{ID: "FIN", Type: api.NodeTypeMCPCall, MCPCall: &api.MCPCallNode{MCPServer: "srv", Tool: "cleanup"}},
		},
	}

	engine := newTestEngine(t, caller, def)
	result, err := engine.Execute(context.Background(), "finally-dominates", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, api.ExecutionStatusFailed, result.Status)
	assert.Equal(t, api.NodeStatusCompleted, result.NodeStates["T"])
	assert.Equal(t, api.NodeStatusError, result.NodeStates["FIN"])
	assert.Equal(t, api.NodeStatusError, result.NodeStates["TC"])
}

func TestForEachBoundedParallelism(t *testing.T) {
	var inFlight, peak atomic.Int64
	caller := &fakeToolCaller{handler: func(endpoint, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		inFlight.Add(-1)
		return textResult(`{"done":true}`), nil
	}}

	each := &api.WorkflowDefinition{
		Name: "each",
		Nodes: []api.Node{
			{ID: "work", Type: api.NodeTypeMCPCall, MCPCall: &api.MCPCallNode{
				MCPServer: "srv", Tool: "process", Params: map[string]interface{}{"item": "${item}"},
			}},
		},
	}
	main := &api.WorkflowDefinition{
		Name: "fanout",
		Nodes: []api.Node{
			{ID: "L", Type: api.NodeTypeForEach, ForEach: &api.ForEachNode{
				Items: "${params.items}", SubWorkflow: "each",
				MaxParallel: 2, CollectResults: true, ItemVar: "item", IndexVar: "index",
			}},
		},
	}

	engine := newTestEngine(t, caller, each, main)
	start := time.Now()
	result, err := engine.Execute(context.Background(), "fanout",
		map[string]interface{}{"items": []interface{}{1, 2, 3, 4, 5}}, nil)
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Equal(t, api.ExecutionStatusCompleted, result.Status)
	items, ok := result.Results["L"].([]interface{})
	require.True(t, ok, "collect_results must yield a list, got %T", result.Results["L"])
	assert.Len(t, items, 5)

	assert.EqualValues(t, 2, peak.Load(), "observed concurrency must peak at max_parallel")
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond, "5 items at 100ms each with parallelism 2 need 3 batches")
}

func TestForEachItemErrorsWithoutStopOnError(t *testing.T) {
	caller := &fakeToolCaller{handler: func(endpoint, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
		if n, ok := args["item"].(int); ok && n == 2 {
			return errorResult("item two is cursed"), nil
		}
		return textResult(`{"done":true}`), nil
	}}

	each := &api.WorkflowDefinition{
		Name: "each",
		Nodes: []api.Node{
			{ID: "work", Type: api.NodeTypeMCPCall, MCPCall: &api.MCPCallNode{
				MCPServer: "srv", Tool: "process", Params: map[string]interface{}{"item": "${item}"},
			}},
		},
	}
	main := &api.WorkflowDefinition{
		Name: "tolerant",
		Nodes: []api.Node{
			{ID: "L", Type: api.NodeTypeForEach, ForEach: &api.ForEachNode{
				Items: "${params.items}", SubWorkflow: "each",
				MaxParallel: 1, CollectResults: true, ItemVar: "item", IndexVar: "index",
			}},
		},
	}

	engine := newTestEngine(t, caller, each, main)
	result, err := engine.Execute(context.Background(), "tolerant",
		map[string]interface{}{"items": []interface{}{1, 2, 3}}, nil)
	require.NoError(t, err)

	assert.Equal(t, api.ExecutionStatusCompleted, result.Status)
	items := result.Results["L"].([]interface{})
	require.Len(t, items, 3)

	failed, ok := items[1].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, failed["error"], "cursed")
	assert.EqualValues(t, 1, failed["index"])

	good, ok := items[0].(map[string]interface{})
	require.True(t, ok)
	assert.NotContains(t, good, "error")
}

func TestSubWorkflowFreshContext(t *testing.T) {
	child := &api.WorkflowDefinition{
		Name: "child",
		Nodes: []api.Node{
			{ID: "greet", Type: api.NodeTypeSet, Set: &api.SetNode{
				Variables: map[string]interface{}{"greeting": "hello ${params.who}"},
			}},
		},
	}
	parent := &api.WorkflowDefinition{
		Name: "parent",
		Nodes: []api.Node{
			{ID: "sub", Type: api.NodeTypeSubWorkflow, SubWorkflow: &api.SubWorkflowNode{
				Workflow: "child", Params: map[string]interface{}{"who": "world"},
			}},
		},
	}

	engine := newTestEngine(t, &fakeToolCaller{}, child, parent)
	result, err := engine.Execute(context.Background(), "parent", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, api.ExecutionStatusCompleted, result.Status)
	sub, ok := result.Results["sub"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"greeting": "hello world"}, sub["greet"])
}

func TestStopOnFirstError(t *testing.T) {
	caller := &fakeToolCaller{handler: func(endpoint, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
		return errorResult("boom"), nil
	}}

	def := &api.WorkflowDefinition{
		Name: "failing",
		Nodes: []api.Node{
			{ID: "A", Type: api.NodeTypeMCPCall, MCPCall: &api.MCPCallNode{MCPServer: "srv", Tool: "boom"}},
			{ID: "B", Type: api.NodeTypeSet, Set: &api.SetNode{Variables: map[string]interface{}{"unreached": true}}},
		},
		Edges: []api.Edge{{Source: "A", Target: "B"}},
	}

	engine := newTestEngine(t, caller, def)
	result, err := engine.Execute(context.Background(), "failing", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, api.ExecutionStatusFailed, result.Status)
	assert.Equal(t, api.NodeStatusError, result.NodeStates["A"])
	assert.Equal(t, api.NodeStatusPending, result.NodeStates["B"], "nodes after the failure never run")
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "A", result.Errors[0].NodeID)
	assert.Equal(t, "ToolServerError", result.Errors[0].Type)
}

func TestUnsafeConditionFailsNode(t *testing.T) {
	def := &api.WorkflowDefinition{
		Name: "unsafe",
		Nodes: []api.Node{
			{ID: "B", Type: api.NodeTypeIf, If: &api.IfNode{Condition: "__import__('os')"}},
		},
	}

	engine := newTestEngine(t, &fakeToolCaller{}, def)
	result, err := engine.Execute(context.Background(), "unsafe", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, api.ExecutionStatusFailed, result.Status)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "UnsafeExpressionError", result.Errors[0].Type)
}

func TestProgressEventsEmitted(t *testing.T) {
	def := &api.WorkflowDefinition{
		Name: "observed",
		Nodes: []api.Node{
			{ID: "A", Type: api.NodeTypeSet, Set: &api.SetNode{Variables: map[string]interface{}{"x": 1}}},
		},
	}

	var events []api.ProgressEvent
	engine := newTestEngine(t, &fakeToolCaller{}, def)
	result, err := engine.Execute(context.Background(), "observed", nil, func(ev api.ProgressEvent) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	require.Equal(t, api.ExecutionStatusCompleted, result.Status)

	require.Len(t, events, 2)
	assert.Equal(t, api.NodeStatusRunning, events[0].Status)
	assert.Equal(t, api.NodeStatusCompleted, events[1].Status)
	assert.Equal(t, api.NodeStatusCompleted, events[1].NodeStates["A"])
}

func TestPanickingProgressCallbackDoesNotAbort(t *testing.T) {
	def := &api.WorkflowDefinition{
		Name: "resilient",
		Nodes: []api.Node{
			{ID: "A", Type: api.NodeTypeSet, Set: &api.SetNode{Variables: map[string]interface{}{"x": 1}}},
		},
	}

	engine := newTestEngine(t, &fakeToolCaller{}, def)
	result, err := engine.Execute(context.Background(), "resilient", nil, func(ev api.ProgressEvent) {
		panic("observer bug")
	})
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionStatusCompleted, result.Status)
}

func TestCancellationBetweenNodes(t *testing.T) {
	tracker := NewTracker()
	loader := NewLoader("", t.TempDir())

	started := make(chan string, 1)
	caller := &fakeToolCaller{handler: func(endpoint, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
		select {
		case started <- tool:
		default:
		}
		time.Sleep(50 * time.Millisecond)
		return textResult(`{"ok":true}`), nil
	}}

	def := &api.WorkflowDefinition{
		Name: "cancellable",
		Nodes: []api.Node{
			{ID: "A", Type: api.NodeTypeMCPCall, MCPCall: &api.MCPCallNode{MCPServer: "srv", Tool: "first"}},
			{ID: "B", Type: api.NodeTypeMCPCall, MCPCall: &api.MCPCallNode{MCPServer: "srv", Tool: "second"}},
		},
		Edges: []api.Edge{{Source: "A", Target: "B"}},
	}
	require.NoError(t, loader.Save(def))
	engine := NewEngine(loader, fakeRegistry{}, caller, nil, tracker)

	type outcome struct {
		result *api.ExecutionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := engine.Execute(context.Background(), "cancellable", nil, nil)
		done <- outcome{result, err}
	}()

	<-started
	// Cancel while A is mid-call; B must never start.
	for _, exec := range tracker.List() {
		require.NoError(t, tracker.Cancel(exec.ID))
	}

	got := <-done
	require.NoError(t, got.err)
	result := got.result
	assert.Equal(t, api.ExecutionStatusCancelled, result.Status)
	assert.Equal(t, api.NodeStatusCompleted, result.NodeStates["A"], "in-flight node finishes its call")
	assert.Equal(t, api.NodeStatusSkipped, result.NodeStates["B"])
	caller.mu.Lock()
	defer caller.mu.Unlock()
	assert.Len(t, caller.calls, 1)
}
