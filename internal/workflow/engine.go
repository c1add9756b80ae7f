package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"flotilla/internal/api"
	"flotilla/pkg/logging"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

const engineSubsystem = "WorkflowEngine"

// ToolCaller is the slice of the session manager the engine needs.
type ToolCaller interface {
	CallTool(ctx context.Context, endpoint, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
}

// ServerRegistry resolves tool-server names to endpoints.
type ServerRegistry interface {
	Get(name string) (api.ToolServerInfo, error)
}

// Engine executes workflow definitions. It is safe for concurrent use; each
// execution owns its own context and the shared collaborators are
// concurrency-safe themselves.
type Engine struct {
	loader  *Loader
	servers ServerRegistry
	tools   ToolCaller
	storage *Storage
	tracker *Tracker
}

// NewEngine wires an engine from its collaborators. storage may be nil for
// ephemeral executions (tests); tracker must not be nil.
func NewEngine(loader *Loader, servers ServerRegistry, tools ToolCaller, storage *Storage, tracker *Tracker) *Engine {
	return &Engine{
		loader:  loader,
		servers: servers,
		tools:   tools,
		storage: storage,
		tracker: tracker,
	}
}

// Execute runs the named workflow to completion and returns its result. The
// returned error covers only pre-run failures (unknown workflow); node
// failures are reported through the result's status and errors.
func (e *Engine) Execute(ctx context.Context, workflowName string, params map[string]interface{}, progress api.ProgressCallback) (*api.ExecutionResult, error) {
	def, err := e.loader.Get(workflowName)
	if err != nil {
		return nil, err
	}

	execID := newExecutionID()
	ec := newExecutionContext(execID, workflowName, params)

	e.tracker.Register(execID, workflowName)
	defer e.tracker.Deregister(execID)

	logging.Info(engineSubsystem, "Starting execution %s of workflow %s", execID, workflowName)
	status := e.run(ctx, def, ec, progress)
	result := ec.result(status)

	if e.storage != nil {
		if err := e.storage.SaveResult(result); err != nil {
			logging.Error(engineSubsystem, err, "Failed to persist execution %s", execID)
		}
	}

	logging.Info(engineSubsystem, "Execution %s finished with status %s", execID, status)
	return result, nil
}

// run executes one definition against the given context and returns the
// terminal status. Used for top-level executions and recursively for
// sub-workflows and for_each items.
func (e *Engine) run(ctx context.Context, def *api.WorkflowDefinition, ec *executionContext, progress api.ProgressCallback) api.ExecutionStatus {
	order, err := topoSort(def)
	if err != nil {
		ec.addError("", "ValidationError", err.Error())
		ec.log("error", "", err.Error())
		return api.ExecutionStatusFailed
	}

	owned := managedNodes(def)
	skipped := make(map[string]bool)

	// Everything scheduled starts out pending so the first progress snapshot
	// shows the full graph.
	for _, id := range order {
		if !owned[id] {
			ec.markNode(id, api.NodeStatusPending)
		}
	}

	for _, nodeID := range order {
		if owned[nodeID] {
			continue
		}

		if ctx.Err() != nil || e.tracker.IsCancelled(ec.id) {
			ec.log("info", nodeID, "execution cancelled, skipping remaining nodes")
			e.skipRemaining(ec, order, owned, nodeID)
			return api.ExecutionStatusCancelled
		}

		if skipped[nodeID] {
			e.emit(ec, progress, nodeID, api.NodeStatusSkipped)
			continue
		}

		node := def.NodeByID(nodeID)
		result, err := e.runManagedNode(ctx, def, ec, node, progress)
		if err != nil {
			return api.ExecutionStatusFailed
		}

		if node.Type == api.NodeTypeIf {
			e.applyBranchSkips(def, node, result, skipped)
		}
	}
	return api.ExecutionStatusCompleted
}

// runManagedNode runs one node through the full per-node contract: mark
// running, dispatch the handler, store the result or the error, emit progress
// for every transition. Shared by the top-level loop and try_catch, which
// drives its owned nodes through the same path.
func (e *Engine) runManagedNode(ctx context.Context, def *api.WorkflowDefinition, ec *executionContext, node *api.Node, progress api.ProgressCallback) (interface{}, error) {
	e.emit(ec, progress, node.ID, api.NodeStatusRunning)
	ec.log("info", node.ID, fmt.Sprintf("node %s (%s) started", node.ID, node.Type))

	result, err := e.dispatch(ctx, def, ec, node, progress)
	if err != nil {
		nodeErr := asNodeError(node.ID, err)
		ec.addError(node.ID, nodeErr.ErrorType(), api.SanitizeString(nodeErr.Cause.Error()))
		ec.log("error", node.ID, nodeErr.Error())
		e.emit(ec, progress, node.ID, api.NodeStatusError)
		return nil, nodeErr
	}

	ec.setResult(node.ID, result)
	ec.log("info", node.ID, fmt.Sprintf("node %s completed", node.ID))
	e.emit(ec, progress, node.ID, api.NodeStatusCompleted)
	return result, nil
}

func (e *Engine) dispatch(ctx context.Context, def *api.WorkflowDefinition, ec *executionContext, node *api.Node, progress api.ProgressCallback) (interface{}, error) {
	switch node.Type {
	case api.NodeTypeMCPCall:
		return e.handleMCPCall(ctx, ec, node)
	case api.NodeTypeIf:
		return e.handleIf(ec, node)
	case api.NodeTypeForEach:
		return e.handleForEach(ctx, ec, node)
	case api.NodeTypeTryCatch:
		return e.handleTryCatch(ctx, def, ec, node, progress)
	case api.NodeTypeSubWorkflow:
		return e.handleSubWorkflow(ctx, ec, node)
	case api.NodeTypeSet:
		return e.handleSet(ec, node)
	case api.NodeTypeSleep:
		return e.handleSleep(ctx, ec, node)
	default:
		return nil, fmt.Errorf("unknown node type %q", node.Type)
	}
}

// applyBranchSkips marks the untaken branch of an if node, and every node
// reachable only through it, as skipped.
func (e *Engine) applyBranchSkips(def *api.WorkflowDefinition, node *api.Node, result interface{}, skipped map[string]bool) {
	decision, ok := result.(map[string]interface{})
	if !ok {
		return
	}
	condition, _ := decision["condition"].(bool)

	untaken := node.If.TrueBranch
	if condition {
		untaken = node.If.FalseBranch
	}
	if untaken == "" {
		return
	}
	for id := range exclusiveDescendants(def, untaken) {
		skipped[id] = true
	}
}

// skipRemaining marks every not-yet-finished scheduled node as skipped after
// a cancellation.
func (e *Engine) skipRemaining(ec *executionContext, order []string, owned map[string]bool, from string) {
	marking := false
	for _, id := range order {
		if id == from {
			marking = true
		}
		if marking && !owned[id] {
			ec.markNode(id, api.NodeStatusSkipped)
		}
	}
}

// emit records a node state change, appends it to the persisted progress
// stream and invokes the caller's callback. A panicking callback is logged
// and ignored.
func (e *Engine) emit(ec *executionContext, progress api.ProgressCallback, nodeID string, status api.NodeStatus) {
	snapshot := ec.markNode(nodeID, status)
	event := api.ProgressEvent{
		Type:       "node_state",
		NodeID:     nodeID,
		Status:     status,
		NodeStates: snapshot,
		Timestamp:  time.Now().UTC(),
	}

	if e.storage != nil {
		if err := e.storage.AppendProgress(ec.id, event); err != nil {
			logging.Warn(engineSubsystem, "Failed to append progress for %s: %v", ec.id, err)
		}
	}

	if progress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(engineSubsystem, "Progress callback panicked for %s: %v", ec.id, r)
		}
	}()
	progress(event)
}

func asNodeError(nodeID string, err error) *api.NodeError {
	var nodeErr *api.NodeError
	if errors.As(err, &nodeErr) {
		return nodeErr
	}
	return &api.NodeError{NodeID: nodeID, Cause: err}
}

// newExecutionID builds an id of the form exec_{timestamp}_{random}.
func newExecutionID() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("exec_%s_%s", time.Now().UTC().Format("20060102T150405"), random)
}
