package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flotilla/internal/api"
	"flotilla/internal/expr"
	"flotilla/internal/template"
	"flotilla/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// handleMCPCall resolves the node's parameters, looks the tool server up in
// the registry and performs the call. A result flagged isError fails the node
// without retry; successful text payloads are parsed as JSON when possible.
func (e *Engine) handleMCPCall(ctx context.Context, ec *executionContext, node *api.Node) (interface{}, error) {
	call := node.MCPCall

	resolver := template.NewResolver(ec.scope())
	resolved, err := resolver.Resolve(call.Params)
	if err != nil {
		return nil, err
	}
	args, _ := resolved.(map[string]interface{})

	info, err := e.servers.Get(call.MCPServer)
	if err != nil {
		return nil, err
	}

	result, err := e.tools.CallTool(ctx, info.Endpoint, call.Tool, args)
	if err != nil {
		return nil, err
	}
	text := textContent(result)
	if result.IsError {
		return nil, &api.ToolServerError{Server: call.MCPServer, Tool: call.Tool, Message: text}
	}

	if text == "" {
		return nil, nil
	}
	var parsed interface{}
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		return parsed, nil
	}
	return text, nil
}

// handleIf evaluates the condition over the merged results and variables and
// records which branch was taken. The engine uses the decision to skip the
// opposite branch.
func (e *Engine) handleIf(ec *executionContext, node *api.Node) (interface{}, error) {
	condition, err := expr.EvalBool(node.If.Condition, ec.scope())
	if err != nil {
		return nil, err
	}

	branch := node.If.FalseBranch
	if condition {
		branch = node.If.TrueBranch
	}
	return map[string]interface{}{
		"condition": condition,
		"branch":    branch,
	}, nil
}

// handleForEach resolves the items expression to a list and runs the
// sub-workflow once per item with at most max_parallel tasks in flight.
// Results are collected in input order. With stop_on_error=false a failing
// item contributes an error value instead of failing the node.
func (e *Engine) handleForEach(ctx context.Context, ec *executionContext, node *api.Node) (interface{}, error) {
	fe := node.ForEach

	scope := ec.scope()
	resolver := template.NewResolver(scope)
	itemsVal, err := resolver.ResolveString(fe.Items)
	if err != nil {
		return nil, err
	}
	// A bare expression (no ${…}) comes back as its own text; evaluate it.
	if s, ok := itemsVal.(string); ok && s == fe.Items {
		if v, evalErr := expr.Eval(s, scope); evalErr == nil {
			itemsVal = v
		}
	}
	items, ok := itemsVal.([]interface{})
	if !ok {
		return nil, fmt.Errorf("for_each items %q did not resolve to a list (got %T)", fe.Items, itemsVal)
	}

	subDef, err := e.loader.Get(fe.SubWorkflow)
	if err != nil {
		return nil, err
	}

	sem := semaphore.NewWeighted(int64(fe.MaxParallel))
	g, gctx := errgroup.WithContext(ctx)
	results := make([]interface{}, len(items))

	for i, item := range items {
		if e.tracker.IsCancelled(ec.id) {
			break
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}

		i, item := i, item
		g.Go(func() error {
			defer sem.Release(1)

			childID := fmt.Sprintf("%s_%s_%d", ec.id, node.ID, i)
			child := ec.derive(childID, subDef.Name, deepCopyMap(ec.params))
			child.setVariable(fe.ItemVar, item)
			child.setVariable(fe.IndexVar, i)

			status := e.run(gctx, subDef, child, nil)
			if status != api.ExecutionStatusCompleted {
				itemErr := firstError(child)
				if fe.StopOnError {
					return fmt.Errorf("item %d failed: %w", i, itemErr)
				}
				results[i] = map[string]interface{}{
					"error": api.SanitizeString(itemErr.Error()),
					"index": i,
				}
				return nil
			}

			child.mu.Lock()
			results[i] = child.results
			child.mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if fe.CollectResults {
		return results, nil
	}
	return nil, nil
}

// handleTryCatch runs the owned try node. A failure binds an error
// description to the error variable, runs the catch node when present and is
// otherwise swallowed. The finally node always runs and its failure
// dominates.
func (e *Engine) handleTryCatch(ctx context.Context, def *api.WorkflowDefinition, ec *executionContext, node *api.Node, progress api.ProgressCallback) (interface{}, error) {
	tc := node.TryCatch

	tryNode := def.NodeByID(tc.TryNode)
	out, tryErr := e.runManagedNode(ctx, def, ec, tryNode, progress)

	if tryErr != nil {
		var nodeErr *api.NodeError
		errType := "NodeError"
		message := tryErr.Error()
		if errors.As(tryErr, &nodeErr) {
			errType = nodeErr.ErrorType()
			message = nodeErr.Cause.Error()
		}
		ec.setVariable(tc.ErrorVar, map[string]interface{}{
			"message": api.SanitizeString(message),
			"type":    errType,
			"node_id": tc.TryNode,
		})
		logging.Debug(engineSubsystem, "try_catch %s caught %s from %s", node.ID, errType, tc.TryNode)

		out = nil
		if tc.CatchNode != "" {
			catchNode := def.NodeByID(tc.CatchNode)
			catchOut, catchErr := e.runManagedNode(ctx, def, ec, catchNode, progress)
			if catchErr != nil {
				return nil, catchErr
			}
			out = catchOut
		}
	}

	if tc.FinallyNode != "" {
		finallyNode := def.NodeByID(tc.FinallyNode)
		if _, finallyErr := e.runManagedNode(ctx, def, ec, finallyNode, progress); finallyErr != nil {
			return nil, finallyErr
		}
	}
	return out, nil
}

// handleSubWorkflow runs a referenced workflow with a fresh context derived
// from the parent. The sub-workflow's final results map is the node's result.
func (e *Engine) handleSubWorkflow(ctx context.Context, ec *executionContext, node *api.Node) (interface{}, error) {
	sw := node.SubWorkflow

	subDef, err := e.loader.Get(sw.Workflow)
	if err != nil {
		return nil, err
	}

	resolver := template.NewResolver(ec.scope())
	resolved, err := resolver.Resolve(sw.Params)
	if err != nil {
		return nil, err
	}
	params, _ := resolved.(map[string]interface{})

	childID := fmt.Sprintf("%s_%s", ec.id, node.ID)
	child := ec.derive(childID, subDef.Name, params)

	switch status := e.run(ctx, subDef, child, nil); status {
	case api.ExecutionStatusCompleted:
	case api.ExecutionStatusCancelled:
		return nil, fmt.Errorf("sub-workflow %s was cancelled", sw.Workflow)
	default:
		return nil, fmt.Errorf("sub-workflow %s failed: %w", sw.Workflow, firstError(child))
	}

	child.mu.Lock()
	defer child.mu.Unlock()
	return child.results, nil
}

// handleSet resolves each value and writes it into the execution variables.
func (e *Engine) handleSet(ec *executionContext, node *api.Node) (interface{}, error) {
	resolver := template.NewResolver(ec.scope())

	out := make(map[string]interface{}, len(node.Set.Variables))
	for name, value := range node.Set.Variables {
		resolved, err := resolver.Resolve(value)
		if err != nil {
			return nil, err
		}
		ec.setVariable(name, resolved)
		out[name] = resolved
	}
	return out, nil
}

// handleSleep pauses the execution, honouring context cancellation.
func (e *Engine) handleSleep(ctx context.Context, ec *executionContext, node *api.Node) (interface{}, error) {
	duration := time.Duration(node.Sleep.Duration * float64(time.Second))
	if node.Sleep.Reason != "" {
		ec.log("info", node.ID, fmt.Sprintf("sleeping %s: %s", duration, node.Sleep.Reason))
	}

	select {
	case <-time.After(duration):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// textContent concatenates the text parts of a tool result.
func textContent(result *mcp.CallToolResult) string {
	var out string
	for _, content := range result.Content {
		switch tc := content.(type) {
		case mcp.TextContent:
			out += tc.Text
		case *mcp.TextContent:
			out += tc.Text
		}
	}
	return out
}

// firstError summarises a failed child execution for its parent.
func firstError(ec *executionContext) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if len(ec.errors) == 0 {
		return fmt.Errorf("workflow %s failed", ec.workflowName)
	}
	first := ec.errors[0]
	return fmt.Errorf("%s: %s", first.Type, first.Message)
}
