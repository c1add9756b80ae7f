package workflow

import (
	"encoding/json"
	"sync"
	"time"

	"flotilla/internal/api"
	"flotilla/pkg/logging"
)

// executionContext is the mutable workspace of one workflow run. It is owned
// by a single Engine invocation; sub-workflow runs receive derived copies that
// share no mutation with the parent. The mutex covers concurrent access from
// for_each child tasks.
type executionContext struct {
	id           string
	workflowName string
	params       map[string]interface{}
	startedAt    time.Time

	mu         sync.Mutex
	results    map[string]interface{}
	variables  map[string]interface{}
	nodeStates map[string]api.NodeStatus
	logs       []api.LogLine
	errors     []api.ExecutionError
}

func newExecutionContext(id, workflowName string, params map[string]interface{}) *executionContext {
	if params == nil {
		params = make(map[string]interface{})
	}
	return &executionContext{
		id:           id,
		workflowName: workflowName,
		params:       params,
		startedAt:    time.Now().UTC(),
		results:      make(map[string]interface{}),
		variables:    make(map[string]interface{}),
		nodeStates:   make(map[string]api.NodeStatus),
	}
}

// derive creates an independent context seeded from this one's results and
// variables. Values are deep-copied so the child cannot mutate the parent.
func (ec *executionContext) derive(id, workflowName string, params map[string]interface{}) *executionContext {
	ec.mu.Lock()
	results := deepCopyMap(ec.results)
	variables := deepCopyMap(ec.variables)
	ec.mu.Unlock()

	child := newExecutionContext(id, workflowName, params)
	child.results = results
	child.variables = variables
	return child
}

// scope builds the identifier map handed to the template resolver and the
// expression evaluator: node results overlaid with variables, plus params
// under the "params" key.
func (ec *executionContext) scope() map[string]interface{} {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	merged := make(map[string]interface{}, len(ec.results)+len(ec.variables)+1)
	for k, v := range ec.results {
		merged[k] = v
	}
	for k, v := range ec.variables {
		merged[k] = v
	}
	merged["params"] = ec.params
	return merged
}

func (ec *executionContext) setResult(nodeID string, value interface{}) {
	ec.mu.Lock()
	ec.results[nodeID] = value
	ec.mu.Unlock()
}

func (ec *executionContext) setVariable(name string, value interface{}) {
	ec.mu.Lock()
	ec.variables[name] = value
	ec.mu.Unlock()
}

func (ec *executionContext) variable(name string) (interface{}, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	v, ok := ec.variables[name]
	return v, ok
}

// markNode records a node state change and returns a snapshot of all node
// states for the progress event.
func (ec *executionContext) markNode(nodeID string, status api.NodeStatus) map[string]api.NodeStatus {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	ec.nodeStates[nodeID] = status
	snapshot := make(map[string]api.NodeStatus, len(ec.nodeStates))
	for k, v := range ec.nodeStates {
		snapshot[k] = v
	}
	return snapshot
}

func (ec *executionContext) addError(nodeID, errType, message string) {
	ec.mu.Lock()
	ec.errors = append(ec.errors, api.ExecutionError{NodeID: nodeID, Type: errType, Message: message})
	ec.mu.Unlock()
}

func (ec *executionContext) log(level, nodeID, message string) {
	line := api.LogLine{
		Timestamp: time.Now().UTC(),
		Level:     level,
		NodeID:    nodeID,
		Message:   message,
	}
	ec.mu.Lock()
	ec.logs = append(ec.logs, line)
	ec.mu.Unlock()
}

// result freezes the context into the persisted ExecutionResult.
func (ec *executionContext) result(status api.ExecutionStatus) *api.ExecutionResult {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	states := make(map[string]api.NodeStatus, len(ec.nodeStates))
	for k, v := range ec.nodeStates {
		states[k] = v
	}
	return &api.ExecutionResult{
		ID:           ec.id,
		WorkflowName: ec.workflowName,
		Status:       status,
		Params:       ec.params,
		Results:      ec.results,
		Errors:       append([]api.ExecutionError(nil), ec.errors...),
		Logs:         append([]api.LogLine(nil), ec.logs...),
		NodeStates:   states,
		StartedAt:    ec.startedAt,
		CompletedAt:  time.Now().UTC(),
	}
}

// deepCopyMap copies a JSON-shaped value tree. Values that are not
// JSON-serialisable are kept by reference; workflow data comes off the wire
// as JSON so this is the uncommon case.
func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return make(map[string]interface{})
	}
	raw, err := json.Marshal(m)
	if err != nil {
		logging.Warn("WorkflowEngine", "Deep copy fell back to shallow copy: %v", err)
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	out := make(map[string]interface{}, len(m))
	if err := json.Unmarshal(raw, &out); err != nil {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
