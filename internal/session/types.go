package session

import (
	"encoding/json"
	"os"
	"strconv"
	"sync"
	"time"
)

// protocolVersion is the protocol revision this client negotiates.
const protocolVersion = "2025-03-26"

const (
	headerProtocolVersion = "MCP-Protocol-Version"
	headerSessionID       = "MCP-Session-Id"
	headerLastEventID     = "Last-Event-ID"
)

// Timeouts configures the per-operation-class request budgets.
type Timeouts struct {
	Initialize time.Duration
	List       time.Duration
	Call       time.Duration
}

// DefaultTimeouts returns the stock budgets: 30s handshake, 10s list,
// 300s tool call.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Initialize: 30 * time.Second,
		List:       10 * time.Second,
		Call:       300 * time.Second,
	}
}

// TimeoutsFromEnv applies MCP_TIMEOUT_INIT, MCP_TIMEOUT_LIST and
// MCP_TIMEOUT_CALL (seconds) over the defaults.
func TimeoutsFromEnv() Timeouts {
	t := DefaultTimeouts()
	if v := envSeconds("MCP_TIMEOUT_INIT"); v > 0 {
		t.Initialize = v
	}
	if v := envSeconds("MCP_TIMEOUT_LIST"); v > 0 {
		t.List = v
	}
	if v := envSeconds("MCP_TIMEOUT_CALL"); v > 0 {
		t.Call = v
	}
	return t
}

func envSeconds(name string) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// session is the negotiated state for one endpoint. Owned by the Manager and
// never handed out by reference to callers.
type session struct {
	endpoint           string
	protocolVersion    string
	sessionID          string
	serverCapabilities json.RawMessage
	initializedAt      time.Time
}

// endpointState carries the per-endpoint locks and the current session.
//
// initMu is the initialisation lock: double-checked so a concurrent first-use
// burst performs exactly one handshake. reqMu serialises tool calls (tool
// servers are not required to be reentrant on a single session); ListTools
// takes it shared so listing does not serialise against itself but does
// serialise with calls.
type endpointState struct {
	initMu sync.Mutex
	reqMu  sync.RWMutex

	mu      sync.RWMutex
	session *session
}

func (st *endpointState) current() *session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.session
}

func (st *endpointState) store(s *session) {
	st.mu.Lock()
	st.session = s
	st.mu.Unlock()
}

// invalidate drops the session only if it is still the one the caller saw,
// so a racing re-initialise is not discarded.
func (st *endpointState) invalidate(old *session) {
	st.mu.Lock()
	if st.session == old {
		st.session = nil
	}
	st.mu.Unlock()
}

// rpcRequest is an outbound JSON-RPC 2.0 message. Notifications carry no ID.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// rpcMessage is an inbound JSON-RPC message: either the response to the
// in-flight request (Result or Error set) or a server-initiated notification
// (Method set, no ID).
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isResponse reports whether the message answers a request rather than being
// a notification.
func (m *rpcMessage) isResponse() bool {
	return m.Result != nil || m.Error != nil
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// initializeResult is the payload of a successful handshake.
type initializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

// NotificationHandler receives server-initiated notifications read off an SSE
// stream. It runs on the stream-reading goroutine and must return promptly.
type NotificationHandler func(endpoint, method string, params json.RawMessage)
