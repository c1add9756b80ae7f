package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"flotilla/internal/api"
	"flotilla/pkg/logging"

	"github.com/cenkalti/backoff/v4"
	"github.com/mark3labs/mcp-go/mcp"
)

const subsystem = "SessionManager"

// callMaxAttempts bounds tool-call retries. A 404 session expiry does not
// consume an attempt.
const callMaxAttempts = 3

// cancelBudget is the best-effort budget for notifications/cancelled after a
// final-attempt timeout.
const cancelBudget = 5 * time.Second

// Manager owns the wire protocol to tool servers: the initialize handshake,
// per-endpoint session state, request serialisation and SSE stream
// reassembly. Sessions are keyed by endpoint URL and rebuilt transparently
// when the server reports them gone.
type Manager struct {
	httpClient *http.Client
	timeouts   Timeouts
	notify     NotificationHandler

	clientName    string
	clientVersion string

	mu        sync.Mutex
	endpoints map[string]*endpointState

	nextID atomic.Int64
	closed atomic.Bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeouts overrides the per-operation budgets.
func WithTimeouts(t Timeouts) Option {
	return func(m *Manager) { m.timeouts = t }
}

// WithNotificationHandler routes server-initiated notifications.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(m *Manager) { m.notify = h }
}

// WithHTTPClient replaces the pooled HTTP client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// NewManager creates a session manager with a long-lived pooled HTTP client.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeouts:      TimeoutsFromEnv(),
		clientName:    "flotilla",
		clientVersion: "1.0.0",
		endpoints:     make(map[string]*endpointState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Close drops all sessions and releases pooled connections. The manager must
// not be used afterwards.
func (m *Manager) Close() error {
	m.closed.Store(true)

	m.mu.Lock()
	m.endpoints = make(map[string]*endpointState)
	m.mu.Unlock()

	if transport, ok := m.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
	return nil
}

// ListTools returns the tool descriptors exposed by the given endpoint.
func (m *Manager) ListTools(ctx context.Context, endpoint string) ([]mcp.Tool, error) {
	if m.closed.Load() {
		return nil, fmt.Errorf("session manager is closed")
	}
	st := m.endpointState(endpoint)

	// Shared lock: listing is concurrent with other listings but serialises
	// against tool calls on the same endpoint.
	st.reqMu.RLock()
	defer st.reqMu.RUnlock()

	result, err := m.requestWithRecovery(ctx, st, endpoint, "tools/list", struct{}{}, m.timeouts.List, nil)
	if err != nil {
		return nil, err
	}

	var parsed mcp.ListToolsResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, &api.ProtocolError{Endpoint: endpoint, Message: "malformed tools/list result", Cause: err}
	}
	return parsed.Tools, nil
}

// CallTool invokes a named tool. Up to three attempts; between attempts the
// server-supplied retry delay is honoured, else exponential backoff from one
// second. Retries resume the stream via Last-Event-ID. A final-attempt
// timeout sends a best-effort notifications/cancelled before surfacing the
// error.
func (m *Manager) CallTool(ctx context.Context, endpoint, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if m.closed.Load() {
		return nil, fmt.Errorf("session manager is closed")
	}
	st := m.endpointState(endpoint)

	st.reqMu.Lock()
	defer st.reqMu.Unlock()

	params := map[string]interface{}{
		"name": name,
	}
	if args != nil {
		params["arguments"] = args
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.RandomizationFactor = 0
	policy.Reset()

	stream := &streamState{}
	var lastErr error

	for attempt := 1; attempt <= callMaxAttempts; attempt++ {
		requestID := m.nextID.Add(1)
		result, err := m.requestWithRecovery(ctx, st, endpoint, "tools/call", params, m.timeouts.Call, &requestOpts{
			id:     requestID,
			stream: stream,
		})
		if err == nil {
			parsed, perr := parseCallResult(endpoint, result)
			if perr != nil {
				lastErr = perr
				logging.Warn(subsystem, "Attempt %d/%d for %s on %s returned a malformed result: %v",
					attempt, callMaxAttempts, name, endpoint, perr)
			} else {
				return parsed, nil
			}
		} else {
			lastErr = err
			if errors.Is(err, context.DeadlineExceeded) && attempt == callMaxAttempts {
				m.sendCancelled(endpoint, st, requestID, "client timeout")
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logging.Warn(subsystem, "Attempt %d/%d for %s on %s failed: %v", attempt, callMaxAttempts, name, endpoint, err)
		}

		if attempt == callMaxAttempts {
			break
		}

		// Prefer the server's retry delay when it supplied one.
		delay := stream.takeRetryDelay()
		if delay <= 0 {
			delay = policy.NextBackOff()
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("tool call %s on %s failed after %d attempts: %w", name, endpoint, callMaxAttempts, lastErr)
}

// endpointState returns (creating on demand) the lock/session holder for an
// endpoint.
func (m *Manager) endpointState(endpoint string) *endpointState {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.endpoints[endpoint]
	if !ok {
		st = &endpointState{}
		m.endpoints[endpoint] = st
	}
	return st
}

// ensureSession returns the current session, performing the handshake exactly
// once under concurrent first use (double-checked against the init lock).
func (m *Manager) ensureSession(ctx context.Context, st *endpointState, endpoint string) (*session, error) {
	if s := st.current(); s != nil {
		return s, nil
	}

	st.initMu.Lock()
	defer st.initMu.Unlock()

	if s := st.current(); s != nil {
		return s, nil
	}

	s, err := m.initialize(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	st.store(s)
	return s, nil
}

// initialize performs the JSON-RPC initialize handshake and the follow-up
// initialized notification.
func (m *Manager) initialize(ctx context.Context, endpoint string) (*session, error) {
	logging.Debug(subsystem, "Initialising session with %s", endpoint)

	initCtx, cancel := context.WithTimeout(ctx, m.timeouts.Initialize)
	defer cancel()

	requestID := m.nextID.Add(1)
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      requestID,
		Method:  "initialize",
		Params: map[string]interface{}{
			"protocolVersion": protocolVersion,
			"clientInfo": map[string]string{
				"name":    m.clientName,
				"version": m.clientVersion,
			},
			"capabilities": map[string]interface{}{},
		},
	}

	msg, headers, err := m.roundTrip(initCtx, endpoint, req, nil, nil)
	if err != nil {
		return nil, &api.SessionInitialisationError{Endpoint: endpoint, Cause: err}
	}
	if msg.Error != nil {
		return nil, &api.SessionInitialisationError{
			Endpoint: endpoint,
			Cause:    fmt.Errorf("server rejected initialize: %s (code %d)", msg.Error.Message, msg.Error.Code),
		}
	}

	var result initializeResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return nil, &api.SessionInitialisationError{
			Endpoint: endpoint,
			Cause:    &api.ProtocolError{Endpoint: endpoint, Message: "malformed initialize result", Cause: err},
		}
	}

	s := &session{
		endpoint:           endpoint,
		protocolVersion:    result.ProtocolVersion,
		sessionID:          headers.Get(headerSessionID),
		serverCapabilities: result.Capabilities,
		initializedAt:      time.Now(),
	}
	if s.protocolVersion == "" {
		s.protocolVersion = protocolVersion
	}

	// The initialized notification completes the handshake. A non-202 answer
	// is a warning, not a failure.
	if err := m.sendNotification(initCtx, endpoint, s, "notifications/initialized", nil); err != nil {
		logging.Warn(subsystem, "initialized notification to %s not acknowledged: %v", endpoint, err)
	}

	logging.Info(subsystem, "Session established with %s (server %s %s, protocol %s)",
		endpoint, result.ServerInfo.Name, result.ServerInfo.Version, s.protocolVersion)
	return s, nil
}

// requestOpts carries optional per-request state for resumable calls.
type requestOpts struct {
	id     interface{}
	stream *streamState
}

// requestWithRecovery issues one request on an established session; a 404
// expiry drops the session and retries once immediately with a fresh
// handshake, invisible to the caller.
func (m *Manager) requestWithRecovery(ctx context.Context, st *endpointState, endpoint, method string, params interface{}, timeout time.Duration, opts *requestOpts) (json.RawMessage, error) {
	for recovery := 0; ; recovery++ {
		s, err := m.ensureSession(ctx, st, endpoint)
		if err != nil {
			return nil, err
		}

		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := m.request(reqCtx, endpoint, s, method, params, opts)
		cancel()

		if api.IsSessionExpired(err) && recovery == 0 {
			logging.Info(subsystem, "Session with %s expired, re-initialising", endpoint)
			st.invalidate(s)
			continue
		}
		return result, err
	}
}

func (m *Manager) request(ctx context.Context, endpoint string, s *session, method string, params interface{}, opts *requestOpts) (json.RawMessage, error) {
	var id interface{} = m.nextID.Add(1)
	var stream *streamState
	if opts != nil {
		if opts.id != nil {
			id = opts.id
		}
		stream = opts.stream
	}

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	msg, _, err := m.roundTrip(ctx, endpoint, req, s, stream)
	if err != nil {
		return nil, err
	}
	if msg.Error != nil {
		return nil, &api.ProtocolError{
			Endpoint: endpoint,
			Message:  fmt.Sprintf("%s returned JSON-RPC error %d: %s", method, msg.Error.Code, msg.Error.Message),
		}
	}
	return msg.Result, nil
}

// streamState tracks SSE resumption data across retry attempts of one
// logical operation.
type streamState struct {
	mu          sync.Mutex
	lastEventID string
	retryDelay  time.Duration
}

func (s *streamState) observe(ev sseEvent) {
	s.mu.Lock()
	if ev.id != "" {
		s.lastEventID = ev.id
	}
	if ev.retry > 0 {
		s.retryDelay = ev.retry
	}
	s.mu.Unlock()
}

func (s *streamState) lastID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

// takeRetryDelay returns the server-supplied delay once; subsequent calls
// fall back to client backoff until the server sends another retry field.
func (s *streamState) takeRetryDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.retryDelay
	s.retryDelay = 0
	return d
}

// roundTrip POSTs one JSON-RPC message and reassembles the reply, which may
// arrive as plain JSON or as an SSE stream. Returns the response message and
// the HTTP headers (for MCP-Session-Id capture during initialize).
func (m *Manager) roundTrip(ctx context.Context, endpoint string, req rpcRequest, s *session, stream *streamState) (*rpcMessage, http.Header, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if s != nil {
		httpReq.Header.Set(headerProtocolVersion, s.protocolVersion)
		if s.sessionID != "" {
			httpReq.Header.Set(headerSessionID, s.sessionID)
		}
	}
	if stream != nil {
		if lastID := stream.lastID(); lastID != "" {
			httpReq.Header.Set(headerLastEventID, lastID)
		}
	}

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && s != nil {
		io.Copy(io.Discard, resp.Body)
		return nil, resp.Header, &api.SessionExpiredError{Endpoint: endpoint}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, resp.Header, &api.ProtocolError{
			Endpoint: endpoint,
			Message:  fmt.Sprintf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(payload)),
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if isEventStream(contentType) {
		msg, err := m.readStreamResponse(endpoint, resp.Body, stream)
		return msg, resp.Header, err
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.Header, err
	}
	var msg rpcMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, resp.Header, &api.ProtocolError{Endpoint: endpoint, Message: "malformed JSON-RPC reply", Cause: err}
	}
	return &msg, resp.Header, nil
}

// readStreamResponse consumes SSE events until the response to the in-flight
// request appears. Notifications encountered on the way are routed to the
// notification handler.
func (m *Manager) readStreamResponse(endpoint string, body io.Reader, stream *streamState) (*rpcMessage, error) {
	var response *rpcMessage

	err := readSSE(body, func(ev sseEvent) (bool, error) {
		if stream != nil {
			stream.observe(ev)
		}

		var msg rpcMessage
		if err := json.Unmarshal([]byte(ev.data), &msg); err != nil {
			return false, &api.ProtocolError{Endpoint: endpoint, Message: "malformed SSE event payload", Cause: err}
		}

		if msg.isResponse() {
			response = &msg
			return true, nil
		}
		if msg.Method != "" {
			if m.notify != nil {
				m.notify(endpoint, msg.Method, msg.Params)
			}
			return false, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if response == nil {
		return nil, &api.ProtocolError{Endpoint: endpoint, Message: "stream ended without a response"}
	}
	return response, nil
}

// sendNotification posts a JSON-RPC notification (no id). Only the HTTP
// status is inspected.
func (m *Manager) sendNotification(ctx context.Context, endpoint string, s *session, method string, params interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	httpReq.Header.Set(headerProtocolVersion, s.protocolVersion)
	if s.sessionID != "" {
		httpReq.Header.Set(headerSessionID, s.sessionID)
	}

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("expected 202, got %d", resp.StatusCode)
	}
	return nil
}

// sendCancelled emits a best-effort notifications/cancelled for a timed-out
// request with its own 5-second budget.
func (m *Manager) sendCancelled(endpoint string, st *endpointState, requestID interface{}, reason string) {
	s := st.current()
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cancelBudget)
	defer cancel()

	err := m.sendNotification(ctx, endpoint, s, "notifications/cancelled", map[string]interface{}{
		"requestId": requestID,
		"reason":    reason,
	})
	if err != nil {
		logging.Debug(subsystem, "cancelled notification to %s failed: %v", endpoint, err)
	}
}

func isEventStream(contentType string) bool {
	return len(contentType) >= 17 && contentType[:17] == "text/event-stream"
}

// parseCallResult converts a tools/call result payload into the mcp type.
func parseCallResult(endpoint string, result json.RawMessage) (*mcp.CallToolResult, error) {
	raw := json.RawMessage(result)
	parsed, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return nil, &api.ProtocolError{Endpoint: endpoint, Message: "malformed tools/call result", Cause: err}
	}
	return parsed, nil
}
