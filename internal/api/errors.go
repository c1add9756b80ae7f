package api

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// UnsafeExpressionError reports a condition expression that used a construct
// outside the evaluator's whitelist, referenced an unknown identifier, or
// failed at runtime inside an allowed operation.
type UnsafeExpressionError struct {
	Expression string
	Construct  string
	Message    string
}

func (e *UnsafeExpressionError) Error() string {
	if e.Construct != "" {
		return fmt.Sprintf("unsafe expression: %s (construct %q)", e.Message, e.Construct)
	}
	return fmt.Sprintf("unsafe expression: %s", e.Message)
}

// IsUnsafeExpression checks whether err is or wraps an UnsafeExpressionError.
func IsUnsafeExpression(err error) bool {
	var target *UnsafeExpressionError
	return errors.As(err, &target)
}

// SessionInitialisationError reports a failed or timed-out handshake with a
// tool server. The session manager retries on the next call.
type SessionInitialisationError struct {
	Endpoint string
	Cause    error
}

func (e *SessionInitialisationError) Error() string {
	return fmt.Sprintf("failed to initialise session with %s: %v", e.Endpoint, e.Cause)
}

func (e *SessionInitialisationError) Unwrap() error { return e.Cause }

// SessionExpiredError reports a 404 on an established session. The session
// manager recovers transparently; callers normally never see this.
type SessionExpiredError struct {
	Endpoint string
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("session with %s expired", e.Endpoint)
}

// IsSessionExpired checks whether err is or wraps a SessionExpiredError.
func IsSessionExpired(err error) bool {
	var target *SessionExpiredError
	return errors.As(err, &target)
}

// ProtocolError reports a malformed SSE stream or JSON-RPC reply.
type ProtocolError struct {
	Endpoint string
	Message  string
	Cause    error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol error from %s: %s: %v", e.Endpoint, e.Message, e.Cause)
	}
	return fmt.Sprintf("protocol error from %s: %s", e.Endpoint, e.Message)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// ToolServerError reports a tool call that returned isError=true. Never
// retried: the tool ran and failed.
type ToolServerError struct {
	Server  string
	Tool    string
	Message string
}

func (e *ToolServerError) Error() string {
	return fmt.Sprintf("tool %s on %s failed: %s", e.Tool, e.Server, e.Message)
}

// IsToolServerError checks whether err is or wraps a ToolServerError.
func IsToolServerError(err error) bool {
	var target *ToolServerError
	return errors.As(err, &target)
}

// NodeError wraps any failure inside a node handler with the node identity.
type NodeError struct {
	NodeID string
	Cause  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s failed: %v", e.NodeID, e.Cause)
}

func (e *NodeError) Unwrap() error { return e.Cause }

// ErrorType returns the taxonomy name of the underlying cause, used when
// binding error descriptions into try_catch error variables.
func (e *NodeError) ErrorType() string {
	switch {
	case IsUnsafeExpression(e.Cause):
		return "UnsafeExpressionError"
	case IsToolServerError(e.Cause):
		return "ToolServerError"
	case IsSessionExpired(e.Cause):
		return "SessionExpiredError"
	default:
		var protoErr *ProtocolError
		if errors.As(e.Cause, &protoErr) {
			return "ProtocolError"
		}
		var initErr *SessionInitialisationError
		if errors.As(e.Cause, &initErr) {
			return "SessionInitialisationError"
		}
		return "NodeError"
	}
}

// CircularDependencyError reports a dependency cycle found during resolution.
type CircularDependencyError struct {
	Chain []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Chain, " -> "))
}

// IsCircularDependency checks whether err is or wraps a
// CircularDependencyError.
func IsCircularDependency(err error) bool {
	var target *CircularDependencyError
	return errors.As(err, &target)
}

// DependencyNotFoundError reports a required dependency missing from both the
// installed records and the package index.
type DependencyNotFoundError struct {
	Name    string
	Version string
	Wanter  string
}

func (e *DependencyNotFoundError) Error() string {
	return fmt.Sprintf("dependency %s@%s required by %s not found", e.Name, e.Version, e.Wanter)
}

// IsDependencyNotFound checks whether err is or wraps a
// DependencyNotFoundError.
func IsDependencyNotFound(err error) bool {
	var target *DependencyNotFoundError
	return errors.As(err, &target)
}

// RegistryUnavailableError reports that every candidate registry failed for an
// operation. Attempted carries the registries in the order they were tried.
type RegistryUnavailableError struct {
	Operation string
	Attempted []string
	LastError error
}

func (e *RegistryUnavailableError) Error() string {
	return fmt.Sprintf("all registries failed for %s (tried: %s): %v",
		e.Operation, strings.Join(e.Attempted, ", "), e.LastError)
}

func (e *RegistryUnavailableError) Unwrap() error { return e.LastError }

// IsRegistryUnavailable checks whether err is or wraps a
// RegistryUnavailableError.
func IsRegistryUnavailable(err error) bool {
	var target *RegistryUnavailableError
	return errors.As(err, &target)
}

// CircuitBreakerOpenError is the internal skip signal for a registry whose
// breaker is open. It is consumed inside the failover manager and never
// surfaces to callers.
type CircuitBreakerOpenError struct {
	Registry string
	Until    time.Time
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for registry %s until %s", e.Registry, e.Until.Format(time.RFC3339))
}

// SignatureVerificationError reports a failed GPG check. The install aborts
// before any container action.
type SignatureVerificationError struct {
	Package string
	Cause   error
}

func (e *SignatureVerificationError) Error() string {
	return fmt.Sprintf("signature verification failed for %s: %v", e.Package, e.Cause)
}

func (e *SignatureVerificationError) Unwrap() error { return e.Cause }

// IsSignatureVerification checks whether err is or wraps a
// SignatureVerificationError.
func IsSignatureVerification(err error) bool {
	var target *SignatureVerificationError
	return errors.As(err, &target)
}

// ContainerRuntimeError reports a failed container-runtime CLI invocation.
type ContainerRuntimeError struct {
	Operation string
	Container string
	Output    string
	Cause     error
}

func (e *ContainerRuntimeError) Error() string {
	if e.Container != "" {
		return fmt.Sprintf("container runtime %s failed for %s: %v", e.Operation, e.Container, e.Cause)
	}
	return fmt.Sprintf("container runtime %s failed: %v", e.Operation, e.Cause)
}

func (e *ContainerRuntimeError) Unwrap() error { return e.Cause }

// IsContainerRuntime checks whether err is or wraps a ContainerRuntimeError.
func IsContainerRuntime(err error) bool {
	var target *ContainerRuntimeError
	return errors.As(err, &target)
}

// NotFoundError is the generic missing-resource error shared by the loaders
// and registries.
type NotFoundError struct {
	ResourceType string
	ResourceName string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.ResourceType, e.ResourceName)
}

// IsNotFound checks whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// NewNotFoundError creates a NotFoundError for the given resource.
func NewNotFoundError(resourceType, resourceName string) *NotFoundError {
	return &NotFoundError{ResourceType: resourceType, ResourceName: resourceName}
}
