package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeUnmarshalVariants(t *testing.T) {
	t.Run("mcp_call", func(t *testing.T) {
		var n Node
		err := json.Unmarshal([]byte(`{"id":"a","type":"mcp_call","mcp_server":"srv","tool":"compute","params":{"x":2}}`), &n)
		require.NoError(t, err)
		require.NotNil(t, n.MCPCall)
		assert.Equal(t, "srv", n.MCPCall.MCPServer)
		assert.Equal(t, "compute", n.MCPCall.Tool)
		assert.Equal(t, float64(2), n.MCPCall.Params["x"])
	})

	t.Run("for_each defaults", func(t *testing.T) {
		var n Node
		err := json.Unmarshal([]byte(`{"id":"l","type":"for_each","items":"${params.items}","sub_workflow":"each"}`), &n)
		require.NoError(t, err)
		require.NotNil(t, n.ForEach)
		assert.Equal(t, "item", n.ForEach.ItemVar)
		assert.Equal(t, "index", n.ForEach.IndexVar)
		assert.Equal(t, 1, n.ForEach.MaxParallel)
	})

	t.Run("try_catch default error_var", func(t *testing.T) {
		var n Node
		err := json.Unmarshal([]byte(`{"id":"tc","type":"try_catch","try_node":"t"}`), &n)
		require.NoError(t, err)
		require.NotNil(t, n.TryCatch)
		assert.Equal(t, "error", n.TryCatch.ErrorVar)
	})

	t.Run("unknown type fails", func(t *testing.T) {
		var n Node
		err := json.Unmarshal([]byte(`{"id":"x","type":"teleport"}`), &n)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown node type")
	})
}

func TestNodeMarshalRoundTrip(t *testing.T) {
	n := Node{
		ID:   "b",
		Type: NodeTypeIf,
		If:   &IfNode{Condition: "x > 5", TrueBranch: "T", FalseBranch: "F"},
	}
	data, err := json.Marshal(n)
	require.NoError(t, err)

	var decoded Node
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NotNil(t, decoded.If)
	assert.Equal(t, "x > 5", decoded.If.Condition)
	assert.Equal(t, "T", decoded.If.TrueBranch)
}

func TestInstallationRecordOmitsRuntimeFields(t *testing.T) {
	rec := InstallationRecord{
		Name:          "scanner",
		Version:       "1.0.0",
		ContainerID:   "abc123",
		ContainerName: "mcp-scanner",
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "abc123")
	assert.NotContains(t, string(data), "container_id")
	assert.NotContains(t, string(data), "container_name")
}

func TestErrorHelpers(t *testing.T) {
	wrapped := fmt.Errorf("install failed: %w", &CircularDependencyError{Chain: []string{"a@1", "b@1", "a@1"}})
	assert.True(t, IsCircularDependency(wrapped))
	assert.False(t, IsDependencyNotFound(wrapped))

	nodeErr := &NodeError{NodeID: "n1", Cause: &ToolServerError{Server: "srv", Tool: "boom", Message: "kaboom"}}
	assert.Equal(t, "ToolServerError", nodeErr.ErrorType())
	assert.True(t, IsToolServerError(nodeErr))

	assert.True(t, IsNotFound(fmt.Errorf("wrap: %w", NewNotFoundError("workflow", "deploy"))))
	assert.False(t, IsNotFound(errors.New("plain")))
}

func TestSanitize(t *testing.T) {
	t.Run("paths collapsed", func(t *testing.T) {
		msg := SanitizeString("failed to read /home/user/.config/flotilla/installed-packages.json")
		assert.NotContains(t, msg, "/home/user")
		assert.Contains(t, msg, "installed-packages.json")
	})

	t.Run("secrets redacted", func(t *testing.T) {
		msg := SanitizeString("request failed: token=sk-abc123 rejected")
		assert.NotContains(t, msg, "sk-abc123")
		assert.Contains(t, msg, "[redacted]")
	})

	t.Run("multi-line truncated", func(t *testing.T) {
		msg := SanitizeString("boom\ngoroutine 1 [running]:\nmain.main()")
		assert.Equal(t, "boom", msg)
	})
}

func TestRegistryConfigLocal(t *testing.T) {
	local := RegistryConfig{URL: "file:///opt/registry"}
	assert.True(t, local.IsLocal())
	assert.Equal(t, "/opt/registry", local.LocalPath())

	remote := RegistryConfig{URL: "https://packages.example.com"}
	assert.False(t, remote.IsLocal())
	assert.Equal(t, "", remote.LocalPath())
}
