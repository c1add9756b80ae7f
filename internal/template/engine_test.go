package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResolver(scope map[string]interface{}, env map[string]string) *Resolver {
	r := NewResolver(scope)
	r.lookupEnv = func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
	return r
}

func TestResolveWholeStringPreservesType(t *testing.T) {
	scope := map[string]interface{}{
		"A": map[string]interface{}{"result": float64(4)},
		"n": float64(7),
	}
	r := testResolver(scope, nil)

	value, err := r.ResolveString("${A.result}")
	require.NoError(t, err)
	assert.Equal(t, float64(4), value)

	value, err = r.ResolveString("${A}")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"result": float64(4)}, value)

	value, err = r.ResolveString("${n}")
	require.NoError(t, err)
	assert.Equal(t, float64(7), value)
}

func TestResolveEmbeddedSerialises(t *testing.T) {
	scope := map[string]interface{}{
		"name":  "scanner",
		"count": float64(3),
		"obj":   map[string]interface{}{"a": float64(1)},
	}
	r := testResolver(scope, nil)

	value, err := r.ResolveString("found ${count} results for ${name}")
	require.NoError(t, err)
	assert.Equal(t, "found 3 results for scanner", value)

	value, err = r.ResolveString("payload: ${obj}")
	require.NoError(t, err)
	assert.Equal(t, `payload: {"a":1}`, value)
}

func TestResolveEnv(t *testing.T) {
	r := testResolver(nil, map[string]string{"TARGET": "10.0.0.1"})

	value, err := r.ResolveString("${env:TARGET}")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", value)

	_, err = r.ResolveString("${env:MISSING}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MISSING")
}

func TestResolveMissingPathYieldsNull(t *testing.T) {
	scope := map[string]interface{}{
		"A": map[string]interface{}{"result": float64(4)},
	}
	r := testResolver(scope, nil)

	value, err := r.ResolveString("${A.missing.deeper}")
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestResolveUnknownRootFails(t *testing.T) {
	r := testResolver(map[string]interface{}{}, nil)
	_, err := r.ResolveString("${nope}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown reference "nope"`)
}

func TestResolveSliceIndex(t *testing.T) {
	scope := map[string]interface{}{
		"L": []interface{}{"first", "second"},
	}
	r := testResolver(scope, nil)

	value, err := r.ResolveString("${L.1}")
	require.NoError(t, err)
	assert.Equal(t, "second", value)

	value, err = r.ResolveString("${L.9}")
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestResolveRecursesTree(t *testing.T) {
	scope := map[string]interface{}{
		"params": map[string]interface{}{"target": "example.com"},
	}
	r := testResolver(scope, nil)

	params := map[string]interface{}{
		"host":  "${params.target}",
		"flags": []interface{}{"-sV", "host=${params.target}"},
		"depth": float64(2),
	}

	resolved, err := r.Resolve(params)
	require.NoError(t, err)
	m := resolved.(map[string]interface{})
	assert.Equal(t, "example.com", m["host"])
	assert.Equal(t, []interface{}{"-sV", "host=example.com"}, m["flags"])
	assert.Equal(t, float64(2), m["depth"])
}

func TestReferences(t *testing.T) {
	value := map[string]interface{}{
		"a": "${A.result}",
		"b": []interface{}{"${params.x} and ${A.result}"},
	}
	refs := References(value)
	assert.ElementsMatch(t, []string{"A.result", "params.x"}, refs)
}
