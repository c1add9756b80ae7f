package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgsTypesValues(t *testing.T) {
	params, err := parseArgs([]string{
		"target=10.0.0.0/24",
		"count=3",
		"deep=true",
		"ports=[22,80]",
	})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/24", params["target"], "non-JSON stays a string")
	assert.Equal(t, float64(3), params["count"])
	assert.Equal(t, true, params["deep"])
	assert.Equal(t, []interface{}{float64(22), float64(80)}, params["ports"])
}

func TestParseArgsRejectsMalformedPair(t *testing.T) {
	_, err := parseArgs([]string{"no-equals"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected key=value")

	_, err = parseArgs([]string{"=value"})
	require.Error(t, err)
}

func TestParseArgsEmpty(t *testing.T) {
	params, err := parseArgs(nil)
	require.NoError(t, err)
	assert.Nil(t, params)
}

func TestParseConfigPairs(t *testing.T) {
	cfg, err := parseConfigPairs([]string{"workflow_id=wf-42", "team_id=t-1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"workflow_id": "wf-42", "team_id": "t-1"}, cfg)

	_, err = parseConfigPairs([]string{"broken"})
	require.Error(t, err)
}
