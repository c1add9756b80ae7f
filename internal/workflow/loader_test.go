package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"flotilla/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWorkflowFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestLoaderReadsBothDirectories(t *testing.T) {
	base := t.TempDir()
	templates := filepath.Join(base, "templates")
	custom := filepath.Join(base, "custom")

	writeWorkflowFile(t, templates, "scan.json",
		`{"name":"scan","nodes":[{"id":"a","type":"set","variables":{}}]}`)
	writeWorkflowFile(t, custom, "report.json",
		`{"name":"report","nodes":[{"id":"a","type":"set","variables":{}}]}`)

	l := NewLoader(templates, custom)
	names, err := l.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"report", "scan"}, names)
}

func TestCustomShadowsTemplate(t *testing.T) {
	base := t.TempDir()
	templates := filepath.Join(base, "templates")
	custom := filepath.Join(base, "custom")

	writeWorkflowFile(t, templates, "scan.json",
		`{"name":"scan","description":"stock","nodes":[{"id":"a","type":"set","variables":{}}]}`)
	writeWorkflowFile(t, custom, "scan.json",
		`{"name":"scan","description":"tuned","nodes":[{"id":"a","type":"set","variables":{}}]}`)

	l := NewLoader(templates, custom)
	def, err := l.Get("scan")
	require.NoError(t, err)
	assert.Equal(t, "tuned", def.Description)
}

func TestLoaderSkipsInvalidDefinitions(t *testing.T) {
	base := t.TempDir()
	custom := filepath.Join(base, "custom")

	writeWorkflowFile(t, custom, "good.json",
		`{"name":"good","nodes":[{"id":"a","type":"set","variables":{}}]}`)
	writeWorkflowFile(t, custom, "cyclic.json",
		`{"name":"cyclic","nodes":[{"id":"a","type":"set","variables":{}},{"id":"b","type":"set","variables":{}}],"edges":[{"source":"a","target":"b"},{"source":"b","target":"a"}]}`)
	writeWorkflowFile(t, custom, "broken.json", `{not json`)

	l := NewLoader("", custom)
	names, err := l.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, names)
}

func TestGetUnknownWorkflow(t *testing.T) {
	l := NewLoader("", t.TempDir())
	_, err := l.Get("ghost")
	require.Error(t, err)
	assert.True(t, api.IsNotFound(err))
}

func TestSaveUsesSlugFilename(t *testing.T) {
	custom := t.TempDir()
	l := NewLoader("", custom)

	def := &api.WorkflowDefinition{
		Name:  "Scan & Report v2",
		Nodes: []api.Node{{ID: "a", Type: api.NodeTypeSet, Set: &api.SetNode{}}},
	}
	require.NoError(t, l.Save(def))

	_, err := os.Stat(filepath.Join(custom, "scan-report-v2.json"))
	require.NoError(t, err)

	reloaded, err := l.Get("Scan & Report v2")
	require.NoError(t, err)
	assert.Equal(t, "Scan & Report v2", reloaded.Name)
}

func TestSaveRejectsInvalid(t *testing.T) {
	l := NewLoader("", t.TempDir())
	err := l.Save(&api.WorkflowDefinition{Name: ""})
	require.Error(t, err)
}

func TestValidateBranchReferences(t *testing.T) {
	def := &api.WorkflowDefinition{
		Name: "bad-branch",
		Nodes: []api.Node{
			{ID: "b", Type: api.NodeTypeIf, If: &api.IfNode{Condition: "true", TrueBranch: "ghost"}},
		},
	}
	err := Validate(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestValidateDuplicateNodeIDs(t *testing.T) {
	def := &api.WorkflowDefinition{
		Name: "dupes",
		Nodes: []api.Node{
			{ID: "a", Type: api.NodeTypeSet, Set: &api.SetNode{}},
			{ID: "a", Type: api.NodeTypeSet, Set: &api.SetNode{}},
		},
	}
	require.Error(t, Validate(def))
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "scan-report-v2", Slugify("Scan & Report v2"))
	assert.Equal(t, "simple", Slugify("simple"))
	assert.Equal(t, "a-b", Slugify("  A -- B  "))
}
