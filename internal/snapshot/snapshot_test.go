package snapshot_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	gographviz "github.com/awalterschulze/gographviz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rock-core/tools-syskit-sub009/internal/plan"
	"github.com/rock-core/tools-syskit-sub009/internal/snapshot"
)

func buildGraph(t *testing.T) *plan.Graph {
	t.Helper()
	g := plan.NewGraph()
	comp := g.AddTask(plan.Task{Model: "Pipeline", Composition: true})
	src := g.AddTask(plan.Task{
		Model:      "camera::Task",
		Deployment: &plan.Binding{Deployment: "vision", TaskName: "cam0"},
	})
	sink := g.AddTask(plan.Task{Model: "image::Sink", Abstract: true})
	require.NoError(t, g.AddDependency(plan.Dependency{Parent: comp.ID, Child: src.ID, Role: "source"}))
	require.NoError(t, g.AddDependency(plan.Dependency{Parent: comp.ID, Child: sink.ID, Role: "display"}))
	require.NoError(t, g.Connect(plan.Connection{
		Source: src.ID, SourcePort: "image",
		Sink: sink.ID, SinkPort: "in",
		Policy: &plan.Policy{Kind: plan.PolicyBuffer, Size: 4},
	}))
	return g
}

// findEdge returns the attributes of the src->dst edge, failing the test
// when it is absent.
func findEdge(t *testing.T, dot *gographviz.Graph, src, dst string) gographviz.Attrs {
	t.Helper()
	for _, e := range dot.Edges.Edges {
		if e.Src == src && e.Dst == dst {
			return e.Attrs
		}
	}
	t.Fatalf("no edge %s->%s in %d edges", src, dst, len(dot.Edges.Edges))
	return nil
}

func TestRender(t *testing.T) {
	g := buildGraph(t)

	out, err := snapshot.Render(g, "resolution-0199-abcd")
	require.NoError(t, err)

	// Hyphenated resolution IDs are only legal DOT names when quoted.
	assert.Contains(t, out, `"resolution-0199-abcd"`)

	// Round-trip through the DOT parser instead of matching the exact
	// serialization.
	dot, err := gographviz.Read([]byte(out))
	require.NoError(t, err)
	assert.True(t, dot.Directed)

	require.Len(t, dot.Nodes.Nodes, 3)
	nodes := dot.Nodes.Lookup

	comp := nodes["t1"]
	require.NotNil(t, comp)
	assert.Contains(t, comp.Attrs["label"], "Pipeline")
	assert.Equal(t, "2", comp.Attrs["peripheries"])

	cam := nodes["t2"]
	require.NotNil(t, cam)
	assert.Contains(t, cam.Attrs["label"], "camera::Task")
	assert.Contains(t, cam.Attrs["label"], "vision/cam0")
	assert.Empty(t, cam.Attrs["style"])

	abstract := nodes["t3"]
	require.NotNil(t, abstract)
	assert.Contains(t, abstract.Attrs["label"], "(abstract)")
	assert.Equal(t, "dashed", abstract.Attrs["style"])

	require.Len(t, dot.Edges.Edges, 3)
	conn := findEdge(t, dot, "t2", "t3")
	assert.Contains(t, conn["label"], "image -> in")
	assert.Contains(t, conn["label"], "buffer[4]")

	dep := findEdge(t, dot, "t1", "t2")
	assert.Contains(t, dep["label"], "source")
	assert.Equal(t, "dashed", dep["style"])
	assert.Contains(t, findEdge(t, dot, "t1", "t3")["label"], "display")
}

func TestRenderEmptyGraph(t *testing.T) {
	out, err := snapshot.Render(plan.NewGraph(), "empty")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "digraph"), "got %q", out)
}

func TestWriteFile(t *testing.T) {
	g := buildGraph(t)
	dir := filepath.Join(t.TempDir(), "snapshots")

	path, err := snapshot.WriteFile(g, dir, "final-network")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "final-network.dot"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "camera::Task")
}
