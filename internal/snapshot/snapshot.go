// Package snapshot renders a plan graph to Graphviz DOT. Snapshots are a
// best-effort diagnostic side output: resolution failures dump the
// working graph so the failed network can be inspected offline.
package snapshot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	gographviz "github.com/awalterschulze/gographviz"

	"github.com/rock-core/tools-syskit-sub009/internal/plan"
)

// Render produces a deterministic DOT rendition of the graph. Tasks are
// boxes (dashed when abstract, doubled when compositions), dataflow
// connections solid edges labelled with their policy, dependency edges
// dashed and labelled with their role.
func Render(g *plan.Graph, graphName string) (string, error) {
	// Graph names carry resolution IDs with hyphens; DOT requires those
	// to be quoted.
	name := fmt.Sprintf("%q", graphName)
	dot := gographviz.NewGraph()
	if err := dot.SetName(name); err != nil {
		return "", fmt.Errorf("render snapshot: %w", err)
	}
	if err := dot.SetDir(true); err != nil {
		return "", fmt.Errorf("render snapshot: %w", err)
	}

	for _, t := range g.Tasks() {
		attrs := map[string]string{
			"label": fmt.Sprintf("%q", nodeLabel(t)),
			"shape": "box",
		}
		if t.Abstract {
			attrs["style"] = "dashed"
		}
		if t.Composition {
			attrs["peripheries"] = "2"
		}
		if err := dot.AddNode(name, nodeID(t.ID), attrs); err != nil {
			return "", fmt.Errorf("render snapshot: task %d: %w", t.ID, err)
		}
	}
	for _, c := range g.Connections() {
		label := fmt.Sprintf("%s -> %s", c.SourcePort, c.SinkPort)
		if c.Policy != nil {
			label += " [" + c.Policy.String() + "]"
		}
		attrs := map[string]string{"label": fmt.Sprintf("%q", label)}
		if err := dot.AddEdge(nodeID(c.Source), nodeID(c.Sink), true, attrs); err != nil {
			return "", fmt.Errorf("render snapshot: connection %s: %w", c.Key(), err)
		}
	}
	for _, d := range g.Dependencies() {
		attrs := map[string]string{
			"label": fmt.Sprintf("%q", d.Role),
			"style": "dashed",
		}
		if err := dot.AddEdge(nodeID(d.Parent), nodeID(d.Child), true, attrs); err != nil {
			return "", fmt.Errorf("render snapshot: dependency %q: %w", d.Role, err)
		}
	}
	return dot.String(), nil
}

// WriteFile renders the graph into dir/<name>.dot. Best effort: failures
// are logged and reported, never escalated by callers.
func WriteFile(g *plan.Graph, dir, name string) (string, error) {
	out, err := Render(g, name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("snapshot dir: %w", err)
	}
	path := filepath.Join(dir, name+".dot")
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	slog.Info("wrote graph snapshot", "path", path)
	return path, nil
}

func nodeID(id plan.TaskID) string {
	return fmt.Sprintf("t%d", id)
}

func nodeLabel(t *plan.Task) string {
	label := fmt.Sprintf("#%d %s", t.ID, t.Model)
	if t.Abstract {
		label += " (abstract)"
	}
	if t.Deployment != nil {
		label += "\n" + t.Deployment.String()
	}
	return label
}
