package gamemap

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true)
	currentStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	visitedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	unvisitedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func statusStyle(s Status) lipgloss.Style {
	switch s {
	case Current:
		return currentStyle
	case Visited:
		return visitedStyle
	default:
		return unvisitedStyle
	}
}

func statusMarker(s Status) string {
	switch s {
	case Current:
		return "@"
	case Visited:
		return "*"
	default:
		return "."
	}
}

// RenderText draws the map as a styled node list followed by its links.
func RenderText(nodes []Node, edges []Edge) string {
	labels := make(map[string]string, len(nodes))
	width := 0
	for _, n := range nodes {
		label := n.Label
		if label == "" {
			label = n.ID
		}
		labels[n.ID] = label
		if w := ansi.StringWidth(label); w > width {
			width = w
		}
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Computer Architecture Map"))
	b.WriteString("\n")
	for _, n := range nodes {
		label := labels[n.ID]
		pad := strings.Repeat(" ", width-ansi.StringWidth(label))
		style := statusStyle(n.Status)
		fmt.Fprintf(&b, "  %s %s%s  %s\n",
			style.Render(statusMarker(n.Status)),
			style.Render(label),
			pad,
			string(n.Status))
	}
	if len(edges) > 0 {
		b.WriteString(titleStyle.Render("Links"))
		b.WriteString("\n")
		for _, e := range edges {
			fmt.Fprintf(&b, "  %s -> %s\n", labels[e.Source], labels[e.Target])
		}
	}
	return b.String()
}

var dotFill = map[Status]string{
	Current:   "gold",
	Visited:   "palegreen",
	Unvisited: "lightgray",
}

// RenderDOT emits the map as a Graphviz digraph with pinned positions.
func RenderDOT(nodes []Node, edges []Edge) string {
	var b strings.Builder
	b.WriteString("digraph map {\n")
	b.WriteString("  node [shape=box, style=filled];\n")
	for _, n := range nodes {
		fill, ok := dotFill[n.Status]
		if !ok {
			fill = dotFill[Unvisited]
		}
		fmt.Fprintf(&b, "  %q [label=%q, class=%q, fillcolor=%q, pos=\"%g,%g!\"];\n",
			n.ID, n.Label, "node "+string(n.Status), fill, n.Position.X, n.Position.Y)
	}
	for _, e := range edges {
		fmt.Fprintf(&b, "  %q -> %q;\n", e.Source, e.Target)
	}
	b.WriteString("}\n")
	return b.String()
}
