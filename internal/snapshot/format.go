package snapshot

import (
	"fmt"
	"strings"
)

// Format serializes a tree depth-first, one line per emitted node, two-space
// indentation per level. Nodes with render-noise roles are skipped with their
// subtree; ignored and _promote nodes are transparent — not emitted, children
// kept at the same depth. Lines are joined with newlines, never concatenated.
func Format(root *Node) string {
	if root == nil {
		return ""
	}
	var lines []string
	emit(root, 0, &lines)
	return strings.Join(lines, "\n")
}

func emit(n *Node, depth int, lines *[]string) {
	if renderNoiseRoles[n.Role] {
		return
	}
	if n.Ignored || n.Role == "_promote" {
		for _, c := range n.Children {
			emit(c, depth, lines)
		}
		return
	}

	*lines = append(*lines, line(n, depth))
	for _, c := range n.Children {
		emit(c, depth+1, lines)
	}
}

func line(n *Node, depth int) string {
	var b strings.Builder
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString("- ")
	b.WriteString(n.Role)

	if n.Name != "" {
		fmt.Fprintf(&b, " %q", n.Name)
	}

	if props := renderProps(n); props != "" {
		b.WriteString(" [")
		b.WriteString(props)
		b.WriteByte(']')
	}

	if n.BackendID != 0 {
		fmt.Fprintf(&b, " [ref=%s]", n.ID)
	}
	return b.String()
}

func renderProps(n *Node) string {
	var parts []string
	for _, key := range propertyOrder {
		if v, ok := n.Props[key]; ok && v != "" && v != "false" {
			parts = append(parts, key+"="+v)
		}
	}
	if n.Value != "" {
		// Values are free text; quote them like names so a bracket or a
		// comma inside cannot break the line grammar.
		parts = append(parts, fmt.Sprintf("value=%q", n.Value))
	}
	return strings.Join(parts, ", ")
}
