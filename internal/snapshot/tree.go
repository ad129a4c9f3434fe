// Package snapshot turns the browser's flat accessibility-node records into
// an agent-ready document: a reconstructed tree, a multi-stage pruning
// pipeline, and an indented text serialization with opaque per-snapshot
// element references.
package snapshot

import (
	"fmt"
	"strings"
)

// AXValue is the {type, value} wrapper CDP uses for roles, names, and
// property values.
type AXValue struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// AXProperty is one named property of a raw accessibility node.
type AXProperty struct {
	Name  string  `json:"name"`
	Value AXValue `json:"value"`
}

// RawNode mirrors one record of the Accessibility.getFullAXTree response.
type RawNode struct {
	NodeID           string       `json:"nodeId"`
	ParentID         string       `json:"parentId,omitempty"`
	Ignored          bool         `json:"ignored,omitempty"`
	Role             *AXValue     `json:"role,omitempty"`
	Name             *AXValue     `json:"name,omitempty"`
	Value            *AXValue     `json:"value,omitempty"`
	Properties       []AXProperty `json:"properties,omitempty"`
	BackendDOMNodeID int64        `json:"backendDOMNodeId,omitempty"`
}

// Node is one node of the reconstructed snapshot tree.
type Node struct {
	ID        string
	Role      string
	Name      string
	Value     string
	Props     map[string]string
	Ignored   bool
	BackendID int64
	Children  []*Node
}

// RefMap maps opaque reference tokens to DOM backend node ids. A RefMap is
// valid only against the snapshot that produced it.
type RefMap map[string]int64

// propertyOrder is the fixed emission order for node properties.
var propertyOrder = []string{"checked", "disabled", "expanded", "level", "selected", "required"}

// BuildTree reconstructs a nested tree from the flat raw records using parent
// identifiers only — child-id lists from the remote side can contain
// duplicates and are never trusted. The node whose parent is absent becomes
// the root. The returned RefMap pairs every node id with its DOM backend id.
func BuildTree(raw []RawNode) (*Node, RefMap) {
	if len(raw) == 0 {
		return nil, RefMap{}
	}

	refs := make(RefMap)
	byID := make(map[string]*Node, len(raw))
	order := make([]string, 0, len(raw))

	for _, r := range raw {
		if _, dup := byID[r.NodeID]; dup {
			continue
		}
		n := &Node{
			ID:        r.NodeID,
			Role:      normRole(axString(r.Role)),
			Name:      axString(r.Name),
			Value:     axString(r.Value),
			Ignored:   r.Ignored,
			BackendID: r.BackendDOMNodeID,
			Props:     propMap(r.Properties),
		}
		byID[r.NodeID] = n
		order = append(order, r.NodeID)
		if n.BackendID != 0 {
			refs[n.ID] = n.BackendID
		}
	}

	var root *Node
	parentOf := make(map[string]string, len(raw))
	linked := make(map[string]bool, len(raw))
	for _, r := range raw {
		n, ok := byID[r.NodeID]
		if !ok || n == nil || linked[r.NodeID] {
			continue
		}
		linked[r.NodeID] = true
		parent, hasParent := byID[r.ParentID]
		if r.ParentID == "" || !hasParent || parent == n || wouldCycle(parentOf, r.NodeID, r.ParentID) {
			if root == nil {
				root = n
			}
			continue
		}
		parentOf[r.NodeID] = r.ParentID
		parent.Children = append(parent.Children, n)
	}

	if root == nil {
		root = byID[order[0]]
	}
	return root, refs
}

// wouldCycle reports whether attaching child under parent would close a
// loop; malformed record sets must never produce a cyclic tree.
func wouldCycle(parentOf map[string]string, child, parent string) bool {
	for cur := parent; cur != ""; cur = parentOf[cur] {
		if cur == child {
			return true
		}
	}
	return false
}

// Clone deep-copies the tree. Pipeline stages never mutate their input.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := &Node{
		ID:        n.ID,
		Role:      n.Role,
		Name:      n.Name,
		Value:     n.Value,
		Ignored:   n.Ignored,
		BackendID: n.BackendID,
	}
	if n.Props != nil {
		c.Props = make(map[string]string, len(n.Props))
		for k, v := range n.Props {
			c.Props[k] = v
		}
	}
	for _, child := range n.Children {
		c.Children = append(c.Children, child.Clone())
	}
	return c
}

// text concatenates the accessible names and values of the subtree, used for
// keyword and vocabulary matching.
func (n *Node) text() string {
	var b strings.Builder
	n.collectText(&b)
	return b.String()
}

func (n *Node) collectText(b *strings.Builder) {
	if n.Name != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(n.Name)
	}
	if n.Value != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(n.Value)
	}
	for _, c := range n.Children {
		c.collectText(b)
	}
}

// hasInteractiveDescendant reports whether the subtree (excluding n itself)
// contains an interactive-role node.
func (n *Node) hasInteractiveDescendant() bool {
	for _, c := range n.Children {
		if interactiveRoles[c.Role] || c.hasInteractiveDescendant() {
			return true
		}
	}
	return false
}

func (n *Node) hasHeadingDescendant() bool {
	for _, c := range n.Children {
		if c.Role == "heading" || c.hasHeadingDescendant() {
			return true
		}
	}
	return false
}

func (n *Node) level() int {
	var lvl int
	_, _ = fmt.Sscanf(n.Props["level"], "%d", &lvl)
	return lvl
}

func axString(v *AXValue) string {
	if v == nil || v.Value == nil {
		return ""
	}
	switch val := v.Value.(type) {
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func propMap(props []AXProperty) map[string]string {
	if len(props) == 0 {
		return nil
	}
	m := make(map[string]string, len(props))
	for _, p := range props {
		v := p.Value
		m[strings.ToLower(p.Name)] = axString(&v)
	}
	return m
}

// normRole maps Chrome's mixed-case accessibility role spellings onto the
// lowercase canonical tokens the pruning taxonomy uses.
func normRole(role string) string {
	lower := strings.ToLower(role)
	if canonical, ok := roleAliases[lower]; ok {
		return canonical
	}
	return lower
}

var roleAliases = map[string]string{
	"rootwebarea":     "webarea",
	"webarea":         "webarea",
	"statictext":      "text",
	"statictextrole":  "text",
	"inlinetextbox":   "inline-text-box",
	"linebreak":       "line-break",
	"genericcontainer": "generic",
	"layouttable":     "layout-table",
	"layouttablerow":  "layout-table-row",
	"layouttablecell": "layout-table-cell",
	"menuitemcheckbox": "menuitemcheckbox",
	"menuitemradio":   "menuitemradio",
	"listmarker":      "list-marker",
	"docsubtitle":     "heading",
}
