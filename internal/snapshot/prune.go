package snapshot

import (
	"fmt"
	"regexp"
	"strings"
)

// Mode selects the pruning aggressiveness of the pipeline.
type Mode string

const (
	// ModeAct keeps only what an agent needs to take the next action.
	ModeAct Mode = "act"
	// ModeBrowse keeps readable content alongside interactive elements.
	ModeBrowse Mode = "browse"
	// ModeNavigate keeps page chrome: banner, navigation, footer links.
	ModeNavigate Mode = "navigate"
	// ModeFull bypasses pruning entirely.
	ModeFull Mode = "full"
)

// ParseMode maps a config string onto a Mode, defaulting to act.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(s)) {
	case ModeBrowse:
		return ModeBrowse
	case ModeNavigate:
		return ModeNavigate
	case ModeFull:
		return ModeFull
	default:
		return ModeAct
	}
}

// Pipeline prunes a snapshot tree in five stages: region extraction,
// node-level pruning, wrapper collapse, post-clean, and (act only)
// commerce-noise passes. Every stage is idempotent and works on a fresh copy;
// the input tree is never mutated.
type Pipeline struct {
	Mode    Mode
	Context string
}

// Run executes all stages and returns the pruned tree. A nil input or full
// mode passes through (full mode still clones, by the no-mutation contract).
func (p Pipeline) Run(root *Node) *Node {
	if root == nil {
		return nil
	}
	tree := root.Clone()
	if p.Mode == ModeFull {
		return tree
	}

	tree = p.extractRegions(tree)
	if tree == nil {
		return nil
	}
	tree = p.pruneTree(tree)
	if tree == nil {
		return nil
	}
	tree = collapseWrappers(tree)
	if tree == nil {
		return nil
	}
	p.postClean(tree)
	if p.Mode == ModeAct {
		p.commercePasses(tree)
	}
	return tree
}

// -- Stage 1: region extraction --

func (p Pipeline) extractRegions(root *Node) *Node {
	work := root
	// Unwrap the root web-area; the document node itself carries no signal.
	if work.Role == "webarea" {
		switch len(work.Children) {
		case 0:
			return nil
		case 1:
			work = work.Children[0]
		default:
			work = &Node{ID: work.ID, Role: "_promote", Children: work.Children}
		}
	}

	landmarks := collectLandmarks(work)
	if len(landmarks) == 0 {
		return p.filterByContent(work)
	}

	allowed := landmarksByMode[p.Mode]
	var kept []*Node
	for _, lm := range landmarks {
		if lm.Role == "region" && matchesAny(lm.Name, auxRegionVocab) {
			// Aux regions (image galleries, review blocks, cookie banners)
			// are not main content.
			continue
		}
		if allowed[lm.Role] {
			kept = append(kept, lm)
		}
	}
	switch len(kept) {
	case 0:
		return work
	case 1:
		return kept[0]
	default:
		return &Node{ID: work.ID, Role: "_promote", Children: kept}
	}
}

// collectLandmarks finds landmark nodes without descending into them: a
// navigation inside main belongs to main, not to the landmark list.
func collectLandmarks(n *Node) []*Node {
	if landmarkRoles[n.Role] {
		return []*Node{n}
	}
	var found []*Node
	for _, c := range n.Children {
		found = append(found, collectLandmarks(c)...)
	}
	return found
}

// filterByContent keeps subtrees that contain headings or interactive
// elements; when nothing qualifies the whole tree passes through unchanged.
func (p Pipeline) filterByContent(root *Node) *Node {
	var kept []*Node
	for _, c := range root.Children {
		if interactiveRoles[c.Role] || c.Role == "heading" ||
			c.hasInteractiveDescendant() || c.hasHeadingDescendant() {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 || len(kept) == len(root.Children) {
		return root
	}
	out := *root
	out.Children = kept
	return &out
}

// -- Stage 2: node-level pruning --

type pruneCtx struct {
	inMain   bool
	keywords []string
}

func (p Pipeline) pruneTree(root *Node) *Node {
	ctx := pruneCtx{keywords: splitKeywords(p.Context)}
	out := p.pruneNode(root, ctx)
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return &Node{ID: root.ID, Role: "_promote", Children: out}
	}
}

// pruneNode returns the replacement list for one node: empty to drop it, the
// node itself (possibly rebuilt) to keep it. Rules apply in declaration
// order; the first matching rule wins.
func (p Pipeline) pruneNode(n *Node, ctx pruneCtx) []*Node {
	mode := p.Mode
	role := n.Role
	act := mode == ModeAct
	browse := mode == ModeBrowse

	childCtx := ctx
	if role == "main" {
		childCtx.inMain = true
	}

	switch {
	case role == "paragraph":
		if act {
			// Prose goes away; anything actionable inside stays reachable.
			return hoistInteractive(n)
		}
		return []*Node{p.recurse(n, childCtx)}

	case role == "navigation" && browse && ctx.inMain:
		return nil

	case role == "code" || role == "term" || role == "definition":
		return []*Node{n}

	case role == "strong" || role == "emphasis" || role == "blockquote":
		if browse {
			return []*Node{p.recurse(n, childCtx)}
		}
		return p.pruneChildren(n, childCtx)

	case role == "figure":
		if browse && n.Name != "" {
			return []*Node{{ID: n.ID, Role: "text", Name: "[Figure: " + n.Name + "]"}}
		}
		return nil

	case interactiveRoles[role]:
		return []*Node{p.keepInteractive(n, childCtx)}

	case role == "listitem" && act && len(ctx.keywords) > 0 && n.hasInteractiveDescendant():
		if keywordsMatch(n.text(), ctx.keywords) {
			return []*Node{p.recurse(n, childCtx)}
		}
		// Off-topic card: condense to its first link so it stays reachable.
		if link := firstLink(n); link != nil {
			condensed := *link
			condensed.Children = nil
			return []*Node{&condensed}
		}
		return nil

	case namedGroupRoles[role] && n.Name != "":
		return []*Node{p.recurse(n, childCtx)}

	case role == "group" && matchesAny(n.Name, colorVocab):
		return []*Node{collapseColors(n)}

	case role == "heading":
		return p.pruneHeading(n)

	case role == "text":
		if p.keepText(n, ctx) {
			return []*Node{n}
		}
		return nil

	case role == "image" || role == "img":
		if browse && n.Name != "" {
			return []*Node{n}
		}
		return nil

	case role == "separator":
		return nil

	case role == "region" && act && matchesAny(n.Name, auxRegionVocab):
		return nil

	case role == "complementary" && act:
		return nil

	case role == "list" && act && !n.hasInteractiveDescendant():
		return nil

	case role == "listitem" && act && !n.hasInteractiveDescendant():
		return nil

	default:
		return []*Node{p.recurse(n, childCtx)}
	}
}

func (p Pipeline) recurse(n *Node, ctx pruneCtx) *Node {
	out := *n
	out.Children = nil
	for _, c := range n.Children {
		out.Children = append(out.Children, p.pruneNode(c, ctx)...)
	}
	return &out
}

func (p Pipeline) pruneChildren(n *Node, ctx pruneCtx) []*Node {
	var out []*Node
	for _, c := range n.Children {
		out = append(out, p.pruneNode(c, ctx)...)
	}
	return out
}

// keepInteractive keeps the node itself; widget containers keep their pruned
// children (the post-clean stage needs the options), simple controls drop
// theirs — the accessible name already covers the label text.
func (p Pipeline) keepInteractive(n *Node, ctx pruneCtx) *Node {
	switch n.Role {
	case "combobox", "listbox", "menuitem":
		return p.recurse(n, ctx)
	}
	out := *n
	out.Children = nil
	return &out
}

func (p Pipeline) pruneHeading(n *Node) []*Node {
	out := *n
	out.Children = nil
	if out.level() == 1 {
		return []*Node{&out}
	}
	if p.Mode == ModeAct && matchesAny(out.Name, descriptionHeadingVocab) {
		return nil
	}
	return []*Node{&out}
}

var colorSummaryRe = regexp.MustCompile(`^[\p{L}]+\(\d+\):`)

func (p Pipeline) keepText(n *Node, ctx pruneCtx) bool {
	name := strings.TrimSpace(n.Name)
	if name == "" {
		return false
	}
	if p.Mode != ModeAct {
		// Browse keeps everything except lone separator characters.
		return !(len(name) == 1 && !isWordChar(name[0]))
	}

	lower := strings.ToLower(name)
	switch {
	case len(name) <= 30:
		return true
	case strings.HasSuffix(name, ":") && len(name) <= 40:
		return true
	case priceRe.MatchString(name):
		return true
	case colorSummaryRe.MatchString(lower):
		return true
	case matchesAny(name, stockShippingVocab):
		return true
	}
	return false
}

func collapseColors(n *Node) *Node {
	var names []string
	collectLeafNames(n, &names)
	return &Node{
		ID:   n.ID,
		Role: "text",
		Name: fmt.Sprintf("colors(%d): %s", len(names), strings.Join(names, ", ")),
	}
}

func collectLeafNames(n *Node, out *[]string) {
	for _, c := range n.Children {
		if len(c.Children) == 0 {
			if c.Name != "" {
				*out = append(*out, c.Name)
			}
			continue
		}
		collectLeafNames(c, out)
	}
}

// hoistInteractive flattens a dropped container down to its interactive
// descendants, each kept as a leaf.
func hoistInteractive(n *Node) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if interactiveRoles[c.Role] {
			leaf := *c
			leaf.Children = nil
			out = append(out, &leaf)
			continue
		}
		out = append(out, hoistInteractive(c)...)
	}
	return out
}

func firstLink(n *Node) *Node {
	for _, c := range n.Children {
		if c.Role == "link" {
			return c
		}
		if found := firstLink(c); found != nil {
			return found
		}
	}
	return nil
}

// -- Stage 3: wrapper collapse --

// collapseWrappers removes unnamed structural wrappers post-order: one child
// replaces the wrapper, several children are promoted in place, zero children
// drop the wrapper.
func collapseWrappers(n *Node) *Node {
	var children []*Node
	for _, c := range n.Children {
		if cc := collapseWrappers(c); cc != nil {
			children = append(children, cc)
		}
	}
	n.Children = children

	if (structuralRoles[n.Role] || n.Role == "_promote") && n.Name == "" {
		switch len(children) {
		case 0:
			if n.Role == "_promote" {
				return nil
			}
			return nil
		case 1:
			return children[0]
		default:
			n.Role = "_promote"
			return n
		}
	}
	return n
}

// -- Stage 4: post-clean --

func (p Pipeline) postClean(root *Node) {
	trimSelectWidgets(root)
	if p.Mode == ModeAct {
		dropOrphanHeadings(root)
	}
}

// trimSelectWidgets reduces combobox/listbox nodes to a single line carrying
// the currently selected option's name as the value; option children go away.
func trimSelectWidgets(n *Node) {
	if n.Role == "combobox" || n.Role == "listbox" {
		if selected := selectedOption(n); selected != nil {
			n.Value = selected.Name
		}
		n.Children = nil
		return
	}
	for _, c := range n.Children {
		trimSelectWidgets(c)
	}
}

func selectedOption(n *Node) *Node {
	for _, c := range n.Children {
		if c.Role == "option" && c.Props["selected"] == "true" {
			return c
		}
		if found := selectedOption(c); found != nil {
			return found
		}
	}
	return nil
}

// dropOrphanHeadings removes non-h1 headings not followed by anything
// interactive before the next heading.
func dropOrphanHeadings(n *Node) {
	var kept []*Node
	for i, c := range n.Children {
		if c.Role == "heading" && c.level() != 1 && !interactiveBeforeNextHeading(n.Children[i+1:]) {
			continue
		}
		kept = append(kept, c)
	}
	n.Children = kept
	for _, c := range n.Children {
		dropOrphanHeadings(c)
	}
}

func interactiveBeforeNextHeading(siblings []*Node) bool {
	for _, s := range siblings {
		if s.Role == "heading" {
			return false
		}
		if interactiveRoles[s.Role] || s.hasInteractiveDescendant() {
			return true
		}
	}
	return false
}

// -- Stage 5: commerce-noise passes (act only) --

func (p Pipeline) commercePasses(root *Node) {
	seen := make(map[string]bool)
	dedupeLinks(root, seen)
	dropNoiseControls(root)
	truncateTrailing(root)
	dropFilterGroups(root)
}

// dedupeLinks keeps the first link per accessible name; storefront cards
// repeat the same badge links dozens of times.
func dedupeLinks(n *Node, seen map[string]bool) {
	var kept []*Node
	for _, c := range n.Children {
		if c.Role == "link" && c.Name != "" {
			key := strings.ToLower(c.Name)
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		dedupeLinks(c, seen)
		kept = append(kept, c)
	}
	n.Children = kept
}

func dropNoiseControls(n *Node) {
	var kept []*Node
	for _, c := range n.Children {
		if c.Role == "button" && matchesAny(c.Name, noiseButtonVocab) {
			continue
		}
		if c.Role == "link" && matchesAny(c.Name, genericLinkVocab) {
			continue
		}
		dropNoiseControls(c)
		kept = append(kept, c)
	}
	n.Children = kept
}

// truncateTrailing cuts a sibling list at the first back-to-top button, h6,
// or "related searches" style heading; everything after is page tail.
func truncateTrailing(n *Node) {
	for i, c := range n.Children {
		if isTruncationPoint(c) {
			n.Children = n.Children[:i]
			break
		}
	}
	for _, c := range n.Children {
		truncateTrailing(c)
	}
}

func isTruncationPoint(n *Node) bool {
	if n.Role == "button" && strings.Contains(strings.ToLower(n.Name), "back to top") {
		return true
	}
	if n.Role == "heading" {
		if n.level() == 6 {
			return true
		}
		return matchesAny(n.Name, truncationHeadingVocab)
	}
	return false
}

func dropFilterGroups(n *Node) {
	var kept []*Node
	for _, c := range n.Children {
		switch c.Role {
		case "group", "radiogroup", "toolbar":
			if matchesAny(c.Name, filterControlVocab) {
				continue
			}
		}
		dropFilterGroups(c)
		kept = append(kept, c)
	}
	n.Children = kept
}

// -- shared helpers --

func matchesAny(name string, vocab []string) bool {
	if name == "" {
		return false
	}
	lower := strings.ToLower(name)
	for _, phrase := range vocab {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func splitKeywords(context string) []string {
	if context == "" {
		return nil
	}
	fields := strings.Fields(strings.ToLower(context))
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}

func keywordsMatch(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
