package snapshot

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nextTestID int

func node(role, name string, children ...*Node) *Node {
	nextTestID++
	return &Node{ID: fmt.Sprintf("t%d", nextTestID), Role: role, Name: name, Children: children}
}

func refNode(role, name string, backendID int64, children ...*Node) *Node {
	n := node(role, name, children...)
	n.BackendID = backendID
	return n
}

func withProps(n *Node, kv ...string) *Node {
	n.Props = map[string]string{}
	for i := 0; i+1 < len(kv); i += 2 {
		n.Props[kv[i]] = kv[i+1]
	}
	return n
}

// landmarkedPage models a typical page: banner with nav links, main content
// with a form, and a contentinfo footer.
func landmarkedPage() *Node {
	return node("webarea", "Shop",
		node("generic", "",
			node("banner", "",
				node("navigation", "",
					refNode("link", "Home", 11),
					refNode("link", "Deals", 12),
				),
			),
			node("main", "",
				withProps(node("heading", "Checkout"), "level", "1"),
				node("form", "Shipping",
					refNode("textbox", "Full name", 21),
					refNode("textbox", "Street address", 22),
					refNode("button", "Continue", 23),
				),
			),
			node("contentinfo", "",
				refNode("link", "Privacy policy", 31),
			),
		),
	)
}

func TestRegionExtraction(t *testing.T) {
	t.Run("act keeps main and form only", func(t *testing.T) {
		doc := Format(Pipeline{Mode: ModeAct}.Run(landmarkedPage()))
		assert.Contains(t, doc, `textbox "Full name"`)
		assert.Contains(t, doc, `button "Continue"`)
		assert.NotContains(t, doc, `link "Home"`)
		assert.NotContains(t, doc, "Privacy policy")
	})

	t.Run("navigate keeps chrome", func(t *testing.T) {
		doc := Format(Pipeline{Mode: ModeNavigate}.Run(landmarkedPage()))
		assert.Contains(t, doc, `link "Home"`)
		assert.Contains(t, doc, `link "Deals"`)
		assert.Contains(t, doc, `heading "Checkout"`)
	})

	t.Run("aux region is dropped", func(t *testing.T) {
		page := node("webarea", "",
			node("main", "", refNode("button", "Buy now", 5)),
			node("region", "Customer reviews",
				node("paragraph", "", node("text", "Great product, would buy again and again")),
			),
		)
		doc := Format(Pipeline{Mode: ModeAct}.Run(page))
		assert.Contains(t, doc, "Buy now")
		assert.NotContains(t, doc, "Great product")
	})

	t.Run("no landmarks falls back to content filter", func(t *testing.T) {
		page := node("webarea", "",
			node("generic", "",
				node("generic", "", node("text", "decorative filler")),
				node("generic", "", refNode("button", "Submit", 9)),
			),
		)
		doc := Format(Pipeline{Mode: ModeAct}.Run(page))
		assert.Contains(t, doc, `button "Submit"`)
	})
}

func TestActDropsProse(t *testing.T) {
	page := node("main", "",
		withProps(node("heading", "Product"), "level", "1"),
		node("paragraph", "",
			node("text", "A very long marketing paragraph describing the product in loving detail."),
			refNode("link", "brand page", 41),
		),
		refNode("button", "Add to cart", 42),
	)
	doc := Format(Pipeline{Mode: ModeAct}.Run(page))
	assert.NotContains(t, doc, "marketing paragraph")
	// The paragraph wrapper goes, its actionable link is hoisted.
	assert.Contains(t, doc, `link "brand page"`)
	assert.Contains(t, doc, `button "Add to cart"`)
	assert.Contains(t, doc, `heading "Product"`)
}

func TestTrivialPage(t *testing.T) {
	page := func() *Node {
		return node("webarea", "Example Domain",
			withProps(node("heading", "Example Domain"), "level", "1"),
			node("paragraph", "",
				node("text", "This domain is for use in illustrative examples in documents."),
				refNode("link", "More information...", 101),
			),
		)
	}

	t.Run("act", func(t *testing.T) {
		doc := Format(Pipeline{Mode: ModeAct}.Run(page()))
		lines := strings.Split(doc, "\n")
		require.Len(t, lines, 2)
		assert.Equal(t, `- heading "Example Domain" [level=1]`, lines[0])
		assert.Regexp(t, `^- link "More information\.\.\." \[ref=t\d+\]$`, lines[1])
	})

	t.Run("browse keeps the paragraph", func(t *testing.T) {
		doc := Format(Pipeline{Mode: ModeBrowse}.Run(page()))
		assert.Contains(t, doc, "- paragraph")
		assert.Contains(t, doc, "illustrative examples")
		assert.Contains(t, doc, `link "More information..."`)
	})
}

func TestEnergyBadgeDedup(t *testing.T) {
	var items []*Node
	for i := 0; i < 20; i++ {
		card := node("listitem", "",
			refNode("link", fmt.Sprintf("Product %d", i), int64(400+i)),
		)
		if i%2 == 0 {
			card.Children = append(card.Children, refNode("link", "Energy class A", int64(500+i)))
		}
		items = append(items, card)
	}
	page := node("main", "", node("list", "", items...))
	doc := Format(Pipeline{Mode: ModeAct}.Run(page))
	assert.LessOrEqual(t, strings.Count(doc, "Energy class A"), 1)
	assert.Contains(t, doc, `link "Product 0"`)
	assert.Contains(t, doc, `link "Product 19"`)
}

func TestNoUnnamedStructuralLines(t *testing.T) {
	doc := Format(Pipeline{Mode: ModeAct}.Run(landmarkedPage()))
	for _, line := range strings.Split(doc, "\n") {
		trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "- "))
		role := strings.SplitN(trimmed, " ", 2)[0]
		for _, bad := range []string{"generic", "group", "list", "row", "cell"} {
			if role == bad && !strings.Contains(line, `"`) {
				t.Errorf("unnamed structural line survived: %q", line)
			}
		}
	}
}

func TestBrowseKeepsProse(t *testing.T) {
	page := node("main", "",
		node("paragraph", "",
			node("text", "A very long paragraph that browse mode must keep for the reader."),
		),
		node("figure", "Diagram of the assembly"),
		node("image", "Product photo"),
	)
	doc := Format(Pipeline{Mode: ModeBrowse}.Run(page))
	assert.Contains(t, doc, "browse mode must keep")
	assert.Contains(t, doc, "[Figure: Diagram of the assembly]")
	assert.Contains(t, doc, `image "Product photo"`)
}

func TestInteractiveTargetsSurviveAct(t *testing.T) {
	page := landmarkedPage()
	doc := Format(Pipeline{Mode: ModeAct}.Run(page))
	// Every interactive element inside the kept regions stays addressable.
	for _, id := range interactiveRefsUnderLandmarks(page, landmarksByMode[ModeAct]) {
		assert.Contains(t, doc, "[ref="+id+"]")
	}
}

func interactiveRefsUnderLandmarks(n *Node, allowed map[string]bool) []string {
	var ids []string
	var walk func(n *Node, in bool)
	walk = func(n *Node, in bool) {
		if allowed[n.Role] {
			in = true
		}
		if in && interactiveRoles[n.Role] && n.BackendID != 0 {
			ids = append(ids, n.ID)
		}
		for _, c := range n.Children {
			walk(c, in)
		}
	}
	walk(n, false)
	return ids
}

func TestPipelineIdempotent(t *testing.T) {
	pages := map[string]*Node{
		"landmarked": landmarkedPage(),
		"colors": node("main", "",
			node("group", "Colors",
				node("radio", "Crimson red"), node("radio", "Ocean blue"), node("radio", "Forest green"),
			),
			refNode("button", "Add to cart", 50),
		),
		"combobox": node("main", "",
			refNode("combobox", "Size", 60,
				node("option", "Small"),
				withProps(node("option", "Medium"), "selected", "true"),
				node("option", "Large"),
			),
		),
	}
	for _, mode := range []Mode{ModeAct, ModeBrowse, ModeNavigate} {
		for name, page := range pages {
			t.Run(string(mode)+"/"+name, func(t *testing.T) {
				p := Pipeline{Mode: mode}
				once := p.Run(page)
				twice := p.Run(once)
				if diff := cmp.Diff(Format(once), Format(twice)); diff != "" {
					t.Errorf("second run changed the tree (-once +twice):\n%s", diff)
				}
			})
		}
	}
}

func TestWrapperCollapse(t *testing.T) {
	button := refNode("button", "Deep", 70)
	page := node("main", "",
		node("generic", "",
			node("generic", "",
				node("generic", "", button),
			),
		),
	)
	doc := Format(Pipeline{Mode: ModeAct}.Run(page))
	assert.NotContains(t, doc, "generic")
	// The whole wrapper chain folds away; the button sits right under main.
	lines := strings.Split(doc, "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "- main", lines[0])
	assert.Equal(t, `  - button "Deep" [ref=`+button.ID+`]`, lines[1])
}

func TestKeywordCondense(t *testing.T) {
	card := func(title string, id int64) *Node {
		return node("listitem", "",
			refNode("link", title, id),
			node("text", "$19.99"),
			refNode("button", "Add "+title, id+100),
		)
	}
	page := node("main", "",
		node("list", "",
			card("Wireless ergonomic mouse", 201),
			card("Mechanical keyboard with numpad", 202),
			card("USB-C docking station", 203),
		),
	)
	doc := Format(Pipeline{Mode: ModeAct, Context: "ergonomic mouse"}.Run(page))
	// The matching card keeps its full contents.
	assert.Contains(t, doc, `button "Add Wireless ergonomic mouse"`)
	// Off-topic cards shrink to their first link.
	assert.Contains(t, doc, `link "Mechanical keyboard with numpad"`)
	assert.NotContains(t, doc, `button "Add Mechanical keyboard`)
	assert.Contains(t, doc, `link "USB-C docking station"`)
	assert.NotContains(t, doc, `button "Add USB-C`)
}

func TestColorGroupCollapse(t *testing.T) {
	page := node("main", "",
		node("group", "Colours",
			node("radio", "Midnight black"),
			node("radio", "Arctic white"),
			node("radio", "Rose gold"),
		),
		refNode("button", "Buy", 80),
	)
	doc := Format(Pipeline{Mode: ModeAct}.Run(page))
	assert.Contains(t, doc, `text "colors(3): Midnight black, Arctic white, Rose gold"`)
	assert.NotContains(t, doc, `radio`)
}

func TestComboboxTrim(t *testing.T) {
	page := node("main", "",
		refNode("combobox", "Size", 90,
			node("option", "Small"),
			withProps(node("option", "Medium"), "selected", "true"),
			node("option", "Large"),
		),
	)
	doc := Format(Pipeline{Mode: ModeAct}.Run(page))
	assert.Contains(t, doc, `combobox "Size" [value="Medium"]`)
	assert.NotContains(t, doc, "option")
	assert.NotContains(t, doc, "Large")
}

func TestOrphanHeadingDropped(t *testing.T) {
	page := node("main", "",
		withProps(node("heading", "Results"), "level", "1"),
		withProps(node("heading", "About our ranking"), "level", "2"),
		node("text", "ranking blurb"),
		withProps(node("heading", "Top picks"), "level", "2"),
		refNode("link", "First pick", 95),
	)
	doc := Format(Pipeline{Mode: ModeAct}.Run(page))
	assert.NotContains(t, doc, "About our ranking")
	assert.Contains(t, doc, `heading "Top picks"`)
	assert.Contains(t, doc, `heading "Results"`)
}

func TestCommercePasses(t *testing.T) {
	t.Run("duplicate links deduped", func(t *testing.T) {
		page := node("main", "",
			refNode("link", "Climate Pledge Friendly", 301),
			refNode("button", "Add to cart", 302),
			refNode("link", "Climate Pledge Friendly", 303),
		)
		doc := Format(Pipeline{Mode: ModeAct}.Run(page))
		assert.Equal(t, 1, strings.Count(doc, "Climate Pledge Friendly"))
	})

	t.Run("noise buttons and generic links dropped", func(t *testing.T) {
		page := node("main", "",
			refNode("button", "Energy class A++", 311),
			refNode("link", "View options", 312),
			refNode("button", "Add to cart", 313),
		)
		doc := Format(Pipeline{Mode: ModeAct}.Run(page))
		assert.NotContains(t, doc, "Energy class")
		assert.NotContains(t, doc, "View options")
		assert.Contains(t, doc, "Add to cart")
	})

	t.Run("siblings truncated after back to top", func(t *testing.T) {
		page := node("main", "",
			refNode("link", "Result one", 321),
			refNode("button", "Back to top", 322),
			refNode("link", "Footer junk", 323),
		)
		doc := Format(Pipeline{Mode: ModeAct}.Run(page))
		assert.Contains(t, doc, "Result one")
		assert.NotContains(t, doc, "Back to top")
		assert.NotContains(t, doc, "Footer junk")
	})

	t.Run("filter groups dropped", func(t *testing.T) {
		page := node("main", "",
			node("radiogroup", "Sort by",
				node("radio", "Price low to high"),
			),
			refNode("link", "Result", 331),
		)
		doc := Format(Pipeline{Mode: ModeAct}.Run(page))
		assert.NotContains(t, doc, "Price low to high")
		assert.Contains(t, doc, "Result")
	})

	t.Run("browse skips commerce passes", func(t *testing.T) {
		page := node("main", "",
			refNode("link", "Twice", 341),
			refNode("link", "Twice", 342),
		)
		doc := Format(Pipeline{Mode: ModeBrowse}.Run(page))
		assert.Equal(t, 2, strings.Count(doc, `link "Twice"`))
	})
}

func TestActTextRetention(t *testing.T) {
	p := Pipeline{Mode: ModeAct}
	keep := []string{
		"$24.99",
		"1.299,00 €",
		"Only 3 left in stock",
		"Free delivery Tuesday",
		"Size:",
		"short label",
		"colors(4): red, blue, green, a very long tail of colour names here",
	}
	drop := []string{
		"An extended editorial sentence that plainly exceeds the retention threshold for act mode.",
	}
	for _, s := range keep {
		assert.True(t, p.keepText(&Node{Role: "text", Name: s}, pruneCtx{}), s)
	}
	for _, s := range drop {
		assert.False(t, p.keepText(&Node{Role: "text", Name: s}, pruneCtx{}), s)
	}
}

func TestRunDoesNotMutateInput(t *testing.T) {
	page := landmarkedPage()
	before := Format(page)
	_ = Pipeline{Mode: ModeAct}.Run(page)
	assert.Equal(t, before, Format(page))
}
