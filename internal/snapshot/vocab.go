package snapshot

import "regexp"

// Role taxonomy and language vocabularies for the pruning pipeline. All of
// these are module-level constants; per-snapshot state lives on the page
// handle, never here.

var interactiveRoles = map[string]bool{
	"button":           true,
	"link":             true,
	"textbox":          true,
	"searchbox":        true,
	"checkbox":         true,
	"radio":            true,
	"combobox":         true,
	"listbox":          true,
	"menuitem":         true,
	"menuitemcheckbox": true,
	"menuitemradio":    true,
	"option":           true,
	"slider":           true,
	"spinbutton":       true,
	"switch":           true,
	"tab":              true,
	"treeitem":         true,
}

var landmarkRoles = map[string]bool{
	"banner":        true,
	"main":          true,
	"navigation":    true,
	"complementary": true,
	"contentinfo":   true,
	"region":        true,
	"search":        true,
	"form":          true,
}

// namedGroupRoles are container widgets kept whole when they carry a name.
var namedGroupRoles = map[string]bool{
	"radiogroup": true,
	"tablist":    true,
	"menu":       true,
	"menubar":    true,
	"toolbar":    true,
	"listbox":    true,
	"tree":       true,
	"treegrid":   true,
	"grid":       true,
}

// structuralRoles collapse when unnamed: single child replaces the wrapper,
// multiple children are promoted in place.
var structuralRoles = map[string]bool{
	"generic":           true,
	"group":             true,
	"list":              true,
	"table":             true,
	"row":               true,
	"rowgroup":          true,
	"cell":              true,
	"presentation":      true,
	"none":              true,
	"separator":         true,
	"layout-table":      true,
	"layout-table-row":  true,
	"layout-table-cell": true,
}

// renderNoiseRoles never appear in formatted output.
var renderNoiseRoles = map[string]bool{
	"inline-text-box": true,
	"line-break":      true,
	"list-marker":     true,
}

// landmarksByMode lists the landmark roles each mode keeps after region
// extraction.
var landmarksByMode = map[Mode]map[string]bool{
	ModeAct: {
		"main": true, "form": true, "search": true, "region": true,
	},
	ModeBrowse: {
		"main": true, "form": true, "search": true, "region": true, "complementary": true,
	},
	ModeNavigate: {
		"banner": true, "navigation": true, "main": true, "search": true, "contentinfo": true,
	},
}

// auxRegionVocab downgrades regions that look like auxiliary page chrome
// rather than primary content.
var auxRegionVocab = []string{
	"image", "review", "recommend", "related", "similar", "also viewed", "cookie",
}

// colorVocab recognizes color-swatch groups across the storefront locales we
// see most.
var colorVocab = []string{"colors", "colours", "couleurs", "farben", "kleuren"}

// descriptionHeadingVocab marks sub-headings that introduce descriptive prose.
var descriptionHeadingVocab = []string{
	"about this", "description", "detail", "feature", "specification", "overview",
}

// noiseButtonVocab matches buttons that never advance an agent's task.
var noiseButtonVocab = []string{
	"energy class", "energy efficiency", "sponsored", "ad feedback",
	"product information sheet", "information sheet", "ratings detail",
	"rating detail", "see rating", "feedback",
}

// genericLinkVocab matches boilerplate links: option expanders and
// footer-legal chrome.
var genericLinkVocab = []string{
	"view options", "see options", "more options", "see all options",
	"privacy", "terms of", "imprint", "legal notice", "cookie settings",
	"accessibility statement",
}

// truncationHeadingVocab ends the useful part of a results page.
var truncationHeadingVocab = []string{
	"related searches", "need help", "customers also",
}

// filterControlVocab recognizes facet/filter widget groups.
var filterControlVocab = []string{
	"filter", "sort by", "refine by", "narrow by", "price range",
}

// stockShippingVocab keeps availability and delivery phrases in act mode.
var stockShippingVocab = []string{
	"in stock", "out of stock", "only", "left in stock", "free shipping",
	"free delivery", "delivery", "ships", "arrives", "get it",
}

var priceRe = regexp.MustCompile(`^\s*(\$[\d,.]+|€[\d,]+|[\d,.]+\s*(€|\$))`)

// challengeVocab marks anti-bot interstitials; matching any phrase triggers
// the hybrid fallback.
var challengeVocab = []string{
	"just a moment",
	"checking your browser",
	"verify you are human",
	"verifying you are human",
	"prove your humanity",
	"attention required",
	"file a ticket",
	"enable javascript and cookies",
}
