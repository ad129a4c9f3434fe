package page

import (
	"fmt"
	"sort"
	"strings"
)

// keyDef carries the fields Input.dispatchKeyEvent needs for one symbolic
// key. Text is only set for keys that produce a character.
type keyDef struct {
	key    string
	code   string
	text   string
	vkCode int
}

// keyTable is the fixed set of symbolic key names Press accepts.
var keyTable = map[string]keyDef{
	"Enter":      {key: "Enter", code: "Enter", text: "\r", vkCode: 13},
	"Tab":        {key: "Tab", code: "Tab", text: "\t", vkCode: 9},
	"Escape":     {key: "Escape", code: "Escape", vkCode: 27},
	"Backspace":  {key: "Backspace", code: "Backspace", vkCode: 8},
	"Delete":     {key: "Delete", code: "Delete", vkCode: 46},
	"ArrowUp":    {key: "ArrowUp", code: "ArrowUp", vkCode: 38},
	"ArrowDown":  {key: "ArrowDown", code: "ArrowDown", vkCode: 40},
	"ArrowLeft":  {key: "ArrowLeft", code: "ArrowLeft", vkCode: 37},
	"ArrowRight": {key: "ArrowRight", code: "ArrowRight", vkCode: 39},
	"Home":       {key: "Home", code: "Home", vkCode: 36},
	"End":        {key: "End", code: "End", vkCode: 35},
	"PageUp":     {key: "PageUp", code: "PageUp", vkCode: 33},
	"PageDown":   {key: "PageDown", code: "PageDown", vkCode: 34},
	"Space":      {key: " ", code: "Space", text: " ", vkCode: 32},
}

func lookupKey(name string) (keyDef, error) {
	def, ok := keyTable[name]
	if !ok {
		return keyDef{}, fmt.Errorf("%w: %q (valid: %s)", ErrUnknownKey, name, validKeyNames())
	}
	return def, nil
}

func validKeyNames() string {
	names := make([]string, 0, len(keyTable))
	for name := range keyTable {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
