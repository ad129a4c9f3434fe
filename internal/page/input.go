package page

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/pagescope/internal/cdp"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// dispatcher translates resolved DOM backend ids into CDP Input events on the
// page session. Reference resolution stays with the page handle; the
// dispatcher only ever sees backend ids.
type dispatcher struct {
	sess *cdp.Session
}

const (
	// ctrlModifier is the Input.dispatchKeyEvent modifier bit for Ctrl.
	ctrlModifier = 2

	// dropdownSettle is how long a custom dropdown gets to render its
	// options after the opening click.
	dropdownSettle = 300 * time.Millisecond
)

// midpoint resolves the center of the element's content box, scrolling it
// into view first so the coordinates are within the viewport.
func (d *dispatcher) midpoint(ctx context.Context, backendID int64) (x, y float64, err error) {
	if _, err = d.sess.Send(ctx, "DOM.scrollIntoViewIfNeeded", map[string]interface{}{
		"backendNodeId": backendID,
	}); err != nil {
		return 0, 0, fmt.Errorf("scroll into view: %w", err)
	}

	raw, err := d.sess.Send(ctx, "DOM.getBoxModel", map[string]interface{}{
		"backendNodeId": backendID,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("box model: %w", err)
	}

	var result struct {
		Model struct {
			Content []float64 `json:"content"`
		} `json:"model"`
	}
	if err := codec.Unmarshal(raw, &result); err != nil {
		return 0, 0, fmt.Errorf("decode box model: %w", err)
	}
	quad := result.Model.Content
	if len(quad) != 8 {
		return 0, 0, fmt.Errorf("content quad has %d coordinates", len(quad))
	}
	x = (quad[0] + quad[2] + quad[4] + quad[6]) / 4
	y = (quad[1] + quad[3] + quad[5] + quad[7]) / 4
	return x, y, nil
}

func (d *dispatcher) click(ctx context.Context, backendID int64) error {
	x, y, err := d.midpoint(ctx, backendID)
	if err != nil {
		return err
	}
	if err := d.mouseEvent(ctx, "mousePressed", x, y, 0); err != nil {
		return err
	}
	return d.mouseEvent(ctx, "mouseReleased", x, y, 0)
}

func (d *dispatcher) hover(ctx context.Context, backendID int64) error {
	x, y, err := d.midpoint(ctx, backendID)
	if err != nil {
		return err
	}
	return d.moveEvent(ctx, x, y)
}

func (d *dispatcher) mouseEvent(ctx context.Context, kind string, x, y, deltaY float64) error {
	params := map[string]interface{}{
		"type": kind,
		"x":    x,
		"y":    y,
	}
	switch kind {
	case "mousePressed", "mouseReleased":
		params["button"] = "left"
		params["clickCount"] = 1
	case "mouseWheel":
		params["deltaX"] = float64(0)
		params["deltaY"] = deltaY
	}
	_, err := d.sess.Send(ctx, "Input.dispatchMouseEvent", params)
	return err
}

func (d *dispatcher) moveEvent(ctx context.Context, x, y float64) error {
	_, err := d.sess.Send(ctx, "Input.dispatchMouseEvent", map[string]interface{}{
		"type": "mouseMoved",
		"x":    x,
		"y":    y,
	})
	return err
}

// typeText focuses the node and enters text. With clear set, the existing
// value is removed first via Ctrl+A and Backspace. keyEvents selects per-key
// synthesis over the one-shot insertText fast path.
func (d *dispatcher) typeText(ctx context.Context, backendID int64, text string, clear, keyEvents bool) error {
	if _, err := d.sess.Send(ctx, "DOM.focus", map[string]interface{}{
		"backendNodeId": backendID,
	}); err != nil {
		return fmt.Errorf("focus: %w", err)
	}

	if clear {
		selectAll := keyDef{key: "a", code: "KeyA", vkCode: 65}
		if err := d.keyStroke(ctx, selectAll, ctrlModifier); err != nil {
			return err
		}
		if err := d.keyStroke(ctx, keyTable["Backspace"], 0); err != nil {
			return err
		}
	}

	if !keyEvents {
		_, err := d.sess.Send(ctx, "Input.insertText", map[string]interface{}{"text": text})
		return err
	}
	for _, r := range text {
		ch := string(r)
		if err := d.keyStroke(ctx, keyDef{key: ch, text: ch}, 0); err != nil {
			return err
		}
	}
	return nil
}

func (d *dispatcher) press(ctx context.Context, name string) error {
	def, err := lookupKey(name)
	if err != nil {
		return err
	}
	return d.keyStroke(ctx, def, 0)
}

// keyStroke emits a keyDown/keyUp pair for one key definition.
func (d *dispatcher) keyStroke(ctx context.Context, def keyDef, modifiers int) error {
	if err := d.keyEvent(ctx, "keyDown", def, modifiers); err != nil {
		return err
	}
	return d.keyEvent(ctx, "keyUp", def, modifiers)
}

func (d *dispatcher) keyEvent(ctx context.Context, kind string, def keyDef, modifiers int) error {
	params := map[string]interface{}{
		"type": kind,
		"key":  def.key,
	}
	if def.code != "" {
		params["code"] = def.code
	}
	if def.vkCode != 0 {
		params["windowsVirtualKeyCode"] = def.vkCode
		params["nativeVirtualKeyCode"] = def.vkCode
	}
	if def.text != "" && kind == "keyDown" {
		params["text"] = def.text
	}
	if modifiers != 0 {
		params["modifiers"] = modifiers
	}
	_, err := d.sess.Send(ctx, "Input.dispatchKeyEvent", params)
	return err
}

func (d *dispatcher) scroll(ctx context.Context, deltaY, x, y float64) error {
	if x == 0 && y == 0 {
		x, y = 400, 300
	}
	return d.mouseEvent(ctx, "mouseWheel", x, y, deltaY)
}

// selectNativeJS runs against a resolved element. Native SELECT elements get
// their value set directly plus a bubbling change event so framework
// listeners fire.
const selectNativeJS = `function(value) {
	if (this.tagName !== 'SELECT') {
		return false;
	}
	for (const opt of this.options) {
		if (opt.value === value || opt.textContent.trim() === value) {
			this.value = opt.value;
			this.dispatchEvent(new Event('change', { bubbles: true }));
			return true;
		}
	}
	return false;
}`

// selectCustomJS searches the document for rendered dropdown options after a
// custom widget has been opened by a click.
const selectCustomJS = `(value) => {
	const nodes = document.querySelectorAll('[role="option"], [role="menuitem"], option');
	for (const el of nodes) {
		if ((el.textContent || '').trim() === value) {
			el.click();
			return true;
		}
	}
	return false;
}`

// selectValue picks an option by value or visible text. Custom widgets are
// opened with a click first, then their rendered options are searched.
func (d *dispatcher) selectValue(ctx context.Context, backendID int64, value string) error {
	objectID, err := d.resolveObject(ctx, backendID)
	if err != nil {
		return err
	}
	matched, err := d.callBool(ctx, objectID, selectNativeJS, value)
	if err != nil {
		return err
	}
	if matched {
		return nil
	}

	if err := d.click(ctx, backendID); err != nil {
		return err
	}
	select {
	case <-time.After(dropdownSettle):
	case <-ctx.Done():
		return ctx.Err()
	}

	matched, err = d.callBool(ctx, objectID, selectCustomJS, value)
	if err != nil {
		return err
	}
	if !matched {
		return fmt.Errorf("select: no option matching %q", value)
	}
	return nil
}

// drag presses at the source midpoint, moves through the halfway point to the
// target, and releases. Synthetic mouse events do not carry a native
// data-transfer payload; pages relying on HTML5 drag data will not see one.
func (d *dispatcher) drag(ctx context.Context, fromID, toID int64) error {
	fx, fy, err := d.midpoint(ctx, fromID)
	if err != nil {
		return err
	}
	tx, ty, err := d.midpoint(ctx, toID)
	if err != nil {
		return err
	}
	if err := d.mouseEvent(ctx, "mousePressed", fx, fy, 0); err != nil {
		return err
	}
	if err := d.moveEvent(ctx, (fx+tx)/2, (fy+ty)/2); err != nil {
		return err
	}
	if err := d.moveEvent(ctx, tx, ty); err != nil {
		return err
	}
	return d.mouseEvent(ctx, "mouseReleased", tx, ty, 0)
}

func (d *dispatcher) upload(ctx context.Context, backendID int64, files []string) error {
	_, err := d.sess.Send(ctx, "DOM.setFileInputFiles", map[string]interface{}{
		"files":         files,
		"backendNodeId": backendID,
	})
	return err
}

func (d *dispatcher) resolveObject(ctx context.Context, backendID int64) (string, error) {
	raw, err := d.sess.Send(ctx, "DOM.resolveNode", map[string]interface{}{
		"backendNodeId": backendID,
	})
	if err != nil {
		return "", fmt.Errorf("resolve node: %w", err)
	}
	var result struct {
		Object struct {
			ObjectID string `json:"objectId"`
		} `json:"object"`
	}
	if err := codec.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decode resolved node: %w", err)
	}
	if result.Object.ObjectID == "" {
		return "", fmt.Errorf("resolve node: no object id")
	}
	return result.Object.ObjectID, nil
}

// callBool invokes a function on the element's remote object and returns its
// boolean result.
func (d *dispatcher) callBool(ctx context.Context, objectID, declaration string, args ...interface{}) (bool, error) {
	callArgs := make([]map[string]interface{}, len(args))
	for i, a := range args {
		callArgs[i] = map[string]interface{}{"value": a}
	}
	raw, err := d.sess.Send(ctx, "Runtime.callFunctionOn", map[string]interface{}{
		"objectId":            objectID,
		"functionDeclaration": declaration,
		"arguments":           callArgs,
		"returnByValue":       true,
	})
	if err != nil {
		return false, err
	}
	var result struct {
		Result struct {
			Value bool `json:"value"`
		} `json:"result"`
	}
	if err := codec.Unmarshal(raw, &result); err != nil {
		return false, err
	}
	return result.Result.Value, nil
}
