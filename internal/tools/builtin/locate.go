package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"surf/internal/cdp"
)

// locator describes how a step addresses an element. Exactly one of Selector,
// Text or BackendNodeID should be set; Role/Index refine text matches.
type locator struct {
	Selector      string
	Text          string
	Role          string
	Index         int
	HasIndex      bool
	BackendNodeID int
	X, Y          float64
	HasPoint      bool
}

func locatorFromArgs(args map[string]any) locator {
	loc := locator{}
	loc.Selector, _ = args["selector"].(string)
	loc.Text, _ = args["text"].(string)
	loc.Role, _ = args["role"].(string)
	if v, ok := numArg(args, "index"); ok {
		loc.Index = int(v)
		loc.HasIndex = true
	}
	if v, ok := numArg(args, "backendDOMNodeId"); ok {
		loc.BackendNodeID = int(v)
	}
	x, okX := numArg(args, "x")
	y, okY := numArg(args, "y")
	if okX && okY {
		loc.X, loc.Y = x, y
		loc.HasPoint = true
	}
	return loc
}

func (l locator) empty() bool {
	return l.Selector == "" && l.Text == "" && l.BackendNodeID == 0 && !l.HasPoint
}

// hit is a resolved element: a viewport point plus match diagnostics.
type hit struct {
	X       float64
	Y       float64
	Matches int
	Text    string
}

// resolve turns a locator into viewport coordinates. Text mode counts all
// matches so the caller can report ambiguity.
func resolveLocator(ctx context.Context, sess *cdp.Session, loc locator) (*hit, error) {
	switch {
	case loc.HasPoint:
		return &hit{X: loc.X, Y: loc.Y, Matches: 1}, nil
	case loc.BackendNodeID != 0:
		return resolveBackendNode(ctx, sess, loc.BackendNodeID)
	case loc.Selector != "" || loc.Text != "":
		return resolveQuery(ctx, sess, loc)
	}
	return nil, fmt.Errorf("no element locator given (selector/text/x+y/backendDOMNodeId)")
}

func resolveBackendNode(ctx context.Context, sess *cdp.Session, backendID int) (*hit, error) {
	raw, err := sess.Call(ctx, "DOM.getBoxModel", map[string]any{"backendNodeId": backendID})
	if err != nil {
		return nil, fmt.Errorf("element not found for backendDOMNodeId %d: %w", backendID, err)
	}
	var box struct {
		Model struct {
			Content []float64 `json:"content"`
		} `json:"model"`
	}
	if err := json.Unmarshal(raw, &box); err != nil || len(box.Model.Content) < 8 {
		return nil, fmt.Errorf("element not found: no box model for node %d", backendID)
	}
	quad := box.Model.Content
	return &hit{
		X:       (quad[0] + quad[2] + quad[4] + quad[6]) / 4,
		Y:       (quad[1] + quad[3] + quad[5] + quad[7]) / 4,
		Matches: 1,
	}, nil
}

func resolveQuery(ctx context.Context, sess *cdp.Session, loc locator) (*hit, error) {
	value, err := sess.Eval(ctx, locatorProbeJS(loc))
	if err != nil {
		return nil, err
	}
	probe, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("element probe returned no data")
	}
	matches := int(numOf(probe["matches"]))
	if found, _ := probe["found"].(bool); !found {
		if reason, _ := probe["reason"].(string); reason != "" {
			return nil, fmt.Errorf("element not found: %s", reason)
		}
		return nil, fmt.Errorf("element not found (%d candidates)", matches)
	}
	text, _ := probe["text"].(string)
	return &hit{
		X:       numOf(probe["x"]),
		Y:       numOf(probe["y"]),
		Matches: matches,
		Text:    text,
	}, nil
}

// locatorProbeJS finds candidates, scrolls the chosen one into view and
// returns its center point. Zero-size and hidden elements are skipped.
func locatorProbeJS(loc locator) string {
	sel, _ := json.Marshal(loc.Selector)
	text, _ := json.Marshal(loc.Text)
	role, _ := json.Marshal(loc.Role)
	index := -1
	if loc.HasIndex {
		index = loc.Index
	}
	return fmt.Sprintf(`(function(){
var sel=%s,text=%s,role=%s,index=%d;
var candidates=[];
function visible(el){var r=el.getBoundingClientRect();return r.width>0&&r.height>0;}
if(sel){
  try{document.querySelectorAll(sel).forEach(function(el){if(visible(el))candidates.push(el);});}
  catch(e){return{found:false,matches:0,reason:'bad selector: '+e};}
}else{
  var scope=role?'[role="'+role+'"],'+role:'a,button,[role="button"],input,select,textarea,summary,label,[onclick]';
  var needle=text.toLowerCase();
  document.querySelectorAll(scope).forEach(function(el){
    if(!visible(el))return;
    var t=(el.innerText||el.value||el.getAttribute('aria-label')||'').trim().toLowerCase();
    if(t&&(t===needle||t.indexOf(needle)>=0))candidates.push(el);
  });
  candidates.sort(function(a,b){
    var ta=(a.innerText||a.value||'').trim().length,tb=(b.innerText||b.value||'').trim().length;
    return ta-tb;
  });
}
if(candidates.length===0)return{found:false,matches:0};
var pick=index>=0?index:0;
if(pick>=candidates.length)return{found:false,matches:candidates.length,reason:'index '+pick+' out of range'};
var el=candidates[pick];
el.scrollIntoView({block:'center',inline:'center'});
var r=el.getBoundingClientRect();
if(r.width===0||r.height===0)return{found:false,matches:candidates.length,reason:'zero size element'};
return{found:true,matches:candidates.length,x:r.left+r.width/2,y:r.top+r.height/2,
  text:(el.innerText||el.value||'').trim().slice(0,80)};
})()`, sel, text, role, index)
}

// dispatchClick sends a full CDP mouse press/release pair at a point.
func dispatchClick(ctx context.Context, sess *cdp.Session, x, y float64, button string, clicks int) error {
	if button == "" {
		button = "left"
	}
	if clicks <= 0 {
		clicks = 1
	}
	move := map[string]any{"type": "mouseMoved", "x": x, "y": y}
	if _, err := sess.Call(ctx, "Input.dispatchMouseEvent", move); err != nil {
		return err
	}
	for i := 0; i < clicks; i++ {
		press := map[string]any{
			"type": "mousePressed", "x": x, "y": y,
			"button": button, "clickCount": i + 1,
		}
		if _, err := sess.Call(ctx, "Input.dispatchMouseEvent", press); err != nil {
			return err
		}
		release := map[string]any{
			"type": "mouseReleased", "x": x, "y": y,
			"button": button, "clickCount": i + 1,
		}
		if _, err := sess.Call(ctx, "Input.dispatchMouseEvent", release); err != nil {
			return err
		}
	}
	return nil
}

func numArg(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func numOf(value any) float64 {
	f, _ := numArg(map[string]any{"v": value}, "v")
	return f
}
