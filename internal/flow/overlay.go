package flow

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// OverlayRule scores overlay-dismiss candidates by button phrase. Higher
// scores win; close must outrank reject, reject must outrank accept, so that
// a cookie wall is closed rather than consented to when both are offered.
type OverlayRule struct {
	Action  string   `yaml:"action"`
	Score   int      `yaml:"score"`
	Phrases []string `yaml:"phrases"`
}

// OverlayRules is the data-driven scoring table behind dismiss_overlays.
type OverlayRules struct {
	Rules []OverlayRule `yaml:"rules"`
}

// DefaultOverlayRules is the compiled-in table. A deployment can override it
// with MCP_OVERLAY_RULES pointing at a YAML file of the same shape.
func DefaultOverlayRules() OverlayRules {
	return OverlayRules{Rules: []OverlayRule{
		{Action: "close", Score: 300, Phrases: []string{
			"close", "dismiss", "no thanks", "not now", "maybe later", "skip", "×", "x",
		}},
		{Action: "reject", Score: 200, Phrases: []string{
			"reject", "reject all", "decline", "deny", "only necessary", "refuse",
		}},
		{Action: "accept", Score: 100, Phrases: []string{
			"accept", "accept all", "agree", "i agree", "got it", "ok", "allow",
		}},
	}}
}

// LoadOverlayRules reads a YAML scoring table, falling back to the default
// when path is empty.
func LoadOverlayRules(path string) (OverlayRules, error) {
	if path == "" {
		return DefaultOverlayRules(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return OverlayRules{}, fmt.Errorf("read overlay rules: %w", err)
	}
	var rules OverlayRules
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return OverlayRules{}, fmt.Errorf("parse overlay rules: %w", err)
	}
	if len(rules.Rules) == 0 {
		return OverlayRules{}, fmt.Errorf("overlay rules file %s has no rules", path)
	}
	return rules, nil
}

// Script renders the viewport-center hit-test. It probes the element stack at
// the viewport center, walks up to a fixed/dialog container, scores its
// clickable descendants against the table, and clicks the best candidate.
func (r OverlayRules) Script() string {
	table := make([]map[string]any, 0, len(r.Rules))
	for _, rule := range r.Rules {
		table = append(table, map[string]any{
			"action":  rule.Action,
			"score":   rule.Score,
			"phrases": rule.Phrases,
		})
	}
	rawTable, _ := json.Marshal(table)
	return fmt.Sprintf(`(function(){
var table=%s;
function containerOf(el){
  while(el&&el!==document.body){
    var cs=getComputedStyle(el);
    if(cs.position==='fixed'||cs.position==='sticky'||el.getAttribute('role')==='dialog'||el.tagName==='DIALOG')return el;
    el=el.parentElement;
  }
  return null;
}
var cx=Math.floor(innerWidth/2),cy=Math.floor(innerHeight/2);
var stack=(document.elementsFromPoint?document.elementsFromPoint(cx,cy):[document.elementFromPoint(cx,cy)])||[];
var overlay=null;
for(var i=0;i<stack.length;i++){var c=containerOf(stack[i]);if(c){overlay=c;break;}}
if(!overlay)return{dismissed:false,reason:'no overlay at viewport center'};
var best=null,bestScore=-1;
overlay.querySelectorAll('button,[role="button"],a,[aria-label]').forEach(function(el){
  if(el.offsetParent===null&&getComputedStyle(el).position!=='fixed')return;
  var t=((el.innerText||'')+' '+(el.getAttribute('aria-label')||'')).trim().toLowerCase();
  if(!t)return;
  table.forEach(function(rule){
    rule.phrases.forEach(function(p){
      if(t===p||t.indexOf(p)>=0){
        var s=rule.score-(t.length>40?10:0);
        if(s>bestScore){bestScore=s;best={el:el,action:rule.action,text:t.slice(0,60)};}
      }
    });
  });
});
if(!best)return{dismissed:false,reason:'overlay found but no scored control'};
try{best.el.click();}catch(e){return{dismissed:false,reason:'click failed: '+e};}
return{dismissed:true,action:best.action,text:best.text};
})()`, rawTable)
}

// DefaultOverlayScript is the compiled-in dismiss probe.
func DefaultOverlayScript() string {
	return DefaultOverlayRules().Script()
}
