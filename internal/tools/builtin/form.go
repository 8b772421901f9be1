package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"surf/internal/ports"
	"surf/internal/tools/shared"
)

type formTool struct {
	shared.BaseTool
	deps *Deps
}

// NewFormTool fills form fields by candidate keys and optionally submits.
func NewFormTool(deps *Deps) ports.ToolExecutor {
	return &formTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name:        "form",
				Description: "Fill form inputs. Each field gives candidate keys (matched against name/id/placeholder/autocomplete/type/label) and a value; submit=true submits the form afterwards.",
				Parameters: shared.Schema([]string{"fields"}, map[string]ports.Property{
					"fields": ports.Property{
						Type:        "array",
						Description: "List of {candidates:[...], value:\"...\"} objects, or a {key: value} object",
					},
					"submit": shared.Prop("boolean", "Submit the form after filling"),
					"form":   shared.Prop("string", "CSS selector restricting the search to one form"),
				}),
			},
			ports.ToolMetadata{
				Name: "form", Version: "1.0.0", Category: "browser",
				Tags: []string{"browser", "interaction"}, RequiresBrowser: true,
			},
		),
		deps: deps,
	}
}

type formField struct {
	Candidates []string `json:"candidates"`
	Value      string   `json:"value"`
}

func (t *formTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	args := call.Arguments
	fields, err := parseFormFields(args["fields"])
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}
	if len(fields) == 0 {
		return shared.ToolError(call.ID, "form requires at least one field")
	}
	sess, err := t.deps.session(ctx)
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}

	js := formFillJS(fields, shared.StringArg(args, "form"), shared.BoolArgWithDefault(args, "submit", false))
	value, err := sess.Eval(ctx, js)
	if err != nil {
		return shared.ToolError(call.ID, "form fill: %v", err)
	}
	outcome, ok := value.(map[string]any)
	if !ok {
		return shared.ToolError(call.ID, "form fill returned no data")
	}
	filled := int(numOf(outcome["filled"]))
	if filled < len(fields) {
		missing, _ := outcome["missing"].([]any)
		return shared.ToolError(call.ID, "form fill matched %d of %d fields (missing: %v)", filled, len(fields), missing)
	}
	t.deps.pump(sess)
	payload := map[string]any{"ok": true, "filled": filled}
	if submitted, _ := outcome["submitted"].(bool); submitted {
		payload["submitted"] = true
	}
	return shared.JSONResult(call.ID, payload)
}

// parseFormFields accepts both the list-of-objects shape and a flat map.
func parseFormFields(raw any) ([]formField, error) {
	switch v := raw.(type) {
	case []any:
		var fields []formField
		for i, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("fields[%d] is not an object", i)
			}
			field := formField{Value: shared.StringArg(obj, "value")}
			field.Candidates = shared.StringSliceArg(obj, "candidates")
			if len(field.Candidates) == 0 {
				if key := shared.StringArg(obj, "key"); key != "" {
					field.Candidates = []string{key}
				}
			}
			if len(field.Candidates) == 0 {
				return nil, fmt.Errorf("fields[%d] has no candidates", i)
			}
			fields = append(fields, field)
		}
		return fields, nil
	case map[string]any:
		var fields []formField
		for key, value := range v {
			fields = append(fields, formField{Candidates: []string{key}, Value: fmt.Sprint(value)})
		}
		return fields, nil
	case nil:
		return nil, fmt.Errorf("missing required argument: fields")
	default:
		return nil, fmt.Errorf("fields must be a list or an object")
	}
}

func formFillJS(fields []formField, formSelector string, submit bool) string {
	rawFields, _ := json.Marshal(fields)
	rawForm, _ := json.Marshal(formSelector)
	return fmt.Sprintf(`(function(){
var fields=%s,formSel=%s,submit=%v;
var scope=document;
if(formSel){scope=document.querySelector(formSel);if(!scope)return{filled:0,missing:['form '+formSel]};}
function keyOf(el){
  var label='';
  if(el.labels&&el.labels.length)label=el.labels[0].innerText;
  return [el.name,el.id,el.placeholder,el.getAttribute('autocomplete'),el.type,label]
    .filter(Boolean).join(' ').toLowerCase();
}
var inputs=Array.prototype.slice.call(scope.querySelectorAll('input,textarea,select'));
var filled=0,missing=[],lastEl=null;
fields.forEach(function(field){
  var match=null;
  outer:
  for(var c=0;c<field.candidates.length;c++){
    var cand=String(field.candidates[c]).toLowerCase();
    for(var i=0;i<inputs.length;i++){
      if(keyOf(inputs[i]).indexOf(cand)>=0){match=inputs[i];break outer;}
    }
  }
  if(!match){missing.push(field.candidates[0]);return;}
  match.focus();
  if(match.tagName==='SELECT'){
    match.value=field.value;
  }else{
    var setter=Object.getOwnPropertyDescriptor(Object.getPrototypeOf(match),'value');
    if(setter&&setter.set)setter.set.call(match,field.value);else match.value=field.value;
  }
  match.dispatchEvent(new Event('input',{bubbles:true}));
  match.dispatchEvent(new Event('change',{bubbles:true}));
  lastEl=match;filled++;
});
var submitted=false;
if(submit&&lastEl){
  var form=lastEl.form||scope.querySelector('form');
  if(form){
    if(form.requestSubmit)form.requestSubmit();else form.submit();
    submitted=true;
  }
}
return{filled:filled,missing:missing,submitted:submitted};
})()`, rawFields, rawForm, submit)
}
