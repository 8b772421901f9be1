package builtin

import (
	"context"

	"surf/internal/ports"
	"surf/internal/tools/shared"
)

type captchaTool struct {
	shared.BaseTool
	deps *Deps
}

// NewCaptchaTool reports CAPTCHA presence. Solving is out of scope; the tool
// exists so flows can detect the wall and hand control back to the user.
func NewCaptchaTool(deps *Deps) ports.ToolExecutor {
	return &captchaTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name:        "captcha",
				Description: "Detect whether the current page shows a CAPTCHA. This server does not solve CAPTCHAs; when one is present, ask the user to complete it.",
				Parameters:  shared.Schema(nil, map[string]ports.Property{}),
			},
			ports.ToolMetadata{
				Name: "captcha", Version: "1.0.0", Category: "browser",
				Tags: []string{"browser"}, RequiresBrowser: true,
			},
		),
		deps: deps,
	}
}

const captchaProbeJS = `(function(){
  var sels=['iframe[src*="recaptcha"]','iframe[src*="hcaptcha"]','iframe[src*="turnstile"]',
            '.g-recaptcha','.h-captcha','.cf-turnstile','#captcha','[id*="captcha"]'];
  for (var i=0;i<sels.length;i++){
    var el=document.querySelector(sels[i]);
    if (el){var r=el.getBoundingClientRect();if(r.width>0&&r.height>0)return sels[i];}
  }
  var t=(document.title||'').toLowerCase();
  if (t.indexOf('captcha')>=0||t.indexOf('are you a robot')>=0) return 'title';
  return '';
})()`

func (t *captchaTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	sess, err := t.deps.session(ctx)
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}
	value, err := sess.Eval(ctx, captchaProbeJS)
	if err != nil {
		return shared.ToolError(call.ID, "captcha probe: %v", err)
	}
	marker, _ := value.(string)
	payload := map[string]any{"ok": true, "present": marker != ""}
	if marker != "" {
		payload["marker"] = marker
		payload["hint"] = "a CAPTCHA is blocking the page; ask the user to solve it in the visible browser window, then continue"
	}
	return shared.JSONResult(call.ID, payload)
}
