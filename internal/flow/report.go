package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// finalHelperBudget bounds each final-report helper so a wedged page cannot
// hold the whole response hostage.
const finalHelperBudget = 15 * time.Second

// finalSections are the sections accepted for the final report besides the
// always-on observe.
var finalSections = map[string]bool{
	"triage": true, "diagnostics": true, "audit": true, "map": true, "graph": true,
}

// StepSummary is the per-step record inside a report.
type StepSummary struct {
	Index      int            `json:"i"`
	Tool       string         `json:"tool"`
	Label      string         `json:"label,omitempty"`
	OK         bool           `json:"ok"`
	DurationMS int64          `json:"ms"`
	Optional   bool           `json:"optional,omitempty"`
	Injected   bool           `json:"injected,omitempty"`
	Retried    bool           `json:"retried,omitempty"`
	Error      *StepError     `json:"error,omitempty"`
	Note       string         `json:"note,omitempty"`
	Export     map[string]any `json:"export,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Proof      map[string]any `json:"proof,omitempty"`
	Download   map[string]any `json:"download,omitempty"`
	AutoTab    map[string]any `json:"autoTab,omitempty"`
	Resolved   map[string]any `json:"resolved,omitempty"`
}

// Report is the full result of one run/flow batch.
type Report struct {
	OK             bool           `json:"ok"`
	Mode           string         `json:"mode"`
	Planned        int            `json:"planned"`
	Executed       int            `json:"executed"`
	Steps          []StepSummary  `json:"steps,omitempty"`
	FirstError     *StepError     `json:"first_error,omitempty"`
	FirstErrorStep int            `json:"first_error_step,omitempty"`
	Baseline       int64          `json:"baseline"`
	Cursor         int64          `json:"cursor"`
	Recoveries     int            `json:"recoveries,omitempty"`
	Vars           map[string]any `json:"vars,omitempty"`
	Observe        map[string]any `json:"observe,omitempty"`
	Final          map[string]any `json:"final,omitempty"`
	Next           []string       `json:"next,omitempty"`
	ActionsArtifact string        `json:"actionsArtifact,omitempty"`
	Recording      map[string]any `json:"recording,omitempty"`
}

func (r *Report) fail(step int, err *StepError) {
	if r.FirstError != nil {
		return
	}
	r.FirstError = err
	r.FirstErrorStep = step
	r.OK = false
}

// JSON renders the report for the tool response.
func (r *Report) JSON() string {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"ok":false,"error":"report marshal: %v"}`, err)
	}
	return string(raw)
}

// finalize runs the one-shot final report: the always-cheap observe plus at
// most one richer section, each under its own bounded helper. Helper failures
// never abort the response.
func (e *Engine) finalize(ctx context.Context, report *Report) {
	tabID := e.Env.TabID()
	e.Env.PumpEvents()
	report.Cursor = e.Env.Cursor(tabID)

	since := int64(0)
	if e.req.DeltaFinal {
		since = e.baseline
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		helperCtx, cancel := context.WithTimeout(groupCtx, finalHelperBudget)
		defer cancel()
		observe := map[string]any{"cursor": report.Cursor}
		if state, err := e.Env.PageState(helperCtx); err == nil {
			observe["page"] = state
		} else {
			observe["error"] = err.Error()
		}
		if delta := e.Env.Tier0Delta(tabID, since); len(delta) > 0 {
			observe["summary"] = delta
		}
		if open, meta := e.Env.DialogOpen(tabID); open {
			observe["dialogOpen"] = true
			observe["dialog"] = meta
		}
		mu.Lock()
		report.Observe = observe
		mu.Unlock()
		return nil
	})

	if section := e.req.Final; finalSections[section] {
		group.Go(func() error {
			helperCtx, cancel := context.WithTimeout(groupCtx, finalHelperBudget)
			defer cancel()
			args := map[string]any{"detail": section}
			if since > 0 {
				args["since"] = since
			}
			payload, err := e.dispatch(helperCtx, "page", args)
			mu.Lock()
			defer mu.Unlock()
			if report.Final == nil {
				report.Final = map[string]any{}
			}
			if err != nil {
				report.Final[section] = map[string]any{"error": err.Error()}
			} else {
				report.Final[section] = payload
			}
			return nil
		})
	}
	_ = group.Wait()

	e.offloadActions(report)
	report.Next = e.nextHints(report)
}

// offloadActions stores the full step summaries as an artifact when the list
// is large, then applies the requested inline verbosity.
func (e *Engine) offloadActions(report *Report) {
	if len(report.Steps) > 8 {
		if raw, err := json.Marshal(report.Steps); err == nil {
			if id, err := e.Env.PutArtifact("actions", "application/json", raw,
				map[string]any{"mode": report.Mode, "steps": len(report.Steps)}); err == nil {
				report.ActionsArtifact = id
			}
		}
	}
	switch e.req.ActionsOutput {
	case "errors":
		kept := report.Steps[:0]
		for _, step := range report.Steps {
			if !step.OK {
				kept = append(kept, step)
			}
		}
		report.Steps = kept
	case "none":
		report.Steps = nil
	}
}

// nextHints assembles up to 10 concrete drilldown calls.
func (e *Engine) nextHints(report *Report) []string {
	var hints []string
	add := func(hint string) {
		if len(hints) < 10 && hint != "" {
			hints = append(hints, hint)
		}
	}
	if open, _ := e.Env.DialogOpen(e.Env.TabID()); open {
		add(`dialog(accept=true)`)
		add(`dialog(accept=false)`)
	}
	if report.FirstError != nil {
		add(report.FirstError.Suggestion)
		if report.FirstError.Class == ClassCDPBrick {
			add(`browser(action="recover")`)
		}
	}
	for _, step := range report.Steps {
		if step.AutoTab != nil {
			if ambiguous, _ := step.AutoTab["ambiguous"].(bool); ambiguous {
				add(`tabs(action="list")`)
			}
		}
		if step.Proof != nil {
			if id, ok := step.Proof["screenshotArtifact"].(string); ok {
				add(fmt.Sprintf(`artifact(action="get", id="%s")`, id))
			}
		}
	}
	if report.ActionsArtifact != "" {
		add(fmt.Sprintf(`artifact(action="get", id="%s", offset=0, max_chars=4000)`, report.ActionsArtifact))
	}
	return hints
}
