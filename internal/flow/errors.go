package flow

import (
	"fmt"
	"strings"
)

// ErrorClass is the closed step-failure taxonomy.
type ErrorClass string

const (
	ClassValidation  ErrorClass = "validation"
	ClassPolicy      ErrorClass = "policy"
	ClassMissingRef  ErrorClass = "missing_ref"
	ClassAmbiguous   ErrorClass = "ambiguous"
	ClassDialogBlock ErrorClass = "dialog_block"
	ClassUITransient ErrorClass = "ui_transient"
	ClassCDPBrick    ErrorClass = "cdp_brick"
	ClassTimeout     ErrorClass = "timeout"
	ClassToolFailure ErrorClass = "tool_failure"
)

// StepError is a classified step failure with an actionable suggestion.
type StepError struct {
	Class      ErrorClass     `json:"class"`
	Message    string         `json:"message"`
	Suggestion string         `json:"suggestion,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

func (e *StepError) Error() string { return e.Message }

func newStepError(class ErrorClass, suggestion, format string, args ...any) *StepError {
	return &StepError{Class: class, Message: fmt.Sprintf(format, args...), Suggestion: suggestion}
}

// brickPatterns match transport failures where only recovery can progress.
var brickPatterns = []string{
	"cdp response timed out",
	"endpoint not reachable",
	"websocket closed",
	"websocket: close",
	"connection refused",
	"broken pipe",
	"action timed out",
	"cdp connection closed",
	"use of closed network connection",
	"connection reset by peer",
}

// uiTransientPatterns match failures a retry after overlay dismissal may fix.
var uiTransientPatterns = []string{
	"element not found",
	"no element matches",
	"not clickable",
	"intercepted",
	"overlay",
	"stale",
	"zero size",
	"not visible",
}

// Classify maps a raw error onto the taxonomy. Already-classified errors pass
// through unchanged.
func Classify(err error) *StepError {
	if err == nil {
		return nil
	}
	if stepErr, ok := err.(*StepError); ok {
		return stepErr
	}
	text := strings.ToLower(err.Error())
	for _, pattern := range brickPatterns {
		if strings.Contains(text, pattern) {
			return &StepError{
				Class:      ClassCDPBrick,
				Message:    err.Error(),
				Suggestion: `browser(action="recover") to reset the CDP session, then re-run from the failed step`,
			}
		}
	}
	for _, pattern := range uiTransientPatterns {
		if strings.Contains(text, pattern) {
			return &StepError{
				Class:      ClassUITransient,
				Message:    err.Error(),
				Suggestion: `page(detail="locators") to refresh element refs, or macro(name="dismiss_overlays") first`,
			}
		}
	}
	if strings.Contains(text, "timed out") || strings.Contains(text, "timeout") {
		return &StepError{Class: ClassTimeout, Message: err.Error()}
	}
	return &StepError{Class: ClassToolFailure, Message: err.Error()}
}

// IsBrick reports whether err classifies as a CDP brick.
func IsBrick(err error) bool {
	classified := Classify(err)
	return classified != nil && classified.Class == ClassCDPBrick
}
