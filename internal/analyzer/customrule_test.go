package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyzeWithHookAppliesOverride(t *testing.T) {
	hook := CustomRuleHook(`
		function score(keywords, text) {
			if (text.indexOf("widget") >= 0) {
				return {intent: "widget_request", confidence: 0.9};
			}
			return null;
		}
	`)

	r := AnalyzeWithHook("order a widget", Context{}, hook)
	assert.Equal(t, "widget_request", r.Intent)
	assert.InDelta(t, 0.9, r.IntentConfidence, 0.001)
}

func TestAnalyzeWithHookFallsBackWhenScriptReturnsNull(t *testing.T) {
	hook := CustomRuleHook(`function score(keywords, text) { return null; }`)
	r := AnalyzeWithHook("find a ticket", Context{}, hook)
	assert.Equal(t, "search", r.Intent)
}

func TestAnalyzeWithHookFallsBackOnScriptError(t *testing.T) {
	hook := CustomRuleHook(`this is not valid javascript {{{`)
	r := AnalyzeWithHook("find a ticket", Context{}, hook)
	assert.Equal(t, "search", r.Intent)
}

func TestAnalyzeWithoutHookIsUnaffected(t *testing.T) {
	r := AnalyzeWithHook("find a ticket", Context{}, "")
	assert.Equal(t, "search", r.Intent)
}
