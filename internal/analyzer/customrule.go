package analyzer

import (
	"time"

	"github.com/dop251/goja"
)

// customRuleTimeout bounds how long a tenant-supplied scoring script may
// run before it is aborted; the analyzer is otherwise non-cancellable,
// so this is the one place a watchdog is needed.
const customRuleTimeout = 50 * time.Millisecond

// CustomRuleHook is a tenant-supplied JavaScript snippet that must
// define a function `score(keywords, text)` returning an object
// `{intent: string, confidence: number}` or null to leave Analyze's own
// classification untouched. It runs in a sandboxed goja.Runtime with no
// Go interop exposed — no network, no filesystem, no access to the host
// process — making it safe to run synchronously inline with Analyze
// rather than reaching for an out-of-process LLM-assist call.
type CustomRuleHook string

// AnalyzeWithHook runs Analyze and then, if hook is non-empty, lets the
// tenant script override the resulting intent/confidence. A script
// error or timeout is ignored and the base analysis is returned
// unchanged — a misbehaving custom rule degrades to the deterministic
// default rather than failing the request.
func AnalyzeWithHook(text string, ctx Context, hook CustomRuleHook) RequestAnalysis {
	result := Analyze(text, ctx)
	if hook == "" {
		return result
	}

	override, ok := runCustomRule(hook, result.Keywords, text)
	if ok {
		result.Intent = override.Intent
		result.IntentConfidence = clamp(override.Confidence, 0.3, 0.95)
	}
	return result
}

type ruleOverride struct {
	Intent     string
	Confidence float64
}

func runCustomRule(hook CustomRuleHook, keywords []string, text string) (ruleOverride, bool) {
	done := make(chan struct {
		result ruleOverride
		ok     bool
	}, 1)

	go func() {
		result, ok := evalCustomRule(hook, keywords, text)
		done <- struct {
			result ruleOverride
			ok     bool
		}{result, ok}
	}()

	select {
	case out := <-done:
		return out.result, out.ok
	case <-time.After(customRuleTimeout):
		return ruleOverride{}, false
	}
}

func evalCustomRule(hook CustomRuleHook, keywords []string, text string) (out ruleOverride, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()

	vm := goja.New()
	timer := time.AfterFunc(customRuleTimeout, func() { vm.Interrupt("custom rule timeout") })
	defer timer.Stop()
	vm.SetMaxCallStackSize(64)
	if _, err := vm.RunString(string(hook)); err != nil {
		return ruleOverride{}, false
	}

	scoreFn, ok2 := goja.AssertFunction(vm.Get("score"))
	if !ok2 {
		return ruleOverride{}, false
	}

	result, err := scoreFn(goja.Undefined(), vm.ToValue(keywords), vm.ToValue(text))
	if err != nil {
		return ruleOverride{}, false
	}
	if goja.IsNull(result) || goja.IsUndefined(result) {
		return ruleOverride{}, false
	}

	exported := result.Export()
	asMap, isMap := exported.(map[string]interface{})
	if !isMap {
		return ruleOverride{}, false
	}

	intent, _ := asMap["intent"].(string)
	confidence, _ := asMap["confidence"].(float64)
	if intent == "" {
		return ruleOverride{}, false
	}

	return ruleOverride{Intent: intent, Confidence: confidence}, true
}
