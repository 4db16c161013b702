package analyzer

import (
	"encoding/json"
	"fmt"

	"github.com/PaesslerAG/jsonpath"
)

// ExtractContextFromJSON builds a Context out of a caller-supplied JSON
// blob whose shape the analyzer doesn't need to know up front — callers
// forward whatever session/conversation object they already have and
// the analyzer locates the fields it cares about via jsonpath, rather
// than requiring every caller to map its own session schema onto
// Context's Go fields.
func ExtractContextFromJSON(raw []byte) (Context, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Context{}, fmt.Errorf("analyzer: parse context json: %w", err)
	}

	var ctx Context
	if v, err := jsonpath.Get("$.session.previousMessages", doc); err == nil {
		if items, ok := v.([]interface{}); ok {
			for _, item := range items {
				if s, ok := item.(string); ok {
					ctx.PreviousMessages = append(ctx.PreviousMessages, s)
				}
			}
		}
	}
	if v, err := jsonpath.Get("$.session.lastAssistantMessage", doc); err == nil {
		if s, ok := v.(string); ok {
			ctx.LastAssistantMessage = s
		}
	}
	if v, err := jsonpath.Get("$.session.assistantIndicatedDone", doc); err == nil {
		if b, ok := v.(bool); ok {
			ctx.AssistantIndicatedDone = b
		}
	}

	return ctx, nil
}
