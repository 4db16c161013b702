package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractContextFromJSONReadsSessionFields(t *testing.T) {
	raw := []byte(`{
		"session": {
			"previousMessages": ["create a task in Notion", "assign it to @sarah"],
			"lastAssistantMessage": "I created task ABC-123 in Notion.",
			"assistantIndicatedDone": true
		}
	}`)

	ctx, err := ExtractContextFromJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"create a task in Notion", "assign it to @sarah"}, ctx.PreviousMessages)
	assert.Equal(t, "I created task ABC-123 in Notion.", ctx.LastAssistantMessage)
	assert.True(t, ctx.AssistantIndicatedDone)
}

func TestExtractContextFromJSONToleratesMissingSession(t *testing.T) {
	ctx, err := ExtractContextFromJSON([]byte(`{}`))
	require.NoError(t, err)
	assert.Empty(t, ctx.PreviousMessages)
}

func TestExtractContextFromJSONRejectsInvalidJSON(t *testing.T) {
	_, err := ExtractContextFromJSON([]byte(`not json`))
	assert.Error(t, err)
}
