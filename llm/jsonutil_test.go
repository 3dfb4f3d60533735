package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "bare object",
			content: `{"query": "password reset"}`,
			want:    `{"query": "password reset"}`,
		},
		{
			name:    "fenced json block",
			content: "Here you go:\n```json\n{\"query\": \"fenced\"}\n```",
			want:    `{"query": "fenced"}`,
		},
		{
			name:    "fence without language tag",
			content: "```\n{\"query\": \"plain fence\"}\n```",
			want:    `{"query": "plain fence"}`,
		},
		{
			name:    "object embedded in prose",
			content: `Sure! The answer is {"query": "embedded"} and that is all.`,
			want:    `{"query": "embedded"}`,
		},
		{
			name:    "no json at all",
			content: "sorry, I cannot help with that",
			want:    "",
		},
		{
			name:    "empty input",
			content: "",
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.content))
		})
	}
}

func TestExtractJSONRemovesTrailingCommas(t *testing.T) {
	content := `{"keywords": ["a", "b",], "intent": "reset",}`

	got := ExtractJSON(content)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(got), &parsed))
	assert.Equal(t, "reset", parsed["intent"])
}

func TestExtractJSONStripsLineComments(t *testing.T) {
	content := `{
	"query": "401k reset", // the optimized query
	"intent": "reset" // inferred
}`

	got := ExtractJSON(content)

	var parsed map[string]string
	require.NoError(t, json.Unmarshal([]byte(got), &parsed))
	assert.Equal(t, "401k reset", parsed["query"])
}

func TestExtractJSONPreservesSlashesInStrings(t *testing.T) {
	// A URL contains "//"; it must not be treated as a comment.
	content := `{"url": "https://example.com/reset"}`

	got := ExtractJSON(content)

	var parsed map[string]string
	require.NoError(t, json.Unmarshal([]byte(got), &parsed))
	assert.Equal(t, "https://example.com/reset", parsed["url"])
}

func TestExtractJSONNestedObjects(t *testing.T) {
	content := "```json\n{\"outer\": {\"inner\": [1, 2, 3]}}\n```"

	got := ExtractJSON(content)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(got), &parsed))
	assert.Contains(t, parsed, "outer")
}
