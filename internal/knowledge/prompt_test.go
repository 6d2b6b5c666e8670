package knowledge

import (
	"strings"
	"testing"

	"github.com/aihub/medrag/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatContext(t *testing.T) {
	assert.Equal(t, NoRelevantInfo, FormatContext(nil))

	got := FormatContext([]Match{
		{Metadata: ChunkMetadata{Source: "a.pdf", Page: 0, Text: "alpha"}},
		{Metadata: ChunkMetadata{Source: "b.pdf", Page: 3, Text: "beta"}},
	})
	assert.Equal(t, "[Source: a.pdf, Page: 0] alpha\n[Source: b.pdf, Page: 3] beta", got)
}

func TestFormatHistory(t *testing.T) {
	var turns []memory.Turn
	for i := 0; i < 4; i++ {
		turns = append(turns,
			memory.Turn{Role: "user", Content: "q" + string(rune('0'+i))},
			memory.Turn{Role: "assistant", Content: "a" + string(rune('0'+i))},
		)
	}

	got := FormatHistory(turns, 5)
	lines := strings.Split(got, "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "Assistant: a1", lines[0])
	assert.Equal(t, "User: q2", lines[1])
	assert.Equal(t, "Assistant: a3", lines[4])

	assert.Equal(t, "", FormatHistory(nil, 5))
	assert.Equal(t, "User: hi", FormatHistory([]memory.Turn{{Role: "USER", Content: "hi"}}, 5))
}

func TestFormatSources(t *testing.T) {
	got := FormatSources([]Match{
		{Metadata: ChunkMetadata{Source: "b.pdf", Page: 1}},
		{Metadata: ChunkMetadata{Source: "a.pdf", Page: 2}},
		{Metadata: ChunkMetadata{Source: "b.pdf", Page: 1}},
	})
	assert.Equal(t, []string{"a.pdf (Page 2)", "b.pdf (Page 1)"}, got)
	assert.Nil(t, FormatSources(nil))
}

func TestBuildPrompt(t *testing.T) {
	prompt, err := BuildPrompt("What is the dose?", "[Source: a.pdf, Page: 0] 5mg", "User: hi\nAssistant: hello")
	require.NoError(t, err)

	assert.Contains(t, prompt, "You are a knowledgeable and reliable healthcare assistant.")
	assert.Contains(t, prompt, `"I could not find relevant information in the provided documents."`)
	assert.Contains(t, prompt, "Always cite sources with [Source: filename, Page: X].")
	assert.Contains(t, prompt, "Conversation history so far:\nUser: hi\nAssistant: hello\n")
	assert.Contains(t, prompt, "Question:\nWhat is the dose?\n")
	assert.Contains(t, prompt, "Context:\n[Source: a.pdf, Page: 0] 5mg\n")
	assert.Contains(t, prompt, `"confidence": "high", "medium", or "low"`)
}

func TestBuildPrompt_NoEscaping(t *testing.T) {
	prompt, err := BuildPrompt(`<b>"dose" & 'route'</b>`, NoRelevantInfo, "")
	require.NoError(t, err)
	assert.Contains(t, prompt, `<b>"dose" & 'route'</b>`)
}

func TestParseStructured(t *testing.T) {
	tests := []struct {
		name          string
		raw           string
		wantOK        bool
		wantAnswer    string
		wantCitations []string
	}{
		{
			name:          "plain json",
			raw:           `{"answer":"Take 5mg.","citations":["a.pdf (Page 1)"],"confidence":"low"}`,
			wantOK:        true,
			wantAnswer:    "Take 5mg.",
			wantCitations: []string{"a.pdf (Page 1)"},
		},
		{
			name:          "fenced json",
			raw:           "```json\n{\"answer\": \"Rest.\", \"citations\": []}\n```",
			wantOK:        true,
			wantAnswer:    "Rest.",
			wantCitations: nil,
		},
		{
			name:          "object citations",
			raw:           `Here you go: {"answer":"Hydrate.","citations":[{"source":"c.pdf","page":4}]}`,
			wantOK:        true,
			wantAnswer:    "Hydrate.",
			wantCitations: []string{"c.pdf (Page 4)"},
		},
		{name: "plain text", raw: "I could not find relevant information in the provided documents.", wantOK: false},
		{name: "empty answer", raw: `{"answer":"  "}`, wantOK: false},
		{name: "broken json", raw: `{"answer": "x"`, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			answer, citations, ok := ParseStructured(tt.raw)
			assert.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				return
			}
			assert.Equal(t, tt.wantAnswer, answer)
			assert.Equal(t, tt.wantCitations, citations)
		})
	}
}

func TestCapitalize(t *testing.T) {
	assert.Equal(t, "User", capitalize("user"))
	assert.Equal(t, "Assistant", capitalize("ASSISTANT"))
	assert.Equal(t, "", capitalize(""))
}
