package knowledge

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "word" + string(rune('a'+i%26))
	}
	return strings.Join(parts, " ")
}

func TestChunker_SizeAndOverlap(t *testing.T) {
	c := NewChunker(500, 50)
	text := words(600) // ~3000 runes

	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)

	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.LessOrEqual(t, utf8.RuneCountInString(ch.Text), 500)
		if i == 0 {
			continue
		}
		prev := []rune(chunks[i-1].Text)
		cur := []rune(ch.Text)
		// 下一块以上一块末尾的overlap个字符开头
		assert.Equal(t, string(prev[len(prev)-50:]), string(cur[:50]), "chunk %d", i)
	}

	// 拼接去掉重叠部分后还原原文
	var rebuilt strings.Builder
	for i, ch := range chunks {
		r := []rune(ch.Text)
		if i > 0 {
			r = r[50:]
		}
		rebuilt.WriteString(string(r))
	}
	assert.Equal(t, text, rebuilt.String())
}

func TestChunker_PrefersWhitespace(t *testing.T) {
	c := NewChunker(20, 5)
	chunks := c.Split("alpha beta gamma delta epsilon zeta eta theta")
	require.NotEmpty(t, chunks)

	first := chunks[0].Text
	assert.LessOrEqual(t, utf8.RuneCountInString(first), 20)
	assert.Equal(t, "alpha beta gamma", first)
}

func TestChunker_NoWhitespaceHardCut(t *testing.T) {
	c := NewChunker(10, 2)
	chunks := c.Split(strings.Repeat("x", 25))

	require.Len(t, chunks, 3)
	assert.Equal(t, 10, utf8.RuneCountInString(chunks[0].Text))
	assert.Equal(t, 10, utf8.RuneCountInString(chunks[1].Text))
	assert.Equal(t, 9, utf8.RuneCountInString(chunks[2].Text))
}

func TestChunker_EmptyInput(t *testing.T) {
	c := NewChunker(500, 50)
	assert.Empty(t, c.Split(""))
	assert.Empty(t, c.Split("   \n\t  "))
	assert.Empty(t, c.SplitPages(nil))
}

func TestChunker_ShortDocumentSingleChunk(t *testing.T) {
	c := NewChunker(500, 50)
	chunks := c.Split("Aspirin is contraindicated\n\nin children.")
	require.Len(t, chunks, 1)
	assert.Equal(t, "Aspirin is contraindicated in children.", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Page)
}

func TestChunker_PagesNeverSpanned(t *testing.T) {
	c := NewChunker(30, 5)
	pages := []Page{
		{Number: 0, Text: "first page text that is long enough to split"},
		{Number: 1, Text: ""},
		{Number: 2, Text: "third page"},
	}

	chunks := c.SplitPages(pages)
	require.NotEmpty(t, chunks)

	seenPages := map[int]bool{}
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index, "index is global across pages")
		seenPages[ch.Page] = true
		if ch.Page == 0 {
			assert.NotContains(t, ch.Text, "third")
		}
	}
	assert.True(t, seenPages[0])
	assert.False(t, seenPages[1])
	assert.True(t, seenPages[2])
	assert.Equal(t, "third page", chunks[len(chunks)-1].Text)
}

func TestChunker_MultibyteRunes(t *testing.T) {
	c := NewChunker(8, 2)
	chunks := c.Split(strings.Repeat("医", 20))
	for _, ch := range chunks {
		assert.True(t, utf8.ValidString(ch.Text))
		assert.LessOrEqual(t, utf8.RuneCountInString(ch.Text), 8)
	}
}

func TestNewChunker_Defaults(t *testing.T) {
	c := NewChunker(0, -1)
	assert.Equal(t, 500, c.Size())
	assert.Equal(t, 0, c.Overlap())

	c = NewChunker(100, 100)
	assert.Less(t, c.Overlap(), c.Size())
}
