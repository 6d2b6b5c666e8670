package knowledge

import (
	"strings"
	"unicode"
)

// Chunk 表示分块后的文本结构
type Chunk struct {
	Index int // 整个文件内的序号，从0开始
	Page  int
	Text  string
}

// Chunker 文本分块器
//
// Every chunk holds at most chunkSize runes. Consecutive chunks of one page
// share exactly chunkOverlap runes. A cut prefers the last space found after
// the overlap region so words are not split when avoidable.
type Chunker struct {
	chunkSize    int
	chunkOverlap int
}

// NewChunker 创建分块器
func NewChunker(chunkSize, overlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 10
	}
	return &Chunker{
		chunkSize:    chunkSize,
		chunkOverlap: overlap,
	}
}

func (c *Chunker) Size() int    { return c.chunkSize }
func (c *Chunker) Overlap() int { return c.chunkOverlap }

// Split 将单页文本切分为多个chunk，页码为0
func (c *Chunker) Split(text string) []Chunk {
	return c.SplitPages([]Page{{Number: 0, Text: text}})
}

// SplitPages 按页切分，chunk不跨页，Index在所有页之间连续编号
func (c *Chunker) SplitPages(pages []Page) []Chunk {
	var chunks []Chunk
	for _, page := range pages {
		for _, text := range c.splitRunes([]rune(normalizeWhitespace(page.Text))) {
			chunks = append(chunks, Chunk{
				Index: len(chunks),
				Page:  page.Number,
				Text:  text,
			})
		}
	}
	return chunks
}

func (c *Chunker) splitRunes(runes []rune) []string {
	n := len(runes)
	if n == 0 {
		return nil
	}

	var out []string
	start := 0
	for {
		end := start + c.chunkSize
		if end >= n {
			end = n
		} else if cut := c.lastSpace(runes, start, end); cut > 0 {
			end = cut
		}

		piece := string(runes[start:end])
		if strings.TrimSpace(piece) != "" {
			out = append(out, piece)
		}
		if end == n {
			break
		}
		start = end - c.chunkOverlap
	}
	return out
}

// lastSpace 返回 (start+overlap, end) 区间内最后一个空格的位置，没有则返回-1
func (c *Chunker) lastSpace(runes []rune, start, end int) int {
	for i := end - 1; i > start+c.chunkOverlap; i-- {
		if runes[i] == ' ' {
			return i
		}
	}
	return -1
}

func normalizeWhitespace(s string) string {
	var builder strings.Builder
	builder.Grow(len(s))

	var prevSpace bool
	for _, r := range s {
		if unicode.IsSpace(r) {
			if prevSpace {
				continue
			}
			builder.WriteRune(' ')
			prevSpace = true
			continue
		}
		builder.WriteRune(r)
		prevSpace = false
	}

	return strings.TrimSpace(builder.String())
}
