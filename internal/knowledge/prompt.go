package knowledge

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"unicode"
	"unicode/utf8"

	"github.com/aihub/medrag/internal/memory"
)

const NoRelevantInfo = "No relevant info."

var answerPrompt = template.Must(template.New("answer").Parse(`
You are a knowledgeable and reliable healthcare assistant.

Your task:
- Answer the user's healthcare-related question ONLY using the given context.
- If the context does not contain the answer, say clearly:
  "I could not find relevant information in the provided documents."
- Avoid making up information (no hallucinations).
- Be concise, medically accurate, and explain in simple terms.
- Always cite sources with [Source: filename, Page: X].

Conversation history so far:
{{.History}}

Question:
{{.Question}}

Context:
{{.Context}}

Return the response in **structured JSON** with keys:
- "answer": your main response (clear and user-friendly)
- "citations": list of document sources and page numbers you used
- "confidence": "high", "medium", or "low" based on how relevant the context was
`))

type promptData struct {
	History  string
	Question string
	Context  string
}

// BuildPrompt 渲染问答模板
func BuildPrompt(question, contextBlock, historyBlock string) (string, error) {
	var sb strings.Builder
	if err := answerPrompt.Execute(&sb, promptData{
		History:  historyBlock,
		Question: question,
		Context:  contextBlock,
	}); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return sb.String(), nil
}

// FormatContext 每条命中一行，没有命中时返回 NoRelevantInfo
func FormatContext(matches []Match) string {
	if len(matches) == 0 {
		return NoRelevantInfo
	}
	lines := make([]string, 0, len(matches))
	for _, m := range matches {
		lines = append(lines, fmt.Sprintf("[Source: %s, Page: %d] %s", m.Metadata.Source, m.Metadata.Page, m.Metadata.Text))
	}
	return strings.Join(lines, "\n")
}

// FormatHistory 最近window条消息，时间正序，"User: ..." / "Assistant: ..."
func FormatHistory(turns []memory.Turn, window int) string {
	recent := memory.Window(turns, window)
	lines := make([]string, 0, len(recent))
	for _, turn := range recent {
		lines = append(lines, fmt.Sprintf("%s: %s", capitalize(turn.Role), turn.Content))
	}
	return strings.Join(lines, "\n")
}

// FormatSources 去重排序后的 "<source> (Page N)"
func FormatSources(matches []Match) []string {
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		s := fmt.Sprintf("%s (Page %d)", m.Metadata.Source, m.Metadata.Page)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// capitalize 首字母大写，其余小写
func capitalize(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}

type structuredAnswer struct {
	Answer    string          `json:"answer"`
	Citations json.RawMessage `json:"citations"`
}

// ParseStructured 宽松解析模型输出的JSON（允许```json包裹），失败时ok为false
func ParseStructured(raw string) (answer string, citations []string, ok bool) {
	body := strings.TrimSpace(raw)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimPrefix(body, "json")
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
		body = strings.TrimSpace(body)
	}
	if !strings.HasPrefix(body, "{") {
		start := strings.Index(body, "{")
		end := strings.LastIndex(body, "}")
		if start < 0 || end <= start {
			return "", nil, false
		}
		body = body[start : end+1]
	}

	var parsed structuredAnswer
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return "", nil, false
	}
	parsed.Answer = strings.TrimSpace(parsed.Answer)
	if parsed.Answer == "" {
		return "", nil, false
	}
	return parsed.Answer, decodeCitations(parsed.Citations), true
}

// citations 可能是字符串数组，也可能是对象数组
func decodeCitations(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}

	var asStrings []string
	if err := json.Unmarshal(raw, &asStrings); err == nil {
		return nonEmpty(asStrings)
	}

	var asObjects []map[string]interface{}
	if err := json.Unmarshal(raw, &asObjects); err == nil {
		out := make([]string, 0, len(asObjects))
		for _, obj := range asObjects {
			source, _ := obj["source"].(string)
			if source == "" {
				source, _ = obj["filename"].(string)
			}
			if source == "" {
				continue
			}
			if page, ok := obj["page"]; ok {
				out = append(out, fmt.Sprintf("%s (Page %v)", source, page))
			} else {
				out = append(out, source)
			}
		}
		return nonEmpty(out)
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return nonEmpty([]string{single})
	}
	return nil
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
